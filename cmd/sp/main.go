package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/SiteRelEnby/simplyplural-cli/internal/api"
	"github.com/SiteRelEnby/simplyplural-cli/internal/cache"
	"github.com/SiteRelEnby/simplyplural-cli/internal/client"
	"github.com/SiteRelEnby/simplyplural-cli/internal/config"
	configstore "github.com/SiteRelEnby/simplyplural-cli/internal/config/store"
	spversion "github.com/SiteRelEnby/simplyplural-cli/internal/version"
)

var rootCmd *cobra.Command

// OutputFormatter handles output in JSON or human-readable format.
type OutputFormatter struct {
	jsonMode bool
}

func newOutputFormatter(cmd *cobra.Command) *OutputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &OutputFormatter{jsonMode: jsonMode}
}

// Print outputs data as indented JSON in JSON mode; in human mode strings
// print as-is and other values fall back to JSON.
func (f *OutputFormatter) Print(data interface{}) error {
	if f.jsonMode {
		jsonBytes, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(jsonBytes))
		return nil
	}
	switch v := data.(type) {
	case string:
		fmt.Println(v)
	default:
		jsonBytes, _ := json.MarshalIndent(data, "", "  ")
		fmt.Println(string(jsonBytes))
	}
	return nil
}

// Success outputs a success message.
func (f *OutputFormatter) Success(message string, data map[string]interface{}) error {
	if f.jsonMode {
		output := map[string]interface{}{
			"success": true,
			"message": message,
		}
		for k, v := range data {
			output[k] = v
		}
		return f.Print(output)
	}
	fmt.Println(message)
	return nil
}

func init() {
	rootCmd = &cobra.Command{
		Use:   "sp",
		Short: "Simply Plural CLI - query and manage fronting state",
		Long: `sp queries Simply Plural system state: current fronters, members, and
custom fronts. With the spd daemon running, reads are answered instantly
from its in-memory mirror; without it, sp falls back to the REST API.`,
	}
	rootCmd.Version = spversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	rootCmd.PersistentFlags().String("profile", config.DefaultProfile, "Profile to operate on")
}

func main() {
	rootCmd.AddCommand(
		newFrontingCmd(),
		newMembersCmd(),
		newCustomFrontsCmd(),
		newSwitchCmd(),
		newStatusCmd(),
		newPingCmd(),
		newConfigCmd(),
		newDaemonCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func profileName(cmd *cobra.Command) string {
	name, _ := cmd.Flags().GetString("profile")
	if name == "" {
		name = config.DefaultProfile
	}
	return name
}

func daemonClient(cmd *cobra.Command) *client.Client {
	return client.New(config.SocketPath(profileName(cmd)))
}

func openStore(cmd *cobra.Command) (*configstore.Store, error) {
	profile := profileName(cmd)
	paths, err := config.EnsureProfileDirs(profile)
	if err != nil {
		return nil, fmt.Errorf("prepare profile directories: %w", err)
	}
	return configstore.Open(configstore.Options{ProfileName: profile, DBPath: paths.ConfigDB})
}

// restEnv builds the REST client and the profile's disk cache for
// daemonless operation. SP_API_TOKEN overrides the stored token.
func restEnv(cmd *cobra.Command) (*api.Client, *cache.Manager, error) {
	profile := profileName(cmd)
	paths, err := config.EnsureProfileDirs(profile)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare profile directories: %w", err)
	}
	store, err := configstore.Open(configstore.Options{ProfileName: profile, DBPath: paths.ConfigDB})
	if err != nil {
		return nil, nil, err
	}
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	token := os.Getenv("SP_API_TOKEN")
	if token == "" {
		token, err = store.APIToken(ctx)
		if err != nil {
			if configstore.IsNotFound(err) {
				return nil, nil, errors.New("no API token configured; run 'sp config setup' first")
			}
			return nil, nil, fmt.Errorf("load API token: %w", err)
		}
	}

	timeout, _ := store.APITimeout(ctx)
	retries, _ := store.APIMaxRetries(ctx)

	ttls := cache.DefaultTTLs()
	if v, err := store.CacheTTL(ctx, "fronters"); err == nil {
		ttls.Fronters = v
	}
	if v, err := store.CacheTTL(ctx, "members"); err == nil {
		ttls.Members = v
	}
	if v, err := store.CacheTTL(ctx, "custom_fronts"); err == nil {
		ttls.CustomFronts = v
	}
	manager, err := cache.New(paths.Cache, ttls)
	if err != nil {
		return nil, nil, fmt.Errorf("open cache: %w", err)
	}

	return api.NewClient(token, api.Options{Timeout: timeout, MaxRetries: retries}), manager, nil
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	age := time.Since(t).Round(time.Second)
	if age < 0 {
		age = 0
	}
	return fmt.Sprintf("%s ago", age)
}

func formatDuration(seconds float64) string {
	return time.Duration(float64(time.Second) * seconds).Round(time.Second).String()
}
