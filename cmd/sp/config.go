package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"

	configstore "github.com/SiteRelEnby/simplyplural-cli/internal/config/store"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage profile configuration",
	}
	cmd.AddCommand(newConfigSetupCmd(), newConfigShowCmd(), newConfigGetCmd(), newConfigSetCmd())
	return cmd
}

func newConfigSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "setup",
		Short:         "Store the Simply Plural API token for this profile",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newOutputFormatter(cmd)

			token, err := promptForToken()
			if err != nil {
				return err
			}
			if token == "" {
				return fmt.Errorf("no token entered")
			}

			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SetAPIToken(cmd.Context(), token); err != nil {
				return fmt.Errorf("store API token: %w", err)
			}
			return formatter.Success(fmt.Sprintf("API token stored for profile %q", profileName(cmd)), map[string]interface{}{
				"profile": profileName(cmd),
			})
		},
	}
}

// promptForToken reads the token without echo on a terminal, and falls back
// to a plain line read when stdin is piped.
func promptForToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if terminal.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Simply Plural API token: ")
		raw, err := terminal.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "show",
		Short:         "Show effective settings for this profile",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newOutputFormatter(cmd)

			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			stored, err := store.LoadSettings(cmd.Context())
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}
			settings := configstore.DefaultSettings()
			for k, v := range stored {
				settings[k] = v
			}

			hasToken := true
			if _, err := store.APIToken(cmd.Context()); err != nil {
				if !configstore.IsNotFound(err) {
					return fmt.Errorf("check API token: %w", err)
				}
				hasToken = false
			}

			if formatter.jsonMode {
				return formatter.Print(map[string]interface{}{
					"profile":   profileName(cmd),
					"settings":  settings,
					"has_token": hasToken,
				})
			}

			fmt.Printf("Profile: %s\n", profileName(cmd))
			if hasToken {
				fmt.Println("API token: configured")
			} else {
				fmt.Println("API token: not set (run 'sp config setup')")
			}
			for _, key := range sortedKeys(settings) {
				fmt.Printf("  %s = %s\n", key, settings[key])
			}
			return nil
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "get <key>",
		Short:         "Print a configuration value",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newOutputFormatter(cmd)

			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			value, err := store.Setting(cmd.Context(), args[0])
			if err != nil {
				if configstore.IsNotFound(err) {
					return fmt.Errorf("no such setting: %s", args[0])
				}
				return fmt.Errorf("load setting: %w", err)
			}
			if formatter.jsonMode {
				return formatter.Print(map[string]interface{}{args[0]: value})
			}
			fmt.Println(value)
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "set <key> <value>",
		Short:         "Set a configuration value",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newOutputFormatter(cmd)

			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			key, value := args[0], args[1]
			if err := store.SaveSettings(cmd.Context(), map[string]string{key: value}); err != nil {
				return fmt.Errorf("save setting: %w", err)
			}
			return formatter.Success(fmt.Sprintf("%s = %s", key, value), map[string]interface{}{
				"key":   key,
				"value": value,
			})
		},
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
