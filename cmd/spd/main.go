package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SiteRelEnby/simplyplural-cli/internal/cache"
	"github.com/SiteRelEnby/simplyplural-cli/internal/client"
	"github.com/SiteRelEnby/simplyplural-cli/internal/config"
	configstore "github.com/SiteRelEnby/simplyplural-cli/internal/config/store"
	"github.com/SiteRelEnby/simplyplural-cli/internal/daemon"
	spversion "github.com/SiteRelEnby/simplyplural-cli/internal/version"
)

func main() {
	var profileName string

	rootCmd := &cobra.Command{
		Use:           "spd",
		Short:         "Simply Plural daemon - mirrors system state and serves it over a Unix socket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(profileName)
		},
	}
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", config.DefaultProfile, "profile to run the daemon for")
	rootCmd.Version = spversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(profileName string) error {
	paths, err := config.EnsureProfileDirs(profileName)
	if err != nil {
		return fmt.Errorf("failed to prepare profile directories: %w", err)
	}

	if err := setupLogging(paths); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	if client.New(paths.Socket).IsRunning() {
		return fmt.Errorf("daemon is already running for profile %q", profileName)
	}

	store, err := configstore.Open(configstore.Options{ProfileName: profileName, DBPath: paths.ConfigDB})
	if err != nil {
		return fmt.Errorf("failed to open config store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()

	token := os.Getenv("SP_API_TOKEN")
	if token == "" {
		token, err = store.APIToken(ctx)
		if err != nil {
			if configstore.IsNotFound(err) {
				return fmt.Errorf("no API token configured; run 'sp config setup' first")
			}
			return fmt.Errorf("failed to load API token: %w", err)
		}
	}

	cacheMgr, err := cache.New(paths.Cache, loadTTLs(ctx, store))
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}

	apiTimeout, _ := store.APITimeout(ctx)
	apiRetries, _ := store.APIMaxRetries(ctx)

	d, err := daemon.New(daemon.Options{
		ProfileName:   profileName,
		Token:         token,
		SocketPath:    paths.Socket,
		PIDFile:       paths.Lock,
		Cache:         cacheMgr,
		APITimeout:    apiTimeout,
		APIMaxRetries: apiRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := d.Start(ctx); err != nil {
		return err
	}

	log.Printf("Simply Plural daemon started (PID: %d)", os.Getpid())
	log.Printf("Unix socket: %s", paths.Socket)

	sig := <-sigChan
	log.Printf("Received signal %s, shutting down...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Daemon stopped")
	return nil
}

func loadTTLs(ctx context.Context, store *configstore.Store) cache.TTLs {
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
	return ttls
}

func setupLogging(paths config.ProfilePaths) error {
	if err := os.MkdirAll(paths.Logs, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}

	logPath := filepath.Join(paths.Logs, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== Simply Plural Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
