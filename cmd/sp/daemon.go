package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SiteRelEnby/simplyplural-cli/internal/config"
	"github.com/SiteRelEnby/simplyplural-cli/internal/runtime"
)

const stopWait = 10 * time.Second

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Inspect and control the spd daemon",
	}
	cmd.AddCommand(newDaemonStatusCmd(), newDaemonStopCmd())
	return cmd
}

func newDaemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Report whether the daemon is running",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newOutputFormatter(cmd)
			profile := profileName(cmd)
			paths := config.GetProfilePaths(profile)

			pid, pidErr := runtime.ReadPIDFile(paths.Lock)
			alive := pidErr == nil && runtime.IsProcessAlive(pid)
			responsive := daemonClient(cmd).IsRunning()

			if formatter.jsonMode {
				return formatter.Print(map[string]interface{}{
					"profile":    profile,
					"pid":        pid,
					"running":    alive,
					"responsive": responsive,
					"socket":     paths.Socket,
				})
			}

			switch {
			case alive && responsive:
				fmt.Printf("Daemon running (pid %d) and responding on %s\n", pid, paths.Socket)
			case alive:
				fmt.Printf("Daemon process alive (pid %d) but not responding on %s\n", pid, paths.Socket)
			case responsive:
				fmt.Printf("Daemon responding on %s but pid file is stale\n", paths.Socket)
			default:
				fmt.Printf("Daemon not running for profile %q\n", profile)
			}
			return nil
		},
	}
}

func newDaemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "stop",
		Short:         "Stop the daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newOutputFormatter(cmd)
			profile := profileName(cmd)
			paths := config.GetProfilePaths(profile)

			pid, err := runtime.ReadPIDFile(paths.Lock)
			if err != nil {
				return fmt.Errorf("daemon not running for profile %q (no pid file)", profile)
			}
			if !runtime.IsProcessAlive(pid) {
				os.Remove(paths.Lock)
				return fmt.Errorf("daemon not running for profile %q (stale pid file removed)", profile)
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("find daemon process %d: %w", pid, err)
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal daemon process %d: %w", pid, err)
			}

			deadline := time.Now().Add(stopWait)
			for time.Now().Before(deadline) {
				if !runtime.IsProcessAlive(pid) {
					return formatter.Success(fmt.Sprintf("Daemon stopped (pid %d)", pid), map[string]interface{}{
						"pid": pid,
					})
				}
				time.Sleep(100 * time.Millisecond)
			}
			return fmt.Errorf("daemon (pid %d) did not exit within %s", pid, stopWait)
		},
	}
}
