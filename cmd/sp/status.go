package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/SiteRelEnby/simplyplural-cli/internal/client"
	spversion "github.com/SiteRelEnby/simplyplural-cli/internal/version"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show daemon status",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newOutputFormatter(cmd)
			status, err := daemonClient(cmd).Status()
			if err != nil {
				if errors.Is(err, client.ErrDaemonNotRunning) {
					return fmt.Errorf("daemon is not running for profile %q; start it with 'spd --profile %s'", profileName(cmd), profileName(cmd))
				}
				return err
			}

			if formatter.jsonMode {
				return formatter.Print(status)
			}

			fmt.Printf("Daemon:    running (pid %d, version %s)\n", status.PID, status.Version)
			fmt.Printf("Profile:   %s\n", status.Profile)
			fmt.Printf("Socket:    %s\n", status.SocketPath)
			printWebSocketStatus(status.WebSocket)
			fmt.Printf("Uptime:    %s\n", formatDuration(status.State.Uptime))
			fmt.Printf("Updates:   %d applied\n", status.State.UpdateCount)
			fmt.Printf("State:     %d fronting, %d members, %d custom fronts\n",
				status.State.FronterCount, status.State.MemberCount, status.State.CustomFrontCount)

			if warning := spversion.CheckVersionMismatch(status.Version); warning != "" {
				fmt.Println(warning)
			}
			return nil
		},
	}
}

func printWebSocketStatus(raw json.RawMessage) {
	var ws struct {
		State            string  `json:"state"`
		Uptime           float64 `json:"uptime"`
		ReconnectCount   int     `json:"reconnect_count"`
		ReconnectDelay   float64 `json:"reconnect_delay"`
		LastMessage      int64   `json:"last_message"`
		MessagesReceived int64   `json:"messages_received"`
		LastError        string  `json:"last_error"`
	}
	if err := json.Unmarshal(raw, &ws); err != nil {
		fmt.Printf("WebSocket: unknown\n")
		return
	}
	line := fmt.Sprintf("WebSocket: %s", ws.State)
	if ws.State == "connected" {
		line += fmt.Sprintf(" (up %s, %d reconnects)", formatDuration(ws.Uptime), ws.ReconnectCount)
	} else if ws.LastError != "" {
		line += fmt.Sprintf(" (%s)", ws.LastError)
	}
	fmt.Println(line)
	if ws.MessagesReceived > 0 {
		fmt.Printf("Stream:    %d messages, last %s\n",
			ws.MessagesReceived, formatAge(time.Unix(ws.LastMessage, 0)))
	}
	if ws.State != "connected" {
		fmt.Printf("Backoff:   %s\n", formatDuration(ws.ReconnectDelay))
	}
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "ping",
		Short:         "Check whether the daemon is responsive",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newOutputFormatter(cmd)
			start := time.Now()
			if err := daemonClient(cmd).Ping(); err != nil {
				if errors.Is(err, client.ErrDaemonNotRunning) {
					return fmt.Errorf("daemon is not running for profile %q", profileName(cmd))
				}
				return err
			}
			elapsed := time.Since(start)
			return formatter.Success(fmt.Sprintf("pong (%s)", elapsed.Round(time.Microsecond)), map[string]interface{}{
				"latency_ms": float64(elapsed.Microseconds()) / 1000.0,
			})
		},
	}
}
