package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SiteRelEnby/simplyplural-cli/internal/cache"
)

func newSwitchCmd() *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "switch <name>...",
		Short: "Register a front switch",
		Long: `Register a switch to one or more members or custom fronts. Names are
matched case-insensitively; unambiguous substrings work too. The switch is
registered against the API directly, so it takes effect whether or not the
daemon is running.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newOutputFormatter(cmd)

			api, cacheMgr, err := restEnv(cmd)
			if err != nil {
				return err
			}
			if err := api.RegisterSwitch(cmd.Context(), args, note); err != nil {
				return fmt.Errorf("register switch: %w", err)
			}

			// The daemon picks the change up over its socket; the disk cache
			// needs a nudge so a daemonless 'sp fronting' is not stale.
			if err := cacheMgr.Invalidate(cache.KeyFronters); err != nil {
				log.Printf("[CLI] failed to invalidate fronters cache: %v", err)
			}

			return formatter.Success(fmt.Sprintf("Switched to %s", strings.Join(args, ", ")), map[string]interface{}{
				"fronters": args,
				"note":     note,
			})
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "Custom status note to attach to the switch")
	return cmd
}
