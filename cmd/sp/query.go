package main

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/SiteRelEnby/simplyplural-cli/internal/client"
	"github.com/SiteRelEnby/simplyplural-cli/internal/state"
)

// fetchFronters reads from the daemon when it is running. Without a daemon
// it consults the disk cache first and only then the REST API, writing the
// fresh result back to the cache.
func fetchFronters(cmd *cobra.Command) ([]state.FronterView, time.Time, bool, error) {
	fronters, ts, err := daemonClient(cmd).Fronters()
	if err == nil {
		return fronters, ts, true, nil
	}
	if !errors.Is(err, client.ErrDaemonNotRunning) {
		return nil, time.Time{}, false, err
	}

	api, cacheMgr, err := restEnv(cmd)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	if cached, ok := cacheMgr.GetFronters(); ok {
		return cached, time.Now(), false, nil
	}
	fronters, err = api.Fronters(cmd.Context())
	if err != nil {
		return nil, time.Time{}, false, err
	}
	if err := cacheMgr.SetFronters(fronters); err != nil {
		log.Printf("[CLI] failed to cache fronters: %v", err)
	}
	return fronters, time.Now(), false, nil
}

func fetchEntities(cmd *cobra.Command, custom bool) ([]state.Entity, time.Time, error) {
	c := daemonClient(cmd)
	var (
		entities []state.Entity
		ts       time.Time
		err      error
	)
	if custom {
		entities, ts, err = c.CustomFronts()
	} else {
		entities, ts, err = c.Members()
	}
	if err == nil {
		return entities, ts, nil
	}
	if !errors.Is(err, client.ErrDaemonNotRunning) {
		return nil, time.Time{}, err
	}

	api, cacheMgr, err := restEnv(cmd)
	if err != nil {
		return nil, time.Time{}, err
	}
	if custom {
		if cached, ok := cacheMgr.GetCustomFronts(); ok {
			return cached, time.Now(), nil
		}
		entities, err = api.CustomFronts(cmd.Context())
	} else {
		if cached, ok := cacheMgr.GetMembers(); ok {
			return cached, time.Now(), nil
		}
		entities, err = api.Members(cmd.Context())
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	var cacheErr error
	if custom {
		cacheErr = cacheMgr.SetCustomFronts(entities)
	} else {
		cacheErr = cacheMgr.SetMembers(entities)
	}
	if cacheErr != nil {
		log.Printf("[CLI] failed to cache entities: %v", cacheErr)
	}
	return entities, time.Now(), nil
}

func newFrontingCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "fronting",
		Short:         "Show who is currently fronting",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newOutputFormatter(cmd)
			fronters, ts, fromDaemon, err := fetchFronters(cmd)
			if err != nil {
				return err
			}

			if formatter.jsonMode {
				return formatter.Print(map[string]interface{}{
					"fronters":  fronters,
					"timestamp": ts,
					"source":    sourceLabel(fromDaemon),
				})
			}

			if len(fronters) == 0 {
				fmt.Println("Nobody is fronting right now.")
				return nil
			}
			fmt.Println("Currently fronting:")
			for _, f := range fronters {
				line := fmt.Sprintf("  %s", f.Name)
				if f.Type == "custom_front" {
					line += " [custom]"
				}
				if f.Entry.StartTime > 0 {
					since := time.UnixMilli(f.Entry.StartTime)
					line += fmt.Sprintf(" (since %s, %s)", since.Format("15:04"), formatAge(since))
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func newMembersCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "members",
		Short:         "List system members",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntityList(cmd, false)
		},
	}
}

func newCustomFrontsCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "custom-fronts",
		Short:         "List custom fronts",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntityList(cmd, true)
		},
	}
}

func runEntityList(cmd *cobra.Command, custom bool) error {
	formatter := newOutputFormatter(cmd)
	entities, ts, err := fetchEntities(cmd, custom)
	if err != nil {
		return err
	}

	if formatter.jsonMode {
		key := "members"
		if custom {
			key = "custom_fronts"
		}
		return formatter.Print(map[string]interface{}{
			key:         entities,
			"timestamp": ts,
		})
	}

	if len(entities) == 0 {
		if custom {
			fmt.Println("No custom fronts.")
		} else {
			fmt.Println("No members.")
		}
		return nil
	}
	for _, e := range entities {
		if e.Description != "" {
			fmt.Printf("  %s - %s\n", e.Name, e.Description)
		} else {
			fmt.Printf("  %s\n", e.Name)
		}
	}
	return nil
}

func sourceLabel(fromDaemon bool) string {
	if fromDaemon {
		return "daemon"
	}
	return "api"
}
