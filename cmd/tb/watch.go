package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/teambook/internal/kernel"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch an item for events",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{}
		if v, _ := cmd.Flags().GetString("note"); v != "" {
			p["note_id"] = v
		}
		if v, _ := cmd.Flags().GetString("lock"); v != "" {
			p["lock_id"] = v
		}
		if v, _ := cmd.Flags().GetString("channel"); v != "" {
			p["channel"] = v
		}
		if v, _ := cmd.Flags().GetString("type"); v != "" {
			p["item_type"] = v
		}
		if v, _ := cmd.Flags().GetString("item"); v != "" {
			p["item_id"] = v
		}
		if v, _ := cmd.Flags().GetStringSlice("events"); len(v) > 0 {
			p["event_types"] = strings.Join(v, ",")
		}
		return runVerb(cmd, "watch", p)
	},
}

var unwatchCmd = &cobra.Command{
	Use:   "unwatch <watch-id>",
	Short: "Remove a watch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, "unwatch", kernel.Params{"watch_id": args[0]})
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Pull pending events",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{}
		if v, _ := cmd.Flags().GetString("since"); v != "" {
			p["since"] = v
		}
		if v, _ := cmd.Flags().GetInt("limit"); v > 0 {
			p["limit"] = v
		}
		return runVerb(cmd, "get_events", p)
	},
}

var watchesCmd = &cobra.Command{
	Use:   "watches",
	Short: "List registered watches",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, "list_watches", kernel.Params{})
	},
}

var watchStatsCmd = &cobra.Command{
	Use:   "watch-stats",
	Short: "Watch and event delivery statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, "watch_stats", kernel.Params{})
	},
}

var standbyCmd = &cobra.Command{
	Use:   "standby",
	Short: "Block until an event arrives or the timeout passes",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{}
		if v, _ := cmd.Flags().GetInt("timeout"); v > 0 {
			p["timeout"] = v
		}
		return runVerb(cmd, "standby", p)
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for a specific item's event",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{}
		if v, _ := cmd.Flags().GetString("event"); v != "" {
			p["event_type"] = v
		}
		if v, _ := cmd.Flags().GetString("type"); v != "" {
			p["item_type"] = v
		}
		if v, _ := cmd.Flags().GetString("item"); v != "" {
			p["item_id"] = v
		}
		if v, _ := cmd.Flags().GetInt("timeout"); v > 0 {
			p["timeout"] = v
		}
		return runVerb(cmd, "wait_for_event", p)
	},
}

func init() {
	watchCmd.Flags().String("note", "", "Note id to watch")
	watchCmd.Flags().String("lock", "", "Lock resource to watch")
	watchCmd.Flags().String("channel", "", "Channel to watch")
	watchCmd.Flags().String("type", "", "Item type (note, message, lock, task, evolution)")
	watchCmd.Flags().String("item", "", "Item id, with --type")
	watchCmd.Flags().StringSlice("events", nil, "Event types to deliver (default all)")

	eventsCmd.Flags().String("since", "", "Only events after this time")
	eventsCmd.Flags().Int("limit", 0, "Maximum events")

	standbyCmd.Flags().Int("timeout", 0, "Seconds to wait (default 180)")

	waitCmd.Flags().String("event", "", "Event type to wait for")
	waitCmd.Flags().String("type", "", "Item type")
	waitCmd.Flags().String("item", "", "Item id")
	waitCmd.Flags().Int("timeout", 0, "Seconds to wait (default 60)")

	rootCmd.AddCommand(watchCmd, unwatchCmd, eventsCmd, watchesCmd, watchStatsCmd, standbyCmd, waitCmd)
}
