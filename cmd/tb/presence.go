package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/teambook/internal/format"
	"github.com/steveyegge/teambook/internal/kernel"
)

var whoCmd = &cobra.Command{
	Use:   "who",
	Short: "List recently active AIs",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{}
		if v, _ := cmd.Flags().GetInt("minutes"); v > 0 {
			p["minutes"] = v
		}
		if outputMode() == format.ModeJSON || !format.ShouldUseColor() {
			return runVerb(cmd, "who_is_here", p)
		}

		resp := kern.Handle(rootCtx, "who_is_here", p)
		if !resp.Success {
			fmt.Fprintln(cmd.OutOrStdout(), format.Render(resp, outputMode()))
			return errVerbFailed
		}
		minutes := 15
		if v, _ := cmd.Flags().GetInt("minutes"); v > 0 {
			minutes = v
		}
		peers, err := kern.Store().ListPresence(rootCtx)
		if err != nil {
			return fmt.Errorf("failed to list presence: %w", err)
		}
		cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)
		active := peers[:0]
		for _, pr := range peers {
			if !pr.LastSeen.Before(cutoff) {
				active = append(active, pr)
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), format.PresenceView(active, time.Now()))
		return nil
	},
}

var statusMsgCmd = &cobra.Command{
	Use:   "status-message",
	Short: "Presence status message",
}

var statusMsgSetCmd = &cobra.Command{
	Use:   "set <message>",
	Short: "Set your status message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, "set_status", kernel.Params{"status": strings.Join(args, " ")})
	},
}

var statusMsgClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear your status message",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, "clear_status", kernel.Params{})
	},
}

var doingCmd = &cobra.Command{
	Use:   "doing [ai-id]",
	Short: "Recent operations by teambook peers",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{}
		if len(args) == 1 {
			p["ai_id"] = args[0]
		}
		if v, _ := cmd.Flags().GetInt("limit"); v > 0 {
			p["limit"] = v
		}
		return runVerb(cmd, "what_are_they_doing", p)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Teambook status snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{}
		if v, _ := cmd.Flags().GetBool("verbose"); v {
			p["verbose"] = true
		}
		if outputMode() == format.ModeJSON || !format.ShouldUseColor() {
			return runVerb(cmd, "get_status", p)
		}

		resp := kern.Handle(rootCtx, "get_status", p)
		if !resp.Success {
			fmt.Fprintln(cmd.OutOrStdout(), format.Render(resp, outputMode()))
			return errVerbFailed
		}
		fmt.Fprintln(cmd.OutOrStdout(), format.StatusView(resp.Data, time.Now()))
		return nil
	},
}

func init() {
	whoCmd.Flags().Int("minutes", 0, "Activity window in minutes (default 15)")
	doingCmd.Flags().Int("limit", 0, "Maximum operations")
	statusCmd.Flags().Bool("verbose", false, "Include edges, entities, handlers, and identity")
	statusMsgCmd.AddCommand(statusMsgSetCmd, statusMsgClearCmd)
	rootCmd.AddCommand(whoCmd, statusMsgCmd, doingCmd, statusCmd)
}
