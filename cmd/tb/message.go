package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/teambook/internal/kernel"
)

var messageCmd = &cobra.Command{
	Use:     "message",
	Aliases: []string{"msg"},
	Short:   "Channel messages and DMs",
}

var messageSendCmd = &cobra.Command{
	Use:   "send <content>",
	Short: "Broadcast to a channel or DM another AI",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{"content": strings.Join(args, " ")}
		if v, _ := cmd.Flags().GetString("to"); v != "" {
			p["to"] = v
		}
		if v, _ := cmd.Flags().GetString("channel"); v != "" {
			p["channel"] = v
		}
		if v, _ := cmd.Flags().GetString("summary"); v != "" {
			p["summary"] = v
		}
		if v, _ := cmd.Flags().GetString("reply-to"); v != "" {
			p["reply_to"] = v
		}
		return runVerb(cmd, "send_message", p)
	},
}

var messageListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"inbox"},
	Short:   "Read channel messages or DMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{}
		if v, _ := cmd.Flags().GetString("channel"); v != "" {
			p["channel"] = v
		}
		if v, _ := cmd.Flags().GetString("from"); v != "" {
			p["from"] = v
		}
		if v, _ := cmd.Flags().GetString("since"); v != "" {
			p["since"] = v
		}
		if v, _ := cmd.Flags().GetString("thread"); v != "" {
			p["thread_id"] = v
		}
		if v, _ := cmd.Flags().GetBool("dms"); v {
			p["dms"] = true
		}
		if v, _ := cmd.Flags().GetBool("unread"); v {
			p["unread_only"] = true
		}
		if v, _ := cmd.Flags().GetInt("limit"); v > 0 {
			p["limit"] = v
		}
		if v, _ := cmd.Flags().GetBool("verbose"); v {
			p["verbose"] = true
		}
		return runVerb(cmd, "get_messages", p)
	},
}

var messageStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Message totals, unread counts, and quota",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, "message_stats", kernel.Params{})
	},
}

func channelCmd(use, short, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <channel>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerb(cmd, verb, kernel.Params{"channel": args[0]})
		},
	}
}

var subscriptionsCmd = &cobra.Command{
	Use:   "subscriptions",
	Short: "List channel subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, "get_subscriptions", kernel.Params{})
	},
}

func init() {
	messageSendCmd.Flags().String("to", "", "DM recipient ai_id")
	messageSendCmd.Flags().String("channel", "", "Channel name")
	messageSendCmd.Flags().String("summary", "", "One-line summary")
	messageSendCmd.Flags().String("reply-to", "", "Message id this replies to")

	messageListCmd.Flags().String("channel", "", "Channel name")
	messageListCmd.Flags().String("from", "", "Only from this ai_id")
	messageListCmd.Flags().String("since", "", "Only after this time")
	messageListCmd.Flags().String("thread", "", "Thread root message id")
	messageListCmd.Flags().Bool("dms", false, "Direct messages only")
	messageListCmd.Flags().Bool("unread", false, "Unread only")
	messageListCmd.Flags().Int("limit", 0, "Maximum messages")
	messageListCmd.Flags().Bool("verbose", false, "Include full content")

	messageCmd.AddCommand(
		messageSendCmd, messageListCmd, messageStatsCmd,
		channelCmd("subscribe", "Subscribe to a channel", "subscribe"),
		channelCmd("unsubscribe", "Unsubscribe from a channel", "unsubscribe"),
		subscriptionsCmd,
	)
	rootCmd.AddCommand(messageCmd)
}
