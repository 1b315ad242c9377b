package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/teambook/internal/format"
	"github.com/steveyegge/teambook/internal/kernel"
)

var writeCmd = &cobra.Command{
	Use:     "write <content>",
	Aliases: []string{"remember"},
	Short:   "Write a note to the teambook",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{"content": strings.Join(args, " ")}
		if v, _ := cmd.Flags().GetString("summary"); v != "" {
			p["summary"] = v
		}
		if v, _ := cmd.Flags().GetStringSlice("tag"); len(v) > 0 {
			p["tags"] = strings.Join(v, ",")
		}
		if v, _ := cmd.Flags().GetBool("pin"); v {
			p["pinned"] = true
		}
		if v, _ := cmd.Flags().GetString("type"); v != "" {
			p["type"] = v
		}
		if v, _ := cmd.Flags().GetString("parent"); v != "" {
			p["parent_id"] = v
		}
		if v, _ := cmd.Flags().GetStringSlice("link"); len(v) > 0 {
			p["linked_items"] = strings.Join(v, ",")
		}
		return runVerb(cmd, "write_note", p)
	},
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read recent notes, optionally filtered",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{}
		if len(args) > 0 {
			p["query"] = strings.Join(args, " ")
		}
		if v, _ := cmd.Flags().GetString("tag"); v != "" {
			p["tag"] = v
		}
		if v, _ := cmd.Flags().GetString("type"); v != "" {
			p["type"] = v
		}
		if v, _ := cmd.Flags().GetString("owner"); v != "" {
			p["owner"] = v
		}
		if v, _ := cmd.Flags().GetString("since"); v != "" {
			p["since"] = v
		}
		if v, _ := cmd.Flags().GetBool("pinned"); v {
			p["pinned_only"] = true
		}
		if v, _ := cmd.Flags().GetInt("limit"); v > 0 {
			p["limit"] = v
		}
		if v, _ := cmd.Flags().GetBool("verbose"); v {
			p["verbose"] = true
		}
		return runVerb(cmd, "read_notes", p)
	},
}

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Search notes with graph-aware ranking",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{"query": strings.Join(args, " ")}
		if v, _ := cmd.Flags().GetInt("limit"); v > 0 {
			p["limit"] = v
		}
		if v, _ := cmd.Flags().GetBool("verbose"); v {
			p["verbose"] = true
		}
		return runVerb(cmd, "recall", p)
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one note with its edges and entities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{"id": args[0], "verbose": true}
		render, _ := cmd.Flags().GetBool("render")
		if !render {
			return runVerb(cmd, "get_full_note", p)
		}

		resp := kern.Handle(rootCtx, "get_full_note", p)
		if !resp.Success {
			fmt.Fprintln(cmd.OutOrStdout(), format.Render(resp, outputMode()))
			return errVerbFailed
		}
		if content, ok := resp.Data["content"].(string); ok {
			fmt.Fprint(cmd.OutOrStdout(), format.RenderMarkdown(content))
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), format.Render(resp, outputMode()))
		return nil
	},
}

func idVerbCmd(use, short, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerb(cmd, verb, kernel.Params{"id": args[0]})
		},
	}
}

var assignCmd = &cobra.Command{
	Use:   "assign <id> <ai-id>",
	Short: "Assign a note to another AI",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, "assign", kernel.Params{"id": args[0], "to": args[1]})
	},
}

func init() {
	writeCmd.Flags().String("summary", "", "One-line summary stored with the note")
	writeCmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")
	writeCmd.Flags().Bool("pin", false, "Pin the note")
	writeCmd.Flags().String("type", "", "Note type")
	writeCmd.Flags().String("parent", "", "Parent note id (builds a reply edge)")
	writeCmd.Flags().StringSlice("link", nil, "Linked item, e.g. note:12 (repeatable)")

	readCmd.Flags().String("tag", "", "Filter by tag")
	readCmd.Flags().String("type", "", "Filter by note type")
	readCmd.Flags().String("owner", "", "Filter by owner")
	readCmd.Flags().String("since", "", "Only notes after this time (RFC3339 or natural language)")
	readCmd.Flags().Bool("pinned", false, "Pinned notes only")
	readCmd.Flags().Int("limit", 0, "Maximum notes to return")
	readCmd.Flags().Bool("verbose", false, "Include full content")

	recallCmd.Flags().Int("limit", 0, "Maximum results")
	recallCmd.Flags().Bool("verbose", false, "Include scores and full content")

	showCmd.Flags().Bool("render", false, "Render note content as styled markdown")

	rootCmd.AddCommand(
		writeCmd, readCmd, recallCmd, showCmd,
		idVerbCmd("pin", "Pin a note", "pin"),
		idVerbCmd("unpin", "Unpin a note", "unpin"),
		idVerbCmd("claim", "Claim ownership of a note", "claim"),
		idVerbCmd("release", "Release ownership of a note", "release"),
		assignCmd,
	)
}
