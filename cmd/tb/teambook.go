package main

import (
	"github.com/spf13/cobra"

	"github.com/steveyegge/teambook/internal/kernel"
)

var teambookCmd = &cobra.Command{
	Use:   "teambook",
	Short: "Teambook management",
}

func nameVerbCmd(use, short, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerb(cmd, verb, kernel.Params{"name": args[0]})
		},
	}
}

var teambookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known teambooks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, "list_teambooks", kernel.Params{})
	},
}

func init() {
	teambookCmd.AddCommand(
		nameVerbCmd("create", "Create a named teambook", "create_teambook"),
		nameVerbCmd("join", "Join a teambook and make it active", "join_teambook"),
		nameVerbCmd("use", "Switch the active teambook", "use_teambook"),
		teambookListCmd,
	)
	rootCmd.AddCommand(teambookCmd)
}
