package main

import (
	"github.com/spf13/cobra"

	"github.com/steveyegge/teambook/internal/kernel"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Encrypted team secrets",
}

var vaultSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a secret",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, "vault_set", kernel.Params{"key": args[0], "value": args[1]})
	},
}

var vaultGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Retrieve a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, "vault_get", kernel.Params{"key": args[0]})
	},
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List secret keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, "vault_list", kernel.Params{})
	},
}

var vaultDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, "vault_delete", kernel.Params{"key": args[0]})
	},
}

func init() {
	vaultCmd.AddCommand(vaultSetCmd, vaultGetCmd, vaultListCmd, vaultDeleteCmd)
	rootCmd.AddCommand(vaultCmd)
}
