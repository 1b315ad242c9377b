package main

import (
	"github.com/spf13/cobra"

	"github.com/steveyegge/teambook/internal/kernel"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Distributed locks",
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire <resource>",
	Short: "Acquire a lock on a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{"resource": args[0]}
		if v, _ := cmd.Flags().GetInt("ttl"); v > 0 {
			p["timeout"] = v
		}
		return runVerb(cmd, "acquire_lock", p)
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release <resource>",
	Short: "Release a held lock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, "release_lock", kernel.Params{"resource": args[0]})
	},
}

var lockExtendCmd = &cobra.Command{
	Use:   "extend <resource>",
	Short: "Extend a held lock's expiry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{"resource": args[0]}
		if v, _ := cmd.Flags().GetInt("ttl"); v > 0 {
			p["timeout"] = v
		}
		return runVerb(cmd, "extend_lock", p)
	},
}

var lockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, "list_locks", kernel.Params{})
	},
}

func init() {
	lockAcquireCmd.Flags().Int("ttl", 0, "Lock duration in seconds")
	lockExtendCmd.Flags().Int("ttl", 0, "New duration in seconds")
	lockCmd.AddCommand(lockAcquireCmd, lockReleaseCmd, lockExtendCmd, lockListCmd)
	rootCmd.AddCommand(lockCmd)
}
