package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/teambook/internal/mcp"
)

// mcpCmd hosts the kernel over MCP stdio. All diagnostics go to stderr;
// stdout carries only JSON-RPC frames.
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the teambook verbs over MCP stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		srv := mcp.New(kern, "teambook", Version, os.Stdin, os.Stdout)
		return srv.Run(rootCtx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
