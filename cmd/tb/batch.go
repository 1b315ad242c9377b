package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/teambook/internal/kernel"
)

// batchCmd runs up to 50 operations in one kernel call. The operations
// arrive as a JSON array, either as the argument or on stdin.
var batchCmd = &cobra.Command{
	Use:   "batch [operations-json]",
	Short: "Run multiple operations in one call",
	Long: `Run a JSON array of operations, each {"verb": ..., "params": {...}},
in order against the active teambook. Reads stdin when no argument is given.

  echo '[{"verb":"write_note","params":{"content":"hi"}}]' | tb batch`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		if len(args) == 1 {
			raw = []byte(args[0])
		} else {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("failed to read operations: %w", err)
			}
			raw = data
		}

		var ops []interface{}
		if err := json.Unmarshal(raw, &ops); err != nil {
			return fmt.Errorf("operations must be a JSON array: %w", err)
		}
		return runVerb(cmd, "batch", kernel.Params{"operations": ops})
	},
}

func init() {
	rootCmd.AddCommand(batchCmd)
}
