package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/teambook/internal/format"
	"github.com/steveyegge/teambook/internal/kernel"
	"github.com/steveyegge/teambook/internal/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Priority task queue",
}

var taskQueueCmd = &cobra.Command{
	Use:   "queue <content>",
	Short: "Queue a task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{"content": strings.Join(args, " ")}
		if cmd.Flags().Changed("priority") {
			v, _ := cmd.Flags().GetInt("priority")
			p["priority"] = v
		}
		return runVerb(cmd, "queue_task", p)
	},
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim [task-id]",
	Short: "Claim the best pending task, or a specific one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{}
		if len(args) == 1 {
			p["task_id"] = args[0]
		}
		return runVerb(cmd, "claim_task", p)
	},
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete <task-id>",
	Short: "Complete a claimed task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{"task_id": args[0]}
		if v, _ := cmd.Flags().GetString("result"); v != "" {
			p["result"] = v
		}
		return runVerb(cmd, "complete_task", p)
	},
}

var taskStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Task queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, "queue_stats", kernel.Params{})
	},
}

// boardCmd reads the queue straight off the store; there is no kernel
// verb for a full task dump, the board is a CLI-only view.
var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Show the task queue as a status board",
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := kern.Store().ListTasks(rootCtx, types.TaskFilter{})
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), format.BoardView(tasks, time.Now()))
		return nil
	},
}

func init() {
	taskQueueCmd.Flags().Int("priority", types.DefaultPriority, "Priority 0-9, higher first")
	taskCompleteCmd.Flags().String("result", "", "Completion result text")
	taskCmd.AddCommand(taskQueueCmd, taskClaimCmd, taskCompleteCmd, taskStatsCmd)
	rootCmd.AddCommand(taskCmd, boardCmd)
}
