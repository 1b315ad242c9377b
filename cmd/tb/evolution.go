package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/teambook/internal/kernel"
)

var evolutionCmd = &cobra.Command{
	Use:     "evolution",
	Aliases: []string{"evo"},
	Short:   "Collaborative evolutions",
}

var evolutionStartCmd = &cobra.Command{
	Use:   "start <goal>",
	Short: "Start an evolution toward a goal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{"goal": strings.Join(args, " ")}
		if v, _ := cmd.Flags().GetString("output"); v != "" {
			p["output"] = v
		}
		return runVerb(cmd, "evolve", p)
	},
}

var evolutionContributeCmd = &cobra.Command{
	Use:   "contribute <evo-id> <content>",
	Short: "Contribute an idea to an evolution",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{"evo_id": args[0], "content": strings.Join(args[1:], " ")}
		if v, _ := cmd.Flags().GetString("approach"); v != "" {
			p["approach"] = v
		}
		return runVerb(cmd, "contribute", p)
	},
}

var evolutionContributionsCmd = &cobra.Command{
	Use:   "contributions <evo-id>",
	Short: "List an evolution's contributions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{"evo_id": args[0]}
		if v, _ := cmd.Flags().GetString("sort"); v != "" {
			p["sort"] = v
		}
		if v, _ := cmd.Flags().GetBool("verbose"); v {
			p["verbose"] = true
		}
		return runVerb(cmd, "contributions", p)
	},
}

var evolutionRankCmd = &cobra.Command{
	Use:   "rank <contrib-id> <score>",
	Short: "Score a contribution 0-10",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{"contrib_id": args[0], "score": args[1]}
		if v, _ := cmd.Flags().GetString("reason"); v != "" {
			p["reason"] = v
		}
		return runVerb(cmd, "rank", p)
	},
}

var evolutionVoteCmd = &cobra.Command{
	Use:   "vote <evo-id> <contrib-id>...",
	Short: "Vote ranked preferences, best first",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, "vote", kernel.Params{
			"evo_id":    args[0],
			"preferred": strings.Join(args[1:], ","),
		})
	},
}

var evolutionSynthesizeCmd = &cobra.Command{
	Use:   "synthesize <evo-id>",
	Short: "Synthesize top contributions into the output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{"evo_id": args[0]}
		if v, _ := cmd.Flags().GetString("strategy"); v != "" {
			p["strategy"] = v
		}
		if cmd.Flags().Changed("min-score") {
			v, _ := cmd.Flags().GetFloat64("min-score")
			p["min_score"] = v
		}
		return runVerb(cmd, "synthesize", p)
	},
}

var evolutionConflictsCmd = &cobra.Command{
	Use:   "conflicts <evo-id>",
	Short: "Detect conflicting contributions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, "conflicts", kernel.Params{"evo_id": args[0]})
	},
}

var evolutionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List evolutions",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := kernel.Params{}
		if v, _ := cmd.Flags().GetString("status"); v != "" {
			p["status"] = v
		}
		return runVerb(cmd, "list_evolutions", p)
	},
}

func init() {
	evolutionStartCmd.Flags().String("output", "", "Output file name under the teambook outputs directory")
	evolutionContributeCmd.Flags().String("approach", "", "Label for the approach taken")
	evolutionContributionsCmd.Flags().String("sort", "", "Sort order: ranked or recent")
	evolutionContributionsCmd.Flags().Bool("verbose", false, "Include full content")
	evolutionRankCmd.Flags().String("reason", "", "Why this score")
	evolutionSynthesizeCmd.Flags().String("strategy", "", "Synthesis strategy")
	evolutionSynthesizeCmd.Flags().Float64("min-score", 0, "Minimum score for inclusion")
	evolutionListCmd.Flags().String("status", "", "Filter by status")

	evolutionCmd.AddCommand(
		evolutionStartCmd, evolutionContributeCmd, evolutionContributionsCmd,
		evolutionRankCmd, evolutionVoteCmd, evolutionSynthesizeCmd,
		evolutionConflictsCmd, evolutionListCmd,
	)
	rootCmd.AddCommand(evolutionCmd)
}
