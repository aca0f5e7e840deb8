package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/healfactory/internal/score"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Compute the score for a run's elapsed time and commit count",
	RunE: func(cmd *cobra.Command, args []string) error {
		elapsed, _ := cmd.Flags().GetDuration("elapsed")
		commits, _ := cmd.Flags().GetInt("commits")
		if elapsed < 0 || commits < 0 {
			return fmt.Errorf("--elapsed and --commits must not be negative")
		}

		b := score.Compute(elapsed, commits)

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, b)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Base:               %d\n", b.Base)
		fmt.Fprintf(out, "Speed bonus:        +%d\n", b.SpeedBonus)
		fmt.Fprintf(out, "Efficiency penalty: -%d\n", b.EfficiencyPenalty)
		fmt.Fprintf(out, "Total:              %d\n", b.Total)
		return nil
	},
}

func init() {
	scoreCmd.Flags().Duration("elapsed", 0, "wall-clock time of the run (e.g. 4m30s)")
	scoreCmd.Flags().Int("commits", 0, "commits pushed by the agent")
	scoreCmd.Flags().String("format", "text", "Output format: text or json")
}
