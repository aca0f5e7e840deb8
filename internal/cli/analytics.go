package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/healfactory/internal/analytics"
	"github.com/lucasnoah/healfactory/internal/db"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query run analytics from the audit database",
}

// withAnalyticsDB opens the configured database for one analytics query and
// resolves --since into a stored timestamp ("" means all time).
func withAnalyticsDB(cmd *cobra.Command, fn func(database *db.DB, since string) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	var since string
	if d, _ := cmd.Flags().GetDuration("since"); d > 0 {
		since = db.FormatTime(time.Now().Add(-d))
	}
	return fn(database, since)
}

var analyticsStageDurationCmd = &cobra.Command{
	Use:   "stage-duration",
	Short: "Average and percentile durations per pipeline node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAnalyticsDB(cmd, func(database *db.DB, since string) error {
			rows, err := analytics.QueryStageDurations(database, since)
			if err != nil {
				return err
			}
			if format, _ := cmd.Flags().GetString("format"); format == "json" {
				return writeJSON(cmd, rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No stage data.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tCOUNT\tAVG\tP50\tP95")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%d\t%.1fs\t%.1fs\t%.1fs\n", r.Stage, r.Count, r.Avg, r.P50, r.P95)
			}
			return w.Flush()
		})
	},
}

var analyticsBugTypesCmd = &cobra.Command{
	Use:   "bug-types",
	Short: "Fix outcomes per failure category",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAnalyticsDB(cmd, func(database *db.DB, since string) error {
			rows, err := analytics.QueryBugTypes(database, since)
			if err != nil {
				return err
			}
			if format, _ := cmd.Flags().GetString("format"); format == "json" {
				return writeJSON(cmd, rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No fixes recorded.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tTOTAL\tSHARE\tAPPLIED\tCOMMITTED\tFAILED")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%.1f%%\t%.1f%%\t%.1f%%\n",
					r.BugType, r.Total, r.Share, r.Applied, r.Committed, r.Failed)
			}
			return w.Flush()
		})
	},
}

var analyticsIterationsCmd = &cobra.Command{
	Use:   "iterations",
	Short: "Distribution of iterations used by finished runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAnalyticsDB(cmd, func(database *db.DB, since string) error {
			rows, err := analytics.QueryIterations(database, since)
			if err != nil {
				return err
			}
			if format, _ := cmd.Flags().GetString("format"); format == "json" {
				return writeJSON(cmd, rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No finished runs.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ITERATIONS\tRUNS\tPASSED\tPASS RATE")
			for _, r := range rows {
				fmt.Fprintf(w, "%d\t%d\t%d\t%.1f%%\n", r.Iterations, r.Runs, r.Passed, r.PassRate)
			}
			return w.Flush()
		})
	},
}

var analyticsThroughputCmd = &cobra.Command{
	Use:   "throughput",
	Short: "Run outcomes per day",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAnalyticsDB(cmd, func(database *db.DB, since string) error {
			rows, err := analytics.QueryThroughput(database, since)
			if err != nil {
				return err
			}
			if format, _ := cmd.Flags().GetString("format"); format == "json" {
				return writeJSON(cmd, rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DAY\tSTARTED\tPASSED\tFAILED\tQUARANTINED\tAVG SCORE\tAVG MIN")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.1f\t%.1f\n",
					r.Period, r.Started, r.Passed, r.Failed, r.Quarantined, r.AvgScore, r.AvgDuration)
			}
			return w.Flush()
		})
	},
}

var analyticsRunCmd = &cobra.Command{
	Use:   "run <run_id>",
	Short: "Timeline of one run's stages, fixes and CI polls",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAnalyticsDB(cmd, func(database *db.DB, _ string) error {
			rows, err := analytics.QueryRunDetail(database, args[0])
			if err != nil {
				return err
			}
			if format, _ := cmd.Flags().GetString("format"); format == "json" {
				return writeJSON(cmd, rows)
			}
			if len(rows) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No events for run %s.\n", args[0])
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTYPE\tEVENT\tNODE\tITER\tDETAIL")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.Timestamp, r.Type, r.Event, r.Node, r.Iteration, truncate(r.Detail, 60))
			}
			return w.Flush()
		})
	},
}

func init() {
	analyticsCmd.PersistentFlags().String("format", "text", "Output format: text or json")
	analyticsCmd.PersistentFlags().Duration("since", 0, "only include data newer than this (e.g. 168h)")

	analyticsCmd.AddCommand(analyticsStageDurationCmd)
	analyticsCmd.AddCommand(analyticsBugTypesCmd)
	analyticsCmd.AddCommand(analyticsIterationsCmd)
	analyticsCmd.AddCommand(analyticsThroughputCmd)
	analyticsCmd.AddCommand(analyticsRunCmd)
}
