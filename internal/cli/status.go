package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/healfactory/internal/db"
	"github.com/lucasnoah/healfactory/internal/pipeline"
)

type runDetail struct {
	*pipeline.RunStatus
	Audit  *auditSummary `json:"audit,omitempty"`
	Fixes  []db.Fix      `json:"fixes,omitempty"`
	CIRuns []db.CIRun    `json:"ci_runs,omitempty"`
}

type auditSummary struct {
	Repo             string  `json:"repo_url"`
	Branch           string  `json:"branch_name"`
	Iterations       int     `json:"iterations"`
	TotalFailures    int     `json:"total_failures"`
	TotalFixes       int     `json:"total_fixes"`
	TotalCommits     int     `json:"total_commits"`
	Score            int     `json:"score"`
	TotalTimeSecs    float64 `json:"total_time_secs"`
	QuarantineReason string  `json:"quarantine_reason,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status [run_id]",
	Short: "Show run status",
	Long: `With a run id, show that run's progress plus its audit record, fixes and CI
history. Without one, list every run in the status store.

Unknown run ids are reported as queued.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		format, _ := cmd.Flags().GetString("format")

		if len(args) == 0 {
			filter, _ := cmd.Flags().GetString("status")
			runs, err := store.List(filter)
			if err != nil {
				return err
			}
			if format == "json" {
				if runs == nil {
					runs = []pipeline.RunStatus{}
				}
				return writeJSON(cmd, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTATUS\tNODE\tITER\tFINAL\tUPDATED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					r.RunID, r.Status, r.CurrentNode, r.Iteration, r.FinalStatus, r.UpdatedAt)
			}
			return w.Flush()
		}

		st := *store.Lookup(args[0])
		d := runDetail{RunStatus: &st}
		if database, err := openDB(cfg); err == nil {
			defer database.Close()
			if err := loadAudit(database, &d); err != nil {
				return err
			}
		}

		if format == "json" {
			return writeJSON(cmd, d)
		}

		out := cmd.OutOrStdout()
		status := d.Status
		if d.FinalStatus != "" {
			status = d.FinalStatus
		}
		fmt.Fprintf(out, "Run:       %s\n", d.RunID)
		fmt.Fprintf(out, "Status:    %s\n", colorStatus(status))
		fmt.Fprintf(out, "Node:      %s\n", d.CurrentNode)
		fmt.Fprintf(out, "Iteration: %d\n", d.Iteration)
		if d.Error != "" {
			fmt.Fprintf(out, "Error:     %s\n", d.Error)
		}
		if a := d.Audit; a != nil {
			fmt.Fprintf(out, "Repo:      %s (%s)\n", a.Repo, a.Branch)
			fmt.Fprintf(out, "Failures:  %d  Fixes: %d  Commits: %d\n", a.TotalFailures, a.TotalFixes, a.TotalCommits)
			fmt.Fprintf(out, "Score:     %d  Time: %.1fs\n", a.Score, a.TotalTimeSecs)
			if a.QuarantineReason != "" {
				fmt.Fprintf(out, "Quarantine: %s\n", a.QuarantineReason)
			}
		}
		if len(d.Fixes) > 0 {
			fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ITER\tFILE\tLINE\tTYPE\tSTATUS\tCOMMIT")
			for _, f := range d.Fixes {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n", f.Iteration, f.File, f.Line, f.BugType, f.Status, shortSHA(f.CommitSHA))
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
		if len(d.CIRuns) > 0 {
			fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ITER\tCI\tREGRESSION\tDURATION\tCOMPLETED")
			for _, c := range d.CIRuns {
				fmt.Fprintf(w, "%d\t%s\t%t\t%.0fs\t%s\n", c.Iteration, c.Status, c.Regression, c.DurationSecs, c.CompletedAt)
			}
			return w.Flush()
		}
		return nil
	},
}

// loadAudit fills the audit fields of d. A run the database has never seen
// leaves them empty.
func loadAudit(database *db.DB, d *runDetail) error {
	run, err := database.GetRun(d.RunID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	d.Audit = &auditSummary{
		Repo:             run.RepoURL,
		Branch:           run.Branch,
		Iterations:       run.Iterations,
		TotalFailures:    run.TotalFailures,
		TotalFixes:       run.TotalFixes,
		TotalCommits:     run.TotalCommits,
		Score:            run.Score,
		TotalTimeSecs:    run.TotalTimeSecs,
		QuarantineReason: run.QuarantineReason,
	}
	if d.FinalStatus == "" {
		d.FinalStatus = run.FinalStatus
	}
	if d.Fixes, err = database.ListFixes(d.RunID, 0); err != nil {
		return fmt.Errorf("load fixes: %w", err)
	}
	if d.CIRuns, err = database.ListCIRuns(d.RunID); err != nil {
		return fmt.Errorf("load ci runs: %w", err)
	}
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
	statusCmd.Flags().String("status", "", "filter the run list by status")
}
