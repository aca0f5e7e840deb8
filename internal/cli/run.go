package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/healfactory/internal/events"
	"github.com/lucasnoah/healfactory/internal/orchestrator"
	"github.com/lucasnoah/healfactory/internal/pipeline"
	"github.com/lucasnoah/healfactory/internal/report"
	"github.com/lucasnoah/healfactory/internal/worktree"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Heal a repository in the foreground",
	Long: `Run the full healing loop for one repository and wait for it to finish.

The branch defaults to the name derived from --team and --leader
(TEAM_LEADER_AI_Fix). Progress is printed to stderr as the agent works; the
final results are printed to stdout and written to outputs_dir/<run_id>/results.json.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		repo, _ := cmd.Flags().GetString("repo")
		branch, _ := cmd.Flags().GetString("branch")
		team, _ := cmd.Flags().GetString("team")
		leader, _ := cmd.Flags().GetString("leader")
		runID, _ := cmd.Flags().GetString("run-id")
		maxIter, _ := cmd.Flags().GetInt("max-iterations")
		format, _ := cmd.Flags().GetString("format")
		quiet, _ := cmd.Flags().GetBool("quiet")

		if branch == "" {
			branch = worktree.BranchName(team, leader)
		}
		if pipeline.IsProtectedBranch(branch) {
			return fmt.Errorf("refusing to heal protected branch %q", branch)
		}
		if runID == "" {
			runID = uuid.NewString()
		}
		if !pipeline.ValidRunID(runID) {
			return fmt.Errorf("invalid run id %q", runID)
		}
		if maxIter <= 0 {
			maxIter = cfg.Agent.MaxIterations
		}

		logger := newLogger(cfg, cmd.ErrOrStderr())
		var progress events.Publisher
		if !quiet && format != "json" {
			progress = &progressPrinter{w: cmd.ErrOrStderr()}
		}
		a, cleanup, err := newApp(cfg, logger, progress)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, runErr := a.orch.Run(ctx, orchestrator.Request{
			RunID:         runID,
			RepoURL:       repo,
			TeamName:      team,
			LeaderName:    leader,
			Branch:        branch,
			MaxIterations: maxIter,
			Flags:         cfg.FeatureFlags,
		})
		if res == nil {
			return runErr
		}

		if format == "json" {
			if err := writeJSON(cmd, res); err != nil {
				return err
			}
		} else if err := printResults(cmd.OutOrStdout(), res, report.Path(cfg.Paths.OutputsDir, runID)); err != nil {
			return err
		}
		if runErr != nil {
			return fmt.Errorf("run %s aborted: %w", runID, runErr)
		}
		return nil
	},
}

func printResults(out io.Writer, r *report.Results, artifact string) error {
	fmt.Fprintf(out, "Run %s: %s\n", r.RunID, colorStatus(r.FinalStatus))
	fmt.Fprintf(out, "  Repo:     %s (%s)\n", r.RepoURL, r.Branch)
	fmt.Fprintf(out, "  Failures: %d  Fixed: %d  Time: %.1fs\n", r.TotalFailures, r.TotalFixes, r.TotalTimeSecs)
	fmt.Fprintf(out, "  Score:    %d (base %d, speed +%d, efficiency -%d)\n",
		r.Score.Total, r.Score.Base, r.Score.SpeedBonus, r.Score.EfficiencyPenalty)
	if r.QuarantineReason != "" {
		fmt.Fprintf(out, "  Quarantine: %s\n", r.QuarantineReason)
	}
	fmt.Fprintf(out, "  Results:  %s\n", artifact)

	if len(r.Fixes) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tLINE\tTYPE\tSTATUS\tCOMMIT MESSAGE")
		for _, f := range r.Fixes {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", f.File, f.Line, f.BugType, f.Status, truncate(f.CommitMessage, 60))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	if len(r.CILog) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ITER\tCI\tREGRESSION\tAT")
		for _, c := range r.CILog {
			fmt.Fprintf(w, "%d\t%s\t%t\t%s\n", c.Iteration, c.Status, c.Regression, c.Timestamp)
		}
		return w.Flush()
	}
	return nil
}

// progressPrinter renders thought and CI events as they happen.
type progressPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *progressPrinter) Publish(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch pl := ev.Payload.(type) {
	case events.Thought:
		fmt.Fprintf(p.w, "[%s] %s\n", pl.Node, pl.Message)
	case events.CIUpdate:
		line := fmt.Sprintf("[ci] iteration %d: %s", pl.Iteration, pl.Status)
		if pl.Regression {
			line += " (regression)"
		}
		fmt.Fprintln(p.w, line)
	case events.FixApplied:
		fmt.Fprintf(p.w, "[fix] %s:%d %s %s\n", pl.File, pl.Line, pl.BugType, pl.Status)
	}
}

func init() {
	runCmd.Flags().String("repo", "", "repository URL to heal (required)")
	runCmd.Flags().String("branch", "", "working branch (default derived from --team and --leader)")
	runCmd.Flags().String("team", "local", "team name recorded on the run")
	runCmd.Flags().String("leader", "healer", "leader name recorded on the run")
	runCmd.Flags().String("run-id", "", "run id (default a random UUID)")
	runCmd.Flags().Int("max-iterations", 0, "iteration budget (default agent.max_iterations)")
	runCmd.Flags().String("format", "text", "Output format: text or json")
	runCmd.Flags().BoolP("quiet", "q", false, "suppress progress output")
	_ = runCmd.MarkFlagRequired("repo")
}
