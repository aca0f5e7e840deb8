// Package orchestrator is the run state machine. It owns one RunState per
// run, drives the stage executors strictly in sequence, and decides after
// every stage which node runs next.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lucasnoah/healfactory/internal/classify"
	"github.com/lucasnoah/healfactory/internal/events"
	"github.com/lucasnoah/healfactory/internal/github"
	"github.com/lucasnoah/healfactory/internal/metrics"
	"github.com/lucasnoah/healfactory/internal/pipeline"
	"github.com/lucasnoah/healfactory/internal/report"
	"github.com/lucasnoah/healfactory/internal/score"
	"github.com/lucasnoah/healfactory/internal/stage"
)

// Scanner clones a repository and detects its language and test framework.
type Scanner interface {
	Scan(ctx context.Context, runID, repoURL, branch string) (*stage.ScanResult, error)
}

// TestRunner executes a repository's test suite.
type TestRunner interface {
	Run(ctx context.Context, repoDir, language, framework string, progress stage.Progress) (stage.TestResult, error)
}

// Analyzer turns raw test output into failures.
type Analyzer interface {
	Classify(ctx context.Context, in classify.Input) classify.Result
}

// Committer publishes applied fixes.
type Committer interface {
	Commit(ctx context.Context, s *pipeline.RunState) (stage.CommitResult, error)
}

// CIOracle reports the CI outcome for a branch.
type CIOracle interface {
	Poll(ctx context.Context, repoURL, branch string, opts github.PollOpts) (github.PollResult, error)
}

// WorkflowCreator adds a CI definition to a repository that has none.
type WorkflowCreator interface {
	Create(ctx context.Context, s *pipeline.RunState) (stage.WorkflowResult, error)
}

// Stages are the executors a run is driven through. Workflows is optional.
type Stages struct {
	Scanner   Scanner
	Tests     TestRunner
	Analyzer  Analyzer
	Fixer     stage.FixGenerator
	Committer Committer
	CI        CIOracle
	Workflows WorkflowCreator
}

// Options carries the side channels and limits shared by every run. Every
// field is optional.
type Options struct {
	OutputsDir   string
	PollTimeout  time.Duration
	PollInterval time.Duration

	Store   *pipeline.Store
	Audit   AuditSink
	Events  events.Publisher
	Metrics *metrics.Metrics
	Sampler *metrics.Sampler
	Logger  *slog.Logger
}

// Request starts one run.
type Request struct {
	RunID         string
	RepoURL       string
	TeamName      string
	LeaderName    string
	Branch        string
	MaxIterations int
	Flags         pipeline.FeatureFlags
}

// Orchestrator runs the healing pipeline. One Orchestrator serves any number
// of concurrent runs; all per-run state lives in the RunState passed between
// its methods.
type Orchestrator struct {
	stages Stages
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(stages Stages, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{stages: stages, opts: opts, logger: logger, now: time.Now}
}

// outcome is what a node reports back to the loop.
type outcome struct {
	next    pipeline.Node
	label   string
	payload map[string]any
}

// Run executes a run to completion and returns its results artifact. A stage
// error aborts the run: the artifact is still produced with final status
// FAILED and the error is returned alongside it.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*report.Results, error) {
	if !pipeline.ValidRunID(req.RunID) {
		return nil, fmt.Errorf("invalid run id %q", req.RunID)
	}
	if strings.TrimSpace(req.RepoURL) == "" {
		return nil, fmt.Errorf("repo url is required")
	}

	s := pipeline.NewRunState(req.RunID, req.RepoURL, req.Branch, req.MaxIterations, req.Flags, o.now())
	s.TeamName = req.TeamName
	s.LeaderName = req.LeaderName

	logger := o.logger.With("run_id", s.RunID)
	rec := newRecorder(s, events.NewEmitter(o.opts.Events, s.RunID), o.opts.Audit, logger, o.now)

	if m := o.opts.Metrics; m != nil {
		m.ActiveRuns.Inc()
		defer m.ActiveRuns.Dec()
	}

	logger.Info("run started", "repo", s.RepoURL, "branch", s.Branch, "max_iterations", s.MaxIterations)
	rec.saveRun(nil)

	var runErr error
	node := pipeline.NodeScanning
	for node != pipeline.NodeDone {
		s.CurrentNode = node
		o.putStatus(s, pipeline.StatusRunning, "")
		rec.em.Status(pipeline.StatusRunning, node, s.Iteration)

		start := o.now()
		out, err := o.step(ctx, node, s, rec, logger)
		elapsed := o.now().Sub(start)

		if m := o.opts.Metrics; m != nil {
			m.ObserveStage(string(node), elapsed, err)
		}
		rec.stage(node, out, elapsed, err)
		rec.telemetry(o.opts.Sampler)

		if err != nil {
			logger.Error("stage failed, aborting run", "node", node, "error", err)
			rec.thought(node, "Run aborted: "+err.Error())
			runErr = err
			break
		}
		node = out.next
	}

	return o.finish(s, rec, logger, runErr)
}

func (o *Orchestrator) step(ctx context.Context, node pipeline.Node, s *pipeline.RunState, rec *recorder, logger *slog.Logger) (outcome, error) {
	switch node {
	case pipeline.NodeScanning:
		return o.scan(ctx, s, rec)
	case pipeline.NodeTesting:
		return o.test(ctx, s, rec)
	case pipeline.NodeAnalyzing:
		return o.analyze(ctx, s, rec)
	case pipeline.NodeFixing:
		return o.fix(ctx, s, rec)
	case pipeline.NodeCommitting:
		return o.commit(ctx, s, rec, logger)
	case pipeline.NodePollingCI:
		return o.pollCI(ctx, s, rec, logger)
	case pipeline.NodeRetrying:
		return o.retry(s, rec), nil
	case pipeline.NodeScoring:
		return o.score(s, rec), nil
	}
	return outcome{}, fmt.Errorf("unknown node %q", node)
}

func (o *Orchestrator) scan(ctx context.Context, s *pipeline.RunState, rec *recorder) (outcome, error) {
	rec.thought(pipeline.NodeScanning, fmt.Sprintf("Cloning %s onto branch %s…", s.RepoURL, s.Branch))
	res, err := o.stages.Scanner.Scan(ctx, s.RunID, s.RepoURL, s.Branch)
	if err != nil {
		return outcome{}, err
	}
	s.RepoDir = res.RepoDir
	s.Language = res.Language
	s.Framework = res.Framework
	s.TestFiles = res.TestFiles
	if s.TestFiles == nil {
		s.TestFiles = []string{}
	}

	rec.thought(pipeline.NodeScanning, fmt.Sprintf("Detected %s project using %s (%d test file(s))",
		s.Language, s.Framework, len(s.TestFiles)))
	rec.saveRun(nil)
	return outcome{
		next:  pipeline.NodeTesting,
		label: "Scanned repository",
		payload: map[string]any{
			"language":   s.Language,
			"framework":  s.Framework,
			"test_files": len(s.TestFiles),
		},
	}, nil
}

func (o *Orchestrator) test(ctx context.Context, s *pipeline.RunState, rec *recorder) (outcome, error) {
	rec.thought(pipeline.NodeTesting, fmt.Sprintf("Running %s tests (iteration %d/%d)…", s.Framework, s.Iteration, s.MaxIterations))
	progress := func(msg string) { rec.thought(pipeline.NodeTesting, msg) }

	res, err := o.stages.Tests.Run(ctx, s.RepoDir, s.Language, s.Framework, progress)
	if err != nil {
		return outcome{}, err
	}
	s.TestOutput = res.Output
	s.TestExitCode = res.ExitCode
	if res.Framework != "" {
		s.Framework = res.Framework
	}

	next := afterTesting(res.ExitCode)
	if next == pipeline.NodeScoring {
		s.Status = pipeline.StatusPassed
		s.Failures = []pipeline.Failure{}
		rec.thought(pipeline.NodeTesting, "All tests pass")
	} else {
		rec.thought(pipeline.NodeTesting, fmt.Sprintf("Tests failed with exit code %d", res.ExitCode))
	}
	return outcome{
		next:  next,
		label: fmt.Sprintf("Tests exited %d", res.ExitCode),
		payload: map[string]any{
			"exit_code":     res.ExitCode,
			"framework":     s.Framework,
			"duration_secs": res.Duration.Seconds(),
			"output_bytes":  len(res.Output),
		},
	}, nil
}

func (o *Orchestrator) analyze(ctx context.Context, s *pipeline.RunState, rec *recorder) (outcome, error) {
	res := o.stages.Analyzer.Classify(ctx, classify.Input{
		Output:    s.TestOutput,
		ExitCode:  s.TestExitCode,
		Framework: s.Framework,
		RepoDir:   s.RepoDir,
	})
	s.Failures = res.Failures
	if s.Failures == nil {
		s.Failures = []pipeline.Failure{}
	}

	counts := map[string]int{}
	for _, f := range s.Failures {
		counts[string(f.BugType)]++
		if m := o.opts.Metrics; m != nil {
			m.FailuresClassified.WithLabelValues(string(f.BugType), string(res.Source)).Inc()
		}
	}

	next := afterAnalyzing(len(s.Failures))
	if next == pipeline.NodeScoring {
		s.Status = pipeline.StatusPassed
		rec.thought(pipeline.NodeAnalyzing, "No failures found in test output")
	} else {
		rec.thought(pipeline.NodeAnalyzing, fmt.Sprintf("Found %d failure(s): %s", len(s.Failures), summarize(counts)))
	}
	return outcome{
		next:  next,
		label: fmt.Sprintf("Classified %d failure(s)", len(s.Failures)),
		payload: map[string]any{
			"failures":  len(s.Failures),
			"source":    string(res.Source),
			"bug_types": counts,
		},
	}, nil
}

func (o *Orchestrator) fix(ctx context.Context, s *pipeline.RunState, rec *recorder) (outcome, error) {
	rec.thought(pipeline.NodeFixing, fmt.Sprintf("Generating fixes for %d failure(s)…", len(s.Failures)))
	fixes, err := o.stages.Fixer.Generate(ctx, stage.FixInput{
		RepoDir:   s.RepoDir,
		Language:  s.Language,
		Framework: s.Framework,
		Iteration: s.Iteration,
		Failures:  s.Failures,
	})
	if err != nil {
		return outcome{}, err
	}

	for _, f := range fixes {
		if f.Iteration == 0 {
			f.Iteration = s.Iteration
		}
		if f.Status == "" {
			f.Status = pipeline.FixProposed
		}
		f.CommitSHA, f.CommitMessage = "", ""
		s.Fixes = append(s.Fixes, f)
		rec.em.FixApplied(f)
	}
	rec.saveFixes()

	rec.thought(pipeline.NodeFixing, fmt.Sprintf("Produced %d fix(es)", len(fixes)))
	return outcome{
		next:    pipeline.NodeCommitting,
		label:   fmt.Sprintf("Generated %d fix(es)", len(fixes)),
		payload: map[string]any{"fixes": len(fixes)},
	}, nil
}

func (o *Orchestrator) commit(ctx context.Context, s *pipeline.RunState, rec *recorder, logger *slog.Logger) (outcome, error) {
	pending := s.UnpushedFixes()
	res, err := o.stages.Committer.Commit(ctx, s)
	if errors.Is(err, stage.ErrProtectedBranch) {
		reason := fmt.Sprintf("BLOCKED: Refusing to push to protected branch '%s'", s.Branch)
		s.Quarantine(reason)
		logger.Error("run quarantined", "reason", reason)
		rec.thought(pipeline.NodeCommitting, reason)
		return outcome{
			next:    afterCommit(s),
			label:   "Quarantined",
			payload: map[string]any{"reason": reason},
		}, nil
	}
	if err != nil {
		return outcome{}, err
	}

	switch {
	case res.Err != nil:
		rec.thought(pipeline.NodeCommitting, s.CommitError)
	case res.SHA != "":
		if m := o.opts.Metrics; m != nil {
			m.Commits.Inc()
		}
		rec.thought(pipeline.NodeCommitting, fmt.Sprintf("Pushed commit %s to %s", res.SHA, s.Branch))
	default:
		rec.thought(pipeline.NodeCommitting, "No new fixes to commit")
	}
	for _, i := range pending {
		rec.em.FixApplied(s.Fixes[i])
	}
	rec.saveFixes()
	rec.saveRun(nil)

	payload := map[string]any{"commit_sha": res.SHA, "fixes": res.Committed, "branch": s.Branch}
	if res.Err != nil {
		payload["error"] = res.Err.Error()
	}
	return outcome{
		next:    afterCommit(s),
		label:   fmt.Sprintf("Committed %d fix(es)", res.Committed),
		payload: payload,
	}, nil
}

func (o *Orchestrator) pollCI(ctx context.Context, s *pipeline.RunState, rec *recorder, logger *slog.Logger) (outcome, error) {
	rec.thought(pipeline.NodePollingCI, fmt.Sprintf("Monitoring CI for iteration %d…", s.Iteration))
	rec.em.CIUpdate(pipeline.CIRunRecord{Iteration: s.Iteration, Status: pipeline.CIRunning})

	opts := github.PollOpts{Timeout: o.opts.PollTimeout, Interval: o.opts.PollInterval}
	var res github.PollResult
	for {
		var err error
		res, err = o.stages.CI.Poll(ctx, s.RepoURL, s.Branch, opts)
		if err != nil {
			return outcome{}, fmt.Errorf("poll ci: %w", err)
		}
		if res.Status != pipeline.CINoCI || s.CIWorkflowCreated || o.stages.Workflows == nil {
			break
		}
		if !o.createWorkflow(ctx, s, rec, logger) {
			break
		}
		opts.FreshWorkflow = true
	}

	before := len(s.Failures)
	after := before
	if res.Status == pipeline.CIPassed {
		after = 0
	}
	run := pipeline.CIRunRecord{
		Iteration:      s.Iteration,
		Status:         res.Status,
		ExternalRunID:  res.RunID,
		FailuresBefore: before,
		FailuresAfter:  after,
		Regression:     isRegression(s.PreviousCIStatus(), res.Status),
		DurationSecs:   res.Duration.Seconds(),
		CompletedAt:    o.now(),
	}
	if !s.AppendCIRun(run) {
		return outcome{}, fmt.Errorf("ci record for iteration %d arrived out of order", run.Iteration)
	}
	s.CIStatus = res.Status
	if res.Status == pipeline.CIPassed {
		s.Status = pipeline.StatusPassed
	}

	if m := o.opts.Metrics; m != nil {
		m.CIPolls.WithLabelValues(string(res.Status)).Inc()
	}
	rec.em.CIUpdate(run)
	rec.saveCIRun(run)

	msg := fmt.Sprintf("CI iteration %d: %s", s.Iteration, strings.ToUpper(string(res.Status)))
	if run.Regression {
		msg += " (regression detected)"
	}
	rec.thought(pipeline.NodePollingCI, msg)

	return outcome{
		next:  afterCI(s),
		label: fmt.Sprintf("CI %s", res.Status),
		payload: map[string]any{
			"ci_status":       string(res.Status),
			"external_run_id": res.RunID,
			"regression":      run.Regression,
			"simulated":       res.Simulated,
			"duration_secs":   run.DurationSecs,
		},
	}, nil
}

// createWorkflow adds a CI definition after a no_ci answer. It is attempted
// once per run and reports whether a new workflow was pushed.
func (o *Orchestrator) createWorkflow(ctx context.Context, s *pipeline.RunState, rec *recorder, logger *slog.Logger) bool {
	s.CIWorkflowCreated = true
	rec.thought(pipeline.NodePollingCI, "No CI configured, creating a workflow…")

	res, err := o.stages.Workflows.Create(ctx, s)
	if err != nil {
		logger.Warn("CI workflow creation failed", "error", err)
		rec.thought(pipeline.NodePollingCI, "Could not create CI workflow: "+err.Error())
		return false
	}
	if !res.Created {
		rec.thought(pipeline.NodePollingCI, "Repository already defines a workflow")
		return false
	}

	s.TotalCommits++
	if m := o.opts.Metrics; m != nil {
		m.Commits.Inc()
	}
	rec.thought(pipeline.NodePollingCI, fmt.Sprintf("Pushed CI workflow (%s) in commit %s", res.Source, res.SHA))
	rec.saveRun(nil)
	return true
}

func (o *Orchestrator) retry(s *pipeline.RunState, rec *recorder) outcome {
	s.Iteration++
	rec.thought(pipeline.NodeRetrying, fmt.Sprintf("Starting iteration %d…", s.Iteration))
	rec.em.Status(pipeline.StatusRunning, pipeline.NodeTesting, s.Iteration)
	return outcome{
		next:    pipeline.NodeTesting,
		label:   fmt.Sprintf("Iteration %d", s.Iteration),
		payload: map[string]any{"iteration": s.Iteration},
	}
}

func (o *Orchestrator) score(s *pipeline.RunState, rec *recorder) outcome {
	b := score.Compute(s.Elapsed(o.now()), s.TotalCommits)
	rec.thought(pipeline.NodeScoring, fmt.Sprintf("Score %d (base %d + speed %d - penalty %d)",
		b.Total, b.Base, b.SpeedBonus, b.EfficiencyPenalty))
	return outcome{
		next:  pipeline.NodeDone,
		label: fmt.Sprintf("Score %d", b.Total),
		payload: map[string]any{
			"total":              b.Total,
			"speed_bonus":        b.SpeedBonus,
			"efficiency_penalty": b.EfficiencyPenalty,
			"commits":            s.TotalCommits,
		},
	}
}

// finish settles the final status, writes the artifact and announces completion.
func (o *Orchestrator) finish(s *pipeline.RunState, rec *recorder, logger *slog.Logger, runErr error) (*report.Results, error) {
	s.FinishedAt = o.now()
	switch {
	case runErr != nil:
		s.Status = pipeline.StatusFailed
		s.CurrentNode = pipeline.NodeError
	case s.Quarantined():
		s.Status = pipeline.StatusQuarantined
		s.CurrentNode = pipeline.NodeDone
	case s.Status != pipeline.StatusPassed:
		s.Status = pipeline.StatusFailed
		s.CurrentNode = pipeline.NodeDone
	default:
		s.CurrentNode = pipeline.NodeDone
	}

	results := report.Build(s, s.FinishedAt)

	artifact := ""
	if o.opts.OutputsDir != "" {
		path, err := report.Write(o.opts.OutputsDir, results)
		if err != nil {
			logger.Warn("results artifact write failed", "error", err)
		} else {
			artifact = path
		}
	}
	if o.opts.Store != nil {
		if err := o.opts.Store.SaveState(s); err != nil {
			logger.Warn("state snapshot write failed", "error", err)
		}
	}

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	o.putStatus(s, s.Status, errMsg)
	rec.saveRun(results)
	rec.em.Status(s.Status, s.CurrentNode, s.Iteration)
	rec.em.RunComplete(results.FinalStatus, results.Score, results.TotalTimeSecs, artifact)

	if m := o.opts.Metrics; m != nil {
		m.RunsTotal.WithLabelValues(results.FinalStatus).Inc()
		m.Iterations.Observe(float64(s.Iteration))
	}
	logger.Info("run finished",
		"final_status", results.FinalStatus,
		"score", results.Score.Total,
		"iterations", s.Iteration,
		"commits", s.TotalCommits,
		"elapsed_secs", results.TotalTimeSecs)
	return results, runErr
}

func (o *Orchestrator) putStatus(s *pipeline.RunState, status, errMsg string) {
	if o.opts.Store == nil {
		return
	}
	st := pipeline.RunStatus{
		RunID:       s.RunID,
		Status:      status,
		CurrentNode: s.CurrentNode,
		Iteration:   s.Iteration,
		Error:       errMsg,
		CreatedAt:   s.StartedAt.UTC().Format(time.RFC3339),
	}
	if !s.FinishedAt.IsZero() {
		st.FinalStatus = s.FinalStatus()
	}
	if err := o.opts.Store.Put(st); err != nil {
		o.logger.Warn("status write failed", "run_id", s.RunID, "error", err)
	}
}

// summarize renders bug-type counts as "LOGIC×2, IMPORT×1", largest first.
func summarize(counts map[string]int) string {
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		if counts[types[i]] != counts[types[j]] {
			return counts[types[i]] > counts[types[j]]
		}
		return types[i] < types[j]
	})
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = fmt.Sprintf("%s×%d", t, counts[t])
	}
	return strings.Join(parts, ", ")
}
