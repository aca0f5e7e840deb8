package orchestrator

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/healfactory/internal/db"
	"github.com/lucasnoah/healfactory/internal/events"
	"github.com/lucasnoah/healfactory/internal/metrics"
	"github.com/lucasnoah/healfactory/internal/pipeline"
	"github.com/lucasnoah/healfactory/internal/report"
)

// AuditSink is the append-only store every run reports into. *db.DB implements it.
type AuditSink interface {
	UpsertRun(r db.Run) error
	InsertTrace(t db.Trace) error
	ReplaceFixes(runID string, fixes []db.Fix) error
	InsertCIRun(c db.CIRun) error
}

// recorder fans one run's progress out to the event hub and the audit sink.
// Audit writes are best effort: a failure is logged and the run continues.
type recorder struct {
	s      *pipeline.RunState
	em     *events.Emitter
	audit  AuditSink
	logger *slog.Logger
	now    func() time.Time

	seq     int      // next trace step_index
	fixSeen []string // first-seen timestamp per fix index
}

func newRecorder(s *pipeline.RunState, em *events.Emitter, audit AuditSink, logger *slog.Logger, now func() time.Time) *recorder {
	return &recorder{s: s, em: em, audit: audit, logger: logger, now: now}
}

// thought publishes a progress message and keeps it in the trace log.
func (r *recorder) thought(node pipeline.Node, msg string) {
	r.em.Thought(node, msg)
	r.trace(node, "thought", "Thought", nil, msg, nil)
}

// stage records one completed node execution with its wall time.
func (r *recorder) stage(node pipeline.Node, out outcome, elapsed time.Duration, err error) {
	label, payload := out.label, out.payload
	if err != nil {
		label = string(node) + " failed"
		payload = map[string]any{"error": err.Error()}
	}
	if label == "" {
		label = string(node)
	}
	r.trace(node, "stage", label, payload, "", &elapsed)
}

func (r *recorder) trace(node pipeline.Node, actionType, label string, payload map[string]any, thought string, elapsed *time.Duration) {
	if r.audit == nil {
		return
	}
	data := []byte("{}")
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			data = b
		}
	}
	var ms *int64
	if elapsed != nil {
		v := elapsed.Milliseconds()
		ms = &v
	}
	t := db.Trace{
		TraceID:     uuid.NewString(),
		RunID:       r.s.RunID,
		StepIndex:   r.seq,
		AgentNode:   string(node),
		ActionType:  actionType,
		ActionLabel: label,
		Payload:     string(data),
		ThoughtText: thought,
		DurationMs:  ms,
		CreatedAt:   db.FormatTime(r.now()),
	}
	r.seq++
	if err := r.audit.InsertTrace(t); err != nil {
		r.logger.Warn("audit trace write failed", "error", err)
	}
}

// saveRun upserts the runs row. results is nil while the run is in progress.
func (r *recorder) saveRun(results *report.Results) {
	if r.audit == nil {
		return
	}
	s := r.s
	row := db.Run{
		RunID:            s.RunID,
		RepoURL:          s.RepoURL,
		TeamName:         s.TeamName,
		LeaderName:       s.LeaderName,
		Branch:           s.Branch,
		Language:         s.Language,
		Framework:        s.Framework,
		Status:           pipeline.StatusRunning,
		Iterations:       s.Iteration,
		MaxIterations:    s.MaxIterations,
		TotalFailures:    len(s.Failures),
		TotalCommits:     s.TotalCommits,
		QuarantineReason: s.QuarantineReason,
		StartedAt:        db.FormatTime(s.StartedAt),
	}
	for _, f := range s.Fixes {
		if f.Status == pipeline.FixApplied {
			row.TotalFixes++
		}
	}
	if results != nil {
		row.Status = s.Status
		row.FinalStatus = results.FinalStatus
		row.TotalFailures = results.TotalFailures
		row.TotalFixes = results.TotalFixes
		row.Score = results.Score.Total
		row.TotalTimeSecs = results.TotalTimeSecs
		row.FinishedAt = db.FormatTime(s.FinishedAt)
	}
	if err := r.audit.UpsertRun(row); err != nil {
		r.logger.Warn("audit run write failed", "error", err)
	}
}

// saveFixes rewrites the run's fix rows from the current state.
func (r *recorder) saveFixes() {
	if r.audit == nil {
		return
	}
	for len(r.fixSeen) < len(r.s.Fixes) {
		r.fixSeen = append(r.fixSeen, db.FormatTime(r.now()))
	}
	rows := make([]db.Fix, 0, len(r.s.Fixes))
	for i, f := range r.s.Fixes {
		rows = append(rows, db.Fix{
			RunID:         r.s.RunID,
			Iteration:     f.Iteration,
			File:          f.File,
			BugType:       string(f.BugType),
			Line:          f.Line,
			Description:   f.Description,
			Status:        string(f.Status),
			CommitSHA:     f.CommitSHA,
			CommitMessage: f.CommitMessage,
			CreatedAt:     r.fixSeen[i],
		})
	}
	if err := r.audit.ReplaceFixes(r.s.RunID, rows); err != nil {
		r.logger.Warn("audit fix write failed", "error", err)
	}
}

func (r *recorder) saveCIRun(c pipeline.CIRunRecord) {
	if r.audit == nil {
		return
	}
	err := r.audit.InsertCIRun(db.CIRun{
		RunID:         r.s.RunID,
		Iteration:     c.Iteration,
		Status:        string(c.Status),
		ExternalRunID: c.ExternalRunID,
		Regression:    c.Regression,
		DurationSecs:  c.DurationSecs,
		CompletedAt:   db.FormatTime(c.CompletedAt),
	})
	if err != nil {
		r.logger.Warn("audit ci write failed", "error", err)
	}
}

// telemetry publishes one process resource sample.
func (r *recorder) telemetry(sampler *metrics.Sampler) {
	if sampler == nil {
		return
	}
	smp := sampler.Sample()
	r.em.Telemetry(smp.Host, smp.CPUPct, smp.MemMB, smp.Goroutines)
}
