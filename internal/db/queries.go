package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Run represents a row in the runs table.
type Run struct {
	RunID            string
	RepoURL          string
	TeamName         string
	LeaderName       string
	Branch           string
	Language         string
	Framework        string
	Status           string
	FinalStatus      string
	Iterations       int
	MaxIterations    int
	TotalFailures    int
	TotalFixes       int
	TotalCommits     int
	Score            int
	TotalTimeSecs    float64
	QuarantineReason string
	StartedAt        string
	FinishedAt       string
}

// Trace represents a row in the traces table. DurationMs is nil for steps
// that are not timed.
type Trace struct {
	TraceID     string
	RunID       string
	StepIndex   int
	AgentNode   string
	ActionType  string
	ActionLabel string
	Payload     string
	ThoughtText string
	DurationMs  *int64
	CreatedAt   string
}

// Fix represents a row in the fixes table.
type Fix struct {
	ID            int64
	RunID         string
	Iteration     int
	File          string
	BugType       string
	Line          int
	Description   string
	Status        string
	CommitSHA     string
	CommitMessage string
	CreatedAt     string
}

// CIRun represents a row in the ci_runs table.
type CIRun struct {
	ID            int64
	RunID         string
	Iteration     int
	Status        string
	ExternalRunID string
	Regression    bool
	DurationSecs  float64
	CompletedAt   string
}

const runColumns = `run_id, repo_url, team_name, leader_name, branch_name, language, framework,
	status, final_status, iterations, max_iterations, total_failures, total_fixes, total_commits,
	score, total_time_secs, quarantine_reason, started_at, finished_at`

// UpsertRun inserts the run or overwrites every mutable column of an existing row.
func (d *DB) UpsertRun(r Run) error {
	_, err := d.Exec(
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET
		   language = excluded.language,
		   framework = excluded.framework,
		   status = excluded.status,
		   final_status = excluded.final_status,
		   iterations = excluded.iterations,
		   total_failures = excluded.total_failures,
		   total_fixes = excluded.total_fixes,
		   total_commits = excluded.total_commits,
		   score = excluded.score,
		   total_time_secs = excluded.total_time_secs,
		   quarantine_reason = excluded.quarantine_reason,
		   finished_at = excluded.finished_at`,
		r.RunID, r.RepoURL, r.TeamName, r.LeaderName, r.Branch, r.Language, r.Framework,
		r.Status, r.FinalStatus, r.Iterations, r.MaxIterations, r.TotalFailures, r.TotalFixes, r.TotalCommits,
		r.Score, r.TotalTimeSecs, r.QuarantineReason, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", r.RunID, err)
	}
	return nil
}

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	err := row.Scan(&r.RunID, &r.RepoURL, &r.TeamName, &r.LeaderName, &r.Branch, &r.Language, &r.Framework,
		&r.Status, &r.FinalStatus, &r.Iterations, &r.MaxIterations, &r.TotalFailures, &r.TotalFixes, &r.TotalCommits,
		&r.Score, &r.TotalTimeSecs, &r.QuarantineReason, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRun returns the run with the given id, or ErrNotFound.
func (d *DB) GetRun(runID string) (*Run, error) {
	r, err := scanRun(d.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// ListRuns returns the most recently started runs, newest first.
func (d *DB) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// InsertTrace appends one trace step.
func (d *DB) InsertTrace(t Trace) error {
	payload := t.Payload
	if payload == "" {
		payload = "{}"
	}
	_, err := d.Exec(
		`INSERT INTO traces (trace_id, run_id, step_index, agent_node, action_type, action_label, payload, thought_text, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TraceID, t.RunID, t.StepIndex, t.AgentNode, t.ActionType, t.ActionLabel, payload, t.ThoughtText, t.DurationMs, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

// ListTraces returns up to limit traces for a run in step order. A limit of
// zero or less returns all of them.
func (d *DB) ListTraces(runID string, limit int) ([]Trace, error) {
	query := `SELECT trace_id, run_id, step_index, agent_node, action_type, action_label, payload, thought_text, duration_ms, created_at
		 FROM traces WHERE run_id = ? ORDER BY step_index, id`
	args := []any{runID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var traces []Trace
	for rows.Next() {
		var t Trace
		var dur sql.NullInt64
		if err := rows.Scan(&t.TraceID, &t.RunID, &t.StepIndex, &t.AgentNode, &t.ActionType, &t.ActionLabel,
			&t.Payload, &t.ThoughtText, &dur, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		if dur.Valid {
			v := dur.Int64
			t.DurationMs = &v
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

// ReplaceFixes rewrites the fix rows of a run. Fix records are updated in
// place during a run (status, commit SHA) so the full set is written each time.
func (d *DB) ReplaceFixes(runID string, fixes []Fix) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(d.Rebind(`DELETE FROM fixes WHERE run_id = ?`), runID); err != nil {
		return fmt.Errorf("clear fixes: %w", err)
	}
	insert := d.Rebind(`INSERT INTO fixes (run_id, iteration, file, bug_type, line_number, description, status, commit_sha, commit_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, f := range fixes {
		if _, err := tx.Exec(insert, runID, f.Iteration, f.File, f.BugType, f.Line, f.Description,
			f.Status, f.CommitSHA, f.CommitMessage, f.CreatedAt); err != nil {
			return fmt.Errorf("insert fix: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fixes: %w", err)
	}
	return nil
}

// ListFixes returns up to limit fixes for a run in insertion order.
func (d *DB) ListFixes(runID string, limit int) ([]Fix, error) {
	query := `SELECT id, run_id, iteration, file, bug_type, line_number, description, status, commit_sha, commit_message, created_at
		 FROM fixes WHERE run_id = ? ORDER BY id`
	args := []any{runID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list fixes: %w", err)
	}
	defer rows.Close()

	var fixes []Fix
	for rows.Next() {
		var f Fix
		if err := rows.Scan(&f.ID, &f.RunID, &f.Iteration, &f.File, &f.BugType, &f.Line, &f.Description,
			&f.Status, &f.CommitSHA, &f.CommitMessage, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fix: %w", err)
		}
		fixes = append(fixes, f)
	}
	return fixes, rows.Err()
}

// InsertCIRun appends one CI poll outcome.
func (d *DB) InsertCIRun(c CIRun) error {
	regression := 0
	if c.Regression {
		regression = 1
	}
	_, err := d.Exec(
		`INSERT INTO ci_runs (run_id, iteration, status, external_run_id, regression, duration_secs, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.RunID, c.Iteration, c.Status, c.ExternalRunID, regression, c.DurationSecs, c.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ci run: %w", err)
	}
	return nil
}

// ListCIRuns returns every CI poll of a run in iteration order.
func (d *DB) ListCIRuns(runID string) ([]CIRun, error) {
	rows, err := d.Query(
		`SELECT id, run_id, iteration, status, external_run_id, regression, duration_secs, completed_at
		 FROM ci_runs WHERE run_id = ? ORDER BY iteration, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list ci runs: %w", err)
	}
	defer rows.Close()

	var out []CIRun
	for rows.Next() {
		var c CIRun
		var regression int
		if err := rows.Scan(&c.ID, &c.RunID, &c.Iteration, &c.Status, &c.ExternalRunID, &regression,
			&c.DurationSecs, &c.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan ci run: %w", err)
		}
		c.Regression = regression != 0
		out = append(out, c)
	}
	return out, rows.Err()
}
