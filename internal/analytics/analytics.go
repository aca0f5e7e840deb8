// Package analytics aggregates the audit database into the reports behind
// `healer analytics`. All queries are written with ? placeholders and run
// through the DB's rebinding helpers so they work on SQLite and PostgreSQL.
package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

// StageDuration holds duration stats for a pipeline node.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// timestamp formats to try when parsing timestamps from the database
var timestampFormats = []string{
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// QueryStageDurations returns average and percentile durations per node,
// taken from the timed stage traces.
func QueryStageDurations(database DB, since string) ([]StageDuration, error) {
	query := `
		SELECT agent_node, duration_ms
		FROM traces
		WHERE action_type = 'stage' AND duration_ms IS NOT NULL`

	args := []any{}
	if since != "" {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}

	rows, err := database.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	stageDurations := make(map[string][]float64)
	for rows.Next() {
		var stage string
		var ms int64
		if err := rows.Scan(&stage, &ms); err != nil {
			return nil, fmt.Errorf("scan stage duration: %w", err)
		}
		stageDurations[stage] = append(stageDurations[stage], float64(ms)/1000)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StageDuration
	for stage, durations := range stageDurations {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// BugTypeStat holds fix outcomes for one failure category.
type BugTypeStat struct {
	BugType   string  `json:"bug_type"`
	Total     int     `json:"total"`
	Share     float64 `json:"share_pct"`
	Applied   float64 `json:"applied_pct"`
	Committed float64 `json:"committed_pct"`
	Failed    float64 `json:"failed_pct"`
}

// QueryBugTypes returns which failure categories the agent fixes most and
// how often those fixes reach a commit.
func QueryBugTypes(database DB, since string) ([]BugTypeStat, error) {
	query := `
		SELECT bug_type,
			COUNT(*) as total,
			SUM(CASE WHEN status = 'applied' THEN 1 ELSE 0 END) as applied,
			SUM(CASE WHEN commit_sha != '' THEN 1 ELSE 0 END) as committed,
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) as failed
		FROM fixes`

	args := []any{}
	if since != "" {
		query += ` WHERE created_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY bug_type ORDER BY total DESC, bug_type`

	rows, err := database.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bug types: %w", err)
	}
	defer rows.Close()

	var results []BugTypeStat
	grand := 0
	for rows.Next() {
		var bugType string
		var total, applied, committed, failed int
		if err := rows.Scan(&bugType, &total, &applied, &committed, &failed); err != nil {
			return nil, fmt.Errorf("scan bug type: %w", err)
		}
		grand += total
		results = append(results, BugTypeStat{
			BugType:   bugType,
			Total:     total,
			Applied:   pct(applied, total),
			Committed: pct(committed, total),
			Failed:    pct(failed, total),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Share = pct(results[i].Total, grand)
	}
	return results, nil
}

// IterationDist holds how many finished runs needed a given number of
// iterations and how many of those passed.
type IterationDist struct {
	Iterations int     `json:"iterations"`
	Runs       int     `json:"runs"`
	Passed     int     `json:"passed"`
	PassRate   float64 `json:"pass_rate_pct"`
}

// QueryIterations returns the distribution of iterations used by finished runs.
func QueryIterations(database DB, since string) ([]IterationDist, error) {
	query := `
		SELECT iterations,
			COUNT(*) as runs,
			SUM(CASE WHEN final_status = 'PASSED' THEN 1 ELSE 0 END) as passed
		FROM runs
		WHERE final_status != ''`

	args := []any{}
	if since != "" {
		query += ` AND started_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY iterations ORDER BY iterations`

	rows, err := database.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query iterations: %w", err)
	}
	defer rows.Close()

	var results []IterationDist
	for rows.Next() {
		var d IterationDist
		if err := rows.Scan(&d.Iterations, &d.Runs, &d.Passed); err != nil {
			return nil, fmt.Errorf("scan iterations: %w", err)
		}
		d.PassRate = pct(d.Passed, d.Runs)
		results = append(results, d)
	}
	return results, rows.Err()
}

// Throughput holds run outcomes for one day.
type Throughput struct {
	Period      string  `json:"period"`
	Started     int     `json:"started"`
	Passed      int     `json:"passed"`
	Failed      int     `json:"failed"`
	Quarantined int     `json:"quarantined"`
	AvgScore    float64 `json:"avg_score"`
	AvgDuration float64 `json:"avg_duration_minutes"`
}

// QueryThroughput returns run outcomes grouped by start day, newest first,
// for the ten most recent days with activity.
func QueryThroughput(database DB, since string) ([]Throughput, error) {
	query := `
		SELECT started_at, finished_at, final_status, score
		FROM runs`

	args := []any{}
	if since != "" {
		query += ` WHERE started_at >= ?`
		args = append(args, since)
	}

	rows, err := database.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query throughput: %w", err)
	}
	defer rows.Close()

	type bucket struct {
		Throughput
		scores    []float64
		durations []float64
	}
	buckets := make(map[string]*bucket)
	for rows.Next() {
		var startedAt, finishedAt, finalStatus string
		var score int
		if err := rows.Scan(&startedAt, &finishedAt, &finalStatus, &score); err != nil {
			return nil, fmt.Errorf("scan throughput: %w", err)
		}
		start, err := parseTimestamp(startedAt)
		if err != nil {
			continue
		}
		period := start.UTC().Format("2006-01-02")
		b, ok := buckets[period]
		if !ok {
			b = &bucket{Throughput: Throughput{Period: period}}
			buckets[period] = b
		}
		b.Started++
		switch finalStatus {
		case "PASSED":
			b.Passed++
		case "FAILED":
			b.Failed++
		case "QUARANTINED":
			b.Quarantined++
		}
		if finalStatus == "" {
			continue
		}
		b.scores = append(b.scores, float64(score))
		if end, err := parseTimestamp(finishedAt); err == nil && end.After(start) {
			b.durations = append(b.durations, end.Sub(start).Minutes())
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]Throughput, 0, len(buckets))
	for _, b := range buckets {
		b.AvgScore = avg(b.scores)
		b.AvgDuration = avg(b.durations)
		results = append(results, b.Throughput)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Period > results[j].Period
	})
	if len(results) > 10 {
		results = results[:10]
	}
	return results, nil
}

// RunEvent holds a single entry of a run timeline.
type RunEvent struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Event     string `json:"event"`
	Node      string `json:"node,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// QueryRunDetail returns the merged timeline of traces, fixes and CI polls for a run.
func QueryRunDetail(database DB, runID string) ([]RunEvent, error) {
	var results []RunEvent

	trRows, err := database.Query(
		`SELECT created_at, agent_node, action_type, action_label, thought_text, duration_ms
		 FROM traces WHERE run_id = ? ORDER BY step_index, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer trRows.Close()

	for trRows.Next() {
		var ts, node, actionType, label, thought string
		var durationMs sql.NullInt64
		if err := trRows.Scan(&ts, &node, &actionType, &label, &thought, &durationMs); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		detail := thought
		if durationMs.Valid {
			detail = fmt.Sprintf("%s (%dms)", label, durationMs.Int64)
		}
		results = append(results, RunEvent{
			Timestamp: ts,
			Type:      "trace",
			Event:     actionType,
			Node:      node,
			Detail:    detail,
		})
	}
	if err := trRows.Err(); err != nil {
		return nil, err
	}

	fxRows, err := database.Query(
		`SELECT created_at, iteration, file, bug_type, line_number, status, commit_sha
		 FROM fixes WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query fixes: %w", err)
	}
	defer fxRows.Close()

	for fxRows.Next() {
		var ts, file, bugType, status, sha string
		var iteration, line int
		if err := fxRows.Scan(&ts, &iteration, &file, &bugType, &line, &status, &sha); err != nil {
			return nil, fmt.Errorf("scan fix: %w", err)
		}
		detail := fmt.Sprintf("%s %s:%d %s", bugType, file, line, status)
		if sha != "" {
			detail += " @" + sha
		}
		results = append(results, RunEvent{
			Timestamp: ts,
			Type:      "fix",
			Event:     bugType,
			Iteration: iteration,
			Detail:    detail,
		})
	}
	if err := fxRows.Err(); err != nil {
		return nil, err
	}

	ciRows, err := database.Query(
		`SELECT completed_at, iteration, status, regression, duration_secs
		 FROM ci_runs WHERE run_id = ? ORDER BY iteration, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query ci runs: %w", err)
	}
	defer ciRows.Close()

	for ciRows.Next() {
		var ts, status string
		var iteration, regression int
		var secs float64
		if err := ciRows.Scan(&ts, &iteration, &status, &regression, &secs); err != nil {
			return nil, fmt.Errorf("scan ci run: %w", err)
		}
		detail := fmt.Sprintf("%s in %.0fs", status, secs)
		if regression != 0 {
			detail += " (regression)"
		}
		results = append(results, RunEvent{
			Timestamp: ts,
			Type:      "ci",
			Event:     status,
			Iteration: iteration,
			Detail:    detail,
		})
	}
	if err := ciRows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp < results[j].Timestamp
	})
	return results, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
