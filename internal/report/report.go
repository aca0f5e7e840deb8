// Package report builds the results artifact written at the end of every run.
// Its JSON shape is the stable contract consumed by dashboards and graders.
package report

import (
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/lucasnoah/healfactory/internal/pipeline"
	"github.com/lucasnoah/healfactory/internal/score"
)

// FileName is the artifact name inside a run's output directory.
const FileName = "results.json"

// Fix statuses as they appear in the artifact.
const (
	FixFixed    = "FIXED"
	FixFailed   = "FAILED"
	FixProposed = "PROPOSED"
)

// Fix is one entry of the artifact's fix list.
type Fix struct {
	File          string           `json:"file"`
	BugType       pipeline.BugType `json:"bug_type"`
	Line          int              `json:"line_number"`
	CommitMessage string           `json:"commit_message"`
	Status        string           `json:"status"`
}

// CIEntry is one entry of the artifact's CI timeline.
type CIEntry struct {
	Iteration  int               `json:"iteration"`
	Status     pipeline.CIStatus `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Regression bool              `json:"regression"`
}

// Results is the final artifact for one run.
type Results struct {
	RunID         string          `json:"run_id"`
	RepoURL       string          `json:"repo_url"`
	TeamName      string          `json:"team_name"`
	LeaderName    string          `json:"leader_name"`
	Branch        string          `json:"branch_name"`
	FinalStatus   string          `json:"final_status"`
	TotalFailures int             `json:"total_failures"`
	TotalFixes    int             `json:"total_fixes"`
	TotalTimeSecs float64         `json:"total_time_secs"`
	Score         score.Breakdown `json:"score"`
	Fixes         []Fix           `json:"fixes"`
	CILog         []CIEntry       `json:"ci_log"`
	// QuarantineReason is set only for QUARANTINED runs.
	QuarantineReason string `json:"quarantine_reason,omitempty"`
}

// Build assembles the artifact from a finished run. now is used for elapsed
// time when the run has no finish timestamp yet.
func Build(s *pipeline.RunState, now time.Time) *Results {
	elapsed := s.Elapsed(now)
	r := &Results{
		RunID:            s.RunID,
		RepoURL:          s.RepoURL,
		TeamName:         s.TeamName,
		LeaderName:       s.LeaderName,
		Branch:           s.Branch,
		FinalStatus:      s.FinalStatus(),
		TotalFailures:    len(s.Failures),
		TotalTimeSecs:    math.Round(elapsed.Seconds()*100) / 100,
		Score:            score.Compute(elapsed, s.TotalCommits),
		Fixes:            make([]Fix, 0, len(s.Fixes)),
		CILog:            make([]CIEntry, 0, len(s.CIRuns)),
		QuarantineReason: s.QuarantineReason,
	}

	for _, f := range s.Fixes {
		status := fixStatus(f)
		if status == FixFixed {
			r.TotalFixes++
		}
		r.Fixes = append(r.Fixes, Fix{
			File:          f.File,
			BugType:       f.BugType,
			Line:          f.Line,
			CommitMessage: f.CommitMessage,
			Status:        status,
		})
	}
	for _, c := range s.CIRuns {
		r.CILog = append(r.CILog, CIEntry{
			Iteration:  c.Iteration,
			Status:     c.Status,
			Timestamp:  c.CompletedAt.UTC().Format(time.RFC3339),
			Regression: c.Regression,
		})
	}
	return r
}

func fixStatus(f pipeline.FixRecord) string {
	switch f.Status {
	case pipeline.FixApplied:
		return FixFixed
	case pipeline.FixFailed:
		return FixFailed
	default:
		return FixProposed
	}
}

// Path returns where the artifact for runID lives under outputsDir.
func Path(outputsDir, runID string) string {
	return filepath.Join(outputsDir, runID, FileName)
}

// Write stores r atomically under outputsDir and returns the file path.
func Write(outputsDir string, r *Results) (string, error) {
	if !pipeline.ValidRunID(r.RunID) {
		return "", fmt.Errorf("invalid run id %q", r.RunID)
	}
	path := Path(outputsDir, r.RunID)
	if err := pipeline.WriteJSON(path, r); err != nil {
		return "", fmt.Errorf("write results: %w", err)
	}
	return path, nil
}

// Read loads a previously written artifact. A missing file yields pipeline.ErrNotFound.
func Read(outputsDir, runID string) (*Results, error) {
	var r Results
	if err := pipeline.ReadJSON(Path(outputsDir, runID), &r); err != nil {
		return nil, err
	}
	return &r, nil
}
