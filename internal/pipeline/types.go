package pipeline

import (
	"strings"
	"time"
)

// BugType is one of the six canonical failure categories.
type BugType string

const (
	BugSyntax      BugType = "SYNTAX"
	BugIndentation BugType = "INDENTATION"
	BugImport      BugType = "IMPORT"
	BugTypeError   BugType = "TYPE_ERROR"
	BugLinting     BugType = "LINTING"
	BugLogic       BugType = "LOGIC"
)

// BugTypes lists the canonical categories in classification order.
var BugTypes = []BugType{BugSyntax, BugIndentation, BugImport, BugTypeError, BugLinting, BugLogic}

// Valid reports whether b is one of the canonical categories.
func (b BugType) Valid() bool {
	for _, t := range BugTypes {
		if b == t {
			return true
		}
	}
	return false
}

// Node is the name of a run's current pipeline node.
type Node string

const (
	NodeQueued     Node = "queued"
	NodeScanning   Node = "scanning"
	NodeTesting    Node = "testing"
	NodeAnalyzing  Node = "analyzing"
	NodeFixing     Node = "fixing"
	NodeCommitting Node = "committing"
	NodePollingCI  Node = "polling_ci"
	NodeRetrying   Node = "retrying"
	NodeScoring    Node = "scoring"
	NodeDone       Node = "done"
	NodeError      Node = "error"
)

// CIStatus is the normalized outcome reported by the CI oracle.
type CIStatus string

const (
	CIPassed  CIStatus = "passed"
	CIFailed  CIStatus = "failed"
	CINoCI    CIStatus = "no_ci"
	CIRunning CIStatus = "running"
)

// Terminal reports whether the status ends a poll.
func (s CIStatus) Terminal() bool {
	return s == CIPassed || s == CIFailed || s == CINoCI
}

// FixStatus tracks a FixRecord through commit.
type FixStatus string

const (
	FixProposed FixStatus = "proposed"
	FixApplied  FixStatus = "applied"
	FixFailed   FixStatus = "failed"
)

// Run lifecycle statuses reported through the status store.
const (
	StatusQueued      = "queued"
	StatusRunning     = "running"
	StatusPassed      = "passed"
	StatusFailed      = "failed"
	StatusQuarantined = "quarantined"
)

// FinalStatus values written to the results artifact.
const (
	FinalPassed      = "PASSED"
	FinalFailed      = "FAILED"
	FinalQuarantined = "QUARANTINED"
)

// FeatureFlags toggles optional stage behavior per run.
type FeatureFlags struct {
	KBLookup            bool `json:"ENABLE_KB_LOOKUP" yaml:"kb_lookup"`
	SpeculativeBranches bool `json:"ENABLE_SPECULATIVE_BRANCHES" yaml:"speculative_branches"`
	AdversarialTests    bool `json:"ENABLE_ADVERSARIAL_TESTS" yaml:"adversarial_tests"`
	CausalGraph         bool `json:"ENABLE_CAUSAL_GRAPH" yaml:"causal_graph"`
	ProvenancePass      bool `json:"ENABLE_PROVENANCE_PASS" yaml:"provenance_pass"`
}

// DefaultFeatureFlags returns the flag set used when a request omits flags.
func DefaultFeatureFlags() FeatureFlags {
	return FeatureFlags{
		KBLookup:         true,
		AdversarialTests: true,
		CausalGraph:      true,
		ProvenancePass:   true,
	}
}

// Failure is one parsed test failure.
type Failure struct {
	File     string  `json:"file_path"`
	TestName string  `json:"test_name"`
	Line     int     `json:"line_number"`
	Message  string  `json:"error_message"`
	BugType  BugType `json:"bug_type"`
	Raw      string  `json:"raw_output,omitempty"`
}

// FixRecord is one proposed or applied code change. Records accumulate across iterations.
type FixRecord struct {
	File          string    `json:"file"`
	BugType       BugType   `json:"bug_type"`
	Line          int       `json:"line_number"`
	Description   string    `json:"description"`
	Status        FixStatus `json:"status"`
	Confidence    float64   `json:"confidence,omitempty"`
	Iteration     int       `json:"iteration"`
	CommitSHA     string    `json:"commit_sha,omitempty"`
	CommitMessage string    `json:"commit_message,omitempty"`
}

// CIRunRecord is the outcome of one completed CI poll.
type CIRunRecord struct {
	Iteration      int       `json:"iteration"`
	Status         CIStatus  `json:"status"`
	ExternalRunID  string    `json:"external_run_id,omitempty"`
	FailuresBefore int       `json:"failures_before"`
	FailuresAfter  int       `json:"failures_after"`
	Regression     bool      `json:"regression"`
	DurationSecs   float64   `json:"duration_secs"`
	CompletedAt    time.Time `json:"timestamp"`
}

// RunState is the mutable aggregate threaded through every stage of one run.
// It is owned by a single orchestrator goroutine for the lifetime of the run.
type RunState struct {
	RunID         string       `json:"run_id"`
	RepoURL       string       `json:"repo_url"`
	TeamName      string       `json:"team_name"`
	LeaderName    string       `json:"leader_name"`
	Branch        string       `json:"branch_name"`
	Iteration     int          `json:"iteration"`
	MaxIterations int          `json:"max_iterations"`
	Flags         FeatureFlags `json:"feature_flags"`

	RepoDir   string   `json:"repo_dir"`
	Language  string   `json:"language"`
	Framework string   `json:"framework"`
	TestFiles []string `json:"test_files"`

	TestOutput   string `json:"test_output"`
	TestExitCode int    `json:"test_exit_code"`

	Failures []Failure     `json:"failures"`
	Fixes    []FixRecord   `json:"fixes"`
	CIRuns   []CIRunRecord `json:"ci_runs"`

	TotalCommits      int      `json:"total_commits"`
	CurrentNode       Node     `json:"current_node"`
	CIStatus          CIStatus `json:"current_ci_status"`
	CIWorkflowCreated bool     `json:"ci_workflow_created"`
	QuarantineReason  string   `json:"quarantine_reason,omitempty"`
	CommitError       string   `json:"commit_error,omitempty"`
	Status            string   `json:"status"`

	StartedAt  time.Time `json:"start_time"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// NewRunState returns a state positioned at the first iteration.
func NewRunState(runID, repoURL, branch string, maxIterations int, flags FeatureFlags, now time.Time) *RunState {
	if maxIterations < 1 {
		maxIterations = 1
	}
	return &RunState{
		RunID:         runID,
		RepoURL:       repoURL,
		Branch:        branch,
		Iteration:     1,
		MaxIterations: maxIterations,
		Flags:         flags,
		TestFiles:     []string{},
		Failures:      []Failure{},
		Fixes:         []FixRecord{},
		CIRuns:        []CIRunRecord{},
		CurrentNode:   NodeScanning,
		Status:        StatusRunning,
		StartedAt:     now,
	}
}

// Quarantined reports whether a quarantine reason has been recorded.
func (s *RunState) Quarantined() bool {
	return s.QuarantineReason != ""
}

// Quarantine records the first reason only; later calls are ignored.
func (s *RunState) Quarantine(reason string) {
	if s.QuarantineReason == "" {
		s.QuarantineReason = reason
	}
}

// PreviousCIStatus returns the status of the most recent stored CI record, or "".
func (s *RunState) PreviousCIStatus() CIStatus {
	if len(s.CIRuns) == 0 {
		return ""
	}
	return s.CIRuns[len(s.CIRuns)-1].Status
}

// AppendCIRun appends rec to the timeline. Records must arrive in iteration order.
func (s *RunState) AppendCIRun(rec CIRunRecord) bool {
	if n := len(s.CIRuns); n > 0 && s.CIRuns[n-1].Iteration > rec.Iteration {
		return false
	}
	s.CIRuns = append(s.CIRuns, rec)
	return true
}

// UnpushedFixes returns the indexes of applied fixes that do not yet carry a commit SHA.
func (s *RunState) UnpushedFixes() []int {
	var idx []int
	for i, f := range s.Fixes {
		if f.Status == FixApplied && f.CommitSHA == "" {
			idx = append(idx, i)
		}
	}
	return idx
}

// StampFix sets the commit fields on fix i. A SHA, once set, is never replaced.
func (s *RunState) StampFix(i int, sha, message string) bool {
	if i < 0 || i >= len(s.Fixes) || s.Fixes[i].CommitSHA != "" {
		return false
	}
	s.Fixes[i].CommitSHA = sha
	s.Fixes[i].CommitMessage = message
	return true
}

// Elapsed returns the wall time since the run started.
func (s *RunState) Elapsed(now time.Time) time.Duration {
	end := now
	if !s.FinishedAt.IsZero() {
		end = s.FinishedAt
	}
	return end.Sub(s.StartedAt)
}

// FinalStatus maps the run outcome onto PASSED, FAILED or QUARANTINED.
func (s *RunState) FinalStatus() string {
	switch {
	case s.Quarantined():
		return FinalQuarantined
	case s.Status == StatusPassed:
		return FinalPassed
	default:
		return FinalFailed
	}
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (s *RunState) Snapshot() *RunState {
	cp := *s
	cp.TestFiles = append([]string(nil), s.TestFiles...)
	cp.Failures = append([]Failure(nil), s.Failures...)
	cp.Fixes = append([]FixRecord(nil), s.Fixes...)
	cp.CIRuns = append([]CIRunRecord(nil), s.CIRuns...)
	return &cp
}

// protectedBranches are reserved names the agent must never push to.
var protectedBranches = map[string]bool{
	"main":    true,
	"master":  true,
	"develop": true,
	"release": true,
}

// IsProtectedBranch reports whether branch matches a reserved name, ignoring case
// and surrounding whitespace.
func IsProtectedBranch(branch string) bool {
	return protectedBranches[strings.ToLower(strings.TrimSpace(branch))]
}
