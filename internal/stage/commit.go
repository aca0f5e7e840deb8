package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/lucasnoah/healfactory/internal/pipeline"
)

// CommitPrefix tags every commit the agent makes.
const CommitPrefix = "[AI-AGENT]"

// ErrProtectedBranch is returned for any attempt to commit to a protected branch.
var ErrProtectedBranch = errors.New("refusing to push to protected branch")

// VCS is the source-control capability used to publish changes.
type VCS interface {
	CommitAll(ctx context.Context, dir, message string) (string, error)
	Push(ctx context.Context, dir, branch string) error
}

// CommitResult describes what one commit-push stage did.
type CommitResult struct {
	SHA       string
	Message   string
	Committed int // fixes carried by the commit
	// Err is the commit or push failure, already recorded on the run.
	Err error
}

// Committer commits applied fixes and pushes them to the healing branch.
type Committer struct {
	vcs    VCS
	logger *slog.Logger
}

// NewCommitter creates a Committer.
func NewCommitter(vcs VCS, logger *slog.Logger) *Committer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Committer{vcs: vcs, logger: logger}
}

// Commit publishes every applied fix that has no commit SHA yet as a single
// commit, then updates s: on success each fix is stamped and TotalCommits
// grows by one; on failure the fixes are marked failed and CommitError is
// set. Neither case returns an error. A protected branch returns
// ErrProtectedBranch before anything is touched.
func (c *Committer) Commit(ctx context.Context, s *pipeline.RunState) (CommitResult, error) {
	if pipeline.IsProtectedBranch(s.Branch) {
		return CommitResult{}, fmt.Errorf("%w %q", ErrProtectedBranch, s.Branch)
	}

	pending := s.UnpushedFixes()
	if len(pending) == 0 {
		return CommitResult{}, nil
	}

	types := map[string]bool{}
	for _, i := range pending {
		types[string(s.Fixes[i].BugType)] = true
	}
	names := make([]string, 0, len(types))
	for t := range types {
		names = append(names, t)
	}
	sort.Strings(names)
	msg := fmt.Sprintf("%s Fix %d issue(s): %s (iter %d)", CommitPrefix, len(pending), strings.Join(names, ", "), s.Iteration)

	sha, err := c.vcs.CommitAll(ctx, s.RepoDir, msg)
	if err == nil {
		err = c.vcs.Push(ctx, s.RepoDir, s.Branch)
	}
	if err != nil {
		c.logger.Error("commit/push failed", "error", err, "fixes", len(pending))
		for _, i := range pending {
			s.Fixes[i].Status = pipeline.FixFailed
		}
		s.CommitError = fmt.Sprintf("git commit/push failed: %v", err)
		return CommitResult{Message: msg, Err: err}, nil
	}

	for _, i := range pending {
		s.StampFix(i, sha, FixCommitMessage(s.Fixes[i]))
	}
	s.TotalCommits++
	s.CommitError = ""
	c.logger.Info("pushed fixes", "sha", sha, "branch", s.Branch, "fixes", len(pending))
	return CommitResult{SHA: sha, Message: msg, Committed: len(pending)}, nil
}

// FixCommitMessage is the per-fix message recorded against a committed fix.
func FixCommitMessage(f pipeline.FixRecord) string {
	desc := []rune(f.Description)
	if len(desc) > 80 {
		desc = desc[:80]
	}
	return fmt.Sprintf("%s Fix %s: %s", CommitPrefix, f.BugType, string(desc))
}
