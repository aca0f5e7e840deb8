package worktree

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.CommandContext. Git never prompts
// for credentials; a missing credential fails the command instead.
type ExecGit struct{}

func (g *ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", redactArgs(args), redact(strings.TrimSpace(string(out))), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Author is the identity recorded on agent commits.
type Author struct {
	Name  string
	Email string
}

// DefaultAuthor is used when no identity is configured.
var DefaultAuthor = Author{Name: "healer-agent", Email: "healer-agent@users.noreply.github.com"}

// Manager clones repositories into per-run directories and performs the
// branch, commit and push operations of a run.
type Manager struct {
	git      GitRunner
	reposDir string // one subdirectory per run id
	token    string // embedded in https clone URLs when set
	author   Author
}

// NewManager creates a Manager rooted at reposDir.
func NewManager(git GitRunner, reposDir string) *Manager {
	return &Manager{git: git, reposDir: reposDir, author: DefaultAuthor}
}

// WithToken returns a copy of m that authenticates https clones with token.
func (m *Manager) WithToken(token string) *Manager {
	cp := *m
	cp.token = token
	return &cp
}

// WithAuthor returns a copy of m that commits as a.
func (m *Manager) WithAuthor(a Author) *Manager {
	cp := *m
	if a.Name != "" && a.Email != "" {
		cp.author = a
	}
	return &cp
}

// Path returns the working directory for a run.
func (m *Manager) Path(runID string) string {
	return filepath.Join(m.reposDir, runID)
}

// Clone makes a shallow clone of repoURL into the run's directory, replacing
// anything left there by an earlier attempt.
func (m *Manager) Clone(ctx context.Context, repoURL, runID string) (string, error) {
	if strings.HasPrefix(repoURL, "-") {
		return "", fmt.Errorf("invalid repo url %q", repoURL)
	}
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	dir := m.Path(runID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clean %s: %w", dir, err)
	}
	if err := os.MkdirAll(m.reposDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", m.reposDir, err)
	}

	if _, err := m.git.Run(ctx, "", "clone", "--depth", "1", m.authURL(repoURL), dir); err != nil {
		return "", fmt.Errorf("clone: %w", err)
	}
	return dir, nil
}

// authURL embeds the token into https URLs.
func (m *Manager) authURL(repoURL string) string {
	if m.token == "" {
		return repoURL
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme != "https" || u.User != nil {
		return repoURL
	}
	u.User = url.UserPassword("x-access-token", m.token)
	return u.String()
}

// CheckoutBranch switches dir to branch, creating it from HEAD if it does not exist.
func (m *Manager) CheckoutBranch(ctx context.Context, dir, branch string) error {
	if err := validateBranch(branch); err != nil {
		return err
	}
	if _, err := m.git.Run(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err != nil {
		if _, err := m.git.Run(ctx, dir, "checkout", "-b", branch); err != nil {
			return fmt.Errorf("create branch %q: %w", branch, err)
		}
		return nil
	}
	if _, err := m.git.Run(ctx, dir, "checkout", branch); err != nil {
		return fmt.Errorf("checkout %q: %w", branch, err)
	}
	return nil
}

// CurrentBranch returns the checked-out branch name.
func (m *Manager) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := m.git.Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	return out, nil
}

// HasChanges reports whether the working tree differs from HEAD.
func (m *Manager) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := m.git.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	return out != "", nil
}

// CommitAll stages every change in dir and commits it with message,
// returning the 7-character SHA of the new commit.
func (m *Manager) CommitAll(ctx context.Context, dir, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("empty commit message")
	}
	if _, err := m.git.Run(ctx, dir, "add", "-A"); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	if _, err := m.git.Run(ctx, dir,
		"-c", "user.name="+m.author.Name,
		"-c", "user.email="+m.author.Email,
		"commit", "-m", message,
	); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	sha, err := m.git.Run(ctx, dir, "rev-parse", "--short=7", "HEAD")
	if err != nil {
		return "", fmt.Errorf("read commit sha: %w", err)
	}
	return sha, nil
}

// Push pushes branch to origin.
func (m *Manager) Push(ctx context.Context, dir, branch string) error {
	if err := validateBranch(branch); err != nil {
		return err
	}
	if _, err := m.git.Run(ctx, dir, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("push branch: %w", err)
	}
	return nil
}

// Remove deletes a run's working directory.
func (m *Manager) Remove(runID string) error {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return fmt.Errorf("invalid run id %q", runID)
	}
	return os.RemoveAll(m.Path(runID))
}

func validateBranch(branch string) error {
	if branch == "" || strings.HasPrefix(branch, "-") || strings.Contains(branch, "..") {
		return fmt.Errorf("invalid branch name %q", branch)
	}
	return nil
}

var nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// BranchName derives the healing branch from team and leader names:
// "RIFT Organisers" + "Saiyam Kumar" -> "RIFT_ORGANISERS_SAIYAM_KUMAR_AI_Fix".
func BranchName(team, leader string) string {
	var parts []string
	for _, s := range []string{team, leader} {
		s = nonAlphaNum.ReplaceAllString(strings.ToUpper(strings.TrimSpace(s)), "_")
		if s = strings.Trim(s, "_"); s != "" {
			parts = append(parts, s)
		}
	}
	parts = append(parts, "AI_Fix")
	name := strings.Join(parts, "_")
	if len(name) > 100 {
		name = name[:100]
	}
	return name
}

var credentialRe = regexp.MustCompile(`://[^/@\s]+@`)

// redact strips credentials embedded in URLs.
func redact(s string) string {
	return credentialRe.ReplaceAllString(s, "://***@")
}

func redactArgs(args []string) string {
	return redact(strings.Join(args, " "))
}
