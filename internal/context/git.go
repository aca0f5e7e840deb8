package context

import (
	"os/exec"
	"strings"
)

// ExecGit implements GitRunner with the git binary.
type ExecGit struct{}

// Log returns the last ten commits of the checked-out branch, one per line.
func (g *ExecGit) Log(dir string) (string, error) {
	cmd := exec.Command("git", "log", "--oneline", "-10")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
