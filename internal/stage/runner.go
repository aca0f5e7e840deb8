// Package stage holds the executors a run steps through: scan, run-tests,
// fix generation, commit-push and CI workflow creation. Each executor reads
// what it needs from the run, performs one kind of side effect and reports
// the result; sequencing belongs to the orchestrator.
package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// CommandRunner abstracts subprocess execution for testability.
//
// A process that ran and exited non-zero is not an error: its code is
// returned with a nil error. err is set only when the process could not be
// started or was killed by ctx.
type CommandRunner interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) (output string, exitCode int, err error)
}

// ExecRunner implements CommandRunner with os/exec. stdout and stderr are
// captured together, as a test runner prints them interleaved.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	if ctx.Err() != nil {
		return buf.String(), -1, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return buf.String(), exitErr.ExitCode(), nil
		}
		return buf.String(), -1, fmt.Errorf("exec %s: %w", name, err)
	}
	return buf.String(), 0, nil
}

// Progress receives human-readable notes from a long-running executor.
type Progress func(msg string)

func (p Progress) say(format string, args ...any) {
	if p != nil {
		p(fmt.Sprintf(format, args...))
	}
}
