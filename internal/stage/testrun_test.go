package stage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// mockCmd records calls and returns configured results in order.
type mockCmd struct {
	calls   []cmdCall
	results []cmdResult
	idx     int
}

type cmdCall struct {
	Dir  string
	Env  []string
	Argv []string
}

type cmdResult struct {
	Output string
	Code   int
	Err    error
}

func (m *mockCmd) Run(_ context.Context, dir string, env []string, name string, args ...string) (string, int, error) {
	m.calls = append(m.calls, cmdCall{Dir: dir, Env: env, Argv: append([]string{name}, args...)})
	if m.idx >= len(m.results) {
		return "", 0, nil
	}
	r := m.results[m.idx]
	m.idx++
	return r.Output, r.Code, r.Err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestTestCommand(t *testing.T) {
	tests := map[string]string{
		FrameworkPytest:  "python -m pytest --tb=short -q --no-header",
		FrameworkJest:    "npx jest --no-coverage --verbose",
		FrameworkVitest:  "npx vitest run --reporter=verbose",
		FrameworkMocha:   "npx mocha --recursive",
		FrameworkNPMTest: "npm test -- --no-coverage",
		FrameworkGoTest:  "go test -v ./...",
		FrameworkCargo:   "cargo test",
		FrameworkUnknown: "python -m pytest --tb=short -q --no-header",
	}
	for fw, want := range tests {
		if got := strings.Join(TestCommand(fw), " "); got != want {
			t.Errorf("TestCommand(%q) = %q, want %q", fw, got, want)
		}
	}
}

func TestRun_PytestPassing(t *testing.T) {
	dir := t.TempDir()
	cmd := &mockCmd{results: []cmdResult{{Output: "3 passed in 0.02s", Code: 0}}}
	r := NewTestRunner(cmd, quietLogger())

	res, err := r.Run(context.Background(), dir, "python", FrameworkPytest, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Passed() || res.Framework != FrameworkPytest {
		t.Errorf("unexpected result %+v", res)
	}
	if len(cmd.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(cmd.calls))
	}
	call := cmd.calls[0]
	if call.Dir != dir {
		t.Errorf("expected dir %s, got %s", dir, call.Dir)
	}
	env := strings.Join(call.Env, " ")
	for _, want := range []string{"CI=true", "PYTHONDONTWRITEBYTECODE=1", "PYTHONPATH=" + dir} {
		if !strings.Contains(env, want) {
			t.Errorf("env missing %s: %v", want, call.Env)
		}
	}
}

func TestRun_TimeoutBecomesFailure(t *testing.T) {
	cmd := &mockCmd{results: []cmdResult{{Err: context.DeadlineExceeded}}}
	r := NewTestRunner(cmd, quietLogger())

	res, err := r.Run(context.Background(), t.TempDir(), "python", FrameworkPytest, nil)
	if err != nil {
		t.Fatalf("timeout should not be an error: %v", err)
	}
	if res.ExitCode != 1 || res.Output != "ERROR: Test execution timed out after 120s" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestRun_MissingCommandIs127(t *testing.T) {
	cmd := &mockCmd{results: []cmdResult{{Err: fmt.Errorf("exec cargo: %w", exec.ErrNotFound)}}}
	r := NewTestRunner(cmd, quietLogger())

	res, err := r.Run(context.Background(), t.TempDir(), "rust", FrameworkCargo, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 127 || !strings.Contains(res.Output, "Test command not found") {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestRun_LaunchErrorPropagates(t *testing.T) {
	cmd := &mockCmd{results: []cmdResult{{Err: fmt.Errorf("fork/exec: permission denied")}}}
	r := NewTestRunner(cmd, quietLogger())

	if _, err := r.Run(context.Background(), t.TempDir(), "python", FrameworkPytest, nil); err == nil {
		t.Error("expected launch error")
	}
}

func TestRun_InstallsNodeDeps(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"package.json": `{"devDependencies":{"jest":"^29"}}`})
	cmd := &mockCmd{results: []cmdResult{{Code: 0}, {Output: "Tests: 2 passed", Code: 0}}}
	r := NewTestRunner(cmd, quietLogger())

	var notes []string
	if _, err := r.Run(context.Background(), dir, "javascript", FrameworkJest, func(m string) { notes = append(notes, m) }); err != nil {
		t.Fatal(err)
	}
	if len(cmd.calls) != 2 {
		t.Fatalf("expected install + test, got %d calls", len(cmd.calls))
	}
	if got := strings.Join(cmd.calls[0].Argv, " "); got != "npm install --no-audit --no-fund --prefer-offline" {
		t.Errorf("unexpected install command %q", got)
	}
	if got := strings.Join(cmd.calls[1].Argv, " "); got != "npx jest --no-coverage --verbose" {
		t.Errorf("unexpected test command %q", got)
	}
	if len(notes) == 0 || !strings.Contains(notes[0], "Installing") {
		t.Errorf("expected install progress note, got %v", notes)
	}
}

func TestRun_SkipsInstallWhenNodeModulesPresent(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"package.json":       `{}`,
		"node_modules/.keep": "",
		"src/sum.test.js":    "test()",
	})
	cmd := &mockCmd{results: []cmdResult{{Output: "ok", Code: 0}}}
	r := NewTestRunner(cmd, quietLogger())

	if _, err := r.Run(context.Background(), dir, "javascript", FrameworkJest, nil); err != nil {
		t.Fatal(err)
	}
	if len(cmd.calls) != 1 {
		t.Errorf("expected only the test command, got %d calls", len(cmd.calls))
	}
}

func TestRun_ResolvesUnknownJSFramework(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"package.json": `{"devDependencies":{"vitest":"^1"}}`})
	cmd := &mockCmd{}
	r := NewTestRunner(cmd, quietLogger())

	res, err := r.Run(context.Background(), dir, "typescript", FrameworkUnknown, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Framework != FrameworkVitest {
		t.Errorf("expected vitest, got %s", res.Framework)
	}
	last := cmd.calls[len(cmd.calls)-1]
	if got := strings.Join(last.Argv, " "); got != "npx vitest run --reporter=verbose" {
		t.Errorf("unexpected command %q", got)
	}
}

func TestRun_NPMTestFallback(t *testing.T) {
	cmd := &mockCmd{results: []cmdResult{
		{Output: "No tests found", Code: 5},
		{Output: "> jest\n\nFAIL src/a.test.js\n  expected 1 received 2", Code: 1},
	}}
	r := NewTestRunner(cmd, quietLogger())

	res, err := r.Run(context.Background(), t.TempDir(), "javascript", FrameworkJest, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Framework != FrameworkNPMTest || res.ExitCode != 1 {
		t.Errorf("expected npm test fallback result, got %+v", res)
	}
	if got := strings.Join(cmd.calls[1].Argv, " "); got != "npm test" {
		t.Errorf("unexpected fallback command %q", got)
	}
}

func TestRun_FallbackKeepsLongerPrimaryOutput(t *testing.T) {
	primary := strings.Repeat("x", 200)
	cmd := &mockCmd{results: []cmdResult{
		{Output: primary, Code: 5},
		{Output: "short", Code: 1},
	}}
	r := NewTestRunner(cmd, quietLogger())

	res, err := r.Run(context.Background(), t.TempDir(), "javascript", FrameworkMocha, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Framework != FrameworkMocha || res.Output != primary {
		t.Errorf("expected primary attempt kept, got %+v", res)
	}
}

func TestRun_PytestFallbackForMixedRepo(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"tests/test_app.py": "def test_ok(): pass\n"})
	cmd := &mockCmd{results: []cmdResult{
		{Err: fmt.Errorf("exec npm: %w", exec.ErrNotFound)},
		{Output: "tests/test_app.py . [100%]\n1 passed in 0.01s", Code: 0},
	}}
	r := NewTestRunner(cmd, quietLogger())

	res, err := r.Run(context.Background(), dir, "javascript", FrameworkNPMTest, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Framework != FrameworkPytest || !res.Passed() {
		t.Errorf("expected pytest fallback to win, got %+v", res)
	}
	if len(cmd.calls) != 2 {
		t.Errorf("expected 2 calls, got %d", len(cmd.calls))
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cmd := &mockCmd{results: []cmdResult{{Err: context.Canceled}}}
	r := NewTestRunner(cmd, quietLogger())

	if _, err := r.Run(ctx, t.TempDir(), "python", FrameworkPytest, nil); err == nil {
		t.Error("expected cancellation error")
	}
}
