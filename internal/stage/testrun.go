package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	repoctx "github.com/lucasnoah/healfactory/internal/context"
)

const (
	DefaultTestTimeout    = 120 * time.Second
	DefaultInstallTimeout = 120 * time.Second

	exitNoTests         = 5
	exitCommandNotFound = 127
	// minUsefulOutput is the length below which a JS attempt is treated as
	// having found nothing to run.
	minUsefulOutput = 100
)

var testCommands = map[string][]string{
	FrameworkPytest:   {"python", "-m", "pytest", "--tb=short", "-q", "--no-header"},
	FrameworkJest:     {"npx", "jest", "--no-coverage", "--verbose"},
	FrameworkVitest:   {"npx", "vitest", "run", "--reporter=verbose"},
	FrameworkMocha:    {"npx", "mocha", "--recursive"},
	FrameworkNPMTest:  {"npm", "test", "--", "--no-coverage"},
	FrameworkGoTest:   {"go", "test", "-v", "./..."},
	FrameworkCargo:    {"cargo", "test"},
	FrameworkDotnet:   {"dotnet", "test"},
	FrameworkMaven:    {"mvn", "test"},
	FrameworkGradle:   {"gradle", "test"},
	FrameworkRSpec:    {"bundle", "exec", "rspec"},
	FrameworkRubyTest: {"bundle", "exec", "rake", "test"},
}

var nodeFrameworks = map[string]bool{
	FrameworkJest:    true,
	FrameworkVitest:  true,
	FrameworkMocha:   true,
	FrameworkNPMTest: true,
}

// TestCommand returns the argv used for framework. Unknown frameworks run pytest.
func TestCommand(framework string) []string {
	if cmd, ok := testCommands[framework]; ok {
		return append([]string(nil), cmd...)
	}
	return append([]string(nil), testCommands[FrameworkPytest]...)
}

// TestResult is the outcome of the run-tests stage.
type TestResult struct {
	Output   string
	ExitCode int
	// Framework is the runner that produced Output; fallbacks may change it.
	Framework string
	Duration  time.Duration
}

// Passed reports a zero exit code.
func (r TestResult) Passed() bool { return r.ExitCode == 0 }

// TestRunner executes a repository's test suite.
type TestRunner struct {
	cmd            CommandRunner
	timeout        time.Duration
	installTimeout time.Duration
	logger         *slog.Logger
}

// NewTestRunner creates a TestRunner with the default 120s bounds.
func NewTestRunner(cmd CommandRunner, logger *slog.Logger) *TestRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &TestRunner{
		cmd:            cmd,
		timeout:        DefaultTestTimeout,
		installTimeout: DefaultInstallTimeout,
		logger:         logger,
	}
}

// SetTimeout overrides the per-command test timeout.
func (r *TestRunner) SetTimeout(d time.Duration) {
	r.timeout = d
}

// Run executes the suite for framework and applies the fallbacks for JS
// repositories whose primary runner finds nothing. A timeout or missing
// binary becomes an ordinary failing result; only cancellation of ctx or a
// process that cannot be launched at all is returned as an error.
func (r *TestRunner) Run(ctx context.Context, repoDir, language, framework string, progress Progress) (TestResult, error) {
	start := time.Now()
	if framework == FrameworkUnknown && IsJSLanguage(language) {
		framework = ResolveJSFramework(repoDir)
		r.logger.Info("resolved unknown JS framework", "framework", framework)
	}
	if nodeFrameworks[framework] {
		r.ensureNodeDeps(ctx, repoDir, progress)
	}

	output, code, err := r.exec(ctx, repoDir, TestCommand(framework))
	if err != nil {
		return TestResult{}, err
	}

	if (code == exitNoTests || code == exitCommandNotFound) && IsJSLanguage(language) && framework != FrameworkNPMTest {
		progress.say("%s returned exit=%d, trying npm test fallback", framework, code)
		fbOut, fbCode, err := r.exec(ctx, repoDir, []string{"npm", "test"})
		if err != nil {
			return TestResult{}, err
		}
		if len(fbOut) > len(output) || fbCode == 0 {
			output, code, framework = fbOut, fbCode, FrameworkNPMTest
		}
	}

	if (code == exitNoTests || code == exitCommandNotFound) && len(output) < minUsefulOutput && IsJSLanguage(language) {
		if n := countPythonTests(repoDir); n > 0 {
			progress.say("No JS tests found, detected %d Python test file(s), running pytest", n)
			pyOut, pyCode, err := r.exec(ctx, repoDir, TestCommand(FrameworkPytest))
			if err != nil {
				return TestResult{}, err
			}
			if len(pyOut) > len(output) {
				output, code, framework = pyOut, pyCode, FrameworkPytest
			}
		}
	}

	return TestResult{
		Output:    output,
		ExitCode:  code,
		Framework: framework,
		Duration:  time.Since(start),
	}, nil
}

// exec runs argv under the test timeout with the test environment.
func (r *TestRunner) exec(ctx context.Context, dir string, argv []string) (string, int, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	env := []string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONPATH=" + dir, "CI=true"}
	out, code, err := r.cmd.Run(runCtx, dir, env, argv[0], argv[1:]...)
	switch {
	case err == nil:
		return out, code, nil
	case ctx.Err() != nil:
		return "", 0, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("ERROR: Test execution timed out after %ds", int(r.timeout.Seconds())), 1, nil
	case errors.Is(err, exec.ErrNotFound):
		return "ERROR: Test command not found: " + argv[0], exitCommandNotFound, nil
	default:
		return "", 0, fmt.Errorf("run tests: %w", err)
	}
}

// ensureNodeDeps installs dependencies when package.json exists without
// node_modules. Install failures are reported, not fatal: the test command
// will surface the real problem.
func (r *TestRunner) ensureNodeDeps(ctx context.Context, dir string, progress Progress) {
	if _, err := os.Stat(filepath.Join(dir, "package.json")); err != nil {
		return
	}
	if _, err := os.Stat(filepath.Join(dir, "node_modules")); err == nil {
		return
	}
	progress.say("Installing Node.js dependencies")

	installCtx, cancel := context.WithTimeout(ctx, r.installTimeout)
	defer cancel()
	out, code, err := r.cmd.Run(installCtx, dir, []string{"CI=true", "NODE_ENV=development"},
		"npm", "install", "--no-audit", "--no-fund", "--prefer-offline")
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		r.logger.Warn("npm install timed out")
		progress.say("npm install timed out (%ds)", int(r.installTimeout.Seconds()))
	case err != nil:
		r.logger.Warn("npm install could not run", "error", err)
	case code != 0:
		r.logger.Warn("npm install failed", "exit_code", code, "output", clipOutput(out, 500))
		progress.say("npm install failed (exit=%d), tests may fail", code)
	default:
		r.logger.Info("npm install succeeded")
	}
}

func countPythonTests(dir string) int {
	files, err := repoctx.ListFiles(dir)
	if err != nil {
		return 0
	}
	prefixed, suffixed := testGlob{name: "test_*.py"}, testGlob{name: "*_test.py"}
	n := 0
	for _, f := range files {
		if prefixed.match(f) || suffixed.match(f) {
			n++
		}
	}
	return n
}

func clipOutput(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
