package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/healfactory/internal/db"
	"github.com/lucasnoah/healfactory/internal/pipeline"
)

// envKeys are blanked so the host environment cannot override test configs.
var envKeys = []string{
	"GROQ_API_KEYS", "GROQ_MODEL", "GROQ_BASE_URL", "GROQ_TEMPERATURE", "MAX_ITERATIONS",
	"POLL_CI_INTERVAL_SECS", "POLL_CI_TIMEOUT_SECS", "GITHUB_TOKEN", "GITHUB_API_URL",
	"REPOS_DIR", "OUTPUTS_DIR", "HEALER_STATE_DIR", "HEALER_TEMPLATES_DIR",
	"DATABASE_URL", "HEALER_ADDR", "LOG_LEVEL", "LOG_FORMAT",
}

type testEnv struct {
	dir      string
	config   string
	dbPath   string
	stateDir string
}

func setupEnv(t *testing.T, extra string) *testEnv {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	e := &testEnv{
		dir:      dir,
		config:   filepath.Join(dir, "healer.yaml"),
		dbPath:   filepath.Join(dir, "healer.db"),
		stateDir: filepath.Join(dir, "runs"),
	}
	content := "llm:\n  api_keys: [gsk_abcdefghijkl]\n" +
		"ci:\n  token: ghp_0123456789abcdef\n" +
		"database:\n  url: sqlite:" + e.dbPath + "\n" +
		"paths:\n  state_dir: " + e.stateDir + "\n  outputs_dir: " + filepath.Join(dir, "outputs") + "\n" +
		extra
	if err := os.WriteFile(e.config, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestScoreCommand(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		total string
	}{
		{"fast and few commits", []string{"--elapsed", "2m", "--commits", "3"}, "Total:              110"},
		{"slow", []string{"--elapsed", "10m", "--commits", "3"}, "Total:              100"},
		{"commit penalty", []string{"--elapsed", "10m", "--commits", "25"}, "Total:              90"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := executeCommand(append([]string{"score"}, tt.args...)...)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(out, tt.total) {
				t.Errorf("expected %q in output:\n%s", tt.total, out)
			}
		})
	}
}

func TestScoreCommand_JSON(t *testing.T) {
	out, err := executeCommand("score", "--elapsed", "4m", "--commits", "22", "--format", "json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if got["speed_bonus"] != 10 || got["efficiency_penalty"] != 4 || got["total"] != 106 {
		t.Errorf("unexpected breakdown %v", got)
	}
}

func TestScoreCommand_Negative(t *testing.T) {
	if _, err := executeCommand("score", "--commits=-1"); err == nil {
		t.Error("expected error for negative commits")
	}
}

const pytestImportFailure = "_______________ test_import _______________\n" +
	"Traceback (most recent call last):\n" +
	"  File \"tests/test_app.py\", line 3, in <module>\n" +
	"ModuleNotFoundError: No module named 'flask'\n" +
	"ERROR tests/test_app.py::test_import - ModuleNotFoundError: No module named 'flask'\n"

func TestClassifyCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	if err := os.WriteFile(path, []byte(pytestImportFailure), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand("classify", "--framework", "pytest", "--exit-code", "1", "--format", "json", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got classifyOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if got.Source != "parser" || len(got.Failures) != 1 {
		t.Fatalf("unexpected result %+v", got)
	}
	f := got.Failures[0]
	if f.File != "tests/test_app.py" || f.Line != 3 || f.BugType != pipeline.BugImport {
		t.Errorf("unexpected failure %+v", f)
	}
}

func TestClassifyCommand_ExitZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	if err := os.WriteFile(path, []byte(pytestImportFailure), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := executeCommand("classify", "--exit-code", "0", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No failures found (source: none)") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestClassifyCommand_ConfigError(t *testing.T) {
	repo := t.TempDir()
	if err := os.WriteFile(filepath.Join(repo, "pyproject.toml"), []byte("[project]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "out.log")
	if err := os.WriteFile(path, []byte("npm ERR! missing script: test\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand("classify", "--framework", "jest", "--repo-dir", repo, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"source: config_error", "SYNTAX", "pyproject.toml", "test_configuration"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestClassifyCommand_MissingFile(t *testing.T) {
	if _, err := executeCommand("classify", filepath.Join(t.TempDir(), "nope.log")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestConfigShow_RedactsSecrets(t *testing.T) {
	e := setupEnv(t, "")
	out, err := executeCommand("config", "show", "-c", e.config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(out, "gsk_abcdefghijkl") || strings.Contains(out, "ghp_0123456789abcdef") {
		t.Errorf("secrets leaked:\n%s", out)
	}
	if !strings.Contains(out, "gsk_****") || !strings.Contains(out, "ghp_****") {
		t.Errorf("expected masked secrets:\n%s", out)
	}
	if !strings.Contains(out, "max_iterations: 5") {
		t.Errorf("expected defaults merged:\n%s", out)
	}
}

func TestConfigValidate(t *testing.T) {
	e := setupEnv(t, "")
	out, err := executeCommand("config", "validate", "-c", e.config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Configuration is valid ("+e.config+")") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestConfigValidate_Invalid(t *testing.T) {
	e := setupEnv(t, "log:\n  level: loud\n")
	out, err := executeCommand("config", "validate", "-c", e.config)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(out, "log.level") {
		t.Errorf("expected log.level in output:\n%s", out)
	}
}

func TestDBMigrate(t *testing.T) {
	e := setupEnv(t, "")
	out, err := executeCommand("db", "migrate", "-c", e.config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Migrated schema v0 -> v") {
		t.Errorf("unexpected output: %s", out)
	}

	out, err = executeCommand("db", "migrate", "-c", e.config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Schema is up to date") {
		t.Errorf("unexpected output on second migrate: %s", out)
	}
}

func TestDBReset_RequiresConfirmation(t *testing.T) {
	e := setupEnv(t, "")
	if _, err := executeCommand("db", "reset", "-c", e.config); err == nil {
		t.Fatal("expected reset without --yes to fail")
	}
	out, err := executeCommand("db", "reset", "--yes", "-c", e.config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Database reset") {
		t.Errorf("unexpected output: %s", out)
	}
}

func seedRun(t *testing.T, e *testEnv) {
	t.Helper()
	store, err := pipeline.OpenStore(e.stateDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(pipeline.RunStatus{
		RunID:       "run-1",
		Status:      pipeline.StatusPassed,
		CurrentNode: pipeline.NodeDone,
		Iteration:   2,
		FinalStatus: pipeline.FinalPassed,
	}); err != nil {
		t.Fatal(err)
	}

	database, err := db.Open("sqlite:" + e.dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	if err := database.Migrate(); err != nil {
		t.Fatal(err)
	}
	now := db.FormatTime(time.Now())
	if err := database.UpsertRun(db.Run{
		RunID:         "run-1",
		RepoURL:       "https://github.com/acme/app",
		Branch:        "ACME_JANE_AI_Fix",
		Status:        pipeline.StatusPassed,
		FinalStatus:   pipeline.FinalPassed,
		Iterations:    2,
		MaxIterations: 5,
		TotalFailures: 3,
		TotalFixes:    3,
		TotalCommits:  2,
		Score:         110,
		StartedAt:     now,
		FinishedAt:    now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := database.ReplaceFixes("run-1", []db.Fix{{
		RunID: "run-1", Iteration: 1, File: "src/app.py", BugType: "IMPORT", Line: 4,
		Status: "applied", CommitSHA: "0123456789abcdef", CreatedAt: now,
	}}); err != nil {
		t.Fatal(err)
	}
}

func TestStatusCommand_Detail(t *testing.T) {
	e := setupEnv(t, "")
	seedRun(t, e)

	out, err := executeCommand("status", "run-1", "-c", e.config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"run-1", "PASSED", "https://github.com/acme/app", "Score:     110", "src/app.py", "0123456"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusCommand_JSON(t *testing.T) {
	e := setupEnv(t, "")
	seedRun(t, e)

	out, err := executeCommand("status", "run-1", "--format", "json", "-c", e.config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got struct {
		RunID       string `json:"run_id"`
		FinalStatus string `json:"final_status"`
		Audit       struct {
			TotalFixes int `json:"total_fixes"`
		} `json:"audit"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if got.RunID != "run-1" || got.FinalStatus != "PASSED" || got.Audit.TotalFixes != 3 {
		t.Errorf("unexpected status %+v", got)
	}
}

func TestStatusCommand_UnknownIsQueued(t *testing.T) {
	e := setupEnv(t, "")
	out, err := executeCommand("status", "never-seen", "-c", e.config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "queued") {
		t.Errorf("expected queued status:\n%s", out)
	}
}

func TestStatusCommand_List(t *testing.T) {
	e := setupEnv(t, "")
	out, err := executeCommand("status", "-c", e.config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No runs found.") {
		t.Errorf("unexpected output: %s", out)
	}

	seedRun(t, e)
	out, err = executeCommand("status", "-c", e.config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "run-1") || !strings.Contains(out, "RUN") {
		t.Errorf("expected run table:\n%s", out)
	}
}

func TestAnalyticsCommand_Empty(t *testing.T) {
	e := setupEnv(t, "")
	out, err := executeCommand("analytics", "stage-duration", "-c", e.config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No stage data.") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestAnalyticsCommand_Throughput(t *testing.T) {
	e := setupEnv(t, "")
	seedRun(t, e)

	out, err := executeCommand("analytics", "throughput", "--since", "24h", "-c", e.config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	day := time.Now().UTC().Format("2006-01-02")
	if !strings.Contains(out, day) {
		t.Errorf("expected a row for %s:\n%s", day, out)
	}
}

func TestRunCommand_RejectsProtectedBranch(t *testing.T) {
	e := setupEnv(t, "")
	_, err := executeCommand("run", "--repo", "https://github.com/acme/app", "--branch", "main", "-c", e.config)
	if err == nil || !strings.Contains(err.Error(), "protected") {
		t.Errorf("expected protected branch error, got %v", err)
	}
}

func TestRunCommand_RejectsInvalidRunID(t *testing.T) {
	e := setupEnv(t, "")
	_, err := executeCommand("run", "--repo", "https://github.com/acme/app", "--run-id", "../escape", "-c", e.config)
	if err == nil || !strings.Contains(err.Error(), "invalid run id") {
		t.Errorf("expected invalid run id error, got %v", err)
	}
}
