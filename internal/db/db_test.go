package db

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func sampleRun(id string, started time.Time) Run {
	return Run{
		RunID:         id,
		RepoURL:       "https://github.com/org/calc",
		TeamName:      "Team",
		LeaderName:    "Lead",
		Branch:        "TEAM_LEAD_AI_Fix",
		Status:        "running",
		MaxIterations: 5,
		Iterations:    1,
		StartedAt:     FormatTime(started),
	}
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		url         string
		wantDialect Dialect
		wantDSN     string
		wantErr     bool
	}{
		{"postgres://u:p@localhost/healer", Postgres, "postgres://u:p@localhost/healer", false},
		{"postgresql://localhost/healer", Postgres, "postgresql://localhost/healer", false},
		{"sqlite:/tmp/h.db", SQLite, "/tmp/h.db", false},
		{"sqlite:///tmp/h.db", SQLite, "/tmp/h.db", false},
		{":memory:", SQLite, ":memory:", false},
		{"data/h.db", SQLite, "data/h.db", false},
		{"mysql://localhost/h", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		dialect, dsn, err := ParseURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			continue
		}
		if dialect != tt.wantDialect || dsn != tt.wantDSN {
			t.Errorf("ParseURL(%q) = %s, %s; want %s, %s", tt.url, dialect, dsn, tt.wantDialect, tt.wantDSN)
		}
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: Postgres}
	got := pg.Rebind("SELECT * FROM runs WHERE a = ? AND b = '?' AND c = ?")
	want := "SELECT * FROM runs WHERE a = $1 AND b = '?' AND c = $2"
	if got != want {
		t.Errorf("Rebind = %q, want %q", got, want)
	}

	lite := &DB{dialect: SQLite}
	if q := "SELECT ?"; lite.Rebind(q) != q {
		t.Error("sqlite queries must not be rewritten")
	}
}

func TestMigrate(t *testing.T) {
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	for _, table := range []string{"schema_version", "runs", "traces", "fixes", "ci_runs"} {
		var name string
		err := d.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	v, err := d.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != len(migrations) {
		t.Errorf("expected schema version %d, got %d", len(migrations), v)
	}

	// Migrate again should be idempotent
	if err := d.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "healer.db")
	d, err := Open("sqlite:" + path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	if d.Dialect() != SQLite {
		t.Errorf("expected sqlite dialect, got %s", d.Dialect())
	}
	if err := d.Migrate(); err != nil {
		t.Fatal(err)
	}
}

func TestReset(t *testing.T) {
	d := testDB(t)

	if err := d.UpsertRun(sampleRun("run_1", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := d.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := d.GetRun("run_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected run gone after reset, got %v", err)
	}
}

func TestUpsertRun_GetRun(t *testing.T) {
	d := testDB(t)
	r := sampleRun("run_1", time.Now())

	if err := d.UpsertRun(r); err != nil {
		t.Fatalf("insert: %v", err)
	}

	r.Status = "passed"
	r.FinalStatus = "PASSED"
	r.Iterations = 2
	r.TotalFixes = 3
	r.TotalCommits = 1
	r.Score = 110
	r.TotalTimeSecs = 42.5
	r.Language = "python"
	r.Framework = "pytest"
	r.FinishedAt = FormatTime(time.Now())
	r.RepoURL = "https://github.com/other/repo"
	if err := d.UpsertRun(r); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := d.GetRun("run_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "passed" || got.FinalStatus != "PASSED" || got.Score != 110 || got.TotalTimeSecs != 42.5 {
		t.Errorf("run not updated: %+v", got)
	}
	if got.Language != "python" || got.Framework != "pytest" {
		t.Errorf("expected detected stack stored, got %s/%s", got.Language, got.Framework)
	}
	if got.RepoURL != "https://github.com/org/calc" {
		t.Errorf("repo url must not change on update, got %s", got.RepoURL)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	d := testDB(t)
	if _, err := d.GetRun("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	d := testDB(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"run_a", "run_b", "run_c"} {
		if err := d.UpsertRun(sampleRun(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := d.ListRuns(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].RunID != "run_c" || runs[1].RunID != "run_b" {
		t.Errorf("unexpected order: %+v", runs)
	}
}

func TestInsertTrace_ListTraces(t *testing.T) {
	d := testDB(t)
	now := FormatTime(time.Now())
	dur := int64(1500)

	traces := []Trace{
		{TraceID: "t1", RunID: "run_1", StepIndex: 0, AgentNode: "scanning", ActionType: "stage", ActionLabel: "Scan repository", DurationMs: &dur, CreatedAt: now},
		{TraceID: "t2", RunID: "run_1", StepIndex: 1, AgentNode: "testing", ActionType: "thought", ActionLabel: "Thought", ThoughtText: "running tests", CreatedAt: now},
		{TraceID: "t3", RunID: "run_2", StepIndex: 0, AgentNode: "scanning", ActionType: "stage", ActionLabel: "Scan repository", CreatedAt: now},
	}
	for _, tr := range traces {
		if err := d.InsertTrace(tr); err != nil {
			t.Fatal(err)
		}
	}

	got, err := d.ListTraces("run_1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 traces, got %d", len(got))
	}
	if got[0].DurationMs == nil || *got[0].DurationMs != 1500 {
		t.Errorf("expected duration 1500, got %v", got[0].DurationMs)
	}
	if got[1].DurationMs != nil {
		t.Errorf("expected nil duration, got %d", *got[1].DurationMs)
	}
	if got[0].Payload != "{}" {
		t.Errorf("expected default payload, got %q", got[0].Payload)
	}

	limited, err := d.ListTraces("run_1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].TraceID != "t1" {
		t.Errorf("limit not applied: %+v", limited)
	}

	if err := d.InsertTrace(traces[0]); err == nil {
		t.Error("expected duplicate trace id to be rejected")
	}
}

func TestReplaceFixes(t *testing.T) {
	d := testDB(t)
	now := FormatTime(time.Now())

	first := []Fix{
		{Iteration: 1, File: "calc.py", BugType: "LOGIC", Line: 2, Status: "applied", CreatedAt: now},
	}
	if err := d.ReplaceFixes("run_1", first); err != nil {
		t.Fatal(err)
	}
	second := []Fix{
		{Iteration: 1, File: "calc.py", BugType: "LOGIC", Line: 2, Status: "applied", CommitSHA: "abc1234", CreatedAt: now},
		{Iteration: 2, File: "util.py", BugType: "IMPORT", Line: 1, Status: "failed", CreatedAt: now},
	}
	if err := d.ReplaceFixes("run_1", second); err != nil {
		t.Fatal(err)
	}
	if err := d.ReplaceFixes("run_2", first); err != nil {
		t.Fatal(err)
	}

	got, err := d.ListFixes("run_1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 fixes, got %d", len(got))
	}
	if got[0].CommitSHA != "abc1234" || got[1].Status != "failed" {
		t.Errorf("unexpected fixes %+v", got)
	}

	other, err := d.ListFixes("run_2", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 1 {
		t.Errorf("runs must be isolated, got %d fixes for run_2", len(other))
	}
}

func TestInsertCIRun_ListCIRuns(t *testing.T) {
	d := testDB(t)
	now := FormatTime(time.Now())

	runs := []CIRun{
		{RunID: "run_1", Iteration: 2, Status: "failed", Regression: true, DurationSecs: 30, CompletedAt: now},
		{RunID: "run_1", Iteration: 1, Status: "passed", ExternalRunID: "99", DurationSecs: 12.5, CompletedAt: now},
	}
	for _, c := range runs {
		if err := d.InsertCIRun(c); err != nil {
			t.Fatal(err)
		}
	}

	got, err := d.ListCIRuns("run_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 ci runs, got %d", len(got))
	}
	if got[0].Iteration != 1 || got[0].ExternalRunID != "99" || got[0].Regression {
		t.Errorf("unexpected first ci run %+v", got[0])
	}
	if !got[1].Regression {
		t.Error("expected regression flag preserved")
	}
}

func TestFormatTime_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 30, 15, 250_000_000, time.FixedZone("X", 3600))
	s := FormatTime(ts)
	if s != "2026-03-01T09:30:15.250Z" {
		t.Errorf("FormatTime = %s", s)
	}
	back, err := ParseTime(s)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(ts) {
		t.Errorf("round trip mismatch: %v vs %v", back, ts)
	}
}

func TestParseURL_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	_, dsn, err := ParseURL("sqlite:~/.healer/healer.db")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, ".healer", "healer.db"); dsn != want {
		t.Errorf("dsn = %q, want %q", dsn, want)
	}
}
