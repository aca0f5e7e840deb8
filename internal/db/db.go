// Package db is the append-only audit sink: every run, stage trace, fix and
// CI poll is recorded here for post-hoc inspection. SQLite is the default
// store; a postgres:// URL switches to PostgreSQL through pgx.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect names a supported SQL backend.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DB wraps the audit database connection.
type DB struct {
	conn    *sql.DB
	dialect Dialect
	dsn     string
}

// DefaultURL returns sqlite:~/.healer/healer.db, creating the directory if needed.
func DefaultURL() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".healer")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return "sqlite:" + filepath.Join(dir, "healer.db"), nil
}

// ParseURL splits a database URL into dialect and driver DSN. Accepted forms:
// postgres://..., postgresql://..., sqlite:<path>, sqlite://<path>, :memory:
// and a bare file path.
func ParseURL(url string) (Dialect, string, error) {
	switch {
	case url == "":
		return "", "", fmt.Errorf("empty database url")
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return Postgres, url, nil
	case strings.HasPrefix(url, "sqlite://"):
		return SQLite, expandHome(strings.TrimPrefix(url, "sqlite://")), nil
	case strings.HasPrefix(url, "sqlite:"):
		return SQLite, expandHome(strings.TrimPrefix(url, "sqlite:")), nil
	case strings.Contains(url, "://"):
		return "", "", fmt.Errorf("unsupported database url scheme in %q", url)
	}
	return SQLite, expandHome(url), nil
}

// expandHome replaces a leading ~/ with the user's home directory.
func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

// Open connects to the database named by url.
func Open(url string) (*DB, error) {
	dialect, dsn, err := ParseURL(url)
	if err != nil {
		return nil, err
	}

	driver := "sqlite3"
	if dialect == Postgres {
		driver = "pgx"
	}
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dialect == SQLite {
		if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				conn.Close()
				return nil, fmt.Errorf("create directory %s: %w", dir, err)
			}
		}
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(10)
		conn.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if dialect == SQLite {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set journal mode: %w", err)
		}
	}
	return &DB{conn: conn, dialect: dialect, dsn: dsn}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB. Queries run through it are not rebound.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Dialect reports the backend in use.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Ping checks that the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

// Rebind rewrites ? placeholders to $1, $2, ... for PostgreSQL. Placeholders
// inside single-quoted literals are left alone.
func (d *DB) Rebind(query string) string {
	if d.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n, quoted := 0, false
	for _, r := range query {
		switch {
		case r == '\'':
			quoted = !quoted
			b.WriteRune(r)
		case r == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Exec runs a statement written with ? placeholders.
func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	return d.conn.Exec(d.Rebind(query), args...)
}

// Query runs a query written with ? placeholders.
func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return d.conn.Query(d.Rebind(query), args...)
}

// QueryRow runs a single-row query written with ? placeholders.
func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	return d.conn.QueryRow(d.Rebind(query), args...)
}

// Timestamps are stored as fixed-width UTC text so they sort and compare
// identically on both backends.
const timeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the stored timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// migrations are applied in order; the index plus one is the schema version.
// {{id}} expands to the dialect's auto-increment primary key.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS runs (
    run_id            TEXT PRIMARY KEY,
    repo_url          TEXT NOT NULL,
    team_name         TEXT NOT NULL DEFAULT '',
    leader_name       TEXT NOT NULL DEFAULT '',
    branch_name       TEXT NOT NULL,
    status            TEXT NOT NULL,
    final_status      TEXT NOT NULL DEFAULT '',
    iterations        INTEGER NOT NULL DEFAULT 0,
    max_iterations    INTEGER NOT NULL DEFAULT 0,
    total_failures    INTEGER NOT NULL DEFAULT 0,
    total_fixes       INTEGER NOT NULL DEFAULT 0,
    total_commits     INTEGER NOT NULL DEFAULT 0,
    score             INTEGER NOT NULL DEFAULT 0,
    total_time_secs   REAL NOT NULL DEFAULT 0,
    quarantine_reason TEXT NOT NULL DEFAULT '',
    started_at        TEXT NOT NULL,
    finished_at       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

CREATE TABLE IF NOT EXISTS traces (
    id           {{id}},
    trace_id     TEXT NOT NULL UNIQUE,
    run_id       TEXT NOT NULL,
    step_index   INTEGER NOT NULL,
    agent_node   TEXT NOT NULL,
    action_type  TEXT NOT NULL,
    action_label TEXT NOT NULL,
    payload      TEXT NOT NULL DEFAULT '{}',
    thought_text TEXT NOT NULL DEFAULT '',
    duration_ms  INTEGER,
    created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_traces_run ON traces(run_id, step_index);

CREATE TABLE IF NOT EXISTS fixes (
    id             {{id}},
    run_id         TEXT NOT NULL,
    iteration      INTEGER NOT NULL,
    file           TEXT NOT NULL,
    bug_type       TEXT NOT NULL,
    line_number    INTEGER NOT NULL,
    description    TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL,
    commit_sha     TEXT NOT NULL DEFAULT '',
    commit_message TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fixes_run ON fixes(run_id, iteration);

CREATE TABLE IF NOT EXISTS ci_runs (
    id              {{id}},
    run_id          TEXT NOT NULL,
    iteration       INTEGER NOT NULL,
    status          TEXT NOT NULL,
    external_run_id TEXT NOT NULL DEFAULT '',
    regression      INTEGER NOT NULL DEFAULT 0,
    duration_secs   REAL NOT NULL DEFAULT 0,
    completed_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ci_runs_run ON ci_runs(run_id, iteration);
`,
	`
ALTER TABLE runs ADD COLUMN language TEXT NOT NULL DEFAULT '';
ALTER TABLE runs ADD COLUMN framework TEXT NOT NULL DEFAULT '';
`,
}

// tables lists every table in drop order.
var tables = []string{"ci_runs", "fixes", "traces", "runs", "schema_version"}

func (d *DB) expand(ddl string) string {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d.dialect == Postgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	return strings.ReplaceAll(ddl, "{{id}}", id)
}

// SchemaVersion returns the highest applied migration, 0 for an empty database.
func (d *DB) SchemaVersion() (int, error) {
	if _, err := d.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
)`); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}
	var v sql.NullInt64
	if err := d.conn.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// Migrate applies every pending migration, each in its own transaction.
func (d *DB) Migrate() error {
	current, err := d.SchemaVersion()
	if err != nil {
		return err
	}
	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := d.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(d.expand(migrations[i])); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply schema v%d: %w", version, err)
		}
		if _, err := tx.Exec(d.Rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"),
			version, FormatTime(time.Now())); err != nil {
			tx.Rollback()
			return fmt.Errorf("record schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit schema v%d: %w", version, err)
		}
	}
	return nil
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
