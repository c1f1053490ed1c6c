// Package localstore keeps plans, approvals and execution state in an
// embedded SQLite database. It serves single-node installs and gatectl's
// offline mode with the same semantics as the Postgres store.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"actiongate/internal/plan"
	"actiongate/internal/record"
)

// Times are stored as fixed-width UTC text so they compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	Path string
	db   *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve store path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}
	db, err := sql.Open("sqlite", absPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// One writer at a time keeps check-and-set transactions serial.
	db.SetMaxOpenConns(1)
	s := &Store{Path: absPath, db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Ping checks that the database file is still usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS plans (
	plan_id TEXT PRIMARY KEY,
	workspace TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	canonical TEXT NOT NULL,
	body TEXT NOT NULL,
	decision TEXT NOT NULL,
	bindings TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	actor_kind TEXT NOT NULL DEFAULT '',
	actor_id TEXT NOT NULL DEFAULT '',
	parent_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plans_workspace_created ON plans(workspace, created_at);

CREATE TABLE IF NOT EXISTS approvals (
	code_hash TEXT PRIMARY KEY,
	workspace TEXT NOT NULL,
	plan_id TEXT NOT NULL,
	action_kinds TEXT NOT NULL,
	target_ids TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	approved_by TEXT NOT NULL DEFAULT '',
	execution_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	approved_at TEXT,
	consumed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_approvals_plan ON approvals(plan_id, created_at);

CREATE TABLE IF NOT EXISTS executions (
	execution_id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL UNIQUE,
	workspace TEXT NOT NULL,
	status TEXT NOT NULL,
	approval_hash TEXT NOT NULL DEFAULT '',
	error_code TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	continuation TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	finished_at TEXT
);

CREATE TABLE IF NOT EXISTS execution_log (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT NOT NULL,
	path TEXT NOT NULL,
	step_number INTEGER NOT NULL,
	state TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	replay INTEGER NOT NULL DEFAULT 0,
	error_code TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	output TEXT,
	at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_log_execution ON execution_log(execution_id, seq);

CREATE TABLE IF NOT EXISTS idempotency (
	key TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	path TEXT NOT NULL,
	status TEXT NOT NULL,
	output TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS locks (
	workspace TEXT NOT NULL,
	name TEXT NOT NULL,
	owner TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	PRIMARY KEY (workspace, name)
);

CREATE TABLE IF NOT EXISTS workspace_data (
	workspace TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (workspace, key)
);

CREATE TABLE IF NOT EXISTS audit_events (
	event_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	workspace TEXT NOT NULL,
	plan_id TEXT NOT NULL DEFAULT '',
	execution_id TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	details TEXT,
	at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_plan ON audit_events(plan_id, at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create store schema: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) withTx(ctx context.Context, fn func(tx execer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(timeLayout, v)
}

func parseNullTime(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	return parseTime(v.String)
}

func nullText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawText(v sql.NullString) json.RawMessage {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.RawMessage(v.String)
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return record.ErrNotFound
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return record.ErrConflict
	}
	return err
}

func affected(res sql.Result) (int64, error) {
	return res.RowsAffected()
}

func planStatusNotMatched(ctx context.Context, q execer, id plan.PlanID) error {
	var status string
	if err := q.QueryRowContext(ctx, `SELECT status FROM plans WHERE plan_id = ?`, string(id)).Scan(&status); err != nil {
		return mapErr(err)
	}
	return record.ErrConflict
}
