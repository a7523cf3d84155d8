package persistence

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by SQLite through modernc.org/sqlite.
//
// Times are stored as unix nanoseconds so that ordering and lease
// comparisons stay in SQL.
type SQLiteStore struct {
	sqlStore
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS instances (
	id TEXT PRIMARY KEY,
	workflow TEXT NOT NULL,
	repository_id TEXT NOT NULL,
	issue_number INTEGER NOT NULL DEFAULT 0,
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	triage_classification TEXT,
	triage_reasoning TEXT,
	fix_summary TEXT NOT NULL DEFAULT '',
	issue_comment TEXT NOT NULL DEFAULT '',
	pr_url TEXT NOT NULL DEFAULT '',
	pr_number INTEGER NOT NULL DEFAULT 0,
	branch_name TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER NOT NULL DEFAULT 0,
	resolved_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT 0,
	wake_at INTEGER NOT NULL DEFAULT 0,
	lease_owner TEXT NOT NULL DEFAULT '',
	lease_expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS instances_repo_status ON instances (repository_id, status);

CREATE TABLE IF NOT EXISTS activity (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	instance_id TEXT NOT NULL,
	type TEXT NOT NULL,
	details TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS activity_instance ON activity (instance_id, seq);

CREATE TABLE IF NOT EXISTS step_checkpoints (
	instance_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	result BLOB,
	completed_at INTEGER NOT NULL,
	PRIMARY KEY (instance_id, step_id)
);

CREATE TABLE IF NOT EXISTS sleep_checkpoints (
	instance_id TEXT NOT NULL,
	sleep_id TEXT NOT NULL,
	wake_at INTEGER NOT NULL,
	PRIMARY KEY (instance_id, sleep_id)
);
`

// OpenSQLite opens a SQLite database with the pragmas the store expects.
// ":memory:" is supported; the pool is limited to one connection so every
// query sees the same database.
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	return db, nil
}

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{sqlStore{db: db}}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return s, nil
}
