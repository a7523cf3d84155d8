package persistence

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// It expects an *sql.DB opened with the "pgx" driver, for example through
// OpenPostgres.
type PostgresStore struct {
	sqlStore
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS instances (
	id TEXT PRIMARY KEY,
	workflow TEXT NOT NULL,
	repository_id TEXT NOT NULL,
	issue_number BIGINT NOT NULL DEFAULT 0,
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	triage_classification TEXT,
	triage_reasoning TEXT,
	fix_summary TEXT NOT NULL DEFAULT '',
	issue_comment TEXT NOT NULL DEFAULT '',
	pr_url TEXT NOT NULL DEFAULT '',
	pr_number BIGINT NOT NULL DEFAULT 0,
	branch_name TEXT NOT NULL DEFAULT '',
	retry_count BIGINT NOT NULL DEFAULT 0,
	started_at BIGINT NOT NULL DEFAULT 0,
	resolved_at BIGINT NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL DEFAULT 0,
	wake_at BIGINT NOT NULL DEFAULT 0,
	lease_owner TEXT NOT NULL DEFAULT '',
	lease_expires_at BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS instances_repo_status ON instances (repository_id, status);

CREATE TABLE IF NOT EXISTS activity (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	instance_id TEXT NOT NULL,
	type TEXT NOT NULL,
	details TEXT NOT NULL,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS activity_instance ON activity (instance_id, seq);

CREATE TABLE IF NOT EXISTS step_checkpoints (
	instance_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	result BYTEA,
	completed_at BIGINT NOT NULL,
	PRIMARY KEY (instance_id, step_id)
);

CREATE TABLE IF NOT EXISTS sleep_checkpoints (
	instance_id TEXT NOT NULL,
	sleep_id TEXT NOT NULL,
	wake_at BIGINT NOT NULL,
	PRIMARY KEY (instance_id, sleep_id)
);
`

// OpenPostgres opens a pgx-backed *sql.DB and checks connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// NewPostgresStore initializes the required schema in the given database and
// returns a new PostgresStore.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{sqlStore{db: db, dollarPH: true}}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return s, nil
}
