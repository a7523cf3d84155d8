package taskqueue

import (
	"context"
	"database/sql"
	"time"
)

// PostgresQueue is a task queue backed by PostgreSQL. Concurrent workers
// claim rows with FOR UPDATE SKIP LOCKED, so each task is handed out once.
type PostgresQueue struct {
	sqlQueue
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

// NewPostgresQueue initializes the tasks table in the given DB and returns a new queue.
func NewPostgresQueue(ctx context.Context, db *sql.DB) (*PostgresQueue, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			payload BYTEA NOT NULL,
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS tasks_ready ON tasks (not_before, seq);
	`)
	if err != nil {
		return nil, err
	}

	q := &PostgresQueue{sqlQueue{
		db:           db,
		pollInterval: 50 * time.Millisecond,
		insert: `INSERT INTO tasks (id, instance_id, payload, enqueued_at, not_before)
			VALUES ($1, $2, $3, $4, $5)`,
	}}
	q.claim = q.claimNext
	return q, nil
}

func (q *PostgresQueue) claimNext(ctx context.Context, now int64) (*Task, error) {
	var payload []byte
	err := q.db.QueryRowContext(ctx, `
		DELETE FROM tasks
		WHERE seq = (
			SELECT seq FROM tasks
			WHERE not_before <= $1
			ORDER BY not_before, seq
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING payload`, now).Scan(&payload)
	if err != nil {
		return nil, err
	}
	return DecodeTask(payload)
}
