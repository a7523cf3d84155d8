package taskqueue

import (
	"context"
	"database/sql"
	"time"
)

// SQLiteQueue is a persistent task queue implementation backed by SQLite.
// Tasks are claimed in a transaction that selects and deletes the oldest
// ready row.
type SQLiteQueue struct {
	sqlQueue
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

// NewSQLiteQueue initializes the tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(ctx context.Context, db *sql.DB) (*SQLiteQueue, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS tasks_ready ON tasks (not_before, seq);
	`)
	if err != nil {
		return nil, err
	}

	q := &SQLiteQueue{sqlQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
		insert: `INSERT INTO tasks (id, instance_id, payload, enqueued_at, not_before)
			VALUES (?, ?, ?, ?, ?)`,
	}}
	q.claim = q.claimNext
	return q, nil
}

func (q *SQLiteQueue) claimNext(ctx context.Context, now int64) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq     int64
		payload []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT seq, payload FROM tasks
		WHERE not_before <= ?
		ORDER BY not_before, seq
		LIMIT 1`, now).Scan(&seq, &payload)
	if err != nil {
		return nil, err
	}

	// Delete the row we just claimed.
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE seq = ?`, seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return DecodeTask(payload)
}
