package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

// sqlQueue holds the polling loop shared by the SQLite and PostgreSQL queues.
// claim removes and returns the next ready task, or sql.ErrNoRows.
type sqlQueue struct {
	db           *sql.DB
	pollInterval time.Duration
	insert       string
	claim        func(ctx context.Context, now int64) (*Task, error)
}

func (q *sqlQueue) Enqueue(ctx context.Context, t Task) error {
	t = normalize(t)
	payload, err := EncodeTask(t)
	if err != nil {
		return err
	}

	notBefore := t.EnqueuedAt.UnixNano()
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}

	_, err = q.db.ExecContext(ctx, q.insert, t.ID, t.InstanceID, payload, t.EnqueuedAt.UnixNano(), notBefore)
	return err
}

func (q *sqlQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		task, err := q.claim(ctx, time.Now().UnixNano())
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		// Nothing available: sleep a bit and retry.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *sqlQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		slog.Warn("task queue length failed", slog.Any("error", err))
		return 0
	}
	return n
}
