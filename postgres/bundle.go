// Package postgres builds gitfix bundles backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"

	"github.com/lorenzkrinner/gitfix"
	"github.com/lorenzkrinner/gitfix/internal/persistence"
	"github.com/lorenzkrinner/gitfix/internal/taskqueue"
	"github.com/lorenzkrinner/gitfix/pkg/worker"
)

// Open connects to dsn through the pgx driver.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	return persistence.OpenPostgres(ctx, dsn)
}

// NewBundle returns an engine and worker whose instances, activity,
// checkpoints and tasks live in db. Live stream messages stay in process.
func NewBundle(ctx context.Context, db *sql.DB, opts gitfix.Options, cfg worker.Config) (*gitfix.WorkerBundle, error) {
	store, err := persistence.NewPostgresStore(ctx, db)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewPostgresQueue(ctx, db)
	if err != nil {
		return nil, err
	}
	return gitfix.NewBundle(gitfix.Backend{
		Persistence: persistence.FromStore(store),
		Queue:       queue,
	}, opts, cfg)
}
