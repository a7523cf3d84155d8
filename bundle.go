package gitfix

import (
	"context"
	"database/sql"

	"github.com/lorenzkrinner/gitfix/internal/engine"
	"github.com/lorenzkrinner/gitfix/internal/persistence"
	"github.com/lorenzkrinner/gitfix/internal/stream"
	"github.com/lorenzkrinner/gitfix/internal/taskqueue"
	workerpkg "github.com/lorenzkrinner/gitfix/pkg/worker"
)

// WorkerBundle wires together an Engine, its durable task queue, and a
// Worker that consumes tasks from that queue.
//
// SQLite bundles are built here; the redis, postgres and mongo packages
// build theirs through NewBundle.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker
}

// Backend is the storage a bundle runs on. A nil Queue or Broker falls back
// to the in-memory one.
type Backend struct {
	Persistence persistence.Persistence
	Queue       taskqueue.Queue
	Broker      stream.Broker
}

// NewBundle constructs an Engine over b and a Worker draining b's queue.
func NewBundle(b Backend, opts Options, cfg workerpkg.Config) (*WorkerBundle, error) {
	ec := opts.engineConfig()
	ec.Persistence = b.Persistence
	ec.Queue = b.Queue
	ec.Broker = b.Broker
	return newBundle(engine.New(ec), opts, cfg)
}

// NewSQLiteBundle constructs a durable Engine and Worker sharing db.
// Instances, activity, checkpoints and queued tasks all persist in it, so
// a new bundle over the same database picks up where the last one stopped.
//
// Typical usage:
//
//	db, _ := persistence.OpenSQLite("file:gitfix.db")
//	bundle, err := gitfix.NewSQLiteBundle(ctx, db, gitfix.Options{}, worker.Config{})
//	_ = gitfix.Submit(ctx, bundle.Engine, inst)
//	go bundle.Worker.Run(ctx)
func NewSQLiteBundle(ctx context.Context, db *sql.DB, opts Options, cfg workerpkg.Config) (*WorkerBundle, error) {
	eng, err := engine.NewSQLiteEngine(ctx, db, opts.engineConfig())
	if err != nil {
		return nil, err
	}
	return newBundle(eng, opts, cfg)
}

func newBundle(eng *engine.Engine, opts Options, cfg workerpkg.Config) (*WorkerBundle, error) {
	if err := opts.register(eng); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = opts.Logger
	}
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.NewWithConfig(eng, eng.Queue(), cfg),
	}, nil
}
