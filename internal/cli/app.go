package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lorenzkrinner/gitfix/internal/config"
	"github.com/lorenzkrinner/gitfix/internal/engine"
	"github.com/lorenzkrinner/gitfix/internal/github"
	"github.com/lorenzkrinner/gitfix/internal/observability"
	"github.com/lorenzkrinner/gitfix/internal/persistence"
	"github.com/lorenzkrinner/gitfix/internal/stream"
	"github.com/lorenzkrinner/gitfix/internal/taskqueue"
	"github.com/lorenzkrinner/gitfix/internal/triage"
	"github.com/lorenzkrinner/gitfix/pkg/api"
)

const (
	redisPrefix     = "gitfix:"
	mongoTaskColl   = "tasks"
	shutdownTimeout = 10 * time.Second
)

// app holds the engine and the shared clients it was built from. Clients
// are opened once and closed by Close.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	eng       *engine.Engine
	repos     api.Repositories
	commenter api.Commenter

	sqlDB   *sql.DB
	redis   *redis.Client
	mongo   *mongo.Client
	closers []func(context.Context) error
}

func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	store, err := a.store(ctx, a.cfg.Store.Driver)
	if err != nil {
		return fmt.Errorf("open store (%s): %w", a.cfg.Store.Driver, err)
	}
	queue, err := a.queue(ctx, a.cfg.Queue.Driver)
	if err != nil {
		return fmt.Errorf("open queue (%s): %w", a.cfg.Queue.Driver, err)
	}
	broker, err := a.broker(a.cfg.Stream.Driver)
	if err != nil {
		return fmt.Errorf("open stream (%s): %w", a.cfg.Stream.Driver, err)
	}

	shutdown, err := observability.InitTracing(ctx, a.cfg.Tracing)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func(ctx context.Context) error { return shutdown(ctx) })

	var tracing api.Observer
	if a.cfg.Tracing.Enabled {
		tracing = observability.NewTracingObserver(nil)
	}
	observer := api.NewCompositeObserver(
		api.NewLoggingObserver(a.logger),
		observability.NewMetricsObserver(),
		tracing,
	)

	a.repos = a.cfg.RepositoryMap()
	if len(a.cfg.Repositories) == 0 {
		// Unconfigured deployments accept any repository in approval mode.
		a.repos = nil
	}
	if a.commenter, err = a.buildCommenter(); err != nil {
		return err
	}

	a.eng = engine.New(engine.Config{
		Persistence:    persistence.FromStore(store),
		Queue:          queue,
		Broker:         broker,
		Observer:       observer,
		Repositories:   a.repos,
		Commenter:      a.commenter,
		Logger:         a.logger,
		InlineSleepMax: a.cfg.Engine.InlineSleepMax,
		LeaseTTL:       a.cfg.Engine.LeaseTTL,
	})
	if a.repos == nil {
		a.repos = a.eng.Repositories()
	}

	wf := triage.New(triage.Config{
		Pacing:    triage.Pacing{Enabled: a.cfg.Pacing.Enabled, Scale: a.cfg.Pacing.Scale},
		Commenter: a.commenter,
		Logger:    a.logger,
	})
	return triage.Register(a.eng, wf)
}

func (a *app) buildCommenter() (api.Commenter, error) {
	if a.cfg.GitHub.Token == "" {
		return github.LogCommenter{Logger: a.logger}, nil
	}
	return github.NewCommenter(a.cfg.GitHub.APIURL, a.cfg.GitHub.Token, &http.Client{Timeout: 30 * time.Second})
}

func (a *app) openSQL(ctx context.Context, driver string) (*sql.DB, error) {
	if a.sqlDB != nil {
		return a.sqlDB, nil
	}
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case config.DriverSQLite:
		db, err = persistence.OpenSQLite(a.cfg.Store.DSN)
	case config.DriverPostgres:
		db, err = persistence.OpenPostgres(ctx, a.cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("no SQL database for driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	a.sqlDB = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	return db, nil
}

func (a *app) openRedis(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client := redis.NewClient(&redis.Options{Addr: a.cfg.Store.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", a.cfg.Store.RedisAddr, err)
	}
	a.redis = client
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	return client, nil
}

func (a *app) openMongo(ctx context.Context) (*mongo.Client, error) {
	if a.mongo != nil {
		return a.mongo, nil
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(a.cfg.Store.MongoURI))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	a.mongo = client
	a.closers = append(a.closers, client.Disconnect)
	return client, nil
}

func (a *app) store(ctx context.Context, driver string) (persistence.Store, error) {
	switch driver {
	case config.DriverMemory:
		return persistence.NewInMemoryStore(), nil
	case config.DriverSQLite:
		db, err := a.openSQL(ctx, driver)
		if err != nil {
			return nil, err
		}
		return persistence.NewSQLiteStore(ctx, db)
	case config.DriverPostgres:
		db, err := a.openSQL(ctx, driver)
		if err != nil {
			return nil, err
		}
		return persistence.NewPostgresStore(ctx, db)
	case config.DriverRedis:
		client, err := a.openRedis(ctx)
		if err != nil {
			return nil, err
		}
		return persistence.NewRedisStore(client, redisPrefix), nil
	case config.DriverMongo:
		client, err := a.openMongo(ctx)
		if err != nil {
			return nil, err
		}
		return persistence.NewMongoStore(ctx, client, a.cfg.Store.MongoDB)
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}

func (a *app) queue(ctx context.Context, driver string) (taskqueue.Queue, error) {
	switch driver {
	case config.DriverMemory:
		return taskqueue.NewInMemoryQueue(0), nil
	case config.DriverSQLite:
		db, err := a.openSQL(ctx, driver)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewSQLiteQueue(ctx, db)
	case config.DriverPostgres:
		db, err := a.openSQL(ctx, driver)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewPostgresQueue(ctx, db)
	case config.DriverRedis:
		client, err := a.openRedis(ctx)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewRedisQueue(client, redisPrefix+"queue:"), nil
	case config.DriverMongo:
		client, err := a.openMongo(ctx)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewMongoQueue(client, a.cfg.Store.MongoDB, mongoTaskColl), nil
	}
	return nil, fmt.Errorf("unknown queue driver %q", driver)
}

func (a *app) broker(driver string) (stream.Broker, error) {
	switch driver {
	case config.DriverMemory:
		return stream.NewMemoryBroker(a.cfg.Stream.Buffer), nil
	case config.DriverRedis:
		// The client is opened by the store or queue when they use redis;
		// otherwise it is opened here without a context.
		client, err := a.openRedis(context.Background())
		if err != nil {
			return nil, err
		}
		return stream.NewRedisBroker(client, redisPrefix+"stream:", a.cfg.Stream.Buffer, a.logger), nil
	}
	return nil, fmt.Errorf("unknown stream driver %q", driver)
}

// Close releases clients in reverse order of opening.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}
