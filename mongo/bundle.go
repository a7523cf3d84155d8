// Package mongo builds gitfix bundles backed by MongoDB.
package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/lorenzkrinner/gitfix"
	"github.com/lorenzkrinner/gitfix/internal/persistence"
	"github.com/lorenzkrinner/gitfix/internal/taskqueue"
	"github.com/lorenzkrinner/gitfix/pkg/worker"
)

// TasksCollection holds queued run and resume tasks.
const TasksCollection = "tasks"

// NewBundle returns an engine and worker whose state and tasks live in the
// dbName database. An empty dbName means "gitfix".
func NewBundle(ctx context.Context, client *mongo.Client, dbName string, opts gitfix.Options, cfg worker.Config) (*gitfix.WorkerBundle, error) {
	store, err := persistence.NewMongoStore(ctx, client, dbName)
	if err != nil {
		return nil, err
	}
	return gitfix.NewBundle(gitfix.Backend{
		Persistence: persistence.FromStore(store),
		Queue:       taskqueue.NewMongoQueue(client, dbName, TasksCollection),
	}, opts, cfg)
}
