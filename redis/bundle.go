// Package redis builds gitfix bundles whose state, queue and live stream
// all live in Redis.
package redis

import (
	"github.com/redis/go-redis/v9"

	"github.com/lorenzkrinner/gitfix"
	"github.com/lorenzkrinner/gitfix/internal/persistence"
	"github.com/lorenzkrinner/gitfix/internal/stream"
	"github.com/lorenzkrinner/gitfix/internal/taskqueue"
	"github.com/lorenzkrinner/gitfix/pkg/worker"
)

// DefaultPrefix namespaces every key the bundle writes.
const DefaultPrefix = "gitfix:"

// NewBundle returns a Redis-backed engine and worker. Instances, activity
// and checkpoints are stored under prefix, tasks under prefix+"queue:" and
// stream channels under prefix+"stream:". Several processes sharing a
// client's server see the same instances and live updates.
func NewBundle(client redis.UniversalClient, prefix string, opts gitfix.Options, cfg worker.Config) (*gitfix.WorkerBundle, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return gitfix.NewBundle(gitfix.Backend{
		Persistence: persistence.FromStore(persistence.NewRedisStore(client, prefix)),
		Queue:       taskqueue.NewRedisQueue(client, prefix+"queue:"),
		Broker:      stream.NewRedisBroker(client, prefix+"stream:", stream.DefaultBuffer, opts.Logger),
	}, opts, cfg)
}
