package taskqueue

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements the Queue interface using Redis.
//
// It uses a single sorted set with key:
//
//	<prefix>tasks
//
// Members are msgpack-encoded tasks scored by their NotBefore in
// milliseconds.
type RedisQueue struct {
	client       redis.UniversalClient
	key          string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "gitfix:").
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "gitfix:"
	}
	return &RedisQueue{
		client:       client,
		key:          prefix + "tasks",
		pollInterval: 50 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// Pops the lowest-scored member whose score is <= ARGV[1].
var redisClaimTask = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then
	return false
end
redis.call('ZREM', KEYS[1], items[1])
return items[1]
`)

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	t = normalize(t)
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	score := t.EnqueuedAt
	if !t.NotBefore.IsZero() {
		score = t.NotBefore
	}
	// Round up so a task never becomes ready before its NotBefore.
	ms := (score.UnixNano() + int64(time.Millisecond) - 1) / int64(time.Millisecond)
	return q.client.ZAdd(ctx, q.key, redis.Z{Score: float64(ms), Member: data}).Err()
}

// Dequeue polls for a ready task until one is available or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		res, err := redisClaimTask.Run(ctx, q.client, []string{q.key}, now).Text()
		if err == nil {
			return DecodeTask([]byte(res))
		}
		if err != redis.Nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// Len returns the approximate number of tasks queued (ZCARD).
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.key).Result()
	if err != nil {
		slog.Warn("redis queue length failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
