package stream

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// RedisBroker fans messages out through Redis Pub/Sub, so workers and HTTP
// servers in different processes share channels. Each instance channel
// maps to the Redis channel <prefix><channel>.
type RedisBroker struct {
	client  redis.UniversalClient
	prefix  string
	buffer  int
	logger  *slog.Logger
	dropped atomic.Uint64
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker creates a RedisBroker. prefix defaults to "gitfix:stream:".
func NewRedisBroker(client redis.UniversalClient, prefix string, buffer int, logger *slog.Logger) *RedisBroker {
	if prefix == "" {
		prefix = "gitfix:stream:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{
		client: client,
		prefix: prefix,
		buffer: buffer,
		logger: logger,
	}
}

func (b *RedisBroker) Publish(ctx context.Context, msg api.StreamMessage) error {
	data, err := MarshalMsgpack(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.prefix+msg.Channel, data).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string, topics []api.Topic) (api.Subscription, error) {
	ps := b.client.Subscribe(ctx, b.prefix+channel)
	// Wait for the confirmation so messages published after Subscribe
	// returns are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, api.StorageError("subscribe", err)
	}

	sub := newSubscription(topics, b.buffer)
	done := make(chan struct{})
	sub.onClose = func() {
		_ = ps.Close()
		<-done
	}

	go func() {
		defer close(done)
		defer close(sub.ch)

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = ps.Close()
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				msg, err := UnmarshalMsgpack([]byte(raw.Payload))
				if err != nil {
					b.logger.Warn("dropping undecodable stream message",
						slog.String("channel", channel),
						slog.Any("error", err))
					continue
				}
				if !sub.wants(msg.Topic) {
					continue
				}
				if !sub.offer(msg) {
					b.dropped.Add(1)
				}
			}
		}
	}()
	return sub, nil
}

// Dropped returns how many messages were discarded for full subscribers.
func (b *RedisBroker) Dropped() uint64 {
	return b.dropped.Load()
}

// Close is a no-op; the client is owned by the caller.
func (b *RedisBroker) Close() error { return nil }
