package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// MemoryBroker is an in-process Broker with a per-channel subscriber
// registry.
type MemoryBroker struct {
	mu       sync.RWMutex
	channels map[string]map[*subscription]struct{}
	buffer   int
	dropped  atomic.Uint64
	closed   bool
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates a broker whose subscribers buffer up to buffer
// messages.
func NewMemoryBroker(buffer int) *MemoryBroker {
	return &MemoryBroker{
		channels: make(map[string]map[*subscription]struct{}),
		buffer:   buffer,
	}
}

// Publish never blocks. Messages for a full subscriber are dropped and
// counted.
func (b *MemoryBroker) Publish(ctx context.Context, msg api.StreamMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.channels[msg.Channel] {
		if !sub.wants(msg.Topic) {
			continue
		}
		if !sub.offer(msg) {
			b.dropped.Add(1)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, channel string, topics []api.Topic) (api.Subscription, error) {
	sub := newSubscription(topics, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub, nil
	}
	subs, ok := b.channels[channel]
	if !ok {
		subs = make(map[*subscription]struct{})
		b.channels[channel] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	stop := make(chan struct{})
	sub.onClose = func() {
		close(stop)
		b.remove(channel, sub)
	}
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-stop:
		}
	}()
	return sub, nil
}

// remove unregisters sub and closes its channel. Publish holds the read
// lock while sending, so the close cannot race a send.
func (b *MemoryBroker) remove(channel string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.channels[channel]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.channels, channel)
	}
	close(sub.ch)
}

// Subscribers returns the number of live subscriptions on channel.
func (b *MemoryBroker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

// Dropped returns how many messages were discarded for full subscribers.
func (b *MemoryBroker) Dropped() uint64 {
	return b.dropped.Load()
}

// Close ends every subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for channel, subs := range b.channels {
		for sub := range subs {
			close(sub.ch)
		}
		delete(b.channels, channel)
	}
	return nil
}
