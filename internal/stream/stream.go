// Package stream delivers live StreamMessages on per-instance channels.
//
// Publishing is fire-and-forget: a slow subscriber loses messages rather
// than stalling the workflow. Consumers recover missed updates from the
// durable activity log.
package stream

import (
	"context"
	"slices"
	"sync"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// DefaultBuffer is the per-subscriber buffer when none is configured.
const DefaultBuffer = 256

// Broker publishes and subscribes stream messages.
type Broker interface {
	Publish(ctx context.Context, msg api.StreamMessage) error
	// Subscribe returns messages on channel whose topic is in topics. An
	// empty topics slice means every topic. The subscription ends when ctx
	// is done or Close is called.
	Subscribe(ctx context.Context, channel string, topics []api.Topic) (api.Subscription, error)
	Close() error
}

// subscription is the buffered, topic-filtered consumer end shared by the
// brokers.
type subscription struct {
	topics []api.Topic
	ch     chan api.StreamMessage

	once    sync.Once
	onClose func()
}

func newSubscription(topics []api.Topic, buffer int) *subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &subscription{
		topics: slices.Clone(topics),
		ch:     make(chan api.StreamMessage, buffer),
	}
}

func (s *subscription) wants(t api.Topic) bool {
	return len(s.topics) == 0 || slices.Contains(s.topics, t)
}

// offer delivers msg without blocking and reports whether it was accepted.
func (s *subscription) offer(msg api.StreamMessage) bool {
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *subscription) C() <-chan api.StreamMessage { return s.ch }

func (s *subscription) Close() {
	s.once.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
	})
}
