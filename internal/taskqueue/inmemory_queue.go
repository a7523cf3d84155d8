package taskqueue

import (
	"context"
	"sync/atomic"
	"time"
)

// InMemoryQueue is a simple Queue implementation backed by a buffered channel.
// Delayed tasks wait on a timer and enter the channel once they are ready.
// It is safe for concurrent use.
type InMemoryQueue struct {
	ch      chan Task
	delayed atomic.Int64
}

// NewInMemoryQueue creates a new queue with the given capacity.
// For tests and small deployments, a modest capacity (e.g. 1024) is fine.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		ch: make(chan Task, capacity),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	t = normalize(t)

	if wait := time.Until(t.NotBefore); !t.NotBefore.IsZero() && wait > 0 {
		q.delayed.Add(1)
		time.AfterFunc(wait, func() {
			q.ch <- t
			q.delayed.Add(-1)
		})
		return nil
	}

	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case t := <-q.ch:
		return &t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryQueue) Len() int {
	return len(q.ch) + int(q.delayed.Load())
}
