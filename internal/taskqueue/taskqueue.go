// Package taskqueue carries run and resume tasks from the engine to workers.
package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeRun starts or continues an instance's workflow.
	TaskTypeRun TaskType = "run"
	// TaskTypeResume continues a workflow parked on a long sleep.
	TaskTypeResume TaskType = "resume"
)

// Task represents a unit of work for the worker. Every task replays the
// instance's workflow from the top; the type only records why it was queued.
type Task struct {
	ID         string    `msgpack:"id"`
	Type       TaskType  `msgpack:"type"`
	InstanceID string    `msgpack:"instance_id"`
	Attempt    int       `msgpack:"attempt"`
	EnqueuedAt time.Time `msgpack:"enqueued_at"`

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time `msgpack:"not_before"`
}

// NewTask builds a task with a fresh id.
func NewTask(typ TaskType, instanceID string, notBefore time.Time) Task {
	return Task{
		ID:         uuid.NewString(),
		Type:       typ,
		InstanceID: instanceID,
		EnqueuedAt: time.Now().UTC(),
		NotBefore:  notBefore,
	}
}

// Ready reports whether the task may run at now.
func (t Task) Ready(now time.Time) bool {
	return t.NotBefore.IsZero() || !t.NotBefore.After(now)
}

// normalize fills the id and enqueue time of a task built by hand.
func normalize(t Task) Task {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	return t
}

// Queue is a simple async task queue interface. A dequeued task is removed
// from the queue; crash recovery relies on the engine's sweeper rather than
// on redelivery.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next ready task, blocking until one is
	// available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued, delayed ones included.
	Len() int
}
