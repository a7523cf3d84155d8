package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lorenzkrinner/gitfix/internal/taskqueue"
	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// DefaultRetryDelay is how long a task waits after losing a lease race.
const DefaultRetryDelay = 500 * time.Millisecond

// Config holds worker-level behavior.
type Config struct {
	// RetryDelay delays a task re-enqueued because its instance was leased.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Worker pulls tasks from a Queue and executes them using an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config
}

// New creates a new Worker with default settings.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a Worker with a custom configuration.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		engine: engine,
		queue:  queue,
		cfg:    cfg,
	}
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained (ctx cancelled or dequeue failed)
//   - processed == true: a task was handled; err reports whether the run failed
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return true, w.handle(ctx, task)
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeRun, taskqueue.TaskTypeResume:
	default:
		// Unknown task type; surface it rather than silently dropping.
		return fmt.Errorf("unknown task type %q", task.Type)
	}

	logger := w.cfg.Logger.With(
		slog.String("instance_id", task.InstanceID),
		slog.String("task_id", task.ID),
		slog.String("task_type", string(task.Type)),
	)

	inst, err := w.engine.Execute(ctx, task.InstanceID)
	switch {
	case errors.Is(err, api.ErrLeaseHeld):
		retry := *task
		retry.Attempt++
		retry.NotBefore = time.Now().Add(w.cfg.RetryDelay)
		logger.Debug("instance leased, requeueing", slog.Int("attempt", retry.Attempt))
		if err := w.queue.Enqueue(ctx, retry); err != nil {
			return fmt.Errorf("requeue %s: %w", task.InstanceID, err)
		}
		return nil
	case errors.Is(err, api.ErrNotFound):
		logger.Warn("task for unknown instance dropped")
		return err
	case err != nil:
		logger.Error("run failed", slog.Any("error", err))
		return err
	}

	logger.Debug("task processed", slog.String("status", string(inst.Status)))
	return nil
}

// Run processes tasks until ctx is cancelled. Failed runs are logged and
// do not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !processed && err != nil {
			// Dequeue failed; back off before polling the queue again.
			w.cfg.Logger.Error("dequeue failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.RetryDelay):
			}
		}
	}
}
