package gitfix

import (
	"context"
	"errors"
	"sync"

	"github.com/lorenzkrinner/gitfix/internal/engine"
	"github.com/lorenzkrinner/gitfix/internal/taskqueue"
	"github.com/lorenzkrinner/gitfix/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, its task queue, and a Worker to
// provide a simple local runner for development and debugging.
//
// Typical usage:
//
//	runner, _ := gitfix.NewLocalRunner(gitfix.Options{Pacing: gitfix.NoPacing})
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
//
//	inst := &gitfix.WorkflowInstance{RepositoryID: "demo", Title: "Crash on login"}
//	_ = runner.Submit(ctx, inst)
//	done, _ := runner.Wait(ctx, inst.ID)
type LocalRunner struct {
	// Engine is the in-memory engine used by this runner.
	Engine Engine

	// Queue is the in-memory task queue used by the Worker.
	Queue taskqueue.Queue

	// Worker processes tasks from Queue using Engine.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine with
// the triage-and-fix workflow registered.
func NewLocalRunner(opts Options) (*LocalRunner, error) {
	eng := engine.New(opts.engineConfig())
	if err := opts.register(eng); err != nil {
		return nil, err
	}
	return &LocalRunner{
		Engine: eng,
		Queue:  eng.Queue(),
		Worker: worker.NewWithConfig(eng, eng.Queue(), worker.Config{Logger: opts.Logger}),
	}, nil
}

// StartWorkers starts a pool of concurrency workers that run until Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("gitfix: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	pool := worker.NewPool(r.Worker, concurrency)
	go func(done chan struct{}) {
		defer close(done)
		_ = pool.Run(ctx)
	}(r.done)
	return nil
}

// Stop cancels the workers started by StartWorkers and waits for them to
// exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	<-done
}

// Submit creates inst and enqueues its first run.
func (r *LocalRunner) Submit(ctx context.Context, inst *WorkflowInstance) error {
	return Submit(ctx, r.Engine, inst)
}

// Wait blocks until the instance reaches a terminal status.
func (r *LocalRunner) Wait(ctx context.Context, id string) (*WorkflowInstance, error) {
	return WaitFor(ctx, r.Engine, id, 0)
}
