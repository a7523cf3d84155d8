package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// WorkflowFunc is a durable workflow body. The engine replays it from the
// top on every run; completed steps return their memoized results, so the
// function must reach the same step ids in the same order each time.
//
// A WorkflowFunc must return errors from Step and Run.Sleep unchanged so
// that suspension reaches the engine.
type WorkflowFunc func(ctx context.Context, run *Run) error

type workflowRegistry struct {
	mu     sync.RWMutex
	byName map[string]WorkflowFunc
}

func newWorkflowRegistry() *workflowRegistry {
	return &workflowRegistry{
		byName: make(map[string]WorkflowFunc),
	}
}

func (r *workflowRegistry) Register(name string, fn WorkflowFunc) error {
	if name == "" {
		return errors.New("workflow name is required")
	}
	if fn == nil {
		return fmt.Errorf("workflow %q: nil function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("workflow %q already registered", name)
	}
	r.byName[name] = fn
	return nil
}

func (r *workflowRegistry) Get(name string) (WorkflowFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", name, api.ErrWorkflowNotFound)
	}
	return fn, nil
}
