package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Pool runs a fixed number of workers against one queue.
type Pool struct {
	worker *Worker
	size   int
}

// NewPool creates a Pool of size goroutines, each driving w. Size is at
// least one.
func NewPool(w *Worker, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{worker: w, size: size}
}

// Run blocks until ctx is cancelled and every worker has returned.
func (p *Pool) Run(ctx context.Context) error {
	p.worker.cfg.Logger.Info("worker pool started", slog.Int("size", p.size))

	g, gctx := errgroup.WithContext(ctx)
	for range p.size {
		g.Go(func() error {
			return p.worker.Run(gctx)
		})
	}
	err := g.Wait()

	p.worker.cfg.Logger.Info("worker pool stopped")
	return err
}
