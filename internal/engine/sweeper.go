package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/lorenzkrinner/gitfix/internal/persistence"
	"github.com/lorenzkrinner/gitfix/internal/taskqueue"
	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// DefaultSweepSchedule is how often the sweeper looks for stalled runs.
const DefaultSweepSchedule = "@every 1m"

// Sweeper re-enqueues active instances that no run is making progress on,
// such as runs whose worker crashed after dequeuing their task.
type Sweeper struct {
	eng      *Engine
	schedule string
	grace    time.Duration
	logger   *slog.Logger

	cron *cronlib.Cron
}

// NewSweeper creates a Sweeper for eng. An empty schedule uses
// DefaultSweepSchedule. Instances touched within grace are left alone;
// zero means the engine's lease TTL.
func NewSweeper(eng *Engine, schedule string, grace time.Duration) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if grace <= 0 {
		grace = eng.leaseTTL
	}
	return &Sweeper{
		eng:      eng,
		schedule: schedule,
		grace:    grace,
		logger:   eng.logger.With(slog.String("component", "sweeper")),
	}
}

// Start schedules Sweep on the configured cron expression.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cronlib.New()
	_, err := c.AddFunc(s.schedule, func() {
		n, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("sweep failed", slog.Any("error", err))
			return
		}
		if n > 0 {
			s.logger.Info("re-enqueued stalled instances", slog.Int("count", n))
		}
	})
	if err != nil {
		return fmt.Errorf("sweep schedule %q: %w", s.schedule, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("sweeper started", slog.String("schedule", s.schedule))
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep enqueues a resume task for every active instance that is unleased,
// not waiting on a future wake time, and idle for longer than the grace
// period. It returns the number of tasks enqueued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := time.Now()
	n := 0
	for _, status := range activeStatuses {
		insts, err := s.eng.instances.ListInstances(ctx, persistence.InstanceFilter{Status: status})
		if err != nil {
			return n, err
		}
		for _, inst := range insts {
			if !s.stalled(inst, now) {
				continue
			}
			task := taskqueue.NewTask(taskqueue.TaskTypeResume, inst.ID, time.Time{})
			if err := s.eng.queue.Enqueue(ctx, task); err != nil {
				return n, fmt.Errorf("enqueue %s: %w", inst.ID, err)
			}
			n++
		}
	}
	return n, nil
}

var activeStatuses = []api.Status{api.StatusAnalyzing, api.StatusFixing, api.StatusPROpen}

func (s *Sweeper) stalled(inst *api.WorkflowInstance, now time.Time) bool {
	if !inst.Status.IsActive() {
		return false
	}
	if inst.LeaseOwner != "" && now.Before(inst.LeaseExpiresAt) {
		return false
	}
	if !inst.WakeAt.IsZero() && now.Before(inst.WakeAt.Add(s.grace)) {
		return false
	}
	return now.Sub(inst.UpdatedAt) > s.grace
}
