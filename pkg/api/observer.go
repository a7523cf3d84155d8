package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the workflow engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnRunStart is called each time the engine begins replaying an
	// instance, including resumes after a sleep.
	OnRunStart(ctx context.Context, inst *WorkflowInstance)

	// OnRunCompleted is called when the workflow function returns and the
	// instance holds a terminal status.
	OnRunCompleted(ctx context.Context, inst *WorkflowInstance)

	// OnRunSuspended is called when a run parks on a long sleep.
	OnRunSuspended(ctx context.Context, inst *WorkflowInstance, wakeAt time.Time)

	// OnRunFailed is called when a run stops on an engine fault or an
	// unhandled step error.
	OnRunFailed(ctx context.Context, inst *WorkflowInstance, err error)

	// OnStepStart is called before a step body is invoked. Memoized steps
	// do not trigger it.
	OnStepStart(ctx context.Context, inst *WorkflowInstance, stepID string)

	// OnStepCompleted is called after a step body returns, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, inst *WorkflowInstance, stepID string, err error, duration time.Duration)

	// OnStepReplayed is called when a step returns its memoized result.
	OnStepReplayed(ctx context.Context, inst *WorkflowInstance, stepID string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, inst *WorkflowInstance)     {}
func (NoopObserver) OnRunCompleted(ctx context.Context, inst *WorkflowInstance) {}
func (NoopObserver) OnRunSuspended(ctx context.Context, inst *WorkflowInstance, wakeAt time.Time) {
}
func (NoopObserver) OnRunFailed(ctx context.Context, inst *WorkflowInstance, err error)   {}
func (NoopObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step string) {}
func (NoopObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step string, err error, d time.Duration) {
}
func (NoopObserver) OnStepReplayed(ctx context.Context, inst *WorkflowInstance, step string) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnRunSuspended(ctx context.Context, inst *WorkflowInstance, wakeAt time.Time) {
	for _, o := range c.observers {
		o.OnRunSuspended(ctx, inst, wakeAt)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step string) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, inst, step)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, inst, step, err, d)
	}
}

func (c *CompositeObserver) OnStepReplayed(ctx context.Context, inst *WorkflowInstance, step string) {
	for _, o := range c.observers {
		o.OnStepReplayed(ctx, inst, step)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "run_start",
		slog.String("workflow", inst.Workflow),
		slog.String("instance_id", inst.ID),
		slog.String("status", string(inst.Status)),
	)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "run_completed",
		slog.String("workflow", inst.Workflow),
		slog.String("instance_id", inst.ID),
		slog.String("status", string(inst.Status)),
	)
}

func (o *LoggingObserver) OnRunSuspended(ctx context.Context, inst *WorkflowInstance, wakeAt time.Time) {
	o.Logger.InfoContext(ctx, "run_suspended",
		slog.String("workflow", inst.Workflow),
		slog.String("instance_id", inst.ID),
		slog.Time("wake_at", wakeAt),
	)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	o.Logger.ErrorContext(ctx, "run_failed",
		slog.String("workflow", inst.Workflow),
		slog.String("instance_id", inst.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step string) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("instance_id", inst.ID),
		slog.String("step", step),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("instance_id", inst.ID),
		slog.String("step", step),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepReplayed(ctx context.Context, inst *WorkflowInstance, step string) {
	o.Logger.DebugContext(ctx, "step_replayed",
		slog.String("instance_id", inst.ID),
		slog.String("step", step),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted       atomic.Int64
	runsCompleted     atomic.Int64
	runsSuspended     atomic.Int64
	runsFailed        atomic.Int64
	stepsCompleted    atomic.Int64
	stepsFailed       atomic.Int64
	stepsReplayed     atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsSuspended int64
	RunsFailed    int64

	StepsCompleted  int64
	StepsFailed     int64
	StepsReplayed   int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, inst *WorkflowInstance) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunCompleted(ctx context.Context, inst *WorkflowInstance) {
	m.runsCompleted.Add(1)
}

func (m *BasicMetrics) OnRunSuspended(ctx context.Context, inst *WorkflowInstance, wakeAt time.Time) {
	m.runsSuspended.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step string, err error, d time.Duration) {
	if err != nil {
		m.stepsFailed.Add(1)
		return
	}
	// Only successful steps count toward the average duration.
	m.stepsCompleted.Add(1)
	m.totalStepDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnStepReplayed(ctx context.Context, inst *WorkflowInstance, step string) {
	m.stepsReplayed.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		RunsStarted:     m.runsStarted.Load(),
		RunsCompleted:   m.runsCompleted.Load(),
		RunsSuspended:   m.runsSuspended.Load(),
		RunsFailed:      m.runsFailed.Load(),
		StepsCompleted:  steps,
		StepsFailed:     m.stepsFailed.Load(),
		StepsReplayed:   m.stepsReplayed.Load(),
		AvgStepDuration: avg,
	}
}
