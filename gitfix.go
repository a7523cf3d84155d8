package gitfix

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/lorenzkrinner/gitfix/internal/engine"
	"github.com/lorenzkrinner/gitfix/internal/triage"
	"github.com/lorenzkrinner/gitfix/pkg/api"
	"github.com/lorenzkrinner/gitfix/pkg/timeline"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	WorkflowInstance     = api.WorkflowInstance
	InstanceListOptions  = api.InstanceListOptions
	Status               = api.Status
	Classification       = api.Classification
	Repository           = api.Repository
	Repositories         = api.Repositories
	StaticRepositories   = api.StaticRepositories
	Commenter            = api.Commenter
	ActivityRecord       = api.ActivityRecord
	StreamMessage        = api.StreamMessage
	Subscription         = api.Subscription
	Topic                = api.Topic
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	// Agent is the reasoning backend the triage-and-fix workflow drives.
	Agent  = triage.Agent
	Pacing = triage.Pacing
)

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	// NoPacing runs the simulated agent without delays.
	NoPacing = triage.NoPacing
	// DefaultPacing spaces the simulated run out for live viewers.
	DefaultPacing = triage.DefaultPacing
)

const (
	StatusAnalyzing      = api.StatusAnalyzing
	StatusFixing         = api.StatusFixing
	StatusPROpen         = api.StatusPROpen
	StatusAwaitingReview = api.StatusAwaitingReview
	StatusResolved       = api.StatusResolved
	StatusEscalated      = api.StatusEscalated
	StatusTooComplex     = api.StatusTooComplex
	StatusSkipped        = api.StatusSkipped

	ModeApproval = api.ModeApproval
	ModeAuto     = api.ModeAuto
)

// Options configures engines built by this package. Zero values get the
// engine's defaults and the simulated agent.
type Options struct {
	Repositories api.Repositories
	Commenter    api.Commenter
	Observer     api.Observer
	Agent        Agent
	Pacing       Pacing
	Logger       *slog.Logger

	// InlineSleepMax is the longest sleep a run waits out in place.
	InlineSleepMax time.Duration
}

func (o Options) engineConfig() engine.Config {
	return engine.Config{
		Repositories:   o.Repositories,
		Commenter:      o.Commenter,
		Observer:       o.Observer,
		Logger:         o.Logger,
		InlineSleepMax: o.InlineSleepMax,
	}
}

func (o Options) register(eng *engine.Engine) error {
	return triage.Register(eng, triage.New(triage.Config{
		Agent:     o.Agent,
		Pacing:    o.Pacing,
		Commenter: o.Commenter,
		Logger:    o.Logger,
	}))
}

// Engine constructors.
// These wrap the internal/engine package so external callers never need to
// import internal packages. The triage-and-fix workflow is registered on
// every engine they return.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine(opts Options) (Engine, error) {
	eng := engine.New(opts.engineConfig())
	if err := opts.register(eng); err != nil {
		return nil, err
	}
	return eng, nil
}

// NewSQLiteEngine returns an Engine whose instances, activity log,
// checkpoints and task queue live in db.
func NewSQLiteEngine(ctx context.Context, db *sql.DB, opts Options) (Engine, error) {
	eng, err := engine.NewSQLiteEngine(ctx, db, opts.engineConfig())
	if err != nil {
		return nil, err
	}
	if err := opts.register(eng); err != nil {
		return nil, err
	}
	return eng, nil
}

// Convenience helpers that forward to the underlying Engine.

// Submit creates inst and schedules its first run.
func Submit(ctx context.Context, eng Engine, inst *WorkflowInstance) error {
	if err := eng.CreateInstance(ctx, inst); err != nil {
		return err
	}
	return eng.Enqueue(ctx, inst.ID)
}

// Timeline returns the reconciled activity timeline of an instance.
func Timeline(ctx context.Context, eng Engine, id string) ([]timeline.Entry, error) {
	recs, err := eng.ListActivity(ctx, id)
	if err != nil {
		return nil, err
	}
	tl := timeline.New()
	tl.Seed(recs)
	return tl.Entries(), nil
}

// WaitFor polls id until its status is terminal or ctx ends.
func WaitFor(ctx context.Context, eng Engine, id string, every time.Duration) (*WorkflowInstance, error) {
	if every <= 0 {
		every = 20 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		inst, err := eng.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status.IsTerminal() {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-t.C:
		}
	}
}
