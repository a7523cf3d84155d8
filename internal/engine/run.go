package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lorenzkrinner/gitfix/internal/persistence"
	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// ErrLeaseLost is returned when a run's lease was taken over mid-replay.
var ErrLeaseLost = errors.New("lease lost")

// Run is the per-execution handle a WorkflowFunc uses to reach the engine.
// It is not safe for concurrent use.
type Run struct {
	ctx   context.Context
	eng   *Engine
	inst  *api.WorkflowInstance
	repo  api.Repository
	owner string

	seen map[string]struct{}
}

// Context returns the execution's context.
func (r *Run) Context() context.Context { return r.ctx }

// Instance returns a copy of the instance as last written by this run.
func (r *Run) Instance() *api.WorkflowInstance { return r.inst.Clone() }

// Repository returns the configuration of the instance's repository.
func (r *Run) Repository() api.Repository { return r.repo }

// Logger returns a logger scoped to the instance.
func (r *Run) Logger() *slog.Logger {
	return r.eng.logger.With(slog.String("instance_id", r.inst.ID))
}

// Update applies fn to the instance and persists the result.
func (r *Run) Update(fn func(*api.WorkflowInstance)) error {
	next := r.inst.Clone()
	fn(next)
	next.UpdatedAt = time.Now().UTC()
	if err := r.eng.instances.UpdateInstance(r.ctx, next); err != nil {
		return fmt.Errorf("update instance %s: %w", next.ID, err)
	}
	r.inst = next
	return nil
}

// Append durably records d in the activity log. Call it from inside a step
// body so that replays do not duplicate the record.
func (r *Run) Append(d api.Details) error {
	if _, err := r.eng.activity.AppendActivity(r.ctx, r.inst.ID, d); err != nil {
		return fmt.Errorf("append %s: %w", d.Topic(), err)
	}
	return nil
}

// Publish sends d to live subscribers. Delivery is best effort; failures are
// logged and never fail the run.
func (r *Run) Publish(d api.Details) {
	msg := api.NewStreamMessage(r.inst.ID, d)
	if err := r.eng.broker.Publish(r.ctx, msg); err != nil {
		r.Logger().Warn("publish failed",
			slog.String("topic", string(msg.Topic)),
			slog.String("correlation_id", msg.CorrelationID),
			slog.Any("error", err))
	}
}

// claim registers key for this execution and rejects reuse.
func (r *Run) claim(key string) error {
	if _, dup := r.seen[key]; dup {
		return fmt.Errorf("%s: %w", key, api.ErrDuplicateStep)
	}
	r.seen[key] = struct{}{}
	return nil
}

// renew extends the lease before work that must not overlap another run.
func (r *Run) renew() error {
	ok, err := r.eng.instances.TryAcquireLease(r.ctx, r.inst.ID, r.owner, r.eng.leaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("instance %s: %w", r.inst.ID, ErrLeaseLost)
	}
	return nil
}

// Step runs fn at most once per instance and step id. A completed step's
// result is persisted before Step returns; later replays decode it instead
// of calling fn. A failing fn persists nothing and yields a *api.StepError.
func Step[T any](r *Run, id string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := r.claim("step:" + id); err != nil {
		return zero, err
	}

	e := r.eng
	data, ok, err := e.checkpoints.LoadStep(r.ctx, r.inst.ID, id)
	if err != nil {
		return zero, err
	}
	if ok {
		v, err := persistence.DecodeResult[T](data)
		if err != nil {
			return zero, fmt.Errorf("decode step %s: %w", id, err)
		}
		e.observer.OnStepReplayed(r.ctx, r.inst, id)
		return v, nil
	}

	if err := r.renew(); err != nil {
		return zero, err
	}

	e.observer.OnStepStart(r.ctx, r.inst, id)
	start := time.Now()
	v, err := fn(r.ctx)
	if err != nil {
		serr := &api.StepError{StepID: id, Err: err}
		e.observer.OnStepCompleted(r.ctx, r.inst, id, serr, time.Since(start))
		return zero, serr
	}

	encoded, err := persistence.EncodeResult(v)
	if err == nil {
		err = e.checkpoints.SaveStep(r.ctx, r.inst.ID, id, encoded)
	}
	e.observer.OnStepCompleted(r.ctx, r.inst, id, err, time.Since(start))
	if err != nil {
		return zero, fmt.Errorf("save step %s: %w", id, err)
	}
	return v, nil
}

// StepVoid is Step for bodies without a result.
func StepVoid(r *Run, id string, fn func(ctx context.Context) error) error {
	_, err := Step(r, id, func(ctx context.Context) (bool, error) {
		if err := fn(ctx); err != nil {
			return false, err
		}
		return true, nil
	})
	return err
}

// suspendError unwinds a workflow parked on a long sleep.
type suspendError struct {
	sleepID string
	wakeAt  time.Time
}

func (e *suspendError) Error() string {
	return fmt.Sprintf("suspended on %s until %s", e.sleepID, e.wakeAt.Format(time.RFC3339))
}

// Sleep waits until d after the sleep was first reached. The wake time is
// persisted on first encounter, so time spent suspended or crashed counts.
// Short remaining waits happen inline; longer ones suspend the run and the
// returned error must be propagated out of the workflow.
func (r *Run) Sleep(id string, d time.Duration) error {
	if err := r.claim("sleep:" + id); err != nil {
		return err
	}

	e := r.eng
	wakeAt, ok, err := e.checkpoints.LoadWake(r.ctx, r.inst.ID, id)
	if err != nil {
		return err
	}
	if !ok {
		wakeAt, err = e.checkpoints.SaveWake(r.ctx, r.inst.ID, id, time.Now().UTC().Add(d))
		if err != nil {
			return fmt.Errorf("save wake %s: %w", id, err)
		}
	}

	remaining := time.Until(wakeAt)
	if remaining <= 0 {
		return nil
	}
	if remaining > e.inlineSleepMax {
		return &suspendError{sleepID: id, wakeAt: wakeAt}
	}

	if err := r.renew(); err != nil {
		return err
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}
