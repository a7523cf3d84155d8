package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// fakeObserver records all calls from the engine so we can assert on them.
type fakeObserver struct {
	mu sync.Mutex

	starts     []string
	completes  []string
	suspends   []time.Time
	fails      []error
	stepStarts []string
	stepDone   []stepEvent
	replayed   []string
}

type stepEvent struct {
	Step string
	Err  error
}

func (o *fakeObserver) OnRunStart(ctx context.Context, inst *api.WorkflowInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts = append(o.starts, inst.ID)
}

func (o *fakeObserver) OnRunCompleted(ctx context.Context, inst *api.WorkflowInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completes = append(o.completes, inst.ID)
}

func (o *fakeObserver) OnRunSuspended(ctx context.Context, inst *api.WorkflowInstance, wakeAt time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.suspends = append(o.suspends, wakeAt)
}

func (o *fakeObserver) OnRunFailed(ctx context.Context, inst *api.WorkflowInstance, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fails = append(o.fails, err)
}

func (o *fakeObserver) OnStepStart(ctx context.Context, inst *api.WorkflowInstance, step string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepStarts = append(o.stepStarts, step)
}

func (o *fakeObserver) OnStepCompleted(ctx context.Context, inst *api.WorkflowInstance, step string, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepDone = append(o.stepDone, stepEvent{Step: step, Err: err})
}

func (o *fakeObserver) OnStepReplayed(ctx context.Context, inst *api.WorkflowInstance, step string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replayed = append(o.replayed, step)
}

func TestObserver_LifecycleAcrossSuspendAndReplay(t *testing.T) {
	ctx := context.Background()
	obs := &fakeObserver{}
	eng := New(Config{Observer: obs, InlineSleepMax: time.Millisecond})

	require.NoError(t, eng.RegisterWorkflow(testWorkflow, func(ctx context.Context, run *Run) error {
		if err := StepVoid(run, "one", func(ctx context.Context) error { return nil }); err != nil {
			return err
		}
		if err := run.Sleep("wait", 50*time.Millisecond); err != nil {
			return err
		}
		return StepVoid(run, "two", func(ctx context.Context) error { return nil })
	}))
	inst := createInstance(t, eng)

	_, err := eng.Execute(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, obs.suspends, 1)
	assert.Empty(t, obs.completes)

	time.Sleep(80 * time.Millisecond)
	_, err = eng.Execute(ctx, inst.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{inst.ID, inst.ID}, obs.starts)
	assert.Equal(t, []string{inst.ID}, obs.completes)
	assert.Equal(t, []string{"one", "two"}, obs.stepStarts)
	assert.Equal(t, []string{"one"}, obs.replayed)
	assert.Empty(t, obs.fails)
}

func TestObserver_StepFailure(t *testing.T) {
	ctx := context.Background()
	obs := &fakeObserver{}
	eng := New(Config{Observer: obs})
	boom := errors.New("boom")

	require.NoError(t, eng.RegisterWorkflow(testWorkflow, func(ctx context.Context, run *Run) error {
		return StepVoid(run, "explode", func(ctx context.Context) error { return boom })
	}))
	inst := createInstance(t, eng)

	_, err := eng.Execute(ctx, inst.ID)
	require.ErrorIs(t, err, boom)

	require.Len(t, obs.stepDone, 1)
	assert.Equal(t, "explode", obs.stepDone[0].Step)
	assert.ErrorIs(t, obs.stepDone[0].Err, boom)
	require.Len(t, obs.fails, 1)
	assert.ErrorIs(t, obs.fails[0], boom)
}

func TestObserver_BasicMetrics(t *testing.T) {
	ctx := context.Background()
	metrics := &api.BasicMetrics{}
	eng := New(Config{Observer: api.NewCompositeObserver(metrics, api.NewLoggingObserver(nil))})

	require.NoError(t, eng.RegisterWorkflow(testWorkflow, func(ctx context.Context, run *Run) error {
		return StepVoid(run, "only", func(ctx context.Context) error { return nil })
	}))
	inst := createInstance(t, eng)

	_, err := eng.Execute(ctx, inst.ID)
	require.NoError(t, err)

	snap := metrics.Snapshot()
	assert.EqualValues(t, 1, snap.RunsStarted)
	assert.EqualValues(t, 1, snap.RunsCompleted)
}
