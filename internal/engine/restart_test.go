package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorenzkrinner/gitfix/internal/persistence"
	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// process is one engine lifetime over a SQLite file. Closing it stands in
// for the process exiting.
type process struct {
	db    *sql.DB
	eng   *Engine
	store *persistence.SQLiteStore
}

func startProcess(t *testing.T, path string, cfg Config, wf WorkflowFunc) *process {
	t.Helper()
	ctx := context.Background()
	db, err := persistence.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	eng, err := NewSQLiteEngine(ctx, db, cfg)
	require.NoError(t, err)
	require.NoError(t, eng.RegisterWorkflow(testWorkflow, wf))
	store, err := persistence.NewSQLiteStore(ctx, db)
	require.NoError(t, err)
	return &process{db: db, eng: eng, store: store}
}

func (p *process) stop(t *testing.T) {
	t.Helper()
	require.NoError(t, p.db.Close())
}

func TestRestart_SleepKeepsOriginalWakeTime(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gitfix.db")
	const pause = 600 * time.Millisecond

	var mu sync.Mutex
	var finishedAt time.Time
	wf := func(ctx context.Context, run *Run) error {
		if err := run.Sleep("wait-ci", pause); err != nil {
			return err
		}
		return StepVoid(run, "after", func(ctx context.Context) error {
			mu.Lock()
			finishedAt = time.Now()
			mu.Unlock()
			return run.Update(func(w *api.WorkflowInstance) { w.Status = api.StatusAwaitingReview })
		})
	}
	cfg := Config{InlineSleepMax: 10 * time.Millisecond}

	first := startProcess(t, path, cfg, wf)
	inst := createInstance(t, first.eng)
	entered := time.Now()
	got, err := first.eng.Execute(ctx, inst.ID)
	require.NoError(t, err)
	wakeAt := got.WakeAt
	require.False(t, wakeAt.IsZero())
	first.stop(t)

	time.Sleep(pause / 2)
	second := startProcess(t, path, cfg, wf)

	got, err = second.eng.Execute(ctx, inst.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, wakeAt, got.WakeAt, time.Millisecond)

	// A resume that arrives early re-enters the sleep and parks on the
	// stored wake time instead of starting the pause over.
	early, err := second.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	early.WakeAt = time.Time{}
	require.NoError(t, second.store.UpdateInstance(ctx, early))

	got, err = second.eng.Execute(ctx, inst.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, wakeAt, got.WakeAt, time.Millisecond)
	stored, ok, err := second.store.LoadWake(ctx, inst.ID, "wait-ci")
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, wakeAt, stored, time.Millisecond)

	time.Sleep(time.Until(got.WakeAt) + 5*time.Millisecond)
	got, err = second.eng.Execute(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusAwaitingReview, got.Status)

	mu.Lock()
	suspended := finishedAt.Sub(entered)
	mu.Unlock()
	assert.GreaterOrEqual(t, suspended, pause)
	assert.Less(t, suspended, pause+pause/2)
}

func TestRestart_KilledRunReplaysEachStepOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gitfix.db")
	const steps, killAfter = 5, 3

	var mu sync.Mutex
	bodies := make(map[string]int)
	workflow := func(kill bool) WorkflowFunc {
		return func(ctx context.Context, run *Run) error {
			for i := 1; i <= steps; i++ {
				id := fmt.Sprintf("step-%d", i)
				if err := StepVoid(run, id, func(ctx context.Context) error {
					mu.Lock()
					bodies[id]++
					mu.Unlock()
					return run.Append(api.TextGeneratedDetails{Content: id, StreamID: id, Status: api.ActivityCompleted})
				}); err != nil {
					return err
				}
				if kill && i == killAfter {
					return errors.New("killed")
				}
			}
			return run.Update(func(w *api.WorkflowInstance) { w.Status = api.StatusAwaitingReview })
		}
	}

	first := startProcess(t, path, Config{}, workflow(true))
	inst := createInstance(t, first.eng)
	_, err := first.eng.Execute(ctx, inst.ID)
	require.Error(t, err)
	first.stop(t)

	second := startProcess(t, path, Config{}, workflow(false))
	got, err := second.eng.Execute(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusAwaitingReview, got.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, steps)
	for id, n := range bodies {
		assert.Equal(t, 1, n, id)
	}

	recs, err := second.eng.ListActivity(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, recs, steps)
	for i, r := range recs {
		assert.Equal(t, fmt.Sprintf("step-%d", i+1), r.Details.Correlation())
	}
}
