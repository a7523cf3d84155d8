package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lorenzkrinner/gitfix"
	"github.com/lorenzkrinner/gitfix/internal/testutil"
	"github.com/lorenzkrinner/gitfix/pkg/worker"
)

// TestPostgresBundle_ResumesInNewBundle submits through one bundle and
// lets a second bundle on a separate connection pool process the task.
func TestPostgresBundle_ResumesInNewBundle(t *testing.T) {
	dsn := testutil.GetPostgresDSN(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db1, err := Open(ctx, dsn)
	require.NoError(t, err)
	first, err := NewBundle(ctx, db1, gitfix.Options{Pacing: gitfix.NoPacing}, worker.Config{})
	require.NoError(t, err)

	inst := &gitfix.WorkflowInstance{RepositoryID: "demo", IssueNumber: 2, Title: "Crash when the session expires"}
	require.NoError(t, gitfix.Submit(ctx, first.Engine, inst))
	require.NoError(t, db1.Close())

	db2, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db2.Close() })
	second, err := NewBundle(ctx, db2, gitfix.Options{Pacing: gitfix.NoPacing}, worker.Config{})
	require.NoError(t, err)

	processed, err := second.Worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got, err := second.Engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, gitfix.StatusAwaitingReview, got.Status)

	entries, err := gitfix.Timeline(ctx, second.Engine, inst.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}
