package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runQueueContract checks the behavior every Queue implementation shares.
// newQueue must return an empty queue.
func runQueueContract(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Run("fifo", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, q.Enqueue(ctx, NewTask(TaskTypeRun, id, time.Time{})))
			// Distinct enqueue times keep ordering deterministic on stores
			// that sort by time.
			time.Sleep(2 * time.Millisecond)
		}
		assert.Equal(t, 3, q.Len())

		for _, want := range []string{"a", "b", "c"} {
			got := dequeueWithin(t, q, 2*time.Second)
			assert.Equal(t, want, got.InstanceID)
			assert.Equal(t, TaskTypeRun, got.Type)
			assert.NotEmpty(t, got.ID)
		}
		assert.Equal(t, 0, q.Len())
	})

	t.Run("delayed task waits for NotBefore", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		wake := time.Now().Add(300 * time.Millisecond)
		require.NoError(t, q.Enqueue(ctx, NewTask(TaskTypeResume, "later", wake)))
		require.NoError(t, q.Enqueue(ctx, NewTask(TaskTypeRun, "now", time.Time{})))

		first := dequeueWithin(t, q, 2*time.Second)
		assert.Equal(t, "now", first.InstanceID)

		short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err := q.Dequeue(short)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		second := dequeueWithin(t, q, 2*time.Second)
		assert.Equal(t, "later", second.InstanceID)
		assert.Equal(t, TaskTypeResume, second.Type)
		assert.False(t, time.Now().Before(wake), "resume task delivered before its wake time")
	})

	t.Run("dequeue honours cancellation", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := q.Dequeue(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func dequeueWithin(t *testing.T, q Queue, d time.Duration) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func TestEncodeDecodeTask(t *testing.T) {
	in := NewTask(TaskTypeResume, "issue-1", time.Now().Add(time.Hour))
	in.Attempt = 3

	data, err := EncodeTask(in)
	require.NoError(t, err)

	out, err := DecodeTask(data)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.InstanceID, out.InstanceID)
	assert.Equal(t, 3, out.Attempt)
	assert.True(t, in.NotBefore.Equal(out.NotBefore))
}

func TestTaskReady(t *testing.T) {
	now := time.Now()
	assert.True(t, Task{}.Ready(now))
	assert.True(t, Task{NotBefore: now}.Ready(now))
	assert.False(t, Task{NotBefore: now.Add(time.Second)}.Ready(now))
}
