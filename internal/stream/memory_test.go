package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

func reasoning(content string) api.StreamMessage {
	return api.NewStreamMessage("issue-1", api.ReasoningDetails{
		Content:  content,
		StreamID: "reasoning-initial",
		Status:   api.ActivityStreaming,
	})
}

func receive(t *testing.T, sub api.Subscription) api.StreamMessage {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return api.StreamMessage{}
}

func TestMemoryBroker_DeliversInOrderWithTopicFilter(t *testing.T) {
	b := NewMemoryBroker(16)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, api.ChannelFor("issue-1"), []api.Topic{api.TopicReasoning})
	require.NoError(t, err)
	defer sub.Close()

	other, err := b.Subscribe(ctx, api.ChannelFor("issue-2"), nil)
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, b.Publish(ctx, reasoning("a")))
	require.NoError(t, b.Publish(ctx, api.NewStreamMessage("issue-1", api.FileReadDetails{FilePath: "x.ts", StepID: "read-1"})))
	require.NoError(t, b.Publish(ctx, reasoning("a b")))

	assert.Equal(t, "a", receive(t, sub).Data.(api.ReasoningDetails).Content)
	assert.Equal(t, "a b", receive(t, sub).Data.(api.ReasoningDetails).Content)

	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected message %v", msg.Topic)
	case msg := <-other.C():
		t.Fatalf("message leaked to another channel: %v", msg.Topic)
	default:
	}
}

func TestMemoryBroker_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := NewMemoryBroker(2)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, api.ChannelFor("issue-1"), nil)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, reasoning("x")))
	}
	assert.Equal(t, uint64(3), b.Dropped())
	assert.Len(t, sub.C(), 2)
}

func TestMemoryBroker_ContextCancelEndsSubscription(t *testing.T) {
	b := NewMemoryBroker(4)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := b.Subscribe(ctx, api.ChannelFor("issue-1"), nil)
	require.NoError(t, err)
	require.Equal(t, 1, b.Subscribers(api.ChannelFor("issue-1")))

	cancel()

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	assert.Equal(t, 0, b.Subscribers(api.ChannelFor("issue-1")))

	// Close after cancel is harmless.
	sub.Close()
}

func TestMemoryBroker_CloseEndsAllSubscriptions(t *testing.T) {
	b := NewMemoryBroker(4)
	sub, err := b.Subscribe(context.Background(), api.ChannelFor("issue-1"), nil)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, ok := <-sub.C()
	assert.False(t, ok)
	sub.Close()
}

func TestMsgpackEnvelopeRestoresVariant(t *testing.T) {
	in := api.NewStreamMessage("issue-9", api.RunCommandDetails{
		Command:  "pnpm typecheck",
		Output:   "No errors found.",
		ExitCode: api.IntPtr(0),
		StepID:   "verify-2-1",
		Status:   api.ActivityCompleted,
	})

	data, err := MarshalMsgpack(in)
	require.NoError(t, err)
	out, err := UnmarshalMsgpack(data)
	require.NoError(t, err)

	assert.Equal(t, in.Channel, out.Channel)
	assert.Equal(t, "verify-2-1", out.CorrelationID)
	assert.True(t, in.PublishedAt.Equal(out.PublishedAt))
	cmd, ok := out.Data.(api.RunCommandDetails)
	require.True(t, ok)
	assert.True(t, cmd.Succeeded())
}
