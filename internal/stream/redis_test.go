package stream

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorenzkrinner/gitfix/internal/testutil"
	"github.com/lorenzkrinner/gitfix/pkg/api"
)

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	addr := testutil.GetRedisAddress(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	b := NewRedisBroker(client, "gitfix:test:stream:", 16, nil)

	sub, err := b.Subscribe(ctx, api.ChannelFor("issue-1"), []api.Topic{api.TopicReasoning, api.TopicDone})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, reasoning("a")))
	require.NoError(t, b.Publish(ctx, api.NewStreamMessage("issue-1", api.FileReadDetails{FilePath: "x.ts", StepID: "read-1"})))
	require.NoError(t, b.Publish(ctx, api.NewStreamMessage("issue-1", api.DoneDetails{Summary: "ok", StreamID: "done-summary"})))

	first := receive(t, sub)
	assert.Equal(t, api.TopicReasoning, first.Topic)
	second := receive(t, sub)
	assert.Equal(t, api.TopicDone, second.Topic)
	assert.Equal(t, "done-summary", second.CorrelationID)
}
