package api

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDetails_RestoresVariantByTopic(t *testing.T) {
	raw := []byte(`{"command":"npx tsc --noEmit","output":"Found 1 error.","exitCode":1,"stepId":"verify-1-1","status":"completed"}`)

	d, err := DecodeDetails(TopicRunCommand, raw)
	require.NoError(t, err)

	cmd, ok := d.(RunCommandDetails)
	require.True(t, ok, "expected RunCommandDetails, got %T", d)
	assert.Equal(t, "verify-1-1", cmd.Correlation())
	assert.False(t, cmd.Succeeded())
	require.NotNil(t, cmd.ExitCode)
	assert.Equal(t, 1, *cmd.ExitCode)
}

func TestDecodeDetails_UnknownTopic(t *testing.T) {
	_, err := DecodeDetails(Topic("pr_opened"), []byte(`{}`))
	require.Error(t, err)
}

func TestEveryTopicHasAVariant(t *testing.T) {
	for _, topic := range AllTopics {
		d, err := NewDetails(topic)
		require.NoError(t, err, topic)
		assert.Equal(t, topic, d.Topic())
	}
}

func TestActivityRecord_JSONKeepsDetailsVariant(t *testing.T) {
	rec := ActivityRecord{
		ID:         "a1",
		InstanceID: "issue-1",
		Type:       TopicFileChange,
		Details: FileChangeDetails{
			FilePath: "src/lib/api/stats.ts",
			Diff:     "@@ -1 +1 @@\n-a\n+b",
			StreamID: "change-1-2",
			Status:   ActivityCompleted,
		},
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var got ActivityRecord
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, rec, got)
}

func TestStreamMessage_CarriesCorrelation(t *testing.T) {
	msg := NewStreamMessage("issue-7", ReasoningDetails{StreamID: "reasoning-plan", Status: ActivityStreaming, Content: "Based"})

	assert.Equal(t, "issue:issue-7", msg.Channel)
	assert.Equal(t, TopicReasoning, msg.Topic)
	assert.Equal(t, "reasoning-plan", msg.CorrelationID)
}

func TestStorageError_MatchesSentinelAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := StorageError("append activity", cause)

	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, StorageError("noop", nil))
	assert.Same(t, err, StorageError("again", err))
}

func TestStatus_ActiveAndTerminal(t *testing.T) {
	assert.True(t, StatusAnalyzing.IsActive())
	assert.True(t, StatusFixing.IsActive())
	assert.False(t, StatusAwaitingReview.IsActive())

	assert.True(t, StatusAwaitingReview.IsTerminal())
	assert.True(t, StatusEscalated.IsTerminal())
	assert.False(t, StatusFixing.IsTerminal())

	assert.Equal(t, StatusSkipped, ClassificationNotActionable.StatusAfterTriage())
	assert.Equal(t, StatusTooComplex, ClassificationTooComplex.StatusAfterTriage())
}

func TestRepository_RetryLimitDefaults(t *testing.T) {
	assert.Equal(t, DefaultMaxRetries, Repository{}.RetryLimit())
	zero := 0
	assert.Equal(t, 0, Repository{MaxRetries: &zero}.RetryLimit())
}
