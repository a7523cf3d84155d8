package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

func record(d api.Details) api.ActivityRecord {
	return api.ActivityRecord{
		ID:         string(d.Topic()) + "-" + d.Correlation(),
		InstanceID: "issue-1",
		Type:       d.Topic(),
		Details:    d,
		CreatedAt:  time.Now().UTC(),
	}
}

func msg(d api.Details) api.StreamMessage {
	return api.NewStreamMessage("issue-1", d)
}

func TestApplyCollapsesStreamingUpdates(t *testing.T) {
	tl := New()

	assert.True(t, tl.Apply(msg(api.ReasoningDetails{StreamID: "reasoning-initial", Status: api.ActivityStreaming})))
	assert.True(t, tl.Apply(msg(api.ReasoningDetails{Content: "Looking", StreamID: "reasoning-initial", Status: api.ActivityStreaming})))
	assert.True(t, tl.Apply(msg(api.ReasoningDetails{Content: "Looking at", StreamID: "reasoning-initial", Status: api.ActivityStreaming})))
	assert.True(t, tl.Apply(msg(api.ReasoningDetails{Content: "Looking at it", StreamID: "reasoning-initial", Status: api.ActivityCompleted, DurationSeconds: 4})))

	entries := tl.Entries()
	require.Len(t, entries, 1)
	got := entries[0].Details.(api.ReasoningDetails)
	assert.Equal(t, "Looking at it", got.Content)
	assert.Equal(t, 4, got.DurationSeconds)
}

func TestReconciliationIsIdempotent(t *testing.T) {
	records := []api.ActivityRecord{
		record(api.TriageDetails{Classification: api.ClassificationFixable, Reasoning: "null check"}),
		record(api.FileReadDetails{FilePath: "src/session.ts", StepID: "read-1", Status: api.ActivityCompleted}),
	}
	live := []api.StreamMessage{
		msg(api.TriageDetails{Classification: api.ClassificationFixable, Reasoning: "null check"}),
		msg(api.FileReadDetails{FilePath: "src/session.ts", StepID: "read-1", Status: api.ActivityStarted}),
		msg(api.FileReadDetails{FilePath: "src/session.ts", StepID: "read-1", Status: api.ActivityCompleted}),
		msg(api.FileChangeDetails{FilePath: "src/session.ts", Diff: "+x", StreamID: "change-1-1", Status: api.ActivityStreaming}),
	}

	once := New()
	once.Seed(records)
	for _, m := range live {
		once.Apply(m)
	}

	twice := New()
	twice.Seed(records)
	twice.Seed(records)
	for _, m := range live {
		twice.Apply(m)
		twice.Apply(m)
	}

	require.Equal(t, once.Len(), twice.Len())
	assert.Equal(t, 3, once.Len())
	for i, e := range once.Entries() {
		assert.Equal(t, e.Topic, twice.Entries()[i].Topic)
		assert.Equal(t, e.CorrelationID, twice.Entries()[i].CorrelationID)
		assert.Equal(t, e.Details, twice.Entries()[i].Details)
	}
	assert.False(t, twice.Apply(live[2]), "re-applying a message must not change the timeline")
}

func TestLatePartialDoesNotRollBackDurableRecord(t *testing.T) {
	tl := New()
	tl.Seed([]api.ActivityRecord{
		record(api.RunCommandDetails{Command: "pnpm test", ExitCode: api.IntPtr(0), StepID: "verify-1-2", Status: api.ActivityCompleted}),
	})

	changed := tl.Apply(msg(api.RunCommandDetails{Command: "pnpm test", StepID: "verify-1-2", Status: api.ActivityStarted}))
	assert.False(t, changed)

	got := tl.Entries()[0].Details.(api.RunCommandDetails)
	assert.True(t, got.Succeeded())
}

func TestStatusFollowsMilestones(t *testing.T) {
	tl := New()
	assert.Equal(t, api.StatusAnalyzing, tl.Status())

	tl.Apply(msg(api.TriageDetails{Classification: api.ClassificationFixable}))
	assert.Equal(t, api.StatusFixing, tl.Status())

	tl.Apply(msg(api.PRCreatedDetails{Title: "fix", StepID: "create-pr", Status: api.ActivityStarted}))
	assert.Equal(t, api.StatusFixing, tl.Status())
	tl.Apply(msg(api.PRCreatedDetails{Title: "fix", URL: "https://github.com/owner/repo/pull/42", StepID: "create-pr", Status: api.ActivityCompleted}))
	assert.Equal(t, api.StatusPROpen, tl.Status())

	tl.Apply(msg(api.DoneDetails{Summary: "Fixed", StreamID: "done-summary", Status: api.ActivityStreaming}))
	assert.Equal(t, api.StatusPROpen, tl.Status())
	tl.Apply(msg(api.DoneDetails{Summary: "Fixed it", StreamID: "done-summary", Status: api.ActivityCompleted}))
	assert.Equal(t, api.StatusAwaitingReview, tl.Status())

	tl.Apply(msg(api.CommentPostedDetails{Body: "hi", StepID: "approve-and-post"}))
	assert.Equal(t, api.StatusResolved, tl.Status())
}

func TestStatusForUnfixableAndEscalated(t *testing.T) {
	tooComplex := New()
	tooComplex.Apply(msg(api.TriageDetails{Classification: api.ClassificationTooComplex}))
	tooComplex.Apply(msg(api.DoneDetails{Summary: "too complex", StreamID: "done-unfixable", Status: api.ActivityCompleted}))
	assert.Equal(t, api.StatusTooComplex, tooComplex.Status())

	escalated := New()
	escalated.Apply(msg(api.TriageDetails{Classification: api.ClassificationFixable}))
	escalated.Apply(msg(api.EscalatedDetails{Reason: "verification kept failing", RetryCount: 2, StepID: "escalation"}))
	escalated.Apply(msg(api.DoneDetails{Summary: "escalated", StreamID: "done-escalated", Status: api.ActivityCompleted}))
	assert.Equal(t, api.StatusEscalated, escalated.Status())
}
