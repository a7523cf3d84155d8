// Package timeline reconciles the durable activity snapshot of an instance
// with its live stream messages.
//
// A viewer seeds a Timeline from ListActivity, then applies stream messages
// as they arrive. Messages that share a topic and correlation id collapse
// into one entry, so partial streaming updates grow a single row and the
// durable record replaces it in place. Applying the same message twice, or
// seeding the same records again, leaves the timeline unchanged.
package timeline

import (
	"reflect"
	"time"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// Entry is one row of the reconciled timeline.
type Entry struct {
	Topic         api.Topic   `json:"topic"`
	CorrelationID string      `json:"correlationId"`
	Details       api.Details `json:"details"`
	At            time.Time   `json:"at"`
}

type entryKey struct {
	topic api.Topic
	id    string
}

// Timeline is not safe for concurrent use.
type Timeline struct {
	entries []Entry
	index   map[entryKey]int
}

// New returns an empty timeline.
func New() *Timeline {
	return &Timeline{index: make(map[entryKey]int)}
}

// Seed loads durable records, oldest first.
func (t *Timeline) Seed(records []api.ActivityRecord) {
	for _, rec := range records {
		t.upsert(Entry{
			Topic:         rec.Type,
			CorrelationID: rec.Details.Correlation(),
			Details:       rec.Details,
			At:            rec.CreatedAt,
		})
	}
}

// Apply folds a live message into the timeline and reports whether it
// changed anything.
func (t *Timeline) Apply(msg api.StreamMessage) bool {
	if msg.Data == nil {
		return false
	}
	corr := msg.CorrelationID
	if corr == "" {
		corr = msg.Data.Correlation()
	}
	return t.upsert(Entry{
		Topic:         msg.Topic,
		CorrelationID: corr,
		Details:       msg.Data,
		At:            msg.PublishedAt,
	})
}

func (t *Timeline) upsert(e Entry) bool {
	key := entryKey{e.Topic, e.CorrelationID}
	i, ok := t.index[key]
	if !ok {
		t.index[key] = len(t.entries)
		t.entries = append(t.entries, e)
		return true
	}

	cur := t.entries[i]
	// A late partial update never rolls back a finished entry.
	if Finished(cur.Details) && !Finished(e.Details) {
		return false
	}
	if reflect.DeepEqual(cur.Details, e.Details) {
		return false
	}
	e.At = cur.At
	t.entries[i] = e
	return true
}

// Entries returns a copy of the timeline rows in first-seen order.
func (t *Timeline) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of rows.
func (t *Timeline) Len() int { return len(t.entries) }

// Status derives the instance status implied by the timeline.
func (t *Timeline) Status() api.Status {
	status := api.StatusAnalyzing
	for _, e := range t.entries {
		if !Finished(e.Details) {
			continue
		}
		switch d := e.Details.(type) {
		case api.TriageDetails:
			status = d.Classification.StatusAfterTriage()
		case api.PRCreatedDetails:
			status = api.StatusPROpen
		case api.EscalatedDetails:
			status = api.StatusEscalated
		case api.DoneDetails:
			if status == api.StatusFixing || status == api.StatusPROpen {
				status = api.StatusAwaitingReview
			}
		case api.CommentPostedDetails:
			status = api.StatusResolved
		}
	}
	return status
}

// Finished reports whether d is a final update for its entry. Variants
// without a progress field are always final.
func Finished(d api.Details) bool {
	switch v := d.(type) {
	case api.TextGeneratedDetails:
		return final(v.Status)
	case api.ReasoningDetails:
		return final(v.Status)
	case api.RepoCloneDetails:
		return final(v.Status)
	case api.WebSearchDetails:
		return final(v.Status)
	case api.FileReadDetails:
		return final(v.Status)
	case api.FileChangeDetails:
		return final(v.Status)
	case api.RunCommandDetails:
		return final(v.Status)
	case api.ToolCallDetails:
		return final(v.Status)
	case api.PRCreatedDetails:
		return final(v.Status)
	case api.CIStatusDetails:
		return final(v.Phase)
	case api.DoneDetails:
		return final(v.Status)
	}
	return true
}

func final(s api.ActivityStatus) bool {
	return s == "" || s == api.ActivityCompleted || s == api.ActivityFailed
}
