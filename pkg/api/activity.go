package api

import (
	"encoding/json"
	"time"
)

// ActivityRecord is one durable milestone in an instance's log. Records are
// append-only and ordered by insertion.
type ActivityRecord struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"issueId"`
	Type       Topic     `json:"type"`
	Details    Details   `json:"details"`
	CreatedAt  time.Time `json:"createdAt"`
}

type activityRecordJSON struct {
	ID         string          `json:"id"`
	InstanceID string          `json:"issueId"`
	Type       Topic           `json:"type"`
	Details    json.RawMessage `json:"details"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func (r *ActivityRecord) UnmarshalJSON(data []byte) error {
	var raw activityRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	details, err := DecodeDetails(raw.Type, raw.Details)
	if err != nil {
		return err
	}
	*r = ActivityRecord{
		ID:         raw.ID,
		InstanceID: raw.InstanceID,
		Type:       raw.Type,
		Details:    details,
		CreatedAt:  raw.CreatedAt,
	}
	return nil
}

// StreamMessage is a live update delivered over an instance's channel. It is
// never persisted; durability comes from the matching ActivityRecord.
type StreamMessage struct {
	Channel       string    `json:"channel"`
	Topic         Topic     `json:"topic"`
	CorrelationID string    `json:"correlationId"`
	Data          Details   `json:"data"`
	PublishedAt   time.Time `json:"publishedAt"`
}

// NewStreamMessage builds the message for d on instanceID's channel.
func NewStreamMessage(instanceID string, d Details) StreamMessage {
	return StreamMessage{
		Channel:       ChannelFor(instanceID),
		Topic:         d.Topic(),
		CorrelationID: d.Correlation(),
		Data:          d,
		PublishedAt:   time.Now().UTC(),
	}
}

type streamMessageJSON struct {
	Channel       string          `json:"channel"`
	Topic         Topic           `json:"topic"`
	CorrelationID string          `json:"correlationId"`
	Data          json.RawMessage `json:"data"`
	PublishedAt   time.Time       `json:"publishedAt"`
}

func (m *StreamMessage) UnmarshalJSON(data []byte) error {
	var raw streamMessageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	details, err := DecodeDetails(raw.Topic, raw.Data)
	if err != nil {
		return err
	}
	*m = StreamMessage{
		Channel:       raw.Channel,
		Topic:         raw.Topic,
		CorrelationID: raw.CorrelationID,
		Data:          details,
		PublishedAt:   raw.PublishedAt,
	}
	return nil
}

// Subscription is a live, cancelable sequence of stream messages.
type Subscription interface {
	C() <-chan StreamMessage
	Close()
}
