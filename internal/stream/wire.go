package stream

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// envelope is the msgpack form of a StreamMessage. Details travel as their
// JSON encoding so the variant can be restored from the topic.
type envelope struct {
	Channel       string    `msgpack:"channel"`
	Topic         api.Topic `msgpack:"topic"`
	CorrelationID string    `msgpack:"correlationId"`
	Data          []byte    `msgpack:"data"`
	PublishedAt   time.Time `msgpack:"publishedAt"`
}

// MarshalMsgpack encodes msg for the Redis channel and msgpack WebSocket
// clients.
func MarshalMsgpack(msg api.StreamMessage) ([]byte, error) {
	data, err := api.EncodeDetails(msg.Data)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(&envelope{
		Channel:       msg.Channel,
		Topic:         msg.Topic,
		CorrelationID: msg.CorrelationID,
		Data:          data,
		PublishedAt:   msg.PublishedAt,
	})
}

// UnmarshalMsgpack decodes a message produced by MarshalMsgpack.
func UnmarshalMsgpack(b []byte) (api.StreamMessage, error) {
	var env envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return api.StreamMessage{}, err
	}
	d, err := api.DecodeDetails(env.Topic, env.Data)
	if err != nil {
		return api.StreamMessage{}, err
	}
	return api.StreamMessage{
		Channel:       env.Channel,
		Topic:         env.Topic,
		CorrelationID: env.CorrelationID,
		Data:          d,
		PublishedAt:   env.PublishedAt.UTC(),
	}, nil
}
