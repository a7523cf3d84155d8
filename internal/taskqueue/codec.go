package taskqueue

import (
	"github.com/vmihailenco/msgpack/v5"
)

// EncodeTask msgpack-encodes a Task.
func EncodeTask(t Task) ([]byte, error) {
	return msgpack.Marshal(&t)
}

// DecodeTask msgpack-decodes a Task.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := msgpack.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
