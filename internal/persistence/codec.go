package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// EncodeResult serializes v with encoding/gob as its concrete type. Types
// never registered with gob.Register round-trip as long as the reader asks
// for the same T.
func EncodeResult[T any](v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// DecodeResult reverses EncodeResult. Empty data decodes to the zero value.
func DecodeResult[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, fmt.Errorf("gob decode %T: %w", v, err)
	}
	return v, nil
}
