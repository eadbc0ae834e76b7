package events

import (
	"bytes"
	"encoding/json"
)

// RawData is the opaque JSON payload of an event. An empty value is encoded
// as an empty JSON object.
type RawData json.RawMessage

// MarshalJSON returns the payload as is.
func (d RawData) MarshalJSON() ([]byte, error) {
	if len(bytes.TrimSpace(d)) == 0 {
		return []byte("{}"), nil
	}
	return d, nil
}

// UnmarshalJSON keeps a copy of the payload.
func (d *RawData) UnmarshalJSON(b []byte) error {
	if d == nil {
		return ErrNilPayload
	}
	*d = append((*d)[0:0], b...)
	return nil
}

// Decode unmarshals the payload into v.
func (d RawData) Decode(v any) error {
	if len(bytes.TrimSpace(d)) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(d, v)
}
