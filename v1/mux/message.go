package mux

import (
	"encoding/json"
)

// Message is one delivery to one callback. Data is the callback's own copy
// of the JSON payload.
type Message struct {
	Topic string
	Data  json.RawMessage
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Value decodes the payload into its generic JSON form (map[string]any,
// []any, string, float64, bool or nil).
func (m Message) Value() (any, error) {
	var v any
	if err := json.Unmarshal(m.Data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode returns the wire form of data. A nil data is encoded as the JSON
// literal false.
func Encode(data any) ([]byte, error) {
	if data == nil {
		data = false
	}
	return json.Marshal(data)
}
