package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// RequestID is a JSON-RPC message ID, which may be a string or a number.
// A nil *RequestID marshals as JSON null, which is what protocol-level
// error responses carry when no request could be correlated.
type RequestID struct {
	value any
}

// NewRequestID builds a RequestID from a string or numeric value. Any other
// type yields a nil-valued ID.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return &RequestID{value: v}
	default:
		return &RequestID{value: nil}
	}
}

// String renders the ID for logging and correlation-map keys. Nil IDs render
// as the empty string.
func (id *RequestID) String() string {
	if id == nil || id.value == nil {
		return ""
	}
	return fmt.Sprintf("%v", id.value)
}

// IsNil reports whether the ID carries no value. Requests with a nil ID are
// notifications.
func (id *RequestID) IsNil() bool {
	return id == nil || id.value == nil
}

// MarshalJSON implements json.Marshaler. A valueless ID marshals as null so
// that error envelopes can carry an explicit "id": null.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id == nil || id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler, accepting strings and numbers.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.value = nil
		return nil
	}

	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		if num == float64(int64(num)) {
			id.value = int64(num)
		} else {
			id.value = num
		}
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}

	return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
}
