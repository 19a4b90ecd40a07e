package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RequestID is a string or numeric JSON-RPC id. Numbers keep their literal
// text so that an id echoed back is byte-identical to the one received.
type RequestID struct {
	value any // string or json.Number
}

// NewRequestID wraps a string or an integer/float. Other types yield a nil id.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string:
		return &RequestID{value: v}
	case int, int32, int64, uint32, float32, float64:
		return &RequestID{value: json.Number(fmt.Sprint(v))}
	}
	return &RequestID{}
}

// String renders the id for logs and map keys; a nil id renders as "".
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	if n, ok := id.value.(json.Number); ok {
		return n.String()
	}
	return id.value.(string)
}

// Key identifies the id by its JSON literal, so "1" and 1 stay distinct.
func (id *RequestID) Key() string {
	b, _ := id.MarshalJSON()
	return string(b)
}

func (id *RequestID) IsNil() bool {
	return id == nil || id.value == nil
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch v := v.(type) {
	case string, json.Number:
		id.value = v
		return nil
	}
	return fmt.Errorf("id must be a string or a number, got %s", data)
}
