package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxMessageBytes bounds a single inbound message on every transport.
const MaxMessageBytes = 4 << 20

// Decode validates and parses a single JSON-RPC message. Payloads larger than
// MaxMessageBytes are rejected before any parsing is attempted.
func Decode(data []byte) (*AnyMessage, error) {
	if len(data) > MaxMessageBytes {
		return nil, &Error{Code: ErrorCodeParseError, Message: fmt.Sprintf("message exceeds %d bytes", MaxMessageBytes)}
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &Error{Code: ErrorCodeParseError, Message: "empty message"}
	}
	if trimmed[0] == '[' {
		return nil, &Error{Code: ErrorCodeInvalidRequest, Message: "batch messages are not supported"}
	}
	var msg AnyMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		return nil, &Error{Code: ErrorCodeParseError, Message: err.Error()}
	}
	return &msg, nil
}

// Encode validates v as a JSON-RPC message and returns its compact wire
// form. The output never contains a newline.
func Encode(v any) (Message, error) {
	var raw []byte
	switch m := v.(type) {
	case Message:
		raw = m
	case json.RawMessage:
		raw = m
	case []byte:
		raw = m
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode message: %w", err)
		}
		raw = b
	}
	if _, err := Decode(raw); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("compact message: %w", err)
	}
	return Message(buf.Bytes()), nil
}

// IDOf makes a best-effort attempt at recovering the id of a message that
// failed validation, so that an error response can be correlated.
func IDOf(data []byte) *RequestID {
	var peek struct {
		ID *RequestID `json:"id"`
	}
	if len(data) > MaxMessageBytes {
		return nil
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil
	}
	return peek.ID
}
