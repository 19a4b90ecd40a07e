package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the only accepted value of the "jsonrpc" member.
const ProtocolVersion = "2.0"

// Message is one encoded JSON-RPC message as it travels on a transport.
type Message []byte

// Kind classifies a decoded message.
type Kind string

const (
	KindRequest      Kind = "request"
	KindNotification Kind = "notification"
	KindResponse     Kind = "response"
)

// envelope is the union of every member a JSON-RPC 2.0 message may carry.
type envelope struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// AnyMessage is a decoded message of any Kind. Decoding checks the shape, so
// a value obtained from Decode is always well formed.
type AnyMessage envelope

// Request is a request, or a notification when ID is nil.
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response carries exactly one of Result and Error. The id member is always
// written and is null when the request it answers could not be identified.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

func NewResultResponse(id *RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPCVersion: ProtocolVersion, Result: b, ID: id}, nil
}

func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: message, Data: data},
		ID:             id,
	}
}

// NewNotification builds a request without an id. Nil params are omitted.
func NewNotification(method string, params any) (*Request, error) {
	n := &Request{JSONRPCVersion: ProtocolVersion, Method: method}
	if params == nil {
		return n, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	n.Params = b
	return n, nil
}

func (e *envelope) validate() *Error {
	if e.JSONRPCVersion != ProtocolVersion {
		return &Error{Code: ErrorCodeInvalidRequest, Message: fmt.Sprintf("jsonrpc must be %q, got %q", ProtocolVersion, e.JSONRPCVersion)}
	}
	hasResult, hasError := len(e.Result) > 0, e.Error != nil
	switch {
	case e.Method != "" && (hasResult || hasError):
		return &Error{Code: ErrorCodeInvalidRequest, Message: "a request carries neither result nor error"}
	case e.Method != "":
		return nil
	case hasResult && hasError:
		return &Error{Code: ErrorCodeInvalidRequest, Message: "a response carries result or error, not both"}
	case !hasResult && !hasError:
		return &Error{Code: ErrorCodeInvalidRequest, Message: "message has no method, result or error"}
	}
	return nil
}

// UnmarshalJSON decodes and checks the message shape. Malformed JSON yields a
// parse error; a well-formed object with the wrong shape yields an invalid
// request error.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return &Error{Code: ErrorCodeParseError, Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if rpcErr := e.validate(); rpcErr != nil {
		return rpcErr
	}
	*m = AnyMessage(e)
	return nil
}

func (m AnyMessage) MarshalJSON() ([]byte, error) {
	if m.Method == "" {
		return json.Marshal(Response{JSONRPCVersion: m.JSONRPCVersion, Result: m.Result, Error: m.Error, ID: m.ID})
	}
	id := m.ID
	if id.IsNil() {
		id = nil
	}
	return json.Marshal(Request{JSONRPCVersion: m.JSONRPCVersion, Method: m.Method, Params: m.Params, ID: id})
}

func (m *AnyMessage) Kind() Kind {
	switch {
	case m.Method == "":
		return KindResponse
	case m.ID.IsNil():
		return KindNotification
	}
	return KindRequest
}

// AsRequest returns nil for responses.
func (m *AnyMessage) AsRequest() *Request {
	if m.Kind() == KindResponse {
		return nil
	}
	return &Request{JSONRPCVersion: m.JSONRPCVersion, Method: m.Method, Params: m.Params, ID: m.ID}
}
