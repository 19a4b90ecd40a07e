package jsonrpc

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"calculate_sum","arguments":{"a":2,"b":3}}}`},
		{"string id", `{"jsonrpc":"2.0","id":"abc","method":"ping"}`},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`},
		{"result", `{"jsonrpc":"2.0","id":7,"result":{"content":[{"type":"text","text":"5"}]}}`},
		{"error", `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"bad"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire, err := Encode(Message(tc.in))
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if bytes.ContainsRune(wire, '\n') {
				t.Fatalf("wire form contains newline: %s", wire)
			}
			got, err := Decode(wire)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			want, err := Decode([]byte(tc.in))
			if err != nil {
				t.Fatalf("decode original: %v", err)
			}
			if !reflect.DeepEqual(normalize(t, got), normalize(t, want)) {
				t.Fatalf("round trip mismatch\n got: %s\nwant: %s", wire, tc.in)
			}
		})
	}
}

func normalize(t *testing.T, m *AnyMessage) map[string]any {
	t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestEncodeCompactsPrettyInput(t *testing.T) {
	pretty := "{\n  \"jsonrpc\": \"2.0\",\n  \"id\": 3,\n  \"method\": \"ping\"\n}"
	wire, err := Encode(Message(pretty))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(wire) != `{"jsonrpc":"2.0","id":3,"method":"ping"}` {
		t.Fatalf("unexpected wire form: %s", wire)
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name string
		in   string
		code ErrorCode
	}{
		{"not json", `{nope`, ErrorCodeParseError},
		{"empty", `   `, ErrorCodeParseError},
		{"missing version", `{"id":1,"method":"ping"}`, ErrorCodeInvalidRequest},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, ErrorCodeInvalidRequest},
		{"request with result", `{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`, ErrorCodeInvalidRequest},
		{"response without payload", `{"jsonrpc":"2.0","id":1}`, ErrorCodeInvalidRequest},
		{"batch", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, ErrorCodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.in))
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := CodeOf(err); got != tc.code {
				t.Fatalf("code = %d, want %d (%v)", got, tc.code, err)
			}
		})
	}
}

func TestDecodeOversizeSkipsParsing(t *testing.T) {
	// Invalid JSON past the limit must still be reported as a size error.
	big := "{" + strings.Repeat("x", MaxMessageBytes)
	_, err := Decode([]byte(big))
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestErrorResponseCarriesNullID(t *testing.T) {
	b, err := json.Marshal(NewErrorResponse(nil, ErrorCodeParseError, "bad", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"id":null`) {
		t.Fatalf("expected null id, got %s", b)
	}
}

func TestIDOf(t *testing.T) {
	if id := IDOf([]byte(`{"jsonrpc":"1.0","id":"x","method":"ping"}`)); id.String() != "x" {
		t.Fatalf("id = %q", id.String())
	}
	if id := IDOf([]byte(`garbage`)); !id.IsNil() {
		t.Fatalf("expected nil id")
	}
}

func TestRequestIDKeepsLiteral(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":1.50,"method":"ping"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Kind() != KindRequest {
		t.Fatalf("kind = %s", msg.Kind())
	}
	b, err := json.Marshal(NewErrorResponse(msg.ID, ErrorCodeMethodNotFound, "nope", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"id":1.50`) {
		t.Fatalf("id not echoed verbatim: %s", b)
	}

	if _, err := Decode([]byte(`{"jsonrpc":"2.0","id":{"x":1},"method":"ping"}`)); err == nil {
		t.Fatalf("object ids must be rejected")
	}
}
