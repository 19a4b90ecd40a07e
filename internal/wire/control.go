package wire

import (
	"bytes"
	"encoding/json"
	"time"
)

// Control frame types. These never reach the protocol engine.
const (
	ControlPing  = "ping"
	ControlClose = "close"
)

// Control is a reserved, non JSON-RPC frame exchanged on the WebSocket
// transport (and accepted on the SSE message channel).
type Control struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// PingFrame returns the keep-alive control frame for now.
func PingFrame(now time.Time) []byte {
	b, _ := json.Marshal(Control{Type: ControlPing, Timestamp: now.UnixMilli()})
	return b
}

// CloseFrame returns the best-effort close notification.
func CloseFrame(reason string) []byte {
	b, _ := json.Marshal(Control{Type: ControlClose, Reason: reason})
	return b
}

// ParseControl reports whether data is a reserved control frame. JSON-RPC
// messages always carry a "jsonrpc" member and are never treated as control.
func ParseControl(data []byte) (Control, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Control{}, false
	}
	var peek struct {
		Control
		JSONRPC *string `json:"jsonrpc"`
	}
	if err := json.Unmarshal(trimmed, &peek); err != nil {
		return Control{}, false
	}
	if peek.JSONRPC != nil {
		return Control{}, false
	}
	switch peek.Type {
	case ControlPing, ControlClose:
		return peek.Control, true
	}
	return Control{}, false
}
