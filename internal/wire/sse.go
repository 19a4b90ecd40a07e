// Package wire holds the wire framing shared by the SSE and WebSocket
// transports: Server-Sent Event frames and the reserved control frames.
package wire

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SSE event names emitted by the SSE transport.
const (
	EventSession  = "session"
	EventEndpoint = "endpoint"
	EventReady    = "ready"
	EventMessage  = "message"
	EventPing     = "ping"
	EventClose    = "close"
)

// Event is a single Server-Sent Event frame.
type Event struct {
	ID    string
	Name  string
	Data  []byte
	Retry time.Duration
}

// MarshalText renders the event in text/event-stream form, terminated by a
// blank line. Multi-line data is split across several data fields.
func (e Event) MarshalText() ([]byte, error) {
	var buf bytes.Buffer
	if e.Retry > 0 {
		fmt.Fprintf(&buf, "retry: %d\n", e.Retry.Milliseconds())
	}
	if e.ID != "" {
		if strings.ContainsAny(e.ID, "\r\n") {
			return nil, fmt.Errorf("event id contains a line break")
		}
		fmt.Fprintf(&buf, "id: %s\n", e.ID)
	}
	if e.Name != "" {
		if strings.ContainsAny(e.Name, "\r\n") {
			return nil, fmt.Errorf("event name contains a line break")
		}
		fmt.Fprintf(&buf, "event: %s\n", e.Name)
	}
	if e.Data != nil {
		for _, line := range bytes.Split(e.Data, []byte("\n")) {
			buf.WriteString("data: ")
			buf.Write(bytes.TrimSuffix(line, []byte("\r")))
			buf.WriteByte('\n')
		}
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// RetryEvent is the reconnection hint sent first on every stream.
func RetryEvent(d time.Duration) Event {
	return Event{Retry: d}
}

// PingEvent carries the current time in unix milliseconds.
func PingEvent(now time.Time) Event {
	return Event{Name: EventPing, Data: []byte(strconv.FormatInt(now.UnixMilli(), 10))}
}

// WriteFlusher is satisfied by http.ResponseWriter implementations that
// support streaming.
type WriteFlusher interface {
	io.Writer
	http.Flusher
}

// EventWriter serializes concurrent event writes onto one streaming response
// and refuses to write once its context is done.
type EventWriter struct {
	w   WriteFlusher
	mu  sync.Mutex
	ctx context.Context
}

// NewEventWriter wraps w. A nil ctx never blocks writes.
func NewEventWriter(ctx context.Context, w WriteFlusher) *EventWriter {
	return &EventWriter{w: w, ctx: ctx}
}

// WriteEvent writes and flushes a single frame.
func (ew *EventWriter) WriteEvent(ev Event) error {
	frame, err := ev.MarshalText()
	if err != nil {
		return err
	}
	if ew.ctx != nil && ew.ctx.Err() != nil {
		return ew.ctx.Err()
	}
	ew.mu.Lock()
	defer ew.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if ew.ctx != nil && ew.ctx.Err() != nil {
		return ew.ctx.Err()
	}
	if _, err := ew.w.Write(frame); err != nil {
		return fmt.Errorf("failed to write SSE frame: %w", err)
	}
	ew.w.Flush()
	return nil
}
