// Package transport defines the contract shared by the SSE and WebSocket
// transports and the protocol engine they feed.
//
// A Transport is one communication channel belonging to a session. It is
// constructed with its Handlers already wired, is started exactly once, and
// once closed never re-opens. Inbound messages are validated JSON-RPC
// envelopes; outbound messages are validated before they are framed.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/mcp-edge-go/internal/jsonrpc"
)

// Kind names a transport variant.
type Kind string

const (
	KindSSE       Kind = "sse"
	KindWebSocket Kind = "websocket"
)

// DefaultKeepAlive is the heartbeat cadence shared by both transports.
const DefaultKeepAlive = 15 * time.Second

// MaxMessageBytes bounds a single inbound message (POST body or frame).
const MaxMessageBytes = jsonrpc.MaxMessageBytes

var (
	// ErrNotConnected is returned by Send when the transport is not open.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("transport: already started")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrPayloadTooLarge rejects inbound payloads above MaxMessageBytes.
	ErrPayloadTooLarge = errors.New("transport: payload too large")
	// ErrUnsupportedMediaType rejects inbound payloads that are not JSON.
	ErrUnsupportedMediaType = errors.New("transport: unsupported content type")
)

// Transport is one channel carrying JSON-RPC messages for a session.
type Transport interface {
	// Start announces the transport to the peer. It may be called once.
	Start(ctx context.Context) error
	// Send validates and frames msg. It fails with ErrNotConnected unless
	// the transport is open.
	Send(ctx context.Context, msg jsonrpc.Message) error
	// Close is idempotent; OnClose fires exactly once.
	Close(ctx context.Context) error
	// SessionID is the owning session's identifier.
	SessionID() string
	// ID identifies this transport instance within its session.
	ID() string
	Kind() Kind
}

// Handlers receive transport events. They are fixed at construction.
type Handlers struct {
	OnMessage func(ctx context.Context, msg *jsonrpc.AnyMessage)
	OnError   func(ctx context.Context, err error)
	OnClose   func()
}

// Message invokes OnMessage if set.
func (h Handlers) Message(ctx context.Context, msg *jsonrpc.AnyMessage) {
	if h.OnMessage != nil {
		h.OnMessage(ctx, msg)
	}
}

// Error invokes OnError if set.
func (h Handlers) Error(ctx context.Context, err error) {
	if h.OnError != nil {
		h.OnError(ctx, err)
	}
}

// Closed invokes OnClose if set.
func (h Handlers) Closed() {
	if h.OnClose != nil {
		h.OnClose()
	}
}

// Engine is the protocol engine a session bridges its transports to.
// Connect may be called once per transport; it must not block on I/O.
type Engine interface {
	Connect(ctx context.Context, t Transport) (Conn, error)
}

// Conn is the engine side of a connected transport.
type Conn interface {
	// Deliver hands a validated inbound message to the engine.
	Deliver(ctx context.Context, msg *jsonrpc.AnyMessage)
	// Close releases engine state held for the transport.
	Close()
}

// Observer receives transport lifecycle and traffic events. Implementations
// must be safe for concurrent use.
type Observer interface {
	Opened(kind Kind)
	Closed(kind Kind)
	Received(kind Kind)
	Sent(kind Kind)
	Rejected(kind Kind, reason string)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) Opened(Kind)           {}
func (NopObserver) Closed(Kind)           {}
func (NopObserver) Received(Kind)         {}
func (NopObserver) Sent(Kind)             {}
func (NopObserver) Rejected(Kind, string) {}
