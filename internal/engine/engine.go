// Package engine is the in-process MCP protocol engine. It answers the
// requests arriving on any connected transport using the capabilities of an
// mcpservice.ServerCapabilities.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-edge-go/mcpservice"
	"github.com/ggoodman/mcp-edge-go/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ggoodman/mcp-edge-go/internal/engine"

// Engine implements transport.Engine. One Engine is shared by every session
// and every transport of a session; registrations on the underlying
// capabilities happen once, before the first Connect.
type Engine struct {
	srv    mcpservice.ServerCapabilities
	log    *slog.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithTracerProvider sets the provider used for request spans. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewEngine returns an Engine serving srv.
func NewEngine(srv mcpservice.ServerCapabilities, opts ...EngineOption) *Engine {
	e := &Engine{
		srv:    srv,
		log:    slog.Default(),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
		conns:  make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Connect implements transport.Engine. It does no I/O; the returned Conn
// starts answering once messages are delivered to it.
func (e *Engine) Connect(ctx context.Context, t transport.Transport) (transport.Conn, error) {
	if t == nil {
		return nil, fmt.Errorf("engine: nil transport")
	}
	c := newConn(e, t)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		c.cancel()
		return nil, fmt.Errorf("engine: closed")
	}
	e.conns[c] = struct{}{}
	e.mu.Unlock()

	e.log.DebugContext(ctx, "engine.connect",
		slog.String("session_id", t.SessionID()),
		slog.String("transport", string(t.Kind())),
		slog.String("transport_id", t.ID()),
	)
	return c, nil
}

// Connections returns the number of live connections.
func (e *Engine) Connections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// Close cancels every in-flight request, detaches every connection and waits
// for the request goroutines to return. The transports themselves are owned
// by their session routers and stay open.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	conns := make([]*conn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	for _, c := range conns {
		c.wait()
	}
}

func (e *Engine) forget(c *conn) {
	e.mu.Lock()
	delete(e.conns, c)
	e.mu.Unlock()
}
