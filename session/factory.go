package session

import (
	"github.com/ggoodman/mcp-edge-go/storage"
	"github.com/ggoodman/mcp-edge-go/transport"
	"github.com/ggoodman/mcp-edge-go/transport/websocket"
)

// Factory builds the router for one session. The hosting layer calls it the
// first time it sees a session identifier.
type Factory func(sessionID string, store storage.Object, up websocket.Upgrader) *Router

// NewFactory returns a Factory whose routers share engine and opts.
func NewFactory(engine transport.Engine, opts ...Option) Factory {
	opts = append([]Option(nil), opts...)
	return func(sessionID string, store storage.Object, up websocket.Upgrader) *Router {
		return New(sessionID, engine, store, up, opts...)
	}
}
