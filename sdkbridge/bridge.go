// Package sdkbridge lets a go-sdk *mcp.Server act as the protocol engine
// behind the SSE and WebSocket transports.
//
// Each transport is exposed to the server as an mcp.Transport whose single
// connection reads the messages the transport delivers and writes through
// the transport's Send.
package sdkbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-edge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-edge-go/internal/logctx"
	"github.com/ggoodman/mcp-edge-go/transport"
	sdkjsonrpc "github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var _ transport.Engine = (*Engine)(nil)

// inboxSize bounds messages delivered but not yet read by the server.
const inboxSize = 64

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = logctx.Wrap(l) }
}

// Engine adapts a go-sdk server to transport.Engine.
type Engine struct {
	server *mcp.Server
	log    *slog.Logger
}

// New wraps server.
func New(server *mcp.Server, opts ...Option) *Engine {
	e := &Engine{server: server, log: logctx.Wrap(nil)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Connect starts a go-sdk server session bound to t.
func (e *Engine) Connect(ctx context.Context, t transport.Transport) (transport.Conn, error) {
	p := &pipe{
		t:     t,
		log:   e.log,
		inbox: make(chan sdkjsonrpc.Message, inboxSize),
		done:  make(chan struct{}),
	}
	ss, err := e.server.Connect(ctx, sdkTransport{p}, nil)
	if err != nil {
		return nil, fmt.Errorf("sdkbridge: connect %s: %w", t.ID(), err)
	}
	e.log.InfoContext(ctx, "sdkbridge.connect", slog.String("transport_id", t.ID()))
	return &conn{pipe: p, session: ss}, nil
}

type sdkTransport struct{ p *pipe }

func (s sdkTransport) Connect(context.Context) (mcp.Connection, error) { return s.p, nil }

// pipe is the mcp.Connection seen by the go-sdk server.
type pipe struct {
	t   transport.Transport
	log *slog.Logger

	inbox     chan sdkjsonrpc.Message
	done      chan struct{}
	closeOnce sync.Once
}

func (p *pipe) Read(ctx context.Context) (sdkjsonrpc.Message, error) {
	select {
	case msg := <-p.inbox:
		return msg, nil
	case <-p.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipe) Write(ctx context.Context, msg sdkjsonrpc.Message) error {
	data, err := sdkjsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("sdkbridge: encode: %w", err)
	}
	return p.t.Send(ctx, jsonrpc.Message(data))
}

func (p *pipe) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *pipe) SessionID() string { return p.t.SessionID() }

func (p *pipe) deliver(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	decoded, err := sdkjsonrpc.DecodeMessage(data)
	if err != nil {
		return err
	}
	select {
	case p.inbox <- decoded:
		return nil
	case <-p.done:
		return errors.New("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// conn is the transport-facing half.
type conn struct {
	pipe    *pipe
	session *mcp.ServerSession
}

func (c *conn) Deliver(ctx context.Context, msg *jsonrpc.AnyMessage) {
	if err := c.pipe.deliver(ctx, msg); err != nil {
		c.pipe.log.WarnContext(ctx, "sdkbridge.deliver.fail",
			slog.String("transport_id", c.pipe.t.ID()),
			slog.String("err", err.Error()),
		)
	}
}

func (c *conn) Close() {
	_ = c.pipe.Close()
	_ = c.session.Close()
}
