package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-edge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-edge-go/internal/logctx"
	"github.com/ggoodman/mcp-edge-go/mcp"
	"github.com/ggoodman/mcp-edge-go/mcpservice"
	"github.com/ggoodman/mcp-edge-go/transport"
)

var errCancelledByPeer = errors.New("request cancelled by peer")

// conn is the engine state for one transport. It doubles as the
// mcpservice.Session handed to capabilities.
type conn struct {
	e *Engine
	t transport.Transport

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	protocolVersion string
	clientInfo      mcp.ImplementationInfo
	inflight        map[string]context.CancelCauseFunc
	wireOnce        sync.Once
	closeOnce       sync.Once
}

var _ mcpservice.Session = (*conn)(nil)

func newConn(e *Engine, t transport.Transport) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		e:        e,
		t:        t,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]context.CancelCauseFunc),
	}
}

func (c *conn) SessionID() string    { return c.t.SessionID() }
func (c *conn) ConnectionID() string { return c.t.ID() }
func (c *conn) Transport() string    { return string(c.t.Kind()) }

func (c *conn) ProtocolVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocolVersion
}

func (c *conn) ClientInfo() mcp.ImplementationInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientInfo
}

// Deliver implements transport.Conn. Requests run on their own goroutine so a
// slow tool never blocks the transport's read path.
func (c *conn) Deliver(ctx context.Context, msg *jsonrpc.AnyMessage) {
	if msg == nil || c.ctx.Err() != nil {
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: string(msg.Kind())})

	switch msg.Kind() {
	case jsonrpc.KindRequest:
		req := msg.AsRequest()
		reqCtx, cancel := context.WithCancelCause(ctx)
		stop := context.AfterFunc(c.ctx, func() { cancel(context.Canceled) })

		key := req.ID.Key()
		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			stop()
			cancel(nil)
			return
		}
		if _, dup := c.inflight[key]; dup {
			c.mu.Unlock()
			stop()
			cancel(nil)
			c.reply(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id", nil))
			return
		}
		c.inflight[key] = cancel
		c.wg.Add(1)
		c.mu.Unlock()

		go func() {
			defer c.wg.Done()
			defer stop()
			defer func() {
				c.mu.Lock()
				delete(c.inflight, key)
				c.mu.Unlock()
				cancel(nil)
			}()
			res := c.e.handleRequest(reqCtx, c, req)
			if errors.Is(context.Cause(reqCtx), errCancelledByPeer) {
				return
			}
			c.reply(ctx, res)
		}()
	case jsonrpc.KindNotification:
		c.handleNotification(ctx, msg.AsRequest())
	default:
		c.e.log.DebugContext(ctx, "engine.response.ignored")
	}
}

func (c *conn) handleNotification(ctx context.Context, note *jsonrpc.Request) {
	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		c.e.log.DebugContext(ctx, "engine.session.initialized")
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		if err := json.Unmarshal(note.Params, &params); err != nil {
			c.e.log.InfoContext(ctx, "engine.cancel.invalid", slog.String("err", err.Error()))
			return
		}
		var id jsonrpc.RequestID
		if err := json.Unmarshal(params.RequestID, &id); err != nil {
			c.e.log.InfoContext(ctx, "engine.cancel.invalid", slog.String("err", err.Error()))
			return
		}
		c.mu.Lock()
		cancel := c.inflight[id.Key()]
		c.mu.Unlock()
		if cancel != nil {
			cancel(errCancelledByPeer)
			c.e.log.InfoContext(ctx, "engine.cancel.ok", slog.String("request_id", id.String()))
		}
	default:
		c.e.log.DebugContext(ctx, "engine.notification.ignored", slog.String("method", note.Method))
	}
}

func (c *conn) reply(ctx context.Context, res *jsonrpc.Response) {
	if res == nil {
		return
	}
	c.send(ctx, res)
}

func (c *conn) notify(ctx context.Context, method mcp.Method) {
	note, err := jsonrpc.NewNotification(string(method), nil)
	if err != nil {
		c.e.log.ErrorContext(ctx, "engine.notify.encode_fail", slog.String("err", err.Error()))
		return
	}
	c.send(ctx, note)
}

func (c *conn) send(ctx context.Context, v any) {
	msg, err := jsonrpc.Encode(v)
	if err != nil {
		c.e.log.ErrorContext(ctx, "engine.send.encode_fail", slog.String("err", err.Error()))
		return
	}
	if err := c.t.Send(ctx, msg); err != nil {
		c.e.log.InfoContext(ctx, "engine.send.fail", slog.String("err", err.Error()))
	}
}

// initialized records the negotiated handshake and starts list-changed
// forwarding for this connection.
func (c *conn) initialized(version string, client mcp.ImplementationInfo) {
	c.mu.Lock()
	c.protocolVersion = version
	c.clientInfo = client
	c.mu.Unlock()

	c.wireOnce.Do(func() { c.e.wireListChanged(c.ctx, c) })
}

// Close implements transport.Conn.
func (c *conn) Close() {
	c.closeOnce.Do(func() {
		// Under mu so Deliver never adds to wg after wait may have started.
		c.mu.Lock()
		c.cancel()
		c.mu.Unlock()
		c.e.forget(c)
	})
}

// wait blocks until every in-flight request has finished.
func (c *conn) wait() {
	c.wg.Wait()
}
