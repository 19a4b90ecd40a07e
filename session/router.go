// Package session routes a session's HTTP requests to its transports.
//
// A Router owns every transport of one session: at most one live SSE
// transport and any number of WebSocket transports. Each request is matched
// against the configured route order, the matching transport is created or
// reused, and transports are connected to the shared protocol engine.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/mcp-edge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-edge-go/internal/logctx"
	"github.com/ggoodman/mcp-edge-go/storage"
	"github.com/ggoodman/mcp-edge-go/transport"
	"github.com/ggoodman/mcp-edge-go/transport/sse"
	"github.com/ggoodman/mcp-edge-go/transport/websocket"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is the router lifecycle.
type State int32

const (
	Uninitialized State = iota
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ErrClosed is returned by operations on a closed router.
var ErrClosed = errors.New("session: router closed")

// Router is the per-session request router.
type Router struct {
	sessionID string
	engine    transport.Engine
	snapshot  *storage.Snapshot
	upgrader  websocket.Upgrader
	cfg       config
	log       *slog.Logger

	mu       sync.Mutex
	state    State
	restored []byte
	sse      *link
	ws       map[*link]struct{}
	wg       sync.WaitGroup
}

// link joins one transport to its engine connection. conn is assigned
// before the transport is started and never changes afterwards.
type link struct {
	t    transport.Transport
	conn transport.Conn
}

func (l *link) handlers(rt *Router, onClose func(*link)) transport.Handlers {
	return transport.Handlers{
		OnMessage: func(ctx context.Context, msg *jsonrpc.AnyMessage) {
			l.conn.Deliver(ctx, msg)
		},
		OnError: func(ctx context.Context, err error) {
			rt.log.DebugContext(ctx, "router.transport.error",
				slog.String("transport_id", l.t.ID()),
				slog.String("err", err.Error()),
			)
		},
		OnClose: func() {
			if l.conn != nil {
				l.conn.Close()
			}
			onClose(l)
		},
	}
}

// New builds the router for sessionID. store holds the session's durable
// state and up performs WebSocket upgrades; either may be nil.
func New(sessionID string, engine transport.Engine, store storage.Object, up websocket.Upgrader, opts ...Option) *Router {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	rt := &Router{
		sessionID: sessionID,
		engine:    engine,
		upgrader:  up,
		cfg:       cfg,
		log:       logctx.Wrap(cfg.logger),
		ws:        make(map[*link]struct{}),
	}
	if store != nil {
		rt.snapshot = storage.NewSnapshot(store)
	}
	return rt
}

// SessionID returns the session identifier.
func (rt *Router) SessionID() string { return rt.sessionID }

// State returns the lifecycle state.
func (rt *Router) State() State {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// WebSockets returns the number of open WebSocket transports.
func (rt *Router) WebSockets() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.ws)
}

// SSE returns the live SSE transport, if any.
func (rt *Router) SSE() *sse.Transport {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.sse == nil {
		return nil
	}
	return rt.sse.t.(*sse.Transport)
}

// ServeHTTP routes one request. Panics and routing errors become 500
// responses carrying the error text.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithSessionData(r.Context(), &logctx.SessionData{SessionID: rt.sessionID})
	route := rt.match(r)

	ctx, span := rt.cfg.tracer.Start(ctx, "session.route", trace.WithAttributes(
		attribute.String("mcp.session_id", rt.sessionID),
		attribute.String("mcp.route", string(route)),
		attribute.String("http.request.method", r.Method),
	))
	defer span.End()
	r = r.WithContext(ctx)

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("%v", rec)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			rt.log.ErrorContext(ctx, "router.panic", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, err.Error())
		}
	}()

	start := time.Now()
	if err := rt.route(w, r, route); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		status := http.StatusInternalServerError
		if errors.Is(err, ErrClosed) {
			status = http.StatusGone
		}
		rt.log.ErrorContext(ctx, "router.route.fail", slog.String("route", string(route)), slog.String("err", err.Error()))
		writeJSONError(w, status, err.Error())
		return
	}
	rt.log.DebugContext(ctx, "router.route",
		slog.String("route", string(route)),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
}

func (rt *Router) route(w http.ResponseWriter, r *http.Request, route Route) error {
	if err := rt.activate(r.Context()); err != nil {
		return err
	}

	switch route {
	case RouteWebSocket:
		return rt.serveWebSocket(w, r)
	case RouteSSE:
		if !r.URL.Query().Has(SessionIDParam) {
			http.Redirect(w, r, rt.publicURL(r, r.URL.Path, rt.sessionQuery(r), false), http.StatusTemporaryRedirect)
			return nil
		}
		l, err := rt.ensureSSE(r)
		if err != nil {
			return err
		}
		l.t.(*sse.Transport).ServeStream(w, r)
		return nil
	case RouteMessage:
		l, err := rt.ensureSSE(r)
		if err != nil {
			return err
		}
		l.t.(*sse.Transport).HandlePostMessage(w, r)
		return nil
	case RouteDiscovery:
		w.Header().Set("Content-Type", "application/json")
		return json.NewEncoder(w).Encode(rt.discovery(r))
	default:
		writeJSONError(w, http.StatusNotFound, "Not found")
		return nil
	}
}

// activate performs the cold start on the first request: the session
// snapshot is loaded and the router becomes Active.
func (rt *Router) activate(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	switch rt.state {
	case Active:
		return nil
	case Closed:
		return ErrClosed
	}
	if rt.snapshot != nil {
		data, err := rt.snapshot.Load(ctx)
		if err != nil {
			return fmt.Errorf("load session snapshot: %w", err)
		}
		rt.restored = data
	}
	rt.state = Active
	rt.log.InfoContext(ctx, "router.activate", slog.Bool("restored", rt.restored != nil))
	return nil
}

// ensureSSE returns the live SSE transport, creating, connecting and
// starting a fresh one when there is none or the previous one closed.
func (rt *Router) ensureSSE(r *http.Request) (*link, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.state == Closed {
		return nil, ErrClosed
	}
	if rt.sse != nil && rt.sse.t.(*sse.Transport).State() != transport.Closed {
		return rt.sse, nil
	}

	ctx := context.WithoutCancel(r.Context())
	endpoint := rt.publicURL(r, rt.cfg.paths.Message, rt.sessionQuery(r), false)
	l := &link{}
	t := sse.New(rt.sessionID, endpoint, l.handlers(rt, rt.forgetSSE),
		sse.WithLogger(rt.cfg.logger),
		sse.WithClock(rt.cfg.clock),
		sse.WithKeepAlive(rt.cfg.keepAlive),
		sse.WithObserver(rt.cfg.observer),
	)
	l.t = t

	conn, err := rt.engine.Connect(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("connect sse transport: %w", err)
	}
	l.conn = conn
	if err := t.Start(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("start sse transport: %w", err)
	}
	rt.sse = l
	rt.log.InfoContext(ctx, "router.sse.create", slog.String("transport_id", t.ID()))
	return l, nil
}

func (rt *Router) forgetSSE(l *link) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.sse == l {
		rt.sse = nil
	}
}

func (rt *Router) forgetWebSocket(l *link) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.ws, l)
}

// serveWebSocket gives the connection its own transport and blocks until
// that transport closes.
func (rt *Router) serveWebSocket(w http.ResponseWriter, r *http.Request) error {
	ctx := context.WithoutCancel(r.Context())

	l := &link{}
	opts := []websocket.Option{
		websocket.WithLogger(rt.cfg.logger),
		websocket.WithClock(rt.cfg.clock),
		websocket.WithKeepAlive(rt.cfg.keepAlive),
		websocket.WithObserver(rt.cfg.observer),
		websocket.WithUpgrader(rt.upgrader),
	}
	t := websocket.New(rt.sessionID, l.handlers(rt, rt.forgetWebSocket), opts...)
	l.t = t

	conn, err := rt.engine.Connect(ctx, t)
	if err != nil {
		return fmt.Errorf("connect websocket transport: %w", err)
	}
	l.conn = conn

	rt.mu.Lock()
	if rt.state == Closed {
		rt.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	rt.ws[l] = struct{}{}
	rt.wg.Add(1)
	rt.mu.Unlock()
	defer rt.wg.Done()

	rt.log.InfoContext(ctx, "router.ws.create", slog.String("transport_id", t.ID()))
	t.HandleUpgrade(w, r)

	// A rejected upgrade leaves the transport unopened.
	if t.State() != transport.Closed {
		_ = t.Close(ctx)
	}
	return nil
}

// Close closes every transport of the session. The router rejects all
// further requests.
func (rt *Router) Close(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == Closed {
		rt.mu.Unlock()
		return nil
	}
	rt.state = Closed
	links := make([]*link, 0, len(rt.ws)+1)
	if rt.sse != nil {
		links = append(links, rt.sse)
	}
	for l := range rt.ws {
		links = append(links, l)
	}
	rt.mu.Unlock()

	var result *multierror.Error
	for _, l := range links {
		if err := l.t.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s transport %s: %w", l.t.Kind(), l.t.ID(), err))
		}
	}

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
	}

	rt.log.InfoContext(ctx, "router.close", slog.Int("transports", len(links)))
	return result.ErrorOrNil()
}

// Snapshot returns the persisted session snapshot, or nil when none exists.
func (rt *Router) Snapshot(ctx context.Context) ([]byte, error) {
	if rt.snapshot == nil {
		return nil, nil
	}
	return rt.snapshot.Load(ctx)
}

// Restored returns the snapshot loaded during the cold start.
func (rt *Router) Restored() []byte {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.restored
}

// SaveSnapshot persists data as the session snapshot.
func (rt *Router) SaveSnapshot(ctx context.Context, data []byte) error {
	if rt.snapshot == nil {
		return errors.New("session: no storage configured")
	}
	if err := rt.snapshot.Save(ctx, data); err != nil {
		return fmt.Errorf("save session snapshot: %w", err)
	}
	return nil
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// happen before a JSON-RPC exchange. Shape: {"error":{"code":<status>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
