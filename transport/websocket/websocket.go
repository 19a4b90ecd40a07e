// Package websocket implements the full-duplex transport: one Transport per
// upgraded connection, with JSON-RPC messages carried in text frames.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-edge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-edge-go/internal/logctx"
	"github.com/ggoodman/mcp-edge-go/internal/wire"
	"github.com/ggoodman/mcp-edge-go/transport"
	"github.com/jonboulle/clockwork"
)

var _ transport.Transport = (*Transport)(nil)

// Retry defaults. The counter tracks consecutive socket failures; the
// transport closes once it is exhausted.
const (
	DefaultMaxRetries = 3
	DefaultBackoff    = 2 * time.Second
)

// Option configures a Transport.
type Option func(*config)

type config struct {
	logger     *slog.Logger
	clock      clockwork.Clock
	keepAlive  time.Duration
	observer   transport.Observer
	upgrader   Upgrader
	maxRetries int
	backoff    time.Duration
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithClock replaces the clock driving keep-alive and activity timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) { c.clock = clock }
}

// WithKeepAlive overrides the ping interval.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) { c.keepAlive = d }
}

// WithObserver attaches a transport observer.
func WithObserver(o transport.Observer) Option {
	return func(c *config) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithUpgrader replaces the default coder/websocket upgrader.
func WithUpgrader(u Upgrader) Option {
	return func(c *config) {
		if u != nil {
			c.upgrader = u
		}
	}
}

// WithRetryPolicy overrides the retry budget and initial backoff.
func WithRetryPolicy(maxRetries int, backoff time.Duration) Option {
	return func(c *config) {
		c.maxRetries = maxRetries
		c.backoff = backoff
	}
}

// Transport carries one WebSocket connection of a session.
type Transport struct {
	sessionID string
	id        string
	handlers  transport.Handlers
	log       *slog.Logger
	obs       transport.Observer
	clock     clockwork.Clock
	upgrader  Upgrader
	hb        *transport.Heartbeat

	state   transport.StateMachine
	started atomic.Bool
	done    chan struct{}

	sendMu sync.Mutex

	mu           sync.Mutex
	socket       Socket
	lastActivity time.Time
	retry        retryCounter
}

// New builds an unbound transport. Its id is the session id joined with
// the creation time in unix milliseconds.
func New(sessionID string, h transport.Handlers, opts ...Option) *Transport {
	cfg := config{
		observer:   transport.NopObserver{},
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultBackoff,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = clockwork.NewRealClock()
	}
	if cfg.upgrader == nil {
		cfg.upgrader = NewUpgrader()
	}

	t := &Transport{
		sessionID: sessionID,
		id:        sessionID + "-" + strconv.FormatInt(cfg.clock.Now().UnixMilli(), 10),
		handlers:  h,
		log:       logctx.Wrap(cfg.logger),
		obs:       cfg.observer,
		clock:     cfg.clock,
		upgrader:  cfg.upgrader,
		done:      make(chan struct{}),
		retry:     retryCounter{max: cfg.maxRetries, base: cfg.backoff},
	}
	t.hb = transport.NewHeartbeat(cfg.clock, cfg.keepAlive, t.ping)
	return t
}

func (t *Transport) SessionID() string { return t.sessionID }

func (t *Transport) ID() string { return t.id }

func (t *Transport) Kind() transport.Kind { return transport.KindWebSocket }

// State returns the lifecycle state.
func (t *Transport) State() transport.State { return t.state.Load() }

// Done is closed once the transport is closed.
func (t *Transport) Done() <-chan struct{} { return t.done }

// LastActivity is the time of the last successful send or handled frame.
func (t *Transport) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

// Retries is the current count of consecutive socket failures.
func (t *Transport) Retries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retry.attempts
}

// HandleUpgrade upgrades the request, binds the socket and blocks until the
// transport closes or the request context ends. Requests that are not
// WebSocket upgrades receive 426.
func (t *Transport) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	ctx := t.logContext(r.Context())

	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		w.Header().Set("Upgrade", "websocket")
		http.Error(w, "Expected Upgrade: websocket", http.StatusUpgradeRequired)
		t.log.WarnContext(ctx, "ws.upgrade.missing_header", slog.String("upgrade", r.Header.Get("Upgrade")))
		return
	}

	sock, err := t.upgrader.Upgrade(w, r)
	if err != nil {
		t.log.WarnContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		_ = t.Close(ctx)
		return
	}

	if err := t.Bind(r.Context(), sock); err != nil {
		t.log.ErrorContext(ctx, "ws.bind.fail", slog.String("err", err.Error()))
		_ = sock.Close(StatusInternalError, "bind failed")
		_ = t.Close(ctx)
		return
	}

	select {
	case <-t.done:
	case <-r.Context().Done():
		_ = t.Close(context.WithoutCancel(ctx))
	}
}

// Bind attaches an already upgraded socket, registers listeners, starts the
// transport and accepts the socket. It does not block.
func (t *Transport) Bind(ctx context.Context, sock Socket) error {
	t.mu.Lock()
	if t.socket != nil {
		t.mu.Unlock()
		return transport.ErrAlreadyStarted
	}
	t.socket = sock
	t.mu.Unlock()

	sock.AddListener(Listener{
		OnMessage: t.onFrame,
		OnClose:   t.onSocketClose,
		OnError:   t.onSocketError,
	})
	if err := t.Start(ctx); err != nil {
		return err
	}
	if err := sock.Accept(ctx); err != nil {
		return fmt.Errorf("accept socket: %w", err)
	}
	return nil
}

// Start opens a bound transport and arms the keep-alive. Bind calls it.
func (t *Transport) Start(ctx context.Context) error {
	if t.currentSocket() == nil {
		return transport.ErrNotConnected
	}
	if err := t.state.Open(); err != nil {
		return err
	}
	t.started.Store(true)
	t.touch()
	t.hb.Arm()
	t.obs.Opened(transport.KindWebSocket)
	t.log.InfoContext(t.logContext(ctx), "ws.start")
	return nil
}

// Send writes msg as one text frame. It fails with ErrNotConnected unless
// the socket is open.
func (t *Transport) Send(ctx context.Context, msg jsonrpc.Message) error {
	if t.state.Load() != transport.Open {
		return transport.ErrNotConnected
	}
	enc, err := jsonrpc.Encode(msg)
	if err != nil {
		return fmt.Errorf("ws send: %w", err)
	}
	if err := t.write(ctx, enc); err != nil {
		return err
	}
	t.obs.Sent(transport.KindWebSocket)
	return nil
}

// Close sends a best-effort close notification, closes the socket and
// fires OnClose. Subsequent calls are no-ops.
func (t *Transport) Close(ctx context.Context) error {
	if !t.state.Close() {
		return nil
	}
	t.hb.Stop()

	if sock := t.currentSocket(); sock != nil {
		t.sendMu.Lock()
		_ = sock.Send(ctx, string(wire.CloseFrame("transport closed")))
		_ = sock.Close(StatusNormalClosure, "transport closed")
		t.sendMu.Unlock()
	}
	close(t.done)

	if t.started.Load() {
		t.obs.Closed(transport.KindWebSocket)
	}
	t.log.InfoContext(t.logContext(ctx), "ws.close")
	t.handlers.Closed()
	return nil
}

func (t *Transport) write(ctx context.Context, data []byte) error {
	sock := t.currentSocket()
	if sock == nil {
		return transport.ErrNotConnected
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if t.state.Load() != transport.Open {
		return transport.ErrNotConnected
	}
	if err := sock.Send(ctx, string(data)); err != nil {
		return fmt.Errorf("ws write: %w", err)
	}
	t.touch()
	return nil
}

func (t *Transport) onFrame(ctx context.Context, f Frame) {
	if t.state.Load() != transport.Open {
		return
	}
	ctx = t.logContext(ctx)

	switch {
	case f.Binary:
		t.rejectFrame(ctx, "binary", jsonrpc.ErrorCodeParseError, "binary frames are not supported", nil)
		return
	case len(f.Data) > transport.MaxMessageBytes:
		t.rejectFrame(ctx, "too_large", jsonrpc.ErrorCodeParseError, fmt.Sprintf("frame exceeds %d bytes", transport.MaxMessageBytes), nil)
		return
	}

	if ctrl, ok := wire.ParseControl(f.Data); ok {
		t.resetRetries()
		switch ctrl.Type {
		case wire.ControlPing:
			t.log.DebugContext(ctx, "ws.frame.ping")
		case wire.ControlClose:
			t.log.InfoContext(ctx, "ws.frame.close", slog.String("reason", ctrl.Reason))
			go t.Close(context.WithoutCancel(ctx))
		}
		return
	}

	msg, err := jsonrpc.Decode(f.Data)
	if err != nil {
		t.rejectFrame(ctx, "invalid_message", jsonrpc.CodeOf(err), err.Error(), jsonrpc.IDOf(f.Data))
		return
	}

	t.resetRetries()
	t.obs.Received(transport.KindWebSocket)
	t.handlers.Message(context.WithoutCancel(ctx), msg)
}

// rejectFrame answers a bad frame with an inline JSON-RPC error and keeps
// the connection open.
func (t *Transport) rejectFrame(ctx context.Context, reason string, code jsonrpc.ErrorCode, detail string, id *jsonrpc.RequestID) {
	t.obs.Rejected(transport.KindWebSocket, reason)
	t.log.WarnContext(ctx, "ws.frame.reject", slog.String("reason", reason), slog.String("err", detail))
	t.handlers.Error(ctx, &jsonrpc.Error{Code: code, Message: detail})

	enc, err := jsonrpc.Encode(jsonrpc.NewErrorResponse(id, code, detail, nil))
	if err != nil {
		return
	}
	if err := t.write(ctx, enc); err != nil {
		t.log.WarnContext(ctx, "ws.frame.reject.write_fail", slog.String("err", err.Error()))
	}
}

func (t *Transport) onSocketClose(code int, reason string) {
	ctx := t.logContext(context.Background())
	t.log.InfoContext(ctx, "ws.socket.closed", slog.Int("code", code), slog.String("reason", reason))
	_ = t.Close(ctx)
}

// onSocketError counts a failure against the retry budget. Reconnection is
// always client initiated, so exhausting the budget closes the transport.
func (t *Transport) onSocketError(err error) {
	ctx := t.logContext(context.Background())
	t.handlers.Error(ctx, err)

	t.mu.Lock()
	backoff, ok := t.retry.next()
	attempt := t.retry.attempts
	t.mu.Unlock()

	if !ok {
		t.log.WarnContext(ctx, "ws.retry.exhausted", slog.Int("attempts", attempt), slog.String("err", err.Error()))
		_ = t.Close(ctx)
		return
	}
	t.log.WarnContext(ctx, "ws.retry", slog.Int("attempt", attempt), slog.Int64("backoff_ms", backoff.Milliseconds()), slog.String("err", err.Error()))
}

func (t *Transport) ping(now time.Time) {
	if t.state.Load() != transport.Open {
		return
	}
	ctx := context.Background()
	if err := t.write(ctx, wire.PingFrame(now)); err != nil {
		t.onSocketError(err)
	}
}

func (t *Transport) currentSocket() Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.socket
}

func (t *Transport) touch() {
	now := t.clock.Now()
	t.mu.Lock()
	t.lastActivity = now
	t.mu.Unlock()
}

func (t *Transport) resetRetries() {
	t.touch()
	t.mu.Lock()
	t.retry.reset()
	t.mu.Unlock()
}

func (t *Transport) logContext(ctx context.Context) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:   t.sessionID,
		Transport:   string(transport.KindWebSocket),
		TransportID: t.id,
	})
}

// retryCounter implements capped exponential backoff.
type retryCounter struct {
	max      int
	base     time.Duration
	attempts int
}

// next records a failure and returns the backoff before the next attempt,
// or false once the budget is spent.
func (r *retryCounter) next() (time.Duration, bool) {
	r.attempts++
	if r.attempts > r.max {
		return 0, false
	}
	return r.base << (r.attempts - 1), true
}

func (r *retryCounter) reset() {
	r.attempts = 0
}
