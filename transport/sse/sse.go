// Package sse implements the half-duplex transport: server to client
// messages stream over one long-lived text/event-stream response, client to
// server messages arrive as separate HTTP POSTs correlated by session id.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-edge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-edge-go/internal/logctx"
	"github.com/ggoodman/mcp-edge-go/internal/wire"
	"github.com/ggoodman/mcp-edge-go/transport"
	"github.com/jonboulle/clockwork"
)

var _ transport.Transport = (*Transport)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

// DefaultRetry is the reconnection hint sent at the head of every stream.
const DefaultRetry = 3 * time.Second

// Option configures a Transport.
type Option func(*config)

type config struct {
	logger    *slog.Logger
	clock     clockwork.Clock
	keepAlive time.Duration
	retry     time.Duration
	observer  transport.Observer
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithClock replaces the clock driving the keep-alive.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) { c.clock = clock }
}

// WithKeepAlive overrides the ping interval.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) { c.keepAlive = d }
}

// WithRetry overrides the client reconnection hint.
func WithRetry(d time.Duration) Option {
	return func(c *config) { c.retry = d }
}

// WithObserver attaches a transport observer.
func WithObserver(o transport.Observer) Option {
	return func(c *config) {
		if o != nil {
			c.observer = o
		}
	}
}

// Transport is the SSE transport for one session. The zero value is not
// usable; construct with New.
type Transport struct {
	sessionID string
	id        string
	endpoint  string
	handlers  transport.Handlers
	log       *slog.Logger
	obs       transport.Observer
	clock     clockwork.Clock
	retry     time.Duration
	hb        *transport.Heartbeat

	state   transport.StateMachine
	started atomic.Bool
	done    chan struct{}

	mu     sync.Mutex
	queue  []wire.Event
	notify chan struct{}
	stream uint64
	detach context.CancelFunc
}

// New builds an unopened SSE transport. endpoint is the absolute
// message-submission URL announced by Start.
func New(sessionID, endpoint string, h transport.Handlers, opts ...Option) *Transport {
	cfg := config{observer: transport.NopObserver{}, retry: DefaultRetry}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = clockwork.NewRealClock()
	}

	t := &Transport{
		sessionID: sessionID,
		id:        sessionID + "-sse",
		endpoint:  endpoint,
		handlers:  h,
		log:       logctx.Wrap(cfg.logger),
		obs:       cfg.observer,
		clock:     cfg.clock,
		retry:     cfg.retry,
		done:      make(chan struct{}),
		notify:    make(chan struct{}, 1),
	}
	t.hb = transport.NewHeartbeat(cfg.clock, cfg.keepAlive, t.ping)
	return t
}

func (t *Transport) SessionID() string { return t.sessionID }

func (t *Transport) ID() string { return t.id }

func (t *Transport) Kind() transport.Kind { return transport.KindSSE }

// State returns the lifecycle state.
func (t *Transport) State() transport.State { return t.state.Load() }

// Start emits the endpoint and ready events. It fails if called twice or
// after Close.
func (t *Transport) Start(ctx context.Context) error {
	if err := t.state.Open(); err != nil {
		return err
	}
	t.started.Store(true)
	t.obs.Opened(transport.KindSSE)

	ready, _ := json.Marshal(map[string]string{"sessionId": t.sessionID, "transport": string(transport.KindSSE)})
	t.enqueue(
		wire.Event{Name: wire.EventEndpoint, Data: []byte(t.endpoint)},
		wire.Event{Name: wire.EventReady, Data: ready},
	)
	t.log.InfoContext(t.logContext(ctx), "sse.start")
	return nil
}

// Send frames msg as a message event. Messages sent while no stream is
// attached are queued and delivered in order once one attaches.
func (t *Transport) Send(ctx context.Context, msg jsonrpc.Message) error {
	if t.state.Load() != transport.Open {
		return transport.ErrNotConnected
	}
	enc, err := jsonrpc.Encode(msg)
	if err != nil {
		return fmt.Errorf("sse send: %w", err)
	}
	t.enqueue(wire.Event{Name: wire.EventMessage, Data: enc})
	t.obs.Sent(transport.KindSSE)
	return nil
}

// Close stops the keep-alive, queues a best-effort close event, ends any
// attached stream and fires OnClose. Subsequent calls are no-ops.
func (t *Transport) Close(ctx context.Context) error {
	if !t.state.Close() {
		return nil
	}
	t.hb.Stop()

	reason, _ := json.Marshal(map[string]string{"reason": "transport closed"})
	t.enqueue(wire.Event{Name: wire.EventClose, Data: reason})
	close(t.done)

	if t.started.Load() {
		t.obs.Closed(transport.KindSSE)
	}
	t.log.InfoContext(t.logContext(ctx), "sse.close")
	t.handlers.Closed()
	return nil
}

// Done is closed once the transport is closed.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// ServeStream writes the event stream to w until the client goes away, a
// newer stream replaces this one, or the transport closes. Every stream
// begins with the reconnection hint and the session event.
func (t *Transport) ServeStream(w http.ResponseWriter, r *http.Request) {
	ctx := t.logContext(r.Context())

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		t.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	if t.state.Load() == transport.Closed {
		writeJSONError(w, http.StatusGone, "transport closed")
		return
	}

	streamCtx, gen := t.attach(ctx)
	defer t.release(gen)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	ew := wire.NewEventWriter(streamCtx, flushWriter{w, f})
	session, _ := json.Marshal(map[string]string{"sessionId": t.sessionID})
	for _, ev := range []wire.Event{wire.RetryEvent(t.retry), {Name: wire.EventSession, Data: session}} {
		if err := ew.WriteEvent(ev); err != nil {
			t.log.WarnContext(ctx, "sse.stream.preamble.fail", slog.String("err", err.Error()))
			return
		}
	}
	t.log.InfoContext(ctx, "sse.stream.attach", slog.Uint64("stream", gen))

	start := t.clock.Now()
	defer func() {
		t.log.InfoContext(ctx, "sse.stream.detach", slog.Uint64("stream", gen), slog.Int64("dur_ms", t.clock.Since(start).Milliseconds()))
	}()

	for {
		if err := t.drain(ew); err != nil {
			if !errors.Is(err, context.Canceled) {
				t.log.WarnContext(ctx, "sse.stream.write.fail", slog.String("err", err.Error()))
			}
			return
		}
		select {
		case <-t.notify:
		case <-streamCtx.Done():
			return
		case <-t.done:
			_ = t.drain(ew)
			return
		}
	}
}

// HandlePostMessage accepts one client to server message. Wrong content
// types and oversize bodies are rejected before parsing.
func (t *Transport) HandlePostMessage(w http.ResponseWriter, r *http.Request) {
	ctx := t.logContext(r.Context())

	if t.state.Load() != transport.Open {
		writeJSONError(w, http.StatusInternalServerError, "SSE connection not established")
		t.log.ErrorContext(ctx, "sse.post.not_connected", slog.String("state", t.state.Load().String()))
		return
	}

	body, err := readBody(r)
	if err != nil {
		t.reject(ctx, w, err, nil)
		return
	}

	if ctrl, ok := wire.ParseControl(body); ok {
		t.log.DebugContext(ctx, "sse.post.control", slog.String("type", ctrl.Type))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	msg, err := jsonrpc.Decode(body)
	if err != nil {
		t.reject(ctx, w, err, jsonrpc.IDOf(body))
		return
	}

	t.obs.Received(transport.KindSSE)
	w.WriteHeader(http.StatusAccepted)
	t.handlers.Message(context.WithoutCancel(r.Context()), msg)
}

func readBody(r *http.Request) ([]byte, error) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		return nil, fmt.Errorf("%w: content-type must be application/json", transport.ErrUnsupportedMediaType)
	}
	if r.ContentLength > transport.MaxMessageBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", transport.ErrPayloadTooLarge, transport.MaxMessageBytes)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, transport.MaxMessageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > transport.MaxMessageBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", transport.ErrPayloadTooLarge, transport.MaxMessageBytes)
	}
	return body, nil
}

// reject answers a failed POST with 400, reports err to OnError and queues
// an in-band error response so stream readers see the failure too.
func (t *Transport) reject(ctx context.Context, w http.ResponseWriter, err error, id *jsonrpc.RequestID) {
	reason := "invalid_message"
	code := jsonrpc.CodeOf(err)
	switch {
	case errors.Is(err, transport.ErrUnsupportedMediaType):
		reason, code = "content_type", jsonrpc.ErrorCodeInvalidRequest
	case errors.Is(err, transport.ErrPayloadTooLarge):
		reason, code = "too_large", jsonrpc.ErrorCodeParseError
	}
	t.obs.Rejected(transport.KindSSE, reason)
	t.log.WarnContext(ctx, "sse.post.reject", slog.String("reason", reason), slog.String("err", err.Error()))

	writeJSONError(w, http.StatusBadRequest, err.Error())
	t.handlers.Error(ctx, err)

	if enc, encErr := jsonrpc.Encode(jsonrpc.NewErrorResponse(id, code, err.Error(), nil)); encErr == nil {
		t.enqueue(wire.Event{Name: wire.EventMessage, Data: enc})
	}
}

func (t *Transport) enqueue(evs ...wire.Event) {
	t.mu.Lock()
	t.queue = append(t.queue, evs...)
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// drain writes queued events in order. An event that fails to write is put
// back at the head of the queue for the next stream.
func (t *Transport) drain(ew *wire.EventWriter) error {
	for {
		t.mu.Lock()
		if len(t.queue) == 0 {
			t.mu.Unlock()
			return nil
		}
		ev := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()

		if err := ew.WriteEvent(ev); err != nil {
			t.mu.Lock()
			t.queue = append([]wire.Event{ev}, t.queue...)
			t.mu.Unlock()
			return err
		}
	}
}

// attach makes the caller the current stream, detaching any previous one,
// and re-arms the keep-alive.
func (t *Transport) attach(ctx context.Context) (context.Context, uint64) {
	streamCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if t.detach != nil {
		t.detach()
	}
	t.stream++
	gen := t.stream
	t.detach = cancel
	t.mu.Unlock()

	t.hb.Arm()
	return streamCtx, gen
}

func (t *Transport) release(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stream != gen {
		return
	}
	if t.detach != nil {
		t.detach()
		t.detach = nil
	}
	t.hb.Stop()
}

// Attached reports whether a stream is currently attached.
func (t *Transport) Attached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detach != nil
}

func (t *Transport) ping(now time.Time) {
	if t.state.Load() != transport.Open || !t.Attached() {
		return
	}
	t.enqueue(wire.PingEvent(now))
}

func (t *Transport) logContext(ctx context.Context) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:   t.sessionID,
		Transport:   string(transport.KindSSE),
		TransportID: t.id,
	})
}

type flushWriter struct {
	io.Writer
	http.Flusher
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// happen before a JSON-RPC exchange. Shape: {"error":{"code":<status>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
