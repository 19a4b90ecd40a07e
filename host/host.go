// Package host serves many sessions from one HTTP listener.
//
// Requests are tagged with request data for logging, pass CORS and the
// access gate, and are then dispatched to the session router named by the
// sessionId query parameter. Routers are created on first sight and held in
// an idle-expiring table while no request of theirs is being served; a router
// leaving the table is closed.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-edge-go/auth"
	"github.com/ggoodman/mcp-edge-go/internal/logctx"
	"github.com/ggoodman/mcp-edge-go/internal/wellknown"
	"github.com/ggoodman/mcp-edge-go/metrics"
	"github.com/ggoodman/mcp-edge-go/session"
	"github.com/ggoodman/mcp-edge-go/storage"
	"github.com/ggoodman/mcp-edge-go/transport"
	"github.com/ggoodman/mcp-edge-go/transport/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sourcegraph/conc"
)

// Defaults for the session table.
const (
	DefaultMaxSessions  = 1024
	DefaultIdleTimeout  = 30 * time.Minute
	DefaultCloseTimeout = 10 * time.Second
)

// ErrClosed is returned once the host has been closed.
var ErrClosed = errors.New("host: closed")

// Config wires a Host. Factory is required.
type Config struct {
	Factory session.Factory

	// Storage backs session snapshots. Nil disables the snapshot endpoint.
	Storage     storage.Storage
	SnapshotTTL time.Duration

	Auth     auth.Config
	Upgrader websocket.Upgrader

	// ResourceMetadata, when set, is served ungated at
	// /.well-known/oauth-protected-resource.
	ResourceMetadata http.Handler

	// AllowedOrigins enables CORS for the listed origins; "*" allows any.
	AllowedOrigins []string

	MaxSessions  int
	IdleTimeout  time.Duration
	CloseTimeout time.Duration

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Host is an http.Handler multiplexing sessions.
type Host struct {
	cfg     Config
	log     *slog.Logger
	mux     chi.Router
	closers *conc.WaitGroup

	closed atomic.Bool

	mu       sync.Mutex
	sessions *expirable.LRU[string, *session.Router]
}

// New builds a Host from cfg.
func New(cfg Config) (*Host, error) {
	if cfg.Factory == nil {
		return nil, errors.New("host: session factory is required")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	if cfg.Upgrader == nil {
		cfg.Upgrader = websocket.NewUpgrader()
	}

	h := &Host{
		cfg:     cfg,
		log:     logctx.Wrap(cfg.Logger),
		closers: conc.NewWaitGroup(),
	}
	h.sessions = expirable.NewLRU[string, *session.Router](cfg.MaxSessions, h.evicted, cfg.IdleTimeout)
	h.mux = h.routes()
	return h, nil
}

func (h *Host) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.requestData)
	if len(h.cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins:   h.cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept", "Last-Event-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	if h.cfg.Metrics != nil {
		r.Handle("/metrics", h.cfg.Metrics.Handler())
	}
	if h.cfg.ResourceMetadata != nil {
		r.Method(http.MethodGet, wellknown.ProtectedResourcePath, h.cfg.ResourceMetadata)
	}

	r.Group(func(r chi.Router) {
		gateOpts := []auth.GateOption{auth.WithLogger(h.log)}
		if h.cfg.Metrics != nil {
			gateOpts = append(gateOpts, auth.WithRejectHook(h.cfg.Metrics.AuthRejected))
		}
		r.Use(auth.Gate(h.cfg.Auth, gateOpts...))

		r.Get("/snapshot", h.getSnapshot)
		r.Put("/snapshot", h.putSnapshot)
		r.Handle("/*", http.HandlerFunc(h.serveSession))
	})
	return r
}

func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Host) requestData(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  id,
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})))
	})
}

func (h *Host) serveSession(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(session.SessionIDParam)
	if id == "" {
		id = uuid.NewString()
	}
	rt, err := h.lookup(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer h.pin(id, rt)()
	rt.ServeHTTP(w, r)
}

// pin keeps the session's idle deadline fresh while the request is being
// served, so open SSE streams and WebSocket connections hold their session.
// Capacity eviction still applies.
func (h *Host) pin(id string, rt *session.Router) (unpin func()) {
	period := h.cfg.IdleTimeout / 3
	if period <= 0 {
		period = time.Millisecond
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				h.touch(id, rt)
			}
		}
	}()
	return func() {
		close(done)
		h.touch(id, rt)
	}
}

// lookup returns the router for id, creating it on first sight. Every
// lookup renews the session's idle deadline.
func (h *Host) lookup(ctx context.Context, id string) (*session.Router, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		return nil, ErrClosed
	}

	if rt, ok := h.sessions.Get(id); ok {
		h.sessions.Add(id, rt)
		return rt, nil
	}

	var store storage.Object
	if h.cfg.Storage != nil {
		var opts []storage.ScopeOption
		if h.cfg.SnapshotTTL > 0 {
			opts = append(opts, storage.WithObjectTTL(h.cfg.SnapshotTTL))
		}
		store = storage.Scope(h.cfg.Storage, id, opts...)
	}
	rt := h.cfg.Factory(id, store, h.cfg.Upgrader)
	h.sessions.Add(id, rt)
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.SessionOpened()
	}
	h.log.InfoContext(ctx, "host.session.create", slog.String("session_id", id))
	return rt, nil
}

// touch renews the idle deadline once a request finishes, unless the router
// left the table meanwhile.
func (h *Host) touch(id string, rt *session.Router) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.sessions.Peek(id); ok && cur == rt {
		h.sessions.Add(id, rt)
	}
}

// evicted runs under the table's lock, so the router is closed elsewhere.
func (h *Host) evicted(id string, rt *session.Router) {
	if m := h.cfg.Metrics; m != nil {
		m.SessionClosed()
		if !h.closed.Load() {
			m.SessionEvicted()
		}
	}
	h.closers.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.CloseTimeout)
		defer cancel()
		if err := rt.Close(ctx); err != nil {
			h.log.WarnContext(ctx, "host.session.close.fail", slog.String("session_id", id), slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(ctx, "host.session.close", slog.String("session_id", id))
	})
}

// Session returns the live router for id without renewing it.
func (h *Host) Session(id string) (*session.Router, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions.Peek(id)
}

// Sessions returns the number of live sessions.
func (h *Host) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions.Len()
}

// Close closes every session concurrently and rejects further requests.
func (h *Host) Close(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.mu.Lock()
	n := h.sessions.Len()
	h.sessions.Purge()
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.closers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("host: close %d sessions: %w", n, ctx.Err())
	}
	h.log.InfoContext(ctx, "host.close", slog.Int("sessions", n))
	return nil
}

func (h *Host) getSnapshot(w http.ResponseWriter, r *http.Request) {
	rt, ok := h.snapshotRouter(w, r)
	if !ok {
		return
	}
	data, err := rt.Snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if data == nil {
		http.Error(w, "no snapshot", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (h *Host) putSnapshot(w http.ResponseWriter, r *http.Request) {
	rt, ok := h.snapshotRouter(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, transport.MaxMessageBytes+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(data) > transport.MaxMessageBytes {
		http.Error(w, "snapshot too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err := rt.SaveSnapshot(r.Context(), data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.log.InfoContext(r.Context(), "host.snapshot.save", slog.String("session_id", rt.SessionID()), slog.Int("bytes", len(data)))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Host) snapshotRouter(w http.ResponseWriter, r *http.Request) (*session.Router, bool) {
	if h.cfg.Storage == nil {
		http.Error(w, "snapshots are not configured", http.StatusNotImplemented)
		return nil, false
	}
	id := r.URL.Query().Get(session.SessionIDParam)
	if id == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return nil, false
	}
	rt, err := h.lookup(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return nil, false
	}
	return rt, true
}
