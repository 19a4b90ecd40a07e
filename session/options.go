package session

import (
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-edge-go/transport"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Paths are the router's well-known request paths. Root also accepts every
// kind of request.
type Paths struct {
	Root      string
	SSE       string
	WebSocket string
	Message   string
}

// DefaultPaths are used unless WithPaths overrides them.
var DefaultPaths = Paths{Root: "/", SSE: "/sse", WebSocket: "/ws", Message: "/message"}

// Option configures a Router.
type Option func(*config)

type config struct {
	logger    *slog.Logger
	tracer    trace.Tracer
	observer  transport.Observer
	clock     clockwork.Clock
	keepAlive time.Duration
	paths     Paths
	order     []Route
	baseURL   string
}

func defaultConfig() config {
	return config{
		tracer:    noop.NewTracerProvider().Tracer(""),
		observer:  transport.NopObserver{},
		clock:     clockwork.NewRealClock(),
		keepAlive: transport.DefaultKeepAlive,
		paths:     DefaultPaths,
		order:     DefaultRouteOrder(),
	}
}

// WithLogger sets the logger shared by the router and its transports.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithTracerProvider enables a span per routed request.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		if tp != nil {
			c.tracer = tp.Tracer("github.com/ggoodman/mcp-edge-go/session")
		}
	}
}

// WithObserver is passed to every transport the router creates.
func WithObserver(o transport.Observer) Option {
	return func(c *config) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithClock replaces the clock driving transport keep-alives.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) { c.clock = clock }
}

// WithKeepAlive overrides transport.DefaultKeepAlive.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) { c.keepAlive = d }
}

// WithPaths overrides DefaultPaths. Empty fields keep their defaults.
func WithPaths(p Paths) Option {
	return func(c *config) {
		if p.Root != "" {
			c.paths.Root = p.Root
		}
		if p.SSE != "" {
			c.paths.SSE = p.SSE
		}
		if p.WebSocket != "" {
			c.paths.WebSocket = p.WebSocket
		}
		if p.Message != "" {
			c.paths.Message = p.Message
		}
	}
}

// WithRouteOrder sets which routes are tried and in what order. Routes left
// out are never taken.
func WithRouteOrder(routes ...Route) Option {
	return func(c *config) { c.order = append([]Route(nil), routes...) }
}

// WithBaseURL fixes the scheme and host used for absolute URLs, e.g.
// "https://mcp.example.com". By default they are derived from each request.
func WithBaseURL(u string) Option {
	return func(c *config) { c.baseURL = u }
}
