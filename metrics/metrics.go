// Package metrics exposes transport, session and access-gate counters in
// Prometheus form.
package metrics

import (
	"net/http"

	"github.com/ggoodman/mcp-edge-go/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcp_edge"

var _ transport.Observer = (*Collector)(nil)

// Collector owns a private registry. It implements transport.Observer and is
// safe for concurrent use.
type Collector struct {
	registry *prometheus.Registry

	transportsOpen  *prometheus.GaugeVec
	transportsTotal *prometheus.CounterVec
	received        *prometheus.CounterVec
	sent            *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	authRejected    *prometheus.CounterVec
	sessions        prometheus.Gauge
	sessionsEvicted prometheus.Counter
}

// Option configures a Collector.
type Option func(*options)

type options struct {
	runtime bool
}

// WithRuntimeMetrics also registers the Go runtime and process collectors.
func WithRuntimeMetrics() Option {
	return func(o *options) { o.runtime = true }
}

// New builds a Collector with all metrics registered.
func New(opts ...Option) *Collector {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		transportsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transports_open",
			Help:      "Transports currently open, by kind.",
		}, []string{"kind"}),
		transportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transports_opened_total",
			Help:      "Transports opened since start, by kind.",
		}, []string{"kind"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound JSON-RPC messages accepted, by transport kind.",
		}, []string{"kind"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound JSON-RPC messages framed, by transport kind.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Inbound payloads rejected before reaching the engine.",
		}, []string{"kind", "reason"}),
		authRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_rejected_total",
			Help:      "Requests refused by the access gate, by reason.",
		}, []string{"reason"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Sessions held in the session table.",
		}),
		sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Sessions closed after idling out or being pushed out of the table.",
		}),
	}

	c.registry.MustRegister(
		c.transportsOpen,
		c.transportsTotal,
		c.received,
		c.sent,
		c.rejected,
		c.authRejected,
		c.sessions,
		c.sessionsEvicted,
	)
	if o.runtime {
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

func (c *Collector) Opened(kind transport.Kind) {
	c.transportsOpen.WithLabelValues(string(kind)).Inc()
	c.transportsTotal.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) Closed(kind transport.Kind) {
	c.transportsOpen.WithLabelValues(string(kind)).Dec()
}

func (c *Collector) Received(kind transport.Kind) {
	c.received.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) Sent(kind transport.Kind) {
	c.sent.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) Rejected(kind transport.Kind, reason string) {
	c.rejected.WithLabelValues(string(kind), reason).Inc()
}

// AuthRejected counts one access-gate refusal. Its signature matches the
// gate's reject hook.
func (c *Collector) AuthRejected(reason string) {
	c.authRejected.WithLabelValues(reason).Inc()
}

// SessionOpened and SessionClosed track the live session gauge.
func (c *Collector) SessionOpened() { c.sessions.Inc() }

func (c *Collector) SessionClosed() { c.sessions.Dec() }

// SessionEvicted counts a session removed by the table rather than by its
// owner.
func (c *Collector) SessionEvicted() { c.sessionsEvicted.Inc() }

// Registry exposes the underlying registry for additional collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
