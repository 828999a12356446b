// Package metrics provides Prometheus metrics for relayd.
//
// Every recording helper is safe to call on a nil *Metrics, so components
// take an optional *Metrics and never branch on whether metrics are enabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay kinds.
const (
	KindHTTP   = "http"
	KindTunnel = "tunnel"
)

// Relay results.
const (
	ResultOK          = "ok"
	ResultMalformed   = "malformed"
	ResultUnsupported = "unsupported"
	ResultUnavailable = "unavailable"
	ResultUpstreamIO  = "upstream_io"
	ResultClientIO    = "client_io"
	ResultTunnelSetup = "tunnel_setup"
	ResultPanic       = "panic"
)

// Byte directions.
const (
	Upstream   = "upstream"
	Downstream = "downstream"
)

var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300}

// Metrics holds all Prometheus metric collectors for relayd.
type Metrics struct {
	Registry *prometheus.Registry

	Accepted   *prometheus.CounterVec
	Rejected   *prometheus.CounterVec
	QueueDepth prometheus.Gauge

	UpstreamConnects *prometheus.CounterVec
	UpstreamBroken   prometheus.Counter

	Relays        *prometheus.CounterVec
	RelayDuration *prometheus.HistogramVec
	RelayedBytes  *prometheus.CounterVec
	TunnelsActive prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		Accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_accepted_total",
			Help: "Inbound connections handed to the request queue.",
		}, []string{"source"}),

		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_rejected_total",
			Help: "Inbound connections closed before reaching a worker.",
		}, []string{"source", "reason"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayd_queue_depth",
			Help: "Connections waiting in the request queue.",
		}),

		UpstreamConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_upstream_connects_total",
			Help: "Upstream connection attempts by result.",
		}, []string{"result"}),

		UpstreamBroken: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayd_upstream_broken_total",
			Help: "Upstream links discarded after an I/O failure.",
		}),

		Relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_relays_total",
			Help: "Serviced client connections by relay kind and result.",
		}, []string{"kind", "result"}),

		RelayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relayd_relay_duration_seconds",
			Help:    "Time spent servicing a client connection.",
			Buckets: defaultBuckets,
		}, []string{"kind"}),

		RelayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_relayed_bytes_total",
			Help: "Body and tunnel bytes relayed, by direction.",
		}, []string{"direction"}),

		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayd_tunnels_active",
			Help: "Tunnels currently pumping bytes.",
		}),
	}

	reg.MustRegister(
		m.Accepted,
		m.Rejected,
		m.QueueDepth,
		m.UpstreamConnects,
		m.UpstreamBroken,
		m.Relays,
		m.RelayDuration,
		m.RelayedBytes,
		m.TunnelsActive,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ObserveAccept records a connection enqueued by source and the resulting depth.
func (m *Metrics) ObserveAccept(source string, depth int) {
	if m == nil {
		return
	}
	m.Accepted.WithLabelValues(source).Inc()
	m.QueueDepth.Set(float64(depth))
}

// ObserveReject records a connection closed by an acceptor.
func (m *Metrics) ObserveReject(source, reason string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(source, reason).Inc()
}

// SetQueueDepth records the current queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// ObserveConnect records an upstream dial outcome.
func (m *Metrics) ObserveConnect(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.UpstreamConnects.WithLabelValues(result).Inc()
}

// ObserveBroken records an upstream link discarded after a failure.
func (m *Metrics) ObserveBroken() {
	if m == nil {
		return
	}
	m.UpstreamBroken.Inc()
}

// ObserveRelay records a finished client connection.
func (m *Metrics) ObserveRelay(kind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Relays.WithLabelValues(kind, result).Inc()
	m.RelayDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// AddBytes records relayed bytes in direction.
func (m *Metrics) AddBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RelayedBytes.WithLabelValues(direction).Add(float64(n))
}

// TunnelOpened increments the active tunnel gauge and returns a func that
// decrements it.
func (m *Metrics) TunnelOpened() func() {
	if m == nil {
		return func() {}
	}
	m.TunnelsActive.Inc()
	return m.TunnelsActive.Dec
}
