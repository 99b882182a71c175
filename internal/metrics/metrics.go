package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the agent. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Protocol metrics
	RequestsTotal      *prometheus.CounterVec
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionsRefused prometheus.Counter

	// Exec metrics
	ExecDuration    prometheus.Histogram
	ExecOutputBytes prometheus.Histogram
	ExecTimeouts    prometheus.Counter

	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionsClosed prometheus.Counter
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellagent_requests_total",
				Help: "Total number of protocol requests by action and status",
			},
			[]string{"action", "status"},
		),
		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellagent_connections_total",
				Help: "Total number of accepted connections by transport",
			},
			[]string{"transport"},
		),
		ConnectionsRefused: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "shellagent_tunnel_auth_failures_total",
				Help: "Total number of tunnel upgrades rejected for a bad secret",
			},
		),

		ExecDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shellagent_exec_duration_seconds",
				Help:    "Duration of command captures in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		ExecOutputBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shellagent_exec_output_bytes",
				Help:    "Raw PTY bytes gathered per command capture",
				Buckets: prometheus.ExponentialBuckets(64, 4, 8),
			},
		),
		ExecTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "shellagent_exec_timeouts_total",
				Help: "Total number of captures cut off by their timeout",
			},
		),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "shellagent_sessions_active",
				Help: "Number of currently registered sessions",
			},
		),
		SessionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "shellagent_sessions_total",
				Help: "Total number of sessions started",
			},
		),
		SessionsClosed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "shellagent_sessions_closed_total",
				Help: "Total number of sessions closed",
			},
		),
	}

	m.registerMetrics()

	return m
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.RequestsTotal)
	m.registry.MustRegister(m.ConnectionsTotal)
	m.registry.MustRegister(m.ConnectionsRefused)

	m.registry.MustRegister(m.ExecDuration)
	m.registry.MustRegister(m.ExecOutputBytes)
	m.registry.MustRegister(m.ExecTimeouts)

	m.registry.MustRegister(m.SessionsActive)
	m.registry.MustRegister(m.SessionsTotal)
	m.registry.MustRegister(m.SessionsClosed)
}

// Request counts one handled request.
func (m *Metrics) Request(action string, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(action, status).Inc()
}

// Connection counts one accepted connection.
func (m *Metrics) Connection(transport string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(transport).Inc()
}

// AuthFailure counts one rejected tunnel upgrade.
func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.ConnectionsRefused.Inc()
}

// Exec records one finished capture.
func (m *Metrics) Exec(elapsed time.Duration, rawBytes int, timedOut bool) {
	if m == nil {
		return
	}
	m.ExecDuration.Observe(elapsed.Seconds())
	m.ExecOutputBytes.Observe(float64(rawBytes))
	if timedOut {
		m.ExecTimeouts.Inc()
	}
}

// SessionStarted records a newly registered session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// SessionClosed records a session leaving the registry.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsClosed.Inc()
	m.SessionsActive.Dec()
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
