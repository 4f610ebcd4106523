// Package metrics provides Prometheus instrumentation for the auth server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warden"

// Metrics holds every collector exported by the server. Each instance owns its
// registry so that tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections  prometheus.Gauge
	TotalConnections   *prometheus.CounterVec
	HandshakeFailures  prometheus.Counter
	ConnectionDuration prometheus.Histogram

	ProtocolViolations *prometheus.CounterVec
	AuthAttempts       *prometheus.CounterVec

	DatabaseRequests *prometheus.CounterVec
	DatabaseErrors   prometheus.Counter
	DatabaseDuration prometheus.Histogram
}

// New creates a Metrics instance with all counters, gauges and histograms
// registered against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently registered client connections",
		}),
		TotalConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted connections",
		}, []string{"status"}),
		HandshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tls_handshake_failures_total",
			Help:      "Total number of failed TLS handshakes",
		}),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Connection duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
		}),
		ProtocolViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Total number of connections closed or reset for protocol violations",
		}, []string{"reason"}),
		AuthAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Total number of authentication steps by stage and result",
		}, []string{"stage", "result"}),
		DatabaseRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_requests_total",
			Help:      "Total number of statements executed by the database worker",
		}, []string{"statement"}),
		DatabaseErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_errors_total",
			Help:      "Total number of failed database statements",
		}),
		DatabaseDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "database_duration_seconds",
			Help:      "Database statement duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the /metrics HTTP handler for this instance.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveDatabase tracks a single statement execution.
func (m *Metrics) ObserveDatabase(statement string, f func() error) error {
	start := time.Now()
	err := f()
	m.DatabaseDuration.Observe(time.Since(start).Seconds())
	m.DatabaseRequests.WithLabelValues(statement).Inc()
	if err != nil {
		m.DatabaseErrors.Inc()
	}
	return err
}
