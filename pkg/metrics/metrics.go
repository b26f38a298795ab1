// Package metrics exposes Prometheus metrics for the AAA engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Authentication metrics
	authRequestsTotal *prometheus.CounterVec
	authLatency       prometheus.Histogram
	lockoutsTotal     prometheus.Counter

	// Session metrics
	sessionsActive prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec
	sessionBytes   *prometheus.CounterVec

	// Policy metrics
	policyDecisions *prometheus.CounterVec

	// Fleet metrics
	heartbeatsTotal *prometheus.CounterVec
	serversHealthy  prometheus.Gauge
}

// New creates a new Metrics instance
func New() *Metrics {
	return &Metrics{
		authRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_auth_requests_total",
				Help: "Total authentication requests by decision and reason",
			},
			[]string{"decision", "reason"},
		),

		authLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "aaa_auth_latency_seconds",
				Help:    "Authentication request latency",
				Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
			},
		),

		lockoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aaa_lockouts_total",
				Help: "Total account lockouts triggered",
			},
		),

		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aaa_sessions_active",
				Help: "Number of active accounting sessions",
			},
		),

		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_sessions_total",
				Help: "Total sessions by terminal status",
			},
			[]string{"status"},
		),

		sessionBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_session_bytes_total",
				Help: "Total accounted bytes by direction",
			},
			[]string{"direction"},
		),

		policyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_policy_decisions_total",
				Help: "Total policy evaluations by decision",
			},
			[]string{"decision"},
		),

		heartbeatsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_heartbeats_total",
				Help: "Total server heartbeats by result",
			},
			[]string{"result"},
		),

		serversHealthy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aaa_servers_healthy",
				Help: "Number of healthy AAA servers",
			},
		),
	}
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.authRequestsTotal,
		m.authLatency,
		m.lockoutsTotal,
		m.sessionsActive,
		m.sessionsTotal,
		m.sessionBytes,
		m.policyDecisions,
		m.heartbeatsTotal,
		m.serversHealthy,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// RecordAuthRequest records one authentication outcome
func (m *Metrics) RecordAuthRequest(decision, reason string, latencySeconds float64) {
	m.authRequestsTotal.WithLabelValues(decision, reason).Inc()
	m.authLatency.Observe(latencySeconds)
}

// RecordLockout records a triggered lockout
func (m *Metrics) RecordLockout() {
	m.lockoutsTotal.Inc()
}

// SetActiveSessions sets the active session gauge
func (m *Metrics) SetActiveSessions(count int) {
	m.sessionsActive.Set(float64(count))
}

// RecordSessionClosed records a session reaching a terminal status
func (m *Metrics) RecordSessionClosed(status string, bytesSent, bytesReceived uint64) {
	m.sessionsTotal.WithLabelValues(status).Inc()
	m.sessionBytes.WithLabelValues("sent").Add(float64(bytesSent))
	m.sessionBytes.WithLabelValues("received").Add(float64(bytesReceived))
}

// RecordPolicyDecision records one policy evaluation
func (m *Metrics) RecordPolicyDecision(permit bool) {
	decision := "deny"
	if permit {
		decision = "permit"
	}
	m.policyDecisions.WithLabelValues(decision).Inc()
}

// RecordHeartbeat records one heartbeat ingestion result
func (m *Metrics) RecordHeartbeat(result string) {
	m.heartbeatsTotal.WithLabelValues(result).Inc()
}

// SetServersHealthy sets the healthy server gauge
func (m *Metrics) SetServersHealthy(count int) {
	m.serversHealthy.Set(float64(count))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
