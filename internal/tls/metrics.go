package tls

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels used by TLS metrics
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// TLSMetricsCollector handles TLS-specific metrics collection. A nil collector
// records nothing.
type TLSMetricsCollector struct {
	handshakesTotal   *prometheus.CounterVec
	handshakeDuration *prometheus.HistogramVec
	connectionsActive *prometheus.GaugeVec
	certificateExpiry *prometheus.GaugeVec
}

// NewTLSMetricsCollector creates the collector and registers it with reg.
// A nil reg leaves the metrics unregistered.
func NewTLSMetricsCollector(reg prometheus.Registerer) (*TLSMetricsCollector, error) {
	collector := &TLSMetricsCollector{
		handshakesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tls_handshakes_total",
				Help: "Total number of peer certificate verdicts by role, outcome and reason",
			},
			[]string{"role", "outcome", "reason"},
		),
		handshakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tls_handshake_duration_seconds",
				Help:    "Time from connection start to peer certificate verdict in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"role", "outcome"},
		),
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tls_connections_active",
				Help: "Number of currently open TLS connections",
			},
			[]string{"role"},
		),
		certificateExpiry: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tls_certificate_expiry_timestamp_seconds",
				Help: "NotAfter of the local certificate as a Unix timestamp",
			},
			[]string{"role", "subject"},
		),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			collector.handshakesTotal,
			collector.handshakeDuration,
			collector.connectionsActive,
			collector.certificateExpiry,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return collector, nil
}

// RecordHandshakeAccepted records an accepted peer certificate.
func (m *TLSMetricsCollector) RecordHandshakeAccepted(role string, duration time.Duration) {
	if m == nil {
		return
	}
	m.handshakesTotal.WithLabelValues(role, OutcomeAccepted, "").Inc()
	m.handshakeDuration.WithLabelValues(role, OutcomeAccepted).Observe(duration.Seconds())
}

// RecordHandshakeRejected records a rejected peer certificate with its reason.
func (m *TLSMetricsCollector) RecordHandshakeRejected(role string, reason TLSErrorType, duration time.Duration) {
	if m == nil {
		return
	}
	m.handshakesTotal.WithLabelValues(role, OutcomeRejected, string(reason)).Inc()
	m.handshakeDuration.WithLabelValues(role, OutcomeRejected).Observe(duration.Seconds())
}

// RecordConnectionStart increments the active connection gauge.
func (m *TLSMetricsCollector) RecordConnectionStart(role string) {
	if m == nil {
		return
	}
	m.connectionsActive.WithLabelValues(role).Inc()
}

// RecordConnectionEnd decrements the active connection gauge.
func (m *TLSMetricsCollector) RecordConnectionEnd(role string) {
	if m == nil {
		return
	}
	m.connectionsActive.WithLabelValues(role).Dec()
}

// RecordCertificateExpiry exports the expiry of the local certificate.
func (m *TLSMetricsCollector) RecordCertificateExpiry(role, subject string, notAfter time.Time) {
	if m == nil {
		return
	}
	m.certificateExpiry.WithLabelValues(role, subject).Set(float64(notAfter.Unix()))
}

// HandshakeCount returns the counter for role/outcome/reason, for tests and diagnostics.
func (m *TLSMetricsCollector) HandshakeCount(role, outcome string, reason TLSErrorType) prometheus.Counter {
	return m.handshakesTotal.WithLabelValues(role, outcome, string(reason))
}
