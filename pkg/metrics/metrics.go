// Package metrics exposes vaultlink counters to Prometheus.
//
// A nil *Metrics is valid and records nothing, so components take an
// optional *Metrics in their config.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vaultlink"

// Metrics holds the collectors for one process.
type Metrics struct {
	pairingCodes      *prometheus.CounterVec
	pairingHandshakes *prometheus.CounterVec
	sessionsActive    prometheus.Gauge
	sessionsClosed    *prometheus.CounterVec
	channelRejects    *prometheus.CounterVec
	exchanges         *prometheus.CounterVec
	exchangeDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
// A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pairingCodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pairing",
			Name:      "codes_total",
			Help:      "Pairing code lifecycle events.",
		}, []string{"event"}),
		pairingHandshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pairing",
			Name:      "handshakes_total",
			Help:      "Completed pairing handshakes by result.",
		}, []string{"result"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently active.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Sessions that left the active state.",
		}, []string{"status"}),
		channelRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "rejected_total",
			Help:      "Envelopes rejected by the channel codec.",
		}, []string{"kind"}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "total",
			Help:      "Credential exchanges by final state.",
		}, []string{"state"}),
		exchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "duration_seconds",
			Help:      "Time from request to final state.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"state"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.pairingCodes,
			m.pairingHandshakes,
			m.sessionsActive,
			m.sessionsClosed,
			m.channelRejects,
			m.exchanges,
			m.exchangeDuration,
		)
	}
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// CodeEvent counts a pairing code event (issued, consumed, expired, retired).
func (m *Metrics) CodeEvent(event string) {
	if m == nil {
		return
	}
	m.pairingCodes.WithLabelValues(event).Inc()
}

// Handshake counts a finished handshake; result is "success" or an error kind.
func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.pairingHandshakes.WithLabelValues(result).Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed moves a session out of the active gauge.
func (m *Metrics) SessionClosed(status string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(status).Inc()
}

// ChannelReject counts an envelope rejected with the given error kind.
func (m *Metrics) ChannelReject(kind string) {
	if m == nil {
		return
	}
	m.channelRejects.WithLabelValues(kind).Inc()
}

// ExchangeFinished records an exchange reaching a final state.
func (m *Metrics) ExchangeFinished(state string, seconds float64) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(state).Inc()
	m.exchangeDuration.WithLabelValues(state).Observe(seconds)
}
