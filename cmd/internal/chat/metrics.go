package chat

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the client's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	state         prometheus.Gauge
	connects      *prometheus.CounterVec
	lost          prometheus.Counter
	reconnects    prometheus.Counter
	subscriptions prometheus.Gauge
	inbound       *prometheus.CounterVec
	sends         *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "educhat",
			Subsystem: "connection",
			Name:      "state",
			Help:      "Connection state (0=disconnected, 1=connecting, 2=connected).",
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "educhat",
			Subsystem: "connection",
			Name:      "attempts_total",
			Help:      "Connection attempts by result.",
		}, []string{"result"}),
		lost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "educhat",
			Subsystem: "connection",
			Name:      "lost_total",
			Help:      "Live sessions lost without an explicit disconnect.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "educhat",
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts fired by the backoff policy.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "educhat",
			Subsystem: "subscriptions",
			Name:      "active",
			Help:      "Underlying broker subscriptions currently held.",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "educhat",
			Subsystem: "messages",
			Name:      "inbound_total",
			Help:      "Inbound frames by outcome (delivered, malformed, duplicate).",
		}, []string{"outcome"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "educhat",
			Subsystem: "messages",
			Name:      "sends_total",
			Help:      "Outbound sends by delivery path and result.",
		}, []string{"path", "result"}),
	}

	reg.MustRegister(m.state, m.connects, m.lost, m.reconnects, m.subscriptions, m.inbound, m.sends)
	return m
}

func (m *Metrics) setState(s ConnectionState) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *Metrics) connectResult(result string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(result).Inc()
}

func (m *Metrics) connectionLost() {
	if m == nil {
		return
	}
	m.lost.Inc()
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) setSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

func (m *Metrics) inboundOutcome(outcome string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(outcome).Inc()
}

func (m *Metrics) sendResult(path, result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(path, result).Inc()
}
