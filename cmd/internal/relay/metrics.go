package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's instrumentation.
// A nil *Metrics disables instrumentation (all methods are nil-safe).
type Metrics struct {
	connections   prometheus.Gauge
	framesRelayed *prometheus.CounterVec
	framesDropped prometheus.Counter
	helloFailures prometheus.Counter
}

// NewMetrics constructs and registers the relay collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coedit",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Currently connected websocket sessions.",
		}),
		framesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coedit",
			Subsystem: "relay",
			Name:      "frames_relayed_total",
			Help:      "Frames forwarded to room peers, by envelope type.",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coedit",
			Subsystem: "relay",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped under member backpressure.",
		}),
		helloFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coedit",
			Subsystem: "relay",
			Name:      "hello_failures_total",
			Help:      "Failed session handshakes (room full, closed, invalid).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.framesRelayed, m.framesDropped, m.helloFailures)
	}
	return m
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) relayed(envType string) {
	if m != nil {
		m.framesRelayed.WithLabelValues(envType).Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

func (m *Metrics) helloFailed() {
	if m != nil {
		m.helloFailures.Inc()
	}
}
