package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the process-wide Prometheus registry.
type Metrics struct {
	Registry *prometheus.Registry

	opsSubmitted *prometheus.CounterVec
	docsSeeded   prometheus.Counter
}

// NewMetrics builds the registry with runtime collectors and the
// operation-log instrumentation.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		opsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coedit",
			Subsystem: "oplog",
			Name:      "operations_total",
			Help:      "Operation submissions by outcome.",
		}, []string{"outcome"}),
		docsSeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coedit",
			Subsystem: "oplog",
			Name:      "documents_seeded_total",
			Help:      "Rooms seeded through initializeDocument.",
		}),
	}
	reg.MustRegister(m.opsSubmitted, m.docsSeeded)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Submission outcomes.
const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "duplicate"
	outcomeRejected  = "rejected"
	outcomeError     = "error"
)

func (m *Metrics) submission(outcome string) {
	if m != nil {
		m.opsSubmitted.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) seeded() {
	if m != nil {
		m.docsSeeded.Inc()
	}
}
