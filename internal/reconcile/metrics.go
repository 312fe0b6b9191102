package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	OutcomeCreated   = "created"
	OutcomeAccepted  = "accepted"
	OutcomeConflict  = "conflict"
	OutcomeForbidden = "forbidden"
	OutcomeInvalid   = "invalid"
	OutcomeError     = "error"
)

// Metrics counts reconciliation outcomes.
type Metrics struct {
	outcomes *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics registers the reconciliation metrics on reg. A nil reg
// creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "buildr_reconcile_total",
			Help: "Draft sync requests by outcome",
		}, []string{"outcome"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "buildr_reconcile_duration_seconds",
			Help:    "Time to reconcile one draft sync request",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}

func (m *Metrics) observe(outcome string, seconds float64) {
	if m == nil {
		return
	}

	m.outcomes.WithLabelValues(outcome).Inc()
	m.duration.Observe(seconds)
}
