package distributor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/verihive/backend/internal/core"
)

// Metrics tracks distribution outcomes. All methods are nil-safe.
type Metrics struct {
	distributions  *prometheus.CounterVec
	assignments    prometheus.Histogram
	notifyFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		distributions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "distributor_distributions_total",
			Help: "Completed task distributions by strategy.",
		}, []string{"strategy"}),
		assignments: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "distributor_assignments_per_task",
			Help:    "Assignments produced per distributed task.",
			Buckets: prometheus.LinearBuckets(0, 2, 11),
		}),
		notifyFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "distributor_notify_failures_total",
			Help: "Worker notifications that could not be delivered.",
		}),
	}
}

func (m *Metrics) RecordDistribution(strategy core.DistributionStrategy, assignments int) {
	if m == nil {
		return
	}
	m.distributions.WithLabelValues(string(strategy)).Inc()
	m.assignments.Observe(float64(assignments))
}

func (m *Metrics) RecordNotifyFailure() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}
