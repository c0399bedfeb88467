package reputation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/verihive/backend/internal/core"
)

// Metrics instruments reputation updates. All methods are nil-safe so the
// service can run uninstrumented in tests.
type Metrics struct {
	applied       *prometheus.CounterVec
	earnedPoints  prometheus.Histogram
	promotions    prometheus.Counter
	decayedTotal  prometheus.Counter
	applyDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		applied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reputation_updates_total",
			Help: "Reputation updates applied, by task type.",
		}, []string{"task_type"}),
		earnedPoints: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "reputation_earned_points",
			Help:    "Points earned per verification round.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		promotions: factory.NewCounter(prometheus.CounterOpts{
			Name: "reputation_promotions_total",
			Help: "Level promotions granted.",
		}),
		decayedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "reputation_decayed_total",
			Help: "Workers decayed for inactivity.",
		}),
		applyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "reputation_apply_duration_seconds",
			Help:    "Latency of applying one verification outcome.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) RecordApply(taskType core.TaskType, earned float64, promoted bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.applied.WithLabelValues(string(taskType)).Inc()
	m.earnedPoints.Observe(earned)
	if promoted {
		m.promotions.Inc()
	}
	m.applyDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordDecay(count int) {
	if m == nil {
		return
	}
	m.decayedTotal.Add(float64(count))
}
