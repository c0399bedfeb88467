package matcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/verihive/backend/internal/core"
)

// Metrics instruments match rankings. Nil-safe.
type Metrics struct {
	rankings      *prometheus.CounterVec
	insufficient  *prometheus.CounterVec
	eligibleRatio prometheus.Histogram
	topScore      prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		rankings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matcher_rankings_total",
			Help: "Completed rankings, by strategy.",
		}, []string{"strategy"}),
		insufficient: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matcher_insufficient_total",
			Help: "Rankings aborted for lack of eligible workers, by strategy.",
		}, []string{"strategy"}),
		eligibleRatio: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "matcher_eligible_ratio",
			Help:    "Eligible candidates as a fraction of the pool.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		topScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "matcher_top_score",
			Help:    "Score of the best-ranked worker per match.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
	}
}

func (m *Metrics) RecordRanking(strategy core.MatchingStrategy, eligible, pool int, top float64) {
	if m == nil {
		return
	}
	m.rankings.WithLabelValues(string(strategy)).Inc()
	if pool > 0 {
		m.eligibleRatio.Observe(float64(eligible) / float64(pool))
	}
	m.topScore.Observe(top)
}

func (m *Metrics) RecordInsufficient(strategy core.MatchingStrategy) {
	if m == nil {
		return
	}
	m.insufficient.WithLabelValues(string(strategy)).Inc()
}
