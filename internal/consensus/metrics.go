package consensus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/verihive/backend/internal/core"
)

// Metrics tracks consensus outcomes. Nil receivers record nothing.
type Metrics struct {
	processed  *prometheus.CounterVec
	confidence prometheus.Histogram
	agreement  prometheus.Histogram
	duration   prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_processed_total",
			Help: "Consensus rounds by strategy and resulting status",
		}, []string{"strategy", "status"}),
		confidence: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "consensus_confidence_score",
			Help:    "Distribution of consensus confidence scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		agreement: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "consensus_agreement_ratio",
			Help:    "Distribution of pairwise submission agreement",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "consensus_duration_seconds",
			Help:    "Wall time of consensus rounds",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) RecordProcess(strategy core.ConsensusStrategy, result *core.VerificationResult, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(string(strategy), string(result.Status)).Inc()
	m.confidence.Observe(result.ConfidenceScore)
	m.agreement.Observe(result.Agreement)
	m.duration.Observe(elapsed.Seconds())
}
