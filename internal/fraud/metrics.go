package fraud

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/verihive/backend/internal/core"
)

// Metrics exposes Prometheus metrics for the fraud pipeline. A nil
// *Metrics is valid and records nothing, which keeps tests free of
// duplicate-registration churn.
type Metrics struct {
	checksTotal   *prometheus.CounterVec
	riskScore     prometheus.Histogram
	signalScore   *prometheus.HistogramVec
	checkDuration prometheus.Histogram
	memoHits      prometheus.Counter
	memoMisses    prometheus.Counter
	intelFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		checksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_checks_total",
			Help: "Fraud checks by resulting risk level",
		}, []string{"level"}),
		riskScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fraud_risk_score",
			Help:    "Distribution of aggregate risk scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		signalScore: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fraud_signal_score",
			Help:    "Distribution of per-signal scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"signal"}),
		checkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fraud_check_duration_seconds",
			Help:    "Wall time of full fraud checks",
			Buckets: prometheus.DefBuckets,
		}),
		memoHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraud_memo_hits_total",
			Help: "Fraud checks served from the memo cache",
		}),
		memoMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraud_memo_misses_total",
			Help: "Fraud checks that ran the full pipeline",
		}),
		intelFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraud_intel_failures_total",
			Help: "IP intel lookups that failed or tripped the breaker",
		}),
	}
}

func (m *Metrics) RecordCheck(result *core.FraudDetectionResult, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.checksTotal.WithLabelValues(string(result.Level)).Inc()
	m.riskScore.Observe(result.RiskScore)
	m.signalScore.WithLabelValues("time").Observe(result.Signals.Time)
	m.signalScore.WithLabelValues("pattern").Observe(result.Signals.Pattern)
	m.signalScore.WithLabelValues("network").Observe(result.Signals.Network)
	m.signalScore.WithLabelValues("content").Observe(result.Signals.Content)
	m.checkDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordMemoHit() {
	if m == nil {
		return
	}
	m.memoHits.Inc()
}

func (m *Metrics) RecordMemoMiss() {
	if m == nil {
		return
	}
	m.memoMisses.Inc()
}

func (m *Metrics) RecordIntelFailure() {
	if m == nil {
		return
	}
	m.intelFailures.Inc()
}
