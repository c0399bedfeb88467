package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/verihive/backend/internal/core"
)

// Metrics tracks pipeline outcomes. All methods are nil-safe.
type Metrics struct {
	tasksCreated    *prometheus.CounterVec
	submissions     prometheus.Counter
	fraudRejections *prometheus.CounterVec
	consensusRounds *prometheus.CounterVec
	retries         *prometheus.CounterVec
	deadLetters     prometheus.Counter
	duplicates      prometheus.Counter
	pipelineSeconds prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		tasksCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_tasks_created_total",
			Help: "Tasks accepted and distributed, by final strategy.",
		}, []string{"strategy"}),
		submissions: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_submissions_total",
			Help: "Submissions run through the pipeline.",
		}),
		fraudRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_fraud_rejections_total",
			Help: "Submissions rejected by fraud level.",
		}, []string{"level"}),
		consensusRounds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_consensus_rounds_total",
			Help: "Consensus settlements by terminal task status.",
		}, []string{"status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_storage_retries_total",
			Help: "Transient storage retries by operation.",
		}, []string{"op"}),
		deadLetters: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_dead_letters_total",
			Help: "Submissions parked after retry exhaustion.",
		}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_duplicate_messages_total",
			Help: "Queue messages dropped by the dedup store.",
		}),
		pipelineSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_submission_pipeline_seconds",
			Help:    "Wall time of one submission through the pipeline.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) RecordTaskCreated(strategy core.DistributionStrategy) {
	if m == nil {
		return
	}
	m.tasksCreated.WithLabelValues(string(strategy)).Inc()
}

func (m *Metrics) RecordSubmission(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.submissions.Inc()
	m.pipelineSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordFraudRejection(level core.FraudLevel) {
	if m == nil {
		return
	}
	m.fraudRejections.WithLabelValues(string(level)).Inc()
}

func (m *Metrics) RecordConsensus(status core.TaskStatus) {
	if m == nil {
		return
	}
	m.consensusRounds.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) RecordRetry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordDeadLetter() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}
