package auction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/verihive/backend/internal/core"
)

// Metrics instruments the auction lifecycle. Nil-safe.
type Metrics struct {
	created      *prometheus.CounterVec
	closed       prometheus.Counter
	cancelled    prometheus.Counter
	bids         prometheus.Counter
	bidsRejected *prometheus.CounterVec
	sweptBids    prometheus.Counter
	winnerCount  prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		created: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_created_total",
			Help: "Auctions opened, by task priority.",
		}, []string{"priority"}),
		closed: factory.NewCounter(prometheus.CounterOpts{
			Name: "auction_closed_total",
			Help: "Auctions settled.",
		}),
		cancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "auction_cancelled_total",
			Help: "Auctions cancelled before settling.",
		}),
		bids: factory.NewCounter(prometheus.CounterOpts{
			Name: "auction_bids_total",
			Help: "Bids accepted.",
		}),
		bidsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_bids_rejected_total",
			Help: "Bids refused, by reason.",
		}, []string{"reason"}),
		sweptBids: factory.NewCounter(prometheus.CounterOpts{
			Name: "auction_swept_bids_total",
			Help: "Bids dropped by the close-time fraud sweep.",
		}),
		winnerCount: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "auction_winners_per_close",
			Help:    "Winners selected per settled auction.",
			Buckets: prometheus.LinearBuckets(0, 1, 8),
		}),
	}
}

func (m *Metrics) RecordCreate(p core.TaskPriority) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(string(p)).Inc()
}

func (m *Metrics) RecordBid() {
	if m == nil {
		return
	}
	m.bids.Inc()
}

func (m *Metrics) RecordBidRejected(reason string) {
	if m == nil {
		return
	}
	m.bidsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordClose(winners int) {
	if m == nil {
		return
	}
	m.closed.Inc()
	m.winnerCount.Observe(float64(winners))
}

func (m *Metrics) RecordSweptBids(n int) {
	if m == nil {
		return
	}
	m.sweptBids.Add(float64(n))
}

func (m *Metrics) RecordCancel() {
	if m == nil {
		return
	}
	m.cancelled.Inc()
}
