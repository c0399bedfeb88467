package reputation

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/verihive/backend/internal/config"
	"github.com/verihive/backend/internal/core"
	"github.com/verihive/backend/internal/events"
)

// WorkerLister enumerates workers for the decay sweep.
type WorkerLister interface {
	ListWorkersByStatus(ctx context.Context, status core.WorkerStatus, limit int) ([]core.WorkerProfile, error)
}

// Decay defaults, applied when the config leaves fields unset.
const (
	defaultIdleDays      = 7
	defaultDecayRate     = 0.05
	defaultDecayFloor    = 25.0
	defaultIntervalHours = 24
)

// decaySweepStatuses are the states eligible for decay. Suspended workers
// are frozen until review resolves them, busy workers are active by
// definition.
var decaySweepStatuses = []core.WorkerStatus{
	core.WorkerAvailable,
	core.WorkerInactive,
}

// DecayScheduler erodes the reputation score of idle workers on a fixed
// interval so a stale score cannot keep winning assignments forever.
// Lifetime points and level are never decayed.
type DecayScheduler struct {
	cfg     config.DecayConfig
	workers WorkerStore
	lister  WorkerLister
	bus     *events.EventBus
	metrics *Metrics

	stopCh  chan struct{}
	stopped sync.Once
	logger  *log.Logger
}

// NewDecayScheduler builds the scheduler and starts its loop when decay is
// enabled. Callers that only want manual sweeps leave Enabled false and
// call SweepNow themselves.
func NewDecayScheduler(cfg config.DecayConfig, workers WorkerStore, lister WorkerLister, bus *events.EventBus) *DecayScheduler {
	if cfg.IdleDays <= 0 {
		cfg.IdleDays = defaultIdleDays
	}
	if cfg.Rate <= 0 || cfg.Rate >= 1 {
		cfg.Rate = defaultDecayRate
	}
	if cfg.Floor <= 0 {
		cfg.Floor = defaultDecayFloor
	}
	if cfg.IntervalHours <= 0 {
		cfg.IntervalHours = defaultIntervalHours
	}

	ds := &DecayScheduler{
		cfg:     cfg,
		workers: workers,
		lister:  lister,
		bus:     bus,
		stopCh:  make(chan struct{}),
		logger:  log.New(log.Writer(), "[DECAY] ", log.LstdFlags),
	}

	if cfg.Enabled {
		go ds.run()
		ds.logger.Printf("🔄 decay scheduler started (every %dh, idle %dd, rate %.2f, floor %.1f)",
			cfg.IntervalHours, cfg.IdleDays, cfg.Rate, cfg.Floor)
	}
	return ds
}

// SetMetrics installs Prometheus instrumentation.
func (ds *DecayScheduler) SetMetrics(m *Metrics) {
	ds.metrics = m
}

func (ds *DecayScheduler) run() {
	ticker := time.NewTicker(time.Duration(ds.cfg.IntervalHours) * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ds.SweepNow(context.Background())
		case <-ds.stopCh:
			return
		}
	}
}

// SweepNow runs one decay pass and returns how many workers were decayed.
func (ds *DecayScheduler) SweepNow(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-time.Duration(ds.cfg.IdleDays) * 24 * time.Hour)
	decayed := 0

	for _, status := range decaySweepStatuses {
		workers, err := ds.lister.ListWorkersByStatus(ctx, status, 0)
		if err != nil {
			ds.logger.Printf("⚠️ decay sweep: list %s workers: %v", status, err)
			continue
		}

		for i := range workers {
			w := &workers[i]
			idleSince := w.LastActiveAt
			if idleSince.IsZero() {
				idleSince = w.CreatedAt
			}
			if idleSince.After(cutoff) {
				continue
			}
			if w.ReputationScore <= ds.cfg.Floor {
				continue
			}
			if ds.decayWorker(ctx, w.ID) {
				decayed++
			}
		}
	}

	if decayed > 0 {
		ds.logger.Printf("🧹 decay sweep complete: %d workers decayed", decayed)
		ds.metrics.RecordDecay(decayed)
	}
	return decayed
}

// decayWorker applies one decay step under the worker's mutation lock.
// The idle and floor checks run again inside the closure because the
// roster snapshot may be stale by the time the lock is held.
func (ds *DecayScheduler) decayWorker(ctx context.Context, workerID string) bool {
	cutoff := time.Now().UTC().Add(-time.Duration(ds.cfg.IdleDays) * 24 * time.Hour)
	changed := false

	updated, err := ds.workers.Mutate(ctx, workerID, func(w *core.WorkerProfile) error {
		idleSince := w.LastActiveAt
		if idleSince.IsZero() {
			idleSince = w.CreatedAt
		}
		if idleSince.After(cutoff) || w.ReputationScore <= ds.cfg.Floor {
			return nil
		}
		before := w.ReputationScore
		after := before * (1 - ds.cfg.Rate)
		if after < ds.cfg.Floor {
			after = ds.cfg.Floor
		}
		w.ReputationScore = after
		changed = true
		ds.logger.Printf("🧹 decayed idle worker %s: %.1f → %.1f", workerID, before, after)
		return nil
	})
	if err != nil {
		ds.logger.Printf("⚠️ decay worker %s: %v", workerID, err)
		return false
	}

	if changed && ds.bus != nil {
		ds.bus.Emit(events.ReputationUpdated, "/verifier/reputation", workerID, map[string]interface{}{
			"score":   updated.ReputationScore,
			"points":  updated.ReputationPoints,
			"level":   string(updated.Level),
			"decayed": true,
		})
	}
	return changed
}

// Stop halts the scheduler loop. Safe to call more than once.
func (ds *DecayScheduler) Stop() {
	ds.stopped.Do(func() {
		close(ds.stopCh)
	})
}
