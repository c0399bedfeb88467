package activity

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/verihive/backend/internal/config"
	"github.com/verihive/backend/internal/core"
	"github.com/verihive/backend/internal/storage"
)

// Index is the in-memory time-series of worker submission activity.
// It is the source of truth for the trailing-window queries the fraud
// detectors run. Entries expire after the retention period; a GC sweep
// removes them. Records are append-only and idempotent on
// (workerID, taskID, timestamp).
type Index struct {
	mu       sync.RWMutex
	byWorker map[string][]core.WorkerActivity
	seen     map[string]time.Time

	window    time.Duration
	retention time.Duration
	mirror    storage.ActivityLogStore

	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *log.Logger
}

// New creates the index and starts its GC loop. mirror may be nil; when
// set, every record is also journaled durably, best-effort.
func New(cfg config.ActivityConfig, mirror storage.ActivityLogStore) *Index {
	idx := &Index{
		byWorker:  make(map[string][]core.WorkerActivity),
		seen:      make(map[string]time.Time),
		window:    time.Duration(cfg.WindowMinutes) * time.Minute,
		retention: time.Duration(cfg.RetentionHours) * time.Hour,
		mirror:    mirror,
		stopCh:    make(chan struct{}),
		logger:    log.New(log.Writer(), "[ACTIVITY] ", log.LstdFlags),
	}
	if idx.window <= 0 {
		idx.window = time.Hour
	}
	if idx.retention <= 0 {
		idx.retention = 24 * time.Hour
	}

	gcInterval := time.Duration(cfg.GCIntervalMinutes) * time.Minute
	if gcInterval <= 0 {
		gcInterval = 10 * time.Minute
	}
	go idx.gcLoop(gcInterval)

	return idx
}

// Record appends one activity event. Re-recording the same
// (workerID, taskID, timestamp) is a no-op, which makes queue
// redeliveries harmless.
func (idx *Index) Record(ctx context.Context, a core.WorkerActivity) error {
	if a.WorkerID == "" {
		return core.NewValidationError("worker_id", "must not be empty")
	}
	if a.TaskID == "" {
		return core.NewValidationError("task_id", "must not be empty")
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	key := dedupKey(a)

	idx.mu.Lock()
	if _, dup := idx.seen[key]; dup {
		idx.mu.Unlock()
		return nil
	}
	idx.seen[key] = a.Timestamp
	idx.byWorker[a.WorkerID] = insertOrdered(idx.byWorker[a.WorkerID], a)
	idx.mu.Unlock()

	if idx.mirror != nil {
		go func() {
			mirrorCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := idx.mirror.AppendActivity(mirrorCtx, a); err != nil {
				idx.logger.Printf("⚠️ Activity mirror write failed for %s/%s: %v", a.WorkerID, a.TaskID, err)
			}
		}()
	}

	return nil
}

// RecentActivity returns the worker's activities inside the trailing
// window, oldest first. window <= 0 selects the configured default.
func (idx *Index) RecentActivity(ctx context.Context, workerID string, window time.Duration) ([]core.WorkerActivity, error) {
	if workerID == "" {
		return nil, core.NewValidationError("worker_id", "must not be empty")
	}
	if window <= 0 {
		window = idx.window
	}
	cutoff := time.Now().Add(-window)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	all := idx.byWorker[workerID]
	// Entries are ascending; find the first inside the window.
	start := len(all)
	for i, a := range all {
		if !a.Timestamp.Before(cutoff) {
			start = i
			break
		}
	}
	if start == len(all) {
		return nil, nil
	}

	out := make([]core.WorkerActivity, len(all)-start)
	copy(out, all[start:])
	return out, nil
}

// insertOrdered keeps the per-worker slice ascending by timestamp.
// Appends dominate; out-of-order entries walk back to their slot.
func insertOrdered(list []core.WorkerActivity, a core.WorkerActivity) []core.WorkerActivity {
	list = append(list, a)
	for i := len(list) - 1; i > 0 && list[i].Timestamp.Before(list[i-1].Timestamp); i-- {
		list[i], list[i-1] = list[i-1], list[i]
	}
	return list
}

func dedupKey(a core.WorkerActivity) string {
	return fmt.Sprintf("%s|%s|%d", a.WorkerID, a.TaskID, a.Timestamp.UnixNano())
}

func (idx *Index) gcLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			idx.gc()
		case <-idx.stopCh:
			return
		}
	}
}

// gc drops events and dedup keys older than the retention period.
func (idx *Index) gc() {
	cutoff := time.Now().Add(-idx.retention)
	removed := 0

	idx.mu.Lock()
	for workerID, list := range idx.byWorker {
		keep := len(list)
		for i, a := range list {
			if !a.Timestamp.Before(cutoff) {
				keep = i
				break
			}
		}
		if keep == 0 {
			continue
		}
		removed += keep
		if keep == len(list) {
			delete(idx.byWorker, workerID)
			continue
		}
		idx.byWorker[workerID] = append([]core.WorkerActivity(nil), list[keep:]...)
	}
	for key, ts := range idx.seen {
		if ts.Before(cutoff) {
			delete(idx.seen, key)
		}
	}
	idx.mu.Unlock()

	if removed > 0 {
		idx.logger.Printf("🧹 Activity GC removed %d expired events", removed)
	}
}

// Stop terminates the GC loop.
func (idx *Index) Stop() {
	idx.stopOnce.Do(func() { close(idx.stopCh) })
}

// Stats returns index telemetry.
func (idx *Index) Stats() map[string]interface{} {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	events := 0
	for _, list := range idx.byWorker {
		events += len(list)
	}
	return map[string]interface{}{
		"workers":         len(idx.byWorker),
		"events":          events,
		"window_minutes":  idx.window.Minutes(),
		"retention_hours": idx.retention.Hours(),
	}
}
