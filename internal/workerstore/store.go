package workerstore

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/verihive/backend/internal/config"
	"github.com/verihive/backend/internal/core"
	"github.com/verihive/backend/internal/events"
	"github.com/verihive/backend/internal/notify"
	"github.com/verihive/backend/internal/storage"
)

// workloadWarningThreshold is the active-assignment count at which a
// worker gets a WORKLOAD_WARNING notification.
const workloadWarningThreshold = 10

// Store is the authoritative access path for worker profiles. Reads are
// served from a TTL cache; writes go through to the backing store and
// invalidate the cached entry before returning. Writes to the same
// worker are serialized by a per-worker lock.
type Store struct {
	backend  storage.WorkerRecordStore
	cache    *ProfileCache
	locks    *lockTable
	events   events.EventEmitter
	notifier notify.Notifier
	logger   *log.Logger

	rosterMu  sync.RWMutex
	roster    map[string]rosterEntry
	rosterTTL time.Duration
}

// rosterEntry caches one ListWorkersByStatus result. Cheaper than a
// full index scan on every broadcast.
type rosterEntry struct {
	workers   []core.WorkerProfile
	expiresAt time.Time
}

// New creates a Store. cache may be nil to get the default bounded
// cache; emitter and notifier may be nil when the caller does not wire
// events or notifications.
func New(backend storage.WorkerRecordStore, cfg config.WorkerStoreConfig, cache *ProfileCache, emitter events.EventEmitter, notifier notify.Notifier) *Store {
	if cache == nil {
		cache = NewProfileCache(time.Duration(cfg.ProfileTTLMinutes)*time.Minute, cfg.CacheCapacity)
	}
	return &Store{
		backend:   backend,
		cache:     cache,
		locks:     newLockTable(),
		events:    emitter,
		notifier:  notifier,
		logger:    log.New(log.Writer(), "[WORKERS] ", log.LstdFlags),
		roster:    make(map[string]rosterEntry),
		rosterTTL: time.Duration(cfg.ActivityTTLMinutes) * time.Minute,
	}
}

// GetWorker returns the worker profile. With allowStale the cache may
// serve an expired entry; non-critical read paths use this to stay off
// the storage hot path.
func (s *Store) GetWorker(ctx context.Context, id string, allowStale bool) (*core.WorkerProfile, error) {
	if id == "" {
		return nil, core.NewValidationError("worker_id", "must not be empty")
	}

	if cached, fresh := s.cache.Get(id); cached != nil && (fresh || allowStale) {
		return cached, nil
	}

	profile, err := s.backend.GetWorker(ctx, id)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrWorkerNotFound, id)
	}

	s.cache.Put(profile)
	return profile, nil
}

// CreateWorker registers a new worker profile with sane defaults.
func (s *Store) CreateWorker(ctx context.Context, profile *core.WorkerProfile) error {
	if profile == nil || profile.ID == "" {
		return core.NewValidationError("worker_id", "must not be empty")
	}
	if profile.Status == "" {
		profile.Status = core.WorkerAvailable
	}
	if !profile.Status.Valid() {
		return core.NewValidationError("status", fmt.Sprintf("unknown worker status %q", profile.Status))
	}
	if profile.Level == "" {
		profile.Level = core.LevelBeginner
	}
	if !profile.Level.Valid() {
		return core.NewValidationError("level", fmt.Sprintf("unknown worker level %q", profile.Level))
	}
	if profile.Skills == nil {
		profile.Skills = make(map[core.TaskType]float64)
	}
	if profile.Metrics == nil {
		profile.Metrics = make(map[core.TaskType]core.PerformanceMetrics)
	}

	now := time.Now().UTC()
	profile.CreatedAt = now
	profile.UpdatedAt = now
	profile.LastActiveAt = now

	if err := s.backend.CreateWorker(ctx, profile); err != nil {
		return err
	}

	s.cache.Put(profile)
	s.invalidateRoster()
	s.logger.Printf("✅ Worker registered: %s (level=%s)", profile.ID, profile.Level)
	return nil
}

// UpdateProfile replaces the stored profile wholesale. Prefer Mutate for
// read-modify-write cycles.
func (s *Store) UpdateProfile(ctx context.Context, profile *core.WorkerProfile) error {
	if profile == nil || profile.ID == "" {
		return core.NewValidationError("worker_id", "must not be empty")
	}

	release := s.locks.acquire(profile.ID)
	defer release()

	existing, err := s.backend.GetWorker(ctx, profile.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("%w: %s", core.ErrWorkerNotFound, profile.ID)
	}

	profile.UpdatedAt = time.Now().UTC()
	if err := s.backend.UpdateWorker(ctx, profile); err != nil {
		return err
	}

	s.cache.Invalidate(profile.ID)
	if existing.Status != profile.Status {
		s.invalidateRoster()
	}
	return nil
}

// Mutate runs a serialized read-modify-write on one worker: the profile
// is loaded fresh under the per-worker lock, fn mutates it, and the
// result is persisted with the cache entry invalidated before return.
func (s *Store) Mutate(ctx context.Context, id string, fn func(*core.WorkerProfile) error) (*core.WorkerProfile, error) {
	if id == "" {
		return nil, core.NewValidationError("worker_id", "must not be empty")
	}

	release := s.locks.acquire(id)
	defer release()

	profile, err := s.backend.GetWorker(ctx, id)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrWorkerNotFound, id)
	}

	if err := fn(profile); err != nil {
		return nil, err
	}

	profile.UpdatedAt = time.Now().UTC()
	if err := s.backend.UpdateWorker(ctx, profile); err != nil {
		return nil, err
	}

	s.cache.Invalidate(id)
	return profile, nil
}

// UpdateStatus validates and applies a worker status transition. Setting
// the current status again is a no-op. Real transitions emit a
// worker.status-changed event and a STATUS_UPDATE notification.
func (s *Store) UpdateStatus(ctx context.Context, id string, to core.WorkerStatus, reason string) (*core.WorkerProfile, error) {
	if !to.Valid() {
		return nil, core.NewValidationError("status", fmt.Sprintf("unknown worker status %q", to))
	}

	var from core.WorkerStatus
	updated, err := s.Mutate(ctx, id, func(w *core.WorkerProfile) error {
		from = w.Status
		if w.Status == to {
			return nil
		}
		if !w.Status.CanTransition(to) {
			return core.NewValidationError("status", fmt.Sprintf("transition %s → %s not allowed", w.Status, to))
		}
		w.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from == to {
		return updated, nil
	}

	s.invalidateRoster()
	s.logger.Printf("🔄 Worker %s status %s → %s (%s)", id, from, to, reason)

	if s.events != nil {
		s.events.Emit(events.WorkerStatusChanged, "/verifier/workerstore", id, map[string]interface{}{
			"worker_id": id,
			"from":      string(from),
			"to":        string(to),
			"reason":    reason,
		})
	}
	if s.notifier != nil {
		n := notify.Build(notify.TemplateStatusUpdate, id, map[string]interface{}{
			"status": string(to),
			"reason": reason,
		})
		if err := s.notifier.Send(ctx, n); err != nil {
			s.logger.Printf("⚠️ Status notification for %s not queued: %v", id, err)
		}
	}

	return updated, nil
}

// UpdateSkills merges per-task-type skill levels into the profile,
// clamped to [0,100].
func (s *Store) UpdateSkills(ctx context.Context, id string, skills map[core.TaskType]float64) (*core.WorkerProfile, error) {
	for t := range skills {
		if !t.Valid() {
			return nil, core.NewValidationError("skills", fmt.Sprintf("unknown task type %q", t))
		}
	}
	return s.Mutate(ctx, id, func(w *core.WorkerProfile) error {
		if w.Skills == nil {
			w.Skills = make(map[core.TaskType]float64, len(skills))
		}
		for t, v := range skills {
			w.Skills[t] = clamp(v, 0, 100)
		}
		return nil
	})
}

// UpdateActivityMetrics merges per-task-type performance metrics into
// the profile, each dimension clamped to [0,1], and touches the
// last-active timestamp.
func (s *Store) UpdateActivityMetrics(ctx context.Context, id string, metrics map[core.TaskType]core.PerformanceMetrics) (*core.WorkerProfile, error) {
	for t := range metrics {
		if !t.Valid() {
			return nil, core.NewValidationError("metrics", fmt.Sprintf("unknown task type %q", t))
		}
	}
	return s.Mutate(ctx, id, func(w *core.WorkerProfile) error {
		if w.Metrics == nil {
			w.Metrics = make(map[core.TaskType]core.PerformanceMetrics, len(metrics))
		}
		for t, m := range metrics {
			w.Metrics[t] = core.PerformanceMetrics{
				Accuracy:    clamp(m.Accuracy, 0, 1),
				Speed:       clamp(m.Speed, 0, 1),
				Consistency: clamp(m.Consistency, 0, 1),
			}
		}
		w.LastActiveAt = time.Now().UTC()
		return nil
	})
}

// AdjustActiveAssignments moves the active-assignment counter by delta,
// floored at zero. Crossing the workload threshold sends a warning.
func (s *Store) AdjustActiveAssignments(ctx context.Context, id string, delta int) (*core.WorkerProfile, error) {
	var crossed bool
	updated, err := s.Mutate(ctx, id, func(w *core.WorkerProfile) error {
		before := w.ActiveAssignments
		w.ActiveAssignments += delta
		if w.ActiveAssignments < 0 {
			w.ActiveAssignments = 0
		}
		w.LastActiveAt = time.Now().UTC()
		crossed = before < workloadWarningThreshold && w.ActiveAssignments >= workloadWarningThreshold
		return nil
	})
	if err != nil {
		return nil, err
	}

	if crossed && s.notifier != nil {
		n := notify.Build(notify.TemplateWorkloadWarning, id, map[string]interface{}{
			"active_assignments": fmt.Sprintf("%d", updated.ActiveAssignments),
		})
		if err := s.notifier.Send(ctx, n); err != nil {
			s.logger.Printf("⚠️ Workload warning for %s not queued: %v", id, err)
		}
	}

	return updated, nil
}

// AvailableWorkers lists AVAILABLE workers, served from a short-lived
// roster cache. The returned slice is shared read-only state; callers
// must not mutate it.
func (s *Store) AvailableWorkers(ctx context.Context, limit int) ([]core.WorkerProfile, error) {
	key := fmt.Sprintf("AVAILABLE:%d", limit)

	s.rosterMu.RLock()
	entry, ok := s.roster[key]
	s.rosterMu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.workers, nil
	}

	workers, err := s.backend.ListWorkersByStatus(ctx, core.WorkerAvailable, limit)
	if err != nil {
		if ok {
			s.logger.Printf("⚠️ Serving stale roster after storage error: %v", err)
			return entry.workers, nil
		}
		return nil, err
	}

	s.rosterMu.Lock()
	s.roster[key] = rosterEntry{workers: workers, expiresAt: time.Now().Add(s.rosterTTL)}
	s.rosterMu.Unlock()
	return workers, nil
}

func (s *Store) invalidateRoster() {
	s.rosterMu.Lock()
	s.roster = make(map[string]rosterEntry)
	s.rosterMu.Unlock()
}

// Stop terminates the cache sweeper.
func (s *Store) Stop() {
	s.cache.Stop()
}

// Stats exposes cache and lock telemetry for the ops surface.
func (s *Store) Stats() map[string]interface{} {
	stats := s.cache.Stats()
	stats["worker_locks"] = s.locks.size()
	return stats
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
