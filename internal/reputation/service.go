// Package reputation turns verification outcomes into worker skill and
// reputation updates. Every accepted consensus round feeds one
// ApplyVerification call per contributing worker: skills move by an
// adaptive EMA, the reputation score is recomputed from weighted quality
// factors, and lifetime points accumulate toward level promotions. All
// profile writes go through the worker store's serialized Mutate so
// concurrent rounds for the same worker cannot interleave.
package reputation

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/verihive/backend/internal/config"
	"github.com/verihive/backend/internal/core"
	"github.com/verihive/backend/internal/events"
	"github.com/verihive/backend/internal/storage"
)

// WorkerStore is the slice of the worker store the service needs.
type WorkerStore interface {
	GetWorker(ctx context.Context, id string, allowStale bool) (*core.WorkerProfile, error)
	Mutate(ctx context.Context, id string, fn func(*core.WorkerProfile) error) (*core.WorkerProfile, error)
}

// ============================================================================
// SCORING CONSTANTS
// ============================================================================

const (
	// Skill performance blend.
	skillAccuracyWeight    = 0.6
	skillConsistencyWeight = 0.3
	skillSpeedWeight       = 0.1

	// Learning rate floor. Experts still move, just slowly.
	minLearningRate = 0.1

	// Reputation factor weights. Completion is always 1 for a scored round.
	factorBase        = 0.1
	factorAccuracy    = 0.3
	factorConsistency = 0.2
	factorSpeed       = 0.2
	factorComplexity  = 0.2

	// Per-type performance metrics EMA.
	metricsAlpha = 0.3

	// Processing time normalization bounds.
	idealProcessingMs = 5000
	worstProcessingMs = 60000
)

// ComplexityFor returns the demand weight used as the complexity factor.
func ComplexityFor(t core.TaskType) float64 {
	return core.ComplexityFor(t)
}

// SpeedScore maps a processing time onto [0,1]. Anything at or under the
// ideal window scores 1, anything at or past the worst window scores 0.
func SpeedScore(processingMs int64) float64 {
	if processingMs <= 0 {
		return 0
	}
	if processingMs <= idealProcessingMs {
		return 1
	}
	if processingMs >= worstProcessingMs {
		return 0
	}
	return 1 - float64(processingMs-idealProcessingMs)/float64(worstProcessingMs-idealProcessingMs)
}

// ============================================================================
// SERVICE
// ============================================================================

// Service applies verification outcomes to worker profiles.
type Service struct {
	cfg     config.ReputationConfig
	workers WorkerStore
	ledger  Ledger
	journal storage.ReputationAuditStore
	bus     *events.EventBus
	metrics *Metrics
	logger  *log.Logger
}

// NewService wires the reputation service over a worker store. The ledger
// defaults to an in-memory one until SetLedger installs a durable backend.
func NewService(cfg config.ReputationConfig, workers WorkerStore, bus *events.EventBus) *Service {
	return &Service{
		cfg:     cfg,
		workers: workers,
		ledger:  NewMemoryLedger(0),
		bus:     bus,
		logger:  log.New(log.Writer(), "[REPUTATION] ", log.LstdFlags),
	}
}

// SetLedger swaps the points ledger backend.
func (s *Service) SetLedger(l Ledger) {
	if l != nil {
		s.ledger = l
	}
}

// SetJournal installs an audit journal for reputation mutations.
func (s *Service) SetJournal(j storage.ReputationAuditStore) {
	s.journal = j
}

// SetMetrics installs Prometheus instrumentation.
func (s *Service) SetMetrics(m *Metrics) {
	s.metrics = m
}

// ApplyVerification folds one scored verification round into a worker's
// profile: skill EMA for the task type, per-type performance metrics,
// reputation score and points, level, and the rolling outcome history.
// A round whose quality metrics are all zero leaves the profile untouched.
func (s *Service) ApplyVerification(ctx context.Context, workerID string, result *core.VerificationResult, submission *core.WorkerSubmission, taskType core.TaskType) (*core.WorkerProfile, error) {
	start := time.Now()

	if workerID == "" {
		return nil, core.NewValidationError("worker_id", "must not be empty")
	}
	if result == nil {
		return nil, core.NewValidationError("result", "must not be nil")
	}
	if !taskType.Valid() {
		return nil, core.NewValidationError("task_type", "unknown task type")
	}
	qm, ok := result.WorkerMetrics[workerID]
	if !ok {
		return nil, core.NewValidationError("worker_metrics", "no quality metrics for worker "+workerID)
	}
	if qm.ProcessingTimeMs == 0 && submission != nil {
		qm.ProcessingTimeMs = submission.ProcessingTimeMs()
	}

	if qm.Accuracy == 0 && qm.ConsistencyScore == 0 && qm.ProcessingTimeMs == 0 {
		// Nothing was measured, so there is nothing to apply.
		return s.workers.GetWorker(ctx, workerID, false)
	}

	accuracy := clamp01(qm.Accuracy)
	consistency := clamp01(qm.ConsistencyScore)
	speed := SpeedScore(qm.ProcessingTimeMs)
	complexity := ComplexityFor(taskType)
	success := result.Status == core.TaskCompleted

	var (
		earned   float64
		promoted bool
		newLevel core.WorkerLevel
	)

	updated, err := s.workers.Mutate(ctx, workerID, func(w *core.WorkerProfile) error {
		now := time.Now().UTC()

		// Skill EMA with an adaptive learning rate. Low-skill workers
		// converge fast, high-skill workers are harder to move.
		if w.Skills == nil {
			w.Skills = make(map[core.TaskType]float64)
		}
		skill := w.SkillFor(taskType)
		perf := skillAccuracyWeight*accuracy + skillConsistencyWeight*consistency + skillSpeedWeight*speed
		rate := 1 - 0.8*skill/100
		if rate < minLearningRate {
			rate = minLearningRate
		}
		w.Skills[taskType] = clampRange(skill+rate*(perf*100-skill), 0, 100)

		// Per-type performance metrics. First observation seeds directly,
		// later ones blend so one outlier round cannot rewrite the record.
		if w.Metrics == nil {
			w.Metrics = make(map[core.TaskType]core.PerformanceMetrics)
		}
		if prev, seen := w.MetricsFor(taskType); seen {
			w.Metrics[taskType] = core.PerformanceMetrics{
				Accuracy:    ema(prev.Accuracy, accuracy),
				Speed:       ema(prev.Speed, speed),
				Consistency: ema(prev.Consistency, consistency),
			}
		} else {
			w.Metrics[taskType] = core.PerformanceMetrics{
				Accuracy:    accuracy,
				Speed:       speed,
				Consistency: consistency,
			}
		}

		earned = factorScore(accuracy, consistency, speed, complexity)
		w.ReputationScore = earned
		w.ReputationPoints += earned

		newLevel = s.levelFor(w.ReputationPoints)
		promoted = newLevel.Rank() > w.Level.Rank()
		w.Level = newLevel

		w.RecordOutcome(core.TaskOutcome{
			TaskID:      result.TaskID,
			TaskType:    taskType,
			Success:     success,
			EarnedScore: earned,
			Timestamp:   now,
		})
		w.LastActiveAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, updated, result.TaskID, earned, promoted)
	s.metrics.RecordApply(taskType, earned, promoted, time.Since(start))

	s.logger.Printf("🏦 worker %s earned %.1f pts on %s (score %.1f, total %.1f)",
		workerID, earned, taskType, updated.ReputationScore, updated.ReputationPoints)
	if promoted {
		s.logger.Printf("📣 worker %s promoted to %s", workerID, newLevel)
	}

	return updated, nil
}

// record journals the mutation and announces it on the bus. Ledger and
// journal failures are logged, never fatal: the profile write already
// happened and the event must still go out.
func (s *Service) record(ctx context.Context, w *core.WorkerProfile, taskID string, earned float64, promoted bool) {
	entry := Entry{
		ID:          uuid.NewString(),
		WorkerID:    w.ID,
		TaskID:      taskID,
		Delta:       earned,
		PointsAfter: w.ReputationPoints,
		Level:       w.Level,
		Reason:      "verification",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.ledger.Append(ctx, entry); err != nil {
		s.logger.Printf("⚠️ ledger append failed for worker %s: %v", w.ID, err)
	}
	if s.journal != nil {
		audit := storage.ReputationAudit{
			AuditID:     entry.ID,
			WorkerID:    w.ID,
			TaskID:      taskID,
			ScoreDelta:  earned,
			PointsAfter: w.ReputationPoints,
			Reason:      entry.Reason,
			CreatedAt:   entry.CreatedAt,
		}
		if err := s.journal.InsertReputationAudit(ctx, audit); err != nil {
			s.logger.Printf("⚠️ reputation audit insert failed for worker %s: %v", w.ID, err)
		}
	}
	if s.bus != nil {
		s.bus.Emit(events.ReputationUpdated, "/verifier/reputation", w.ID, map[string]interface{}{
			"score":    w.ReputationScore,
			"points":   w.ReputationPoints,
			"level":    string(w.Level),
			"delta":    earned,
			"promoted": promoted,
		})
	}
}

// History returns the newest ledger entries for a worker.
func (s *Service) History(ctx context.Context, workerID string, limit int) ([]Entry, error) {
	if workerID == "" {
		return nil, core.NewValidationError("worker_id", "must not be empty")
	}
	return s.ledger.History(ctx, workerID, limit)
}

// levelFor maps cumulative points onto a level using configured thresholds,
// falling back to the built-in bands when the config leaves them unset.
func (s *Service) levelFor(points float64) core.WorkerLevel {
	inter, adv, exp := s.cfg.IntermediatePoints, s.cfg.AdvancedPoints, s.cfg.ExpertPoints
	if inter <= 0 || adv <= inter || exp <= adv {
		return core.LevelForPoints(points)
	}
	switch {
	case points >= exp:
		return core.LevelExpert
	case points >= adv:
		return core.LevelAdvanced
	case points >= inter:
		return core.LevelIntermediate
	default:
		return core.LevelBeginner
	}
}

// factorScore computes the 0-100 reputation score for one round.
func factorScore(accuracy, consistency, speed, complexity float64) float64 {
	raw := factorBase +
		factorAccuracy*accuracy +
		factorConsistency*consistency +
		factorSpeed*speed +
		factorComplexity*complexity
	return clampRange(raw*100, 0, 100)
}

func ema(prev, observed float64) float64 {
	return (1-metricsAlpha)*prev + metricsAlpha*observed
}

func clamp01(v float64) float64 {
	return clampRange(v, 0, 1)
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
