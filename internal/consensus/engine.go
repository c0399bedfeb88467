// Package consensus fuses a task's worker submissions into one
// verification outcome. Each task type brings its own validation and
// aggregation rules; MAJORITY, WEIGHTED and UNANIMOUS decide how much
// each submission counts.
package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/verihive/backend/internal/core"
)

// ProfileReader supplies worker history for consistency scoring. Stale
// reads are fine here.
type ProfileReader interface {
	GetWorker(ctx context.Context, id string, allowStale bool) (*core.WorkerProfile, error)
}

// defaultConsistency stands in when a worker has no recorded history
// for the task type.
const defaultConsistency = 0.8

type Engine struct {
	registry map[core.TaskType]strategy
	profiles ProfileReader
	metrics  *Metrics
	logger   *log.Logger
}

// NewEngine builds the engine with the full strategy registry.
// profiles may be nil; consistency then falls back to the default.
func NewEngine(profiles ProfileReader) *Engine {
	return &Engine{
		registry: newRegistry(),
		profiles: profiles,
		logger:   log.New(log.Writer(), "[CONSENSUS] ", log.LstdFlags),
	}
}

func (e *Engine) SetMetrics(m *Metrics) { e.metrics = m }

// Process validates the submission set, scores per-worker quality,
// aggregates under the task's consensus strategy and maps confidence
// onto the final task status.
func (e *Engine) Process(ctx context.Context, task *core.VerificationTask, subs []core.WorkerSubmission) (*core.VerificationResult, error) {
	if task == nil {
		return nil, core.NewValidationError("task", "task is required")
	}
	if !task.ConsensusStrategy.Valid() {
		return nil, core.NewValidationError("consensus_strategy", fmt.Sprintf("unknown strategy %q", task.ConsensusStrategy))
	}
	strat, ok := e.registry[task.Type]
	if !ok {
		return nil, core.NewValidationError("type", fmt.Sprintf("no aggregation strategy for task type %q", task.Type))
	}

	need := task.Requirements.MinSubmissions
	if need < 1 {
		need = 1
	}
	if len(subs) < need {
		return nil, fmt.Errorf("%w: have %d, need %d", core.ErrInsufficientSubmissions, len(subs), need)
	}

	for i := range subs {
		if err := strat.validate(subs[i].Result); err != nil {
			return nil, core.NewValidationError("submission "+subs[i].ID, err.Error())
		}
	}

	start := time.Now()

	// Per-worker quality metrics
	accuracies := make([]float64, len(subs))
	consistencies := make([]float64, len(subs))
	times := make([]int64, len(subs))
	for i := range subs {
		accuracies[i] = strat.accuracy(i, subs)
		consistencies[i] = e.consistencyFor(ctx, subs[i].WorkerID, task.Type)
		times[i] = subs[i].ProcessingTimeMs()
	}

	var weights []float64
	if task.ConsensusStrategy == core.ConsensusWeighted {
		weights = verificationWeights(accuracies, consistencies, times)
	}

	workerMetrics := make(map[string]core.QualityMetrics, len(subs))
	for i := range subs {
		m := core.QualityMetrics{
			WorkerID:         subs[i].WorkerID,
			Accuracy:         accuracies[i],
			ConsistencyScore: consistencies[i],
			ProcessingTimeMs: times[i],
		}
		if weights != nil {
			m.Weight = weights[i]
		}
		workerMetrics[subs[i].WorkerID] = m
	}

	var consensusResult map[string]interface{}
	var err error
	if task.ConsensusStrategy == core.ConsensusUnanimous {
		consensusResult, err = unanimousResult(subs)
	} else {
		consensusResult, err = strat.aggregate(subs, weights)
	}
	if err != nil {
		return nil, err
	}

	agreement := pairAgreement(subs)
	avgAccuracy := mean(accuracies)
	avgConsistency := mean(consistencies)
	score := 0.4*avgAccuracy + 0.3*avgConsistency + 0.3*agreement
	level := confidenceLevel(score)

	result := &core.VerificationResult{
		TaskID:          task.ID,
		Status:          statusFor(level),
		Consensus:       consensusResult,
		ConfidenceLevel: level,
		ConfidenceScore: score,
		Agreement:       agreement,
		WorkerMetrics:   workerMetrics,
		ProcessedAt:     time.Now().UTC(),
	}

	e.metrics.RecordProcess(task.ConsensusStrategy, result, time.Since(start))
	e.logger.Printf("✅ task %s consensus %s confidence=%.2f agreement=%.2f status=%s",
		task.ID, task.ConsensusStrategy, score, agreement, result.Status)
	return result, nil
}

// consistencyFor reads the worker's stored consistency for the task
// type, defaulting when history is missing or unreadable.
func (e *Engine) consistencyFor(ctx context.Context, workerID string, taskType core.TaskType) float64 {
	if e.profiles == nil {
		return defaultConsistency
	}
	profile, err := e.profiles.GetWorker(ctx, workerID, true)
	if err != nil || profile == nil {
		return defaultConsistency
	}
	if m, ok := profile.MetricsFor(taskType); ok && m.Consistency > 0 {
		return m.Consistency
	}
	return defaultConsistency
}

// verificationWeights computes the per-submission WEIGHTED factors:
// 0.5 accuracy, 0.3 consistency, 0.2 normalized speed.
func verificationWeights(accuracies, consistencies []float64, times []int64) []float64 {
	timeScores := normalizedTimeScores(times)
	weights := make([]float64, len(accuracies))
	for i := range weights {
		weights[i] = 0.5*accuracies[i] + 0.3*consistencies[i] + 0.2*timeScores[i]
	}
	return weights
}

// normalizedTimeScores maps processing times onto [0,1], fastest = 1.
// A single submission or identical times score 1 across the board.
func normalizedTimeScores(times []int64) []float64 {
	minT, maxT := times[0], times[0]
	for _, t := range times {
		if t < minT {
			minT = t
		}
		if t > maxT {
			maxT = t
		}
	}
	scores := make([]float64, len(times))
	for i, t := range times {
		if maxT == minT {
			scores[i] = 1
		} else {
			scores[i] = float64(maxT-t) / float64(maxT-minT)
		}
	}
	return scores
}

// unanimousResult demands byte-identical canonical encodings and
// returns a detached copy of the agreed result.
func unanimousResult(subs []core.WorkerSubmission) (map[string]interface{}, error) {
	first, err := canonical(subs[0].Result)
	if err != nil {
		return nil, fmt.Errorf("encode submission result: %w", err)
	}
	for i := 1; i < len(subs); i++ {
		enc, err := canonical(subs[i].Result)
		if err != nil {
			return nil, fmt.Errorf("encode submission result: %w", err)
		}
		if !bytes.Equal(first, enc) {
			return nil, fmt.Errorf("%w: submission %s diverges", core.ErrUnanimousNotReached, subs[i].ID)
		}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(first, &out); err != nil {
		return nil, fmt.Errorf("decode agreed result: %w", err)
	}
	return out, nil
}

// pairAgreement is the fraction of submission pairs with identical
// canonical results. One submission trivially agrees with itself.
func pairAgreement(subs []core.WorkerSubmission) float64 {
	if len(subs) < 2 {
		return 1
	}
	encodings := make([][]byte, len(subs))
	for i := range subs {
		enc, err := canonical(subs[i].Result)
		if err != nil {
			return 0
		}
		encodings[i] = enc
	}
	var matched, pairs int
	for i := 0; i < len(subs); i++ {
		for j := i + 1; j < len(subs); j++ {
			pairs++
			if bytes.Equal(encodings[i], encodings[j]) {
				matched++
			}
		}
	}
	return float64(matched) / float64(pairs)
}

// canonical renders a result map deterministically; encoding/json sorts
// map keys.
func canonical(result map[string]interface{}) ([]byte, error) {
	return json.Marshal(result)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func confidenceLevel(score float64) core.ConfidenceLevel {
	switch {
	case score >= 0.9:
		return core.ConfidenceHigh
	case score >= 0.7:
		return core.ConfidenceMedium
	default:
		return core.ConfidenceLow
	}
}

// statusFor maps consensus confidence onto the task outcome.
func statusFor(level core.ConfidenceLevel) core.TaskStatus {
	switch level {
	case core.ConfidenceHigh:
		return core.TaskCompleted
	case core.ConfidenceMedium:
		return core.TaskNeedsReview
	default:
		return core.TaskFailed
	}
}
