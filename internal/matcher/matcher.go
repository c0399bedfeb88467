// Package matcher ranks candidate workers against a task. Candidates pass
// a hard eligibility gate first, then each survivor is scored as a
// weighted sum of six sub-scores; the weight table is picked by the
// matching strategy. The matcher itself does no I/O: callers hand it the
// candidate roster and consume the ranked result.
package matcher

import (
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/verihive/backend/internal/config"
	"github.com/verihive/backend/internal/core"
)

// ============================================================================
// GATES AND WEIGHTS
// ============================================================================

const (
	baseReputationGate  = 0.70
	baseAccuracyGate    = 0.80
	baseConsistencyGate = 0.75

	// Availability saturates once a worker holds this many assignments.
	maxConcurrentAssignments = 5

	// Load balance looks at how much work a worker absorbed recently.
	loadWindow = 24 * time.Hour
	loadCap    = 20

	// Workers without history or metrics score neutral, not zero.
	neutralScore = 0.5

	// Scores within this distance count as tied.
	scoreEpsilon = 1e-9
)

type weights struct {
	skill        float64
	reputation   float64
	availability float64
	taskHistory  float64
	performance  float64
	loadBalance  float64
}

var defaultStrategyWeights = map[core.MatchingStrategy]weights{
	core.MatchBalanced:           {0.30, 0.20, 0.15, 0.15, 0.15, 0.05},
	core.MatchSkillFocused:       {0.50, 0.15, 0.10, 0.03, 0.20, 0.02},
	core.MatchReputationFocused:  {0.20, 0.50, 0.10, 0.03, 0.15, 0.02},
	core.MatchPerformanceFocused: {0.25, 0.15, 0.15, 0.03, 0.40, 0.02},
}

// priorityMultiplier scales the eligibility gates: urgent work demands
// stronger workers, low-stakes work admits more of the roster.
func priorityMultiplier(p core.TaskPriority) float64 {
	switch p {
	case core.PriorityLow:
		return 0.8
	case core.PriorityHigh:
		return 1.2
	default:
		return 1.0
	}
}

// ============================================================================
// MATCHER
// ============================================================================

// SubScores is the per-dimension breakdown behind a match score.
type SubScores struct {
	Skill        float64 `json:"skill"`
	Reputation   float64 `json:"reputation"`
	Availability float64 `json:"availability"`
	TaskHistory  float64 `json:"task_history"`
	Performance  float64 `json:"performance"`
	LoadBalance  float64 `json:"load_balance"`
}

// Match is one ranked candidate.
type Match struct {
	Worker *core.WorkerProfile `json:"worker"`
	Score  float64             `json:"score"`
	Parts  SubScores           `json:"parts"`
}

// Matcher scores and ranks workers. The weight tables and the base
// reputation gate come from configuration; everything else is stateless
// apart from instrumentation.
type Matcher struct {
	table   map[core.MatchingStrategy]weights
	repGate float64
	metrics *Metrics
	logger  *log.Logger
}

// New builds a matcher from the configured weight tables. A zero-valued
// row or gate falls back to the default, so a partial config never
// silently zeroes a strategy.
func New(cfg config.MatchingConfig) *Matcher {
	table := map[core.MatchingStrategy]weights{
		core.MatchBalanced:           rowOrDefault(cfg.Balanced, core.MatchBalanced),
		core.MatchSkillFocused:       rowOrDefault(cfg.SkillFocused, core.MatchSkillFocused),
		core.MatchReputationFocused:  rowOrDefault(cfg.ReputationFocused, core.MatchReputationFocused),
		core.MatchPerformanceFocused: rowOrDefault(cfg.PerformanceFocused, core.MatchPerformanceFocused),
	}
	repGate := cfg.BaseReputation
	if repGate <= 0 {
		repGate = baseReputationGate
	}
	return &Matcher{
		table:   table,
		repGate: repGate,
		logger:  log.New(log.Writer(), "[MATCHER] ", log.LstdFlags),
	}
}

func rowOrDefault(row config.MatchWeights, strategy core.MatchingStrategy) weights {
	if row == (config.MatchWeights{}) {
		return defaultStrategyWeights[strategy]
	}
	return weights{
		skill:        row.Skill,
		reputation:   row.Reputation,
		availability: row.Availability,
		taskHistory:  row.TaskHistory,
		performance:  row.Performance,
		loadBalance:  row.LoadBalance,
	}
}

// SetMetrics installs Prometheus instrumentation.
func (m *Matcher) SetMetrics(mx *Metrics) {
	m.metrics = mx
}

// FindBestMatches filters candidates through the eligibility gate, scores
// the survivors under the strategy's weight table, and returns the top k.
// Fewer than k eligible candidates is an error: the caller must widen the
// pool or fall back to another distribution path.
func (m *Matcher) FindBestMatches(task *core.VerificationTask, candidates []core.WorkerProfile, strategy core.MatchingStrategy, k int) ([]Match, error) {
	if task == nil {
		return nil, core.NewValidationError("task", "must not be nil")
	}
	if k <= 0 {
		return nil, core.NewValidationError("k", "must be positive")
	}
	w, ok := m.table[strategy]
	if !ok {
		return nil, core.NewValidationError("strategy", fmt.Sprintf("unknown matching strategy %q", strategy))
	}

	now := time.Now().UTC()
	matches := make([]Match, 0, len(candidates))
	for i := range candidates {
		cand := &candidates[i]
		if !m.Eligible(task, cand) {
			continue
		}
		parts := subScoresFor(task, cand, now)
		matches = append(matches, Match{
			Worker: cand,
			Score:  combine(w, parts),
			Parts:  parts,
		})
	}

	if len(matches) < k {
		m.metrics.RecordInsufficient(strategy)
		return nil, fmt.Errorf("%w: task %s has %d eligible candidates, need %d",
			core.ErrInsufficientEligibleWorkers, task.ID, len(matches), k)
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if math.Abs(a.Score-b.Score) > scoreEpsilon {
			return a.Score > b.Score
		}
		if a.Worker.ReputationScore != b.Worker.ReputationScore {
			return a.Worker.ReputationScore > b.Worker.ReputationScore
		}
		return a.Worker.ID < b.Worker.ID
	})

	top := matches[:k]
	m.metrics.RecordRanking(strategy, len(matches), len(candidates), top[0].Score)
	m.logger.Printf("✅ task %s: %d/%d candidates eligible, top score %.3f (%s)",
		task.ID, len(matches), len(candidates), top[0].Score, strategy)
	return top, nil
}

// Eligible applies the hard gate: status, skill for the required level,
// reputation against the priority-scaled bar (or the task's own minimum
// when that is stricter), and per-type quality metrics when the worker
// has a track record for this task type.
func (m *Matcher) Eligible(task *core.VerificationTask, w *core.WorkerProfile) bool {
	if task == nil || w == nil {
		return false
	}
	if w.Status != core.WorkerAvailable {
		return false
	}

	level := task.Requirements.WorkerLevel
	if !level.Valid() {
		level = core.LevelBeginner
	}
	if w.SkillFor(task.Type) < level.MinSkill() {
		return false
	}

	mult := priorityMultiplier(task.Priority)
	gate := m.repGate * mult
	if task.Requirements.MinReputation > gate {
		gate = task.Requirements.MinReputation
	}
	if w.ReputationScore/100 < gate {
		return false
	}

	if pm, ok := w.MetricsFor(task.Type); ok {
		if pm.Accuracy < baseAccuracyGate*mult || pm.Consistency < baseConsistencyGate*mult {
			return false
		}
	}
	return true
}

// ============================================================================
// SUB-SCORES
// ============================================================================

func subScoresFor(task *core.VerificationTask, w *core.WorkerProfile, now time.Time) SubScores {
	return SubScores{
		Skill:        clamp01(w.SkillFor(task.Type) / 100),
		Reputation:   clamp01(w.ReputationScore / 100),
		Availability: availabilityScore(w),
		TaskHistory:  historyScore(w, task.Type),
		Performance:  performanceScore(w, task.Type),
		LoadBalance:  loadScore(w, now),
	}
}

func combine(w weights, s SubScores) float64 {
	return w.skill*s.Skill +
		w.reputation*s.Reputation +
		w.availability*s.Availability +
		w.taskHistory*s.TaskHistory +
		w.performance*s.Performance +
		w.loadBalance*s.LoadBalance
}

// availabilityScore degrades linearly with held assignments.
func availabilityScore(w *core.WorkerProfile) float64 {
	return clamp01(1 - float64(w.ActiveAssignments)/maxConcurrentAssignments)
}

// historyScore is the success fraction on this task type, falling back to
// the overall fraction when the worker never did this type, and to
// neutral when there is no history at all.
func historyScore(w *core.WorkerProfile, t core.TaskType) float64 {
	if len(w.TaskHistory) == 0 {
		return neutralScore
	}
	typed, typedOK := 0, 0
	total, totalOK := 0, 0
	for _, o := range w.TaskHistory {
		total++
		if o.Success {
			totalOK++
		}
		if o.TaskType == t {
			typed++
			if o.Success {
				typedOK++
			}
		}
	}
	if typed > 0 {
		return float64(typedOK) / float64(typed)
	}
	return float64(totalOK) / float64(total)
}

// performanceScore blends the per-type quality metrics.
func performanceScore(w *core.WorkerProfile, t core.TaskType) float64 {
	pm, ok := w.MetricsFor(t)
	if !ok {
		return neutralScore
	}
	return clamp01(0.5*pm.Accuracy + 0.3*pm.Consistency + 0.2*pm.Speed)
}

// loadScore spreads work away from workers who absorbed a lot recently.
// Distinct from availability: that one measures held assignments right
// now, this one measures throughput over the last day.
func loadScore(w *core.WorkerProfile, now time.Time) float64 {
	cutoff := now.Add(-loadWindow)
	recent := 0
	for _, o := range w.TaskHistory {
		if o.Timestamp.After(cutoff) {
			recent++
		}
	}
	return clamp01(1 - float64(recent)/loadCap)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
