package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verihive/backend/internal/core"
)

type stubProfiles struct {
	profiles map[string]*core.WorkerProfile
}

func (s *stubProfiles) GetWorker(_ context.Context, id string, _ bool) (*core.WorkerProfile, error) {
	p, ok := s.profiles[id]
	if !ok {
		return nil, core.ErrWorkerNotFound
	}
	return p, nil
}

func textTask(strategy core.ConsensusStrategy, minSubmissions int) *core.VerificationTask {
	return &core.VerificationTask{
		ID:                "task-1",
		Type:              core.TaskTextClassification,
		Status:            core.TaskInProgress,
		ConsensusStrategy: strategy,
		Requirements:      core.TaskRequirements{MinSubmissions: minSubmissions},
	}
}

func TestProcessMajorityHighConfidence(t *testing.T) {
	engine := NewEngine(nil)
	subs := []core.WorkerSubmission{
		labelSub("s-1", "w-1", "cat", testBase),
		labelSub("s-2", "w-2", "cat", testBase.Add(time.Second)),
		labelSub("s-3", "w-3", "cat", testBase.Add(2*time.Second)),
	}

	result, err := engine.Process(context.Background(), textTask(core.ConsensusMajority, 3), subs)
	require.NoError(t, err)

	assert.Equal(t, "task-1", result.TaskID)
	assert.Equal(t, "cat", result.Consensus["label"])
	// 0.4·1.0 accuracy + 0.3·0.8 default consistency + 0.3·1.0 agreement
	assert.InDelta(t, 0.94, result.ConfidenceScore, 1e-9)
	assert.Equal(t, core.ConfidenceHigh, result.ConfidenceLevel)
	assert.Equal(t, core.TaskCompleted, result.Status)
	assert.InDelta(t, 1.0, result.Agreement, 1e-9)

	require.Len(t, result.WorkerMetrics, 3)
	m := result.WorkerMetrics["w-1"]
	assert.InDelta(t, 1.0, m.Accuracy, 1e-9)
	assert.InDelta(t, 0.8, m.ConsistencyScore, 1e-9)
	assert.Zero(t, m.Weight) // weights only under WEIGHTED
}

func TestProcessDisagreementFails(t *testing.T) {
	engine := NewEngine(nil)
	subs := []core.WorkerSubmission{
		labelSub("s-1", "w-1", "cat", testBase),
		labelSub("s-2", "w-2", "cat", testBase.Add(time.Second)),
		labelSub("s-3", "w-3", "dog", testBase.Add(2*time.Second)),
	}

	result, err := engine.Process(context.Background(), textTask(core.ConsensusMajority, 3), subs)
	require.NoError(t, err)

	assert.Equal(t, "cat", result.Consensus["label"])
	assert.InDelta(t, 1.0/3.0, result.Agreement, 1e-9)
	// avg accuracy 5/9, consistency 0.8, agreement 1/3
	assert.InDelta(t, 0.4*5.0/9.0+0.24+0.1, result.ConfidenceScore, 1e-9)
	assert.Equal(t, core.ConfidenceLow, result.ConfidenceLevel)
	assert.Equal(t, core.TaskFailed, result.Status)
}

func TestProcessLowConsistencyNeedsReview(t *testing.T) {
	profiles := &stubProfiles{profiles: map[string]*core.WorkerProfile{}}
	for _, id := range []string{"w-1", "w-2", "w-3"} {
		profiles.profiles[id] = &core.WorkerProfile{
			ID: id,
			Metrics: map[core.TaskType]core.PerformanceMetrics{
				core.TaskTextClassification: {Accuracy: 0.9, Consistency: 0.3},
			},
		}
	}
	engine := NewEngine(profiles)
	subs := []core.WorkerSubmission{
		labelSub("s-1", "w-1", "cat", testBase),
		labelSub("s-2", "w-2", "cat", testBase.Add(time.Second)),
		labelSub("s-3", "w-3", "cat", testBase.Add(2*time.Second)),
	}

	result, err := engine.Process(context.Background(), textTask(core.ConsensusMajority, 3), subs)
	require.NoError(t, err)

	// 0.4·1.0 + 0.3·0.3 + 0.3·1.0 = 0.79
	assert.InDelta(t, 0.79, result.ConfidenceScore, 1e-9)
	assert.Equal(t, core.ConfidenceMedium, result.ConfidenceLevel)
	assert.Equal(t, core.TaskNeedsReview, result.Status)
}

func TestProcessInsufficientSubmissions(t *testing.T) {
	engine := NewEngine(nil)
	subs := []core.WorkerSubmission{labelSub("s-1", "w-1", "cat", testBase)}

	_, err := engine.Process(context.Background(), textTask(core.ConsensusMajority, 3), subs)
	assert.ErrorIs(t, err, core.ErrInsufficientSubmissions)

	_, err = engine.Process(context.Background(), textTask(core.ConsensusMajority, 0), nil)
	assert.ErrorIs(t, err, core.ErrInsufficientSubmissions)
}

func TestProcessRejectsMalformedSubmission(t *testing.T) {
	engine := NewEngine(nil)
	subs := []core.WorkerSubmission{
		labelSub("s-1", "w-1", "cat", testBase),
		sub("s-2", "w-2", map[string]interface{}{"labell": "typo"}, testBase.Add(time.Second), 4000),
	}

	_, err := engine.Process(context.Background(), textTask(core.ConsensusMajority, 2), subs)
	assert.True(t, core.IsValidation(err))
}

func TestProcessRejectsUnknownTaskType(t *testing.T) {
	engine := NewEngine(nil)
	task := textTask(core.ConsensusMajority, 1)
	task.Type = core.TaskType("LIDAR_SEGMENTATION")

	_, err := engine.Process(context.Background(), task, []core.WorkerSubmission{labelSub("s-1", "w-1", "cat", testBase)})
	assert.True(t, core.IsValidation(err))
}

func TestProcessRejectsUnknownStrategy(t *testing.T) {
	engine := NewEngine(nil)
	task := textTask(core.ConsensusStrategy("QUORUM"), 1)

	_, err := engine.Process(context.Background(), task, []core.WorkerSubmission{labelSub("s-1", "w-1", "cat", testBase)})
	assert.True(t, core.IsValidation(err))
}

func TestProcessWeightedConfidence(t *testing.T) {
	engine := NewEngine(nil)
	task := textTask(core.ConsensusWeighted, 3)
	task.Type = core.TaskImageClassification

	// Two fast confident agreers, one slow hedger
	subs := []core.WorkerSubmission{
		sub("s-1", "w-1", map[string]interface{}{"label": "stop_sign", "confidence": 1.0}, testBase, 1000),
		sub("s-2", "w-2", map[string]interface{}{"label": "stop_sign", "confidence": 1.0}, testBase.Add(time.Second), 1000),
		sub("s-3", "w-3", map[string]interface{}{"label": "stop_sign", "confidence": 0.1}, testBase.Add(2*time.Second), 9000),
	}

	result, err := engine.Process(context.Background(), task, subs)
	require.NoError(t, err)

	// Fast submissions carry weight 0.5+0.24+0.2, the slow one loses the
	// time term; weighted confidence lands above the plain 0.7 mean.
	fast := result.WorkerMetrics["w-1"].Weight
	slow := result.WorkerMetrics["w-3"].Weight
	assert.InDelta(t, 0.94, fast, 1e-9)
	assert.InDelta(t, 0.74, slow, 1e-9)
	assert.InDelta(t, 1.954/2.62, result.Consensus["confidence"].(float64), 1e-9)
	assert.Equal(t, "stop_sign", result.Consensus["label"])
}

func TestProcessUnanimousAgreement(t *testing.T) {
	engine := NewEngine(nil)
	task := textTask(core.ConsensusUnanimous, 3)

	result := map[string]interface{}{"label": "cat"}
	subs := []core.WorkerSubmission{
		labelSub("s-1", "w-1", "cat", testBase),
		labelSub("s-2", "w-2", "cat", testBase.Add(time.Second)),
		labelSub("s-3", "w-3", "cat", testBase.Add(2*time.Second)),
	}

	out, err := engine.Process(context.Background(), task, subs)
	require.NoError(t, err)
	assert.Equal(t, result["label"], out.Consensus["label"])

	// The agreed result is detached from the submissions
	out.Consensus["label"] = "mutated"
	assert.Equal(t, "cat", subs[0].Result["label"])
}

func TestProcessUnanimousDivergence(t *testing.T) {
	engine := NewEngine(nil)
	task := textTask(core.ConsensusUnanimous, 2)
	subs := []core.WorkerSubmission{
		labelSub("s-1", "w-1", "cat", testBase),
		labelSub("s-2", "w-2", "dog", testBase.Add(time.Second)),
	}

	_, err := engine.Process(context.Background(), task, subs)
	assert.ErrorIs(t, err, core.ErrUnanimousNotReached)
}

func TestNormalizedTimeScores(t *testing.T) {
	scores := normalizedTimeScores([]int64{1000, 2000, 3000})
	assert.InDelta(t, 1.0, scores[0], 1e-9)
	assert.InDelta(t, 0.5, scores[1], 1e-9)
	assert.InDelta(t, 0.0, scores[2], 1e-9)

	assert.Equal(t, []float64{1}, normalizedTimeScores([]int64{4000}))
	assert.Equal(t, []float64{1, 1}, normalizedTimeScores([]int64{4000, 4000}))
}

func TestConsistencyFallbacks(t *testing.T) {
	ctx := context.Background()

	noReader := NewEngine(nil)
	assert.InDelta(t, defaultConsistency, noReader.consistencyFor(ctx, "w-1", core.TaskTextClassification), 1e-9)

	profiles := &stubProfiles{profiles: map[string]*core.WorkerProfile{
		"w-known": {
			ID: "w-known",
			Metrics: map[core.TaskType]core.PerformanceMetrics{
				core.TaskTextClassification: {Consistency: 0.6},
			},
		},
	}}
	engine := NewEngine(profiles)
	assert.InDelta(t, 0.6, engine.consistencyFor(ctx, "w-known", core.TaskTextClassification), 1e-9)
	// No history for this type, and unknown workers, both fall back
	assert.InDelta(t, defaultConsistency, engine.consistencyFor(ctx, "w-known", core.TaskSentimentAnalysis), 1e-9)
	assert.InDelta(t, defaultConsistency, engine.consistencyFor(ctx, "w-unknown", core.TaskTextClassification), 1e-9)
}

func TestPairAgreement(t *testing.T) {
	subs := []core.WorkerSubmission{
		labelSub("s-1", "w-1", "cat", testBase),
		labelSub("s-2", "w-2", "cat", testBase.Add(time.Second)),
		labelSub("s-3", "w-3", "dog", testBase.Add(2*time.Second)),
	}
	assert.InDelta(t, 1.0/3.0, pairAgreement(subs), 1e-9)
	assert.InDelta(t, 1.0, pairAgreement(subs[:1]), 1e-9)
}

func TestProcessValidatesTask(t *testing.T) {
	engine := NewEngine(nil)
	_, err := engine.Process(context.Background(), nil, nil)
	assert.True(t, core.IsValidation(err))
}
