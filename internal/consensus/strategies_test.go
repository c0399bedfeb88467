package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verihive/backend/internal/core"
)

var testBase = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

func sub(id, worker string, result map[string]interface{}, completedAt time.Time, processingMs int64) core.WorkerSubmission {
	return core.WorkerSubmission{
		ID:          id,
		TaskID:      "task-1",
		WorkerID:    worker,
		Result:      result,
		StartedAt:   completedAt.Add(-time.Duration(processingMs) * time.Millisecond),
		CompletedAt: completedAt,
	}
}

func labelSub(id, worker, label string, completedAt time.Time) core.WorkerSubmission {
	return sub(id, worker, map[string]interface{}{"label": label}, completedAt, 5000)
}

func TestPluralityLabel(t *testing.T) {
	subs := []core.WorkerSubmission{
		labelSub("s-1", "w-1", "cat", testBase),
		labelSub("s-2", "w-2", "cat", testBase.Add(time.Second)),
		labelSub("s-3", "w-3", "dog", testBase.Add(2*time.Second)),
	}
	out, err := aggregateLabel(subs, nil)
	require.NoError(t, err)
	assert.Equal(t, "cat", out["label"])

	assert.InDelta(t, 2.0/3.0, labelAccuracy(0, subs), 1e-9)
	assert.InDelta(t, 1.0/3.0, labelAccuracy(2, subs), 1e-9)
}

func TestPluralityTieGoesToEarliest(t *testing.T) {
	subs := []core.WorkerSubmission{
		labelSub("s-1", "w-1", "dog", testBase.Add(time.Minute)),
		labelSub("s-2", "w-2", "cat", testBase),
	}
	out, err := aggregateLabel(subs, nil)
	require.NoError(t, err)
	assert.Equal(t, "cat", out["label"])
}

func TestPluralityRespectsWeights(t *testing.T) {
	subs := []core.WorkerSubmission{
		labelSub("s-1", "w-1", "dog", testBase),
		labelSub("s-2", "w-2", "cat", testBase.Add(time.Second)),
		labelSub("s-3", "w-3", "cat", testBase.Add(2*time.Second)),
	}
	// One heavyweight dissenter outvotes two light agreers
	out, err := aggregateLabel(subs, []float64{0.9, 0.3, 0.3})
	require.NoError(t, err)
	assert.Equal(t, "dog", out["label"])
}

func TestImageAggregation(t *testing.T) {
	subs := []core.WorkerSubmission{
		sub("s-1", "w-1", map[string]interface{}{"label": "stop_sign", "confidence": 0.9}, testBase, 4000),
		sub("s-2", "w-2", map[string]interface{}{"label": "stop_sign", "confidence": 0.7}, testBase.Add(time.Second), 4000),
		sub("s-3", "w-3", map[string]interface{}{"label": "yield_sign", "confidence": 0.5}, testBase.Add(2*time.Second), 4000),
	}
	out, err := aggregateImage(subs, nil)
	require.NoError(t, err)
	assert.Equal(t, "stop_sign", out["label"])
	assert.InDelta(t, 0.7, out["confidence"].(float64), 1e-9)
}

func TestSentimentAggregation(t *testing.T) {
	subs := []core.WorkerSubmission{
		sub("s-1", "w-1", map[string]interface{}{"score": 0.8}, testBase, 4000),
		sub("s-2", "w-2", map[string]interface{}{"score": 0.6}, testBase.Add(time.Second), 4000),
		sub("s-3", "w-3", map[string]interface{}{"score": -0.2}, testBase.Add(2*time.Second), 4000),
	}
	out, err := aggregateSentiment(subs, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, out["score"].(float64), 1e-9)
	assert.Equal(t, "positive", out["sentiment"])
	assert.InDelta(t, 0.4, out["magnitude"].(float64), 1e-9)

	// Accuracy decays with distance from the mean
	assert.InDelta(t, 0.8, sentimentAccuracy(0, subs), 1e-9)
	assert.InDelta(t, 0.7, sentimentAccuracy(2, subs), 1e-9)
}

func TestSentimentSignSelectsSentiment(t *testing.T) {
	negative := []core.WorkerSubmission{
		sub("s-1", "w-1", map[string]interface{}{"score": -0.9}, testBase, 4000),
		sub("s-2", "w-2", map[string]interface{}{"score": -0.3}, testBase.Add(time.Second), 4000),
	}
	out, err := aggregateSentiment(negative, nil)
	require.NoError(t, err)
	assert.Equal(t, "negative", out["sentiment"])

	balanced := []core.WorkerSubmission{
		sub("s-1", "w-1", map[string]interface{}{"score": 0.5}, testBase, 4000),
		sub("s-2", "w-2", map[string]interface{}{"score": -0.5}, testBase.Add(time.Second), 4000),
	}
	out, err = aggregateSentiment(balanced, nil)
	require.NoError(t, err)
	assert.Equal(t, "neutral", out["sentiment"])
}

func entities(items ...map[string]interface{}) map[string]interface{} {
	raw := make([]interface{}, len(items))
	for i, item := range items {
		raw[i] = item
	}
	return map[string]interface{}{"entities": raw}
}

func span(start, end float64, typ string) map[string]interface{} {
	return map[string]interface{}{"start": start, "end": end, "type": typ}
}

func TestEntityAggregationMergesOverlaps(t *testing.T) {
	subs := []core.WorkerSubmission{
		sub("s-1", "w-1", entities(span(0, 5, "PERSON"), span(10, 15, "LOCATION")), testBase, 4000),
		sub("s-2", "w-2", entities(span(1, 6, "PERSON")), testBase.Add(time.Second), 4000),
		sub("s-3", "w-3", entities(span(20, 25, "ORG")), testBase.Add(2*time.Second), 4000),
	}
	out, err := aggregateEntities(subs, nil)
	require.NoError(t, err)

	kept, ok := out["entities"].([]interface{})
	require.True(t, ok)
	require.Len(t, kept, 1) // only PERSON reaches 2-of-3 agreement

	merged, ok := kept[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 0.0, merged["start"])
	assert.Equal(t, 6.0, merged["end"]) // union of [0,5) and [1,6)
	assert.Equal(t, "PERSON", merged["type"])
	assert.Equal(t, 2, merged["support"])
}

func TestEntityTypeMismatchNeverMerges(t *testing.T) {
	subs := []core.WorkerSubmission{
		sub("s-1", "w-1", entities(span(0, 5, "PERSON")), testBase, 4000),
		sub("s-2", "w-2", entities(span(0, 5, "ORG")), testBase.Add(time.Second), 4000),
	}
	out, err := aggregateEntities(subs, nil)
	require.NoError(t, err)
	// Each cluster holds exactly one endorsement, 1-of-2 meets the 50% bar
	kept := out["entities"].([]interface{})
	assert.Len(t, kept, 2)
}

func TestEntityAccuracy(t *testing.T) {
	subs := []core.WorkerSubmission{
		sub("s-1", "w-1", entities(span(0, 5, "PERSON")), testBase, 4000),
		sub("s-2", "w-2", entities(span(1, 6, "PERSON")), testBase.Add(time.Second), 4000),
		sub("s-3", "w-3", entities(), testBase.Add(2*time.Second), 4000),
	}
	// Agrees with s-2 (overlap), disagrees with empty s-3
	assert.InDelta(t, 0.5, entityAccuracy(0, subs), 1e-9)

	empty := []core.WorkerSubmission{
		sub("s-1", "w-1", entities(), testBase, 4000),
		sub("s-2", "w-2", entities(), testBase.Add(time.Second), 4000),
	}
	assert.InDelta(t, 1.0, entityAccuracy(0, empty), 1e-9)
}

func moderation(isViolation bool, confidence float64, categories ...string) map[string]interface{} {
	raw := make([]interface{}, len(categories))
	for i, c := range categories {
		raw[i] = c
	}
	return map[string]interface{}{
		"is_violation": isViolation,
		"confidence":   confidence,
		"categories":   raw,
	}
}

func TestModerationMajority(t *testing.T) {
	subs := []core.WorkerSubmission{
		sub("s-1", "w-1", moderation(true, 0.9, "spam"), testBase, 4000),
		sub("s-2", "w-2", moderation(true, 0.7, "spam", "hate"), testBase.Add(time.Second), 4000),
		sub("s-3", "w-3", moderation(false, 0.8), testBase.Add(2*time.Second), 4000),
	}
	out, err := aggregateModeration(subs, nil)
	require.NoError(t, err)

	assert.Equal(t, true, out["is_violation"])
	assert.InDelta(t, 0.8, out["confidence"].(float64), 1e-9) // mean of 0.9 and 0.7

	cats := out["categories"].([]interface{})
	require.Len(t, cats, 1) // spam endorsed 2-of-2, hate only 1-of-2
	assert.Equal(t, "spam", cats[0])
}

func TestModerationTieFlagsContent(t *testing.T) {
	subs := []core.WorkerSubmission{
		sub("s-1", "w-1", moderation(true, 1.0, "violence"), testBase, 4000),
		sub("s-2", "w-2", moderation(false, 0.9), testBase.Add(time.Second), 4000),
	}
	out, err := aggregateModeration(subs, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["is_violation"])
	assert.InDelta(t, 1.0, out["confidence"].(float64), 1e-9)
}

func TestSchemaValidation(t *testing.T) {
	cases := []struct {
		name     string
		validate func(map[string]interface{}) error
		good     map[string]interface{}
		bad      map[string]interface{}
	}{
		{
			name:     "text label",
			validate: validateLabel,
			good:     map[string]interface{}{"label": "cat"},
			bad:      map[string]interface{}{"label": ""},
		},
		{
			name:     "image confidence range",
			validate: validateImage,
			good:     map[string]interface{}{"label": "cat", "confidence": 0.5},
			bad:      map[string]interface{}{"label": "cat", "confidence": 1.5},
		},
		{
			name:     "sentiment score range",
			validate: validateSentiment,
			good:     map[string]interface{}{"score": -0.5},
			bad:      map[string]interface{}{"score": 2.0},
		},
		{
			name:     "entity span ordering",
			validate: validateEntities,
			good:     entities(span(0, 5, "PERSON")),
			bad:      entities(span(5, 5, "PERSON")),
		},
		{
			name:     "moderation verdict required",
			validate: validateModeration,
			good:     moderation(true, 0.9, "spam"),
			bad:      map[string]interface{}{"confidence": 0.9},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NoError(t, tc.validate(tc.good))
			assert.Error(t, tc.validate(tc.bad))
		})
	}
}

func TestRegistryCoversAllTaskTypes(t *testing.T) {
	registry := newRegistry()
	for _, taskType := range []core.TaskType{
		core.TaskTextClassification, core.TaskImageClassification,
		core.TaskSentimentAnalysis, core.TaskEntityRecognition,
		core.TaskContentModeration, core.TaskTranscriptionReview,
		core.TaskTranslationQuality, core.TaskDataLabeling,
		core.TaskDocumentReview, core.TaskSpamDetection,
	} {
		strat, ok := registry[taskType]
		assert.True(t, ok, "missing strategy for %s", taskType)
		assert.NotNil(t, strat.validate)
		assert.NotNil(t, strat.accuracy)
		assert.NotNil(t, strat.aggregate)
	}
}
