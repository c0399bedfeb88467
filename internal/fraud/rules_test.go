package fraud

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/verihive/backend/internal/config"
	"github.com/verihive/backend/internal/core"
)

func TestJaccardSimilarity(t *testing.T) {
	a := tokenize(`{"label":"cat","confidence":0.9}`)
	b := tokenize(`{"label":"cat","confidence":0.9}`)
	assert.Equal(t, 1.0, jaccard(a, b))

	c := tokenize(`{"label":"dog","confidence":0.4}`)
	assert.Less(t, jaccard(a, c), 1.0)
	assert.Greater(t, jaccard(a, c), 0.0) // shared structural tokens

	assert.Equal(t, 0.0, jaccard(a, tokenize("")))
}

func TestContentHistoryBounded(t *testing.T) {
	h := newContentHistory()
	for i := 0; i < maxContentHistory+10; i++ {
		h.observe("w-1", map[string]struct{}{string(rune('a' + i)): {}})
	}
	assert.Len(t, h.entries["w-1"], maxContentHistory)
}

func TestContentHistoryObserveComparesBeforeAppend(t *testing.T) {
	h := newContentHistory()
	tokens := tokenize("alpha beta gamma")

	// First sighting has no history to match against
	assert.Equal(t, 0.0, h.observe("w-1", tokens))
	// Second identical sighting matches the first
	assert.Equal(t, 1.0, h.observe("w-1", tokens))
	// Other workers never cross-match
	assert.Equal(t, 0.0, h.observe("w-2", tokens))
}

func TestAggregateRenormalizesWeights(t *testing.T) {
	d := &Detector{cfg: config.FraudConfig{
		Weights: config.FraudWeights{Time: 1},
	}}
	risk := d.aggregate(core.FraudSignals{Time: 0.6, Pattern: 1, Network: 1, Content: 1})
	assert.InDelta(t, 0.6, risk, 1e-9)

	// Zero weights fall back to platform defaults
	d = &Detector{}
	risk = d.aggregate(core.FraudSignals{Time: 1, Pattern: 1, Network: 1, Content: 1})
	assert.InDelta(t, 1.0, risk, 1e-9)
}

func TestLevelBands(t *testing.T) {
	assert.Equal(t, core.FraudLow, LevelFor(0))
	assert.Equal(t, core.FraudLow, LevelFor(0.29))
	assert.Equal(t, core.FraudMedium, LevelFor(0.3))
	assert.Equal(t, core.FraudMedium, LevelFor(0.49))
	assert.Equal(t, core.FraudHigh, LevelFor(0.5))
	assert.Equal(t, core.FraudHigh, LevelFor(0.89))
	assert.Equal(t, core.FraudCritical, LevelFor(0.9))
	assert.Equal(t, core.FraudCritical, LevelFor(1))
}

func TestActionsEscalateWithLevel(t *testing.T) {
	assert.Equal(t, []core.FraudAction{core.ActionMonitor}, ActionsFor(core.FraudLow))

	medium := ActionsFor(core.FraudMedium)
	assert.Contains(t, medium, core.ActionEnhancedMonitoring)
	assert.Contains(t, medium, core.ActionAdditionalVerification)

	high := ActionsFor(core.FraudHigh)
	assert.Contains(t, high, core.ActionRestrictTaskAccess)
	assert.Contains(t, high, core.ActionFlagForReview)

	critical := ActionsFor(core.FraudCritical)
	assert.Contains(t, critical, core.ActionSuspendAccount)
	assert.Contains(t, critical, core.ActionBlockPayments)
	assert.Contains(t, critical, core.ActionInvalidateRecent)
	assert.Contains(t, critical, core.ActionTriggerManualReview)
}

func TestConfidencePeaksAwayFromThreshold(t *testing.T) {
	assert.InDelta(t, 1.0, confidence(0), 1e-9)
	assert.InDelta(t, 0.0, confidence(0.5), 1e-9)
	assert.InDelta(t, 1.0, confidence(1), 1e-9)
	assert.InDelta(t, 0.4, confidence(0.7), 1e-9)
}

func TestFingerprintHashStable(t *testing.T) {
	fp := &core.DeviceFingerprint{Canvas: "c1", WebGL: "w1", Plugins: []string{"pdf"}, Timezone: "UTC"}
	again := &core.DeviceFingerprint{Canvas: "c1", WebGL: "w1", Plugins: []string{"pdf"}, Timezone: "UTC"}
	assert.Equal(t, FingerprintHash(fp), FingerprintHash(again))
	assert.NotEqual(t, FingerprintHash(fp), FingerprintHash(&core.DeviceFingerprint{Canvas: "c2"}))
	assert.Equal(t, "", FingerprintHash(nil))
}

func TestMemoryShareIndexCounts(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryShareIndex(0)

	for i := 0; i < 3; i++ {
		n, err := idx.RecordIP(ctx, "10.0.0.1", "w-1")
		assert.NoError(t, err)
		assert.Equal(t, int64(1), n) // same worker counted once
	}

	n, err := idx.RecordIP(ctx, "10.0.0.1", "w-2")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = idx.RecordFingerprint(ctx, "hash-a", "w-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
