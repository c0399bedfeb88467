package auction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/verihive/backend/internal/config"
	"github.com/verihive/backend/internal/core"
)

func TestBandForUsesTypeDemand(t *testing.T) {
	text := &core.VerificationTask{Type: core.TaskTextClassification}
	assert.Equal(t, complexityLow, bandFor(text))

	moderation := &core.VerificationTask{Type: core.TaskContentModeration}
	assert.Equal(t, complexityMedium, bandFor(moderation))

	entity := &core.VerificationTask{Type: core.TaskEntityRecognition}
	assert.Equal(t, complexityHigh, bandFor(entity))
}

func TestBandForPayloadOverride(t *testing.T) {
	task := &core.VerificationTask{
		Type:    core.TaskTextClassification,
		Payload: map[string]interface{}{"complexity": "high"},
	}
	assert.Equal(t, complexityHigh, bandFor(task))

	// Garbage overrides fall back to the type table.
	task.Payload["complexity"] = "EXTREME"
	assert.Equal(t, complexityLow, bandFor(task))
}

func TestMultiplierRange(t *testing.T) {
	beginner := &core.VerificationTask{
		Type:         core.TaskTextClassification,
		Priority:     core.PriorityMedium,
		Requirements: core.TaskRequirements{WorkerLevel: core.LevelBeginner},
	}
	min, max := multiplierRange(beginner)
	assert.InDelta(t, 15.0, min, 0.001) // 10 * 1 * 1.5
	assert.InDelta(t, 20.0, max, 0.001) // 10 * 1 * 2 * 1

	expert := &core.VerificationTask{
		Type:         core.TaskEntityRecognition,
		Priority:     core.PriorityHigh,
		Requirements: core.TaskRequirements{WorkerLevel: core.LevelExpert},
	}
	min, max = multiplierRange(expert)
	assert.InDelta(t, 60.0, min, 0.001)  // 10 * 3 * 2
	assert.InDelta(t, 240.0, max, 0.001) // 10 * 4 * 3 * 2

	// Unknown level and priority fall back to BEGINNER / MEDIUM.
	blank := &core.VerificationTask{Type: core.TaskTextClassification}
	min, max = multiplierRange(blank)
	assert.InDelta(t, 15.0, min, 0.001)
	assert.InDelta(t, 20.0, max, 0.001)
}

func TestPriceBookSampleGate(t *testing.T) {
	book := newPriceBook()

	book.record(core.TaskTextClassification, []float64{30, 35})
	book.record(core.TaskTextClassification, []float64{25, 40})
	_, _, ok := book.rangeFor(core.TaskTextClassification)
	assert.False(t, ok, "four samples must not satisfy the gate")

	book.record(core.TaskTextClassification, []float64{45})
	min, max, ok := book.rangeFor(core.TaskTextClassification)
	assert.True(t, ok)
	assert.InDelta(t, 25.0, min, 0.001)
	assert.InDelta(t, 45.0, max, 0.001)

	// Other types stay independent.
	_, _, ok = book.rangeFor(core.TaskImageClassification)
	assert.False(t, ok)
}

func TestPriceBookBoundedWindow(t *testing.T) {
	book := newPriceBook()

	// Fill past the window with lows, then push highs; the lows age out.
	for i := 0; i < priceBookWindow; i++ {
		book.record(core.TaskTextClassification, []float64{10})
	}
	for i := 0; i < priceBookWindow; i++ {
		book.record(core.TaskTextClassification, []float64{100})
	}

	min, max, ok := book.rangeFor(core.TaskTextClassification)
	assert.True(t, ok)
	assert.InDelta(t, 100.0, min, 0.001)
	assert.InDelta(t, 100.0, max, 0.001)
}

func TestAuctionWindowByPriority(t *testing.T) {
	cfg := config.AuctionConfig{WindowHighMinutes: 2, WindowMediumMinutes: 5, WindowLowMinutes: 10}
	assert.Equal(t, 2*time.Minute, auctionWindow(cfg, core.PriorityHigh))
	assert.Equal(t, 5*time.Minute, auctionWindow(cfg, core.PriorityMedium))
	assert.Equal(t, 10*time.Minute, auctionWindow(cfg, core.PriorityLow))

	// Zero config falls back to the defaults.
	assert.Equal(t, 2*time.Minute, auctionWindow(config.AuctionConfig{}, core.PriorityHigh))
	assert.Equal(t, 5*time.Minute, auctionWindow(config.AuctionConfig{}, core.PriorityMedium))
	assert.Equal(t, 10*time.Minute, auctionWindow(config.AuctionConfig{}, core.PriorityLow))
}

func TestAssignmentWindowByPriority(t *testing.T) {
	cfg := config.AssignmentConfig{ExpiryHighMinutes: 5, ExpiryMediumMinutes: 15, ExpiryLowMinutes: 30}
	assert.Equal(t, 5*time.Minute, AssignmentWindow(cfg, core.PriorityHigh))
	assert.Equal(t, 15*time.Minute, AssignmentWindow(cfg, core.PriorityMedium))
	assert.Equal(t, 30*time.Minute, AssignmentWindow(cfg, core.PriorityLow))

	assert.Equal(t, 5*time.Minute, AssignmentWindow(config.AssignmentConfig{}, core.PriorityHigh))
	assert.Equal(t, 15*time.Minute, AssignmentWindow(config.AssignmentConfig{}, core.PriorityMedium))
	assert.Equal(t, 30*time.Minute, AssignmentWindow(config.AssignmentConfig{}, core.PriorityLow))
}
