package auction

import (
	"strings"
	"sync"
	"time"

	"github.com/verihive/backend/internal/config"
	"github.com/verihive/backend/internal/core"
)

// ============================================================================
// BID PRICING
// ============================================================================

// baseBidUnit is the credit value every multiplier scales from.
const baseBidUnit = 10.0

// complexityBand buckets the task-type demand weight for pricing.
type complexityBand string

const (
	complexityLow    complexityBand = "LOW"
	complexityMedium complexityBand = "MEDIUM"
	complexityHigh   complexityBand = "HIGH"
)

var levelMinMultiplier = map[core.WorkerLevel]float64{
	core.LevelBeginner:     1.0,
	core.LevelIntermediate: 1.5,
	core.LevelAdvanced:     2.0,
	core.LevelExpert:       3.0,
}

var levelMaxMultiplier = map[core.WorkerLevel]float64{
	core.LevelBeginner:     1.0,
	core.LevelIntermediate: 1.5,
	core.LevelAdvanced:     2.5,
	core.LevelExpert:       4.0,
}

var priorityMinMultiplier = map[core.TaskPriority]float64{
	core.PriorityLow:    1.0,
	core.PriorityMedium: 1.5,
	core.PriorityHigh:   2.0,
}

var priorityMaxMultiplier = map[core.TaskPriority]float64{
	core.PriorityLow:    1.0,
	core.PriorityMedium: 2.0,
	core.PriorityHigh:   3.0,
}

// Complexity widens the ceiling only: hard work can command more, but
// the entry price stays set by level and priority.
var complexityMaxMultiplier = map[complexityBand]float64{
	complexityLow:    1.0,
	complexityMedium: 1.5,
	complexityHigh:   2.0,
}

// bandFor buckets a task's demand weight, honoring an explicit
// "complexity" payload override when the requester set one.
func bandFor(task *core.VerificationTask) complexityBand {
	if task.Payload != nil {
		if raw, ok := task.Payload["complexity"].(string); ok {
			switch complexityBand(strings.ToUpper(raw)) {
			case complexityLow:
				return complexityLow
			case complexityMedium:
				return complexityMedium
			case complexityHigh:
				return complexityHigh
			}
		}
	}
	w := core.ComplexityFor(task.Type)
	switch {
	case w < 0.4:
		return complexityLow
	case w <= 0.6:
		return complexityMedium
	default:
		return complexityHigh
	}
}

// multiplierRange prices an auction from the static tables.
func multiplierRange(task *core.VerificationTask) (min, max float64) {
	level := task.Requirements.WorkerLevel
	if !level.Valid() {
		level = core.LevelBeginner
	}
	priority := task.Priority
	if !priority.Valid() {
		priority = core.PriorityMedium
	}

	min = baseBidUnit * levelMinMultiplier[level] * priorityMinMultiplier[priority]
	max = baseBidUnit * levelMaxMultiplier[level] * priorityMaxMultiplier[priority] * complexityMaxMultiplier[bandFor(task)]
	return min, max
}

// ============================================================================
// PRICE BOOK
// ============================================================================

const (
	// priceBookWindow bounds the winning-bid samples kept per task type.
	priceBookWindow = 50
	// priceBookMinSamples gates when the observed range replaces the tables.
	priceBookMinSamples = 5
)

// priceBook remembers winning bid amounts per task type. Once enough
// auctions have settled, the observed range prices new auctions instead
// of the static multiplier tables.
type priceBook struct {
	mu     sync.Mutex
	byType map[core.TaskType][]float64
}

func newPriceBook() *priceBook {
	return &priceBook{byType: make(map[core.TaskType][]float64)}
}

func (p *priceBook) record(t core.TaskType, amounts []float64) {
	if len(amounts) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	window := append(p.byType[t], amounts...)
	if len(window) > priceBookWindow {
		window = window[len(window)-priceBookWindow:]
	}
	p.byType[t] = window
}

// rangeFor returns the observed min/max once enough samples exist.
func (p *priceBook) rangeFor(t core.TaskType) (min, max float64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	window := p.byType[t]
	if len(window) < priceBookMinSamples {
		return 0, 0, false
	}
	min, max = window[0], window[0]
	for _, v := range window[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max, true
}

// ============================================================================
// WINDOWS
// ============================================================================

// Auction window defaults in minutes, by priority.
const (
	defaultWindowHighMinutes   = 2
	defaultWindowMediumMinutes = 5
	defaultWindowLowMinutes    = 10
)

// auctionWindow returns how long bidding stays open for a priority.
func auctionWindow(cfg config.AuctionConfig, p core.TaskPriority) time.Duration {
	high, med, low := cfg.WindowHighMinutes, cfg.WindowMediumMinutes, cfg.WindowLowMinutes
	if high <= 0 {
		high = defaultWindowHighMinutes
	}
	if med <= 0 {
		med = defaultWindowMediumMinutes
	}
	if low <= 0 {
		low = defaultWindowLowMinutes
	}
	switch p {
	case core.PriorityHigh:
		return time.Duration(high) * time.Minute
	case core.PriorityLow:
		return time.Duration(low) * time.Minute
	default:
		return time.Duration(med) * time.Minute
	}
}

// Assignment expiry defaults in minutes, by priority.
const (
	defaultExpiryHighMinutes   = 5
	defaultExpiryMediumMinutes = 15
	defaultExpiryLowMinutes    = 30
)

// AssignmentWindow returns how long an assigned worker has to submit
// before the assignment expires. Shared by auction winners and directly
// distributed assignments.
func AssignmentWindow(cfg config.AssignmentConfig, p core.TaskPriority) time.Duration {
	high, med, low := cfg.ExpiryHighMinutes, cfg.ExpiryMediumMinutes, cfg.ExpiryLowMinutes
	if high <= 0 {
		high = defaultExpiryHighMinutes
	}
	if med <= 0 {
		med = defaultExpiryMediumMinutes
	}
	if low <= 0 {
		low = defaultExpiryLowMinutes
	}
	switch p {
	case core.PriorityHigh:
		return time.Duration(high) * time.Minute
	case core.PriorityLow:
		return time.Duration(low) * time.Minute
	default:
		return time.Duration(med) * time.Minute
	}
}
