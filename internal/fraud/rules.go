package fraud

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/verihive/backend/internal/activity"
	"github.com/verihive/backend/internal/core"
	"github.com/verihive/backend/pb"
)

// ============================================================================
// TIME-BASED DETECTION
// ============================================================================

// timeScore flags submissions that arrive faster than a human could
// produce them, either absolutely or relative to the worker's own
// historical pace.
func (d *Detector) timeScore(ctx context.Context, input *core.FraudCheckInput) (float64, []string) {
	acts, err := d.activity.RecentActivity(ctx, input.WorkerID, d.window)
	if err != nil {
		d.logger.Printf("⚠️ time signal degraded for %s: %v", input.WorkerID, err)
		return 0, nil
	}
	// Too little history to call anything anomalous
	if len(acts) < 5 {
		return 0, nil
	}

	if input.ProcessingTimeMs < d.cfg.MinProcessingTimeMs {
		return 0.9, []string{fmt.Sprintf("processing time %dms below human minimum %dms",
			input.ProcessingTimeMs, d.cfg.MinProcessingTimeMs)}
	}

	avg := activity.AverageProcessingMs(acts)
	if avg <= 0 {
		return 0, nil
	}
	ratio := float64(input.ProcessingTimeMs) / avg
	switch {
	case ratio < 0.5:
		return 0.7, []string{fmt.Sprintf("processing time %.0f%% of worker average", ratio*100)}
	case ratio < 0.7:
		return 0.4, []string{fmt.Sprintf("processing time %.0f%% of worker average", ratio*100)}
	}
	return 0, nil
}

// ============================================================================
// PATTERN-BASED DETECTION
// ============================================================================

// patternScore looks for machine-like behavior across the recent
// activity window: impossible throughput, single-type grinding, rubber
// stamping and metronomic submission intervals.
func (d *Detector) patternScore(ctx context.Context, input *core.FraudCheckInput) (float64, []string) {
	acts, err := d.activity.RecentActivity(ctx, input.WorkerID, d.window)
	if err != nil {
		d.logger.Printf("⚠️ pattern signal degraded for %s: %v", input.WorkerID, err)
		return 0, nil
	}
	if len(acts) < 10 {
		return 0, nil
	}

	if tph := activity.TasksPerHour(acts, d.window); tph > d.cfg.MaxTasksPerHour {
		return 0.8, []string{fmt.Sprintf("throughput %.1f tasks/hour exceeds limit %.1f", tph, d.cfg.MaxTasksPerHour)}
	}

	if ratio := activity.DominantTypeRatio(acts); ratio > 0.9 {
		return 0.6, []string{fmt.Sprintf("%.0f%% of recent tasks share one type", ratio*100)}
	}

	if ratio := activity.DecisionRatio(acts); ratio > 0.95 {
		return 0.7, []string{fmt.Sprintf("%.0f%% of recent decisions identical", ratio*100)}
	}

	intervals := activity.Intervals(acts)
	if len(intervals) > 5 {
		if unique := activity.UniqueIntervalRatio(intervals); unique < 0.3 {
			return 0.9, []string{fmt.Sprintf("submission intervals %.0f%% unique, metronomic cadence", unique*100)}
		}
	}
	return 0, nil
}

// ============================================================================
// NETWORK-BASED DETECTION
// ============================================================================

// networkScore combines shared-infrastructure evidence: many workers on
// one IP, many workers on one device fingerprint, and a timezone that
// contradicts the IP geolocation. Sub-scores add up and cap at 1.0.
func (d *Detector) networkScore(ctx context.Context, input *core.FraudCheckInput) (float64, []string) {
	var (
		ipScore, fpScore, tzScore float64
		reasons                   []string
		rep                       *pb.IPReputation
	)

	if input.IPAddress != "" {
		count, err := d.shares.RecordIP(ctx, input.IPAddress, input.WorkerID)
		if err != nil {
			d.logger.Printf("⚠️ ip share index degraded: %v", err)
		} else if count > int64(d.cfg.MaxIPTaskCount) {
			ipScore = 0.8
			reasons = append(reasons, fmt.Sprintf("%d workers active on ip %s", count, input.IPAddress))
		}

		rep = d.lookupIP(ctx, input.IPAddress)
		if rep != nil && rep.RiskScore > ipScore {
			ipScore = rep.RiskScore
			switch {
			case rep.IsVpn:
				reasons = append(reasons, "ip flagged as vpn exit")
			case rep.IsProxy:
				reasons = append(reasons, "ip flagged as proxy")
			case rep.IsDatacenter:
				reasons = append(reasons, "ip belongs to datacenter range")
			default:
				reasons = append(reasons, fmt.Sprintf("ip reputation risk %.2f", rep.RiskScore))
			}
		}
	}

	if input.Fingerprint != nil {
		hash := FingerprintHash(input.Fingerprint)
		count, err := d.shares.RecordFingerprint(ctx, hash, input.WorkerID)
		if err != nil {
			d.logger.Printf("⚠️ fingerprint share index degraded: %v", err)
			count = 0
		}
		// The provider's history sees reuse across deployments that the
		// process-local index cannot.
		if hist := d.lookupFingerprint(ctx, hash); hist != nil && int64(len(hist.WorkerIds)) > count {
			count = int64(len(hist.WorkerIds))
		}
		if count > 3 {
			fpScore = 0.7
			reasons = append(reasons, fmt.Sprintf("%d workers share device fingerprint", count))
		}

		if rep != nil && rep.Timezone != "" && input.Fingerprint.Timezone != "" &&
			rep.Timezone != input.Fingerprint.Timezone {
			tzScore = 0.5
			reasons = append(reasons, fmt.Sprintf("device timezone %s contradicts ip timezone %s",
				input.Fingerprint.Timezone, rep.Timezone))
		}
	}

	score := math.Min(1.0, ipScore+fpScore+tzScore)

	// Fully blocked fingerprinting is itself a strong automation tell
	if input.Fingerprint.BlocksAll() {
		if score < 0.9 {
			score = 0.9
		}
		reasons = append(reasons, "fingerprint surface fully blocked, likely automation")
	}
	return score, reasons
}

// lookupIP resolves IP reputation through the circuit breaker so a
// degraded intel provider never stalls or fails verification.
func (d *Detector) lookupIP(ctx context.Context, ip string) *pb.IPReputation {
	if d.intel == nil {
		return nil
	}
	res, err := d.intelBreaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, d.providerTimeout)
		defer cancel()
		return d.intel.LookupIP(ctx, &pb.IPLookupRequest{IpAddress: ip})
	})
	if err != nil {
		d.metrics.RecordIntelFailure()
		d.logger.Printf("⚠️ ip intel lookup failed for %s: %v", ip, err)
		return nil
	}
	rep, _ := res.(*pb.IPReputation)
	return rep
}

// lookupFingerprint resolves the provider-side fingerprint history,
// sharing the intel breaker with IP lookups. Failures degrade to nil.
func (d *Detector) lookupFingerprint(ctx context.Context, hash string) *pb.FingerprintHistory {
	if d.intel == nil {
		return nil
	}
	res, err := d.intelBreaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, d.providerTimeout)
		defer cancel()
		return d.intel.LookupFingerprint(ctx, &pb.FingerprintLookupRequest{FingerprintHash: hash})
	})
	if err != nil {
		d.metrics.RecordIntelFailure()
		d.logger.Printf("⚠️ fingerprint intel lookup failed: %v", err)
		return nil
	}
	hist, _ := res.(*pb.FingerprintHistory)
	return hist
}

// ============================================================================
// CONTENT-BASED DETECTION
// ============================================================================

// contentScore compares the submission against the worker's recent
// answers (near-duplicate spam) and against their demonstrated skill
// (overclaimed confidence).
func (d *Detector) contentScore(ctx context.Context, input *core.FraudCheckInput) (float64, []string) {
	if len(input.Content) == 0 {
		return 0, nil
	}

	canonical, err := json.Marshal(input.Content)
	if err != nil {
		return 0, nil
	}
	tokens := tokenize(string(canonical))

	if sim := d.history.observe(input.WorkerID, tokens); sim > d.cfg.MaxSimilarityScore {
		return 0.8, []string{fmt.Sprintf("content %.0f%% similar to recent submission", sim*100)}
	}

	if claimed, ok := numeric(input.Content["confidence"]); ok {
		profile, err := d.profiles.GetWorker(ctx, input.WorkerID, true)
		if err == nil && profile != nil {
			historical := profile.Metrics[input.TaskType].Accuracy
			if gap := math.Abs(claimed - historical); gap > 0.5 {
				return 0.6, []string{fmt.Sprintf("claimed confidence %.2f inconsistent with accuracy %.2f", claimed, historical)}
			}
		}
	}
	return 0, nil
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func tokenize(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	var inter int
	for tok := range small {
		if _, ok := large[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// contentHistory keeps a bounded per-worker window of recent submission
// token sets for near-duplicate detection.
const maxContentHistory = 20

type contentHistory struct {
	mu      sync.Mutex
	entries map[string][]map[string]struct{}
}

func newContentHistory() *contentHistory {
	return &contentHistory{entries: make(map[string][]map[string]struct{})}
}

// observe compares the token set against the worker's recent history,
// returns the best similarity found, and records the new set. Compare
// and append happen under one lock so concurrent submissions from the
// same worker always see each other.
func (h *contentHistory) observe(workerID string, tokens map[string]struct{}) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	var best float64
	for _, prev := range h.entries[workerID] {
		if sim := jaccard(tokens, prev); sim > best {
			best = sim
		}
	}

	hist := append(h.entries[workerID], tokens)
	if len(hist) > maxContentHistory {
		hist = hist[len(hist)-maxContentHistory:]
	}
	h.entries[workerID] = hist
	return best
}
