// Package fraud scores worker submissions for automation and collusion
// risk. Four independent signals (time, pattern, network, content) run
// concurrently and merge into a weighted risk score; a detector failure
// degrades its signal to zero instead of failing the check.
package fraud

import (
	"context"
	"log"
	"time"

	"github.com/verihive/backend/internal/circuitbreaker"
	"github.com/verihive/backend/internal/config"
	"github.com/verihive/backend/internal/core"
	"github.com/verihive/backend/internal/events"
	"github.com/verihive/backend/pb"
)

// ActivitySource yields a worker's recent activity, newest events last.
type ActivitySource interface {
	RecentActivity(ctx context.Context, workerID string, window time.Duration) ([]core.WorkerActivity, error)
}

// ProfileReader resolves worker profiles; stale reads are acceptable
// for scoring.
type ProfileReader interface {
	GetWorker(ctx context.Context, id string, allowStale bool) (*core.WorkerProfile, error)
}

// AuditSink records flagged detections for later review. Audit failures
// are logged, never propagated.
type AuditSink interface {
	Record(ctx context.Context, category, subject string, details map[string]interface{}) error
}

// ============================================================================
// DETECTOR
// ============================================================================

type Detector struct {
	cfg             config.FraudConfig
	window          time.Duration
	providerTimeout time.Duration

	activity ActivitySource
	profiles ProfileReader
	shares   ShareIndex

	intel        pb.IntelServiceClient
	intelBreaker *circuitbreaker.CircuitBreaker

	memo    *memoCache
	history *contentHistory
	metrics *Metrics
	audit   AuditSink

	unsubscribe func()
	logger      *log.Logger
}

// NewDetector wires the four-signal pipeline. bus may be nil; when set,
// reputation.updated events invalidate the memo cache for that worker.
func NewDetector(cfg config.FraudConfig, acts ActivitySource, profiles ProfileReader, shares ShareIndex, intel pb.IntelServiceClient, bus *events.EventBus) *Detector {
	window := time.Duration(cfg.TimeWindowMinutes) * time.Minute
	if window <= 0 {
		window = time.Hour
	}
	providerTimeout := time.Duration(cfg.ProviderTimeoutMs) * time.Millisecond
	if providerTimeout <= 0 {
		providerTimeout = 800 * time.Millisecond
	}
	if shares == nil {
		shares = NewMemoryShareIndex(time.Duration(cfg.DeviceFingerprintTTLHrs) * time.Hour)
	}

	d := &Detector{
		cfg:             cfg,
		window:          window,
		providerTimeout: providerTimeout,
		activity:        acts,
		profiles:        profiles,
		shares:          shares,
		intel:           intel,
		intelBreaker: circuitbreaker.New(&circuitbreaker.Config{
			Name:    "intel-service",
			Timeout: 20 * time.Second,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		memo:    newMemoCache(time.Duration(cfg.MemoTTLMinutes) * time.Minute),
		history: newContentHistory(),
		logger:  log.New(log.Writer(), "[FRAUD] ", log.LstdFlags),
	}
	d.unsubscribe = d.memo.subscribe(bus)
	return d
}

// SetIntelBreaker swaps in a shared breaker, typically the one owned by
// circuitbreaker.VerifierBreakers.
func (d *Detector) SetIntelBreaker(cb *circuitbreaker.CircuitBreaker) {
	if cb != nil {
		d.intelBreaker = cb
	}
}

func (d *Detector) SetMetrics(m *Metrics) { d.metrics = m }

func (d *Detector) SetAudit(sink AuditSink) { d.audit = sink }

type signalResult struct {
	name    string
	score   float64
	reasons []string
}

// Detect runs all four signals concurrently and aggregates them into a
// FraudDetectionResult. Results memoize per (worker, task) until the
// memo TTL passes or the worker's reputation changes.
func (d *Detector) Detect(ctx context.Context, input *core.FraudCheckInput) (*core.FraudDetectionResult, error) {
	if input == nil {
		return nil, core.NewValidationError("input", "fraud check input is required")
	}
	if input.WorkerID == "" {
		return nil, core.NewValidationError("worker_id", "worker id is required")
	}
	if input.TaskID == "" {
		return nil, core.NewValidationError("task_id", "task id is required")
	}

	if cached, ok := d.memo.get(input.WorkerID, input.TaskID); ok {
		d.metrics.RecordMemoHit()
		return cached, nil
	}
	d.metrics.RecordMemoMiss()

	start := time.Now()

	results := make(chan signalResult, 4)
	run := func(name string, fn func(context.Context, *core.FraudCheckInput) (float64, []string)) {
		go func() {
			score, reasons := fn(ctx, input)
			results <- signalResult{name: name, score: score, reasons: reasons}
		}()
	}
	run("time", d.timeScore)
	run("pattern", d.patternScore)
	run("network", d.networkScore)
	run("content", d.contentScore)

	collected := make(map[string]signalResult, 4)
	for i := 0; i < 4; i++ {
		r := <-results
		collected[r.name] = r
	}

	signals := core.FraudSignals{
		Time:    collected["time"].score,
		Pattern: collected["pattern"].score,
		Network: collected["network"].score,
		Content: collected["content"].score,
	}

	var reasons []string
	for _, name := range []string{"time", "pattern", "network", "content"} {
		reasons = append(reasons, collected[name].reasons...)
	}

	risk := d.aggregate(signals)
	level := LevelFor(risk)

	result := &core.FraudDetectionResult{
		WorkerID:     input.WorkerID,
		TaskID:       input.TaskID,
		IsFraudulent: risk >= 0.5,
		RiskScore:    risk,
		Level:        level,
		Confidence:   confidence(risk),
		Reasons:      reasons,
		Actions:      ActionsFor(level),
		Signals:      signals,
		DetectedAt:   time.Now().UTC(),
	}

	d.memo.put(input.WorkerID, input.TaskID, result)
	d.metrics.RecordCheck(result, time.Since(start))
	d.recordAudit(ctx, input, result)

	if result.IsFraudulent {
		d.logger.Printf("⚠️ worker %s task %s flagged %s risk=%.2f signals=[t=%.2f p=%.2f n=%.2f c=%.2f]",
			input.WorkerID, input.TaskID, level, risk,
			signals.Time, signals.Pattern, signals.Network, signals.Content)
	}
	return result, nil
}

// aggregate folds the four signal scores into one risk value. Weights
// renormalize over their own sum so partial weight configs still map
// onto [0,1].
func (d *Detector) aggregate(s core.FraudSignals) float64 {
	w := d.cfg.Weights
	if w.Time == 0 && w.Pattern == 0 && w.Network == 0 && w.Content == 0 {
		w = config.FraudWeights{Time: 0.25, Pattern: 0.30, Network: 0.20, Content: 0.20}
	}
	total := w.Time + w.Pattern + w.Network + w.Content
	if total <= 0 {
		return 0
	}
	return (w.Time*s.Time + w.Pattern*s.Pattern + w.Network*s.Network + w.Content*s.Content) / total
}

func confidence(risk float64) float64 {
	c := risk - 0.5
	if c < 0 {
		c = -c
	}
	return c * 2
}

// LevelFor maps an aggregate risk score onto the severity bands.
func LevelFor(risk float64) core.FraudLevel {
	switch {
	case risk >= 0.9:
		return core.FraudCritical
	case risk >= 0.5:
		return core.FraudHigh
	case risk >= 0.3:
		return core.FraudMedium
	default:
		return core.FraudLow
	}
}

// ActionsFor returns the response playbook for a severity level.
func ActionsFor(level core.FraudLevel) []core.FraudAction {
	switch level {
	case core.FraudCritical:
		return []core.FraudAction{
			core.ActionSuspendAccount,
			core.ActionInvalidateRecent,
			core.ActionBlockPayments,
			core.ActionTriggerManualReview,
		}
	case core.FraudHigh:
		return []core.FraudAction{
			core.ActionIncreaseRequirements,
			core.ActionRestrictTaskAccess,
			core.ActionFlagForReview,
		}
	case core.FraudMedium:
		return []core.FraudAction{
			core.ActionEnhancedMonitoring,
			core.ActionAdditionalVerification,
		}
	default:
		return []core.FraudAction{core.ActionMonitor}
	}
}

// BehaviorRisk exposes the pattern signal alone, used by the auction
// close path to drop bids from workers grinding the queue.
func (d *Detector) BehaviorRisk(ctx context.Context, workerID string) (float64, error) {
	if workerID == "" {
		return 0, core.NewValidationError("worker_id", "worker id is required")
	}
	score, _ := d.patternScore(ctx, &core.FraudCheckInput{WorkerID: workerID})
	return score, nil
}

// recordAudit writes one trail entry per check, flagged or not, so the
// audit chain carries the full detection volume.
func (d *Detector) recordAudit(ctx context.Context, input *core.FraudCheckInput, result *core.FraudDetectionResult) {
	if d.audit == nil {
		return
	}
	err := d.audit.Record(ctx, "FRAUD_DETECTION", input.WorkerID, map[string]interface{}{
		"task_id":    input.TaskID,
		"risk_score": result.RiskScore,
		"level":      string(result.Level),
		"reasons":    result.Reasons,
		"signals": map[string]float64{
			"time":    result.Signals.Time,
			"pattern": result.Signals.Pattern,
			"network": result.Signals.Network,
			"content": result.Signals.Content,
		},
	})
	if err != nil {
		d.logger.Printf("⚠️ audit record failed for %s: %v", input.WorkerID, err)
	}
}

// Stop shuts down the memo janitor and event subscription.
func (d *Detector) Stop() {
	d.memo.stop()
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
}

// Stats reports cache and breaker state for the ops endpoints.
func (d *Detector) Stats() map[string]interface{} {
	return map[string]interface{}{
		"memo_entries":   d.memo.size(),
		"breaker_state":  d.intelBreaker.State().String(),
		"window_minutes": d.window.Minutes(),
	}
}
