// Package orchestrator runs the verification pipeline end to end: task
// intake and distribution on one side, submission processing through
// fraud, consensus and reputation on the other. Per-task and per-worker
// keyed locks serialize mutations; transient storage faults retry with
// exponential backoff and exhausted submissions park on the dead-letter
// store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/verihive/backend/internal/config"
	"github.com/verihive/backend/internal/core"
	"github.com/verihive/backend/internal/events"
	"github.com/verihive/backend/internal/storage"
)

// ErrShuttingDown rejects new work once Shutdown has begun.
var ErrShuttingDown = errors.New("orchestrator shutting down")

const (
	defaultRetryBaseMs          = 1000
	defaultRetryFactor          = 2
	defaultRetryMaxAttempts     = 3
	defaultShutdownGraceSeconds = 30
)

// ActivityRecorder appends one record per submission for the fraud
// detectors' trailing-window queries.
type ActivityRecorder interface {
	Record(ctx context.Context, a core.WorkerActivity) error
}

// FraudChecker screens a submission before it can count.
type FraudChecker interface {
	Detect(ctx context.Context, input *core.FraudCheckInput) (*core.FraudDetectionResult, error)
}

// ConsensusRunner fuses a full submission set into one outcome.
type ConsensusRunner interface {
	Process(ctx context.Context, task *core.VerificationTask, subs []core.WorkerSubmission) (*core.VerificationResult, error)
}

// ReputationApplier rewards one contributor for a settled task.
type ReputationApplier interface {
	ApplyVerification(ctx context.Context, workerID string, result *core.VerificationResult, submission *core.WorkerSubmission, taskType core.TaskType) (*core.WorkerProfile, error)
}

// WorkerRoster is the worker-store surface the pipeline needs: candidate
// supply for distribution and suspension on critical fraud.
type WorkerRoster interface {
	AvailableWorkers(ctx context.Context, limit int) ([]core.WorkerProfile, error)
	UpdateStatus(ctx context.Context, id string, to core.WorkerStatus, reason string) (*core.WorkerProfile, error)
}

// TaskDistributor fans a persisted task out to workers.
type TaskDistributor interface {
	Distribute(ctx context.Context, task *core.VerificationTask, candidates []core.WorkerProfile, strategy core.DistributionStrategy) (*core.AssignmentResult, error)
}

// Deps bundles the orchestrator's collaborators. Tasks, Submissions,
// Results, Activity, Fraud, Consensus, Reputation, Workers and
// Distributor are required; DeadLetters and Bus may be nil.
type Deps struct {
	Tasks       storage.TaskRecordStore
	Submissions storage.SubmissionStore
	Results     storage.ResultStore
	DeadLetters storage.DeadLetterStore
	Activity    ActivityRecorder
	Fraud       FraudChecker
	Consensus   ConsensusRunner
	Reputation  ReputationApplier
	Workers     WorkerRoster
	Distributor TaskDistributor
	Bus         events.EventEmitter
}

type Orchestrator struct {
	cfg  config.OrchestratorConfig
	deps Deps

	taskLocks   *keyedMutex
	workerLocks *keyedMutex

	wg       sync.WaitGroup
	inFlight atomic.Int64
	closed   atomic.Bool

	metrics *Metrics
	logger  *log.Logger
}

func New(cfg config.OrchestratorConfig, deps Deps) *Orchestrator {
	if cfg.RetryBaseMs <= 0 {
		cfg.RetryBaseMs = defaultRetryBaseMs
	}
	if cfg.RetryFactor <= 1 {
		cfg.RetryFactor = defaultRetryFactor
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = defaultRetryMaxAttempts
	}
	if cfg.ShutdownGraceSeconds <= 0 {
		cfg.ShutdownGraceSeconds = defaultShutdownGraceSeconds
	}
	return &Orchestrator{
		cfg:         cfg,
		deps:        deps,
		taskLocks:   newKeyedMutex(),
		workerLocks: newKeyedMutex(),
		logger:      log.New(log.Writer(), "[ORCHESTRATOR] ", log.LstdFlags),
	}
}

// SetMetrics attaches Prometheus instrumentation.
func (o *Orchestrator) SetMetrics(m *Metrics) { o.metrics = m }

// ============================================================================
// TASK INTAKE
// ============================================================================

// OnTaskCreated persists a new task and distributes it. Placement is
// targeted when the matcher can fill it, falling back to broadcast;
// configuration may force an auction instead. The task moves to ASSIGNED
// once workers hold it.
func (o *Orchestrator) OnTaskCreated(ctx context.Context, task *core.VerificationTask) (*core.AssignmentResult, error) {
	if task == nil {
		return nil, core.NewValidationError("task", "must not be nil")
	}
	if !task.Type.Valid() {
		return nil, core.NewValidationError("type", fmt.Sprintf("unknown task type %q", task.Type))
	}
	if task.Requirements.MinSubmissions < 1 {
		return nil, core.NewValidationError("requirements.min_submissions", "must be at least 1")
	}
	if task.Status != "" && task.Status != core.TaskPending {
		return nil, core.NewValidationError("status", fmt.Sprintf("new task cannot start as %q", task.Status))
	}
	if err := o.begin(); err != nil {
		return nil, err
	}
	defer o.end()

	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = core.TaskPending
	}
	if task.Priority == "" {
		task.Priority = core.PriorityMedium
	} else if !task.Priority.Valid() {
		return nil, core.NewValidationError("priority", fmt.Sprintf("unknown priority %q", task.Priority))
	}
	if task.ConsensusStrategy == "" {
		task.ConsensusStrategy = core.ConsensusMajority
	} else if !task.ConsensusStrategy.Valid() {
		return nil, core.NewValidationError("consensus_strategy", fmt.Sprintf("unknown strategy %q", task.ConsensusStrategy))
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	unlock := o.taskLocks.lock(task.ID)
	defer unlock()

	if err := o.withRetry(ctx, "create_task", func() error {
		return o.deps.Tasks.CreateTask(ctx, task)
	}); err != nil {
		return nil, err
	}
	o.emit(events.TaskCreated, task.ID, map[string]interface{}{
		"task_type":       string(task.Type),
		"priority":        string(task.Priority),
		"min_submissions": task.Requirements.MinSubmissions,
	})

	candidates, err := o.deps.Workers.AvailableWorkers(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("list available workers for task %s: %w", task.ID, err)
	}

	strategy := core.DistributeTargeted
	if o.cfg.ForceAuction {
		strategy = core.DistributeAuction
	}
	result, err := o.deps.Distributor.Distribute(ctx, task, candidates, strategy)
	if err != nil && strategy == core.DistributeTargeted && errors.Is(err, core.ErrInsufficientEligibleWorkers) {
		o.logger.Printf("🔄 task %s: targeted placement short on workers, broadcasting", task.ID)
		result, err = o.deps.Distributor.Distribute(ctx, task, candidates, core.DistributeBroadcast)
	}
	if err != nil {
		return nil, err
	}

	if len(result.Assignments) > 0 {
		task.Status = core.TaskAssigned
		task.UpdatedAt = time.Now().UTC()
		if uerr := o.withRetry(ctx, "mark_task_assigned", func() error {
			return o.deps.Tasks.UpdateTask(ctx, task)
		}); uerr != nil {
			// Assignments are already out; the task is reconciled on the
			// next status sweep rather than unwound here.
			o.logger.Printf("⚠️ task %s distributed but status update failed: %v", task.ID, uerr)
		}
	}

	o.metrics.RecordTaskCreated(result.Strategy)
	o.logger.Printf("✅ task %s distributed via %s: %d assignments", task.ID, result.Strategy, len(result.Assignments))
	return result, nil
}

// ============================================================================
// SUBMISSION PIPELINE
// ============================================================================

// OnSubmission runs one worker submission through the pipeline. The
// returned result is non-nil only when this submission completed the
// task and consensus settled it; a nil result with nil error means the
// submission was accepted and the task is still collecting.
func (o *Orchestrator) OnSubmission(ctx context.Context, sub *core.WorkerSubmission) (*core.VerificationResult, error) {
	if sub == nil {
		return nil, core.NewValidationError("submission", "must not be nil")
	}
	if sub.TaskID == "" {
		return nil, core.NewValidationError("task_id", "must not be empty")
	}
	if sub.WorkerID == "" {
		return nil, core.NewValidationError("worker_id", "must not be empty")
	}
	if sub.Result == nil {
		return nil, core.NewValidationError("result", "must not be nil")
	}
	if err := o.begin(); err != nil {
		return nil, err
	}
	defer o.end()

	start := time.Now()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}

	task, err := o.loadTask(ctx, sub.TaskID)
	if err != nil {
		if core.IsRetryable(err) {
			o.deadLetter(sub, err)
		}
		return nil, err
	}

	if err := o.screen(ctx, task, sub); err != nil {
		return nil, err
	}

	result, err := o.processAccepted(ctx, sub)
	if err != nil && core.IsRetryable(err) {
		o.deadLetter(sub, err)
	}
	o.metrics.RecordSubmission(time.Since(start))
	return result, err
}

// screen appends the submission to the activity index and runs fraud
// detection, serialized per worker so activity order within one worker
// matches processing order. HIGH and CRITICAL risk reject the
// submission before it can touch the task.
func (o *Orchestrator) screen(ctx context.Context, task *core.VerificationTask, sub *core.WorkerSubmission) error {
	unlock := o.workerLocks.lock(sub.WorkerID)
	defer unlock()

	act := core.WorkerActivity{
		WorkerID:         sub.WorkerID,
		TaskID:           sub.TaskID,
		TaskType:         task.Type,
		Decision:         decisionOf(sub),
		ProcessingTimeMs: sub.ProcessingTimeMs(),
		Timestamp:        time.Now().UTC(),
	}
	if err := o.deps.Activity.Record(ctx, act); err != nil {
		o.logger.Printf("⚠️ activity record failed for worker %s: %v", sub.WorkerID, err)
	}

	detection, err := o.deps.Fraud.Detect(ctx, &core.FraudCheckInput{
		WorkerID:         sub.WorkerID,
		TaskID:           sub.TaskID,
		TaskType:         task.Type,
		Content:          sub.Result,
		Fingerprint:      sub.Fingerprint,
		IPAddress:        sub.IPAddress,
		ProcessingTimeMs: sub.ProcessingTimeMs(),
	})
	if err != nil {
		// A broken detector must not block honest submissions.
		o.logger.Printf("⚠️ fraud check failed for worker %s, accepting submission: %v", sub.WorkerID, err)
		return nil
	}
	if detection.Level != core.FraudHigh && detection.Level != core.FraudCritical {
		return nil
	}

	o.emit(events.FraudDetected, sub.WorkerID, map[string]interface{}{
		"task_id":    sub.TaskID,
		"level":      string(detection.Level),
		"risk_score": detection.RiskScore,
		"reasons":    detection.Reasons,
	})
	if detection.Level == core.FraudCritical && hasAction(detection.Actions, core.ActionSuspendAccount) {
		if _, serr := o.deps.Workers.UpdateStatus(ctx, sub.WorkerID, core.WorkerSuspended, "critical fraud risk"); serr != nil {
			o.logger.Printf("⚠️ auto-suspend of worker %s failed: %v", sub.WorkerID, serr)
		} else {
			o.logger.Printf("❌ worker %s suspended on critical fraud risk %.2f", sub.WorkerID, detection.RiskScore)
		}
	}
	o.metrics.RecordFraudRejection(detection.Level)
	o.logger.Printf("❌ submission %s from worker %s rejected: %s risk %.2f",
		sub.ID, sub.WorkerID, detection.Level, detection.RiskScore)
	return &core.FraudRejection{
		WorkerID:  sub.WorkerID,
		TaskID:    sub.TaskID,
		Level:     detection.Level,
		RiskScore: detection.RiskScore,
		Reasons:   detection.Reasons,
	}
}

// processAccepted stores the submission and advances the task counter
// under the task lock. Filling the counter triggers consensus; a full
// counter found without a stored result means a previous pipeline
// crashed mid-settle, so settlement is recovered here instead of
// rejecting the redelivery.
func (o *Orchestrator) processAccepted(ctx context.Context, sub *core.WorkerSubmission) (*core.VerificationResult, error) {
	unlock := o.taskLocks.lock(sub.TaskID)
	defer unlock()

	// Re-read under the lock; the copy used for screening may be stale.
	task, err := o.loadTask(ctx, sub.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, core.NewValidationError("task", fmt.Sprintf("task %s is %s and no longer accepts submissions", task.ID, task.Status))
	}

	if task.CompletedVerifications >= task.RequiredVerifications() {
		stored, rerr := o.deps.Results.GetResult(ctx, sub.TaskID)
		if rerr == nil && stored != nil {
			// Result exists but the task never finalized: repair.
			return stored, o.finalize(ctx, task, stored)
		}
		return o.settle(ctx, task)
	}

	if err := o.withRetry(ctx, "save_submission", func() error {
		return o.deps.Submissions.SaveSubmission(ctx, sub)
	}); err != nil {
		return nil, err
	}

	task.CompletedVerifications++
	if task.Status == core.TaskPending || task.Status == core.TaskAssigned {
		task.Status = core.TaskInProgress
	}
	task.UpdatedAt = time.Now().UTC()
	if err := o.withRetry(ctx, "advance_task", func() error {
		return o.deps.Tasks.UpdateTask(ctx, task)
	}); err != nil {
		return nil, err
	}

	o.emit(events.VerificationSubmitted, sub.TaskID, map[string]interface{}{
		"worker_id": sub.WorkerID,
		"received":  task.CompletedVerifications,
		"required":  task.RequiredVerifications(),
	})
	o.logger.Printf("✅ submission %s accepted for task %s (%d/%d)",
		sub.ID, task.ID, task.CompletedVerifications, task.RequiredVerifications())

	if task.CompletedVerifications < task.RequiredVerifications() {
		return nil, nil
	}
	return o.settle(ctx, task)
}

// settle runs consensus over the task's full submission set, stores the
// result, rewards contributors and finalizes the task. Called with the
// task lock held.
func (o *Orchestrator) settle(ctx context.Context, task *core.VerificationTask) (*core.VerificationResult, error) {
	var subs []core.WorkerSubmission
	if err := o.withRetry(ctx, "list_submissions", func() error {
		var lerr error
		subs, lerr = o.deps.Submissions.ListSubmissions(ctx, task.ID)
		return lerr
	}); err != nil {
		return nil, err
	}

	result, err := o.deps.Consensus.Process(ctx, task, subs)
	if err != nil {
		o.metrics.RecordConsensus(core.TaskFailed)
		o.logger.Printf("❌ task %s consensus failed: %v", task.ID, err)
		task.Status = core.TaskFailed
		task.UpdatedAt = time.Now().UTC()
		if uerr := o.withRetry(ctx, "fail_task", func() error {
			return o.deps.Tasks.UpdateTask(ctx, task)
		}); uerr != nil {
			o.logger.Printf("❌ task %s could not be marked failed: %v", task.ID, uerr)
		}
		o.emit(events.VerificationCompleted, task.ID, map[string]interface{}{
			"status": string(core.TaskFailed),
			"reason": err.Error(),
		})
		return nil, err
	}

	if err := o.withRetry(ctx, "save_result", func() error {
		return o.deps.Results.SaveResult(ctx, result)
	}); err != nil {
		return nil, err
	}

	for i := range subs {
		s := &subs[i]
		if _, rerr := o.deps.Reputation.ApplyVerification(ctx, s.WorkerID, result, s, task.Type); rerr != nil {
			o.logger.Printf("⚠️ reputation update for worker %s on task %s failed: %v", s.WorkerID, task.ID, rerr)
		}
	}

	if err := o.finalize(ctx, task, result); err != nil {
		return result, err
	}
	return result, nil
}

// finalize moves the task to the consensus outcome status and publishes
// the terminal event. Called with the task lock held.
func (o *Orchestrator) finalize(ctx context.Context, task *core.VerificationTask, result *core.VerificationResult) error {
	task.Status = result.Status
	task.UpdatedAt = time.Now().UTC()
	if err := o.withRetry(ctx, "finalize_task", func() error {
		return o.deps.Tasks.UpdateTask(ctx, task)
	}); err != nil {
		return err
	}

	o.metrics.RecordConsensus(result.Status)
	o.emit(events.VerificationCompleted, task.ID, map[string]interface{}{
		"status":           string(result.Status),
		"confidence_level": string(result.ConfidenceLevel),
		"confidence_score": result.ConfidenceScore,
		"agreement":        result.Agreement,
		"contributors":     len(result.WorkerMetrics),
	})
	o.logger.Printf("✅ task %s finalized %s (confidence %.2f, agreement %.2f)",
		task.ID, result.Status, result.ConfidenceScore, result.Agreement)
	return nil
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Shutdown stops intake and waits for in-flight pipelines to drain
// within the configured grace period.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closed.Store(true)
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	grace := time.Duration(o.cfg.ShutdownGraceSeconds) * time.Second
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		o.logger.Printf("✅ orchestrator drained")
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %d pipelines still in flight after %s", core.ErrTimeout, o.inFlight.Load(), grace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats exposes pipeline telemetry for the ops surface.
func (o *Orchestrator) Stats() map[string]interface{} {
	return map[string]interface{}{
		"in_flight":    o.inFlight.Load(),
		"task_locks":   o.taskLocks.size(),
		"worker_locks": o.workerLocks.size(),
		"draining":     o.closed.Load(),
	}
}

// ============================================================================
// HELPERS
// ============================================================================

func (o *Orchestrator) begin() error {
	if o.closed.Load() {
		return ErrShuttingDown
	}
	o.wg.Add(1)
	o.inFlight.Add(1)
	return nil
}

func (o *Orchestrator) end() {
	o.inFlight.Add(-1)
	o.wg.Done()
}

func (o *Orchestrator) loadTask(ctx context.Context, taskID string) (*core.VerificationTask, error) {
	var task *core.VerificationTask
	if err := o.withRetry(ctx, "load_task", func() error {
		var gerr error
		task, gerr = o.deps.Tasks.GetTask(ctx, taskID)
		return gerr
	}); err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
	}
	return task, nil
}

// withRetry runs fn, retrying transient faults with exponential backoff
// (base × factor^attempt). Validation and domain errors surface
// immediately.
func (o *Orchestrator) withRetry(ctx context.Context, op string, fn func() error) error {
	base := time.Duration(o.cfg.RetryBaseMs) * time.Millisecond
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !core.IsRetryable(err) || attempt >= o.cfg.RetryMaxAttempts {
			break
		}
		delay := base
		for i := 1; i < attempt; i++ {
			delay *= time.Duration(o.cfg.RetryFactor)
		}
		o.metrics.RecordRetry(op)
		o.logger.Printf("🔄 %s failed (attempt %d/%d), retrying in %s: %v",
			op, attempt, o.cfg.RetryMaxAttempts, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// deadLetter parks a submission the pipeline gave up on. Uses a
// detached context so shutdown cancellation cannot lose the record.
func (o *Orchestrator) deadLetter(sub *core.WorkerSubmission, cause error) {
	o.metrics.RecordDeadLetter()
	if o.deps.DeadLetters == nil {
		o.logger.Printf("❌ no dead-letter store configured, dropping submission %s (task %s): %v", sub.ID, sub.TaskID, cause)
		return
	}
	dlCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d := &storage.DeadLetter{
		ID:         uuid.NewString(),
		Submission: *sub,
		Reason:     cause.Error(),
		Attempts:   o.cfg.RetryMaxAttempts,
		FailedAt:   time.Now().UTC(),
	}
	if err := o.deps.DeadLetters.SaveDeadLetter(dlCtx, d); err != nil {
		o.logger.Printf("❌ dead-letter write failed for submission %s: %v", sub.ID, err)
		return
	}
	o.logger.Printf("📤 submission %s (task %s) parked on the dead-letter queue after %d attempts: %v",
		sub.ID, sub.TaskID, o.cfg.RetryMaxAttempts, cause)
}

func (o *Orchestrator) emit(eventType, subject string, data map[string]interface{}) {
	if o.deps.Bus == nil {
		return
	}
	o.deps.Bus.Emit(eventType, "/verifier/orchestrator", subject, data)
}

// decisionOf reads the worker's coarse verdict from the submission
// result; anything but an explicit rejection counts as approval.
func decisionOf(sub *core.WorkerSubmission) core.Decision {
	if v, ok := sub.Result["decision"].(string); ok && strings.EqualFold(v, string(core.DecisionRejected)) {
		return core.DecisionRejected
	}
	return core.DecisionApproved
}

func hasAction(actions []core.FraudAction, want core.FraudAction) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}
