// Package distributor turns a pending verification task into concrete
// worker assignments. Three strategies are supported: broadcast to every
// eligible worker, targeted placement through the matcher, or a sealed
// auction run by the auction manager. The distributor never talks to
// storage; callers hand it the candidate roster and persist the result.
package distributor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/verihive/backend/internal/auction"
	"github.com/verihive/backend/internal/config"
	"github.com/verihive/backend/internal/core"
	"github.com/verihive/backend/internal/events"
	"github.com/verihive/backend/internal/matcher"
	"github.com/verihive/backend/internal/notify"
)

// Auctioneer is the slice of the auction manager the distributor uses.
type Auctioneer interface {
	Create(ctx context.Context, task *core.VerificationTask, eligibleWorkers []string) (*core.Auction, error)
	AwaitClose(ctx context.Context, auctionID string) ([]core.TaskAssignment, error)
}

// Distributor assigns tasks to workers and notifies them, best effort.
type Distributor struct {
	cfg      config.AssignmentConfig
	matcher  *matcher.Matcher
	auctions Auctioneer
	bus      events.EventEmitter
	notifier notify.Notifier
	metrics  *Metrics
	logger   *log.Logger
}

// New builds a distributor. The emitter and notifier may be nil; the
// auctioneer may be nil only if the auction strategy is never used.
func New(cfg config.AssignmentConfig, m *matcher.Matcher, auctions Auctioneer, emitter events.EventEmitter, notifier notify.Notifier) *Distributor {
	return &Distributor{
		cfg:      cfg,
		matcher:  m,
		auctions: auctions,
		bus:      emitter,
		notifier: notifier,
		logger:   log.New(log.Writer(), "[DISTRIBUTOR] ", log.LstdFlags),
	}
}

// SetMetrics attaches Prometheus instrumentation.
func (d *Distributor) SetMetrics(m *Metrics) {
	d.metrics = m
}

// Distribute assigns the task to workers drawn from candidates using the
// requested strategy. Notification failures never fail the call; the
// unreachable worker ids are recorded on the result instead.
func (d *Distributor) Distribute(ctx context.Context, task *core.VerificationTask, candidates []core.WorkerProfile, strategy core.DistributionStrategy) (*core.AssignmentResult, error) {
	if task == nil {
		return nil, core.NewValidationError("task", "must not be nil")
	}
	if task.ID == "" {
		return nil, core.NewValidationError("task", "missing id")
	}

	result := &core.AssignmentResult{
		TaskID:        task.ID,
		Strategy:      strategy,
		DistributedAt: time.Now().UTC(),
	}

	var err error
	switch strategy {
	case core.DistributeBroadcast:
		err = d.broadcast(ctx, task, candidates, result)
	case core.DistributeTargeted:
		err = d.targeted(ctx, task, candidates, result)
	case core.DistributeAuction:
		err = d.runAuction(ctx, task, candidates, result)
	default:
		return nil, core.NewValidationError("strategy", fmt.Sprintf("unknown distribution strategy %q", strategy))
	}
	if err != nil {
		return nil, err
	}

	d.metrics.RecordDistribution(strategy, len(result.Assignments))
	d.logger.Printf("📤 task %s distributed via %s: %d assignments, %d notify failures",
		task.ID, strategy, len(result.Assignments), len(result.NotifyFailures))
	return result, nil
}

// ============================================================================
// STRATEGIES
// ============================================================================

func (d *Distributor) broadcast(ctx context.Context, task *core.VerificationTask, candidates []core.WorkerProfile, result *core.AssignmentResult) error {
	eligible := eligibleForBroadcast(task, candidates)
	if len(eligible) == 0 {
		return fmt.Errorf("%w: task %s has no workers to broadcast to", core.ErrInsufficientEligibleWorkers, task.ID)
	}

	now := time.Now().UTC()
	expiry := now.Add(auction.AssignmentWindow(d.cfg, task.Priority))
	for i := range eligible {
		d.assign(ctx, task, eligible[i].ID, now, expiry, result)
	}
	return nil
}

func (d *Distributor) targeted(ctx context.Context, task *core.VerificationTask, candidates []core.WorkerProfile, result *core.AssignmentResult) error {
	k := task.Requirements.MinSubmissions
	if k < 1 {
		k = 1
	}
	matches, err := d.matcher.FindBestMatches(task, candidates, core.MatchBalanced, k)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	expiry := now.Add(auction.AssignmentWindow(d.cfg, task.Priority))
	for _, m := range matches {
		d.assign(ctx, task, m.Worker.ID, now, expiry, result)
	}
	return nil
}

// runAuction opens an auction for the eligible roster, announces it and
// blocks until the auction settles. The returned assignments already
// carry the auction manager's expiry.
func (d *Distributor) runAuction(ctx context.Context, task *core.VerificationTask, candidates []core.WorkerProfile, result *core.AssignmentResult) error {
	if d.auctions == nil {
		return fmt.Errorf("auction distribution requested for task %s but no auctioneer is wired", task.ID)
	}

	roster := eligibleForBroadcast(task, candidates)
	if len(roster) == 0 {
		return fmt.Errorf("%w: task %s has no workers to invite", core.ErrInsufficientEligibleWorkers, task.ID)
	}
	ids := make([]string, 0, len(roster))
	for i := range roster {
		ids = append(ids, roster[i].ID)
	}

	a, err := d.auctions.Create(ctx, task, ids)
	if err != nil {
		return fmt.Errorf("create auction for task %s: %w", task.ID, err)
	}
	result.AuctionID = a.ID
	d.announceAuction(ctx, task, a, ids, result)

	assignments, err := d.auctions.AwaitClose(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("await auction %s: %w", a.ID, err)
	}
	result.Assignments = append(result.Assignments, assignments...)
	for _, asg := range assignments {
		d.notifyAssignment(ctx, task, asg, result)
		d.emitAssigned(asg)
	}
	return nil
}

// ============================================================================
// ELIGIBILITY
// ============================================================================

// eligibleForBroadcast applies the wide gate. Broadcast wants reach, so
// only availability, the level's skill floor and the task's own
// reputation bar apply; the matcher keeps its stricter quality gates for
// targeted placement.
func eligibleForBroadcast(task *core.VerificationTask, candidates []core.WorkerProfile) []core.WorkerProfile {
	level := task.Requirements.WorkerLevel
	if !level.Valid() {
		level = core.LevelBeginner
	}

	eligible := make([]core.WorkerProfile, 0, len(candidates))
	for i := range candidates {
		w := &candidates[i]
		if w.Status != core.WorkerAvailable {
			continue
		}
		if w.SkillFor(task.Type) < level.MinSkill() {
			continue
		}
		if w.ReputationScore/100 < task.Requirements.MinReputation {
			continue
		}
		eligible = append(eligible, *w)
	}
	return eligible
}

// ============================================================================
// ASSIGNMENT PLUMBING
// ============================================================================

func (d *Distributor) assign(ctx context.Context, task *core.VerificationTask, workerID string, now, expiry time.Time, result *core.AssignmentResult) {
	a := core.TaskAssignment{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		WorkerID:   workerID,
		Strategy:   result.Strategy,
		AssignedAt: now,
		ExpiresAt:  expiry,
	}
	result.Assignments = append(result.Assignments, a)
	d.notifyAssignment(ctx, task, a, result)
	d.emitAssigned(a)
}

func (d *Distributor) notifyAssignment(ctx context.Context, task *core.VerificationTask, a core.TaskAssignment, result *core.AssignmentResult) {
	if d.notifier == nil {
		return
	}
	n := notify.Build(notify.TemplateTaskAssignment, a.WorkerID, map[string]interface{}{
		"task_id":    task.ID,
		"task_type":  string(task.Type),
		"priority":   string(task.Priority),
		"expires_at": a.ExpiresAt.Format(time.RFC3339),
	})
	if err := d.notifier.Send(ctx, n); err != nil {
		d.recordNotifyFailure(result, a.WorkerID)
		d.logger.Printf("⚠️ assignment notification to worker %s failed: %v", a.WorkerID, err)
	}
}

func (d *Distributor) announceAuction(ctx context.Context, task *core.VerificationTask, a *core.Auction, roster []string, result *core.AssignmentResult) {
	if d.notifier == nil {
		return
	}
	for _, workerID := range roster {
		n := notify.Build(notify.TemplateAuctionAnnouncement, workerID, map[string]interface{}{
			"auction_id": a.ID,
			"task_id":    task.ID,
			"task_type":  string(task.Type),
			"min_bid":    a.MinBid,
			"max_bid":    a.MaxBid,
			"closes_at":  a.EndTime.Format(time.RFC3339),
		})
		if err := d.notifier.Send(ctx, n); err != nil {
			d.recordNotifyFailure(result, workerID)
			d.logger.Printf("⚠️ auction announcement to worker %s failed: %v", workerID, err)
		}
	}
}

// recordNotifyFailure keeps each unreachable worker listed once even
// when both the announcement and the assignment notification fail.
func (d *Distributor) recordNotifyFailure(result *core.AssignmentResult, workerID string) {
	d.metrics.RecordNotifyFailure()
	for _, id := range result.NotifyFailures {
		if id == workerID {
			return
		}
	}
	result.NotifyFailures = append(result.NotifyFailures, workerID)
}

func (d *Distributor) emitAssigned(a core.TaskAssignment) {
	if d.bus == nil {
		return
	}
	d.bus.Emit(events.TaskAssigned, "/verifier/distributor", a.TaskID, map[string]interface{}{
		"assignment_id": a.ID,
		"worker_id":     a.WorkerID,
		"strategy":      string(a.Strategy),
		"expires_at":    a.ExpiresAt,
	})
}
