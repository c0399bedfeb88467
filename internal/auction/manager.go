// Package auction runs time-boxed bidding windows that hand task
// assignment slots to the highest bidders. An auction opens with a
// deadline timer, collects bids from its eligible roster, and closes
// exactly once: either the timer fires or a caller closes it early.
// Open auctions are persisted so a restart can re-arm every deadline.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verihive/backend/internal/config"
	"github.com/verihive/backend/internal/core"
	"github.com/verihive/backend/internal/events"
	"github.com/verihive/backend/internal/storage"
)

// BehaviorScanner checks a worker's behavioral fraud risk. Satisfied by
// the fraud detector.
type BehaviorScanner interface {
	BehaviorRisk(ctx context.Context, workerID string) (float64, error)
}

const (
	defaultRequiredWinners    = 3
	defaultCloseRiskThreshold = 0.7

	// Bids from workers at or above this behavior risk are refused
	// outright at placement time.
	bidRejectRisk = 0.5
)

// auctionState is one live auction plus its deadline timer.
type auctionState struct {
	mu       sync.Mutex
	auction  *core.Auction
	taskType core.TaskType
	priority core.TaskPriority
	eligible map[string]struct{}

	// Set when the auction closes so repeated Close calls return the
	// same outcome.
	assignments []core.TaskAssignment

	stopTimer chan struct{}
	timerOnce sync.Once

	// done unblocks AwaitClose when the auction reaches a terminal state.
	done     chan struct{}
	doneOnce sync.Once
}

func (st *auctionState) cancelTimer() {
	st.timerOnce.Do(func() {
		close(st.stopTimer)
	})
}

func (st *auctionState) settle() {
	st.doneOnce.Do(func() {
		close(st.done)
	})
}

// Manager owns every live auction.
type Manager struct {
	cfg       config.AuctionConfig
	assignCfg config.AssignmentConfig
	store     storage.AuctionStore
	scanner   BehaviorScanner
	bus       events.EventEmitter
	metrics   *Metrics
	prices    *priceBook
	logger    *log.Logger

	mu       sync.RWMutex
	auctions map[string]*auctionState
}

func NewManager(cfg config.AuctionConfig, assignCfg config.AssignmentConfig, store storage.AuctionStore, bus events.EventEmitter) *Manager {
	if cfg.RequiredWinners <= 0 {
		cfg.RequiredWinners = defaultRequiredWinners
	}
	if cfg.CloseRiskThreshold <= 0 || cfg.CloseRiskThreshold >= 1 {
		cfg.CloseRiskThreshold = defaultCloseRiskThreshold
	}
	return &Manager{
		cfg:       cfg,
		assignCfg: assignCfg,
		store:     store,
		bus:       bus,
		prices:    newPriceBook(),
		auctions:  make(map[string]*auctionState),
		logger:    log.New(log.Writer(), "[AUCTION] ", log.LstdFlags),
	}
}

// SetScanner installs the fraud behavior scanner used on bids.
func (m *Manager) SetScanner(s BehaviorScanner) {
	m.scanner = s
}

// SetMetrics installs Prometheus instrumentation.
func (m *Manager) SetMetrics(mx *Metrics) {
	m.metrics = mx
}

// ============================================================================
// CREATE
// ============================================================================

// Create opens an auction for a task. The bidding window follows the
// task priority; the price range follows the observed winning-bid range
// for the task type once enough auctions have settled, otherwise the
// static multiplier tables.
func (m *Manager) Create(ctx context.Context, task *core.VerificationTask, eligibleWorkers []string) (*core.Auction, error) {
	if task == nil || task.ID == "" {
		return nil, core.NewValidationError("task", "must not be nil and must carry an id")
	}
	if len(eligibleWorkers) == 0 {
		return nil, core.NewValidationError("eligible_workers", "must not be empty")
	}

	window := auctionWindow(m.cfg, task.Priority)
	minBid, maxBid := m.priceRange(task)

	required := m.cfg.RequiredWinners
	if task.RequiredVerifications() > required {
		required = task.RequiredVerifications()
	}

	now := time.Now().UTC()
	a := &core.Auction{
		ID:              uuid.NewString(),
		TaskID:          task.ID,
		Status:          core.AuctionOpen,
		StartTime:       now,
		EndTime:         now.Add(window),
		MinBid:          minBid,
		MaxBid:          maxBid,
		RequiredWinners: required,
		EligibleWorkers: append([]string(nil), eligibleWorkers...),
	}
	if err := m.store.SaveAuction(ctx, a); err != nil {
		return nil, fmt.Errorf("persist auction for task %s: %w", task.ID, err)
	}

	st := m.register(a, task.Type, task.Priority)
	m.armTimer(st, window)

	m.metrics.RecordCreate(task.Priority)
	m.logger.Printf("📤 auction %s opened for task %s: window %s, bids [%.1f, %.1f], %d winners needed",
		a.ID, task.ID, window, minBid, maxBid, required)
	return a.Clone(), nil
}

func (m *Manager) priceRange(task *core.VerificationTask) (float64, float64) {
	if lo, hi, ok := m.prices.rangeFor(task.Type); ok {
		return lo, hi
	}
	return multiplierRange(task)
}

func (m *Manager) register(a *core.Auction, taskType core.TaskType, priority core.TaskPriority) *auctionState {
	eligible := make(map[string]struct{}, len(a.EligibleWorkers))
	for _, id := range a.EligibleWorkers {
		eligible[id] = struct{}{}
	}
	st := &auctionState{
		auction:   a,
		taskType:  taskType,
		priority:  priority,
		eligible:  eligible,
		stopTimer: make(chan struct{}),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.auctions[a.ID] = st
	m.mu.Unlock()
	return st
}

// armTimer schedules the deadline close. The goroutine exits early when
// the auction reaches a terminal state through another path.
func (m *Manager) armTimer(st *auctionState, d time.Duration) {
	if d < 0 {
		d = 0
	}
	auctionID := st.auction.ID
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			if _, err := m.Close(context.Background(), auctionID); err != nil && !errors.Is(err, core.ErrAuctionClosed) {
				m.logger.Printf("⚠️ deadline close of auction %s failed: %v", auctionID, err)
			}
		case <-st.stopTimer:
		}
	}()
}

// ============================================================================
// BIDDING
// ============================================================================

// PlaceBid appends a bid after validating the auction is open, the
// amount is inside the price range, the worker is on the eligible
// roster, and the worker's behavior risk is not already in the HIGH
// band. Workers may re-bid; winner selection takes distinct workers.
func (m *Manager) PlaceBid(ctx context.Context, auctionID, workerID string, amount float64) error {
	if workerID == "" {
		return core.NewValidationError("worker_id", "must not be empty")
	}
	st, err := m.state(auctionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	a := st.auction

	if a.Status != core.AuctionOpen {
		m.metrics.RecordBidRejected("closed")
		return fmt.Errorf("%w: auction %s is %s", core.ErrAuctionClosed, auctionID, a.Status)
	}
	if time.Now().UTC().After(a.EndTime) {
		m.metrics.RecordBidRejected("closed")
		return fmt.Errorf("%w: auction %s window ended", core.ErrAuctionClosed, auctionID)
	}
	if amount < a.MinBid || amount > a.MaxBid {
		m.metrics.RecordBidRejected("range")
		return core.NewValidationError("amount",
			fmt.Sprintf("%.2f outside bid range [%.2f, %.2f]", amount, a.MinBid, a.MaxBid))
	}
	if _, ok := st.eligible[workerID]; !ok {
		m.metrics.RecordBidRejected("ineligible")
		return core.NewValidationError("worker_id",
			fmt.Sprintf("worker %s is not on the auction roster", workerID))
	}

	if m.scanner != nil {
		risk, scanErr := m.scanner.BehaviorRisk(ctx, workerID)
		if scanErr != nil {
			// Scanner outages never block bidding; the close-time sweep
			// gets another look.
			m.logger.Printf("⚠️ behavior scan failed for bidder %s: %v", workerID, scanErr)
		} else if risk >= bidRejectRisk {
			m.metrics.RecordBidRejected("fraud")
			return fmt.Errorf("%w: bid from worker %s refused at risk %.2f", core.ErrSuspiciousActivity, workerID, risk)
		}
	}

	a.Bids = append(a.Bids, core.Bid{
		WorkerID:  workerID,
		Amount:    amount,
		Timestamp: time.Now().UTC(),
	})
	if err := m.store.SaveAuction(ctx, a); err != nil {
		a.Bids = a.Bids[:len(a.Bids)-1]
		return fmt.Errorf("persist bid on auction %s: %w", auctionID, err)
	}

	m.metrics.RecordBid()
	m.logger.Printf("✅ bid %.1f from worker %s on auction %s (%d bids total)",
		amount, workerID, auctionID, len(a.Bids))
	return nil
}

// ============================================================================
// CLOSE AND CANCEL
// ============================================================================

// Close settles an auction. Only OPEN auctions close; a second Close
// returns the already-settled assignments. Bids from workers whose
// behavior risk exceeds the configured threshold are dropped before
// winners are picked.
func (m *Manager) Close(ctx context.Context, auctionID string) ([]core.TaskAssignment, error) {
	st, err := m.state(auctionID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	a := st.auction

	switch a.Status {
	case core.AuctionClosed:
		return append([]core.TaskAssignment(nil), st.assignments...), nil
	case core.AuctionCancelled:
		return nil, fmt.Errorf("%w: auction %s was cancelled", core.ErrAuctionClosed, auctionID)
	}

	kept := m.sweepRiskyBids(ctx, a)
	winners, winningAmounts := selectWinners(kept, a.RequiredWinners)

	now := time.Now().UTC()
	expiry := now.Add(AssignmentWindow(m.assignCfg, st.priority))
	assignments := make([]core.TaskAssignment, 0, len(winners))
	for _, workerID := range winners {
		assignments = append(assignments, core.TaskAssignment{
			ID:         uuid.NewString(),
			TaskID:     a.TaskID,
			WorkerID:   workerID,
			Strategy:   core.DistributeAuction,
			AssignedAt: now,
			ExpiresAt:  expiry,
		})
	}

	a.Status = core.AuctionClosed
	a.Bids = kept
	a.Winners = winners
	st.assignments = assignments
	st.cancelTimer()
	st.settle()

	if err := m.store.SaveAuction(ctx, a); err != nil {
		m.logger.Printf("⚠️ persist closed auction %s failed: %v", auctionID, err)
	}
	m.prices.record(st.taskType, winningAmounts)

	if m.bus != nil {
		m.bus.Emit(events.AuctionClosed, "/verifier/auction", auctionID, map[string]interface{}{
			"task_id":     a.TaskID,
			"winners":     winners,
			"assignments": assignments,
			"bid_count":   len(kept),
		})
	}
	m.metrics.RecordClose(len(winners))
	m.logger.Printf("⚖️ auction %s closed: %d winners from %d bids", auctionID, len(winners), len(kept))
	return append([]core.TaskAssignment(nil), assignments...), nil
}

// sweepRiskyBids drops every bid from workers over the close risk
// threshold. Scanner failures keep the bids; losing an auction to an
// intel outage would punish honest workers.
func (m *Manager) sweepRiskyBids(ctx context.Context, a *core.Auction) []core.Bid {
	if m.scanner == nil || len(a.Bids) == 0 {
		return a.Bids
	}

	risky := make(map[string]bool)
	for _, b := range a.Bids {
		if _, checked := risky[b.WorkerID]; checked {
			continue
		}
		risk, err := m.scanner.BehaviorRisk(ctx, b.WorkerID)
		if err != nil {
			m.logger.Printf("⚠️ close sweep scan failed for worker %s: %v", b.WorkerID, err)
			risky[b.WorkerID] = false
			continue
		}
		risky[b.WorkerID] = risk > m.cfg.CloseRiskThreshold
	}

	kept := a.Bids[:0:0]
	dropped := 0
	for _, b := range a.Bids {
		if risky[b.WorkerID] {
			dropped++
			continue
		}
		kept = append(kept, b)
	}
	if dropped > 0 {
		m.metrics.RecordSweptBids(dropped)
		m.logger.Printf("🧹 auction %s: dropped %d bids from high-risk workers", a.ID, dropped)
	}
	return kept
}

// selectWinners picks distinct workers by amount descending, earlier
// timestamp on equal amounts, worker id as the final tie-break.
func selectWinners(bids []core.Bid, required int) ([]string, []float64) {
	sorted := append([]core.Bid(nil), bids...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Amount != sorted[j].Amount {
			return sorted[i].Amount > sorted[j].Amount
		}
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].WorkerID < sorted[j].WorkerID
	})

	winners := make([]string, 0, required)
	amounts := make([]float64, 0, required)
	seen := make(map[string]struct{})
	for _, b := range sorted {
		if len(winners) == required {
			break
		}
		if _, dup := seen[b.WorkerID]; dup {
			continue
		}
		seen[b.WorkerID] = struct{}{}
		winners = append(winners, b.WorkerID)
		amounts = append(amounts, b.Amount)
	}
	return winners, amounts
}

// Cancel moves a live auction to CANCELLED and discards its bids.
// Cancelling twice is a no-op; a closed auction cannot be cancelled.
func (m *Manager) Cancel(ctx context.Context, auctionID string) error {
	st, err := m.state(auctionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	a := st.auction

	switch a.Status {
	case core.AuctionCancelled:
		return nil
	case core.AuctionClosed:
		return fmt.Errorf("%w: auction %s already closed", core.ErrAuctionClosed, auctionID)
	}

	discarded := len(a.Bids)
	a.Status = core.AuctionCancelled
	a.Bids = nil
	a.Winners = nil
	st.cancelTimer()
	st.settle()

	if err := m.store.SaveAuction(ctx, a); err != nil {
		m.logger.Printf("⚠️ persist cancelled auction %s failed: %v", auctionID, err)
	}
	if m.bus != nil {
		m.bus.Emit(events.AuctionCancelled, "/verifier/auction", auctionID, map[string]interface{}{
			"task_id":        a.TaskID,
			"discarded_bids": discarded,
		})
	}
	m.metrics.RecordCancel()
	m.logger.Printf("❌ auction %s cancelled, %d bids discarded", auctionID, discarded)
	return nil
}

// AwaitClose blocks until the auction reaches a terminal state and
// returns the assignments it settled on. A cancelled auction yields
// ErrAuctionClosed; a cancelled context yields ctx.Err().
func (m *Manager) AwaitClose(ctx context.Context, auctionID string) ([]core.TaskAssignment, error) {
	st, err := m.state(auctionID)
	if err != nil {
		return nil, err
	}

	select {
	case <-st.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.auction.Status == core.AuctionCancelled {
		return nil, fmt.Errorf("%w: auction %s was cancelled", core.ErrAuctionClosed, auctionID)
	}
	return append([]core.TaskAssignment(nil), st.assignments...), nil
}

// ============================================================================
// LOOKUP AND RESTORE
// ============================================================================

// Get returns a snapshot of an auction.
func (m *Manager) Get(auctionID string) (*core.Auction, error) {
	st, err := m.state(auctionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.auction.Clone(), nil
}

func (m *Manager) state(auctionID string) (*auctionState, error) {
	if auctionID == "" {
		return nil, core.NewValidationError("auction_id", "must not be empty")
	}
	m.mu.RLock()
	st, ok := m.auctions[auctionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrAuctionNotFound, auctionID)
	}
	return st, nil
}

// RestoreOpenAuctions reloads persisted OPEN auctions after a restart
// and re-arms their deadline timers. Auctions whose window already
// lapsed close immediately.
func (m *Manager) RestoreOpenAuctions(ctx context.Context, typeOf func(taskID string) (core.TaskType, core.TaskPriority, error)) (int, error) {
	open, err := m.store.ListOpenAuctions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open auctions: %w", err)
	}

	restored := 0
	for i := range open {
		a := open[i].Clone()

		taskType := core.TaskType("")
		priority := core.PriorityMedium
		if typeOf != nil {
			if tt, p, lookupErr := typeOf(a.TaskID); lookupErr == nil {
				taskType, priority = tt, p
			} else {
				m.logger.Printf("⚠️ restore: task lookup for auction %s: %v", a.ID, lookupErr)
			}
		}

		st := m.register(a, taskType, priority)
		m.armTimer(st, time.Until(a.EndTime))
		restored++
	}

	if restored > 0 {
		m.logger.Printf("🔄 restored %d open auctions", restored)
	}
	return restored, nil
}

// Stop cancels every deadline timer. Live auctions stay in the store and
// are restored on the next start.
func (m *Manager) Stop() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, st := range m.auctions {
		st.cancelTimer()
	}
}

// Stats reports manager health for the ops surface.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	openCount, totalBids := 0, 0
	for _, st := range m.auctions {
		st.mu.Lock()
		if st.auction.Status == core.AuctionOpen {
			openCount++
		}
		totalBids += len(st.auction.Bids)
		st.mu.Unlock()
	}
	return map[string]interface{}{
		"tracked_auctions": len(m.auctions),
		"open_auctions":    openCount,
		"total_bids":       totalBids,
	}
}
