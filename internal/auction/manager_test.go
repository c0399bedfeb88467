package auction

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verihive/backend/internal/config"
	"github.com/verihive/backend/internal/core"
	"github.com/verihive/backend/internal/events"
	"github.com/verihive/backend/internal/storage"
)

type stubScanner struct {
	risks map[string]float64
	err   error
}

func (s *stubScanner) BehaviorRisk(_ context.Context, workerID string) (float64, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.risks[workerID], nil
}

func auctionTestConfig() config.AuctionConfig {
	return config.AuctionConfig{
		WindowHighMinutes:   2,
		WindowMediumMinutes: 5,
		WindowLowMinutes:    10,
		RequiredWinners:     3,
		CloseRiskThreshold:  0.7,
	}
}

func assignTestConfig() config.AssignmentConfig {
	return config.AssignmentConfig{
		ExpiryHighMinutes:   5,
		ExpiryMediumMinutes: 15,
		ExpiryLowMinutes:    30,
	}
}

// moderationTask prices at [22.5, 45]: INTERMEDIATE 1.5x/1.5x, MEDIUM
// 1.5x/2x, moderation sits in the MEDIUM complexity band (1.5x on max).
func moderationTask(id string, minSubmissions int) *core.VerificationTask {
	return &core.VerificationTask{
		ID:       id,
		Type:     core.TaskContentModeration,
		Priority: core.PriorityMedium,
		Status:   core.TaskPending,
		Requirements: core.TaskRequirements{
			MinSubmissions: minSubmissions,
			WorkerLevel:    core.LevelIntermediate,
		},
	}
}

func newTestManager(t *testing.T) (*Manager, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	m := NewManager(auctionTestConfig(), assignTestConfig(), store, nil)
	t.Cleanup(m.Stop)
	return m, store
}

func TestCreateComputesWindowAndPricing(t *testing.T) {
	m, store := newTestManager(t)

	task := &core.VerificationTask{
		ID:       "t-1",
		Type:     core.TaskEntityRecognition,
		Priority: core.PriorityHigh,
		Requirements: core.TaskRequirements{
			MinSubmissions: 5,
			WorkerLevel:    core.LevelExpert,
		},
	}

	a, err := m.Create(context.Background(), task, []string{"w-1", "w-2"})
	require.NoError(t, err)

	assert.Equal(t, core.AuctionOpen, a.Status)
	assert.Equal(t, 2*time.Minute, a.EndTime.Sub(a.StartTime))

	// EXPERT 3x * HIGH 2x * 10; EXPERT 4x * HIGH 3x * entity HIGH band 2x * 10.
	assert.InDelta(t, 60.0, a.MinBid, 0.001)
	assert.InDelta(t, 240.0, a.MaxBid, 0.001)

	// MinSubmissions 5 beats the configured 3.
	assert.Equal(t, 5, a.RequiredWinners)

	persisted, err := store.GetAuction(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, core.AuctionOpen, persisted.Status)
}

func TestCreateValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, nil, []string{"w-1"})
	assert.True(t, core.IsValidation(err))

	_, err = m.Create(ctx, moderationTask("t-1", 3), nil)
	assert.True(t, core.IsValidation(err))
}

func TestPlaceBidValidations(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Get("missing")
	assert.ErrorIs(t, err, core.ErrAuctionNotFound)
	assert.ErrorIs(t, m.PlaceBid(ctx, "missing", "w-1", 30), core.ErrAuctionNotFound)

	a, err := m.Create(ctx, moderationTask("t-1", 2), []string{"w-1", "w-2"})
	require.NoError(t, err)

	err = m.PlaceBid(ctx, a.ID, "w-1", 10) // below 22.5
	assert.True(t, core.IsValidation(err))

	err = m.PlaceBid(ctx, a.ID, "w-1", 50) // above 45
	assert.True(t, core.IsValidation(err))

	err = m.PlaceBid(ctx, a.ID, "w-outsider", 30)
	assert.True(t, core.IsValidation(err))

	require.NoError(t, m.PlaceBid(ctx, a.ID, "w-1", 30))

	_, err = m.Close(ctx, a.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, m.PlaceBid(ctx, a.ID, "w-2", 30), core.ErrAuctionClosed)
}

func TestPlaceBidFraudGate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	m.SetScanner(&stubScanner{risks: map[string]float64{"w-bot": 0.6, "w-ok": 0.1}})

	a, err := m.Create(ctx, moderationTask("t-1", 2), []string{"w-bot", "w-ok"})
	require.NoError(t, err)

	err = m.PlaceBid(ctx, a.ID, "w-bot", 30)
	assert.ErrorIs(t, err, core.ErrSuspiciousActivity)

	assert.NoError(t, m.PlaceBid(ctx, a.ID, "w-ok", 30))

	// Scanner outage fails open; the close sweep gets another look.
	m.SetScanner(&stubScanner{err: errors.New("intel down")})
	assert.NoError(t, m.PlaceBid(ctx, a.ID, "w-bot", 31))
}

func TestCloseSelectsDistinctWinnersByAmountThenTime(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, moderationTask("t-1", 3), []string{"w-1", "w-2", "w-3", "w-4"})
	require.NoError(t, err)

	require.NoError(t, m.PlaceBid(ctx, a.ID, "w-4", 25))
	require.NoError(t, m.PlaceBid(ctx, a.ID, "w-1", 30))
	require.NoError(t, m.PlaceBid(ctx, a.ID, "w-3", 40)) // earlier of the two 40s
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, m.PlaceBid(ctx, a.ID, "w-2", 40))

	assignments, err := m.Close(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 3)

	assert.Equal(t, "w-3", assignments[0].WorkerID)
	assert.Equal(t, "w-2", assignments[1].WorkerID)
	assert.Equal(t, "w-1", assignments[2].WorkerID)

	for _, as := range assignments {
		assert.Equal(t, "t-1", as.TaskID)
		assert.Equal(t, core.DistributeAuction, as.Strategy)
		assert.NotEmpty(t, as.ID)
		// MEDIUM priority assignment expiry.
		assert.InDelta(t, 15*time.Minute, as.ExpiresAt.Sub(as.AssignedAt), float64(time.Second))
	}

	got, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, core.AuctionClosed, got.Status)
	assert.Equal(t, []string{"w-3", "w-2", "w-1"}, got.Winners)
}

func TestCloseRebidsCountOncePerWorker(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, moderationTask("t-1", 2), []string{"w-1", "w-2"})
	require.NoError(t, err)

	require.NoError(t, m.PlaceBid(ctx, a.ID, "w-1", 30))
	require.NoError(t, m.PlaceBid(ctx, a.ID, "w-1", 45))
	require.NoError(t, m.PlaceBid(ctx, a.ID, "w-2", 40))

	assignments, err := m.Close(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	assert.Equal(t, "w-1", assignments[0].WorkerID)
	assert.Equal(t, "w-2", assignments[1].WorkerID)
}

func TestCloseIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, moderationTask("t-1", 1), []string{"w-1"})
	require.NoError(t, err)
	require.NoError(t, m.PlaceBid(ctx, a.ID, "w-1", 30))

	first, err := m.Close(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := m.Close(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
}

func TestCloseSweepsRiskyBidders(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, moderationTask("t-1", 2), []string{"w-risky", "w-border", "w-clean"})
	require.NoError(t, err)

	// Bids land while the workers still look clean; the scanner flags
	// them only at close time. 0.8 is over the 0.7 threshold, 0.7
	// exactly is not.
	require.NoError(t, m.PlaceBid(ctx, a.ID, "w-risky", 45))
	require.NoError(t, m.PlaceBid(ctx, a.ID, "w-border", 40))
	require.NoError(t, m.PlaceBid(ctx, a.ID, "w-clean", 30))
	m.SetScanner(&stubScanner{risks: map[string]float64{
		"w-risky":  0.8,
		"w-border": 0.7,
		"w-clean":  0.1,
	}})

	assignments, err := m.Close(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	assert.Equal(t, "w-border", assignments[0].WorkerID)
	assert.Equal(t, "w-clean", assignments[1].WorkerID)

	got, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Len(t, got.Bids, 2)
	assert.NotContains(t, got.Winners, "w-risky")
}

func TestCloseEmitsAuctionClosedEvent(t *testing.T) {
	bus := events.NewEventBus()
	store := storage.NewMemoryStore()
	m := NewManager(auctionTestConfig(), assignTestConfig(), store, bus)
	t.Cleanup(m.Stop)
	ctx := context.Background()

	ch := bus.Subscribe(events.AuctionClosed)
	defer bus.Unsubscribe(ch)

	a, err := m.Create(ctx, moderationTask("t-1", 1), []string{"w-1"})
	require.NoError(t, err)
	require.NoError(t, m.PlaceBid(ctx, a.ID, "w-1", 30))
	_, err = m.Close(ctx, a.ID)
	require.NoError(t, err)

	select {
	case evt := <-ch:
		require.NotNil(t, evt)
		assert.Equal(t, a.ID, evt.Subject)
		assert.Equal(t, "t-1", evt.Data["task_id"])
		assert.Equal(t, []string{"w-1"}, evt.Data["winners"])
	case <-time.After(time.Second):
		t.Fatal("no auction.closed event received")
	}
}

func TestCancelDiscardsBids(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, moderationTask("t-1", 2), []string{"w-1", "w-2"})
	require.NoError(t, err)
	require.NoError(t, m.PlaceBid(ctx, a.ID, "w-1", 30))

	require.NoError(t, m.Cancel(ctx, a.ID))

	got, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, core.AuctionCancelled, got.Status)
	assert.Empty(t, got.Bids)

	persisted, err := store.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, core.AuctionCancelled, persisted.Status)

	assert.ErrorIs(t, m.PlaceBid(ctx, a.ID, "w-2", 30), core.ErrAuctionClosed)

	// Cancelling again is a no-op; closing a cancelled auction is not.
	assert.NoError(t, m.Cancel(ctx, a.ID))
	_, err = m.Close(ctx, a.ID)
	assert.ErrorIs(t, err, core.ErrAuctionClosed)

	// A settled auction cannot be cancelled.
	b, err := m.Create(ctx, moderationTask("t-2", 1), []string{"w-1"})
	require.NoError(t, err)
	_, err = m.Close(ctx, b.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Cancel(ctx, b.ID), core.ErrAuctionClosed)
}

func TestAwaitCloseBlocksUntilSettled(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, moderationTask("t-1", 1), []string{"w-1", "w-2"})
	require.NoError(t, err)
	require.NoError(t, m.PlaceBid(ctx, a.ID, "w-1", 30))

	go func() {
		time.Sleep(50 * time.Millisecond)
		m.Close(context.Background(), a.ID)
	}()

	got, err := m.AwaitClose(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "w-1", got[0].WorkerID)

	// Already settled: returns immediately with the same outcome.
	again, err := m.AwaitClose(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestAwaitCloseCancelledAuction(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, moderationTask("t-1", 1), []string{"w-1"})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Cancel(context.Background(), a.ID)
	}()

	_, err = m.AwaitClose(ctx, a.ID)
	assert.ErrorIs(t, err, core.ErrAuctionClosed)
}

func TestAwaitCloseContextTimeout(t *testing.T) {
	m, _ := newTestManager(t)

	a, err := m.Create(context.Background(), moderationTask("t-1", 1), []string{"w-1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.AwaitClose(ctx, a.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = m.AwaitClose(context.Background(), "no-such-auction")
	assert.ErrorIs(t, err, core.ErrAuctionNotFound)
}

func TestRestoreReArmsOpenAuctions(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	now := time.Now().UTC()
	live := &core.Auction{
		ID:              "a-live",
		TaskID:          "t-live",
		Status:          core.AuctionOpen,
		StartTime:       now.Add(-time.Minute),
		EndTime:         now.Add(10 * time.Minute),
		MinBid:          22.5,
		MaxBid:          45,
		RequiredWinners: 1,
		EligibleWorkers: []string{"w-1"},
	}
	lapsed := &core.Auction{
		ID:              "a-lapsed",
		TaskID:          "t-lapsed",
		Status:          core.AuctionOpen,
		StartTime:       now.Add(-20 * time.Minute),
		EndTime:         now.Add(-10 * time.Minute),
		MinBid:          22.5,
		MaxBid:          45,
		RequiredWinners: 1,
		EligibleWorkers: []string{"w-1"},
		Bids:            []core.Bid{{WorkerID: "w-1", Amount: 30, Timestamp: now.Add(-15 * time.Minute)}},
	}
	require.NoError(t, store.SaveAuction(ctx, live))
	require.NoError(t, store.SaveAuction(ctx, lapsed))

	m := NewManager(auctionTestConfig(), assignTestConfig(), store, nil)
	t.Cleanup(m.Stop)

	restored, err := m.RestoreOpenAuctions(ctx, func(string) (core.TaskType, core.TaskPriority, error) {
		return core.TaskContentModeration, core.PriorityMedium, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	// The live auction accepts bids again.
	require.NoError(t, m.PlaceBid(ctx, "a-live", "w-1", 30))

	// The lapsed auction's timer fires immediately and settles it with
	// the bid that survived the restart.
	require.Eventually(t, func() bool {
		got, gerr := m.Get("a-lapsed")
		return gerr == nil && got.Status == core.AuctionClosed
	}, 2*time.Second, 10*time.Millisecond)

	got, err := m.Get("a-lapsed")
	require.NoError(t, err)
	assert.Equal(t, []string{"w-1"}, got.Winners)
}

func TestPriceBookTakesOverAfterEnoughSettles(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	amounts := []float64{25, 30, 35, 40, 45}
	for i, amt := range amounts {
		task := moderationTask(fmt.Sprintf("t-%d", i), 1)
		a, err := m.Create(ctx, task, []string{"w-1"})
		require.NoError(t, err)

		// Static table prices every auction until the book has samples.
		assert.InDelta(t, 22.5, a.MinBid, 0.001)
		assert.InDelta(t, 45.0, a.MaxBid, 0.001)

		require.NoError(t, m.PlaceBid(ctx, a.ID, "w-1", amt))
		_, err = m.Close(ctx, a.ID)
		require.NoError(t, err)
	}

	a, err := m.Create(ctx, moderationTask("t-next", 1), []string{"w-1"})
	require.NoError(t, err)
	assert.InDelta(t, 25.0, a.MinBid, 0.001)
	assert.InDelta(t, 45.0, a.MaxBid, 0.001)
}

func TestStatsCountsOpenAuctions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, moderationTask("t-1", 1), []string{"w-1"})
	require.NoError(t, err)
	b, err := m.Create(ctx, moderationTask("t-2", 1), []string{"w-1"})
	require.NoError(t, err)
	require.NoError(t, m.PlaceBid(ctx, a.ID, "w-1", 30))

	_, err = m.Close(ctx, b.ID)
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 2, stats["tracked_auctions"])
	assert.Equal(t, 1, stats["open_auctions"])
	assert.Equal(t, 1, stats["total_bids"])
}
