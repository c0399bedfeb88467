package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verihive/backend/internal/config"
	"github.com/verihive/backend/internal/core"
	"github.com/verihive/backend/internal/events"
)

func decayTestConfig() config.DecayConfig {
	return config.DecayConfig{
		Enabled:       false, // sweeps run manually in tests
		IdleDays:      7,
		Rate:          0.1,
		Floor:         25,
		IntervalHours: 24,
	}
}

func idleWorker(id string, score float64, status core.WorkerStatus) *core.WorkerProfile {
	return &core.WorkerProfile{
		ID:              id,
		Status:          status,
		Level:           core.LevelBeginner,
		ReputationScore: score,
		CreatedAt:       time.Now().UTC().Add(-30 * 24 * time.Hour),
		LastActiveAt:    time.Now().UTC().Add(-8 * 24 * time.Hour),
	}
}

func TestSweepDecaysOnlyIdleWorkers(t *testing.T) {
	idle := idleWorker("w-idle", 80, core.WorkerAvailable)
	active := idleWorker("w-active", 80, core.WorkerAvailable)
	active.LastActiveAt = time.Now().UTC().Add(-24 * time.Hour)
	suspended := idleWorker("w-suspended", 80, core.WorkerSuspended)
	atFloor := idleWorker("w-floor", 25, core.WorkerInactive)

	workers := newFakeWorkers(idle, active, suspended, atFloor)
	ds := NewDecayScheduler(decayTestConfig(), workers, workers, nil)

	decayed := ds.SweepNow(context.Background())
	assert.Equal(t, 1, decayed)

	got, err := workers.GetWorker(context.Background(), "w-idle", false)
	require.NoError(t, err)
	assert.InDelta(t, 72.0, got.ReputationScore, 0.001)

	for _, id := range []string{"w-active", "w-suspended"} {
		got, err := workers.GetWorker(context.Background(), id, false)
		require.NoError(t, err)
		assert.InDelta(t, 80.0, got.ReputationScore, 0.001, "worker %s must not decay", id)
	}

	got, err = workers.GetWorker(context.Background(), "w-floor", false)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, got.ReputationScore, 0.001)
}

func TestSweepClampsAtFloor(t *testing.T) {
	nearFloor := idleWorker("w-near", 26, core.WorkerAvailable)
	workers := newFakeWorkers(nearFloor)
	ds := NewDecayScheduler(decayTestConfig(), workers, workers, nil)

	decayed := ds.SweepNow(context.Background())
	assert.Equal(t, 1, decayed)

	got, err := workers.GetWorker(context.Background(), "w-near", false)
	require.NoError(t, err)
	// 26 * 0.9 = 23.4 would undershoot, so the floor holds.
	assert.InDelta(t, 25.0, got.ReputationScore, 0.001)

	// A second sweep finds the worker already at the floor.
	assert.Equal(t, 0, ds.SweepNow(context.Background()))
}

func TestSweepEmitsDecayEvents(t *testing.T) {
	bus := events.NewEventBus()
	workers := newFakeWorkers(idleWorker("w-idle", 80, core.WorkerAvailable))
	ds := NewDecayScheduler(decayTestConfig(), workers, workers, bus)

	ch := bus.Subscribe(events.ReputationUpdated)
	defer bus.Unsubscribe(ch)

	require.Equal(t, 1, ds.SweepNow(context.Background()))

	select {
	case evt := <-ch:
		require.NotNil(t, evt)
		assert.Equal(t, "w-idle", evt.Subject)
		assert.Equal(t, true, evt.Data["decayed"])
		assert.InDelta(t, 72.0, evt.Data["score"].(float64), 0.001)
	case <-time.After(time.Second):
		t.Fatal("no decay event received")
	}
}

func TestSweepSkipsNeverActiveFreshWorker(t *testing.T) {
	fresh := &core.WorkerProfile{
		ID:              "w-fresh",
		Status:          core.WorkerAvailable,
		Level:           core.LevelBeginner,
		ReputationScore: 80,
		CreatedAt:       time.Now().UTC().Add(-time.Hour),
	}
	workers := newFakeWorkers(fresh)
	ds := NewDecayScheduler(decayTestConfig(), workers, workers, nil)

	assert.Equal(t, 0, ds.SweepNow(context.Background()))
}

func TestDecaySchedulerStopIdempotent(t *testing.T) {
	cfg := decayTestConfig()
	cfg.Enabled = true
	workers := newFakeWorkers()
	ds := NewDecayScheduler(cfg, workers, workers, nil)

	ds.Stop()
	ds.Stop()
}

func TestDecayConfigDefaults(t *testing.T) {
	workers := newFakeWorkers()
	ds := NewDecayScheduler(config.DecayConfig{}, workers, workers, nil)

	assert.Equal(t, defaultIdleDays, ds.cfg.IdleDays)
	assert.InDelta(t, defaultDecayRate, ds.cfg.Rate, 0.0001)
	assert.InDelta(t, defaultDecayFloor, ds.cfg.Floor, 0.0001)
	assert.Equal(t, defaultIntervalHours, ds.cfg.IntervalHours)
}
