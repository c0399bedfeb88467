package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusTypedSubscription(t *testing.T) {
	bus := NewEventBus()
	fraudCh := bus.Subscribe(FraudDetected)
	allCh := bus.Subscribe()

	bus.Emit(FraudDetected, "/fraud", "worker-1", map[string]interface{}{"risk_score": 0.92})
	bus.Emit(TaskCreated, "/orchestrator", "task-1", nil)

	select {
	case ev := <-fraudCh:
		assert.Equal(t, FraudDetected, ev.Type)
		assert.Equal(t, "worker-1", ev.Subject)
		assert.Equal(t, 0.92, ev.Data["risk_score"])
	case <-time.After(time.Second):
		t.Fatal("typed subscriber did not receive fraud event")
	}

	// The typed subscriber must not see unrelated events
	select {
	case ev := <-fraudCh:
		t.Fatalf("unexpected event on fraud channel: %s", ev.Type)
	default:
	}

	// The catch-all subscriber sees both
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-allCh:
			seen[ev.Type] = true
		case <-time.After(time.Second):
			t.Fatal("catch-all subscriber starved")
		}
	}
	assert.True(t, seen[FraudDetected])
	assert.True(t, seen[TaskCreated])
}

func TestEventBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(VerificationCompleted)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)
}

func TestEventBusFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewEventBus()
	bus.bufferSize = 1
	ch := bus.Subscribe(TaskAssigned)

	done := make(chan struct{})
	go func() {
		// Second publish must not block even though nobody drains ch
		bus.Emit(TaskAssigned, "/distributor", "task-1", nil)
		bus.Emit(TaskAssigned, "/distributor", "task-2", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on full subscriber")
	}

	ev := <-ch
	assert.Equal(t, "task-1", ev.Subject)
}

func TestCloudEventEnvelope(t *testing.T) {
	ev := NewCloudEvent(WorkerStatusChanged, "/workerstore", "worker-9", map[string]interface{}{"status": "SUSPENDED"})
	assert.Equal(t, "1.0", ev.SpecVersion)
	assert.NotEmpty(t, ev.ID)

	raw, err := ev.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"worker.status-changed"`)
}
