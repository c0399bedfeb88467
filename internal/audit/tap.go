package audit

import (
	"context"
	"log"
	"sync"

	"github.com/verihive/backend/internal/events"
)

// Tap subscribes the trail to the event bus so settled verifications,
// worker status changes and auction outcomes land on the chain without
// the producers knowing audit exists. Fraud detections are not tapped
// here; the detector writes its own richer entries through its audit
// sink.
type Tap struct {
	trail *Trail
	bus   *events.EventBus

	ch       chan *events.CloudEvent
	done     chan struct{}
	stopOnce sync.Once
	logger   *log.Logger
}

func NewTap(trail *Trail, bus *events.EventBus) *Tap {
	return &Tap{
		trail:  trail,
		bus:    bus,
		done:   make(chan struct{}),
		logger: log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}
}

// Start begins consuming bus events into the trail.
func (t *Tap) Start() {
	t.ch = t.bus.Subscribe(
		events.VerificationCompleted,
		events.WorkerStatusChanged,
		events.AuctionClosed,
		events.AuctionCancelled,
	)
	go t.loop()
	t.logger.Printf("✅ audit tap subscribed to bus")
}

func (t *Tap) loop() {
	defer close(t.done)
	for ev := range t.ch {
		details := map[string]interface{}{
			"event_id":   ev.ID,
			"event_type": ev.Type,
		}
		for k, v := range ev.Data {
			details[k] = v
		}
		_ = t.trail.Record(context.Background(), string(categoryFor(ev.Type)), ev.Subject, details)
	}
}

// Stop unsubscribes and waits for the consume loop to drain.
func (t *Tap) Stop() {
	t.stopOnce.Do(func() {
		if t.ch == nil {
			close(t.done)
			return
		}
		t.bus.Unsubscribe(t.ch)
		<-t.done
		t.logger.Printf("✅ audit tap stopped")
	})
}

func categoryFor(eventType string) Category {
	switch eventType {
	case events.VerificationCompleted:
		return CategoryVerification
	case events.WorkerStatusChanged:
		return CategoryWorker
	case events.AuctionClosed, events.AuctionCancelled:
		return CategoryAuction
	default:
		return CategoryAdmin
	}
}
