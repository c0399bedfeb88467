package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/verihive/backend/internal/config"
)

const (
	defaultQueueWorkers    = 8
	defaultDedupTTLMinutes = 120
)

// Consumer pulls submission envelopes off the queue and feeds the
// pipeline. Message ids are deduplicated so broker redeliveries are
// harmless; a message interrupted by shutdown is handed back for
// redelivery instead of being acked half-done.
type Consumer struct {
	orch  *Orchestrator
	queue SubmissionQueue
	dedup DedupStore

	ttl     time.Duration
	workers int

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	logger    *log.Logger
}

func NewConsumer(orch *Orchestrator, queue SubmissionQueue, dedup DedupStore, cfg config.OrchestratorConfig) *Consumer {
	workers := cfg.QueueWorkers
	if workers <= 0 {
		workers = defaultQueueWorkers
	}
	ttlMinutes := cfg.DedupTTLMinutes
	if ttlMinutes <= 0 {
		ttlMinutes = defaultDedupTTLMinutes
	}
	return &Consumer{
		orch:    orch,
		queue:   queue,
		dedup:   dedup,
		ttl:     time.Duration(ttlMinutes) * time.Minute,
		workers: workers,
		logger:  log.New(log.Writer(), "[CONSUMER] ", log.LstdFlags),
	}
}

// Start launches the pull loops.
func (c *Consumer) Start() {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		for i := 0; i < c.workers; i++ {
			c.wg.Add(1)
			go c.run(ctx)
		}
		c.logger.Printf("✅ consumer started with %d workers", c.workers)
	})
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		msg, err := c.queue.Pull(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			c.logger.Printf("⚠️ queue pull failed: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg *QueueMessage) {
	first, err := c.dedup.FirstSeen(ctx, msg.ID, c.ttl)
	if err != nil {
		// Dedup outage: processing a message twice beats dropping it.
		c.logger.Printf("⚠️ dedup check failed for message %s, processing anyway: %v", msg.ID, err)
		first = true
	}
	if !first {
		c.orch.metrics.RecordDuplicate()
		c.logger.Printf("🔄 duplicate message %s dropped", msg.ID)
		ack(msg)
		return
	}

	sub := msg.Submission
	_, perr := c.orch.OnSubmission(ctx, &sub)
	switch {
	case perr == nil:
		ack(msg)
	case errors.Is(perr, context.Canceled),
		errors.Is(perr, context.DeadlineExceeded),
		errors.Is(perr, ErrShuttingDown):
		// Interrupted mid-flight: release the dedup record and hand the
		// message back for redelivery.
		c.dedup.Forget(context.Background(), msg.ID)
		nack(msg)
	default:
		// Rejections surfaced and exhausted submissions dead-lettered;
		// acking prevents a hot redelivery loop.
		ack(msg)
	}
}

// Stop halts the pull loops and waits for in-flight handlers to return.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		c.logger.Printf("✅ consumer stopped")
	})
}

func ack(msg *QueueMessage) {
	if msg.Ack != nil {
		msg.Ack()
	}
}

func nack(msg *QueueMessage) {
	if msg.Nack != nil {
		msg.Nack()
	}
}
