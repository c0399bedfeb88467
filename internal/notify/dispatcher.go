package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Dispatcher posts notifications to the notification gateway with a
// background worker pool. Send enqueues and returns immediately; retries
// follow the per-template attempt budget and the platform backoff
// schedule (1 s, 5 s, 15 s).
type Dispatcher struct {
	endpoint   string
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup

	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

type deliveryJob struct {
	notification *Notification
	attempt      int
}

// NewDispatcher creates a dispatcher posting to endpoint with the given
// worker pool size.
func NewDispatcher(endpoint string, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	d := &Dispatcher{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		queue:  make(chan *deliveryJob, queueSize),
		logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// Send enqueues a notification for delivery. Returns an error only when
// the queue is saturated; delivery outcomes are tracked internally.
func (d *Dispatcher) Send(ctx context.Context, n *Notification) error {
	select {
	case d.queue <- &deliveryJob{notification: n, attempt: 1}:
		return nil
	default:
		d.dropped.Add(1)
		d.logger.Printf("⚠️  Notification queue full, dropping %s for worker %s", n.Template, n.WorkerID)
		return fmt.Errorf("notification queue full: %s", n.Template)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	n := job.notification
	payload, err := json.Marshal(n)
	if err != nil {
		d.logger.Printf("❌ Failed to marshal notification %s: %v", n.ID, err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		d.logger.Printf("❌ Failed to build notification request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Verihive-Template", string(n.Template))
	req.Header.Set("X-Verihive-Notification-ID", n.ID)
	req.Header.Set("X-Verihive-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))

	resp, err := d.httpClient.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode < 400 {
			d.delivered.Add(1)
			d.logger.Printf("✅ Notification delivered: %s → worker %s (%s)", n.Template, n.WorkerID, n.ID)
			return
		}
		err = fmt.Errorf("gateway returned %d", resp.StatusCode)
	}

	d.logger.Printf("❌ Notification delivery failed (attempt %d): %s → %v", job.attempt, n.Template, err)

	if job.attempt < MaxAttempts(n.Template) {
		time.Sleep(backoffFor(job.attempt))
		job.attempt++
		select {
		case d.queue <- job:
		default:
			d.dropped.Add(1)
		}
		return
	}
	d.failed.Add(1)
}

// Shutdown drains the queue and stops the worker pool.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"delivered": d.delivered.Load(),
		"dropped":   d.dropped.Load(),
		"failed":    d.failed.Load(),
		"queued":    len(d.queue),
	}
}

var _ Notifier = (*Dispatcher)(nil)

// LogNotifier logs notifications instead of delivering them. Used in
// local development when no gateway endpoint is configured.
type LogNotifier struct {
	logger *log.Logger
	sent   atomic.Int64
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{
		logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}
}

func (l *LogNotifier) Send(ctx context.Context, n *Notification) error {
	l.sent.Add(1)
	l.logger.Printf("📣 [%s] worker=%s %s: %s", n.Template, n.WorkerID, n.Title, n.Body)
	return nil
}

// Sent reports how many notifications were logged.
func (l *LogNotifier) Sent() int64 { return l.sent.Load() }

var _ Notifier = (*LogNotifier)(nil)
