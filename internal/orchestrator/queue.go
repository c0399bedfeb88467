package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/verihive/backend/internal/core"
)

// ErrQueueClosed signals that the ingress queue stopped producing.
var ErrQueueClosed = errors.New("submission queue closed")

// QueueMessage is one submission envelope from the broker. Ack and Nack
// may be nil when the broker has no explicit acknowledgement.
type QueueMessage struct {
	ID         string
	Submission core.WorkerSubmission
	Ack        func()
	Nack       func()
}

// SubmissionQueue is the at-least-once ingress transport. Any broker
// that can deliver envelopes with redelivery on nack satisfies it.
type SubmissionQueue interface {
	// Pull blocks until a message arrives, the queue closes or ctx is
	// done.
	Pull(ctx context.Context) (*QueueMessage, error)
}

const defaultChannelQueueSize = 1024

// ChannelQueue is the in-process SubmissionQueue. Nack re-enqueues the
// message, which is redelivery enough for single-process deployments
// and tests.
type ChannelQueue struct {
	ch        chan *QueueMessage
	done      chan struct{}
	closeOnce sync.Once
}

func NewChannelQueue(size int) *ChannelQueue {
	if size <= 0 {
		size = defaultChannelQueueSize
	}
	return &ChannelQueue{
		ch:   make(chan *QueueMessage, size),
		done: make(chan struct{}),
	}
}

// Publish enqueues a submission and returns its message id. Blocks when
// the buffer is full.
func (q *ChannelQueue) Publish(sub core.WorkerSubmission) (string, error) {
	msg := &QueueMessage{ID: uuid.NewString(), Submission: sub}
	msg.Nack = func() { q.requeue(msg) }
	select {
	case q.ch <- msg:
		return msg.ID, nil
	case <-q.done:
		return "", ErrQueueClosed
	}
}

// Pull returns the next message. Buffered messages drain even after
// Close so nothing accepted is lost.
func (q *ChannelQueue) Pull(ctx context.Context) (*QueueMessage, error) {
	select {
	case msg := <-q.ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		select {
		case msg := <-q.ch:
			return msg, nil
		default:
			return nil, ErrQueueClosed
		}
	}
}

func (q *ChannelQueue) requeue(msg *QueueMessage) {
	go func() {
		select {
		case q.ch <- msg:
		case <-q.done:
		}
	}()
}

// Depth is the number of buffered messages, for the ops surface.
func (q *ChannelQueue) Depth() int { return len(q.ch) }

func (q *ChannelQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

var _ SubmissionQueue = (*ChannelQueue)(nil)
