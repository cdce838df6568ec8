package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"coremachine/internal/models"
)

// ErrInjected is returned by a MemoryQueue send that was told to fail.
var ErrInjected = errors.New("injected send failure")

// Envelope is one queued message of either kind.
type Envelope struct {
	Job   *models.JobMessage
	Task  *models.TaskMessage
	Delay time.Duration
}

// MemoryQueue keeps messages in process. It backs single-process runs and
// tests. Messages whose handler fails are put back at the end of the queue.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []Envelope
	sent     []Envelope
	failSend func(Envelope) bool
	seen     map[string]struct{}
	notify   chan struct{}
	log      logrus.FieldLogger
}

var (
	_ Queue    = (*MemoryQueue)(nil)
	_ Consumer = (*MemoryQueue)(nil)
)

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue(log logrus.FieldLogger) *MemoryQueue {
	return &MemoryQueue{notify: make(chan struct{}, 1), log: log}
}

// FailSendsWhen makes every send matching fn fail with ErrInjected. nil restores normal sends.
func (q *MemoryQueue) FailSendsWhen(fn func(Envelope) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failSend = fn
}

// DeduplicateKeys makes the queue accept each dedupe key once and silently
// drop repeats, the way broker-side deduplication does. Keys are kept for the
// life of the queue.
func (q *MemoryQueue) DeduplicateKeys() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seen == nil {
		q.seen = make(map[string]struct{})
	}
}

// Key returns the dedupe key of the envelope's message.
func (e Envelope) Key() string {
	switch {
	case e.Job != nil:
		return e.Job.DedupeKey()
	case e.Task != nil:
		return e.Task.DedupeKey()
	}
	return ""
}

// SendJob queues a stage transition message.
func (q *MemoryQueue) SendJob(_ context.Context, msg models.JobMessage) error {
	return q.push(Envelope{Job: &msg})
}

// SendTask queues a task execution message.
func (q *MemoryQueue) SendTask(_ context.Context, msg models.TaskMessage, delay time.Duration) error {
	return q.push(Envelope{Task: &msg, Delay: delay})
}

func (q *MemoryQueue) push(env Envelope) error {
	q.mu.Lock()
	if q.failSend != nil && q.failSend(env) {
		q.mu.Unlock()
		return ErrInjected
	}
	if q.seen != nil {
		key := env.Key()
		if _, dup := q.seen[key]; dup {
			q.mu.Unlock()
			return nil
		}
		q.seen[key] = struct{}{}
	}
	q.pending = append(q.pending, env)
	q.sent = append(q.sent, env)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Sent returns every message accepted so far, in send order.
func (q *MemoryQueue) Sent() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Envelope, len(q.sent))
	copy(out, q.sent)
	return out
}

// Pending returns the number of undelivered messages.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pop removes the oldest pending message.
func (q *MemoryQueue) Pop() (Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Envelope{}, false
	}
	env := q.pending[0]
	q.pending = q.pending[1:]
	return env, true
}

// Deliver hands env to h. A failed delivery is requeued.
func (q *MemoryQueue) Deliver(ctx context.Context, h Handler, env Envelope) error {
	err := handle(ctx, h, env)
	if err != nil {
		q.requeue(env)
	}
	return err
}

func handle(ctx context.Context, h Handler, env Envelope) error {
	switch {
	case env.Job != nil:
		return h.HandleJobMessage(ctx, *env.Job)
	case env.Task != nil:
		return h.HandleTaskMessage(ctx, *env.Task)
	}
	return nil
}

func (q *MemoryQueue) requeue(env Envelope) {
	q.mu.Lock()
	q.pending = append(q.pending, env)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain delivers messages, ignoring delays, until the queue is empty or
// maxDeliveries is reached.
func (q *MemoryQueue) Drain(ctx context.Context, h Handler, maxDeliveries int) (int, error) {
	delivered := 0
	for delivered < maxDeliveries {
		env, ok := q.Pop()
		if !ok {
			return delivered, nil
		}
		delivered++
		if err := q.Deliver(ctx, h, env); err != nil && q.log != nil {
			q.log.WithError(err).Debug("delivery failed, requeued")
		}
	}
	if q.Pending() > 0 {
		return delivered, errors.New("queue not drained")
	}
	return delivered, nil
}

// Run delivers messages as they arrive, honouring task delays, until ctx ends.
func (q *MemoryQueue) Run(ctx context.Context, h Handler) error {
	for {
		for {
			env, ok := q.Pop()
			if !ok {
				break
			}
			if env.Delay > 0 {
				delayed := env
				delayed.Delay = 0
				time.AfterFunc(env.Delay, func() { q.requeue(delayed) })
				continue
			}
			if err := handle(ctx, h, env); err != nil {
				if q.log != nil {
					q.log.WithError(err).Warn("message handling failed, leaving for redelivery")
				}
				failed := env
				time.AfterFunc(time.Second, func() { q.requeue(failed) })
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
		case <-time.After(time.Second):
		}
	}
}

// Close is a no-op.
func (q *MemoryQueue) Close() error {
	return nil
}
