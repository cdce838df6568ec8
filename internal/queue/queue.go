// Package queue is the at-least-once transport between the orchestrator and
// its workers. A delivered message stays invisible to other consumers until
// it is acknowledged or its visibility timeout expires.
package queue

import (
	"context"
	"time"

	"coremachine/internal/models"
)

// Queue sends orchestrator messages. Send may fail after the matching row was
// already persisted; callers reconcile.
type Queue interface {
	SendJob(ctx context.Context, msg models.JobMessage) error
	// SendTask delivers msg no earlier than delay from now.
	SendTask(ctx context.Context, msg models.TaskMessage, delay time.Duration) error
	Close() error
}

// Handler processes delivered messages. A returned error leaves the message
// for redelivery.
type Handler interface {
	HandleJobMessage(ctx context.Context, msg models.JobMessage) error
	HandleTaskMessage(ctx context.Context, msg models.TaskMessage) error
}

// Consumer delivers messages to a Handler until ctx is cancelled.
type Consumer interface {
	Run(ctx context.Context, h Handler) error
}

// Options are shared by every backend.
type Options struct {
	JobQueue          string
	TaskQueue         string
	VisibilityTimeout time.Duration
	// MaxRedelivery bounds transport-level redelivery of a message whose
	// handler keeps returning an error.
	MaxRedelivery int
	Concurrency   int
	// Priorities weights queues for backends that serve several at once.
	Priorities map[string]int
}

func (o Options) withDefaults() Options {
	if o.JobQueue == "" {
		o.JobQueue = "coremachine-jobs"
	}
	if o.TaskQueue == "" {
		o.TaskQueue = "coremachine-tasks"
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 10 * time.Minute
	}
	if o.MaxRedelivery <= 0 {
		o.MaxRedelivery = 5
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if len(o.Priorities) == 0 {
		o.Priorities = map[string]int{o.JobQueue: 2, o.TaskQueue: 1}
	}
	return o
}
