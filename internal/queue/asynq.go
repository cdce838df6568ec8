package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"coremachine/internal/models"
)

// AsynqQueue sends messages through Redis with asynq. The message dedupe key
// becomes the asynq task id, so a resend while the original is still retained
// is dropped by Redis.
type AsynqQueue struct {
	client *asynq.Client
	opts   Options
}

var _ Queue = (*AsynqQueue)(nil)

// NewAsynqQueue creates a sending client.
func NewAsynqQueue(redis asynq.RedisClientOpt, opts Options) *AsynqQueue {
	return &AsynqQueue{client: asynq.NewClient(redis), opts: opts.withDefaults()}
}

// SendJob enqueues a stage transition message.
func (q *AsynqQueue) SendJob(ctx context.Context, msg models.JobMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode job message: %w", err)
	}
	return q.enqueue(ctx, asynq.NewTask(models.MessageTypeJob, payload),
		asynq.Queue(q.opts.JobQueue),
		asynq.TaskID(msg.DedupeKey()),
	)
}

// SendTask enqueues a task execution message.
func (q *AsynqQueue) SendTask(ctx context.Context, msg models.TaskMessage, delay time.Duration) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode task message: %w", err)
	}
	opts := []asynq.Option{
		asynq.Queue(q.opts.TaskQueue),
		asynq.TaskID(msg.DedupeKey()),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	return q.enqueue(ctx, asynq.NewTask(models.MessageTypeTask, payload), opts...)
}

func (q *AsynqQueue) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	opts = append(opts,
		asynq.MaxRetry(q.opts.MaxRedelivery),
		asynq.Timeout(q.opts.VisibilityTimeout),
	)
	if _, err := q.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	return nil
}

// Close closes the Redis connection.
func (q *AsynqQueue) Close() error {
	return q.client.Close()
}

// AsynqConsumer runs an asynq server over the job and task queues.
type AsynqConsumer struct {
	redis asynq.RedisClientOpt
	opts  Options
	log   logrus.FieldLogger
}

var _ Consumer = (*AsynqConsumer)(nil)

// NewAsynqConsumer configures a consumer. Nothing connects until Run.
func NewAsynqConsumer(redis asynq.RedisClientOpt, opts Options, log logrus.FieldLogger) *AsynqConsumer {
	return &AsynqConsumer{redis: redis, opts: opts.withDefaults(), log: log}
}

// Run serves both queues until ctx is cancelled.
func (c *AsynqConsumer) Run(ctx context.Context, h Handler) error {
	srv := asynq.NewServer(c.redis, asynq.Config{
		Concurrency: c.opts.Concurrency,
		Queues:      c.opts.Priorities,
		Logger:      c.log.WithField("component", "asynq"),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			c.log.WithError(err).WithFields(logrus.Fields{
				"type":    task.Type(),
				"payload": string(task.Payload()),
			}).Warn("message handling failed, leaving for redelivery")
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(models.MessageTypeJob, func(ctx context.Context, t *asynq.Task) error {
		var msg models.JobMessage
		if err := json.Unmarshal(t.Payload(), &msg); err != nil {
			return fmt.Errorf("decode job message: %v: %w", err, asynq.SkipRetry)
		}
		return h.HandleJobMessage(ctx, msg)
	})
	mux.HandleFunc(models.MessageTypeTask, func(ctx context.Context, t *asynq.Task) error {
		var msg models.TaskMessage
		if err := json.Unmarshal(t.Payload(), &msg); err != nil {
			return fmt.Errorf("decode task message: %v: %w", err, asynq.SkipRetry)
		}
		return h.HandleTaskMessage(ctx, msg)
	})

	c.log.WithFields(logrus.Fields{
		"concurrency": c.opts.Concurrency,
		"job_queue":   c.opts.JobQueue,
		"task_queue":  c.opts.TaskQueue,
	}).Info("starting asynq consumer")
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	<-ctx.Done()
	srv.Shutdown()
	c.log.Info("asynq consumer stopped")
	return nil
}
