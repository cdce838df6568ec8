package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"coremachine/internal/models"
)

// notBeforeHeader carries the earliest delivery time of a delayed task.
const notBeforeHeader = "Coremachine-Not-Before"

// NATSQueue sends and consumes messages over a JetStream stream. The message
// dedupe key becomes the JetStream Msg-Id, and AckWait plays the role of the
// visibility timeout.
type NATSQueue struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
	opts   Options
	log    logrus.FieldLogger
}

var (
	_ Queue    = (*NATSQueue)(nil)
	_ Consumer = (*NATSQueue)(nil)
)

// NewNATSQueue connects and makes sure the stream exists.
func NewNATSQueue(url, stream string, opts Options, log logrus.FieldLogger) (*NATSQueue, error) {
	if stream == "" {
		stream = "COREMACHINE"
	}
	nc, err := nats.Connect(url, nats.Name("coremachine"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}

	q := &NATSQueue{nc: nc, js: js, stream: stream, opts: opts.withDefaults(), log: log}
	if _, err := js.StreamInfo(stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			nc.Close()
			return nil, fmt.Errorf("lookup stream %s: %w", stream, err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:       stream,
			Subjects:   []string{q.subject(q.opts.JobQueue), q.subject(q.opts.TaskQueue)},
			Retention:  nats.WorkQueuePolicy,
			Duplicates: 2 * time.Minute,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create stream %s: %w", stream, err)
		}
	}
	return q, nil
}

func (q *NATSQueue) subject(queueName string) string {
	return q.stream + "." + queueName
}

// SendJob publishes a stage transition message.
func (q *NATSQueue) SendJob(ctx context.Context, msg models.JobMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode job message: %w", err)
	}
	return q.publish(ctx, nats.NewMsg(q.subject(q.opts.JobQueue)), payload, msg.DedupeKey())
}

// SendTask publishes a task execution message. A delay is enforced by the
// consumer, which naks early deliveries.
func (q *NATSQueue) SendTask(ctx context.Context, msg models.TaskMessage, delay time.Duration) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode task message: %w", err)
	}
	m := nats.NewMsg(q.subject(q.opts.TaskQueue))
	if delay > 0 {
		m.Header.Set(notBeforeHeader, time.Now().Add(delay).UTC().Format(time.RFC3339Nano))
	}
	return q.publish(ctx, m, payload, msg.DedupeKey())
}

func (q *NATSQueue) publish(ctx context.Context, m *nats.Msg, payload []byte, dedupeKey string) error {
	m.Data = payload
	if _, err := q.js.PublishMsg(m, nats.MsgId(dedupeKey), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", m.Subject, err)
	}
	return nil
}

// Run subscribes durable queue consumers to both subjects until ctx ends.
func (q *NATSQueue) Run(ctx context.Context, h Handler) error {
	sem := make(chan struct{}, q.opts.Concurrency)

	subscribe := func(queueName string, handle func(context.Context, *nats.Msg) error) (*nats.Subscription, error) {
		return q.js.QueueSubscribe(q.subject(queueName), queueName, func(m *nats.Msg) {
			sem <- struct{}{}
			go func() {
				defer func() { <-sem }()
				q.dispatch(ctx, m, handle)
			}()
		},
			nats.Durable(queueName),
			nats.ManualAck(),
			nats.AckWait(q.opts.VisibilityTimeout),
			nats.MaxDeliver(q.opts.MaxRedelivery+1),
		)
	}

	jobSub, err := subscribe(q.opts.JobQueue, func(ctx context.Context, m *nats.Msg) error {
		var msg models.JobMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return errMalformed{err}
		}
		return h.HandleJobMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe to job queue: %w", err)
	}
	taskSub, err := subscribe(q.opts.TaskQueue, func(ctx context.Context, m *nats.Msg) error {
		var msg models.TaskMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return errMalformed{err}
		}
		return h.HandleTaskMessage(ctx, msg)
	})
	if err != nil {
		_ = jobSub.Unsubscribe()
		return fmt.Errorf("subscribe to task queue: %w", err)
	}

	q.log.WithFields(logrus.Fields{
		"stream":      q.stream,
		"concurrency": q.opts.Concurrency,
	}).Info("starting nats consumer")
	<-ctx.Done()
	_ = jobSub.Drain()
	_ = taskSub.Drain()
	q.log.Info("nats consumer stopped")
	return nil
}

type errMalformed struct{ err error }

func (e errMalformed) Error() string { return "malformed message: " + e.err.Error() }

func (q *NATSQueue) dispatch(ctx context.Context, m *nats.Msg, handle func(context.Context, *nats.Msg) error) {
	if nb := m.Header.Get(notBeforeHeader); nb != "" {
		if at, err := time.Parse(time.RFC3339Nano, nb); err == nil {
			if wait := time.Until(at); wait > 0 {
				_ = m.NakWithDelay(wait)
				return
			}
		}
	}

	hctx, cancel := context.WithTimeout(ctx, q.opts.VisibilityTimeout)
	defer cancel()
	err := handle(hctx, m)
	switch {
	case err == nil:
		if ackErr := m.Ack(); ackErr != nil {
			q.log.WithError(ackErr).WithField("subject", m.Subject).Warn("ack failed")
		}
	case errors.As(err, new(errMalformed)):
		q.log.WithError(err).WithField("subject", m.Subject).Error("dropping malformed message")
		_ = m.Term()
	default:
		q.log.WithError(err).WithField("subject", m.Subject).Warn("message handling failed, leaving for redelivery")
		_ = m.Nak()
	}
}

// Close drains the connection.
func (q *NATSQueue) Close() error {
	if q.nc == nil {
		return nil
	}
	return q.nc.Drain()
}
