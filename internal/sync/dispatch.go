package sync

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/ai-brain-mailagent/internal/store"
)

// Publisher delivers one event with a dedup id.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// OutboxReader is the dispatcher's view of the outbox.
type OutboxReader interface {
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Dispatcher drains the outbox to the publisher.
type Dispatcher struct {
	outbox     OutboxReader
	publisher  Publisher
	batch      int
	idle       time.Duration
	retryAfter time.Duration
	log        *logrus.Entry
}

func NewDispatcher(outbox OutboxReader, publisher Publisher, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		outbox:     outbox,
		publisher:  publisher,
		batch:      100,
		idle:       500 * time.Millisecond,
		retryAfter: 10 * time.Second,
		log:        log.WithField("component", "dispatcher"),
	}
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		n, err := d.DispatchOnce(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			d.log.WithError(err).Error("error dequeuing outbox")
			wait = time.Second
		case n == 0:
			wait = d.idle
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch and returns how many were taken from the
// outbox. Failed publications are rescheduled with exponential backoff.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.outbox.DequeueOutbox(ctx, d.batch)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.publisher.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			backoff := d.retryAfter << min(msg.Retries, 6)
			d.log.WithError(err).WithFields(logrus.Fields{"outbox_id": msg.ID, "retry_in": backoff.String()}).Warn("publish failed")
			if err := d.outbox.MarkOutboxRetry(ctx, msg.ID, backoff); err != nil {
				d.log.WithError(err).WithField("outbox_id", msg.ID).Error("failed to reschedule outbox message")
			}
			continue
		}

		if err := d.outbox.MarkPublished(ctx, msg.ID); err != nil {
			d.log.WithError(err).WithField("outbox_id", msg.ID).Error("failed to mark published")
		}
	}
	return len(messages), nil
}
