package store

import (
	"context"
	"time"
)

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID        int64  `db:"id"`
	Subject   string `db:"subject"`
	EventType string `db:"event_type"`
	Payload   []byte `db:"payload"`
	MsgID     string `db:"msg_id"`
	Retries   int    `db:"retries"`
}

// EnqueueOutbox queues an event for publication. A msgID already queued is ignored.
func (s *Store) EnqueueOutbox(ctx context.Context, subject, eventType string, payload []byte, msgID string) error {
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO NOTHING
	`), now, subject, eventType, payload, msgID, now)
	if err != nil {
		return s.fail("enqueue outbox", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished messages from outbox
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := s.db.SelectContext(ctx, &messages, s.q(`
		SELECT id, subject, event_type, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`), s.now().Unix(), limit)
	if err != nil {
		return nil, s.fail("dequeue outbox", err)
	}
	return messages, nil
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE outbox SET published_at = ? WHERE id = ?`), s.now().Unix(), id)
	if err != nil {
		return s.fail("mark published", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`), s.now().Add(backoff).Unix(), id)
	if err != nil {
		return s.fail("mark outbox retry", err)
	}
	return nil
}
