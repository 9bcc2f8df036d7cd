package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Martian-dev/ai-brain-mailagent/internal/mail"
)

type emailRow struct {
	UserID     string `db:"user_id"`
	MessageID  string `db:"message_id"`
	ThreadID   string `db:"thread_id"`
	From       string `db:"from_email"`
	To         string `db:"to_email"`
	Subject    string `db:"subject"`
	Body       string `db:"body"`
	Snippet    string `db:"snippet"`
	IsRead     int    `db:"is_read"`
	Labels     string `db:"labels"`
	RawHeaders string `db:"raw_headers"`
	ReceivedAt int64  `db:"received_at"`
}

// UpsertEmail stores the normalized message, keyed by (user_id, message_id).
// A later fetch of the same message refreshes its read state and labels.
func (s *Store) UpsertEmail(ctx context.Context, msg mail.NormalizedMessage) error {
	labels := msg.Labels
	if labels == nil {
		labels = []string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	headers := msg.RawHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	isRead := 0
	if msg.IsRead {
		isRead = 1
	}

	now := s.now().Unix()
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO emails (user_id, message_id, thread_id, from_email, to_email, subject, body, snippet,
			is_read, labels, raw_headers, received_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, message_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			snippet = excluded.snippet,
			is_read = excluded.is_read,
			labels = excluded.labels,
			updated_at = excluded.updated_at
	`), msg.UserID, msg.MessageID, msg.ThreadID, msg.From, msg.To, msg.Subject, msg.Body, msg.Snippet,
		isRead, string(labelsJSON), string(headersJSON), unix(msg.ReceivedAt), now, now)
	if err != nil {
		return s.fail("upsert email", err)
	}
	return nil
}

// GetEmail loads a stored message.
func (s *Store) GetEmail(ctx context.Context, userID, messageID string) (*mail.NormalizedMessage, error) {
	var row emailRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT user_id, message_id, thread_id, from_email, to_email, subject, body, snippet,
			is_read, labels, raw_headers, received_at
		FROM emails WHERE user_id = ? AND message_id = ?
	`), userID, messageID)
	if err != nil {
		return nil, s.fail("get email", err)
	}

	msg := &mail.NormalizedMessage{
		UserID:     row.UserID,
		ThreadID:   row.ThreadID,
		MessageID:  row.MessageID,
		From:       row.From,
		To:         row.To,
		ReceivedAt: fromUnix(row.ReceivedAt),
		Subject:    row.Subject,
		Body:       row.Body,
		Snippet:    row.Snippet,
		IsRead:     row.IsRead != 0,
	}
	if err := json.Unmarshal([]byte(row.Labels), &msg.Labels); err != nil {
		return nil, fmt.Errorf("decode labels: %w", err)
	}
	if err := json.Unmarshal([]byte(row.RawHeaders), &msg.RawHeaders); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	return msg, nil
}
