package store

import (
	"context"
	"time"
)

const (
	EventActive    = "active"
	EventCancelled = "cancelled"
)

// CalendarEventRef links a calendar event this agent created to the thread
// and message it came from.
type CalendarEventRef struct {
	UserID    string    `json:"user_id" db:"user_id"`
	EventID   string    `json:"event_id" db:"event_id"`
	ThreadID  string    `json:"thread_id" db:"thread_id"`
	MessageID string    `json:"message_id" db:"message_id"`
	Status    string    `json:"status" db:"status"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

type calendarEventRow struct {
	CalendarEventRef
	StartAt int64 `db:"start_at"`
	EndAt   int64 `db:"end_at"`
}

// RecordCalendarEvent stores or updates ref.
func (s *Store) RecordCalendarEvent(ctx context.Context, ref CalendarEventRef) error {
	if ref.Status == "" {
		ref.Status = EventActive
	}
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO calendar_events (user_id, event_id, thread_id, message_id, status, start_at, end_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, event_id) DO UPDATE SET
			message_id = excluded.message_id,
			status = excluded.status,
			start_at = CASE WHEN excluded.start_at > 0 THEN excluded.start_at ELSE calendar_events.start_at END,
			end_at = CASE WHEN excluded.end_at > 0 THEN excluded.end_at ELSE calendar_events.end_at END,
			updated_at = excluded.updated_at
	`), ref.UserID, ref.EventID, ref.ThreadID, ref.MessageID, ref.Status, unix(ref.Start), unix(ref.End), now, now)
	if err != nil {
		return s.fail("record calendar event", err)
	}
	return nil
}

// ThreadEvents lists the events recorded for a thread, most recent first.
func (s *Store) ThreadEvents(ctx context.Context, userID, threadID string) ([]CalendarEventRef, error) {
	var rows []calendarEventRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT user_id, event_id, thread_id, message_id, status, start_at, end_at
		FROM calendar_events WHERE user_id = ? AND thread_id = ?
		ORDER BY updated_at DESC, created_at DESC
	`), userID, threadID)
	if err != nil {
		return nil, s.fail("thread events", err)
	}

	refs := make([]CalendarEventRef, 0, len(rows))
	for _, r := range rows {
		ref := r.CalendarEventRef
		ref.Start = fromUnix(r.StartAt)
		ref.End = fromUnix(r.EndAt)
		refs = append(refs, ref)
	}
	return refs, nil
}
