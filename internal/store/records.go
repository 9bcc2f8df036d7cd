package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Status is the lifecycle position of a ProcessingRecord.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInStage   Status = "in_stage"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Final reports whether a record in this status is never processed again.
func (s Status) Final() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// StageResult is one appended stage outcome. Payload holds the stage's typed
// output as JSON; Error is set when the stage failed.
type StageResult struct {
	Seq       int             `json:"seq"`
	Stage     string          `json:"stage"`
	Category  string          `json:"category,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Succeeded reports whether the stage produced a usable result.
func (r StageResult) Succeeded() bool { return r.Error == "" }

// ProcessingRecord is the ledger entry for one (user, message).
type ProcessingRecord struct {
	UserID       string        `json:"user_id"`
	MessageID    string        `json:"message_id"`
	ThreadID     string        `json:"thread_id"`
	Status       Status        `json:"status"`
	CurrentStage string        `json:"current_stage"`
	Attempts     int           `json:"attempts"`
	LastError    string        `json:"last_error,omitempty"`
	ReceivedAt   time.Time     `json:"received_at"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Results      []StageResult `json:"results"`
}

type recordRow struct {
	UserID       string `db:"user_id"`
	MessageID    string `db:"message_id"`
	ThreadID     string `db:"thread_id"`
	Status       string `db:"status"`
	CurrentStage string `db:"current_stage"`
	Attempts     int    `db:"attempts"`
	LastError    string `db:"last_error"`
	ReceivedAt   int64  `db:"received_at"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

type stageResultRow struct {
	Seq       int    `db:"seq"`
	Stage     string `db:"stage"`
	Category  string `db:"category"`
	Payload   string `db:"payload"`
	Error     string `db:"error"`
	CreatedAt int64  `db:"created_at"`
}

// EnsureRecord inserts a pending record for the message if none exists.
func (s *Store) EnsureRecord(ctx context.Context, userID, messageID, threadID string, receivedAt time.Time) error {
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO processing_records (user_id, message_id, thread_id, status, received_at, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?)
		ON CONFLICT(user_id, message_id) DO NOTHING
	`), userID, messageID, threadID, unix(receivedAt), now, now)
	if err != nil {
		return s.fail("ensure record", err)
	}
	return nil
}

// ClaimRecord moves a pending, or retryable failed, record to in_stage and
// counts the attempt. It reports false when the record is not claimable.
func (s *Store) ClaimRecord(ctx context.Context, userID, messageID string, maxAttempts int) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE processing_records
		SET status = 'in_stage', attempts = attempts + 1, last_error = '', updated_at = ?
		WHERE user_id = ? AND message_id = ?
		  AND (status = 'pending' OR (status = 'failed' AND attempts < ?))
	`), s.now().Unix(), userID, messageID, maxAttempts)
	if err != nil {
		return false, s.fail("claim record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.fail("claim record", err)
	}
	return n == 1, nil
}

// GetRecord loads a record with its stage results in append order.
func (s *Store) GetRecord(ctx context.Context, userID, messageID string) (*ProcessingRecord, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT user_id, message_id, thread_id, status, current_stage, attempts, last_error, received_at, created_at, updated_at
		FROM processing_records WHERE user_id = ? AND message_id = ?
	`), userID, messageID)
	if err != nil {
		return nil, s.fail("get record", err)
	}

	var results []stageResultRow
	err = s.db.SelectContext(ctx, &results, s.q(`
		SELECT seq, stage, category, payload, error, created_at
		FROM stage_results WHERE user_id = ? AND message_id = ?
		ORDER BY seq
	`), userID, messageID)
	if err != nil {
		return nil, s.fail("get stage results", err)
	}

	rec := &ProcessingRecord{
		UserID:       row.UserID,
		MessageID:    row.MessageID,
		ThreadID:     row.ThreadID,
		Status:       Status(row.Status),
		CurrentStage: row.CurrentStage,
		Attempts:     row.Attempts,
		LastError:    row.LastError,
		ReceivedAt:   fromUnix(row.ReceivedAt),
		CreatedAt:    fromUnix(row.CreatedAt),
		UpdatedAt:    fromUnix(row.UpdatedAt),
		Results:      make([]StageResult, 0, len(results)),
	}
	for _, r := range results {
		sr := StageResult{
			Seq:       r.Seq,
			Stage:     r.Stage,
			Category:  r.Category,
			Error:     r.Error,
			CreatedAt: fromUnix(r.CreatedAt),
		}
		if r.Payload != "" {
			sr.Payload = json.RawMessage(r.Payload)
		}
		rec.Results = append(rec.Results, sr)
	}
	return rec, nil
}

// AppendStageResult appends r after the record's existing results and moves
// current_stage to r.Stage. It returns the assigned sequence number.
func (s *Store) AppendStageResult(ctx context.Context, userID, messageID string, r StageResult) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, s.fail("append stage result", err)
	}
	defer tx.Rollback()

	var seq int
	if err := tx.GetContext(ctx, &seq, s.q(`
		SELECT COALESCE(MAX(seq), 0) + 1 FROM stage_results WHERE user_id = ? AND message_id = ?
	`), userID, messageID); err != nil {
		return 0, s.fail("append stage result", err)
	}

	now := s.now().Unix()
	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO stage_results (user_id, message_id, seq, stage, category, payload, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), userID, messageID, seq, r.Stage, r.Category, string(r.Payload), r.Error, now); err != nil {
		return 0, s.fail("append stage result", err)
	}

	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE processing_records SET current_stage = ?, updated_at = ? WHERE user_id = ? AND message_id = ?
	`), r.Stage, now, userID, messageID); err != nil {
		return 0, s.fail("append stage result", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, s.fail("append stage result", err)
	}
	return seq, nil
}

// FinishRecord sets the terminal status of the current attempt.
func (s *Store) FinishRecord(ctx context.Context, userID, messageID string, status Status, lastError string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE processing_records SET status = ?, last_error = ?, updated_at = ?
		WHERE user_id = ? AND message_id = ?
	`), string(status), lastError, s.now().Unix(), userID, messageID)
	if err != nil {
		return s.fail("finish record", err)
	}
	return nil
}

// AbandonRecord fails the record and uses up its attempts, so it is never
// offered again without an operator.
func (s *Store) AbandonRecord(ctx context.Context, userID, messageID, lastError string, maxAttempts int) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE processing_records
		SET status = 'failed', last_error = ?, updated_at = ?,
		    attempts = CASE WHEN attempts > ? THEN attempts ELSE ? END
		WHERE user_id = ? AND message_id = ?
	`), lastError, s.now().Unix(), maxAttempts, maxAttempts, userID, messageID)
	if err != nil {
		return s.fail("abandon record", err)
	}
	return nil
}

// SeenMessages returns which of ids must not be offered again: completed,
// skipped and in_stage records, and failed records out of attempts.
func (s *Store) SeenMessages(ctx context.Context, userID string, ids []string, maxAttempts int) (map[string]bool, error) {
	seen := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return seen, nil
	}

	query, args, err := sqlx.In(`
		SELECT message_id FROM processing_records
		WHERE user_id = ? AND message_id IN (?)
		  AND (status IN ('completed', 'skipped', 'in_stage') OR (status = 'failed' AND attempts >= ?))
	`, userID, ids, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("build seen query: %w", err)
	}

	var found []string
	if err := s.db.SelectContext(ctx, &found, s.q(query), args...); err != nil {
		return nil, s.fail("seen messages", err)
	}
	for _, id := range found {
		seen[id] = true
	}
	return seen, nil
}

// FailStaleRecords fails records left in_stage since before olderThan, with
// attempts exhausted so they are not re-run without an operator.
func (s *Store) FailStaleRecords(ctx context.Context, userID string, olderThan time.Time, maxAttempts int) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE processing_records
		SET status = 'failed', last_error = 'abandoned in stage', attempts = ?, updated_at = ?
		WHERE user_id = ? AND status = 'in_stage' AND updated_at < ?
	`), maxAttempts, s.now().Unix(), userID, olderThan.Unix())
	if err != nil {
		return 0, s.fail("fail stale records", err)
	}
	return res.RowsAffected()
}
