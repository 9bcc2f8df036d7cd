package store

import (
	"context"
	"time"
)

// SyncState is the per-user poll bookkeeping and cycle lock.
type SyncState struct {
	UserID             string    `json:"user_id"`
	InProgress         bool      `json:"in_progress"`
	CycleID            string    `json:"cycle_id,omitempty"`
	CycleStartedAt     time.Time `json:"cycle_started_at"`
	LastProcessedAt    time.Time `json:"last_processed_at"`
	LastSuccessfulSync time.Time `json:"last_successful_sync"`
	LastError          string    `json:"last_error"`
}

type syncStateRow struct {
	UserID             string `db:"user_id"`
	InProgress         int    `db:"in_progress"`
	CycleID            string `db:"cycle_id"`
	CycleStartedAt     int64  `db:"cycle_started_at"`
	LastProcessedAt    int64  `db:"last_processed_at"`
	LastSuccessfulSync int64  `db:"last_successful_sync"`
	LastError          string `db:"last_error"`
}

// BeginCycle sets the in_progress flag for userID under cycleID. It reports
// false when another cycle holds the flag, unless that cycle started more than
// lockTTL ago and is taken over. Repeating the call with the same cycleID
// succeeds, so it is safe to retry.
func (s *Store) BeginCycle(ctx context.Context, userID, cycleID string, lockTTL time.Duration) (bool, error) {
	now := s.now()
	var staleBefore int64
	if lockTTL > 0 {
		staleBefore = now.Add(-lockTTL).Unix()
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sync_state (user_id, in_progress, cycle_id, cycle_started_at, updated_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			in_progress = 1,
			cycle_id = excluded.cycle_id,
			cycle_started_at = excluded.cycle_started_at,
			updated_at = excluded.updated_at
		WHERE sync_state.in_progress = 0 OR sync_state.cycle_id = excluded.cycle_id OR sync_state.cycle_started_at < ?
	`), userID, cycleID, now.Unix(), now.Unix(), staleBefore)
	if err != nil {
		return false, s.fail("begin cycle", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.fail("begin cycle", err)
	}
	return n == 1, nil
}

// EndCycle clears the flag held by cycleID, advances last_processed_at to
// processedUpTo when later, and records cycleErr ("" for a clean cycle).
func (s *Store) EndCycle(ctx context.Context, userID, cycleID string, processedUpTo time.Time, cycleErr string) error {
	now := s.now().Unix()
	var successAt int64
	if cycleErr == "" {
		successAt = now
	}
	processed := unix(processedUpTo)

	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE sync_state SET
			in_progress = 0,
			cycle_id = '',
			last_processed_at = CASE WHEN ? > last_processed_at THEN ? ELSE last_processed_at END,
			last_successful_sync = CASE WHEN ? > 0 THEN ? ELSE last_successful_sync END,
			last_error = ?,
			updated_at = ?
		WHERE user_id = ? AND cycle_id = ?
	`), processed, processed, successAt, successAt, cycleErr, now, userID, cycleID)
	if err != nil {
		return s.fail("end cycle", err)
	}
	return nil
}

// GetSyncState returns the user's sync state, or ErrNotFound before the first cycle.
func (s *Store) GetSyncState(ctx context.Context, userID string) (*SyncState, error) {
	var row syncStateRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT user_id, in_progress, cycle_id, cycle_started_at, last_processed_at, last_successful_sync, last_error
		FROM sync_state WHERE user_id = ?
	`), userID)
	if err != nil {
		return nil, s.fail("get sync state", err)
	}
	return &SyncState{
		UserID:             row.UserID,
		InProgress:         row.InProgress != 0,
		CycleID:            row.CycleID,
		CycleStartedAt:     fromUnix(row.CycleStartedAt),
		LastProcessedAt:    fromUnix(row.LastProcessedAt),
		LastSuccessfulSync: fromUnix(row.LastSuccessfulSync),
		LastError:          row.LastError,
	}, nil
}
