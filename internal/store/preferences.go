package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// Preferences is the per-user snapshot the pipeline reads; it never writes it.
type Preferences struct {
	PreferredDays  []string `json:"preferred_days"`
	PreferredTimes string   `json:"preferred_times"`
	BufferMinutes  int      `json:"buffer_minutes"`
	Tone           string   `json:"tone"`
	Style          string   `json:"style"`
	Timezone       string   `json:"timezone"`
	DisplayName    string   `json:"display_name,omitempty"`
}

// DefaultPreferences is what a user without a stored snapshot gets.
func DefaultPreferences() Preferences {
	return Preferences{
		PreferredDays:  []string{},
		PreferredTimes: "",
		BufferMinutes:  15,
		Tone:           "professional",
		Style:          "concise",
		Timezone:       "UTC",
	}
}

type preferencesRow struct {
	PreferredDays  string `db:"preferred_days"`
	PreferredTimes string `db:"preferred_times"`
	BufferMinutes  int    `db:"buffer_minutes"`
	Tone           string `db:"tone"`
	Style          string `db:"style"`
	Timezone       string `db:"timezone"`
	DisplayName    string `db:"display_name"`
}

// GetPreferences returns the user's snapshot, falling back to defaults for
// a missing row or empty fields.
func (s *Store) GetPreferences(ctx context.Context, userID string) (Preferences, error) {
	var row preferencesRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT preferred_days, preferred_times, buffer_minutes, tone, style, timezone, display_name
		FROM preferences WHERE user_id = ?
	`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultPreferences(), nil
	}
	if err != nil {
		return Preferences{}, s.fail("get preferences", err)
	}

	p := DefaultPreferences()
	if row.PreferredDays != "" {
		var days []string
		if err := json.Unmarshal([]byte(row.PreferredDays), &days); err == nil && days != nil {
			p.PreferredDays = days
		}
	}
	p.PreferredTimes = row.PreferredTimes
	if row.BufferMinutes >= 0 {
		p.BufferMinutes = row.BufferMinutes
	}
	if row.Tone != "" {
		p.Tone = row.Tone
	}
	if row.Style != "" {
		p.Style = row.Style
	}
	if row.Timezone != "" {
		p.Timezone = row.Timezone
	}
	p.DisplayName = row.DisplayName
	return p, nil
}

// SavePreferences replaces the user's snapshot.
func (s *Store) SavePreferences(ctx context.Context, userID string, p Preferences) error {
	days, err := json.Marshal(p.PreferredDays)
	if err != nil {
		return err
	}
	if p.PreferredDays == nil {
		days = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO preferences (user_id, preferred_days, preferred_times, buffer_minutes, tone, style, timezone, display_name, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			preferred_days = excluded.preferred_days,
			preferred_times = excluded.preferred_times,
			buffer_minutes = excluded.buffer_minutes,
			tone = excluded.tone,
			style = excluded.style,
			timezone = excluded.timezone,
			display_name = excluded.display_name,
			updated_at = excluded.updated_at
	`), userID, string(days), p.PreferredTimes, p.BufferMinutes, p.Tone, p.Style, p.Timezone, p.DisplayName, s.now().Unix())
	if err != nil {
		return s.fail("save preferences", err)
	}
	return nil
}
