package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Martian-dev/ai-brain-mailagent/internal/mail"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCredentialRoundTripAndRevocation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetCredential(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	expiry := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SaveCredential(ctx, Credential{UserID: "u1", Provider: "google", AccountEmail: "me@example.com", AccessToken: "a", RefreshToken: "r1", Expiry: expiry}); err != nil {
		t.Fatalf("SaveCredential: %v", err)
	}
	if err := s.SaveCredential(ctx, Credential{UserID: "u1", Provider: "google", AccessToken: "b", RefreshToken: "r2", Expiry: expiry.Add(time.Hour)}); err != nil {
		t.Fatalf("SaveCredential rotate: %v", err)
	}
	c, err := s.GetCredential(ctx, "u1")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if c.RefreshToken != "r2" || c.AccessToken != "b" || c.AccountEmail != "me@example.com" || !c.Expiry.Equal(expiry.Add(time.Hour)) {
		t.Fatalf("unexpected credential %+v", c)
	}

	if err := s.MarkRefreshRevoked(ctx, "u1", "r2"); err != nil {
		t.Fatalf("MarkRefreshRevoked: %v", err)
	}
	c, _ = s.GetCredential(ctx, "u1")
	if !c.Revoked() {
		t.Fatalf("credential should be revoked")
	}

	if err := s.SaveCredential(ctx, Credential{UserID: "u1", Provider: "google", RefreshToken: "r3"}); err != nil {
		t.Fatalf("SaveCredential reauth: %v", err)
	}
	c, _ = s.GetCredential(ctx, "u1")
	if c.Revoked() {
		t.Fatalf("new refresh token should clear revocation")
	}
}

func TestPreferencesDefaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.GetPreferences(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	if p.BufferMinutes != 15 || p.Tone != "professional" || p.Style != "concise" || p.PreferredDays == nil {
		t.Fatalf("unexpected defaults %+v", p)
	}

	want := Preferences{PreferredDays: []string{"Tuesday", "Thursday"}, PreferredTimes: "10:00-12:00", BufferMinutes: 30, Tone: "casual", Timezone: "America/Los_Angeles"}
	if err := s.SavePreferences(ctx, "u1", want); err != nil {
		t.Fatalf("SavePreferences: %v", err)
	}
	got, _ := s.GetPreferences(ctx, "u1")
	if len(got.PreferredDays) != 2 || got.BufferMinutes != 30 || got.Tone != "casual" || got.Style != "concise" {
		t.Fatalf("unexpected preferences %+v", got)
	}
}

func TestBeginCycleIsExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ok, err := s.BeginCycle(ctx, "u1", "c1", 10*time.Minute)
	if err != nil || !ok {
		t.Fatalf("first BeginCycle ok=%v err=%v", ok, err)
	}
	ok, err = s.BeginCycle(ctx, "u1", "c2", 10*time.Minute)
	if err != nil || ok {
		t.Fatalf("second BeginCycle should be refused, ok=%v err=%v", ok, err)
	}
	if ok, err := s.BeginCycle(ctx, "u1", "c1", 10*time.Minute); err != nil || !ok {
		t.Fatalf("repeated BeginCycle by the holder ok=%v err=%v", ok, err)
	}
	if ok, _ := s.BeginCycle(ctx, "u2", "c3", 10*time.Minute); !ok {
		t.Fatalf("other users are independent")
	}

	processed := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	if err := s.EndCycle(ctx, "u1", "c1", processed, ""); err != nil {
		t.Fatalf("EndCycle: %v", err)
	}
	st, err := s.GetSyncState(ctx, "u1")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if st.InProgress || !st.LastProcessedAt.Equal(processed) || st.LastSuccessfulSync.IsZero() || st.LastError != "" {
		t.Fatalf("unexpected state %+v", st)
	}

	// An earlier processed time never moves the watermark back.
	s.BeginCycle(ctx, "u1", "c4", time.Minute)
	s.EndCycle(ctx, "u1", "c4", processed.Add(-time.Hour), "boom")
	st, _ = s.GetSyncState(ctx, "u1")
	if !st.LastProcessedAt.Equal(processed) || st.LastError != "boom" {
		t.Fatalf("unexpected state after failed cycle %+v", st)
	}
}

func TestBeginCycleTakesOverStaleLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now()
	s.now = func() time.Time { return base }

	if ok, _ := s.BeginCycle(ctx, "u1", "crashed", 10*time.Minute); !ok {
		t.Fatalf("initial lock")
	}
	s.now = func() time.Time { return base.Add(11 * time.Minute) }
	ok, err := s.BeginCycle(ctx, "u1", "fresh", 10*time.Minute)
	if err != nil || !ok {
		t.Fatalf("stale lock should be taken over, ok=%v err=%v", ok, err)
	}
	// The crashed cycle can no longer release the new holder's lock.
	s.EndCycle(ctx, "u1", "crashed", time.Time{}, "")
	st, _ := s.GetSyncState(ctx, "u1")
	if !st.InProgress || st.CycleID != "fresh" {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestClaimRecordLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.EnsureRecord(ctx, "u1", "m1", "t1", time.Now()); err != nil {
			t.Fatalf("EnsureRecord: %v", err)
		}
	}
	if ok, _ := s.ClaimRecord(ctx, "u1", "m1", 3); !ok {
		t.Fatalf("pending record should be claimable")
	}
	if ok, _ := s.ClaimRecord(ctx, "u1", "m1", 3); ok {
		t.Fatalf("in_stage record must not be claimed twice")
	}

	payload, _ := json.Marshal(map[string]string{"category": "schedule"})
	if seq, err := s.AppendStageResult(ctx, "u1", "m1", StageResult{Stage: "analyze", Category: "schedule", Payload: payload}); err != nil || seq != 1 {
		t.Fatalf("append: seq=%d err=%v", seq, err)
	}
	if seq, _ := s.AppendStageResult(ctx, "u1", "m1", StageResult{Stage: "calendar_action", Error: "denied"}); seq != 2 {
		t.Fatalf("second seq = %d", seq)
	}
	if err := s.FinishRecord(ctx, "u1", "m1", StatusFailed, "denied"); err != nil {
		t.Fatalf("FinishRecord: %v", err)
	}

	seen, _ := s.SeenMessages(ctx, "u1", []string{"m1", "m2"}, 3)
	if seen["m1"] {
		t.Fatalf("failed record with attempts left should be re-offered")
	}
	if ok, _ := s.ClaimRecord(ctx, "u1", "m1", 3); !ok {
		t.Fatalf("retryable failed record should be claimable")
	}
	s.FinishRecord(ctx, "u1", "m1", StatusCompleted, "")

	rec, err := s.GetRecord(ctx, "u1", "m1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Status != StatusCompleted || rec.Attempts != 2 || len(rec.Results) != 2 || rec.CurrentStage != "calendar_action" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Results[0].Stage != "analyze" || !rec.Results[0].Succeeded() || rec.Results[1].Succeeded() {
		t.Fatalf("unexpected results %+v", rec.Results)
	}
	if ok, _ := s.ClaimRecord(ctx, "u1", "m1", 3); ok {
		t.Fatalf("completed record must never be claimed")
	}
	seen, _ = s.SeenMessages(ctx, "u1", []string{"m1"}, 3)
	if !seen["m1"] {
		t.Fatalf("completed record should be seen")
	}
}

func TestFailStaleRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now()
	s.now = func() time.Time { return base.Add(-time.Hour) }

	s.EnsureRecord(ctx, "u1", "m1", "t1", time.Time{})
	s.ClaimRecord(ctx, "u1", "m1", 3)

	s.now = func() time.Time { return base }
	n, err := s.FailStaleRecords(ctx, "u1", base.Add(-10*time.Minute), 3)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	seen, _ := s.SeenMessages(ctx, "u1", []string{"m1"}, 3)
	if !seen["m1"] {
		t.Fatalf("abandoned record must not be re-run")
	}
}

func TestThreadEventsAndOutbox(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.RecordCalendarEvent(ctx, CalendarEventRef{UserID: "u1", EventID: "e1", ThreadID: "t1", MessageID: "m1"})
	s.RecordCalendarEvent(ctx, CalendarEventRef{UserID: "u1", EventID: "e1", ThreadID: "t1", MessageID: "m2", Status: EventCancelled})
	s.RecordCalendarEvent(ctx, CalendarEventRef{UserID: "u2", EventID: "e9", ThreadID: "t1"})

	events, err := s.ThreadEvents(ctx, "u1", "t1")
	if err != nil || len(events) != 1 || events[0].Status != EventCancelled {
		t.Fatalf("events=%+v err=%v", events, err)
	}

	for i := 0; i < 2; i++ {
		if err := s.EnqueueOutbox(ctx, "user.u1.email.received", "email.received", []byte(`{}`), "msg-1"); err != nil {
			t.Fatalf("EnqueueOutbox: %v", err)
		}
	}
	msgs, err := s.DequeueOutbox(ctx, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("msgs=%+v err=%v", msgs, err)
	}
	s.MarkOutboxRetry(ctx, msgs[0].ID, time.Hour)
	if msgs, _ := s.DequeueOutbox(ctx, 10); len(msgs) != 0 {
		t.Fatalf("retry should delay the message")
	}
	s.MarkPublished(ctx, msgs[0].ID)
}

func TestUpsertEmailKeepsOneRowPerMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetEmail(ctx, "u1", "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	received := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	msg := mail.NormalizedMessage{
		UserID:     "u1",
		ThreadID:   "t1",
		MessageID:  "m1",
		From:       "alice@example.com",
		To:         "me@example.com",
		ReceivedAt: received,
		Subject:    "Lunch?",
		Body:       "Are you free Tuesday?",
		Snippet:    "Are you free",
		Labels:     []string{"INBOX", "UNREAD"},
		RawHeaders: map[string]string{"subject": "Lunch?"},
	}
	if err := s.UpsertEmail(ctx, msg); err != nil {
		t.Fatalf("UpsertEmail: %v", err)
	}

	msg.IsRead = true
	msg.Labels = []string{"INBOX"}
	if err := s.UpsertEmail(ctx, msg); err != nil {
		t.Fatalf("UpsertEmail again: %v", err)
	}
	if err := s.UpsertEmail(ctx, mail.NormalizedMessage{UserID: "u2", MessageID: "m1"}); err != nil {
		t.Fatalf("UpsertEmail other user: %v", err)
	}

	got, err := s.GetEmail(ctx, "u1", "m1")
	if err != nil {
		t.Fatalf("GetEmail: %v", err)
	}
	if got.From != "alice@example.com" || got.Subject != "Lunch?" || got.ThreadID != "t1" || !got.ReceivedAt.Equal(received) {
		t.Fatalf("unexpected email %+v", got)
	}
	if !got.IsRead || len(got.Labels) != 1 || got.Labels[0] != "INBOX" {
		t.Fatalf("read state not refreshed: %+v", got)
	}
	if got.Header("Subject") != "Lunch?" {
		t.Fatalf("headers = %v", got.RawHeaders)
	}

	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM emails WHERE message_id = 'm1'`); err != nil || n != 2 {
		t.Fatalf("rows = %d err = %v, want one per user", n, err)
	}
}
