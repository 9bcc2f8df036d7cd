package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Martian-dev/ai-brain-mailagent/internal/auth"
	"github.com/Martian-dev/ai-brain-mailagent/internal/pipeline"
	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
	"github.com/Martian-dev/ai-brain-mailagent/internal/store"
)

var base = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

func TestRunCycleExpiredCredentialIsolatesUser(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	alice, bob := newFakeMailbox(), newFakeMailbox()
	alice.add(newsletter("a1", base))
	bob.add(newsletter("b1", base))
	bob.add(newsletter("b2", base.Add(time.Hour)))

	creds := fakeCreds{errs: map[string]error{"alice": invalidCredential("alice")}}
	p := NewPoller(creds, mailboxes(map[string]*fakeMailbox{"alice": alice, "bob": bob}), st, newOrchestrator(t, st), st,
		Options{Policy: fastPolicy}, testLog())

	_, err := p.RunCycle(ctx, "alice")
	if kind, ok := auth.KindOf(err); !ok || kind != auth.Invalid {
		t.Fatalf("RunCycle(alice) error = %v, want invalid credential", err)
	}
	if alice.getCount() != 0 {
		t.Fatalf("alice mailbox fetched %d messages, want 0", alice.getCount())
	}

	state, err := st.GetSyncState(ctx, "alice")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if state.InProgress {
		t.Fatalf("alice lock not released")
	}
	if state.LastError == "" {
		t.Fatalf("alice last_error not recorded")
	}
	if !state.LastSuccessfulSync.IsZero() {
		t.Fatalf("failed cycle recorded as successful")
	}

	report, err := p.RunCycle(ctx, "bob")
	if err != nil {
		t.Fatalf("RunCycle(bob): %v", err)
	}
	if report.Fetched != 2 || report.Processed != 2 {
		t.Fatalf("bob report = %+v, want 2 fetched and processed", report)
	}
	if !report.UpTo.Equal(base.Add(time.Hour)) {
		t.Fatalf("UpTo = %v", report.UpTo)
	}

	state, err = st.GetSyncState(ctx, "bob")
	if err != nil {
		t.Fatalf("GetSyncState(bob): %v", err)
	}
	if state.InProgress || state.LastError != "" || state.LastSuccessfulSync.IsZero() {
		t.Fatalf("bob state = %+v", state)
	}
	if !state.LastProcessedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("bob last_processed_at = %v", state.LastProcessedAt)
	}
}

func TestRunCycleProcessesEachMessageOnce(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	box := newFakeMailbox()
	box.add(newsletter("m1", base))
	box.add(newsletter("m2", base.Add(time.Minute)))

	p := NewPoller(fakeCreds{}, mailboxes(map[string]*fakeMailbox{"bob": box}), st, newOrchestrator(t, st), st,
		Options{Policy: fastPolicy}, testLog())

	if _, err := p.RunCycle(ctx, "bob"); err != nil {
		t.Fatalf("first RunCycle: %v", err)
	}
	rec, err := st.GetRecord(ctx, "bob", "m1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Status != store.StatusSkipped {
		t.Fatalf("m1 status = %s, want skipped", rec.Status)
	}
	if got := pipeline.CategoryOf(rec.Results); got != pipeline.CategoryIgnore {
		t.Fatalf("m1 category = %s", got)
	}

	email, err := st.GetEmail(ctx, "bob", "m1")
	if err != nil {
		t.Fatalf("GetEmail: %v", err)
	}
	if email.Subject != "Weekly deals m1" || email.ThreadID != "thread-m1" || !email.HasLabel("UNREAD") {
		t.Fatalf("stored email = %+v", email)
	}

	gets := box.getCount()
	report, err := p.RunCycle(ctx, "bob")
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if report.Fetched != 0 || report.Processed != 0 {
		t.Fatalf("replay report = %+v, want nothing new", report)
	}
	if box.getCount() != gets {
		t.Fatalf("seen messages were fetched again")
	}

	rec, err = st.GetRecord(ctx, "bob", "m1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Attempts != 1 || len(rec.Results) != 1 {
		t.Fatalf("m1 attempts = %d results = %d, want 1 and 1", rec.Attempts, len(rec.Results))
	}

	events, err := st.DequeueOutbox(ctx, 100)
	if err != nil {
		t.Fatalf("DequeueOutbox: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("outbox has %d events, want 4", len(events))
	}
	for _, ev := range events {
		if ev.EventType != EventEmailReceived && ev.EventType != EventEmailProcessed {
			t.Fatalf("unexpected event type %q", ev.EventType)
		}
		if ev.Subject != "user.bob."+ev.EventType {
			t.Fatalf("subject = %q", ev.Subject)
		}
	}
}

func TestRunCycleFinishesInFlightMessageOnCancel(t *testing.T) {
	st := openStore(t)

	box := newFakeMailbox()
	box.add(newsletter("older", base))
	box.add(newsletter("newer", base.Add(time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc := &cancelingProcessor{next: newOrchestrator(t, st), cancel: cancel}
	p := NewPoller(fakeCreds{}, mailboxes(map[string]*fakeMailbox{"bob": box}), st, proc, nil,
		Options{Policy: fastPolicy}, testLog())

	report, err := p.RunCycle(ctx, "bob")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Fetched != 2 || report.Processed != 1 || !report.Interrupted {
		t.Fatalf("report = %+v, want 2 fetched, 1 processed, interrupted", report)
	}

	bg := context.Background()
	rec, err := st.GetRecord(bg, "bob", "newer")
	if err != nil {
		t.Fatalf("GetRecord(newer): %v", err)
	}
	if rec.Status != store.StatusSkipped {
		t.Fatalf("newer status = %s, want skipped", rec.Status)
	}
	if _, err := st.GetRecord(bg, "bob", "older"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetRecord(older) error = %v, want ErrNotFound", err)
	}
	if _, err := st.GetEmail(bg, "bob", "older"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetEmail(older) error = %v, want ErrNotFound", err)
	}

	state, err := st.GetSyncState(bg, "bob")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if state.InProgress {
		t.Fatalf("interrupted cycle left the lock held")
	}
}

func TestRunCycleRetriesTransientStoreErrors(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	box := newFakeMailbox()
	box.add(newsletter("m1", base))

	state := &flakyState{Store: st, beginFails: 1, seenFails: 1, upsertFails: 1}
	p := NewPoller(fakeCreds{}, mailboxes(map[string]*fakeMailbox{"bob": box}), state, newOrchestrator(t, st), nil,
		Options{Policy: fastPolicy}, testLog())

	report, err := p.RunCycle(ctx, "bob")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Processed != 1 {
		t.Fatalf("report = %+v, want 1 processed", report)
	}
	if state.beginFails != 0 || state.seenFails != 0 || state.upsertFails != 0 {
		t.Fatalf("failures not consumed: %+v", state)
	}
	if _, err := st.GetEmail(ctx, "bob", "m1"); err != nil {
		t.Fatalf("GetEmail: %v", err)
	}
}

func TestRunCycleRefusesConcurrentCycle(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	if ok, err := st.BeginCycle(ctx, "bob", "other-cycle", time.Hour); err != nil || !ok {
		t.Fatalf("BeginCycle = %v, %v", ok, err)
	}

	box := newFakeMailbox()
	box.add(newsletter("m1", base))
	p := NewPoller(fakeCreds{}, mailboxes(map[string]*fakeMailbox{"bob": box}), st, newOrchestrator(t, st), nil,
		Options{Policy: fastPolicy, LockTTL: time.Hour}, testLog())

	if _, err := p.RunCycle(ctx, "bob"); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("RunCycle error = %v, want ErrCycleInProgress", err)
	}
	if box.getCount() != 0 {
		t.Fatalf("mailbox touched while another cycle held the lock")
	}

	state, err := st.GetSyncState(ctx, "bob")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if !state.InProgress || state.CycleID != "other-cycle" {
		t.Fatalf("other cycle's lock was disturbed: %+v", state)
	}
}

func TestPollOnceSortsNewestFirstAndRetriesListing(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	box := newFakeMailbox()
	box.add(newsletter("old", base))
	box.add(newsletter("new", base.Add(2*time.Hour)))
	box.add(newsletter("mid", base.Add(time.Hour)))
	box.listErrs = []error{providers.Classify("list", 503, false, errors.New("backend error"))}

	p := NewPoller(fakeCreds{}, mailboxes(map[string]*fakeMailbox{"bob": box}), st, nil, nil,
		Options{Policy: fastPolicy}, testLog())

	msgs, err := p.PollOnce(ctx, "bob")
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.MessageID)
	}
	want := []string{"new", "mid", "old"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
	if msgs[0].UserID != "bob" || msgs[0].Subject != "Weekly deals new" {
		t.Fatalf("message not normalized: %+v", msgs[0])
	}

	state, err := st.GetSyncState(ctx, "bob")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if state.InProgress {
		t.Fatalf("PollOnce left the lock held")
	}
}

func TestPollOnceSkipsMessagesThatVanish(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	box := newFakeMailbox()
	box.add(newsletter("kept", base))
	box.order = append(box.order, "deleted")

	p := NewPoller(fakeCreds{}, mailboxes(map[string]*fakeMailbox{"bob": box}), st, nil, nil,
		Options{Policy: fastPolicy}, testLog())

	msgs, err := p.PollOnce(ctx, "bob")
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != "kept" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestRecoverStaleFailsAbandonedRecords(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	if err := st.EnsureRecord(ctx, "bob", "m1", "t1", base); err != nil {
		t.Fatalf("EnsureRecord: %v", err)
	}
	if ok, err := st.ClaimRecord(ctx, "bob", "m1", 3); err != nil || !ok {
		t.Fatalf("ClaimRecord = %v, %v", ok, err)
	}

	p := NewPoller(fakeCreds{}, nil, st, nil, nil, Options{MaxAttempts: 3}, testLog())
	n, err := p.RecoverStale(ctx, "bob", -time.Minute)
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d records, want 1", n)
	}

	seen, err := st.SeenMessages(ctx, "bob", []string{"m1"}, 3)
	if err != nil {
		t.Fatalf("SeenMessages: %v", err)
	}
	if !seen["m1"] {
		t.Fatalf("abandoned record would be offered again")
	}
}
