package pipeline

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/ai-brain-mailagent/internal/actions"
	"github.com/Martian-dev/ai-brain-mailagent/internal/mail"
	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
	"github.com/Martian-dev/ai-brain-mailagent/internal/retry"
	"github.com/Martian-dev/ai-brain-mailagent/internal/store"
)

type fakeMailbox struct {
	mu    sync.Mutex
	sent  []providers.OutgoingMessage
	fails []error
}

func (f *fakeMailbox) ListMessageIDs(context.Context, providers.Query) ([]string, error) {
	return nil, nil
}

func (f *fakeMailbox) GetMessage(context.Context, string) (mail.RawMessage, error) {
	return mail.RawMessage{}, nil
}

func (f *fakeMailbox) SendMessage(_ context.Context, msg providers.OutgoingMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fails) > 0 {
		err := f.fails[0]
		f.fails = f.fails[1:]
		return "", err
	}
	f.sent = append(f.sent, msg)
	return "sent-" + msg.ThreadID, nil
}

func (f *fakeMailbox) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeCalendar struct {
	mu      sync.Mutex
	events  map[string]providers.Event
	busy    []providers.Interval
	creates int
	deletes int
	queries int
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{events: make(map[string]providers.Event)}
}

func (f *fakeCalendar) FreeBusy(context.Context, time.Time, time.Time) ([]providers.Interval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return f.busy, nil
}

func (f *fakeCalendar) CreateEvent(_ context.Context, ev providers.Event, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	ev.ID = key
	f.events[key] = ev
	return key, nil
}

func (f *fakeCalendar) UpdateEvent(_ context.Context, ev providers.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[ev.ID]; !ok {
		return providers.Classify("update", http.StatusNotFound, false, providers.ErrNotFound)
	}
	f.events[ev.ID] = ev
	return nil
}

func (f *fakeCalendar) DeleteEvent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if _, ok := f.events[id]; !ok {
		return providers.Classify("delete", http.StatusGone, false, providers.ErrNotFound)
	}
	delete(f.events, id)
	return nil
}

// fixedClassifier returns a canned analysis.
type fixedClassifier struct {
	analysis Analysis
}

func (c fixedClassifier) Classify(context.Context, mail.NormalizedMessage, store.Preferences) (Analysis, error) {
	return c.analysis, nil
}

type harness struct {
	store    *store.Store
	mailbox  *fakeMailbox
	calendar *fakeCalendar
	orch     *Orchestrator
}

const testSignature = "Fraya - AI Executive Assistant"

func newHarness(t *testing.T, classifier Classifier) *harness {
	t.Helper()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	log := logrus.NewEntry(logger)

	h := &harness{store: st, mailbox: &fakeMailbox{}, calendar: newFakeCalendar()}
	calStage := NewCalendarStage(actions.NewCalendarMutator(h.calendar, log), st, CalendarOptions{})
	calStage.now = func() time.Time { return time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC) }

	stages := []Stage{
		NewAnalyzeStage(classifier),
		NewThreadContextStage(st),
		calStage,
		NewReplyStage(actions.NewReplySender(h.mailbox, testSignature)),
	}
	h.orch, err = New(st, st, stages, Options{
		Policy:      retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, CallTimeout: time.Second},
		MaxAttempts: 3,
	}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func stageNames(rec *store.ProcessingRecord) []string {
	var names []string
	for _, r := range rec.Results {
		names = append(names, r.Stage)
	}
	return names
}
