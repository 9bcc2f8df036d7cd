package actions

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Martian-dev/ai-brain-mailagent/internal/mail"
	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
)

type fakeMailbox struct {
	mu   sync.Mutex
	sent []providers.OutgoingMessage
	err  error
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
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "sent-1", nil
}

type fakeCalendar struct {
	mu     sync.Mutex
	events map[string]providers.Event
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{events: make(map[string]providers.Event)}
}

func (f *fakeCalendar) FreeBusy(context.Context, time.Time, time.Time) ([]providers.Interval, error) {
	return nil, nil
}

func (f *fakeCalendar) CreateEvent(_ context.Context, ev providers.Event, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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
	if _, ok := f.events[id]; !ok {
		return providers.Classify("delete", http.StatusGone, false, providers.ErrNotFound)
	}
	delete(f.events, id)
	return nil
}
