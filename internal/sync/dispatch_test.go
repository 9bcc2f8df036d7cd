package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Martian-dev/ai-brain-mailagent/internal/store"
)

func TestDispatchOncePublishesAndReschedulesFailures(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	for _, id := range []string{"e1", "e2", "e3"} {
		if err := st.EnqueueOutbox(ctx, "user.bob.email.received", EventEmailReceived, []byte(`{}`), id); err != nil {
			t.Fatalf("EnqueueOutbox: %v", err)
		}
	}
	// a duplicate id is dropped at enqueue
	if err := st.EnqueueOutbox(ctx, "user.bob.email.received", EventEmailReceived, []byte(`{}`), "e1"); err != nil {
		t.Fatalf("EnqueueOutbox duplicate: %v", err)
	}

	pub := &fakePublisher{fails: 1}
	d := NewDispatcher(st, pub, testLog())

	n, err := d.DispatchOnce(ctx)
	if err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}
	if n != 3 {
		t.Fatalf("dispatched %d, want 3", n)
	}
	if len(pub.published) != 2 {
		t.Fatalf("published %v, want 2 messages", pub.published)
	}

	// the failed message waits out its backoff
	n, err = d.DispatchOnce(ctx)
	if err != nil {
		t.Fatalf("second DispatchOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("second pass dispatched %d, want 0", n)
	}

	if err := st.MarkOutboxRetry(ctx, 1, -time.Minute); err != nil {
		t.Fatalf("MarkOutboxRetry: %v", err)
	}
	pending, err := st.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueOutbox: %v", err)
	}
	if len(pending) != 1 || pending[0].MsgID != "e1" || pending[0].Retries != 2 {
		t.Fatalf("pending = %+v", pending)
	}
}

type failingOutbox struct{}

func (failingOutbox) DequeueOutbox(context.Context, int) ([]store.OutboxMessage, error) {
	return nil, errors.New("database is locked")
}
func (failingOutbox) MarkPublished(context.Context, int64) error { return nil }
func (failingOutbox) MarkOutboxRetry(context.Context, int64, time.Duration) error {
	return nil
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	d := NewDispatcher(failingOutbox{}, &fakePublisher{}, testLog())
	if _, err := d.DispatchOnce(context.Background()); err == nil {
		t.Fatalf("DispatchOnce should surface dequeue errors")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
