package sync

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/ai-brain-mailagent/internal/auth"
	"github.com/Martian-dev/ai-brain-mailagent/internal/mail"
	"github.com/Martian-dev/ai-brain-mailagent/internal/pipeline"
	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
	"github.com/Martian-dev/ai-brain-mailagent/internal/retry"
	"github.com/Martian-dev/ai-brain-mailagent/internal/store"
)

var fastPolicy = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, CallTimeout: time.Second}

func testLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// fakeCreds fails users listed in errs and hands everyone else a token.
type fakeCreds struct {
	errs map[string]error
}

func (f fakeCreds) ObtainValidCredential(_ context.Context, userID string) (*store.Credential, error) {
	if err, ok := f.errs[userID]; ok {
		return nil, err
	}
	return &store.Credential{UserID: userID, AccessToken: "token-" + userID}, nil
}

func invalidCredential(userID string) error {
	return &auth.CredentialError{Kind: auth.Invalid, UserID: userID, Err: errors.New("invalid_grant")}
}

type fakeMailbox struct {
	mu       gosync.Mutex
	messages map[string]mail.RawMessage
	order    []string
	gets     int
	listErrs []error
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{messages: make(map[string]mail.RawMessage)}
}

func (f *fakeMailbox) add(raw mail.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[raw.ProviderID] = raw
	f.order = append(f.order, raw.ProviderID)
}

func (f *fakeMailbox) ListMessageIDs(_ context.Context, q providers.Query) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		return nil, err
	}
	ids := append([]string(nil), f.order...)
	if q.Max > 0 && len(ids) > q.Max {
		ids = ids[:q.Max]
	}
	return ids, nil
}

func (f *fakeMailbox) GetMessage(_ context.Context, id string) (mail.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	raw, ok := f.messages[id]
	if !ok {
		return mail.RawMessage{}, providers.Classify("get", 404, false, providers.ErrNotFound)
	}
	return raw, nil
}

func (f *fakeMailbox) SendMessage(context.Context, providers.OutgoingMessage) (string, error) {
	return "", errors.New("not supported")
}

func (f *fakeMailbox) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func mailboxes(boxes map[string]*fakeMailbox) MailboxFactory {
	return func(_ context.Context, userID string, _ *store.Credential) (providers.MailProvider, error) {
		box, ok := boxes[userID]
		if !ok {
			return nil, errors.New("no mailbox for " + userID)
		}
		return box, nil
	}
}

// newsletter builds a bulk message the rule classifier ignores.
func newsletter(id string, at time.Time) mail.RawMessage {
	return mail.RawMessage{
		ProviderID: id,
		ThreadID:   "thread-" + id,
		Headers: []mail.Header{
			{Name: "From", Value: "News <news@shop.example.com>"},
			{Name: "To", Value: "me@example.org"},
			{Name: "Subject", Value: "Weekly deals " + id},
			{Name: "Date", Value: at.Format(time.RFC1123Z)},
			{Name: "List-Unsubscribe", Value: "<mailto:unsubscribe@shop.example.com>"},
		},
		Payload: mail.Part{
			MimeType: "text/plain",
			Data:     base64.URLEncoding.EncodeToString([]byte("This week only: 20% off everything.")),
		},
		Labels:       []string{"INBOX", "UNREAD"},
		InternalDate: at,
	}
}

func newOrchestrator(t *testing.T, st *store.Store) *pipeline.Orchestrator {
	t.Helper()
	orch, err := pipeline.New(st, st, []pipeline.Stage{pipeline.NewAnalyzeStage(pipeline.RuleClassifier{})},
		pipeline.Options{Policy: fastPolicy, MaxAttempts: 3}, testLog())
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return orch
}

type fakePublisher struct {
	mu        gosync.Mutex
	published []string
	fails     int
}

func (f *fakePublisher) Publish(_ context.Context, subject string, _ []byte, msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("nats: no responders available for request")
	}
	f.published = append(f.published, subject+" "+msgID)
	return nil
}

// cancelingProcessor cancels the cycle from inside Process, as a shutdown
// arriving mid-message would.
type cancelingProcessor struct {
	next   Processor
	cancel context.CancelFunc
}

func (c *cancelingProcessor) Process(ctx context.Context, msg mail.NormalizedMessage) (*store.ProcessingRecord, error) {
	c.cancel()
	return c.next.Process(ctx, msg)
}

// flakyState fails the first beginFails, seenFails and upsertFails calls
// with a persistence error before delegating to the real store.
type flakyState struct {
	*store.Store
	beginFails  int
	seenFails   int
	upsertFails int
}

func locked(op string) error {
	return &store.PersistenceError{Op: op, Err: errors.New("database is locked")}
}

func (f *flakyState) BeginCycle(ctx context.Context, userID, cycleID string, lockTTL time.Duration) (bool, error) {
	if f.beginFails > 0 {
		f.beginFails--
		return false, locked("begin cycle")
	}
	return f.Store.BeginCycle(ctx, userID, cycleID, lockTTL)
}

func (f *flakyState) SeenMessages(ctx context.Context, userID string, ids []string, maxAttempts int) (map[string]bool, error) {
	if f.seenFails > 0 {
		f.seenFails--
		return nil, locked("seen messages")
	}
	return f.Store.SeenMessages(ctx, userID, ids, maxAttempts)
}

func (f *flakyState) UpsertEmail(ctx context.Context, msg mail.NormalizedMessage) error {
	if f.upsertFails > 0 {
		f.upsertFails--
		return locked("upsert email")
	}
	return f.Store.UpsertEmail(ctx, msg)
}
