package sync

import (
	"context"
	"time"

	"github.com/Martian-dev/ai-brain-mailagent/internal/mail"
	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
	"github.com/Martian-dev/ai-brain-mailagent/internal/store"
)

// MailboxFactory opens the user's mailbox. The credential has just been
// validated; the returned provider must keep consulting the broker for tokens.
type MailboxFactory func(ctx context.Context, userID string, cred *store.Credential) (providers.MailProvider, error)

// Credentials yields a usable credential or an *auth.CredentialError.
type Credentials interface {
	ObtainValidCredential(ctx context.Context, userID string) (*store.Credential, error)
}

// Processor runs one message through the pipeline.
type Processor interface {
	Process(ctx context.Context, msg mail.NormalizedMessage) (*store.ProcessingRecord, error)
}

// StateStore is the poller's view of the sync state store.
type StateStore interface {
	BeginCycle(ctx context.Context, userID, cycleID string, lockTTL time.Duration) (bool, error)
	EndCycle(ctx context.Context, userID, cycleID string, processedUpTo time.Time, cycleErr string) error
	SeenMessages(ctx context.Context, userID string, ids []string, maxAttempts int) (map[string]bool, error)
	FailStaleRecords(ctx context.Context, userID string, olderThan time.Time, maxAttempts int) (int64, error)
	UpsertEmail(ctx context.Context, msg mail.NormalizedMessage) error
}

// Outbox queues events for the dispatcher.
type Outbox interface {
	EnqueueOutbox(ctx context.Context, subject, eventType string, payload []byte, msgID string) error
}
