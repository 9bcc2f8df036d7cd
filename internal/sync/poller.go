// Package sync polls each user's mailbox on a schedule and hands every new
// message to the pipeline exactly once.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/ai-brain-mailagent/internal/auth"
	"github.com/Martian-dev/ai-brain-mailagent/internal/mail"
	"github.com/Martian-dev/ai-brain-mailagent/internal/pipeline"
	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
	"github.com/Martian-dev/ai-brain-mailagent/internal/retry"
	"github.com/Martian-dev/ai-brain-mailagent/internal/store"
)

// ErrCycleInProgress is returned when another cycle holds the user's lock.
var ErrCycleInProgress = errors.New("poll cycle already in progress")

const (
	EventEmailReceived  = "email.received"
	EventEmailProcessed = "email.processed"
)

// Options tunes a Poller.
type Options struct {
	Filter      providers.Filter
	MaxMessages int
	LockTTL     time.Duration
	MaxAttempts int
	Policy      retry.Policy
}

// CycleReport summarizes one RunCycle.
type CycleReport struct {
	UserID      string
	CycleID     string
	Fetched     int
	Processed   int
	Failed      int
	Skipped     int
	Interrupted bool
	UpTo        time.Time
}

// Poller fetches new messages for a user and drives them through the pipeline.
type Poller struct {
	creds     Credentials
	mailboxes MailboxFactory
	state     StateStore
	processor Processor
	outbox    Outbox
	opts      Options
	log       *logrus.Entry
}

// NewPoller wires a poller. outbox may be nil when no event fan-out is
// configured; processor may be nil for a poller only used by PollOnce.
func NewPoller(creds Credentials, mailboxes MailboxFactory, state StateStore, processor Processor, outbox Outbox, opts Options, log *logrus.Entry) *Poller {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 10
	}
	if opts.Filter == "" {
		opts.Filter = providers.FilterUnread
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Poller{
		creds:     creds,
		mailboxes: mailboxes,
		state:     state,
		processor: processor,
		outbox:    outbox,
		opts:      opts,
		log:       log.WithField("component", "poller"),
	}
}

// PollOnce takes the cycle lock, fetches and normalizes the unseen messages,
// and releases the lock without processing anything.
func (p *Poller) PollOnce(ctx context.Context, userID string) (msgs []mail.NormalizedMessage, err error) {
	cycleID, err := p.begin(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer func() { p.end(ctx, userID, cycleID, time.Time{}, err) }()

	return p.poll(ctx, userID)
}

// RunCycle polls and processes every unseen message, newest first. On
// cancellation the message in flight is finished and the rest are left for
// the next cycle. The lock is always released.
func (p *Poller) RunCycle(ctx context.Context, userID string) (report CycleReport, err error) {
	if p.processor == nil {
		return report, fmt.Errorf("poller has no processor")
	}
	cycleID, err := p.begin(ctx, userID)
	if err != nil {
		return report, err
	}
	report = CycleReport{UserID: userID, CycleID: cycleID}
	log := p.log.WithFields(logrus.Fields{"user_id": userID, "cycle_id": cycleID})
	defer func() { p.end(ctx, userID, cycleID, report.UpTo, err) }()

	msgs, err := p.poll(ctx, userID)
	if err != nil {
		return report, err
	}
	report.Fetched = len(msgs)

	for _, msg := range msgs {
		if ctx.Err() != nil {
			report.Interrupted = true
			log.Info("cycle interrupted, leaving remaining messages for the next cycle")
			break
		}

		// The message in flight finishes even if the cycle is cancelled.
		msgCtx := context.WithoutCancel(ctx)
		serr := retry.Do(msgCtx, p.opts.Policy, store.IsPersistence, func(ctx context.Context) error {
			return p.state.UpsertEmail(ctx, msg)
		})
		if serr != nil {
			return report, fmt.Errorf("store %s: %w", msg.MessageID, serr)
		}
		p.publish(msgCtx, userID, EventEmailReceived, "email.received|"+userID+"|"+msg.MessageID, msg)

		rec, perr := p.processor.Process(msgCtx, msg)
		switch {
		case errors.Is(perr, pipeline.ErrNotClaimed):
			report.Skipped++
			continue
		case store.IsPersistence(perr):
			return report, fmt.Errorf("process %s: %w", msg.MessageID, perr)
		case perr != nil:
			report.Failed++
			log.WithError(perr).WithField("message_id", msg.MessageID).Warn("message failed")
		default:
			report.Processed++
		}
		if rec == nil {
			continue
		}
		if msg.ReceivedAt.After(report.UpTo) {
			report.UpTo = msg.ReceivedAt
		}
		p.publish(msgCtx, userID, EventEmailProcessed,
			fmt.Sprintf("email.processed|%s|%s|%d", userID, msg.MessageID, rec.Attempts), processedEvent(rec))
	}
	return report, nil
}

// RecoverStale fails records a crashed process left in a stage, so they are
// never silently re-run. Records touched within staleAfter are left alone.
func (p *Poller) RecoverStale(ctx context.Context, userID string, staleAfter time.Duration) (int64, error) {
	return p.state.FailStaleRecords(ctx, userID, time.Now().Add(-staleAfter), p.opts.MaxAttempts)
}

func (p *Poller) begin(ctx context.Context, userID string) (string, error) {
	cycleID := uuid.NewString()
	var ok bool
	err := retry.Do(ctx, p.opts.Policy, store.IsPersistence, func(ctx context.Context) error {
		var err error
		ok, err = p.state.BeginCycle(ctx, userID, cycleID, p.opts.LockTTL)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("begin cycle: %w", err)
	}
	if !ok {
		return "", ErrCycleInProgress
	}
	return cycleID, nil
}

// end clears the lock on a context that outlives cancellation.
func (p *Poller) end(ctx context.Context, userID, cycleID string, upTo time.Time, cycleErr error) {
	var msg string
	if cycleErr != nil {
		msg = cycleErr.Error()
	}
	if err := p.state.EndCycle(context.WithoutCancel(ctx), userID, cycleID, upTo, msg); err != nil {
		p.log.WithError(err).WithField("user_id", userID).Error("failed to release cycle lock")
	}
}

// poll returns the unseen messages, normalized and sorted newest first.
func (p *Poller) poll(ctx context.Context, userID string) ([]mail.NormalizedMessage, error) {
	log := p.log.WithField("user_id", userID)

	cred, err := p.creds.ObtainValidCredential(ctx, userID)
	if err != nil {
		if kind, ok := auth.KindOf(err); ok && kind == auth.Invalid {
			log.WithError(err).Warn("credential invalid, re-authentication required")
		}
		return nil, fmt.Errorf("obtain credential: %w", err)
	}

	mailbox, err := p.mailboxes(ctx, userID, cred)
	if err != nil {
		return nil, fmt.Errorf("open mailbox: %w", err)
	}

	var ids []string
	err = retry.Do(ctx, p.opts.Policy, providers.IsTransient, func(ctx context.Context) error {
		var err error
		ids, err = mailbox.ListMessageIDs(ctx, providers.Query{Filter: p.opts.Filter, Max: p.opts.MaxMessages})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	var seen map[string]bool
	err = retry.Do(ctx, p.opts.Policy, store.IsPersistence, func(ctx context.Context) error {
		var err error
		seen, err = p.state.SeenMessages(ctx, userID, ids, p.opts.MaxAttempts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load seen set: %w", err)
	}

	msgs := make([]mail.NormalizedMessage, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		var raw mail.RawMessage
		err := retry.Do(ctx, p.opts.Policy, providers.IsTransient, func(ctx context.Context) error {
			var err error
			raw, err = mailbox.GetMessage(ctx, id)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.WithError(err).WithField("message_id", id).Warn("failed to fetch message")
			continue
		}
		msgs = append(msgs, mail.Normalize(userID, raw))
	}

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ReceivedAt.After(msgs[j].ReceivedAt) })
	log.WithFields(logrus.Fields{"listed": len(ids), "new": len(msgs)}).Debug("poll complete")
	return msgs, nil
}

type processedPayload struct {
	EventID     string       `json:"event_id"`
	UserID      string       `json:"user_id"`
	MessageID   string       `json:"message_id"`
	ThreadID    string       `json:"thread_id"`
	Status      store.Status `json:"status"`
	Category    string       `json:"category,omitempty"`
	Stages      []string     `json:"stages"`
	Attempts    int          `json:"attempts"`
	LastError   string       `json:"last_error,omitempty"`
	ProcessedAt time.Time    `json:"processed_at"`
}

func processedEvent(rec *store.ProcessingRecord) processedPayload {
	ev := processedPayload{
		EventID:     uuid.NewString(),
		UserID:      rec.UserID,
		MessageID:   rec.MessageID,
		ThreadID:    rec.ThreadID,
		Status:      rec.Status,
		Category:    string(pipeline.CategoryOf(rec.Results)),
		Stages:      []string{},
		Attempts:    rec.Attempts,
		LastError:   rec.LastError,
		ProcessedAt: rec.UpdatedAt,
	}
	for _, r := range rec.Results {
		if r.Succeeded() {
			ev.Stages = append(ev.Stages, r.Stage)
		}
	}
	return ev
}

func (p *Poller) publish(ctx context.Context, userID, eventType, msgID string, v any) {
	if p.outbox == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		p.log.WithError(err).Error("failed to encode event")
		return
	}
	subject := fmt.Sprintf("user.%s.%s", userID, eventType)
	if err := p.outbox.EnqueueOutbox(ctx, subject, eventType, payload, msgID); err != nil {
		p.log.WithError(err).WithField("subject", subject).Warn("failed to queue event")
	}
}
