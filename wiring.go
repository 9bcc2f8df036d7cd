package main

import (
	"context"
	"fmt"
	"net/http"
	gosync "sync"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/ai-brain-mailagent/internal/actions"
	"github.com/Martian-dev/ai-brain-mailagent/internal/auth"
	"github.com/Martian-dev/ai-brain-mailagent/internal/config"
	"github.com/Martian-dev/ai-brain-mailagent/internal/mail"
	"github.com/Martian-dev/ai-brain-mailagent/internal/pipeline"
	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
	"github.com/Martian-dev/ai-brain-mailagent/internal/providers/gmail"
	"github.com/Martian-dev/ai-brain-mailagent/internal/providers/outlook"
	"github.com/Martian-dev/ai-brain-mailagent/internal/store"
)

type userClients struct {
	mailbox  providers.MailProvider
	calendar providers.CalendarProvider
	orch     *pipeline.Orchestrator
}

// clients builds and caches provider clients and a pipeline per user. Clients
// live for baseCtx and draw tokens from the broker on every request.
type clients struct {
	baseCtx    context.Context
	cfg        *config.Config
	broker     *auth.Broker
	store      *store.Store
	classifier pipeline.Classifier
	log        *logrus.Entry

	mu    gosync.Mutex
	users map[string]*userClients
}

func newClients(baseCtx context.Context, cfg *config.Config, broker *auth.Broker, st *store.Store, log *logrus.Entry) (*clients, error) {
	var classifier pipeline.Classifier = pipeline.RuleClassifier{}
	if cfg.Analyzer.Endpoint != "" {
		remote, err := pipeline.NewRemoteClassifier(cfg.Analyzer.Endpoint, &http.Client{Timeout: cfg.Pipeline.CallTimeout})
		if err != nil {
			return nil, err
		}
		classifier = remote
	}
	return &clients{
		baseCtx:    baseCtx,
		cfg:        cfg,
		broker:     broker,
		store:      st,
		classifier: classifier,
		log:        log,
		users:      make(map[string]*userClients),
	}, nil
}

// Mailbox is the poller's MailboxFactory.
func (c *clients) Mailbox(_ context.Context, userID string, cred *store.Credential) (providers.MailProvider, error) {
	u, err := c.forUser(userID, cred)
	if err != nil {
		return nil, err
	}
	return u.mailbox, nil
}

// Process routes a message to its user's pipeline.
func (c *clients) Process(ctx context.Context, msg mail.NormalizedMessage) (*store.ProcessingRecord, error) {
	c.mu.Lock()
	u, ok := c.users[msg.UserID]
	c.mu.Unlock()
	if !ok {
		cred, err := c.broker.ObtainValidCredential(ctx, msg.UserID)
		if err != nil {
			return nil, err
		}
		if u, err = c.forUser(msg.UserID, cred); err != nil {
			return nil, err
		}
	}
	return u.orch.Process(ctx, msg)
}

func (c *clients) forUser(userID string, cred *store.Credential) (*userClients, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.users[userID]; ok {
		return u, nil
	}

	log := c.log.WithField("user_id", userID)
	u := &userClients{}
	switch providers.Name(c.cfg.Provider) {
	case providers.Google:
		ts := c.broker.TokenSource(c.baseCtx, userID)
		mailbox, err := gmail.New(c.baseCtx, ts, log)
		if err != nil {
			return nil, err
		}
		cal, err := gmail.NewCalendar(c.baseCtx, ts, c.cfg.Google.CalendarID, log)
		if err != nil {
			return nil, err
		}
		u.mailbox, u.calendar = mailbox, cal
	case providers.Microsoft:
		if cred == nil || cred.AccountEmail == "" {
			return nil, fmt.Errorf("credential for %s has no account email", userID)
		}
		adapter, err := outlook.New(c.broker.AzureCredential(userID), cred.AccountEmail, log)
		if err != nil {
			return nil, err
		}
		u.mailbox, u.calendar = adapter, adapter
	default:
		return nil, fmt.Errorf("unsupported provider %q", c.cfg.Provider)
	}

	stages := []pipeline.Stage{
		pipeline.NewAnalyzeStage(c.classifier),
		pipeline.NewThreadContextStage(c.store),
		pipeline.NewCalendarStage(actions.NewCalendarMutator(u.calendar, log), c.store, pipeline.CalendarOptions{
			MeetingLength: c.cfg.Calendar.MeetingLength,
			SearchDays:    c.cfg.Calendar.SearchDays,
			MaxProposals:  c.cfg.Calendar.MaxProposals,
		}),
		pipeline.NewReplyStage(actions.NewReplySender(u.mailbox, c.cfg.Reply.Signature)),
	}
	orch, err := pipeline.New(c.store, c.store, stages, pipeline.Options{
		Policy:      c.cfg.RetryPolicy(),
		MaxAttempts: c.cfg.Pipeline.MaxAttempts,
	}, log)
	if err != nil {
		return nil, err
	}
	u.orch = orch

	c.users[userID] = u
	return u, nil
}
