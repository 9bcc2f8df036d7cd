package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/ai-brain-mailagent/internal/mail"
	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
	"github.com/Martian-dev/ai-brain-mailagent/internal/retry"
	"github.com/Martian-dev/ai-brain-mailagent/internal/store"
)

// ErrNotClaimed is returned when another cycle holds the message or its
// attempts are used up.
var ErrNotClaimed = errors.New("processing record not claimable")

// StageFailure is a stage that failed after its retries.
type StageFailure struct {
	Stage string
	Err   error
}

func (e *StageFailure) Error() string   { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }
func (e *StageFailure) Unwrap() error   { return e.Err }
func (e *StageFailure) Retryable() bool { return isTransient(e.Err) }

func isTransient(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return providers.IsTransient(err)
}

// RecordStore is the ProcessingRecord ledger.
type RecordStore interface {
	EnsureRecord(ctx context.Context, userID, messageID, threadID string, receivedAt time.Time) error
	ClaimRecord(ctx context.Context, userID, messageID string, maxAttempts int) (bool, error)
	GetRecord(ctx context.Context, userID, messageID string) (*store.ProcessingRecord, error)
	AppendStageResult(ctx context.Context, userID, messageID string, r store.StageResult) (int, error)
	FinishRecord(ctx context.Context, userID, messageID string, status store.Status, lastError string) error
	AbandonRecord(ctx context.Context, userID, messageID, lastError string, maxAttempts int) error
}

// PreferenceStore supplies the read-only preference snapshot.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID string) (store.Preferences, error)
}

type Options struct {
	Policy      retry.Policy
	MaxAttempts int
}

// Orchestrator runs messages through an ordered list of stages, persisting
// each outcome before the next stage starts.
type Orchestrator struct {
	stages  []Stage
	records RecordStore
	prefs   PreferenceStore
	opts    Options
	log     *logrus.Entry
}

// New validates the stage order and returns an orchestrator. The first stage
// must be analyze, and every stage may only require stages before it.
func New(records RecordStore, prefs PreferenceStore, stages []Stage, opts Options, log *logrus.Entry) (*Orchestrator, error) {
	if len(stages) == 0 || stages[0].Name() != StageAnalyze {
		return nil, fmt.Errorf("pipeline must start with the %s stage", StageAnalyze)
	}
	seen := make(map[string]bool, len(stages))
	for _, st := range stages {
		if st.Name() == "" || seen[st.Name()] {
			return nil, fmt.Errorf("stage name %q is empty or repeated", st.Name())
		}
		for _, req := range st.Requires() {
			if !seen[req] {
				return nil, fmt.Errorf("stage %s requires %s, which does not run before it", st.Name(), req)
			}
		}
		seen[st.Name()] = true
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Orchestrator{
		stages:  stages,
		records: records,
		prefs:   prefs,
		opts:    opts,
		log:     log.WithField("component", "orchestrator"),
	}, nil
}

// Process runs msg through the pipeline at most once to completion. A
// completed or skipped record is returned as stored; a failed record with
// attempts left resumes after its last successful stage.
func (o *Orchestrator) Process(ctx context.Context, msg mail.NormalizedMessage) (*store.ProcessingRecord, error) {
	log := o.log.WithFields(logrus.Fields{"user_id": msg.UserID, "message_id": msg.MessageID})

	if err := o.persist(ctx, func(ctx context.Context) error {
		return o.records.EnsureRecord(ctx, msg.UserID, msg.MessageID, msg.ThreadID, msg.ReceivedAt)
	}); err != nil {
		return nil, err
	}
	rec, err := o.records.GetRecord(ctx, msg.UserID, msg.MessageID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Final() {
		log.WithField("status", rec.Status).Debug("message already processed")
		return rec, nil
	}

	claimed, err := o.records.ClaimRecord(ctx, msg.UserID, msg.MessageID, o.opts.MaxAttempts)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return rec, ErrNotClaimed
	}

	prefs, err := o.prefs.GetPreferences(ctx, msg.UserID)
	if err != nil {
		return o.finish(ctx, msg, store.StatusFailed, fmt.Errorf("load preferences: %w", err))
	}

	results := append([]StageResult(nil), rec.Results...)
	for _, st := range o.stages {
		if _, done := latest(results, st.Name()); done {
			log.WithField("stage", st.Name()).Debug("stage already succeeded")
			continue
		}
		cat := CategoryOf(results)
		if st.Name() != StageAnalyze {
			if cat.Terminal() {
				break
			}
			if !st.Applies(cat, results) || !requirementsMet(st, results) {
				continue
			}
		}

		res, err := o.run(ctx, st, msg, results, prefs)
		if err != nil {
			failure := &StageFailure{Stage: st.Name(), Err: err}
			log.WithError(err).WithField("stage", st.Name()).Warn("stage failed")
			failed := StageResult{Stage: st.Name(), Category: string(cat), Error: err.Error()}
			if err := o.append(ctx, msg, &failed); err != nil {
				return nil, err
			}
			if !failure.Retryable() {
				return o.abandon(ctx, msg, failure)
			}
			return o.finish(ctx, msg, store.StatusFailed, failure)
		}
		if err := o.append(ctx, msg, &res); err != nil {
			return nil, err
		}
		results = append(results, res)
		log.WithFields(logrus.Fields{"stage": st.Name(), "category": res.Category}).Debug("stage completed")
	}

	status := store.StatusCompleted
	if CategoryOf(results).Terminal() {
		status = store.StatusSkipped
	}
	return o.finish(ctx, msg, status, nil)
}

func (o *Orchestrator) run(ctx context.Context, st Stage, msg mail.NormalizedMessage, prior []StageResult, prefs store.Preferences) (StageResult, error) {
	var res StageResult
	err := retry.Do(ctx, o.opts.Policy, isTransient, func(ctx context.Context) error {
		r, err := st.Execute(ctx, msg, prior, prefs)
		if err != nil {
			o.log.WithError(err).WithField("stage", st.Name()).Debug("stage attempt failed")
			return err
		}
		res = r
		return nil
	})
	res.Stage = st.Name()
	return res, err
}

func (o *Orchestrator) append(ctx context.Context, msg mail.NormalizedMessage, r *StageResult) error {
	return o.persist(ctx, func(ctx context.Context) error {
		seq, err := o.records.AppendStageResult(ctx, msg.UserID, msg.MessageID, *r)
		if err != nil {
			return err
		}
		r.Seq = seq
		return nil
	})
}

// finish stores the attempt's final status and returns the stored record.
// A non-nil cause is recorded as last_error and returned.
func (o *Orchestrator) finish(ctx context.Context, msg mail.NormalizedMessage, status store.Status, cause error) (*store.ProcessingRecord, error) {
	var lastError string
	if cause != nil {
		lastError = cause.Error()
	}
	if err := o.persist(ctx, func(ctx context.Context) error {
		return o.records.FinishRecord(ctx, msg.UserID, msg.MessageID, status, lastError)
	}); err != nil {
		return nil, err
	}
	rec, err := o.records.GetRecord(ctx, msg.UserID, msg.MessageID)
	if err != nil {
		return nil, err
	}
	return rec, cause
}

// abandon fails the record for good; a terminal cause will not go away on
// the next cycle.
func (o *Orchestrator) abandon(ctx context.Context, msg mail.NormalizedMessage, cause error) (*store.ProcessingRecord, error) {
	if err := o.persist(ctx, func(ctx context.Context) error {
		return o.records.AbandonRecord(ctx, msg.UserID, msg.MessageID, cause.Error(), o.opts.MaxAttempts)
	}); err != nil {
		return nil, err
	}
	rec, err := o.records.GetRecord(ctx, msg.UserID, msg.MessageID)
	if err != nil {
		return nil, err
	}
	return rec, cause
}

func (o *Orchestrator) persist(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, o.opts.Policy, store.IsPersistence, fn)
}

func requirementsMet(st Stage, results []StageResult) bool {
	for _, req := range st.Requires() {
		if _, ok := latest(results, req); !ok {
			return false
		}
	}
	return true
}
