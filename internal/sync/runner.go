package sync

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/ai-brain-mailagent/internal/auth"
)

// Runner drives RunCycle for one user from a ticker.
type Runner struct {
	poller     *Poller
	userID     string
	interval   time.Duration
	staleAfter time.Duration
	log        *logrus.Entry
}

// NewRunner returns a runner polling every interval. Records left in a stage
// for longer than staleAfter are failed when the runner starts.
func NewRunner(poller *Poller, userID string, interval, staleAfter time.Duration, log *logrus.Entry) *Runner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Runner{
		poller:     poller,
		userID:     userID,
		interval:   interval,
		staleAfter: staleAfter,
		log:        log.WithFields(logrus.Fields{"component": "runner", "user_id": userID}),
	}
}

// Run cycles immediately and then on every tick until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if r.staleAfter > 0 {
		n, err := r.poller.RecoverStale(ctx, r.userID, r.staleAfter)
		if err != nil {
			r.log.WithError(err).Warn("failed to recover abandoned records")
		} else if n > 0 {
			r.log.WithField("records", n).Warn("failed records abandoned by a previous run")
		}
	}

	r.cycle(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("stopping sync")
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				return nil
			}
			r.cycle(ctx)
		}
	}
}

func (r *Runner) cycle(ctx context.Context) {
	start := time.Now()
	report, err := r.poller.RunCycle(ctx, r.userID)

	if kind, ok := auth.KindOf(err); ok {
		entry := r.log.WithError(err).WithField("credential", kind.String())
		if kind == auth.Transient {
			entry.Warn("cycle skipped, credential temporarily unavailable")
		} else {
			entry.Error("cycle skipped, re-authentication required")
		}
		return
	}

	switch {
	case errors.Is(err, ErrCycleInProgress):
		r.log.Debug("previous cycle still running")
	case err != nil:
		r.log.WithError(err).Error("cycle failed")
	default:
		r.log.WithFields(logrus.Fields{
			"cycle_id":    report.CycleID,
			"fetched":     report.Fetched,
			"processed":   report.Processed,
			"failed":      report.Failed,
			"skipped":     report.Skipped,
			"interrupted": report.Interrupted,
			"duration":    time.Since(start).String(),
		}).Info("cycle complete")
	}
}
