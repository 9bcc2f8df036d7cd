package actions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
)

// CalendarMutator creates, updates and cancels events on the user's calendar.
type CalendarMutator struct {
	cal providers.CalendarProvider
	log *logrus.Entry
}

// NewCalendarMutator wraps cal.
func NewCalendarMutator(cal providers.CalendarProvider, log *logrus.Entry) *CalendarMutator {
	return &CalendarMutator{cal: cal, log: log.WithField("component", "calendar_mutator")}
}

// IdempotencyKey derives the provider dedup key for the event a message
// creates. The hex alphabet is valid for Google client event ids.
func IdempotencyKey(userID, messageID string) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + messageID))
	return hex.EncodeToString(sum[:16])
}

// Create adds ev; repeating it with the same key yields the same event.
func (m *CalendarMutator) Create(ctx context.Context, ev providers.Event, idempotencyKey string) (ActionResult, error) {
	id, err := m.cal.CreateEvent(ctx, ev, idempotencyKey)
	if err != nil {
		return ActionResult{}, wrap("calendar.create", err)
	}
	m.log.WithField("event_id", id).Info("calendar event created")
	return ActionResult{Status: StatusCreated, ExternalID: id}, nil
}

// Update changes an event known from prior context.
func (m *CalendarMutator) Update(ctx context.Context, ev providers.Event) (ActionResult, error) {
	if ev.ID == "" {
		return ActionResult{}, &ActionError{Kind: Terminal, Action: "calendar.update", Err: ErrUnknownEvent}
	}
	if err := m.cal.UpdateEvent(ctx, ev); err != nil {
		return ActionResult{}, wrap("calendar.update", err)
	}
	m.log.WithField("event_id", ev.ID).Info("calendar event updated")
	return ActionResult{Status: StatusUpdated, ExternalID: ev.ID}, nil
}

// Cancel deletes an event known from prior context. An event that is already
// gone counts as cancelled.
func (m *CalendarMutator) Cancel(ctx context.Context, eventID string) (ActionResult, error) {
	if eventID == "" {
		return ActionResult{}, &ActionError{Kind: Terminal, Action: "calendar.cancel", Err: ErrUnknownEvent}
	}
	err := m.cal.DeleteEvent(ctx, eventID)
	if err != nil && !errors.Is(err, providers.ErrNotFound) {
		return ActionResult{}, wrap("calendar.cancel", err)
	}
	if err != nil {
		m.log.WithField("event_id", eventID).Debug("event already gone")
	}
	return ActionResult{Status: StatusCancelled, ExternalID: eventID}, nil
}

// FreeBusy returns the busy spans inside window.
func (m *CalendarMutator) FreeBusy(ctx context.Context, window providers.Interval) ([]providers.Interval, error) {
	busy, err := m.cal.FreeBusy(ctx, window.Start, window.End)
	if err != nil {
		return nil, wrap("calendar.freebusy", err)
	}
	return busy, nil
}
