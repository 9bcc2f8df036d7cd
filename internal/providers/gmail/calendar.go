package gmail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
)

// Calendar implements providers.CalendarProvider for Google Calendar
type Calendar struct {
	svc        *calendar.Service
	calendarID string
	cb         *gobreaker.CircuitBreaker
	log        *logrus.Entry
}

// NewCalendar creates a Google Calendar client for calendarID.
func NewCalendar(ctx context.Context, ts oauth2.TokenSource, calendarID string, log *logrus.Entry, opts ...option.ClientOption) (*Calendar, error) {
	opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	if calendarID == "" {
		calendarID = "primary"
	}

	log = log.WithField("provider", "google-calendar")
	return &Calendar{
		svc:        svc,
		calendarID: calendarID,
		cb:         providers.NewBreaker("google-calendar-api", log),
		log:        log,
	}, nil
}

// FreeBusy returns the busy intervals between start and end.
func (c *Calendar) FreeBusy(ctx context.Context, start, end time.Time) ([]providers.Interval, error) {
	res, err := providers.Guard(c.cb, "calendar.freebusy", func() (interface{}, error) {
		resp, err := c.svc.Freebusy.Query(&calendar.FreeBusyRequest{
			TimeMin: start.Format(time.RFC3339),
			TimeMax: end.Format(time.RFC3339),
			Items:   []*calendar.FreeBusyRequestItem{{Id: c.calendarID}},
		}).Context(ctx).Do()
		if err != nil {
			return nil, classify("calendar.freebusy", err)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	resp := res.(*calendar.FreeBusyResponse)
	cal, ok := resp.Calendars[c.calendarID]
	if !ok {
		return nil, nil
	}
	busy := make([]providers.Interval, 0, len(cal.Busy))
	for _, p := range cal.Busy {
		s, err1 := time.Parse(time.RFC3339, p.Start)
		e, err2 := time.Parse(time.RFC3339, p.End)
		if err1 != nil || err2 != nil {
			c.log.WithField("start", p.Start).Warn("skipping unparseable busy period")
			continue
		}
		busy = append(busy, providers.Interval{Start: s, End: e})
	}
	return busy, nil
}

// CreateEvent inserts ev using idempotencyKey as the client-supplied event id,
// so a repeated insert answers 409 and is reported as success.
func (c *Calendar) CreateEvent(ctx context.Context, ev providers.Event, idempotencyKey string) (string, error) {
	e := toEvent(ev)
	e.Id = idempotencyKey

	res, err := providers.Guard(c.cb, "calendar.insert", func() (interface{}, error) {
		created, err := c.svc.Events.Insert(c.calendarID, e).SendUpdates("all").Context(ctx).Do()
		if err != nil {
			return nil, classify("calendar.insert", err)
		}
		return created.Id, nil
	})
	if errors.Is(err, providers.ErrConflict) && idempotencyKey != "" {
		c.log.WithField("event_id", idempotencyKey).Debug("event already exists")
		return idempotencyKey, nil
	}
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// UpdateEvent patches the times, summary and attendees of an existing event.
func (c *Calendar) UpdateEvent(ctx context.Context, ev providers.Event) error {
	_, err := providers.Guard(c.cb, "calendar.patch", func() (interface{}, error) {
		_, err := c.svc.Events.Patch(c.calendarID, ev.ID, toEvent(ev)).SendUpdates("all").Context(ctx).Do()
		if err != nil {
			return nil, classify("calendar.patch", err)
		}
		return nil, nil
	})
	return err
}

// DeleteEvent removes an event. Callers decide how to treat ErrNotFound.
func (c *Calendar) DeleteEvent(ctx context.Context, eventID string) error {
	_, err := providers.Guard(c.cb, "calendar.delete", func() (interface{}, error) {
		if err := c.svc.Events.Delete(c.calendarID, eventID).SendUpdates("all").Context(ctx).Do(); err != nil {
			return nil, classify("calendar.delete", err)
		}
		return nil, nil
	})
	return err
}

func toEvent(ev providers.Event) *calendar.Event {
	e := &calendar.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
	}
	if !ev.Start.IsZero() {
		e.Start = &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: ev.TimeZone}
	}
	if !ev.End.IsZero() {
		e.End = &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: ev.TimeZone}
	}
	for _, addr := range ev.Attendees {
		e.Attendees = append(e.Attendees, &calendar.EventAttendee{Email: addr})
	}
	return e
}
