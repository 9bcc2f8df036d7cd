package outlook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
)

// Graph reports event times without an offset, in the zone named alongside.
const graphDateTime = "2006-01-02T15:04:05.9999999"

// FreeBusy returns the spans of non-free, non-cancelled events between start and end.
func (a *Adapter) FreeBusy(ctx context.Context, start, end time.Time) ([]providers.Interval, error) {
	s, e := start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339)
	res, err := providers.Guard(a.cb, "graph.calendarview", func() (interface{}, error) {
		result, err := a.client.Users().ByUserId(a.mailbox).CalendarView().Get(ctx, &users.ItemCalendarViewRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemCalendarViewRequestBuilderGetQueryParameters{
				StartDateTime: &s,
				EndDateTime:   &e,
				Select:        []string{"start", "end", "showAs", "isCancelled"},
				Top:           Int32Ptr(250),
			},
		})
		if err != nil {
			return nil, classify("graph.calendarview", err)
		}
		return result.GetValue(), nil
	})
	if err != nil {
		return nil, err
	}

	var busy []providers.Interval
	for _, ev := range res.([]models.Eventable) {
		if c := ev.GetIsCancelled(); c != nil && *c {
			continue
		}
		if show := ev.GetShowAs(); show != nil && *show == models.FREE_FREEBUSYSTATUS {
			continue
		}
		st, ok1 := parseGraphTime(ev.GetStart())
		en, ok2 := parseGraphTime(ev.GetEnd())
		if !ok1 || !ok2 {
			continue
		}
		busy = append(busy, providers.Interval{Start: st, End: en})
	}
	return busy, nil
}

// CreateEvent posts ev with idempotencyKey as the Graph transactionId, which
// makes a repeated post return the event already created.
func (a *Adapter) CreateEvent(ctx context.Context, ev providers.Event, idempotencyKey string) (string, error) {
	body := toEvent(ev)
	if idempotencyKey != "" {
		body.SetTransactionId(&idempotencyKey)
	}

	res, err := providers.Guard(a.cb, "graph.event.create", func() (interface{}, error) {
		created, err := a.client.Users().ByUserId(a.mailbox).Events().Post(ctx, body, nil)
		if err != nil {
			return nil, classify("graph.event.create", err)
		}
		if created.GetId() == nil {
			return nil, providers.Classify("graph.event.create", 0, false, fmt.Errorf("created event has no id"))
		}
		return *created.GetId(), nil
	})
	if errors.Is(err, providers.ErrConflict) && idempotencyKey != "" {
		return a.findByTransaction(ctx, idempotencyKey)
	}
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (a *Adapter) findByTransaction(ctx context.Context, transactionID string) (string, error) {
	filter := fmt.Sprintf("transactionId eq '%s'", strings.ReplaceAll(transactionID, "'", "''"))
	res, err := providers.Guard(a.cb, "graph.event.lookup", func() (interface{}, error) {
		result, err := a.client.Users().ByUserId(a.mailbox).Events().Get(ctx, &users.ItemEventsRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemEventsRequestBuilderGetQueryParameters{
				Filter: &filter,
				Select: []string{"id"},
				Top:    Int32Ptr(1),
			},
		})
		if err != nil {
			return nil, classify("graph.event.lookup", err)
		}
		return result.GetValue(), nil
	})
	if err != nil {
		return "", err
	}
	for _, ev := range res.([]models.Eventable) {
		if id := ev.GetId(); id != nil {
			a.log.WithField("transaction_id", transactionID).Debug("event already exists")
			return *id, nil
		}
	}
	return "", providers.Classify("graph.event.lookup", 404, false, fmt.Errorf("no event for transaction %s", transactionID))
}

// UpdateEvent patches an existing event.
func (a *Adapter) UpdateEvent(ctx context.Context, ev providers.Event) error {
	_, err := providers.Guard(a.cb, "graph.event.update", func() (interface{}, error) {
		if _, err := a.client.Users().ByUserId(a.mailbox).Events().ByEventId(ev.ID).Patch(ctx, toEvent(ev), nil); err != nil {
			return nil, classify("graph.event.update", err)
		}
		return nil, nil
	})
	return err
}

// DeleteEvent removes an event. Callers decide how to treat ErrNotFound.
func (a *Adapter) DeleteEvent(ctx context.Context, eventID string) error {
	_, err := providers.Guard(a.cb, "graph.event.delete", func() (interface{}, error) {
		if err := a.client.Users().ByUserId(a.mailbox).Events().ByEventId(eventID).Delete(ctx, nil); err != nil {
			return nil, classify("graph.event.delete", err)
		}
		return nil, nil
	})
	return err
}

func toEvent(ev providers.Event) *models.Event {
	e := models.NewEvent()
	if ev.Summary != "" {
		e.SetSubject(&ev.Summary)
	}
	if ev.Description != "" {
		body := models.NewItemBody()
		text := models.TEXT_BODYTYPE
		body.SetContentType(&text)
		body.SetContent(&ev.Description)
		e.SetBody(body)
	}
	if !ev.Start.IsZero() {
		e.SetStart(graphTime(ev.Start))
	}
	if !ev.End.IsZero() {
		e.SetEnd(graphTime(ev.End))
	}
	if len(ev.Attendees) > 0 {
		attendees := make([]models.Attendeeable, 0, len(ev.Attendees))
		for _, addr := range ev.Attendees {
			email := models.NewEmailAddress()
			email.SetAddress(&addr)
			att := models.NewAttendee()
			att.SetEmailAddress(email)
			attendees = append(attendees, att)
		}
		e.SetAttendees(attendees)
	}
	return e
}

func graphTime(t time.Time) models.DateTimeTimeZoneable {
	v := t.UTC().Format(graphDateTime)
	zone := "UTC"
	dt := models.NewDateTimeTimeZone()
	dt.SetDateTime(&v)
	dt.SetTimeZone(&zone)
	return dt
}

func parseGraphTime(dt models.DateTimeTimeZoneable) (time.Time, bool) {
	if dt == nil || dt.GetDateTime() == nil {
		return time.Time{}, false
	}
	loc := time.UTC
	if z := dt.GetTimeZone(); z != nil && !strings.EqualFold(*z, "UTC") {
		if l, err := time.LoadLocation(*z); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation(graphDateTime, *dt.GetDateTime(), loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
