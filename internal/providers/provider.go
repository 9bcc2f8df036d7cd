// Package providers defines the mailbox and calendar contracts the agent
// talks to and the error classification shared by every adapter.
package providers

import (
	"context"
	"time"

	"github.com/Martian-dev/ai-brain-mailagent/internal/mail"
)

// Name identifies an upstream account type.
type Name string

const (
	Google    Name = "google"
	Microsoft Name = "microsoft"
)

// Filter selects which inbox messages a poll lists.
type Filter string

const (
	FilterUnread Filter = "unread"
	FilterRecent Filter = "recent"
)

// Query describes one listing request.
type Query struct {
	Filter Filter
	Max    int
}

// OutgoingMessage is a reply ready to be handed to a mailbox. Raw carries the
// composed RFC 5322 message; the remaining fields serve providers that take
// structured input.
type OutgoingMessage struct {
	ThreadID  string
	ReplyToID string
	To        []string
	Subject   string
	Body      string
	Raw       []byte
}

// MailProvider lists, fetches and sends mail for a single user.
type MailProvider interface {
	ListMessageIDs(ctx context.Context, q Query) ([]string, error)
	GetMessage(ctx context.Context, id string) (mail.RawMessage, error)
	SendMessage(ctx context.Context, msg OutgoingMessage) (string, error)
}

// Interval is a closed-open busy span.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Event is a calendar entry as the agent writes it.
type Event struct {
	ID          string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	TimeZone    string
	Attendees   []string
}

// CalendarProvider reads availability and mutates events for a single user.
// CreateEvent must treat idempotencyKey as a provider-side dedup key.
type CalendarProvider interface {
	FreeBusy(ctx context.Context, start, end time.Time) ([]Interval, error)
	CreateEvent(ctx context.Context, ev Event, idempotencyKey string) (string, error)
	UpdateEvent(ctx context.Context, ev Event) error
	DeleteEvent(ctx context.Context, eventID string) error
}
