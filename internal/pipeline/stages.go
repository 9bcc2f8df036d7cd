package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Martian-dev/ai-brain-mailagent/internal/actions"
	"github.com/Martian-dev/ai-brain-mailagent/internal/mail"
	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
	"github.com/Martian-dev/ai-brain-mailagent/internal/store"
)

// Stage is one step of the message pipeline.
type Stage interface {
	Name() string
	// Requires lists stages that must have succeeded before this one runs.
	Requires() []string
	// Applies decides from the Analyze category and prior results whether
	// the stage runs at all.
	Applies(category Category, prior []StageResult) bool
	Execute(ctx context.Context, msg mail.NormalizedMessage, prior []StageResult, prefs store.Preferences) (StageResult, error)
}

// ErrInvalidAnalysis marks classifier output the pipeline cannot act on.
var ErrInvalidAnalysis = errors.New("invalid analysis")

// AnalyzeStage classifies the message.
type AnalyzeStage struct {
	classifier Classifier
}

func NewAnalyzeStage(c Classifier) *AnalyzeStage { return &AnalyzeStage{classifier: c} }

func (s *AnalyzeStage) Name() string                         { return StageAnalyze }
func (s *AnalyzeStage) Requires() []string                   { return nil }
func (s *AnalyzeStage) Applies(Category, []StageResult) bool { return true }

func (s *AnalyzeStage) Execute(ctx context.Context, msg mail.NormalizedMessage, _ []StageResult, prefs store.Preferences) (StageResult, error) {
	a, err := s.classifier.Classify(ctx, msg, prefs)
	if err != nil {
		return StageResult{}, fmt.Errorf("classify: %w", err)
	}
	if !a.Category.Valid() {
		return StageResult{}, fmt.Errorf("%w: category %q", ErrInvalidAnalysis, a.Category)
	}

	a.MessageID, a.ThreadID = msg.MessageID, msg.ThreadID
	if a.Intent == "" {
		a.Intent = IntentNone
	}
	if a.Entities.People == nil {
		a.Entities.People = []string{}
	}
	if a.Entities.Organizations == nil {
		a.Entities.Organizations = []string{}
	}
	if a.Entities.DatesTimes == nil {
		a.Entities.DatesTimes = []string{}
	}
	if a.Entities.Locations == nil {
		a.Entities.Locations = []string{}
	}
	if a.Start == nil && a.Category == CategorySchedule && len(a.Entities.DatesTimes) > 0 {
		mentions := ParseDateTimes(strings.Join(a.Entities.DatesTimes, "; "), msg.ReceivedAt, prefsLocation(prefs))
		if start, ambiguous := ResolveStart(mentions); !ambiguous {
			a.Start = start
		}
	}
	return newResult(StageAnalyze, a.Category, a)
}

// EventLister finds calendar events recorded for a thread.
type EventLister interface {
	ThreadEvents(ctx context.Context, userID, threadID string) ([]store.CalendarEventRef, error)
}

// ThreadContextStage gathers calendar events earlier messages of the same
// thread created, the only source of known event ids.
type ThreadContextStage struct {
	events EventLister
}

func NewThreadContextStage(events EventLister) *ThreadContextStage {
	return &ThreadContextStage{events: events}
}

func (s *ThreadContextStage) Name() string       { return StageThreadContext }
func (s *ThreadContextStage) Requires() []string { return []string{StageAnalyze} }

func (s *ThreadContextStage) Applies(c Category, _ []StageResult) bool {
	return c == CategorySchedule || c == CategoryClarify
}

func (s *ThreadContextStage) Execute(ctx context.Context, msg mail.NormalizedMessage, prior []StageResult, _ store.Preferences) (StageResult, error) {
	tc := ThreadContext{KnownEvents: []store.CalendarEventRef{}}
	if msg.ThreadID != "" {
		refs, err := s.events.ThreadEvents(ctx, msg.UserID, msg.ThreadID)
		if err != nil {
			return StageResult{}, fmt.Errorf("load thread events: %w", err)
		}
		tc.KnownEvents = append(tc.KnownEvents, refs...)
	}
	// ThreadEvents returns newest first.
	for _, ref := range tc.KnownEvents {
		if ref.Status == store.EventActive {
			tc.ActiveEventID = ref.EventID
			break
		}
	}
	return newResult(StageThreadContext, CategoryOf(prior), tc)
}

// Calendar is the calendar side of the action executors.
type Calendar interface {
	Create(ctx context.Context, ev providers.Event, idempotencyKey string) (actions.ActionResult, error)
	Update(ctx context.Context, ev providers.Event) (actions.ActionResult, error)
	Cancel(ctx context.Context, eventID string) (actions.ActionResult, error)
	FreeBusy(ctx context.Context, window providers.Interval) ([]providers.Interval, error)
}

// EventRecorder remembers events this agent created or changed.
type EventRecorder interface {
	RecordCalendarEvent(ctx context.Context, ref store.CalendarEventRef) error
}

// CalendarOptions tunes meeting creation and slot proposals.
type CalendarOptions struct {
	MeetingLength time.Duration
	SearchDays    int
	MaxProposals  int
}

// CalendarStage decides what to do with the user's calendar and does it.
type CalendarStage struct {
	calendar Calendar
	events   EventRecorder
	opts     CalendarOptions
	now      func() time.Time
}

func NewCalendarStage(cal Calendar, events EventRecorder, opts CalendarOptions) *CalendarStage {
	if opts.MeetingLength <= 0 {
		opts.MeetingLength = 30 * time.Minute
	}
	if opts.SearchDays <= 0 {
		opts.SearchDays = 14
	}
	if opts.MaxProposals <= 0 {
		opts.MaxProposals = 3
	}
	return &CalendarStage{calendar: cal, events: events, opts: opts, now: time.Now}
}

func (s *CalendarStage) Name() string       { return StageCalendarAction }
func (s *CalendarStage) Requires() []string { return []string{StageAnalyze, StageThreadContext} }

func (s *CalendarStage) Applies(c Category, _ []StageResult) bool {
	return c == CategorySchedule || c == CategoryClarify
}

const reasonAmbiguous = "time is ambiguous"

// decide maps the analysis and thread context onto a calendar decision.
func decide(a Analysis, tc ThreadContext) (Decision, string) {
	known := tc.ActiveEventID != ""
	switch {
	case a.Category == CategoryClarify:
		return DecisionPropose, reasonAmbiguous
	case a.Intent == IntentCancel && known:
		return DecisionCancel, ""
	case a.Intent == IntentCancel:
		return DecisionNone, "no known event to cancel"
	case a.Intent == IntentReschedule && known && a.Start != nil:
		return DecisionUpdate, ""
	case a.Intent == IntentReschedule && known:
		return DecisionPropose, "no new time given"
	case a.Start != nil:
		return DecisionCreate, ""
	}
	return DecisionPropose, "no explicit time"
}

func (s *CalendarStage) Execute(ctx context.Context, msg mail.NormalizedMessage, prior []StageResult, prefs store.Preferences) (StageResult, error) {
	a, ok, err := AnalysisOf(prior)
	if err != nil || !ok {
		return StageResult{}, fmt.Errorf("calendar action without analysis: %w", errors.Join(err, ErrInvalidAnalysis))
	}
	tc, _, err := decodeStage[ThreadContext](prior, StageThreadContext)
	if err != nil {
		return StageResult{}, err
	}

	decision, reason := decide(a, tc)
	out := CalendarOutcome{Decision: decision, Reason: reason, Summary: meetingSummary(a)}
	if _, addr := mail.ParseAddress(msg.From); addr != "" {
		out.Attendees = []string{addr}
	}

	length := s.opts.MeetingLength
	if a.DurationMinutes > 0 {
		length = time.Duration(a.DurationMinutes) * time.Minute
	}

	switch decision {
	case DecisionCreate:
		start, end := *a.Start, a.Start.Add(length)
		res, err := s.calendar.Create(ctx, providers.Event{
			Summary:   out.Summary,
			Start:     start,
			End:       end,
			TimeZone:  prefs.Timezone,
			Attendees: out.Attendees,
		}, actions.IdempotencyKey(msg.UserID, msg.MessageID))
		if err != nil {
			return StageResult{}, err
		}
		out.EventID, out.Status, out.Start, out.End = res.ExternalID, res.Status, &start, &end
		if err := s.remember(ctx, msg, out.EventID, store.EventActive, start, end); err != nil {
			return StageResult{}, err
		}

	case DecisionUpdate:
		start, end := *a.Start, a.Start.Add(length)
		res, err := s.calendar.Update(ctx, providers.Event{
			ID:       tc.ActiveEventID,
			Summary:  out.Summary,
			Start:    start,
			End:      end,
			TimeZone: prefs.Timezone,
		})
		if err != nil {
			return StageResult{}, err
		}
		out.EventID, out.Status, out.Start, out.End = res.ExternalID, res.Status, &start, &end
		if err := s.remember(ctx, msg, out.EventID, store.EventActive, start, end); err != nil {
			return StageResult{}, err
		}

	case DecisionCancel:
		res, err := s.calendar.Cancel(ctx, tc.ActiveEventID)
		if err != nil {
			return StageResult{}, err
		}
		out.EventID, out.Status = res.ExternalID, res.Status
		if err := s.remember(ctx, msg, out.EventID, store.EventCancelled, time.Time{}, time.Time{}); err != nil {
			return StageResult{}, err
		}

	case DecisionPropose:
		slots, err := s.propose(ctx, prefs, length)
		if err != nil {
			return StageResult{}, err
		}
		out.Proposed = slots
	}

	return newResult(StageCalendarAction, a.Category, out)
}

func (s *CalendarStage) propose(ctx context.Context, prefs store.Preferences, length time.Duration) ([]Slot, error) {
	from := s.now()
	window := providers.Interval{Start: from, End: from.AddDate(0, 0, s.opts.SearchDays+1)}
	busy, err := s.calendar.FreeBusy(ctx, window)
	if err != nil {
		return nil, err
	}
	return proposeSlots(busy, from, slotParams{
		days:     preferredDays(prefs.PreferredDays),
		windows:  preferredWindows(prefs.PreferredTimes),
		length:   length,
		buffer:   time.Duration(prefs.BufferMinutes) * time.Minute,
		horizon:  s.opts.SearchDays,
		max:      s.opts.MaxProposals,
		location: prefsLocation(prefs),
	}), nil
}

func (s *CalendarStage) remember(ctx context.Context, msg mail.NormalizedMessage, eventID, status string, start, end time.Time) error {
	if eventID == "" {
		return nil
	}
	err := s.events.RecordCalendarEvent(ctx, store.CalendarEventRef{
		UserID:    msg.UserID,
		EventID:   eventID,
		ThreadID:  msg.ThreadID,
		MessageID: msg.MessageID,
		Status:    status,
		Start:     start,
		End:       end,
	})
	if err != nil {
		return fmt.Errorf("record calendar event: %w", err)
	}
	return nil
}

func meetingSummary(a Analysis) string {
	if p := a.FirstPerson(); p != "" {
		return "Meeting with " + p
	}
	return "Meeting"
}

// Replier sends a reply message.
type Replier interface {
	Execute(ctx context.Context, a actions.ReplyAction) (actions.ActionResult, error)
}

// ReplyStage answers the sender about the calendar outcome.
type ReplyStage struct {
	replier Replier
}

func NewReplyStage(r Replier) *ReplyStage { return &ReplyStage{replier: r} }

func (s *ReplyStage) Name() string       { return StageReply }
func (s *ReplyStage) Requires() []string { return []string{StageAnalyze} }

func (s *ReplyStage) Applies(c Category, prior []StageResult) bool {
	if c == CategorySchedule {
		return true
	}
	out, ok, err := decodeStage[CalendarOutcome](prior, StageCalendarAction)
	return err == nil && ok && out.Decision != DecisionNone
}

func (s *ReplyStage) Execute(ctx context.Context, msg mail.NormalizedMessage, prior []StageResult, prefs store.Preferences) (StageResult, error) {
	a, ok, err := AnalysisOf(prior)
	if err != nil || !ok {
		return StageResult{}, fmt.Errorf("reply without analysis: %w", errors.Join(err, ErrInvalidAnalysis))
	}
	cal, hasCal, err := decodeStage[CalendarOutcome](prior, StageCalendarAction)
	if err != nil {
		return StageResult{}, err
	}

	_, to := mail.ParseAddress(msg.From)
	name := a.FirstPerson()
	out := ReplyOutcome{
		To:       to,
		Greeting: greeting(name),
		Subject:  actions.ReplySubject(msg.Subject),
	}
	out.Body = composeReply(out.Greeting, cal, hasCal, prefs)

	var from string
	if addrs := mail.AddressList(msg.To); len(addrs) > 0 {
		from = addrs[0]
	}
	res, err := s.replier.Execute(ctx, actions.ReplyAction{
		From:       from,
		To:         to,
		ToName:     name,
		Subject:    msg.Subject,
		Body:       out.Body,
		ThreadID:   msg.ThreadID,
		ReplyToID:  msg.MessageID,
		MessageID:  msg.Header("message-id"),
		References: msg.Header("references"),
	})
	if err != nil {
		return StageResult{}, err
	}
	out.Status, out.ExternalID = res.Status, res.ExternalID
	return newResult(StageReply, a.Category, out)
}
