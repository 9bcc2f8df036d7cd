package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/Martian-dev/ai-brain-mailagent/internal/actions"
	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
	"github.com/Martian-dev/ai-brain-mailagent/internal/store"
)

var allStages = []string{StageAnalyze, StageThreadContext, StageCalendarAction, StageReply}

func TestExplicitBookingScenario(t *testing.T) {
	h := newHarness(t, RuleClassifier{})
	ctx := context.Background()
	msg := testMessage("m1", "alice@example.com", "Dinner", "Please book us for Thursday the 10th at 4:00pm PST")
	msg.RawHeaders["message-id"] = "<m1@example.com>"

	rec, err := h.orch.Process(ctx, msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rec.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", rec.Status, rec.LastError)
	}
	if got := stageNames(rec); !reflect.DeepEqual(got, allStages) {
		t.Fatalf("unexpected stages %v", got)
	}

	a, _, err := AnalysisOf(rec.Results)
	if err != nil || a.Category != CategorySchedule || a.FirstPerson() != "Alice" || len(a.Entities.DatesTimes) == 0 {
		t.Fatalf("unexpected analysis %+v (%v)", a, err)
	}

	cal, _, err := decodeStage[CalendarOutcome](rec.Results, StageCalendarAction)
	if err != nil {
		t.Fatalf("decode calendar outcome: %v", err)
	}
	if cal.Decision != DecisionCreate || cal.EventID != actions.IdempotencyKey("u1", "m1") {
		t.Fatalf("unexpected calendar outcome %+v", cal)
	}
	if !reflect.DeepEqual(cal.Attendees, []string{"alice@example.com"}) {
		t.Fatalf("unexpected attendees %v", cal.Attendees)
	}
	if h.calendar.creates != 1 {
		t.Fatalf("expected one create, got %d", h.calendar.creates)
	}

	if h.mailbox.sentCount() != 1 {
		t.Fatalf("expected one reply, got %d", h.mailbox.sentCount())
	}
	sent := h.mailbox.sent[0]
	if !strings.HasPrefix(sent.Body, "Hi Alice,") || !strings.HasSuffix(sent.Body, "Best,\n"+testSignature) {
		t.Fatalf("unexpected reply body %q", sent.Body)
	}
	if sent.ThreadID != "thread-m1" || !strings.Contains(string(sent.Raw), "In-Reply-To: <m1@example.com>") {
		t.Fatalf("reply not threaded: %+v", sent)
	}

	refs, err := h.store.ThreadEvents(ctx, "u1", "thread-m1")
	if err != nil || len(refs) != 1 || refs[0].EventID != cal.EventID {
		t.Fatalf("event not recorded: %+v (%v)", refs, err)
	}

	again, err := h.orch.Process(ctx, msg)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.Status != store.StatusCompleted || len(again.Results) != len(rec.Results) {
		t.Fatalf("replay changed the record: %+v", again)
	}
	if h.calendar.creates != 1 || h.mailbox.sentCount() != 1 {
		t.Fatalf("replay ran actions again: creates=%d sent=%d", h.calendar.creates, h.mailbox.sentCount())
	}
}

func TestPromotionalScenarioSkips(t *testing.T) {
	h := newHarness(t, RuleClassifier{})
	msg := testMessage("p1", "Deals <deals@shop.example>", "Celebrate Father's Day", "Treat dad to something special. Save 20% on gifts.")

	rec, err := h.orch.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rec.Status != store.StatusSkipped {
		t.Fatalf("expected skipped, got %s", rec.Status)
	}
	if got := stageNames(rec); !reflect.DeepEqual(got, []string{StageAnalyze}) {
		t.Fatalf("expected only analyze, got %v", got)
	}
	if h.calendar.creates+h.calendar.queries+h.calendar.deletes != 0 || h.mailbox.sentCount() != 0 {
		t.Fatal("actions invoked for a skipped message")
	}
}

func TestPromotionalBodiesSendNothing(t *testing.T) {
	h := newHarness(t, RuleClassifier{})
	bodies := []string{
		"Free shipping available on every order.",
		"Book your weekend getaway today and save 20%.",
		"Gifts to meet every budget. Shop now!",
	}
	for i, body := range bodies {
		msg := testMessage(fmt.Sprintf("promo-%d", i), "Deals <deals@shop.example>", "Celebrate Father's Day", body)
		rec, err := h.orch.Process(context.Background(), msg)
		if err != nil {
			t.Fatalf("Process(%q): %v", body, err)
		}
		if rec.Status != store.StatusSkipped {
			t.Fatalf("%q: expected skipped, got %s", body, rec.Status)
		}
	}
	if h.calendar.queries != 0 || h.mailbox.sentCount() != 0 {
		t.Fatalf("promotional mail reached actions: freebusy=%d replies=%d", h.calendar.queries, h.mailbox.sentCount())
	}
}

func TestShortCircuitForFiledMessages(t *testing.T) {
	h := newHarness(t, fixedClassifier{Analysis{Category: CategoryFile, Urgency: UrgencyLow, Intent: IntentBook, Entities: Entities{People: []string{"Alice"}}}})
	rec, err := h.orch.Process(context.Background(), testMessage("f1", "alice@example.com", "Invoice", "Please book this."))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rec.Status != store.StatusSkipped || len(rec.Results) != 1 {
		t.Fatalf("expected skipped after analyze, got %s %v", rec.Status, stageNames(rec))
	}
	if h.mailbox.sentCount() != 0 || h.calendar.creates != 0 {
		t.Fatal("actions invoked for a filed message")
	}
}

func TestReplyUsesOnlyAnalyzedNames(t *testing.T) {
	h := newHarness(t, fixedClassifier{Analysis{
		Category: CategorySchedule,
		Summary:  "catch up",
		Urgency:  UrgencyMedium,
		Intent:   IntentBook,
		Entities: Entities{People: []string{"Alice"}},
	}})
	msg := testMessage("n1", "Bob Stone <bob@example.com>", "Catch up", "Hi, Bob here. Can we find a time?")

	rec, err := h.orch.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	cal, _, _ := decodeStage[CalendarOutcome](rec.Results, StageCalendarAction)
	if cal.Decision != DecisionPropose || len(cal.Proposed) == 0 {
		t.Fatalf("expected proposals, got %+v", cal)
	}
	reply, _, _ := decodeStage[ReplyOutcome](rec.Results, StageReply)
	for _, text := range []string{reply.Body, reply.Greeting, cal.Summary, h.mailbox.sent[0].Body} {
		if strings.Contains(text, "Bob") || strings.Contains(text, "Stone") {
			t.Fatalf("output references a name outside the analysis: %q", text)
		}
	}
	if !strings.Contains(reply.Body, "Alice") {
		t.Fatalf("reply does not greet Alice: %q", reply.Body)
	}
}

func TestFailedRecordResumesAfterLastSuccessfulStage(t *testing.T) {
	h := newHarness(t, RuleClassifier{})
	ctx := context.Background()
	// outlasts the stage-level retries
	unavailable := providers.Classify("send", http.StatusServiceUnavailable, false, errors.New("unavailable"))
	h.mailbox.fails = []error{unavailable, unavailable, unavailable}
	msg := testMessage("r1", "alice@example.com", "Dinner", "Please book us for Thursday the 10th at 4:00pm PST")

	rec, err := h.orch.Process(ctx, msg)
	var sf *StageFailure
	if !errors.As(err, &sf) || sf.Stage != StageReply {
		t.Fatalf("expected reply stage failure, got %v", err)
	}
	if rec.Status != store.StatusFailed || rec.Attempts != 1 {
		t.Fatalf("expected failed after one attempt, got %s/%d", rec.Status, rec.Attempts)
	}
	last := rec.Results[len(rec.Results)-1]
	if last.Stage != StageReply || last.Succeeded() {
		t.Fatalf("failure not appended: %+v", last)
	}

	rec, err = h.orch.Process(ctx, msg)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if rec.Status != store.StatusCompleted || rec.Attempts != 2 {
		t.Fatalf("expected completed on second attempt, got %s/%d", rec.Status, rec.Attempts)
	}
	want := append(append([]string{}, allStages...), StageReply)
	if got := stageNames(rec); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected stages %v", got)
	}
	if h.calendar.creates != 1 || h.mailbox.sentCount() != 1 {
		t.Fatalf("resume repeated actions: creates=%d sent=%d", h.calendar.creates, h.mailbox.sentCount())
	}
}

func TestTerminalStageFailureIsNotReoffered(t *testing.T) {
	h := newHarness(t, RuleClassifier{})
	ctx := context.Background()
	h.mailbox.fails = []error{providers.Classify("send", http.StatusBadRequest, false, errors.New("bad request"))}
	msg := testMessage("b1", "alice@example.com", "Dinner", "Please book us for Thursday the 10th at 4:00pm PST")

	rec, err := h.orch.Process(ctx, msg)
	var sf *StageFailure
	if !errors.As(err, &sf) || sf.Stage != StageReply || sf.Retryable() {
		t.Fatalf("expected terminal reply failure, got %v", err)
	}
	if rec.Status != store.StatusFailed || rec.Attempts != 3 {
		t.Fatalf("expected failed with attempts used up, got %s/%d", rec.Status, rec.Attempts)
	}

	seen, err := h.store.SeenMessages(ctx, "u1", []string{"b1"}, 3)
	if err != nil {
		t.Fatalf("SeenMessages: %v", err)
	}
	if !seen["b1"] {
		t.Fatalf("terminally failed message would be offered again")
	}
	if _, err := h.orch.Process(ctx, msg); !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("second Process = %v, want ErrNotClaimed", err)
	}
	if h.calendar.creates != 1 || h.mailbox.sentCount() != 0 {
		t.Fatalf("unexpected actions: creates=%d sent=%d", h.calendar.creates, h.mailbox.sentCount())
	}
}

func TestTransientStageErrorIsRetried(t *testing.T) {
	h := newHarness(t, RuleClassifier{})
	h.mailbox.fails = []error{providers.Classify("send", http.StatusServiceUnavailable, false, errors.New("unavailable"))}

	rec, err := h.orch.Process(context.Background(), testMessage("t1", "alice@example.com", "Dinner", "Please book us for Thursday the 10th at 4:00pm PST"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rec.Status != store.StatusCompleted || !reflect.DeepEqual(stageNames(rec), allStages) {
		t.Fatalf("unexpected record %s %v", rec.Status, stageNames(rec))
	}
	if h.mailbox.sentCount() != 1 {
		t.Fatalf("expected one reply, got %d", h.mailbox.sentCount())
	}
}

func TestCancelUsesKnownThreadEvent(t *testing.T) {
	h := newHarness(t, RuleClassifier{})
	ctx := context.Background()
	start := time.Date(2025, 7, 3, 15, 0, 0, 0, time.UTC)
	h.calendar.events["evt-1"] = providers.Event{ID: "evt-1", Start: start, End: start.Add(30 * time.Minute)}
	if err := h.store.RecordCalendarEvent(ctx, store.CalendarEventRef{
		UserID: "u1", EventID: "evt-1", ThreadID: "thread-c1", MessageID: "earlier",
		Status: store.EventActive, Start: start, End: start.Add(30 * time.Minute),
	}); err != nil {
		t.Fatalf("RecordCalendarEvent: %v", err)
	}

	rec, err := h.orch.Process(ctx, testMessage("c1", "bob@example.com", "Our meeting", "Sorry, I need to cancel our meeting."))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	cal, _, _ := decodeStage[CalendarOutcome](rec.Results, StageCalendarAction)
	if cal.Decision != DecisionCancel || cal.Status != actions.StatusCancelled || cal.EventID != "evt-1" {
		t.Fatalf("unexpected outcome %+v", cal)
	}
	if _, ok := h.calendar.events["evt-1"]; ok {
		t.Fatal("event not deleted")
	}
	refs, _ := h.store.ThreadEvents(ctx, "u1", "thread-c1")
	if len(refs) != 1 || refs[0].Status != store.EventCancelled {
		t.Fatalf("event ref not cancelled: %+v", refs)
	}
	if !strings.Contains(h.mailbox.sent[0].Body, "cancelled") {
		t.Fatalf("reply does not confirm cancellation: %q", h.mailbox.sent[0].Body)
	}
}

func TestCancelWithoutKnownEventGuessesNothing(t *testing.T) {
	h := newHarness(t, RuleClassifier{})
	rec, err := h.orch.Process(context.Background(), testMessage("c2", "bob@example.com", "Our meeting", "Sorry, I need to cancel our meeting."))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	cal, _, _ := decodeStage[CalendarOutcome](rec.Results, StageCalendarAction)
	if cal.Decision != DecisionNone || cal.EventID != "" {
		t.Fatalf("expected no decision, got %+v", cal)
	}
	if h.calendar.deletes != 0 {
		t.Fatal("cancel called without a known event")
	}
}

func TestRescheduleUpdatesKnownEvent(t *testing.T) {
	h := newHarness(t, RuleClassifier{})
	ctx := context.Background()
	old := time.Date(2025, 7, 3, 15, 0, 0, 0, time.UTC)
	h.calendar.events["evt-9"] = providers.Event{ID: "evt-9", Start: old, End: old.Add(30 * time.Minute)}
	if err := h.store.RecordCalendarEvent(ctx, store.CalendarEventRef{
		UserID: "u1", EventID: "evt-9", ThreadID: "thread-u1", MessageID: "earlier", Status: store.EventActive,
	}); err != nil {
		t.Fatalf("RecordCalendarEvent: %v", err)
	}

	rec, err := h.orch.Process(ctx, testMessage("u1", "bob@example.com", "Our meeting", "Can we reschedule to Friday the 11th at 2pm?"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	cal, _, _ := decodeStage[CalendarOutcome](rec.Results, StageCalendarAction)
	want := time.Date(2025, 7, 11, 14, 0, 0, 0, time.UTC)
	if cal.Decision != DecisionUpdate || cal.EventID != "evt-9" {
		t.Fatalf("unexpected outcome %+v", cal)
	}
	if got := h.calendar.events["evt-9"].Start; !got.Equal(want) {
		t.Fatalf("event start %v, want %v", got, want)
	}
	if h.calendar.creates != 0 {
		t.Fatal("reschedule created a new event")
	}
}

func TestNewRejectsStagesOutOfOrder(t *testing.T) {
	cal := NewCalendarStage(nil, nil, CalendarOptions{})
	if _, err := New(nil, nil, []Stage{NewAnalyzeStage(RuleClassifier{}), cal}, Options{}, nil); err == nil {
		t.Fatal("expected error for missing thread_context before calendar_action")
	}
	if _, err := New(nil, nil, []Stage{NewThreadContextStage(nil)}, Options{}, nil); err == nil {
		t.Fatal("expected error when analyze is not first")
	}
}
