// Package pipeline routes a normalized message through the ordered decision
// stages (analyze, thread context, calendar action, reply) and records every
// stage outcome against the message's processing record.
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Martian-dev/ai-brain-mailagent/internal/store"
)

// StageResult is the stored outcome of one stage.
type StageResult = store.StageResult

// Category is the Analyze classification of a message.
type Category string

const (
	CategorySchedule Category = "schedule"
	CategoryRespond  Category = "respond"
	CategoryIgnore   Category = "ignore"
	CategoryClarify  Category = "clarify"
	CategoryFile     Category = "file"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategorySchedule, CategoryRespond, CategoryIgnore, CategoryClarify, CategoryFile:
		return true
	}
	return false
}

// Terminal reports whether no stage runs after Analyze for this category.
func (c Category) Terminal() bool {
	return c == CategoryIgnore || c == CategoryFile
}

type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
	UrgencyLow    Urgency = "low"
)

// Intent refines scheduling mail.
type Intent string

const (
	IntentBook       Intent = "book"
	IntentReschedule Intent = "reschedule"
	IntentCancel     Intent = "cancel"
	IntentNone       Intent = "none"
)

// Entities are the named things Analyze found in the message.
type Entities struct {
	People        []string `json:"people"`
	Organizations []string `json:"organizations"`
	DatesTimes    []string `json:"dates_times"`
	Locations     []string `json:"locations"`
}

// Analysis is the payload of the analyze stage.
type Analysis struct {
	MessageID       string     `json:"message_id"`
	ThreadID        string     `json:"thread_id"`
	Category        Category   `json:"category"`
	Summary         string     `json:"summary"`
	Urgency         Urgency    `json:"urgency"`
	Entities        Entities   `json:"entities"`
	SuggestedAction string     `json:"suggested_action"`
	Intent          Intent     `json:"intent,omitempty"`
	Start           *time.Time `json:"start,omitempty"`
	DurationMinutes int        `json:"duration_minutes,omitempty"`
}

// FirstPerson is the only name a reply may greet.
func (a Analysis) FirstPerson() string {
	if len(a.Entities.People) == 0 {
		return ""
	}
	return a.Entities.People[0]
}

// ThreadContext is the payload of the thread_context stage: calendar events
// earlier messages in the thread created.
type ThreadContext struct {
	KnownEvents   []store.CalendarEventRef `json:"known_events"`
	ActiveEventID string                   `json:"active_event_id,omitempty"`
}

// Decision is what the calendar stage chose to do.
type Decision string

const (
	DecisionNone    Decision = "none"
	DecisionPropose Decision = "propose"
	DecisionCreate  Decision = "create"
	DecisionUpdate  Decision = "update"
	DecisionCancel  Decision = "cancel"
)

// Slot is a proposed meeting time.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CalendarOutcome is the payload of the calendar_action stage.
type CalendarOutcome struct {
	Decision  Decision   `json:"decision"`
	Reason    string     `json:"reason,omitempty"`
	EventID   string     `json:"event_id,omitempty"`
	Summary   string     `json:"summary,omitempty"`
	Start     *time.Time `json:"start,omitempty"`
	End       *time.Time `json:"end,omitempty"`
	Attendees []string   `json:"attendees,omitempty"`
	Proposed  []Slot     `json:"proposed,omitempty"`
	Status    string     `json:"status,omitempty"`
}

// ReplyOutcome is the payload of the reply stage.
type ReplyOutcome struct {
	To         string `json:"to"`
	Greeting   string `json:"greeting"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	Status     string `json:"status"`
	ExternalID string `json:"external_id,omitempty"`
}

func newResult(stage string, category Category, payload any) (StageResult, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return StageResult{}, fmt.Errorf("encode %s result: %w", stage, err)
	}
	return StageResult{Stage: stage, Category: string(category), Payload: b}, nil
}

// latest returns the last successful result of the named stage.
func latest(results []StageResult, stage string) (StageResult, bool) {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Stage == stage && results[i].Succeeded() {
			return results[i], true
		}
	}
	return StageResult{}, false
}

func decodeStage[T any](results []StageResult, stage string) (T, bool, error) {
	var v T
	r, ok := latest(results, stage)
	if !ok {
		return v, false, nil
	}
	if err := json.Unmarshal(r.Payload, &v); err != nil {
		return v, true, fmt.Errorf("decode %s result: %w", stage, err)
	}
	return v, true, nil
}

// AnalysisOf returns the stored analysis among results.
func AnalysisOf(results []StageResult) (Analysis, bool, error) {
	return decodeStage[Analysis](results, StageAnalyze)
}

// CategoryOf returns the category Analyze assigned, or "" before Analyze ran.
func CategoryOf(results []StageResult) Category {
	r, ok := latest(results, StageAnalyze)
	if !ok {
		return ""
	}
	return Category(r.Category)
}

// Stage names.
const (
	StageAnalyze        = "analyze"
	StageThreadContext  = "thread_context"
	StageCalendarAction = "calendar_action"
	StageReply          = "reply"
)
