package pipeline

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/Martian-dev/ai-brain-mailagent/internal/mail"
	"github.com/Martian-dev/ai-brain-mailagent/internal/store"
)

// Classifier produces the analysis of one message.
type Classifier interface {
	Classify(ctx context.Context, msg mail.NormalizedMessage, prefs store.Preferences) (Analysis, error)
}

var (
	promoWords = []string{
		"celebrate", "sale", "% off", "discount", "coupon", "promo code", "limited time",
		"shop now", "newsletter", "unsubscribe", "special offer", "deal of", "free shipping",
	}
	receiptWords = []string{
		"receipt", "invoice", "order confirmation", "your order", "statement is ready",
		"payment received", "has shipped", "tracking number",
	}
	scheduleWords = []string{
		"book", "schedule", "meeting", "meet", "call", "calendar", "appointment", "find a time",
		"find time", "availability", "available", "reschedule", "cancel", "catch up", "sync up",
	}
	rescheduleWords = []string{"reschedule", "move our", "move the", "push our", "push the", "postpone", "different time", "another time"}
	cancelWords     = []string{"cancel", "call off", "can't make it", "cannot make it", "won't be able to make"}
	requestWords    = []string{"can you", "could you", "would you", "please", "let me know", "any update", "thoughts"}
	urgentWords     = []string{"urgent", "asap", "immediately", "right away", "end of day", "eod"}

	promoLabels   = []string{"CATEGORY_PROMOTIONS", "CATEGORY_SOCIAL"}
	noReplyPrefix = []string{"no-reply", "noreply", "donotreply", "do-not-reply", "mailer-daemon"}

	freeMailDomains = map[string]bool{
		"gmail.com": true, "googlemail.com": true, "outlook.com": true, "hotmail.com": true,
		"live.com": true, "yahoo.com": true, "icloud.com": true, "me.com": true, "aol.com": true,
		"proton.me": true, "protonmail.com": true,
	}

	// "save 20%", "save up to $50", "30% off"
	promoRe        = regexp.MustCompile(`(?i)\bsave\s+(?:up\s+to\s+)?(?:\$\d+|\d+\s*%)|\d+\s*%\s+off\b`)
	locationRe     = regexp.MustCompile(`(?i)\b(?:in|at)\s+((?:room|conference room|office|suite)\s+[\w-]+)`)
	virtualPlaces  = []string{"zoom", "google meet", "microsoft teams", "teams", "phone"}
	sentenceEndRe  = regexp.MustCompile(`[.!?\n]`)
	wordBoundaryRe = map[string]*regexp.Regexp{}
)

func init() {
	for _, w := range scheduleWords {
		wordBoundaryRe[w] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`)
	}
}

// RuleClassifier is the deterministic analyzer. It resolves relative dates
// against the message's receipt time in the user's timezone.
type RuleClassifier struct{}

// Classify implements Classifier.
func (RuleClassifier) Classify(_ context.Context, msg mail.NormalizedMessage, prefs store.Preferences) (Analysis, error) {
	text := msg.Subject + "\n" + msg.Body
	lower := strings.ToLower(text)
	loc := prefsLocation(prefs)

	a := Analysis{
		MessageID: msg.MessageID,
		ThreadID:  msg.ThreadID,
		Summary:   summarize(msg),
		Intent:    IntentNone,
		Entities:  extractEntities(msg, text),
	}

	mentions := ParseDateTimes(text, msg.ReceivedAt, loc)
	for _, m := range mentions {
		a.Entities.DatesTimes = append(a.Entities.DatesTimes, m.Text)
	}

	switch {
	case bulkSender(msg), promotional(lower):
		a.Category = CategoryIgnore
	case containsAny(lower, receiptWords), automatedSender(msg.From):
		a.Category = CategoryFile
	case hasScheduleWord(text):
		a.Intent = intentOf(lower)
		start, ambiguous := ResolveStart(mentions)
		a.Start = start
		a.Category = CategorySchedule
		if ambiguous {
			a.Category = CategoryClarify
		}
		if d := ParseDuration(text); d > 0 {
			a.DurationMinutes = int(d / time.Minute)
		}
	case strings.Contains(msg.Body, "?") || containsAny(lower, requestWords):
		a.Category = CategoryRespond
	default:
		a.Category = CategoryFile
	}

	a.Urgency = urgencyOf(a.Category, lower)
	a.SuggestedAction = suggestedAction(a)
	return a, nil
}

// bulkSender reports provider or header signals of list mail.
func bulkSender(msg mail.NormalizedMessage) bool {
	if msg.Header("list-unsubscribe") != "" || strings.EqualFold(msg.Header("precedence"), "bulk") {
		return true
	}
	for _, l := range promoLabels {
		if msg.HasLabel(l) {
			return true
		}
	}
	return false
}

// promotional reports marketing copy. It outranks scheduling words, which
// marketing mail uses freely ("book now", "available", "meet").
func promotional(lower string) bool {
	return containsAny(lower, promoWords) || promoRe.MatchString(lower)
}

func automatedSender(from string) bool {
	_, addr := mail.ParseAddress(from)
	for _, p := range noReplyPrefix {
		if strings.HasPrefix(addr, p) {
			return true
		}
	}
	return false
}

func hasScheduleWord(text string) bool {
	for _, w := range scheduleWords {
		if wordBoundaryRe[w].MatchString(text) {
			return true
		}
	}
	return false
}

func intentOf(lower string) Intent {
	switch {
	case containsAny(lower, rescheduleWords):
		return IntentReschedule
	case containsAny(lower, cancelWords):
		return IntentCancel
	}
	return IntentBook
}

func urgencyOf(c Category, lower string) Urgency {
	if containsAny(lower, urgentWords) {
		return UrgencyHigh
	}
	switch c {
	case CategorySchedule, CategoryClarify, CategoryRespond:
		return UrgencyMedium
	}
	return UrgencyLow
}

func suggestedAction(a Analysis) string {
	switch a.Category {
	case CategorySchedule:
		switch {
		case a.Intent == IntentCancel:
			return "cancel the calendar event"
		case a.Intent == IntentReschedule:
			return "reschedule the calendar event"
		case a.Start != nil:
			return "create a calendar event"
		}
		return "propose meeting times"
	case CategoryClarify:
		return "ask which time works and propose options"
	case CategoryRespond:
		return "reply to the sender"
	case CategoryIgnore:
		return "no action"
	}
	return "archive"
}

// extractEntities only reports names present in the message itself.
func extractEntities(msg mail.NormalizedMessage, text string) Entities {
	e := Entities{People: []string{}, Organizations: []string{}, DatesTimes: []string{}, Locations: []string{}}

	if name := mail.Participant(msg.From); name != "" {
		e.People = append(e.People, name)
	}
	_, addr := mail.ParseAddress(msg.From)
	if domain := mail.Domain(addr); domain != "" && !freeMailDomains[domain] && !automatedSender(msg.From) {
		label := strings.Split(domain, ".")[0]
		if label != "" {
			e.Organizations = append(e.Organizations, strings.ToUpper(label[:1])+label[1:])
		}
	}

	lower := strings.ToLower(text)
	for _, p := range virtualPlaces {
		if strings.Contains(lower, p) {
			e.Locations = append(e.Locations, p)
			break
		}
	}
	for _, m := range locationRe.FindAllStringSubmatch(text, -1) {
		e.Locations = append(e.Locations, m[1])
	}
	return e
}

func summarize(msg mail.NormalizedMessage) string {
	if s := strings.TrimSpace(msg.Subject); s != "" {
		return s
	}
	body := strings.TrimSpace(msg.Body)
	if loc := sentenceEndRe.FindStringIndex(body); loc != nil {
		body = body[:loc[0]]
	}
	if len(body) > 140 {
		body = body[:140]
	}
	return body
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func prefsLocation(p store.Preferences) *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	if loc, err := time.LoadLocation(p.Timezone); err == nil {
		return loc
	}
	if loc := zoneFor(p.Timezone, nil); loc != nil {
		return loc
	}
	return time.UTC
}
