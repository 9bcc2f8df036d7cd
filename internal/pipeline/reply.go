package pipeline

import (
	"strings"
	"time"

	"github.com/Martian-dev/ai-brain-mailagent/internal/store"
)

const replyTimeLayout = "Monday, January 2 at 3:04 PM MST"

func greeting(name string) string {
	if name == "" {
		return "Hi,"
	}
	return "Hi " + name + ","
}

func closing(prefs store.Preferences) string {
	if strings.EqualFold(prefs.Tone, "casual") || strings.EqualFold(prefs.Tone, "friendly") {
		return "Cheers,"
	}
	return "Best,"
}

// composeReply writes the reply body up to the closing line; the sender
// appends the signature. The only name it uses is the one in greet.
func composeReply(greet string, cal CalendarOutcome, hasCal bool, prefs store.Preferences) string {
	loc := prefsLocation(prefs)
	lines := []string{greet, ""}
	if strings.EqualFold(prefs.Style, "detailed") {
		lines = append(lines, "Thanks for reaching out.", "")
	}

	switch {
	case !hasCal:
		lines = append(lines, "Thanks for your note about meeting. I'll follow up with times shortly.")
	case cal.Decision == DecisionCreate:
		lines = append(lines, "You're all set for "+formatWhen(cal.Start, loc)+". A calendar invitation is on its way.")
	case cal.Decision == DecisionUpdate:
		lines = append(lines, "I've moved our meeting to "+formatWhen(cal.Start, loc)+". The updated invitation is on its way.")
	case cal.Decision == DecisionCancel:
		lines = append(lines, "I've cancelled our meeting and removed it from the calendar.")
	case cal.Decision == DecisionPropose && len(cal.Proposed) == 0:
		lines = append(lines, "I couldn't find an open time in the coming weeks. Could you suggest a few times that work for you?")
	case cal.Decision == DecisionPropose:
		if cal.Reason == reasonAmbiguous {
			lines = append(lines, "Could you confirm the time you have in mind? In the meantime, these times are open:")
		} else {
			lines = append(lines, "Here are a few times that work:")
		}
		for _, s := range cal.Proposed {
			start := s.Start
			lines = append(lines, "- "+formatWhen(&start, loc))
		}
		lines = append(lines, "", "Let me know which one suits you best.")
	default:
		lines = append(lines, "I couldn't find that meeting on the calendar. Could you share the details?")
	}

	lines = append(lines, "", closing(prefs))
	return strings.Join(lines, "\n")
}

func formatWhen(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "the requested time"
	}
	return t.In(loc).Format(replyTimeLayout)
}
