package pipeline

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
)

const slotStep = 30 * time.Minute

// dayWindow is a span of the day in minutes after local midnight.
type dayWindow struct {
	start, end int
}

var defaultWindow = dayWindow{start: 9 * 60, end: 17 * 60}

var namedWindows = map[string]dayWindow{
	"morning":   {start: 9 * 60, end: 12 * 60},
	"afternoon": {start: 13 * 60, end: 17 * 60},
	"evening":   {start: 17 * 60, end: 20 * 60},
}

var prefClockRe = regexp.MustCompile(`(?i)^(\d{1,2})(?::([0-5]\d))?\s*(?:([ap])\.?m\.?)?$`)

type slotParams struct {
	days     map[time.Weekday]bool
	windows  []dayWindow
	length   time.Duration
	buffer   time.Duration
	horizon  int
	max      int
	location *time.Location
}

// preferredDays turns day names ("Monday", "tue", "weekdays") into a set.
// Nothing recognizable means Monday to Friday.
func preferredDays(names []string) map[time.Weekday]bool {
	days := make(map[time.Weekday]bool)
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		switch n {
		case "weekdays":
			for wd := time.Monday; wd <= time.Friday; wd++ {
				days[wd] = true
			}
		case "weekends":
			days[time.Saturday], days[time.Sunday] = true, true
		default:
			if wd, ok := weekdayOf(n); ok {
				days[wd] = true
			}
		}
	}
	if len(days) == 0 {
		for wd := time.Monday; wd <= time.Friday; wd++ {
			days[wd] = true
		}
	}
	return days
}

// preferredWindows parses "09:00-17:00", "9am-12pm, 2pm-5pm" or named parts
// of the day. Nothing recognizable means 09:00 to 17:00.
func preferredWindows(v string) []dayWindow {
	var out []dayWindow
	for _, part := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ';' }) {
		part = strings.ToLower(strings.TrimSpace(part))
		if w, ok := namedWindows[part]; ok {
			out = append(out, w)
			continue
		}
		bounds := strings.SplitN(strings.ReplaceAll(part, " to ", "-"), "-", 2)
		if len(bounds) != 2 {
			continue
		}
		start, ok1 := parsePrefClock(bounds[0])
		end, ok2 := parsePrefClock(bounds[1])
		if ok1 && ok2 && start < end {
			out = append(out, dayWindow{start: start, end: end})
		}
	}
	if len(out) == 0 {
		return []dayWindow{defaultWindow}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

func parsePrefClock(s string) (int, bool) {
	m := prefClockRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, false
	}
	h, mins := atoi(m[1]), atoi(m[2])
	switch strings.ToLower(m[3]) {
	case "a":
		if h < 1 || h > 12 {
			return 0, false
		}
		h %= 12
	case "p":
		if h < 1 || h > 12 {
			return 0, false
		}
		h = h%12 + 12
	default:
		if h > 24 {
			return 0, false
		}
	}
	return h*60 + mins, true
}

// proposeSlots offers at most one free slot per preferred day, earliest
// first, starting no sooner than from. A slot is free when no busy span
// touches it once padded by the buffer on both sides.
func proposeSlots(busy []providers.Interval, from time.Time, p slotParams) []Slot {
	from = from.In(p.location)
	if t := from.Truncate(slotStep); t.Before(from) {
		from = t.Add(slotStep)
	}
	first := dateOf(from)

	var out []Slot
	for d := 0; d < p.horizon && len(out) < p.max; d++ {
		day := dateOf(first.at(0, 0, p.location).AddDate(0, 0, d))
		if !p.days[day.at(0, 0, p.location).Weekday()] {
			continue
		}
		if s, ok := firstFree(busy, from, day, p); ok {
			out = append(out, s)
		}
	}
	return out
}

func firstFree(busy []providers.Interval, from time.Time, day civilDate, p slotParams) (Slot, bool) {
	for _, w := range p.windows {
		limit := day.at(0, w.end, p.location)
		for start := day.at(0, w.start, p.location); !start.Add(p.length).After(limit); start = start.Add(slotStep) {
			if start.Before(from) {
				continue
			}
			end := start.Add(p.length)
			if !overlapsAny(busy, start.Add(-p.buffer), end.Add(p.buffer)) {
				return Slot{Start: start, End: end}, true
			}
		}
	}
	return Slot{}, false
}

func overlapsAny(busy []providers.Interval, start, end time.Time) bool {
	for _, b := range busy {
		if start.Before(b.End) && b.Start.Before(end) {
			return true
		}
	}
	return false
}
