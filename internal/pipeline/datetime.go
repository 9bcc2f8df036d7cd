package pipeline

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DateMention is one date and/or time expression found in message text,
// resolved against the message's receipt time.
type DateMention struct {
	Text    string
	Start   time.Time
	HasDate bool
	HasTime bool

	pos int
}

// Explicit reports whether the mention names both a day and a clock time.
func (m DateMention) Explicit() bool { return m.HasDate && m.HasTime }

const (
	monthNames   = `january|february|march|april|may|june|july|august|september|october|november|december|jan|feb|mar|apr|jun|jul|aug|sept|sep|oct|nov|dec`
	weekdayNames = `monday|tuesday|wednesday|thursday|friday|saturday|sunday|tues|thurs`
	zoneNames    = `PST|PDT|PT|MST|MDT|MT|CST|CDT|CT|EST|EDT|ET|UTC|GMT|BST|CEST|CET|IST`
)

var (
	relativeRe = regexp.MustCompile(`(?i)\b(today|tomorrow|tonight)\b`)
	weekdayRe  = regexp.MustCompile(`(?i)\b(?:(next|this|coming)\s+)?(` + weekdayNames + `)\b(?:,?\s+(?:the\s+)?(\d{1,2})(?:st|nd|rd|th)\b|,?\s+(` + monthNames + `)\.?\s+(\d{1,2})(?:st|nd|rd|th)?\b)?`)
	monthDayRe = regexp.MustCompile(`(?i)\b(` + monthNames + `)\.?\s+(?:the\s+)?(\d{1,2})(?:st|nd|rd|th)?\b(?:,?\s+(\d{4})\b)?`)
	dayMonthRe = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?(` + monthNames + `)\b(?:,?\s+(\d{4})\b)?`)
	ordinalRe  = regexp.MustCompile(`(?i)\bthe\s+(\d{1,2})(?:st|nd|rd|th)\b`)
	isoDateRe  = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	slashRe    = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})(?:/(\d{4}|\d{2}))?\b`)

	clockRe = regexp.MustCompile(`(?i)\b(?:(\d{1,2})(?::([0-5]\d))?\s*([ap])\.?m\b\.?|([01]?\d|2[0-3]):([0-5]\d)|(noon|midday))(?:\s*\(?\b(` + zoneNames + `)\b\)?)?`)

	afterDateRe  = regexp.MustCompile(`(?i)^[\s,]*(?:at|@|from|around|by)?\s*$`)
	beforeDateRe = regexp.MustCompile(`(?i)^[\s,]*(?:on|this|next)?\s*$`)

	durationRe = regexp.MustCompile(`(?i)\bfor\s+(?:(an?|\d{1,3})\s*)(hours?|hrs?|minutes?|mins?)\b`)
	halfHourRe = regexp.MustCompile(`(?i)\bhalf\s+an\s+hour\b`)
)

var zoneOffsets = map[string]int{
	"PST": -8 * 3600, "PDT": -7 * 3600, "PT": -8 * 3600,
	"MST": -7 * 3600, "MDT": -6 * 3600, "MT": -7 * 3600,
	"CST": -6 * 3600, "CDT": -5 * 3600, "CT": -6 * 3600,
	"EST": -5 * 3600, "EDT": -4 * 3600, "ET": -5 * 3600,
	"UTC": 0, "GMT": 0,
	"BST": 3600, "CET": 3600, "CEST": 2 * 3600,
	"IST": 5*3600 + 1800,
}

// Generic abbreviations follow daylight saving through the tz database.
var zoneLocations = map[string]string{
	"PT": "America/Los_Angeles",
	"MT": "America/Denver",
	"CT": "America/Chicago",
	"ET": "America/New_York",
}

func zoneFor(abbr string, fallback *time.Location) *time.Location {
	abbr = strings.ToUpper(abbr)
	if name, ok := zoneLocations[abbr]; ok {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	if off, ok := zoneOffsets[abbr]; ok {
		return time.FixedZone(abbr, off)
	}
	return fallback
}

var monthsByName = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

func monthOf(name string) time.Month {
	name = strings.ToLower(name)
	if len(name) > 3 {
		name = name[:3]
	}
	return monthsByName[name]
}

var weekdaysByName = map[string]time.Weekday{
	"mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday, "thu": time.Thursday,
	"fri": time.Friday, "sat": time.Saturday, "sun": time.Sunday,
}

func weekdayOf(name string) (time.Weekday, bool) {
	name = strings.ToLower(name)
	if len(name) > 3 {
		name = name[:3]
	}
	wd, ok := weekdaysByName[name]
	return wd, ok
}

type civilDate struct {
	year  int
	month time.Month
	day   int
}

func dateOf(t time.Time) civilDate {
	y, m, d := t.Date()
	return civilDate{y, m, d}
}

func (c civilDate) at(hour, min int, loc *time.Location) time.Time {
	return time.Date(c.year, c.month, c.day, hour, min, 0, 0, loc)
}

func validDate(y int, m time.Month, d int) bool {
	if m < time.January || m > time.December || d < 1 {
		return false
	}
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Day() == d
}

type dateSpan struct {
	start, end int
	resolve    func(ref time.Time) (civilDate, bool)
}

type clockSpan struct {
	start, end   int
	hour, minute int
	zone         string
	used         bool
}

// ParseDateTimes finds date and time expressions in text. Relative forms are
// resolved against ref; expressions without an explicit zone use loc.
func ParseDateTimes(text string, ref time.Time, loc *time.Location) []DateMention {
	if loc == nil {
		loc = time.UTC
	}
	dates := findDates(text)
	clocks := findClocks(text)

	var out []DateMention
	for _, d := range dates {
		c := pairClock(text, d, clocks)
		zone := loc
		if c != nil && c.zone != "" {
			zone = zoneFor(c.zone, loc)
		}
		day, ok := d.resolve(ref.In(zone))
		if !ok {
			continue
		}
		m := DateMention{HasDate: true, Start: day.at(0, 0, zone), Text: text[d.start:d.end], pos: d.start}
		if c != nil {
			m.HasTime = true
			m.Start = day.at(c.hour, c.minute, zone)
			m.pos = min(d.start, c.start)
			m.Text = text[m.pos:max(d.end, c.end)]
		}
		out = append(out, m)
	}
	for i := range clocks {
		c := &clocks[i]
		if c.used {
			continue
		}
		zone := zoneFor(c.zone, loc)
		local := ref.In(zone)
		t := dateOf(local).at(c.hour, c.minute, zone)
		if !t.After(local) {
			t = t.AddDate(0, 0, 1)
		}
		out = append(out, DateMention{HasTime: true, Start: t, Text: text[c.start:c.end], pos: c.start})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].pos < out[j].pos })
	return out
}

// ResolveStart picks the single explicit start the mentions agree on. It
// reports ambiguous when dates or times were mentioned but do not settle on
// exactly one moment.
func ResolveStart(mentions []DateMention) (start *time.Time, ambiguous bool) {
	if len(mentions) == 0 {
		return nil, false
	}
	var found *time.Time
	for _, m := range mentions {
		if !m.Explicit() {
			continue
		}
		if found != nil && !found.Equal(m.Start) {
			return nil, true
		}
		t := m.Start
		found = &t
	}
	if found == nil {
		return nil, true
	}
	for _, m := range mentions {
		switch {
		case m.Explicit():
		case m.HasDate && dateOf(m.Start) != dateOf(found.In(m.Start.Location())):
			return nil, true
		case m.HasTime && !m.HasDate:
			local := found.In(m.Start.Location())
			if local.Hour() != m.Start.Hour() || local.Minute() != m.Start.Minute() {
				return nil, true
			}
		}
	}
	return found, false
}

// ParseDuration finds a meeting length such as "for 45 minutes" or
// "for an hour". It returns 0 when none is stated.
func ParseDuration(text string) time.Duration {
	if halfHourRe.MatchString(text) {
		return 30 * time.Minute
	}
	m := durationRe.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n := 1
	if v, err := strconv.Atoi(m[1]); err == nil {
		n = v
	}
	if strings.HasPrefix(strings.ToLower(m[2]), "h") {
		return time.Duration(n) * time.Hour
	}
	return time.Duration(n) * time.Minute
}

func findDates(text string) []dateSpan {
	var spans []dateSpan
	add := func(re *regexp.Regexp, build func(m []string) func(time.Time) (civilDate, bool)) {
		for _, idx := range re.FindAllStringSubmatchIndex(text, -1) {
			m := submatches(text, idx)
			if fn := build(m); fn != nil {
				spans = append(spans, dateSpan{start: idx[0], end: idx[1], resolve: fn})
			}
		}
	}

	add(relativeRe, func(m []string) func(time.Time) (civilDate, bool) {
		offset := 0
		if strings.EqualFold(m[1], "tomorrow") {
			offset = 1
		}
		return func(ref time.Time) (civilDate, bool) { return dateOf(ref.AddDate(0, 0, offset)), true }
	})
	add(weekdayRe, func(m []string) func(time.Time) (civilDate, bool) {
		wd, ok := weekdayOf(m[2])
		if !ok {
			return nil
		}
		modifier := strings.ToLower(m[1])
		switch {
		case m[4] != "":
			month, day := monthOf(m[4]), atoi(m[5])
			return func(ref time.Time) (civilDate, bool) { return nextMonthDay(ref, month, day, 0) }
		case m[3] != "":
			day := atoi(m[3])
			return func(ref time.Time) (civilDate, bool) { return nextWeekdayOfMonth(ref, wd, day) }
		}
		return func(ref time.Time) (civilDate, bool) { return nextWeekday(ref, wd, modifier == "next"), true }
	})
	add(monthDayRe, func(m []string) func(time.Time) (civilDate, bool) {
		month, day, year := monthOf(m[1]), atoi(m[2]), atoi(m[3])
		return func(ref time.Time) (civilDate, bool) { return nextMonthDay(ref, month, day, year) }
	})
	add(dayMonthRe, func(m []string) func(time.Time) (civilDate, bool) {
		day, month, year := atoi(m[1]), monthOf(m[2]), atoi(m[3])
		return func(ref time.Time) (civilDate, bool) { return nextMonthDay(ref, month, day, year) }
	})
	add(ordinalRe, func(m []string) func(time.Time) (civilDate, bool) {
		day := atoi(m[1])
		return func(ref time.Time) (civilDate, bool) { return nextDayOfMonth(ref, day) }
	})
	add(isoDateRe, func(m []string) func(time.Time) (civilDate, bool) {
		y, mo, d := atoi(m[1]), time.Month(atoi(m[2])), atoi(m[3])
		if !validDate(y, mo, d) {
			return nil
		}
		return func(time.Time) (civilDate, bool) { return civilDate{y, mo, d}, true }
	})
	add(slashRe, func(m []string) func(time.Time) (civilDate, bool) {
		mo, d, y := time.Month(atoi(m[1])), atoi(m[2]), atoi(m[3])
		if y > 0 && y < 100 {
			y += 2000
		}
		return func(ref time.Time) (civilDate, bool) { return nextMonthDay(ref, mo, d, y) }
	})

	// Earlier and longer matches win; anything overlapping them is dropped.
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})
	var kept []dateSpan
	lastEnd := -1
	for _, s := range spans {
		if s.start < lastEnd {
			continue
		}
		kept = append(kept, s)
		lastEnd = s.end
	}
	return kept
}

func findClocks(text string) []clockSpan {
	var out []clockSpan
	for _, idx := range clockRe.FindAllStringSubmatchIndex(text, -1) {
		m := submatches(text, idx)
		c := clockSpan{start: idx[0], end: idx[1], zone: strings.ToUpper(m[7])}
		switch {
		case m[6] != "":
			c.hour = 12
		case m[4] != "":
			c.hour, c.minute = atoi(m[4]), atoi(m[5])
		default:
			h := atoi(m[1])
			if h < 1 || h > 12 {
				continue
			}
			c.hour, c.minute = h%12, atoi(m[2])
			if strings.EqualFold(m[3], "p") {
				c.hour += 12
			}
		}
		out = append(out, c)
	}
	return out
}

const maxClockGap = 16

func pairClock(text string, d dateSpan, clocks []clockSpan) *clockSpan {
	for i := range clocks {
		c := &clocks[i]
		if c.used {
			continue
		}
		if c.start >= d.end && c.start-d.end <= maxClockGap && afterDateRe.MatchString(text[d.end:c.start]) {
			c.used = true
			return c
		}
		if c.end <= d.start && d.start-c.end <= maxClockGap && beforeDateRe.MatchString(text[c.end:d.start]) {
			c.used = true
			return c
		}
	}
	return nil
}

func nextWeekday(ref time.Time, wd time.Weekday, next bool) civilDate {
	diff := (int(wd) - int(ref.Weekday()) + 7) % 7
	if next {
		if diff == 0 {
			diff = 7
		}
		// "next Friday" said on a Monday means the Friday of the following week.
		if isoWeekday(ref)+diff <= 7 {
			diff += 7
		}
	}
	return dateOf(ref.AddDate(0, 0, diff))
}

func isoWeekday(t time.Time) int {
	if t.Weekday() == time.Sunday {
		return 7
	}
	return int(t.Weekday())
}

func nextDayOfMonth(ref time.Time, day int) (civilDate, bool) {
	y, m, d := ref.Date()
	for i := 0; i < 13; i++ {
		cy, cm := addMonths(y, m, i)
		if validDate(cy, cm, day) && (i > 0 || day >= d) {
			return civilDate{cy, cm, day}, true
		}
	}
	return civilDate{}, false
}

func nextWeekdayOfMonth(ref time.Time, wd time.Weekday, day int) (civilDate, bool) {
	y, m, d := ref.Date()
	for i := 0; i < 13; i++ {
		cy, cm := addMonths(y, m, i)
		if !validDate(cy, cm, day) || (i == 0 && day < d) {
			continue
		}
		if time.Date(cy, cm, day, 0, 0, 0, 0, time.UTC).Weekday() == wd {
			return civilDate{cy, cm, day}, true
		}
	}
	return nextDayOfMonth(ref, day)
}

func nextMonthDay(ref time.Time, month time.Month, day, year int) (civilDate, bool) {
	if year > 0 {
		if !validDate(year, month, day) {
			return civilDate{}, false
		}
		return civilDate{year, month, day}, true
	}
	today := dateOf(ref)
	for y := today.year; y <= today.year+1; y++ {
		if !validDate(y, month, day) {
			continue
		}
		c := civilDate{y, month, day}
		if y > today.year || month > today.month || (month == today.month && day >= today.day) {
			return c, true
		}
	}
	return civilDate{}, false
}

func addMonths(y int, m time.Month, n int) (int, time.Month) {
	total := int(m) - 1 + n
	return y + total/12, time.Month(total%12 + 1)
}

func submatches(text string, idx []int) []string {
	out := make([]string, len(idx)/2)
	for i := range out {
		if idx[2*i] >= 0 {
			out[i] = text[idx[2*i]:idx[2*i+1]]
		}
	}
	return out
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
