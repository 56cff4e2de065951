package intent

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

var (
	dueRe = regexp.MustCompile(`(?i)\bby\s+(eod|end of day|tomorrow|next week|monday|tuesday|wednesday|thursday|friday|saturday|sunday|\d{4}-\d{1,2}-\d{1,2}|\w+\s+\d{1,2}(?:st|nd|rd|th)?(?:,\s*\d{4})?)\b`)
	isoRe = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})$`)
	mdyRe = regexp.MustCompile(`^(\w+)\s+(\d{1,2})(?:st|nd|rd|th)?(?:,\s*(\d{4}))?$`)
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// dueDate finds a "by <when>" phrase in s and resolves it against now. It
// returns "" when there is no phrase and [DueUnclear] when the phrase does
// not name a calendar date.
func dueDate(s string, now time.Time) string {
	m := dueRe.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	d, ok := resolveDate(strings.ToLower(m[1]), now)
	if !ok {
		return DueUnclear
	}
	return d.Format(dateLayout)
}

func resolveDate(phrase string, now time.Time) (time.Time, bool) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch phrase {
	case "eod", "end of day":
		return today, true
	case "tomorrow":
		return today.AddDate(0, 0, 1), true
	case "next week":
		return today.AddDate(0, 0, 7), true
	}
	if wd, ok := weekdays[phrase]; ok {
		ahead := (int(wd) - int(today.Weekday()) + 7) % 7
		if ahead == 0 {
			ahead = 7
		}
		return today.AddDate(0, 0, ahead), true
	}
	if m := isoRe.FindStringSubmatch(phrase); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		return calendarDate(y, time.Month(mo), d, now.Location())
	}
	if m := mdyRe.FindStringSubmatch(phrase); m != nil {
		mo, ok := parseMonth(m[1])
		if !ok {
			return time.Time{}, false
		}
		d, _ := strconv.Atoi(m[2])
		if m[3] != "" {
			y, _ := strconv.Atoi(m[3])
			return calendarDate(y, mo, d, now.Location())
		}
		t, ok := calendarDate(today.Year(), mo, d, now.Location())
		if ok && t.Before(today) {
			t, ok = calendarDate(today.Year()+1, mo, d, now.Location())
		}
		return t, ok
	}
	return time.Time{}, false
}

// calendarDate builds a date and rejects values that time.Date would
// normalise, such as February 30.
func calendarDate(y int, mo time.Month, d int, loc *time.Location) (time.Time, bool) {
	t := time.Date(y, mo, d, 0, 0, 0, 0, loc)
	if t.Year() != y || t.Month() != mo || t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

func parseMonth(name string) (time.Month, bool) {
	name = strings.ToLower(name)
	if len(name) < 3 {
		return 0, false
	}
	for m := time.January; m <= time.December; m++ {
		full := strings.ToLower(m.String())
		if name == full || name == full[:3] || (name == "sept" && m == time.September) {
			return m, true
		}
	}
	return 0, false
}
