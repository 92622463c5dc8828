package evidence

import (
	"strings"
	"time"
)

var dueLayouts = []string{"2006-01-02", time.RFC3339, "January 2, 2006", "Jan 2, 2006", "January 2", "Jan 2"}

// ResolveDue turns a due phrase into a concrete date relative to now:
// "tomorrow" is one day ahead, "next week" seven days, and "end of week" the
// coming Friday (a week ahead when now is a Friday). Anything else is parsed
// as a date; dates without a year take now's year. Unparseable phrases
// return nil.
func ResolveDue(phrase string, now time.Time) *time.Time {
	p := strings.ToLower(strings.TrimSpace(phrase))
	if p == "" {
		return nil
	}
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var due time.Time
	switch p {
	case "today":
		due = day
	case "tomorrow":
		due = day.AddDate(0, 0, 1)
	case "next week":
		due = day.AddDate(0, 0, 7)
	case "end of week", "end of the week", "this week":
		ahead := (int(time.Friday) - int(day.Weekday()) + 7) % 7
		if ahead == 0 {
			ahead = 7
		}
		due = day.AddDate(0, 0, ahead)
	default:
		t, ok := parseDue(strings.TrimSpace(phrase), now)
		if !ok {
			return nil
		}
		due = t
	}
	return &due
}

func parseDue(s string, now time.Time) (time.Time, bool) {
	for _, layout := range dueLayouts {
		t, err := time.ParseInLocation(layout, s, now.Location())
		if err != nil {
			continue
		}
		if !strings.Contains(layout, "2006") {
			t = time.Date(now.Year(), t.Month(), t.Day(), 0, 0, 0, 0, now.Location())
		}
		return t, true
	}
	return time.Time{}, false
}
