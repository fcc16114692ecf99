package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Interval is the repeat period of a recurring task.
type Interval string

const (
	Daily   Interval = "daily"
	Weekly  Interval = "weekly"
	Monthly Interval = "monthly"
	Yearly  Interval = "yearly"
)

// MaxSteps bounds the catch-up loop of Advance.
const MaxSteps = 10000

// weekdayLookahead is how many single days the weekly branch scans for a
// matching weekday before giving up on the current step.
const weekdayLookahead = 14

var (
	ErrNoDueDate = errors.New("recurrence: rule has no due date")
	ErrStepLimit = fmt.Errorf("recurrence: no future occurrence within %d steps", MaxSteps)
)

// Rule is the recurrence part of a task.
type Rule struct {
	Interval Interval
	// WeekDays is only meaningful for Weekly. Empty means "every 7 days".
	WeekDays []time.Weekday
	// DayOfMonth is only meaningful for Monthly. Zero means unset.
	DayOfMonth int
	DueDate    time.Time
	EndDate    *time.Time
}

// Outcome tells the caller what to do with a completed recurring task.
type Outcome int

const (
	Rescheduled Outcome = iota
	Terminal
)

func (o Outcome) String() string {
	switch o {
	case Rescheduled:
		return "rescheduled"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Result of Advance. Next is set for both outcomes; for Terminal it is the
// first occurrence past the end date.
type Result struct {
	Outcome Outcome
	Next    time.Time
	Steps   int
	// Fallback is set when the interval was not recognized and daily stepping
	// was used instead.
	Fallback bool
}

// Advance steps rule.DueDate forward until it is strictly after now and
// decides whether that occurrence is still inside the rule's end date.
// A due date that is already in the future is returned unchanged.
func Advance(rule Rule, now time.Time) (Result, error) {
	if rule.DueDate.IsZero() {
		return Result{}, ErrNoDueDate
	}

	res := Result{Next: rule.DueDate}
	step, known := stepper(rule)
	res.Fallback = !known

	for !res.Next.After(now) {
		if res.Steps >= MaxSteps {
			return res, ErrStepLimit
		}
		res.Next = step(res.Next)
		res.Steps++
	}

	if rule.EndDate != nil && afterDay(res.Next, *rule.EndDate) {
		res.Outcome = Terminal
		return res, nil
	}
	res.Outcome = Rescheduled
	return res, nil
}

func stepper(rule Rule) (func(time.Time) time.Time, bool) {
	switch rule.Interval {
	case Daily:
		return addDays(1), true
	case Weekly:
		if len(rule.WeekDays) == 0 {
			return addDays(7), true
		}
		var set [7]bool
		for _, d := range rule.WeekDays {
			if d >= time.Sunday && d <= time.Saturday {
				set[d] = true
			}
		}
		return func(t time.Time) time.Time {
			for i := 0; i < weekdayLookahead; i++ {
				t = t.AddDate(0, 0, 1)
				if set[t.Weekday()] {
					return t
				}
			}
			return t.AddDate(0, 0, 1)
		}, true
	case Monthly:
		return func(t time.Time) time.Time {
			// Both the month increment and the day pin keep Go's native
			// overflow: Jan 31 + 1 month is Mar 3, day 31 of a 30-day month
			// is the 1st of the next one.
			t = t.AddDate(0, 1, 0)
			if rule.DayOfMonth > 0 {
				y, m, _ := t.Date()
				t = time.Date(y, m, rule.DayOfMonth, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
			}
			return t
		}, true
	case Yearly:
		return func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }, true
	default:
		return addDays(1), false
	}
}

func addDays(n int) func(time.Time) time.Time {
	return func(t time.Time) time.Time { return t.AddDate(0, 0, n) }
}

// afterDay reports whether the calendar day of t is after the calendar day of
// end, both read in t's location.
func afterDay(t, end time.Time) bool {
	end = end.In(t.Location())
	ty, tm, td := t.Date()
	ey, em, ed := end.Date()
	return time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC).After(time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC))
}

// ParseInterval normalizes a stored interval string. Unknown values are
// returned as-is so Advance can flag them.
func ParseInterval(raw string) Interval {
	return Interval(strings.ToLower(strings.TrimSpace(raw)))
}

// Valid reports whether i is one of the four supported intervals.
func (i Interval) Valid() bool {
	switch i {
	case Daily, Weekly, Monthly, Yearly:
		return true
	}
	return false
}

// ParseWeekDays parses the "1,3,5" storage form (0 = Sunday). Blank input
// yields an empty set.
func ParseWeekDays(raw string) ([]time.Weekday, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	seen := make(map[time.Weekday]bool)
	var days []time.Weekday
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("invalid weekday %q, expected 0-6", part)
		}
		d := time.Weekday(n)
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	return days, nil
}

// FormatWeekDays is the inverse of ParseWeekDays.
func FormatWeekDays(days []time.Weekday) string {
	parts := make([]string, 0, len(days))
	for _, d := range days {
		parts = append(parts, strconv.Itoa(int(d)))
	}
	return strings.Join(parts, ",")
}
