// Package schedule holds the calendar math for weekly slot booking: weekday
// parsing, target-date computation, discovery windows, and the moment a
// booking window opens.
package schedule

import (
	"fmt"
	"strings"
	"time"
)

var weekdays = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
}

// ParseWeekday parses a full English day name, case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown day name %q", s)
	}
	return wd, nil
}

// NextWeekday returns the next occurrence of target strictly after from's
// date. If from already falls on target, the result is one week out: booking
// for "monday" on a Monday means next Monday, today's class is either long
// booked or long gone.
func NextWeekday(from time.Time, target time.Weekday) time.Time {
	ahead := (int(target) - int(from.Weekday()) + 7) % 7
	if ahead == 0 {
		ahead = 7
	}
	y, m, d := from.Date()
	return time.Date(y, m, d+ahead, 0, 0, 0, 0, from.Location())
}

// DayWindow returns the discovery range for a date: 00:00:00 through 22:00:00
// gym-local. The platform's calendar feed wants both bounds and no class
// starts later than that.
func DayWindow(date time.Time) (start, end time.Time) {
	y, m, d := date.Date()
	start = time.Date(y, m, d, 0, 0, 0, 0, date.Location())
	end = time.Date(y, m, d, 22, 0, 0, 0, date.Location())
	return start, end
}

// OpensAt returns when the booking window for a slot opens: the platform
// publishes a day seven days ahead, one minute after the slot's own start
// time, gym-local.
func OpensAt(target time.Time, tod TimeOfDay) time.Time {
	y, m, d := target.Date()
	return time.Date(y, m, d-7, tod.Hour, tod.Min+1, tod.Sec, 0, target.Location())
}

// OffsetMinutes returns the timezone offset the platform's calendar endpoint
// expects: minutes between UTC and local time with the sign convention of
// JavaScript's Date.getTimezoneOffset (UTC+1 is -60).
func OffsetMinutes(t time.Time) int {
	_, secs := t.Zone()
	return -secs / 60
}

// TimeOfDay is a wall-clock time with second precision.
type TimeOfDay struct {
	Hour, Min, Sec int
}

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	layout := "15:04:05"
	if len(s) == 5 {
		layout = "15:04"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time %q (want HH:MM or HH:MM:SS): %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Min: t.Minute(), Sec: t.Second()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Min, t.Sec)
}

// On places the time of day on the given date, in the date's location.
func (t TimeOfDay) On(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, t.Hour, t.Min, t.Sec, 0, date.Location())
}

// DateKey formats a date as YYYY-MM-DD, the key format used by the ledger.
func DateKey(t time.Time) string { return t.Format("2006-01-02") }
