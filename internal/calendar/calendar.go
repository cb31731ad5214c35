// Package calendar answers "should a job fire now": trading-day checks
// against the exchange holiday table and snapping to the fixed intraday
// checkpoints. A firing outside these gates is silently skipped by the
// scheduler, never treated as a failure.
package calendar

import (
	"time"

	"barsync/internal/canonical"
)

// Session bounds, exchange-local.
const (
	OpenHour    = 9
	OpenMinute  = 30
	CloseHour   = 15
	CloseMinute = 0
)

// Checkpoint is one intraday refresh slot.
type Checkpoint struct {
	Hour   int
	Minute int
}

func (c Checkpoint) String() string {
	return time.Date(0, 1, 1, c.Hour, c.Minute, 0, 0, time.UTC).Format("15:04")
}

// Checkpoints are the intraday slots jobs snap to: mid-morning, the
// lunch break, mid-afternoon and just after close.
var Checkpoints = []Checkpoint{
	{10, 30},
	{11, 30},
	{14, 0},
	{15, 5},
}

// IsWeekday returns true for Mon-Fri exchange-local.
func IsWeekday(t time.Time) bool {
	wd := t.In(canonical.Exchange).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true when t is a weekday that is not a holiday.
// When the holiday table has no data for t's year it falls back to the
// weekday heuristic alone.
func IsTradingDay(t time.Time) bool {
	lt := t.In(canonical.Exchange)
	if !IsWeekday(lt) {
		return false
	}
	if !hasHolidayData(lt.Year()) {
		return true
	}
	return !IsHoliday(lt)
}

// AtCheckpoint reports whether t falls within tolerance after one of
// the intraday checkpoints, and which one. The slot name is stable
// for the whole tolerance window so a ticker firing twice inside it
// resolves to the same slot.
func AtCheckpoint(t time.Time, tolerance time.Duration) (string, bool) {
	lt := t.In(canonical.Exchange)
	for _, cp := range Checkpoints {
		at := time.Date(lt.Year(), lt.Month(), lt.Day(), cp.Hour, cp.Minute, 0, 0, canonical.Exchange)
		if !lt.Before(at) && lt.Sub(at) <= tolerance {
			return canonical.ISODate(lt) + " " + cp.String(), true
		}
	}
	return "", false
}

// AfterClose reports whether t is past the session close.
func AfterClose(t time.Time) bool {
	lt := t.In(canonical.Exchange)
	hm := lt.Hour()*60 + lt.Minute()
	return hm >= CloseHour*60+CloseMinute
}

// SessionOpen reports whether t is inside the trading session,
// ignoring the lunch break.
func SessionOpen(t time.Time) bool {
	lt := t.In(canonical.Exchange)
	hm := lt.Hour()*60 + lt.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}
