package calendar

import (
	"time"

	"barsync/internal/canonical"
)

// Exchange holidays for 2026 (weekday closures only; weekends are
// handled by the weekday check). Official list published each December.
var holidays2026 = []struct {
	month time.Month
	day   int
}{
	{time.January, 1},   // New Year's Day
	{time.January, 2},   // New Year holiday
	{time.February, 16}, // Spring Festival
	{time.February, 17},
	{time.February, 18},
	{time.February, 19},
	{time.February, 20},
	{time.April, 6},     // Qingming Festival
	{time.May, 1},       // Labor Day
	{time.May, 4},
	{time.May, 5},
	{time.June, 19},     // Dragon Boat Festival
	{time.September, 25}, // Mid-Autumn Festival
	{time.October, 1},   // National Day
	{time.October, 2},
	{time.October, 5},
	{time.October, 6},
	{time.October, 7},
}

var (
	holidaySet   map[string]bool
	holidayYears map[int]bool
)

func init() {
	holidaySet = make(map[string]bool, len(holidays2026))
	holidayYears = map[int]bool{2026: true}
	for _, h := range holidays2026 {
		holidaySet[dateKey(2026, h.month, h.day)] = true
	}
}

// IsHoliday returns true if the exchange-local date is a scheduled
// market closure.
func IsHoliday(t time.Time) bool {
	lt := t.In(canonical.Exchange)
	return holidaySet[dateKey(lt.Year(), lt.Month(), lt.Day())]
}

func hasHolidayData(year int) bool {
	return holidayYears[year]
}

func dateKey(year int, month time.Month, day int) string {
	return time.Date(year, month, day, 0, 0, 0, 0, canonical.Exchange).Format("2006-01-02")
}
