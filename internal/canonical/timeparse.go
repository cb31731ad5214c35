package canonical

import (
	"strings"
	"time"
)

// Exchange is the exchange-local zone (UTC+8). Canonical trade times are
// wall-clock instants in this zone.
var Exchange = time.FixedZone("CST", 8*3600)

// Wire formats, in and out.
const (
	layoutCompactDate     = "20060102"
	layoutCompactDateTime = "200601021504"
	layoutISODate         = "2006-01-02"
	layoutISODateTime     = "2006-01-02 15:04:05"
)

// datetime layouts tried in order for dashed inputs
var datetimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseDateTime normalizes any supported datetime encoding into an
// exchange-local instant:
//
//   - 12- or 14-digit compact string "200601021504[05]" (assumed exchange-local)
//   - 10-digit Unix seconds (assumed UTC, converted)
//   - "YYYY-MM-DD[ HH:MM[:SS]]" (missing time defaults to midnight)
//   - 8-digit compact date "20060102"
func ParseDateTime(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, formatErr(raw, "empty datetime")
	}

	if allDigits(s) {
		switch len(s) {
		case 8:
			t, err := time.ParseInLocation(layoutCompactDate, s, Exchange)
			if err != nil {
				return time.Time{}, formatErr(raw, "bad compact date")
			}
			return t, nil
		case 10:
			return fromUnixString(s)
		case 12:
			t, err := time.ParseInLocation(layoutCompactDateTime, s, Exchange)
			if err != nil {
				return time.Time{}, formatErr(raw, "bad compact datetime")
			}
			return t, nil
		case 14:
			t, err := time.ParseInLocation("20060102150405", s, Exchange)
			if err != nil {
				return time.Time{}, formatErr(raw, "bad compact datetime")
			}
			return t, nil
		default:
			return time.Time{}, formatErr(raw, "unrecognized numeric datetime")
		}
	}

	for _, layout := range datetimeLayouts {
		if t, err := time.ParseInLocation(layout, s, Exchange); err == nil {
			return t, nil
		}
	}
	return time.Time{}, formatErr(raw, "unrecognized datetime")
}

// ParseDate normalizes any supported date encoding to midnight
// exchange-local. Datetime inputs keep only the date portion.
func ParseDate(raw string) (time.Time, error) {
	t, err := ParseDateTime(raw)
	if err != nil {
		return time.Time{}, err
	}
	return DateOf(t), nil
}

// FromUnix converts Unix seconds (UTC) to the exchange-local calendar.
func FromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).In(Exchange)
}

// Localize converts any instant to exchange-local wall clock. A time
// already carrying a zone is shifted; this is the boundary where
// upstream UTC timestamps become canonical trade times.
func Localize(t time.Time) time.Time {
	return t.In(Exchange)
}

// DateOf truncates an instant to its exchange-local calendar day.
func DateOf(t time.Time) time.Time {
	lt := t.In(Exchange)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, Exchange)
}

// Compact formats an instant as the 12-digit compact datetime.
func Compact(t time.Time) string {
	return t.In(Exchange).Format(layoutCompactDateTime)
}

// CompactDate formats an instant as the 8-digit compact date.
func CompactDate(t time.Time) string {
	return t.In(Exchange).Format(layoutCompactDate)
}

// ISO formats an instant as "YYYY-MM-DD HH:MM:SS".
func ISO(t time.Time) string {
	return t.In(Exchange).Format(layoutISODateTime)
}

// ISODate formats an instant as "YYYY-MM-DD".
func ISODate(t time.Time) string {
	return t.In(Exchange).Format(layoutISODate)
}

func fromUnixString(s string) (time.Time, error) {
	var sec int64
	for i := 0; i < len(s); i++ {
		sec = sec*10 + int64(s[i]-'0')
	}
	return FromUnix(sec), nil
}
