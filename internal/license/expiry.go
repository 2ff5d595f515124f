package license

import (
	"fmt"
	"time"
)

// The two expiry encodings accepted on read. Writes always use
// DateTimeLayout for license keys and DateLayout for access keys.
const (
	DateTimeLayout = "2006-01-02 15:04:05"
	DateLayout     = "2006-01-02"
)

// DefaultExpiryDays is the grace window assigned to a license key the
// first time a connect request observes it without an expiry.
const DefaultExpiryDays = 12

// ExpiryStatus is the verdict of the expiry evaluator.
type ExpiryStatus int

const (
	// ExpiryUnset means the record carries no expiry stamp.
	ExpiryUnset ExpiryStatus = iota
	// ExpiryValid means the stamp parses and lies in the future.
	ExpiryValid
	// ExpiryExpired means the stamp parses and lies in the past.
	ExpiryExpired
)

// String implements fmt.Stringer for log output.
func (s ExpiryStatus) String() string {
	switch s {
	case ExpiryUnset:
		return "unset"
	case ExpiryValid:
		return "valid"
	case ExpiryExpired:
		return "expired"
	default:
		return fmt.Sprintf("ExpiryStatus(%d)", int(s))
	}
}

// ParseExpiry parses an expiry stamp, trying the date-time encoding
// first and falling back to date-only. A stamp that matches neither is
// a format error, distinct from "expired".
func ParseExpiry(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(DateTimeLayout, s, time.Local); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(DateLayout, s, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedExpiry, s)
}

// EvaluateExpiry computes the validity of an expiry stamp against now.
// Comparisons are at second granularity; a stamp equal to now is still
// valid. An empty stamp yields ExpiryUnset and no error.
func EvaluateExpiry(s string, now time.Time) (ExpiryStatus, error) {
	if s == "" {
		return ExpiryUnset, nil
	}
	t, err := ParseExpiry(s)
	if err != nil {
		return ExpiryExpired, err
	}
	if t.Before(now.Truncate(time.Second)) {
		return ExpiryExpired, nil
	}
	return ExpiryValid, nil
}

// DefaultExpiry returns the stamp assigned to a license key connected
// for the first time with no expiry: now plus twelve days, clamped to
// 23:59:59 of that calendar day.
func DefaultExpiry(now time.Time) string {
	return endOfDay(now.AddDate(0, 0, DefaultExpiryDays)).Format(DateTimeLayout)
}

// IssueExpiry computes the expiry stamp for a newly issued license
// key. Whole-day durations expire at end of day; hour-granularity
// durations expire at the exact instant.
func IssueExpiry(now time.Time, d time.Duration) string {
	exp := now.Add(d)
	if d >= 24*time.Hour && d%(24*time.Hour) == 0 {
		exp = endOfDay(exp)
	}
	return exp.Format(DateTimeLayout)
}

// IssueAccessExpiry computes the date-only expiry stamp for a newly
// issued access key.
func IssueAccessExpiry(now time.Time, d time.Duration) string {
	return now.Add(d).Format(DateLayout)
}

// ExtendExpiry adds days to an existing stamp, preserving its
// encoding. An unset stamp extends from now, written date-time.
func ExtendExpiry(current string, days int, now time.Time) (string, error) {
	if current == "" {
		return now.AddDate(0, 0, days).Format(DateTimeLayout), nil
	}
	t, err := ParseExpiry(current)
	if err != nil {
		return "", err
	}
	layout := DateTimeLayout
	if len(current) == len(DateLayout) {
		layout = DateLayout
	}
	return t.AddDate(0, 0, days).Format(layout), nil
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}
