package expiry

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire and storage layout of expiration dates.
const DateLayout = "2006-01-02"

var (
	defaultLoc   = time.UTC
	productYears = map[string]int{"credit": 3, "debit": 5}
)

// SetDefaultExpiryLocation sets the location in which "today" is evaluated (fallback UTC).
func SetDefaultExpiryLocation(loc *time.Location) {
	if loc != nil {
		defaultLoc = loc
	}
}

// SetProductYears replaces the default product→years mapping used by YearsForProduct.
func SetProductYears(m map[string]int) {
	if m == nil {
		return
	}
	productYears = m
}

// YearsForProduct returns validity years for product unless override>0.
func YearsForProduct(product string, override int) int {
	if override > 0 {
		return override
	}
	if y, ok := productYears[strings.ToLower(product)]; ok {
		return y
	}
	return 5
}

// Date truncates t to a calendar date at midnight UTC, keeping t's wall-clock day.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD expiration date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("expiration date must be YYYY-MM-DD: %w", err)
	}
	return t, nil
}

// Default returns the expiration date of a card issued at issue and valid for years:
// the last day of the issue month, years later.
func Default(issue time.Time, years int) time.Time {
	t := issue.In(defaultLoc)
	firstNext := time.Date(t.Year()+years, t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return firstNext.AddDate(0, 0, -1)
}

// CardFace formats an expiration date as MM/YY.
func CardFace(exp time.Time) string {
	return fmt.Sprintf("%02d/%02d", int(exp.Month()), exp.Year()%100)
}

// EndOfDay returns the last instant of exp's calendar date in loc.
func EndOfDay(exp time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = defaultLoc
	}
	y, m, d := exp.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// IsExpired reports whether 'at' is strictly after the end of the expiration date.
func IsExpired(exp, at time.Time) bool {
	end := EndOfDay(exp, defaultLoc)
	return at.In(end.Location()).After(end)
}

// InFuture reports whether exp is a calendar date after today.
func InFuture(exp, now time.Time) bool {
	today := Date(now.In(defaultLoc))
	return Date(exp).After(today)
}

// ReissueDue returns true if 'at' is within [end-windowDays, end] inclusive.
func ReissueDue(exp, at time.Time, windowDays int) bool {
	end := EndOfDay(exp, defaultLoc)
	start := end.AddDate(0, 0, -windowDays)
	at = at.In(end.Location())
	return !at.Before(start) && !at.After(end)
}
