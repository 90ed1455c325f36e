package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - A calendar day, no time of day, always UTC
// =============================================================================

const dateLayout = "2006-01-02"

type Date struct {
	t time.Time
}

// NewDate builds a date. Out-of-range days are normalized by time.Date, so
// callers that need calendar validation use ParseDate or DueDay.In.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates a timestamp to its UTC calendar day.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return NewDate(u.Year(), u.Month(), u.Day())
}

// ParseDate parses YYYY-MM-DD and rejects impossible days such as 2025-02-30.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, &ValidationError{Field: "date", Reason: fmt.Sprintf("expected YYYY-MM-DD, got %q", s)}
	}
	return DateOf(t), nil
}

// MustDate is ParseDate for fixtures.
func MustDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Comparison
func (d Date) Before(other Date) bool        { return d.t.Before(other.t) }
func (d Date) After(other Date) bool         { return d.t.After(other.t) }
func (d Date) Equal(other Date) bool         { return d.t.Equal(other.t) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.Before(other) }

// Arithmetic
func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }

// Properties
func (d Date) Year() int         { return d.t.Year() }
func (d Date) Month() time.Month { return d.t.Month() }
func (d Date) Day() int          { return d.t.Day() }
func (d Date) IsZero() bool      { return d.t.IsZero() }
func (d Date) Time() time.Time   { return d.t }
func (d Date) Period() Period    { return Period{year: d.Year(), month: d.Month()} }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(dateLayout)
}

// =============================================================================
// CALENDAR UTILITIES
// =============================================================================

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func StartOfMonth(year int, month time.Month) Date { return NewDate(year, month, 1) }
func EndOfMonth(year int, month time.Month) Date   { return NewDate(year, month, DaysIn(year, month)) }

// =============================================================================
// CLOCK
// =============================================================================

// Clock is injected wherever "now" matters (overdue guard, paid-at, event
// timestamps) so tests control it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. Set moves it.
type FixedClock struct {
	At time.Time
}

func NewFixedClock(at time.Time) *FixedClock { return &FixedClock{At: at.UTC()} }

func (c *FixedClock) Now() time.Time          { return c.At }
func (c *FixedClock) Set(at time.Time)        { c.At = at.UTC() }
func (c *FixedClock) Advance(d time.Duration) { c.At = c.At.Add(d) }
