package generic

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// PERIOD - The billing cycle a slip belongs to
// =============================================================================

// Period is a (year, month) pair. It is the unit the obligation engine is
// queried with and the key the materialization ledger deduplicates on.
//
// Examples:
//   - 2025-06: June 2025, days 2025-06-01 .. 2025-06-30
//   - 2024-02: February 2024, days 2024-02-01 .. 2024-02-29
type Period struct {
	year  int
	month time.Month
}

const (
	minPeriodYear = 1
	maxPeriodYear = 9999
)

// NewPeriod validates and builds a period.
func NewPeriod(year, month int) (Period, error) {
	if month < 1 || month > 12 {
		return Period{}, &ValidationError{Field: "period.month", Reason: fmt.Sprintf("must be in [1, 12], got %d", month)}
	}
	if year < minPeriodYear || year > maxPeriodYear {
		return Period{}, &ValidationError{Field: "period.year", Reason: fmt.Sprintf("must be in [%d, %d], got %d", minPeriodYear, maxPeriodYear, year)}
	}
	return Period{year: year, month: time.Month(month)}, nil
}

// MustPeriod is NewPeriod for fixtures.
func MustPeriod(year, month int) Period {
	p, err := NewPeriod(year, month)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePeriod parses "YYYY-MM".
func ParsePeriod(s string) (Period, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return Period{}, &ValidationError{Field: "period", Reason: fmt.Sprintf("expected YYYY-MM, got %q", s)}
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return Period{}, &ValidationError{Field: "period.year", Reason: fmt.Sprintf("not a number: %q", parts[0])}
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil {
		return Period{}, &ValidationError{Field: "period.month", Reason: fmt.Sprintf("not a number: %q", parts[1])}
	}
	return NewPeriod(year, month)
}

// PeriodOf returns the period containing t (UTC).
func PeriodOf(t time.Time) Period {
	return DateOf(t).Period()
}

func (p Period) Year() int           { return p.year }
func (p Period) Month() time.Month   { return p.month }
func (p Period) IsZero() bool        { return p.year == 0 }
func (p Period) Start() Date         { return StartOfMonth(p.year, p.month) }
func (p Period) End() Date           { return EndOfMonth(p.year, p.month) }
func (p Period) Equal(o Period) bool { return p.year == o.year && p.month == o.month }

// Contains returns true if the date is within [Start, End].
func (p Period) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start()) && d.BeforeOrEqual(p.End())
}

// Next returns the following month.
func (p Period) Next() Period {
	if p.month == time.December {
		return Period{year: p.year + 1, month: time.January}
	}
	return Period{year: p.year, month: p.month + 1}
}

// Previous returns the preceding month.
func (p Period) Previous() Period {
	if p.month == time.January {
		return Period{year: p.year - 1, month: time.December}
	}
	return Period{year: p.year, month: p.month - 1}
}

// String returns "YYYY-MM".
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.year, int(p.month))
}

// =============================================================================
// DUE DAY - Day of month an obligation falls due
// =============================================================================

type DueDay int

// NewDueDay validates a due day in [1, 31].
func NewDueDay(day int) (DueDay, error) {
	if day < 1 || day > 31 {
		return 0, &ValidationError{Field: "due_day", Reason: fmt.Sprintf("must be in [1, 31], got %d", day)}
	}
	return DueDay(day), nil
}

// MustDueDay is NewDueDay for fixtures.
func MustDueDay(day int) DueDay {
	d, err := NewDueDay(day)
	if err != nil {
		panic(err)
	}
	return d
}

// In returns the concrete due date inside the period. A due day past the
// end of the month is clamped to the month's last day: 31 in April is
// 2025-04-30, never 2025-05-01.
func (d DueDay) In(p Period) Date {
	day := int(d)
	if last := DaysIn(p.year, p.month); day > last {
		day = last
	}
	return NewDate(p.year, p.month, day)
}
