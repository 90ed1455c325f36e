/*
Package generic provides the domain-agnostic value objects of the billing engine.

PURPOSE:
  Everything the obligation engine and the slip state machine share lives
  here: money, calendar dates, billing periods, due days, the clock, domain
  events and the error taxonomy. None of these types performs I/O and none
  of them logs.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A non-negative amount in the smallest currency unit (cents)
  - Identifiers: Type-safe ids for obligations, slips, units and events

DESIGN PRINCIPLES:
  1. Immutability: Value objects are copied, never mutated in place
  2. Precision: Money is integral cents; decimal.Decimal is only used at the
     edges to parse and format human-entered amounts
  3. Validation at construction: an invalid Money, Period or DueDay never
     reaches the engine

USAGE:
  amount, err := generic.ParseMoney("350.00")
  period, err := generic.NewPeriod(2025, 6)
  due := generic.MustDueDay(15).In(period) // 2025-06-15

SEE ALSO:
  - time.go: Date and calendar helpers
  - period.go: Period and DueDay
  - errors.go: Error taxonomy
  - event.go: DomainEvent
*/
package generic

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Integer amount in the smallest currency unit
// =============================================================================

// centsExponent converts between whole units and cents.
const centsExponent = 2

// Money is a non-negative amount of cents.
type Money struct {
	cents int64
}

// NewMoney builds Money from cents. Negative amounts are rejected.
func NewMoney(cents int64) (Money, error) {
	if cents < 0 {
		return Money{}, &ValidationError{Field: "amount", Reason: fmt.Sprintf("must not be negative, got %d", cents)}
	}
	return Money{cents: cents}, nil
}

// MustMoney is NewMoney for constants and tests. It panics on negative input.
func MustMoney(cents int64) Money {
	m, err := NewMoney(cents)
	if err != nil {
		panic(err)
	}
	return m
}

// ParseMoney parses a decimal string such as "350.10" into Money.
// More than two fractional digits is a validation error rather than a
// silent rounding.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, &ValidationError{Field: "amount", Reason: fmt.Sprintf("not a decimal number: %q", s)}
	}
	return MoneyFromDecimal(d)
}

// MoneyFromDecimal converts a decimal amount of whole units into Money.
func MoneyFromDecimal(d decimal.Decimal) (Money, error) {
	scaled := d.Shift(centsExponent)
	if !scaled.Equal(scaled.Truncate(0)) {
		return Money{}, &ValidationError{Field: "amount", Reason: fmt.Sprintf("more than %d decimal places: %s", centsExponent, d)}
	}
	if !decimal.NewFromInt(scaled.IntPart()).Equal(scaled) {
		return Money{}, &ValidationError{Field: "amount", Reason: fmt.Sprintf("out of range: %s", d)}
	}
	return NewMoney(scaled.IntPart())
}

func (m Money) Cents() int64             { return m.cents }
func (m Money) IsZero() bool             { return m.cents == 0 }
func (m Money) Equal(other Money) bool   { return m.cents == other.cents }
func (m Money) Add(other Money) Money    { return Money{cents: m.cents + other.cents} }
func (m Money) Decimal() decimal.Decimal { return decimal.New(m.cents, -centsExponent) }
func (m Money) String() string           { return m.Decimal().StringFixed(centsExponent) }

// MarshalJSON encodes Money as a decimal string ("350.10").
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts a decimal string or a JSON number of whole units.
func (m *Money) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var d decimal.Decimal
		if err := d.UnmarshalJSON(data); err != nil {
			return &ValidationError{Field: "amount", Reason: "expected a decimal string or number"}
		}
		parsed, err := MoneyFromDecimal(d)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	}
	parsed, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ObligationID string
type SlipID string
type UnitID string
type EventID string
