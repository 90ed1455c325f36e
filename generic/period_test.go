package generic_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/condo-billing/generic"
)

// =============================================================================
// PERIOD
// =============================================================================

func TestNewPeriod_RejectsMonthOutOfRange(t *testing.T) {
	for _, month := range []int{0, 13, -1} {
		_, err := generic.NewPeriod(2025, month)
		require.Error(t, err, "month %d", month)
		assert.True(t, generic.IsClientError(err))

		var vErr *generic.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "period.month", vErr.Field)
	}
}

func TestParsePeriod(t *testing.T) {
	p, err := generic.ParsePeriod("2025-06")
	require.NoError(t, err)
	assert.Equal(t, 2025, p.Year())
	assert.Equal(t, time.June, p.Month())
	assert.Equal(t, "2025-06", p.String())

	for _, bad := range []string{"2025", "2025-13", "june-2025", "2025-06-01"} {
		_, err := generic.ParsePeriod(bad)
		assert.ErrorIs(t, err, generic.ErrValidation, bad)
	}
}

func TestPeriod_NextAndPreviousWrapYears(t *testing.T) {
	dec := generic.MustPeriod(2025, 12)
	assert.Equal(t, "2026-01", dec.Next().String())
	assert.Equal(t, "2024-12", generic.MustPeriod(2025, 1).Previous().String())
}

func TestPeriod_Bounds(t *testing.T) {
	feb := generic.MustPeriod(2024, 2)
	assert.Equal(t, "2024-02-01", feb.Start().String())
	assert.Equal(t, "2024-02-29", feb.End().String())
	assert.True(t, feb.Contains(generic.MustDate("2024-02-29")))
	assert.False(t, feb.Contains(generic.MustDate("2024-03-01")))
}

// =============================================================================
// DUE DAY
// =============================================================================

func TestNewDueDay_Range(t *testing.T) {
	_, err := generic.NewDueDay(0)
	assert.ErrorIs(t, err, generic.ErrValidation)
	_, err = generic.NewDueDay(32)
	assert.ErrorIs(t, err, generic.ErrValidation)

	d, err := generic.NewDueDay(31)
	require.NoError(t, err)
	assert.Equal(t, generic.DueDay(31), d)
}

func TestDueDay_ClampsToLastDayOfMonth(t *testing.T) {
	// GIVEN: due day 31
	day := generic.MustDueDay(31)

	// THEN: 30-day months clamp, never roll into the next month
	assert.Equal(t, "2025-04-30", day.In(generic.MustPeriod(2025, 4)).String())
	assert.Equal(t, "2025-02-28", day.In(generic.MustPeriod(2025, 2)).String())
	assert.Equal(t, "2024-02-29", day.In(generic.MustPeriod(2024, 2)).String())
	assert.Equal(t, "2025-01-31", day.In(generic.MustPeriod(2025, 1)).String())
}

func TestDueDay_InRangeIsUnchanged(t *testing.T) {
	assert.Equal(t, "2025-06-15", generic.MustDueDay(15).In(generic.MustPeriod(2025, 6)).String())
}

// =============================================================================
// DATE
// =============================================================================

func TestParseDate_RejectsImpossibleDays(t *testing.T) {
	_, err := generic.ParseDate("2025-02-30")
	assert.ErrorIs(t, err, generic.ErrValidation)

	d, err := generic.ParseDate("2025-12-31")
	require.NoError(t, err)
	assert.Equal(t, 31, d.Day())
}

func TestDateOf_TruncatesToUTCDay(t *testing.T) {
	ts := time.Date(2025, 6, 15, 23, 30, 0, 0, time.UTC)
	assert.True(t, generic.DateOf(ts).Equal(generic.MustDate("2025-06-15")))
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrorHelpers(t *testing.T) {
	notFound := &generic.NotFoundError{Kind: "slip", ID: "s-1"}
	assert.True(t, generic.IsNotFound(notFound))
	assert.False(t, generic.IsClientError(notFound))

	invalid := &generic.InvalidTransitionError{SlipID: "s-1", From: "PAID", Transition: "pay"}
	assert.True(t, generic.IsConflict(invalid))
	assert.Contains(t, invalid.Error(), "cannot pay from PAID")

	dup := &generic.DuplicateMaterializationError{ObligationID: "ob-1", Period: generic.MustPeriod(2025, 6), ExistingSlipID: "s-9"}
	assert.True(t, errors.Is(dup, generic.ErrDuplicateMaterialization))
	assert.Contains(t, dup.Error(), "2025-06")
}
