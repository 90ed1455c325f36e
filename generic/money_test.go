package generic_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/condo-billing/generic"
)

func TestNewMoney_RejectsNegative(t *testing.T) {
	_, err := generic.NewMoney(-1)
	assert.ErrorIs(t, err, generic.ErrValidation)

	m, err := generic.NewMoney(0)
	require.NoError(t, err)
	assert.True(t, m.IsZero())
}

func TestParseMoney(t *testing.T) {
	m, err := generic.ParseMoney("350.10")
	require.NoError(t, err)
	assert.Equal(t, int64(35010), m.Cents())
	assert.Equal(t, "350.10", m.String())

	m, err = generic.ParseMoney("12")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), m.Cents())
}

func TestParseMoney_Rejects(t *testing.T) {
	for _, bad := range []string{"abc", "-1.00", "10.005", "100000000000000000000", "1e30"} {
		_, err := generic.ParseMoney(bad)
		assert.ErrorIs(t, err, generic.ErrValidation, bad)
	}
}

func TestParseMoney_OutOfRange(t *testing.T) {
	// GIVEN amounts whose cents do not fit in an int64
	for _, big := range []string{"100000000000000000000", "1e30", "92233720368547758.08"} {
		// WHEN parsed
		_, err := generic.ParseMoney(big)

		// THEN they are rejected as out of range, never wrapped around
		var ve *generic.ValidationError
		require.ErrorAs(t, err, &ve, big)
		assert.Equal(t, "amount", ve.Field)
		assert.Contains(t, ve.Reason, "out of range", big)
	}

	// The largest representable amount still parses exactly.
	m, err := generic.ParseMoney("92233720368547758.07")
	require.NoError(t, err)
	assert.Equal(t, int64(9223372036854775807), m.Cents())

	var fromJSON generic.Money
	assert.ErrorIs(t, json.Unmarshal([]byte(`1e30`), &fromJSON), generic.ErrValidation)
}

func TestMoney_JSON(t *testing.T) {
	data, err := json.Marshal(generic.MustMoney(1999))
	require.NoError(t, err)
	assert.JSONEq(t, `"19.99"`, string(data))

	var fromString, fromNumber generic.Money
	require.NoError(t, json.Unmarshal([]byte(`"19.99"`), &fromString))
	require.NoError(t, json.Unmarshal([]byte(`19.99`), &fromNumber))
	assert.True(t, fromString.Equal(fromNumber))

	var negative generic.Money
	assert.Error(t, json.Unmarshal([]byte(`"-3"`), &negative))
}
