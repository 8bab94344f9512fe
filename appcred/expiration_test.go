package appcred

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func TestValidateExpiration_Absent(t *testing.T) {
	for _, raw := range []any{nil, "", "   ", time.Time{}, (*time.Time)(nil)} {
		got, err := ValidateExpiration(raw, fixedNow)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

func TestValidateExpiration_Layouts(t *testing.T) {
	want := time.Date(2027, 1, 2, 3, 4, 5, 0, time.UTC)

	inputs := []string{
		"2027-01-02T03:04:05Z",
		"2027-01-02T03:04:05+00:00",
		"2027-01-02T05:04:05+02:00",
		"2027-01-02T03:04:05",
		"2027-01-02 03:04:05",
		"2027-01-02 03:04:05+00:00",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			got, err := ValidateExpiration(in, fixedNow)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, want.Equal(*got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestValidateExpiration_FractionalSecondsKeepMicroseconds(t *testing.T) {
	got, err := ValidateExpiration("2027-01-02 03:04:05.123456789", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 123456000, got.Nanosecond())
}

func TestValidateExpiration_DateOnly(t *testing.T) {
	got, err := ValidateExpiration("2027-06-01", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC), *got)
}

func TestValidateExpiration_Unparsable(t *testing.T) {
	for _, raw := range []any{"next tuesday", "2027-13-01T00:00:00Z", "tomorrow", 12345, true} {
		_, err := ValidateExpiration(raw, fixedNow)
		assert.ErrorIs(t, err, ErrInvalidExpirationFormat, "%v", raw)
	}
}

func TestValidateExpiration_Past(t *testing.T) {
	past := fixedNow.Add(-time.Hour)

	_, err := ValidateExpiration(past, fixedNow)
	assert.ErrorIs(t, err, ErrExpirationInPast)

	_, err = ValidateExpiration(past.Format(time.RFC3339), fixedNow)
	assert.ErrorIs(t, err, ErrExpirationInPast)
}

func TestValidateExpiration_NowIsNotFuture(t *testing.T) {
	_, err := ValidateExpiration(fixedNow, fixedNow)
	assert.ErrorIs(t, err, ErrExpirationInPast)

	got, err := ValidateExpiration(fixedNow.Add(time.Second), fixedNow)
	require.NoError(t, err)
	assert.True(t, got.After(fixedNow))
}

func TestValidateExpiration_StructuredPointer(t *testing.T) {
	future := fixedNow.Add(24 * time.Hour).In(time.FixedZone("X", 3600))
	got, err := ValidateExpiration(&future, fixedNow)
	require.NoError(t, err)
	assert.True(t, future.Equal(*got))
	assert.Equal(t, time.UTC, got.Location())
}
