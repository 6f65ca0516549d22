package billing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nine = time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

func TestCalculateFee(t *testing.T) {
	rate := decimal.NewFromInt(5000)
	tests := []struct {
		name string
		exit time.Time
		want int64
	}{
		{"one minute bills a full hour", nine.Add(time.Minute), 5000},
		{"exactly two hours", nine.Add(2 * time.Hour), 10000},
		{"two hours and a second", nine.Add(2*time.Hour + time.Second), 15000},
		{"one nanosecond", nine.Add(time.Nanosecond), 5000},
		{"a full day", nine.Add(24 * time.Hour), 120000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fee, err := CalculateFee(nine, tt.exit, rate)
			require.NoError(t, err)
			assert.True(t, fee.Equal(decimal.NewFromInt(tt.want)), "got %s", fee)
		})
	}
}

func TestCalculateFeeRejectsNonPositiveDuration(t *testing.T) {
	rate := decimal.NewFromInt(5000)

	_, err := CalculateFee(nine, nine, rate)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	_, err = CalculateFee(nine, nine.Add(-time.Second), rate)
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func TestCalculateFeeRejectsNegativeRate(t *testing.T) {
	_, err := CalculateFee(nine, nine.Add(time.Hour), decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, ErrNegativeRate)
}

func TestCalculateFeeMatchesCeilingHours(t *testing.T) {
	rate := decimal.RequireFromString("1250.50")
	for minutes := 1; minutes <= 600; minutes += 7 {
		exit := nine.Add(time.Duration(minutes) * time.Minute)
		fee, err := CalculateFee(nine, exit, rate)
		require.NoError(t, err)

		hours := int64((minutes + 59) / 60)
		assert.True(t, fee.Equal(rate.Mul(decimal.NewFromInt(hours))), "minutes=%d fee=%s", minutes, fee)
		assert.False(t, fee.IsNegative())
	}
}

func TestBillableHoursAcrossZones(t *testing.T) {
	entry := time.Date(2024, 5, 6, 16, 0, 0, 0, time.FixedZone("WIB", 7*3600))
	exit := time.Date(2024, 5, 6, 10, 30, 0, 0, time.UTC)

	hours, err := BillableHours(entry, exit)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hours)
}
