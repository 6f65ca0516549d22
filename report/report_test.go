package report

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/round-cube/parking-gate/activity"
)

var nine = time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

func closed(plate, vehicleType string, entry time.Time, stay time.Duration, fee int64) activity.Activity {
	exit := entry.Add(stay)
	f := decimal.NewFromInt(fee)
	return activity.Activity{VehicleNumber: plate, VehicleType: vehicleType, EntryTime: entry, ExitTime: &exit, Fee: &f}
}

func TestSummarize(t *testing.T) {
	log := []activity.Activity{
		closed("A1", "car", nine, 90*time.Minute, 10000),
		closed("B2", "Motorcycle", nine, 30*time.Minute, 2000),
		closed("C3", "car", nine.AddDate(0, 0, 1), time.Hour, 5000),
		closed("D4", "car", nine.AddDate(0, 0, 5), time.Hour, 5000),
		{VehicleNumber: "E5", VehicleType: "car", EntryTime: nine},
	}

	s, err := Summarize(log, nine, nine.AddDate(0, 0, 2))
	require.NoError(t, err)

	assert.Equal(t, 3, s.Total.Activities)
	assert.Equal(t, int64(4), s.Total.BilledHours)
	assert.Equal(t, "17000", s.Total.Revenue.String())

	require.Len(t, s.ByType, 2)
	assert.Equal(t, "car", s.ByType[0].Key)
	assert.Equal(t, 2, s.ByType[0].Activities)
	assert.Equal(t, "15000", s.ByType[0].Revenue.String())
	assert.Equal(t, "motorcycle", s.ByType[1].Key)

	require.Len(t, s.ByDay, 2)
	assert.Equal(t, "2024-05-06", s.ByDay[0].Key)
	assert.Equal(t, "12000", s.ByDay[0].Revenue.String())
	assert.Equal(t, "2024-05-07", s.ByDay[1].Key)
}

func TestSummarizeRangeIsHalfOpen(t *testing.T) {
	log := []activity.Activity{closed("A1", "car", nine, time.Hour, 5000)}

	s, err := Summarize(log, nine, nine.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, s.Total.Activities)

	s, err = Summarize(log, nine.Add(time.Hour), nine.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Total.Activities)
}

func TestSummarizeRejectsEmptyRange(t *testing.T) {
	_, err := Summarize(nil, nine, nine)
	assert.ErrorIs(t, err, ErrInvalidRange)
}
