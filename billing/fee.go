// Package billing prices parking activities: ceiling-hour fees and the
// per-vehicle-type rate table they are computed from.
package billing

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidDuration    = errors.New("exit time must be after entry time")
	ErrNegativeRate       = errors.New("hourly rate must not be negative")
	ErrUnknownVehicleType = errors.New("unknown vehicle type")
)

// BillableHours is the elapsed time between entry and exit rounded up to the
// next whole hour.
func BillableHours(entry, exit time.Time) (int64, error) {
	elapsed := exit.Sub(entry)
	if elapsed <= 0 {
		return 0, ErrInvalidDuration
	}
	hours := int64(elapsed / time.Hour)
	if elapsed%time.Hour != 0 {
		hours++
	}
	return hours, nil
}

// CalculateFee bills every started hour at hourlyRate.
func CalculateFee(entry, exit time.Time, hourlyRate decimal.Decimal) (decimal.Decimal, error) {
	if hourlyRate.IsNegative() {
		return decimal.Zero, ErrNegativeRate
	}
	hours, err := BillableHours(entry, exit)
	if err != nil {
		return decimal.Zero, err
	}
	return hourlyRate.Mul(decimal.NewFromInt(hours)), nil
}
