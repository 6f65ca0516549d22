// Package activity holds the vehicle activity log: one record per stay,
// opened on entry and closed exactly once on exit.
package activity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/round-cube/parking-gate/shared"
)

var (
	ErrDuplicateOpenActivity = errors.New("vehicle already has an open activity")
	ErrNoOpenActivity        = errors.New("vehicle has no open activity")
	ErrEntryMismatch         = errors.New("open activity entered at a different time")
	ErrNotFound              = errors.New("activity not found")
	ErrExitPending           = errors.New("exit recorded before its entry, waiting for the entry")
)

type Activity struct {
	ID            string           `json:"id"`
	VehicleNumber string           `json:"vehicle_number"`
	VehicleType   string           `json:"vehicle_type"`
	EntryTime     time.Time        `json:"entry_time"`
	ExitTime      *time.Time       `json:"exit_time,omitempty"`
	Fee           *decimal.Decimal `json:"fee,omitempty"`
	EnteredBy     shared.Operator  `json:"entered_by"`
	ExitedBy      *shared.Operator `json:"exited_by,omitempty"`
}

func (a Activity) IsOpen() bool {
	return a.ExitTime == nil
}

// Entry is the input of Store.Enter.
type Entry struct {
	VehicleNumber string
	VehicleType   string
	Time          time.Time
	Operator      shared.Operator
}

// Departure is the input of Store.Exit. ExpectedEntry, when non-zero, must
// equal the entry time of the open activity.
type Departure struct {
	VehicleNumber string
	Time          time.Time
	ExpectedEntry time.Time
	Operator      shared.Operator
}

// PriceFunc computes the fee of an open activity leaving at exit. It runs
// while the store holds the vehicle's write lock.
type PriceFunc func(a Activity, exit time.Time) (decimal.Decimal, error)

type Store interface {
	Enter(ctx context.Context, e Entry, price PriceFunc) (Activity, error)
	Exit(ctx context.Context, d Departure, price PriceFunc) (Activity, error)
	Open(ctx context.Context, vehicleNumber string) (Activity, error)
	Get(ctx context.Context, id string) (Activity, error)
	List(ctx context.Context) ([]Activity, error)
	ListOpen(ctx context.Context) ([]Activity, error)
}

// NormalizePlate upper-cases the plate and drops spaces so "b 1234 xy" and
// "B1234XY" address the same vehicle.
func NormalizePlate(plate string) string {
	return strings.ToUpper(strings.Join(strings.Fields(plate), ""))
}
