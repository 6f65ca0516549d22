// Package occupancy derives lot occupancy from the activity log. The log is
// the only source of truth; there is no separately maintained counter.
package occupancy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/round-cube/parking-gate/activity"
)

// ErrDuplicateOpenActivity is reported when a plate holds more than one open
// stay. It is the same value the store returns on a rejected entry.
var ErrDuplicateOpenActivity = activity.ErrDuplicateOpenActivity

type DuplicateOpenError struct {
	Plates []string
}

func (e *DuplicateOpenError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDuplicateOpenActivity, strings.Join(e.Plates, ", "))
}

func (e *DuplicateOpenError) Unwrap() error {
	return ErrDuplicateOpenActivity
}

type stayKey struct {
	plate string
	entry int64
}

// openStays groups records by plate and entry time. A stay is open iff none
// of its records carries an exit time.
func openStays(activities []activity.Activity) []activity.Activity {
	closed := make(map[stayKey]bool, len(activities))
	first := make(map[stayKey]activity.Activity, len(activities))
	var order []stayKey

	for _, a := range activities {
		if a.EntryTime.IsZero() {
			continue
		}
		k := stayKey{activity.NormalizePlate(a.VehicleNumber), a.EntryTime.UnixNano()}
		if _, seen := first[k]; !seen {
			first[k] = a
			order = append(order, k)
		}
		if !a.IsOpen() {
			closed[k] = true
		}
	}

	open := make([]activity.Activity, 0, len(order))
	for _, k := range order {
		if !closed[k] {
			open = append(open, first[k])
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		return open[i].EntryTime.Before(open[j].EntryTime)
	})
	return open
}

func duplicates(open []activity.Activity) error {
	perPlate := make(map[string]int, len(open))
	var plates []string
	for _, a := range open {
		plate := activity.NormalizePlate(a.VehicleNumber)
		perPlate[plate]++
		if perPlate[plate] == 2 {
			plates = append(plates, plate)
		}
	}
	if len(plates) == 0 {
		return nil
	}
	sort.Strings(plates)
	return &DuplicateOpenError{Plates: plates}
}

// Occupied counts open stays. When a plate has more than one open stay the
// count still includes each of them and a *DuplicateOpenError is returned.
func Occupied(activities []activity.Activity) (int, error) {
	open := openStays(activities)
	return len(open), duplicates(open)
}

// Available is capacity minus occupied, floored at zero.
func Available(activities []activity.Activity, capacity int) (int, error) {
	occupied, err := Occupied(activities)
	return available(capacity, occupied), err
}

func available(capacity, occupied int) int {
	if free := capacity - occupied; free > 0 {
		return free
	}
	return 0
}

type Snapshot struct {
	Capacity  int                 `json:"capacity"`
	Occupied  int                 `json:"occupied"`
	Available int                 `json:"available"`
	Open      []activity.Activity `json:"open"`
	TakenAt   time.Time           `json:"taken_at"`
}

// TakeSnapshot summarises the log at now.
func TakeSnapshot(activities []activity.Activity, capacity int, now time.Time) (Snapshot, error) {
	open := openStays(activities)
	return Snapshot{
		Capacity:  capacity,
		Occupied:  len(open),
		Available: available(capacity, len(open)),
		Open:      open,
		TakenAt:   now.UTC(),
	}, duplicates(open)
}
