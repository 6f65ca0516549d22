package shared

import (
	"time"

	"github.com/google/uuid"
)

// Operator identifies who registered a gate event. It travels with every
// event instead of living in process-wide state.
type Operator struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Entrance struct {
	VehiclePlate  string   `json:"vehicle_plate"`
	VehicleType   string   `json:"vehicle_type"`
	EntryDateTime string   `json:"entry_date_time"`
	EventId       string   `json:"event_id"`
	Operator      Operator `json:"operator"`
	Ts            string   `json:"ts"`
}

// Exit closes the open activity of VehiclePlate. EntryDateTime is optional;
// when set the recorder only closes an activity that entered at that time.
type Exit struct {
	VehiclePlate  string   `json:"vehicle_plate"`
	ExitDateTime  string   `json:"exit_date_time"`
	EntryDateTime string   `json:"entry_date_time,omitempty"`
	EventId       string   `json:"event_id"`
	Operator      Operator `json:"operator"`
	Ts            string   `json:"ts"`
}

const (
	EntrancePrefix = "ETR:"
	ExitPrefix     = "EXT:"
)

// NewEventId returns a time-ordered event id with the given prefix.
func NewEventId(prefix string) (string, error) {
	v7, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return prefix + v7.String(), nil
}

func FormatTs(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTs parses an RFC3339 timestamp, accepting fractional seconds.
func ParseTs(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
