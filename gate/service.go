// Package gate ties the activity log, the rate table and the occupancy
// counter together behind the entry and exit operations the gates call.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/round-cube/parking-gate/activity"
	"github.com/round-cube/parking-gate/billing"
	"github.com/round-cube/parking-gate/occupancy"
	"github.com/round-cube/parking-gate/report"
	"github.com/round-cube/parking-gate/shared"
)

var (
	ErrLotFull      = errors.New("parking lot is full")
	ErrInvalidEvent = errors.New("invalid gate event")
)

type Config struct {
	Capacity int
	Archive  Archiver
	Metrics  *Metrics
	// Now defaults to time.Now and stands in for missing event timestamps.
	Now func() time.Time
}

type Service struct {
	store    activity.Store
	rates    *billing.RateTable
	capacity int
	archive  Archiver
	metrics  *Metrics
	now      func() time.Time
}

func NewService(store activity.Store, rates *billing.RateTable, cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:    store,
		rates:    rates,
		capacity: cfg.Capacity,
		archive:  cfg.Archive,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
}

func (s *Service) Capacity() int {
	return s.capacity
}

func (s *Service) eventTime(raw string) (time.Time, error) {
	if raw == "" {
		return s.now().UTC(), nil
	}
	t, err := shared.ParseTs(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrInvalidEvent, raw)
	}
	return t, nil
}

// Enter opens an activity for the vehicle. Unknown vehicle types are
// rejected here rather than at exit so that every open activity can be
// priced.
func (s *Service) Enter(ctx context.Context, e shared.Entrance) (activity.Activity, error) {
	if activity.NormalizePlate(e.VehiclePlate) == "" {
		return activity.Activity{}, fmt.Errorf("%w: vehicle plate is required", ErrInvalidEvent)
	}
	entryTime, err := s.eventTime(e.EntryDateTime)
	if err != nil {
		return activity.Activity{}, err
	}
	if _, err := s.rates.Resolve(e.VehicleType); err != nil {
		return activity.Activity{}, err
	}

	if open, err := s.store.Open(ctx, e.VehiclePlate); err == nil {
		return activity.Activity{}, fmt.Errorf("%s: %w", open.VehicleNumber, activity.ErrDuplicateOpenActivity)
	} else if !errors.Is(err, activity.ErrNoOpenActivity) {
		return activity.Activity{}, err
	}

	snap, err := s.Status(ctx)
	if err != nil && !errors.Is(err, occupancy.ErrDuplicateOpenActivity) {
		return activity.Activity{}, err
	}
	if snap.Available == 0 {
		return activity.Activity{}, ErrLotFull
	}

	a, err := s.store.Enter(ctx, activity.Entry{
		VehicleNumber: e.VehiclePlate,
		VehicleType:   e.VehicleType,
		Time:          entryTime,
		Operator:      e.Operator,
	}, s.price)
	if err != nil {
		return activity.Activity{}, err
	}

	log.WithFields(log.Fields{
		"activity_id":    a.ID,
		"vehicle_number": a.VehicleNumber,
		"vehicle_type":   a.VehicleType,
		"entry_time":     shared.FormatTs(a.EntryTime),
		"operator":       a.EnteredBy.ID,
	}).Info("vehicle entered")
	if !a.IsOpen() {
		s.closed(ctx, a)
	}
	s.refreshOccupancy(ctx)
	return a, nil
}

// Exit closes the open activity of the vehicle and charges its fee.
func (s *Service) Exit(ctx context.Context, e shared.Exit) (activity.Activity, error) {
	if activity.NormalizePlate(e.VehiclePlate) == "" {
		return activity.Activity{}, fmt.Errorf("%w: vehicle plate is required", ErrInvalidEvent)
	}
	exitTime, err := s.eventTime(e.ExitDateTime)
	if err != nil {
		return activity.Activity{}, err
	}
	var expected time.Time
	if e.EntryDateTime != "" {
		if expected, err = shared.ParseTs(e.EntryDateTime); err != nil {
			return activity.Activity{}, fmt.Errorf("%w: bad entry timestamp %q", ErrInvalidEvent, e.EntryDateTime)
		}
	}

	a, err := s.store.Exit(ctx, activity.Departure{
		VehicleNumber: e.VehiclePlate,
		Time:          exitTime,
		ExpectedEntry: expected,
		Operator:      e.Operator,
	}, s.price)
	if errors.Is(err, activity.ErrExitPending) {
		log.WithFields(log.Fields{
			"vehicle_number": activity.NormalizePlate(e.VehiclePlate),
			"entry_time":     e.EntryDateTime,
			"exit_time":      shared.FormatTs(exitTime),
		}).Info("exit arrived before its entry, parked")
		return activity.Activity{}, err
	}
	if err != nil {
		return activity.Activity{}, err
	}

	s.closed(ctx, a)
	s.refreshOccupancy(ctx)
	return a, nil
}

// closed records revenue and archives an activity that just got its exit.
func (s *Service) closed(ctx context.Context, a activity.Activity) {
	log.WithFields(log.Fields{
		"activity_id":    a.ID,
		"vehicle_number": a.VehicleNumber,
		"exit_time":      shared.FormatTs(*a.ExitTime),
		"fee":            a.Fee.String(),
		"operator":       a.ExitedBy.ID,
	}).Info("vehicle exited")

	if s.metrics != nil {
		s.metrics.Revenue.WithLabelValues(a.VehicleType).Add(a.Fee.InexactFloat64())
	}
	if s.archive != nil {
		if err := s.archive.Archive(ctx, a); err != nil {
			// The activity is already closed; redelivering the exit would only fail.
			log.Errorf("failed to archive activity %s: %s", a.ID, err)
		}
	}
}

func (s *Service) price(a activity.Activity, exit time.Time) (decimal.Decimal, error) {
	return s.rates.Quote(a.VehicleType, a.EntryTime, exit)
}

// Status returns the occupancy snapshot, taken from the open activity
// records. A *occupancy.DuplicateOpenError is returned together with a valid
// snapshot when more than one open activity exists for a plate.
func (s *Service) Status(ctx context.Context) (occupancy.Snapshot, error) {
	activities, err := s.store.ListOpen(ctx)
	if err != nil {
		return occupancy.Snapshot{}, err
	}
	return occupancy.TakeSnapshot(activities, s.capacity, s.now())
}

func (s *Service) refreshOccupancy(ctx context.Context) {
	snap, err := s.Status(ctx)
	if err != nil {
		if !errors.Is(err, occupancy.ErrDuplicateOpenActivity) {
			log.Warnf("failed to refresh occupancy: %s", err)
			return
		}
		log.Error(err)
	}
	if s.metrics != nil {
		s.metrics.OccupiedSpots.Set(float64(snap.Occupied))
		s.metrics.AvailableSpots.Set(float64(snap.Available))
	}
}

func (s *Service) OpenActivity(ctx context.Context, plate string) (activity.Activity, error) {
	return s.store.Open(ctx, plate)
}

type Quote struct {
	Activity    activity.Activity `json:"activity"`
	At          time.Time         `json:"at"`
	BilledHours int64             `json:"billed_hours"`
	Rate        decimal.Decimal   `json:"rate"`
	Fee         decimal.Decimal   `json:"fee"`
}

// Quote prices the open activity of plate as if it left at `at`, without
// closing it.
func (s *Service) Quote(ctx context.Context, plate string, at time.Time) (Quote, error) {
	a, err := s.store.Open(ctx, plate)
	if err != nil {
		return Quote{}, err
	}
	rate, err := s.rates.Resolve(a.VehicleType)
	if err != nil {
		return Quote{}, err
	}
	hours, err := billing.BillableHours(a.EntryTime, at)
	if err != nil {
		return Quote{}, err
	}
	fee, err := billing.CalculateFee(a.EntryTime, at, rate)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Activity: a, At: at.UTC(), BilledHours: hours, Rate: rate, Fee: fee}, nil
}

func (s *Service) Report(ctx context.Context, from, to time.Time) (report.Summary, error) {
	activities, err := s.store.List(ctx)
	if err != nil {
		return report.Summary{}, err
	}
	return report.Summarize(activities, from, to)
}
