package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	log "github.com/sirupsen/logrus"

	"github.com/round-cube/parking-gate/shared"
)

const (
	letters = "ABCDEFHIJKLMNOPQRVXYZ"
	digits  = "0123456789"
)

type Settings struct {
	RMQURL            string
	QueueName         string
	FixturePath       string
	ParkingSecondsMin int
	ParkingSecondsMax int
	MatchRate         float64
	Operator          shared.Operator
}

func main() {
	shared.InitLog()
	settings, err := loadSettings()
	shared.PanicOnError(err, "failed to read settings")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rmq, err := shared.NewRMQueue(ctx, settings.RMQURL, settings.QueueName)
	shared.PanicOnError(err, "failed to connect to RMQ")
	defer rmq.Close()

	entrances, err := readEntrances(settings.FixturePath)
	shared.PanicOnError(err, "failed to read fixture")

	processEntrances(ctx, settings, rmq, entrances)
}

func loadSettings() (Settings, error) {
	var s Settings
	var err error

	s.RMQURL, err = shared.GetEnv("RMQ_URL")
	if err != nil {
		return s, err
	}
	s.FixturePath, err = shared.GetEnv("FIXTURE_PATH")
	if err != nil {
		return s, err
	}
	s.QueueName = shared.GetEnvDefault("QUEUE_NAME", "exits")
	s.ParkingSecondsMin = shared.GetEnvInt("PARKING_SECONDS_MIN", 600)
	s.ParkingSecondsMax = shared.GetEnvInt("PARKING_SECONDS_MAX", 36000)
	if s.ParkingSecondsMin <= 0 || s.ParkingSecondsMax <= s.ParkingSecondsMin {
		return s, fmt.Errorf("PARKING_SECONDS_MIN must be positive and below PARKING_SECONDS_MAX")
	}
	s.MatchRate, err = shared.GetEnvRatio("MATCH_RATE", 0.8)
	if err != nil {
		return s, err
	}
	s.Operator = shared.Operator{
		ID:   shared.GetEnvDefault("OPERATOR_ID", "exit-gate"),
		Name: shared.GetEnvDefault("OPERATOR_NAME", ""),
	}
	return s, nil
}

func readEntrances(path string) ([]shared.Entrance, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entrances []shared.Entrance
	if err := json.Unmarshal(bytes, &entrances); err != nil {
		return nil, err
	}
	return entrances, nil
}

// processEntrances publishes one exit per fixture entrance, then a share of
// exits for plates that never entered so the recorder's reject path sees
// traffic.
func processEntrances(ctx context.Context, s Settings, rmq *shared.RMQueue, entrances []shared.Entrance) {
	seen := make(map[string]bool)
	for _, entrance := range entrances {
		seen[entrance.VehiclePlate] = true
		pushExit(ctx, s, rmq, entrance)
	}
	unmatched := int(float64(len(entrances)) * (1 - s.MatchRate))
	for i := 0; i < unmatched; i++ {
		entrance := shared.Entrance{
			VehiclePlate:  getVehiclePlate(seen),
			EntryDateTime: shared.FormatTs(time.Now()),
		}
		seen[entrance.VehiclePlate] = true
		pushExit(ctx, s, rmq, entrance)
	}
}

func pushExit(ctx context.Context, s Settings, rmq *shared.RMQueue, entrance shared.Entrance) {
	entryDateTime, err := shared.ParseTs(entrance.EntryDateTime)
	shared.PanicOnError(err, "failed to parse entry date time")

	stay := time.Duration(rand.Intn(s.ParkingSecondsMax-s.ParkingSecondsMin)+s.ParkingSecondsMin) * time.Second
	eventID, err := shared.NewEventId(shared.ExitPrefix)
	shared.PanicOnError(err, "failed to generate event id")

	exitEvent := shared.Exit{
		VehiclePlate:  entrance.VehiclePlate,
		ExitDateTime:  shared.FormatTs(entryDateTime.Add(stay)),
		EntryDateTime: shared.FormatTs(entryDateTime),
		EventId:       eventID,
		Operator:      s.Operator,
		Ts:            shared.FormatTs(time.Now()),
	}

	err = rmq.PublishJSON(ctx, exitEvent)
	shared.PanicOnError(err, "failed to publish exit event")

	log.WithFields(log.Fields{
		"vehicle_plate":  exitEvent.VehiclePlate,
		"exit_date_time": exitEvent.ExitDateTime,
		"event_id":       exitEvent.EventId,
		"operator":       exitEvent.Operator.ID,
		"ts":             exitEvent.Ts,
	}).Info("new exit")
}

func getVehiclePlate(seen map[string]bool) string {
	for {
		letterPart := make([]byte, 3)
		for i := range letterPart {
			letterPart[i] = letters[rand.Intn(len(letters))]
		}

		digitPart := make([]byte, 3)
		for i := range digitPart {
			digitPart[i] = digits[rand.Intn(len(digits))]
		}

		plate := fmt.Sprintf("%s-%s", string(letterPart), string(digitPart))
		if !seen[plate] {
			return plate
		}
	}
}
