package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	log "github.com/sirupsen/logrus"

	"github.com/round-cube/parking-gate/shared"
)

type Settings struct {
	RMQURL      string
	QueueName   string
	FixturePath string
	Operator    shared.Operator
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

	s.QueueName = shared.GetEnvDefault("QUEUE_NAME", "entrances")
	s.Operator = shared.Operator{
		ID:   shared.GetEnvDefault("OPERATOR_ID", "entry-gate"),
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
	err = json.Unmarshal(bytes, &entrances)
	return entrances, err
}

func processEntrances(ctx context.Context, s Settings, rmq *shared.RMQueue, entrances []shared.Entrance) {
	for _, entrance := range entrances {
		eventID, err := shared.NewEventId(shared.EntrancePrefix)
		shared.PanicOnError(err, "failed to generate event id")

		entrance.EventId = eventID
		entrance.Operator = s.Operator
		entrance.Ts = shared.FormatTs(time.Now())

		err = rmq.PublishJSON(ctx, entrance)
		shared.PanicOnError(err, "failed to publish entrance event")

		logEntrance(entrance)
	}
}

func logEntrance(entrance shared.Entrance) {
	log.WithFields(log.Fields{
		"vehicle_plate":   entrance.VehiclePlate,
		"vehicle_type":    entrance.VehicleType,
		"entry_date_time": entrance.EntryDateTime,
		"event_id":        entrance.EventId,
		"operator":        entrance.Operator.ID,
		"ts":              entrance.Ts,
	}).Info("new entrance")
}
