package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/round-cube/parking-gate/activity"
	"github.com/round-cube/parking-gate/billing"
	"github.com/round-cube/parking-gate/gate"
	"github.com/round-cube/parking-gate/shared"
)

type Settings struct {
	redisURL           string
	rmqURL             string
	entrancesQueueName string
	exitsQueueName     string
	httpRequestTimeout time.Duration
	startupTimeout     time.Duration
	storageURL         string
	storageToken       string
	entriesWorkers     int
	exitWorkers        int
	prefetch           int
	httpPort           int
	capacity           int
	ratesFile          string
	rates              string
	keyPrefix          string
}

func newSettings() (Settings, error) {
	var s Settings
	var err error

	s.rmqURL, err = shared.GetEnv("RMQ_URL")
	if err != nil {
		return s, err
	}

	s.redisURL, err = shared.GetEnv("REDIS_URL")
	if err != nil {
		return s, err
	}

	s.httpRequestTimeout = shared.GetEnvDuration("HTTP_REQUEST_TIMEOUT", 10*time.Second)
	s.startupTimeout = shared.GetEnvDuration("STARTUP_TIMEOUT", 30*time.Second)
	s.entriesWorkers = shared.GetEnvInt("ENTRIES_WORKERS", 10)
	s.exitWorkers = shared.GetEnvInt("EXIT_WORKERS", 10)
	s.prefetch = shared.GetEnvInt("PREFETCH", 20)
	s.entrancesQueueName = shared.GetEnvDefault("ENTRANCES_QUEUE_NAME", "entrances")
	s.exitsQueueName = shared.GetEnvDefault("EXITS_QUEUE_NAME", "exits")
	s.storageURL = shared.GetEnvDefault("STORAGE_URL", "")
	s.storageToken = shared.GetEnvDefault("STORAGE_TOKEN", "parking-gate")
	s.httpPort = shared.GetEnvInt("HTTP_PORT", 2112)
	s.capacity = shared.GetEnvInt("CAPACITY", 100)
	s.ratesFile = shared.GetEnvDefault("RATES_FILE", "")
	s.rates = shared.GetEnvDefault("RATES", "")
	s.keyPrefix = shared.GetEnvDefault("KEY_PREFIX", "gate")

	if s.capacity <= 0 {
		return s, fmt.Errorf("CAPACITY must be positive, got %d", s.capacity)
	}
	return s, nil
}

func main() {
	shared.InitLog()
	settings, err := newSettings()
	shared.PanicOnError(err, "failed to read settings")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rates, err := billing.LoadRateTable(settings.ratesFile, settings.rates)
	shared.PanicOnError(err, "failed to load rate table")
	log.Infof("pricing vehicle types: %v", rates.Types())

	opt, err := redis.ParseURL(settings.redisURL)
	shared.PanicOnError(err, "failed to parse redis URL")
	rds := redis.NewClient(opt)
	defer rds.Close()

	startupCtx, startupCancel := context.WithTimeout(ctx, settings.startupTimeout)
	defer startupCancel()

	store, err := activity.NewRedisStore(startupCtx, rds, activity.Options{Prefix: settings.keyPrefix})
	shared.PanicOnError(err, "redis is not ready")

	metrics := gate.NewMetrics(prometheus.DefaultRegisterer)
	cfg := gate.Config{Capacity: settings.capacity, Metrics: metrics}
	if settings.storageURL != "" {
		cfg.Archive = gate.NewHTTPArchive(settings.storageURL, settings.storageToken, settings.httpRequestTimeout, metrics)
	} else {
		log.Warn("STORAGE_URL not set, closed activities are not archived")
	}
	service := gate.NewService(store, rates, cfg)

	entr, err := shared.NewRMQueue(startupCtx, settings.rmqURL, settings.entrancesQueueName)
	shared.PanicOnError(err, "failed to connect to RMQ")
	defer entr.Close()

	entrances, err := entr.Consume(settings.prefetch)
	shared.PanicOnError(err, "failed to consume entrances")
	for i := 0; i < settings.entriesWorkers; i++ {
		worker := &gate.Worker{Id: i, Service: service, Metrics: metrics}
		go worker.ProcessEntrances(ctx, entrances)
	}

	ext, err := shared.NewRMQueue(startupCtx, settings.rmqURL, settings.exitsQueueName)
	shared.PanicOnError(err, "failed to connect to RMQ")
	defer ext.Close()

	exits, err := ext.Consume(settings.prefetch)
	shared.PanicOnError(err, "failed to consume exits")
	for i := 0; i < settings.exitWorkers; i++ {
		worker := &gate.Worker{Id: i, Service: service, Metrics: metrics}
		go worker.ProcessExits(ctx, exits)
	}

	srv := gate.NewServer(fmt.Sprintf(":%d", settings.httpPort), gate.NewRouter(service, prometheus.DefaultGatherer))
	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.Start() }()
	log.Infof("API and metrics available at http://localhost:%d", settings.httpPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infof("received %s, shutting down", sig)
	case err := <-serverDone:
		if err != nil {
			log.Errorf("server error: %s", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("server shutdown error: %s", err)
	}
}
