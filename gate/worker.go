package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/round-cube/parking-gate/activity"
	"github.com/round-cube/parking-gate/shared"
)

type Worker struct {
	Id      int
	Service *Service
	Metrics *Metrics
}

func (w *Worker) observeQueueing(ts string) {
	if w.Metrics == nil || ts == "" {
		return
	}
	if sent, err := shared.ParseTs(ts); err == nil {
		w.Metrics.QueueingLatency.Observe(time.Since(sent).Seconds())
	} else {
		log.Warnf("(worker %d) failed to parse event ts %q: %s", w.Id, ts, err)
	}
}

func (w *Worker) observe(kind string, start time.Time, err error) {
	if w.Metrics == nil {
		return
	}
	w.Metrics.ProcessingLatency.Observe(time.Since(start).Seconds())
	result := "ok"
	switch {
	case errors.Is(err, activity.ErrExitPending):
		result = "pending"
	case err != nil:
		result = "error"
	}
	w.Metrics.Events.WithLabelValues(kind, result).Inc()
}

func (w *Worker) ProcessEntrance(ctx context.Context, body []byte) (err error) {
	start := time.Now()
	defer func() { w.observe("entrance", start, err) }()

	entrance := shared.Entrance{}
	if err = json.Unmarshal(body, &entrance); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, err)
	}
	w.observeQueueing(entrance.Ts)

	log.Debugf("(worker %d) processing entrance: %v", w.Id, entrance)
	_, err = w.Service.Enter(ctx, entrance)
	return err
}

func (w *Worker) ProcessExit(ctx context.Context, body []byte) (err error) {
	start := time.Now()
	defer func() { w.observe("exit", start, err) }()

	exit := shared.Exit{}
	if err = json.Unmarshal(body, &exit); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, err)
	}
	w.observeQueueing(exit.Ts)

	log.Debugf("(worker %d) processing exit: %v", w.Id, exit)
	_, err = w.Service.Exit(ctx, exit)
	return err
}

// Retryable reports whether a failed event may succeed on redelivery.
func Retryable(err error) bool {
	return errors.Is(err, activity.ErrLocked) || errors.Is(err, context.DeadlineExceeded)
}

func (w *Worker) consume(ctx context.Context, kind string, msgs <-chan amqp091.Delivery, process func(context.Context, []byte) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				log.Warnf("(worker %d) %s deliveries closed", w.Id, kind)
				return
			}
			err := process(ctx, m.Body)
			if errors.Is(err, activity.ErrExitPending) {
				log.Debugf("(worker %d) %s", w.Id, err)
				err = nil
			}
			if err != nil {
				requeue := Retryable(err) && !m.Redelivered
				log.WithField("requeue", requeue).Errorf("failed to process %s: %s", kind, err)
				m.Nack(false, requeue)
			} else {
				m.Ack(false)
			}
		}
	}
}

func (w *Worker) ProcessEntrances(ctx context.Context, msgs <-chan amqp091.Delivery) {
	w.consume(ctx, "entrance", msgs, w.ProcessEntrance)
}

func (w *Worker) ProcessExits(ctx context.Context, msgs <-chan amqp091.Delivery) {
	w.consume(ctx, "exit", msgs, w.ProcessExit)
}
