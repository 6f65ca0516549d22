package shared

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

type RMQueue struct {
	Connection *amqp.Connection
	Channel    *amqp.Channel
	Queue      amqp.Queue
}

// NewRMQueue dials RabbitMQ and declares a durable queue named QueueName.
// Dialing is retried until ctx is done so that services started alongside
// the broker wait for it instead of failing on first contact.
func NewRMQueue(ctx context.Context, Url string, QueueName string) (*RMQueue, error) {
	q := &RMQueue{}
	var err error
	for attempt := 1; ; attempt++ {
		q.Connection, err = amqp.Dial(Url)
		if err == nil {
			break
		}
		log.WithField("attempt", attempt).Warnf("failed to dial RMQ: %s", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial RMQ: %w", err)
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	q.Channel, err = q.Connection.Channel()
	if err != nil {
		q.Connection.Close()
		return nil, err
	}
	q.Queue, err = q.Channel.QueueDeclare(QueueName, true, false, false, false, nil)
	if err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

func (q *RMQueue) Close() {
	q.Channel.Close()
	q.Connection.Close()
}

func (q *RMQueue) Publish(ctx context.Context, body []byte) error {
	return q.Channel.PublishWithContext(ctx, "", q.Queue.Name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (q *RMQueue) PublishJSON(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return q.Publish(ctx, body)
}

// Consume starts a manual-ack consumer. prefetch bounds the number of
// unacknowledged deliveries handed to this channel.
func (q *RMQueue) Consume(prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch > 0 {
		if err := q.Channel.Qos(prefetch, 0, false); err != nil {
			return nil, err
		}
	}
	return q.Channel.Consume(q.Queue.Name, "", false, false, false, false, nil)
}
