package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges.
const (
	ExchangeJobs   Exchange = "outbound.jobs"
	ExchangeEvents Exchange = "outbound.events"
	ExchangeDLQ    Exchange = "outbound.dlq"
)

// Queues.
const (
	QueueJobsReady     Queue = "jobs.ready"
	QueueJobsDelay     Queue = "jobs.delay"
	QueueEventsInbound Queue = "events.inbound"
	QueueDLQJobs       Queue = "dlq.jobs"
	QueueDLQEvents     Queue = "dlq.events"
)

// Routing keys.
const (
	RoutingKeyReady     RoutingKey = "ready"
	RoutingKeyDelay     RoutingKey = "delay"
	RoutingKeyInbound   RoutingKey = "inbound"
	RoutingKeyDLQJobs   RoutingKey = "jobs"
	RoutingKeyDLQEvents RoutingKey = "events"
)

// SetupTopology объявляет exchanges, очереди и привязки. Идемпотентна;
// повторяется после каждого переподключения.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.onConnect(ctx, declareTopology)
}

func declareTopology(ch *amqp.Channel) error {
	if err := declareExchanges(ch); err != nil {
		return err
	}
	if err := declareQueues(ch); err != nil {
		return err
	}
	return bindQueues(ch)
}

func declareExchanges(ch *amqp.Channel) error {
	for _, name := range []Exchange{ExchangeJobs, ExchangeEvents, ExchangeDLQ} {
		err := ch.ExchangeDeclare(
			string(name), // name
			"direct",     // type
			true,         // durable
			false,        // auto-deleted
			false,        // internal
			false,        // no-wait
			nil,          // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}
	return nil
}

func declareQueues(ch *amqp.Channel) error {
	queues := []struct {
		name Queue
		args amqp.Table
	}{
		{QueueJobsReady, amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(RoutingKeyDLQJobs),
		}},

		// jobs.delay без потребителей: сообщение лежит до истечения
		// per-message TTL и возвращается в jobs.ready.
		{QueueJobsDelay, amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeJobs),
			"x-dead-letter-routing-key": string(RoutingKeyReady),
		}},

		{QueueEventsInbound, amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(RoutingKeyDLQEvents),
		}},

		{QueueDLQJobs, nil},
		{QueueDLQEvents, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}
	return nil
}

func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueJobsReady, RoutingKeyReady, ExchangeJobs},
		{QueueJobsDelay, RoutingKeyDelay, ExchangeJobs},
		{QueueEventsInbound, RoutingKeyInbound, ExchangeEvents},
		{QueueDLQJobs, RoutingKeyDLQJobs, ExchangeDLQ},
		{QueueDLQEvents, RoutingKeyDLQEvents, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}
	return nil
}
