package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeJobReady     MessageType = "job.ready"
	MessageTypeEventInbound MessageType = "event.inbound"
)

// Publisher публикует сообщения в RabbitMQ.
//
// Сообщение только будит потребителя: состояние всегда читается из БД,
// поэтому потерянная публикация восполняется polling'ом.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger.With("component", "publisher")}
}

// Message — конверт сообщения.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// JobReadyPayload — задача доставки готова к выполнению.
type JobReadyPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

// EventInboundPayload — сохранено входящее событие провайдера.
type EventInboundPayload struct {
	EventID uuid.UUID `json:"event_id"`
}

// Publish публикует сообщение в exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	return p.publish(ctx, exchange, routingKey, msg, 0)
}

func (p *Publisher) publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message, ttl time.Duration) error {
	pub, err := buildPublishing(msg, ttl)
	if err != nil {
		return err
	}

	err = p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		return ch.PublishWithContext(ctx, string(exchange), string(routingKey), false, false, pub)
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s/%s: %w", msg.Type, exchange, routingKey, err)
	}

	p.logger.Debug("published message",
		"exchange", exchange,
		"routing_key", routingKey,
		"message_id", msg.ID,
		"type", msg.Type,
		"ttl", ttl,
	)
	return nil
}

// buildPublishing кодирует конверт. ttl > 0 выставляет per-message expiration.
func buildPublishing(msg *Message, ttl time.Duration) (amqp.Publishing, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal message: %w", err)
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Type:         string(msg.Type),
		Body:         body,
	}
	if ttl > 0 {
		pub.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}
	return pub, nil
}

func newMessage(t MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// PublishJobReady будит воркер для задачи. Потребитель: Worker.
func (p *Publisher) PublishJobReady(ctx context.Context, jobID uuid.UUID) error {
	return p.Publish(ctx, ExchangeJobs, RoutingKeyReady, newMessage(MessageTypeJobReady, JobReadyPayload{JobID: jobID}))
}

// PublishJobDelayed публикует job.ready, который дойдёт до воркера через delay
// (через очередь jobs.delay с TTL).
func (p *Publisher) PublishJobDelayed(ctx context.Context, jobID uuid.UUID, delay time.Duration) error {
	if delay <= 0 {
		return p.PublishJobReady(ctx, jobID)
	}
	msg := newMessage(MessageTypeJobReady, JobReadyPayload{JobID: jobID})
	return p.publish(ctx, ExchangeJobs, RoutingKeyDelay, msg, delay)
}

// PublishInboundEvent будит reconciler. Потребитель: Reconciler.
func (p *Publisher) PublishInboundEvent(ctx context.Context, eventID uuid.UUID) error {
	return p.Publish(ctx, ExchangeEvents, RoutingKeyInbound, newMessage(MessageTypeEventInbound, EventInboundPayload{EventID: eventID}))
}
