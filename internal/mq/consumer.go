package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrUnexpectedType: сообщение другого типа попало не в ту очередь.
var ErrUnexpectedType = errors.New("unexpected message type")

// Handler обрабатывает ID из сообщения-пробуждения.
// Ошибка возвращает сообщение в очередь один раз, затем в DLQ.
type Handler func(ctx context.Context, id uuid.UUID) error

// ConsumerConfig: параметры Consumer.
type ConsumerConfig struct {
	Queue   Queue
	Type    MessageType // ожидаемый тип сообщений
	Handler Handler

	// Prefetch: сколько сообщений брокер отдаёт без ack (default: 1).
	Prefetch int
}

// Consumer читает сообщения-пробуждения из одной очереди.
//
// Политика подтверждений:
//   - не разобрался JSON или нет ID → nack без requeue (DLQ)
//   - тип не тот → ack, сообщение отбрасывается
//   - ошибка обработчика → requeue, повторная ошибка → DLQ
//   - успех → ack
type Consumer struct {
	conn   *Connection
	logger *slog.Logger
	cfg    ConsumerConfig

	cancelFunc context.CancelFunc
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		conn:   conn,
		logger: logger.With("queue", string(cfg.Queue)),
		cfg:    cfg,
	}
}

// Start читает очередь до отмены ctx. После разрыва соединения ждёт
// переподключения и открывает новый канал.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	reconnected, unsubscribe := c.conn.Reconnected()
	defer unsubscribe()

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("consumer session ended, waiting for reconnect", "error", err)

		// Сигнал может прийти раньше, чем мы начали ждать, поэтому
		// дополнительно пробуем раз в reconnectMax.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconnected:
		case <-time.After(reconnectMax):
		}
	}
}

// session: один канал от открытия до закрытия.
func (c *Consumer) session(ctx context.Context) error {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx,
		string(c.cfg.Queue),
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.logger.Info("consumer started", "prefetch", c.cfg.Prefetch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	id, err := decodeWakeUp(d.Body, c.cfg.Type)
	switch {
	case errors.Is(err, ErrUnexpectedType):
		c.logger.Warn("dropping message of unexpected type", "type", d.Type, "message_id", d.MessageId)
		_ = d.Ack(false)
		return
	case err != nil:
		c.logger.Error("malformed message, dead-lettering", "message_id", d.MessageId, "error", err)
		_ = d.Nack(false, false)
		return
	}

	if err := c.safeHandle(ctx, id); err != nil {
		requeue := !d.Redelivered
		c.logger.Error("handler failed",
			"id", id,
			"message_id", d.MessageId,
			"requeue", requeue,
			"error", err,
		)
		_ = d.Nack(false, requeue)
		return
	}
	_ = d.Ack(false)
}

func (c *Consumer) safeHandle(ctx context.Context, id uuid.UUID) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.cfg.Handler(ctx, id)
}

// Stop останавливает Consumer.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

// decodeWakeUp достаёт ID из конверта ожидаемого типа.
func decodeWakeUp(body []byte, want MessageType) (uuid.UUID, error) {
	var env struct {
		Type    MessageType     `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return uuid.Nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type != want {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrUnexpectedType, env.Type)
	}

	var id uuid.UUID
	switch want {
	case MessageTypeJobReady:
		var p JobReadyPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return uuid.Nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		id = p.JobID
	case MessageTypeEventInbound:
		var p EventInboundPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return uuid.Nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		id = p.EventID
	default:
		return uuid.Nil, fmt.Errorf("%w: %q", ErrUnexpectedType, want)
	}

	if id == uuid.Nil {
		return uuid.Nil, errors.New("payload has no id")
	}
	return id, nil
}
