package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected: соединение разорвано и ещё не восстановлено.
var ErrNotConnected = errors.New("amqp channel not available")

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// Connection: AMQP соединение процесса.
//
// Публикации идут через общий канал под mutex. Каждый Consumer открывает
// собственный канал (Qos и поток доставок у него свои). После разрыва
// соединение восстанавливается с задержкой от 1s до 30s; топология
// объявляется заново, подписчики Reconnected получают уведомление.
type Connection struct {
	url    string
	name   string
	logger *slog.Logger

	mu     sync.RWMutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	setup  func(ch *amqp.Channel) error
	subs   []chan struct{}
	closed bool

	pubMu sync.Mutex
	done  chan struct{}
}

// NewConnection подключается к RabbitMQ.
// name виден в management UI (например, "outbound-worker").
func NewConnection(url, name string, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		url:    url,
		name:   name,
		logger: logger.With("component", "amqp", "connection_name", name),
		done:   make(chan struct{}),
	}

	conn, ch, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.conn, c.pubCh = conn, ch

	go c.supervise(conn)
	return c, nil
}

func (c *Connection) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(c.url, amqp.Config{
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": c.name},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	return conn, ch, nil
}

// supervise ждёт разрыва текущего соединения и восстанавливает его.
func (c *Connection) supervise(conn *amqp.Connection) {
	for {
		closed := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-c.done:
			return
		case amqpErr := <-closed:
			if amqpErr != nil {
				c.logger.Warn("connection lost", "error", amqpErr)
			}
		}

		next, ok := c.redial()
		if !ok {
			return
		}
		conn = next
	}
}

// redial переподключается, пока не получится или пока не вызван Close.
func (c *Connection) redial() (*amqp.Connection, bool) {
	delay := reconnectMin
	for {
		select {
		case <-c.done:
			return nil, false
		case <-time.After(delay):
		}

		conn, ch, err := c.dial()
		if err == nil {
			err = c.runSetup(ch)
		}
		if err != nil {
			c.logger.Warn("reconnect failed", "error", err, "retry_in", delay)
			if conn != nil {
				conn.Close()
			}
			delay = min(delay*2, reconnectMax)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return nil, false
		}
		c.conn, c.pubCh = conn, ch
		subs := append([]chan struct{}(nil), c.subs...)
		c.mu.Unlock()

		c.logger.Info("reconnected to RabbitMQ")
		for _, s := range subs {
			select {
			case s <- struct{}{}:
			default:
			}
		}
		return conn, true
	}
}

func (c *Connection) runSetup(ch *amqp.Channel) error {
	c.mu.RLock()
	setup := c.setup
	c.mu.RUnlock()
	if setup == nil {
		return nil
	}
	return setup(ch)
}

// onConnect запоминает setup и выполняет его на текущем канале.
func (c *Connection) onConnect(ctx context.Context, setup func(ch *amqp.Channel) error) error {
	c.mu.Lock()
	c.setup = setup
	c.mu.Unlock()
	return c.WithChannel(ctx, setup)
}

// Reconnected возвращает канал, в который приходит сигнал после каждого
// восстановления соединения. cancel отписывает.
func (c *Connection) Reconnected() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s == ch {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

// OpenChannel открывает отдельный канал для потребителя.
func (c *Connection) OpenChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// WithChannel выполняет fn на общем канале публикаций.
func (c *Connection) WithChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	ch := c.pubCh
	c.mu.RUnlock()

	if ch == nil || ch.IsClosed() {
		return ErrNotConnected
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return fn(ch)
}

// IsConnected сообщает, открыто ли соединение сейчас.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Close закрывает соединение и останавливает переподключение.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn, ch := c.conn, c.pubCh
	c.mu.Unlock()

	var errs []error
	if ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	c.logger.Info("connection closed")
	return errors.Join(errs...)
}
