package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ConnectionConfig — параметры соединения с RabbitMQ.
type ConnectionConfig struct {
	URL string

	// MinBackoff и MaxBackoff ограничивают задержку переподключения (default: 1s и 30s).
	MinBackoff time.Duration
	MaxBackoff time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Connection — AMQP соединение контроллера с переподключением.
//
// Соединение используется публикатором событий движка и потребителем
// уведомлений о job. При разрыве соединение восстанавливается с
// экспоненциальной задержкой. Каждое переподключение закрывает канал,
// возвращённый ReconnectNotify, поэтому его видят все потребители.
type Connection struct {
	url        string
	minBackoff time.Duration
	maxBackoff time.Duration
	clock      clock.Clock
	logger     *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	// reconnected закрывается и заменяется при каждом переподключении.
	reconnected chan struct{}

	closed   bool
	closedCh chan struct{}
}

// NewConnection подключается к RabbitMQ и начинает следить за соединением.
func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}

	c := &Connection{
		url:         cfg.URL,
		minBackoff:  cfg.MinBackoff,
		maxBackoff:  cfg.MaxBackoff,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		reconnected: make(chan struct{}),
		closedCh:    make(chan struct{}),
	}
	if c.minBackoff <= 0 {
		c.minBackoff = defaultMinBackoff
	}
	if c.maxBackoff < c.minBackoff {
		c.maxBackoff = max(defaultMaxBackoff, c.minBackoff)
	}
	if c.clock == nil {
		c.clock = clock.WallClock
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "amqp")

	conn, err := c.dial()
	if err != nil {
		return nil, err
	}

	go c.watch(conn)

	return c, nil
}

// dial устанавливает соединение, открывает канал и публикует их.
func (c *Connection) dial() (*amqp.Connection, error) {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ch.Close()
		conn.Close()
		return nil, ErrNotConnected
	}
	c.conn = conn
	c.channel = ch
	return conn, nil
}

// watch ждёт разрыва соединения и восстанавливает его до вызова Close.
func (c *Connection) watch(conn *amqp.Connection) {
	for {
		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-c.closedCh:
			return
		case amqpErr := <-notifyClose:
			if amqpErr != nil {
				c.logger.Warn("connection lost", "code", amqpErr.Code, "reason", amqpErr.Reason)
			}
		}

		c.mu.Lock()
		c.channel = nil
		c.mu.Unlock()

		next, ok := c.redial()
		if !ok {
			return
		}
		conn = next
	}
}

// redial переподключается с экспоненциальной задержкой.
// Возвращает false, если соединение закрыто через Close.
func (c *Connection) redial() (*amqp.Connection, bool) {
	delay := c.minBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-c.closedCh:
			return nil, false
		case <-c.clock.After(delay):
		}

		conn, err := c.dial()
		if err != nil {
			c.logger.Warn("reconnect failed", "attempt", attempt, "next_delay", delay, "error", err)
			delay = nextBackoff(delay, c.maxBackoff)
			continue
		}

		c.mu.Lock()
		close(c.reconnected)
		c.reconnected = make(chan struct{})
		c.mu.Unlock()

		c.logger.Info("reconnected to RabbitMQ", "attempt", attempt)
		return conn, true
	}
}

// nextBackoff удваивает задержку, не превышая limit.
func nextBackoff(d, limit time.Duration) time.Duration {
	return min(d*2, limit)
}

// Channel возвращает текущий AMQP канал (nil во время переподключения).
func (c *Connection) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// ReconnectNotify возвращает канал, который закроется при следующем переподключении.
func (c *Connection) ReconnectNotify() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnected
}

// Done закрывается после Close.
func (c *Connection) Done() <-chan struct{} {
	return c.closedCh
}

// IsConnected проверяет, открыт ли канал.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel != nil && c.conn != nil && !c.conn.IsClosed()
}

// WithChannel выполняет fn с текущим каналом.
func (c *Connection) WithChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch := c.Channel()
	if ch == nil {
		return ErrNoChannel
	}
	return fn(ch)
}

// Close закрывает соединение. Повторный вызов ничего не делает.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
		c.channel = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	c.logger.Info("connection closed")
	return errors.Join(errs...)
}
