package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shaiso/Strata/internal/telemetry"
)

// Handler обрабатывает сообщение. Ошибка, обёрнутая в ErrUnexpectedMessage
// или ErrBadPayload, отправляет сообщение в DLQ без повтора.
type Handler func(ctx context.Context, d *Delivery) error

// Delivery — доставленное сообщение.
type Delivery struct {
	Message Message

	// Raw — сырое AMQP сообщение.
	Raw amqp.Delivery
}

// disposition — что сделать с сообщением после обработки.
type disposition string

const (
	dispositionAck     disposition = "ack"
	dispositionRequeue disposition = "requeue"
	dispositionReject  disposition = "dead_letter"
)

// dispose выбирает судьбу сообщения. Сообщение повторяется не больше одного
// раза: повторная доставка с ошибкой уходит в DLQ.
func dispose(err error, redelivered bool) disposition {
	switch {
	case err == nil:
		return dispositionAck
	case errors.Is(err, ErrUnexpectedMessage), errors.Is(err, ErrBadPayload):
		return dispositionReject
	case redelivered:
		return dispositionReject
	default:
		return dispositionRequeue
	}
}

// decodeMessage разбирает тело AMQP сообщения.
func decodeMessage(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing message type", ErrBadPayload)
	}
	return msg, nil
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	Queue   string
	Handler Handler

	// Prefetch — сколько неподтверждённых сообщений держит consumer (default: 1).
	Prefetch int
}

// Consumer потребляет очередь и переподписывается после переподключения.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    string
	handler  Handler
	prefetch int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Consumer{
		conn:     conn,
		logger:   logger.With("queue", cfg.Queue),
		queue:    cfg.Queue,
		handler:  cfg.Handler,
		prefetch: prefetch,
	}
}

// Start потребляет сообщения до отмены ctx, Stop или закрытия соединения.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return errors.New("consumer already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	defer close(done)
	defer cancel()

	for {
		// Канал берётся до подписки, чтобы не пропустить переподключение.
		reconnected := c.conn.ReconnectNotify()

		deliveries, err := c.subscribe()
		if err != nil {
			c.logger.Warn("subscribe failed, waiting for reconnect", "error", err)
		} else {
			c.logger.Info("consumer started")
			if err := c.drain(ctx, deliveries); err != nil {
				return err
			}
			c.logger.Warn("delivery channel closed, waiting for reconnect")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.Done():
			return ErrNotConnected
		case <-reconnected:
		}
	}
}

// subscribe открывает подписку на очередь на текущем канале.
func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, ErrNoChannel
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.queue, err)
	}
	return deliveries, nil
}

// drain обрабатывает доставки, пока канал открыт.
// Возвращает ошибку только при отмене ctx.
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, raw)
		}
	}
}

// handle обрабатывает одно сообщение и подтверждает его.
func (c *Consumer) handle(ctx context.Context, raw amqp.Delivery) {
	msg, err := decodeMessage(raw.Body)
	if err == nil {
		err = c.handler(ctx, &Delivery{Message: msg, Raw: raw})
	}

	d := dispose(err, raw.Redelivered)
	telemetry.MessagesConsumed.WithLabelValues(c.queue, string(d)).Inc()

	switch d {
	case dispositionAck:
		err = raw.Ack(false)
	case dispositionRequeue:
		c.logger.Warn("message handling failed, requeueing", "message_id", msg.ID, "type", msg.Type, "error", err)
		err = raw.Nack(false, true)
	case dispositionReject:
		c.logger.Error("message rejected to dead letter queue", "message_id", msg.ID, "type", msg.Type, "error", err)
		err = raw.Nack(false, false)
	}
	if err != nil {
		c.logger.Warn("failed to settle message", "message_id", msg.ID, "error", err)
	}
}

// Stop останавливает consumer и ждёт выхода из Start.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// ParsePayload приводит payload сообщения к типу T.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	// После json.Unmarshal в Message payload — map[string]any.
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return result, nil
}
