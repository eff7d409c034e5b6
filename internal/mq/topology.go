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

// Exchanges — имена обменников.
const (
	// ExchangeEvents — события движка (topic), на них подписываются внешние наблюдатели.
	ExchangeEvents Exchange = "strata.events"
	ExchangeJobs   Exchange = "strata.jobs"
	ExchangeDLQ    Exchange = "strata.dlq"
)

// Queues — имена очередей.
const (
	QueueJobsCompleted Queue = "jobs.completed"
	QueueDLQJobs       Queue = "dlq.jobs"
)

// Routing keys.
const (
	// RoutingKeyStepPrefix — префикс ключа перехода шага: "step.<status>".
	RoutingKeyStepPrefix   RoutingKey = "step."
	RoutingKeyWorkflowDone RoutingKey = "workflow.finished"
	RoutingKeyJobCompleted RoutingKey = "completed"
	RoutingKeyDLQJobs      RoutingKey = "jobs"
)

// StepRoutingKey возвращает ключ маршрутизации перехода шага в статус.
func StepRoutingKey(status string) RoutingKey {
	return RoutingKeyStepPrefix + RoutingKey(status)
}

// ExchangeSpec — объявляемый обменник.
type ExchangeSpec struct {
	Name Exchange
	Kind string
}

// QueueSpec — объявляемая очередь. DeadLetter задаёт обменник и ключ для отклонённых сообщений.
type QueueSpec struct {
	Name              Queue
	DeadLetter        Exchange
	DeadLetterRouting RoutingKey
}

// BindingSpec — привязка очереди к обменнику.
type BindingSpec struct {
	Queue      Queue
	Exchange   Exchange
	RoutingKey RoutingKey
}

// Topology — набор обменников, очередей и привязок контроллера.
//
//	strata.events (topic)  step.<STATUS>, workflow.finished → внешние наблюдатели
//	strata.jobs (direct)   completed → jobs.completed → Poller.Notify, DLQ dlq.jobs
//	strata.dlq (direct)    jobs → dlq.jobs (ручной разбор)
type Topology struct {
	Exchanges []ExchangeSpec
	Queues    []QueueSpec
	Bindings  []BindingSpec
}

// DefaultTopology возвращает топологию контроллера.
func DefaultTopology() Topology {
	return Topology{
		Exchanges: []ExchangeSpec{
			{ExchangeEvents, amqp.ExchangeTopic},
			{ExchangeJobs, amqp.ExchangeDirect},
			{ExchangeDLQ, amqp.ExchangeDirect},
		},
		Queues: []QueueSpec{
			{Name: QueueJobsCompleted, DeadLetter: ExchangeDLQ, DeadLetterRouting: RoutingKeyDLQJobs},
			{Name: QueueDLQJobs},
		},
		Bindings: []BindingSpec{
			{QueueJobsCompleted, ExchangeJobs, RoutingKeyJobCompleted},
			{QueueDLQJobs, ExchangeDLQ, RoutingKeyDLQJobs},
		},
	}
}

// Validate проверяет, что привязки и dead-letter ссылаются на объявленные объекты.
func (t Topology) Validate() error {
	exchanges := make(map[Exchange]bool, len(t.Exchanges))
	for _, ex := range t.Exchanges {
		exchanges[ex.Name] = true
	}
	queues := make(map[Queue]bool, len(t.Queues))
	for _, q := range t.Queues {
		queues[q.Name] = true
		if q.DeadLetter != "" && !exchanges[q.DeadLetter] {
			return fmt.Errorf("queue %s: unknown dead letter exchange %s", q.Name, q.DeadLetter)
		}
	}
	for _, b := range t.Bindings {
		if !exchanges[b.Exchange] {
			return fmt.Errorf("binding %s: unknown exchange %s", b.Queue, b.Exchange)
		}
		if !queues[b.Queue] {
			return fmt.Errorf("binding %s: unknown queue", b.Queue)
		}
	}
	return nil
}

func (q QueueSpec) args() amqp.Table {
	if q.DeadLetter == "" {
		return nil
	}
	return amqp.Table{
		"x-dead-letter-exchange":    string(q.DeadLetter),
		"x-dead-letter-routing-key": string(q.DeadLetterRouting),
	}
}

// Declare объявляет топологию на канале. Все объекты durable.
func (t Topology) Declare(ch *amqp.Channel) error {
	for _, ex := range t.Exchanges {
		if err := ch.ExchangeDeclare(string(ex.Name), ex.Kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.Name, err)
		}
	}
	for _, q := range t.Queues {
		if _, err := ch.QueueDeclare(string(q.Name), true, false, false, false, q.args()); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Name, err)
		}
	}
	for _, b := range t.Bindings {
		if err := ch.QueueBind(string(b.Queue), string(b.RoutingKey), string(b.Exchange), false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.Queue, b.Exchange, err)
		}
	}
	return nil
}

// SetupTopology объявляет DefaultTopology через соединение.
func SetupTopology(ctx context.Context, conn *Connection) error {
	t := DefaultTopology()
	if err := t.Validate(); err != nil {
		return err
	}
	return conn.WithChannel(ctx, t.Declare)
}
