package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shaiso/Strata/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeStepTransition   MessageType = "step.transition"
	MessageTypeWorkflowFinished MessageType = "workflow.finished"
	MessageTypeJobCompleted     MessageType = "job.completed"
)

// Publisher публикует события движка в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage создаёт сообщение с новым ID.
func NewMessage(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// StepTransitionPayload — переход шага в новый статус.
type StepTransitionPayload struct {
	WorkflowID      uuid.UUID         `json:"workflow_id"`
	StepID          string            `json:"step_id"`
	Key             string            `json:"key"`
	Status          domain.StepStatus `json:"status"`
	Message         string            `json:"message,omitempty"`
	ErrorCode       string            `json:"error_code,omitempty"`
	JobID           string            `json:"job_id,omitempty"`
	ChildWorkflowID *uuid.UUID        `json:"child_workflow_id,omitempty"`
}

// WorkflowFinishedPayload — финальный статус графа.
type WorkflowFinishedPayload struct {
	WorkflowID       uuid.UUID             `json:"workflow_id"`
	Name             string                `json:"name"`
	TaskID           uuid.UUID             `json:"task_id"`
	ParentWorkflowID *uuid.UUID            `json:"parent_workflow_id,omitempty"`
	Status           domain.WorkflowStatus `json:"status"`
	Error            string                `json:"error,omitempty"`
	RollbackFailed   bool                  `json:"rollback_failed"`
	Cancelled        bool                  `json:"cancelled"`
	DurationMS       int64                 `json:"duration_ms"`
}

// JobCompletedPayload — push-уведомление адаптера о состоянии job.
type JobCompletedPayload struct {
	DeviceID  string `json:"device_id"`
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	SubStatus string `json:"sub_status,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishStepTransition публикует переход шага.
func (p *Publisher) PublishStepTransition(ctx context.Context, step domain.Step) error {
	msg := NewMessage(MessageTypeStepTransition, StepTransitionPayloadFrom(step))
	return p.Publish(ctx, ExchangeEvents, StepRoutingKey(string(step.Status)), msg)
}

// PublishWorkflowFinished публикует финальный статус графа.
func (p *Publisher) PublishWorkflowFinished(ctx context.Context, wf domain.Workflow) error {
	msg := NewMessage(MessageTypeWorkflowFinished, WorkflowFinishedPayloadFrom(wf))
	return p.Publish(ctx, ExchangeEvents, RoutingKeyWorkflowDone, msg)
}

// PublishJobCompleted публикует уведомление о job.
// Потребитель: Poller контроллера.
func (p *Publisher) PublishJobCompleted(ctx context.Context, payload JobCompletedPayload) error {
	return p.Publish(ctx, ExchangeJobs, RoutingKeyJobCompleted, NewMessage(MessageTypeJobCompleted, payload))
}

// StepTransitionPayloadFrom строит payload перехода шага.
func StepTransitionPayloadFrom(step domain.Step) StepTransitionPayload {
	payload := StepTransitionPayload{
		WorkflowID:      step.WorkflowID,
		StepID:          step.ID,
		Key:             step.Key,
		Status:          step.Status,
		Message:         step.Message,
		ErrorCode:       step.ErrorCode,
		ChildWorkflowID: step.ChildWorkflowID,
	}
	if step.Job != nil {
		payload.JobID = step.Job.JobID
	}
	return payload
}

// WorkflowFinishedPayloadFrom строит payload завершения графа.
func WorkflowFinishedPayloadFrom(wf domain.Workflow) WorkflowFinishedPayload {
	return WorkflowFinishedPayload{
		WorkflowID:       wf.ID,
		Name:             wf.Name,
		TaskID:           wf.TaskID,
		ParentWorkflowID: wf.ParentWorkflowID,
		Status:           wf.Status,
		Error:            wf.Error,
		RollbackFailed:   wf.RollbackFailed,
		Cancelled:        wf.Cancelled,
		DurationMS:       wf.Duration().Milliseconds(),
	}
}
