package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrTaskFinalized — task уже в финальном статусе.
var ErrTaskFinalized = errors.New("task already finalized")

// Task — внешне видимый статус операции.
//
// Task создаётся для каждого графа или независимо отслеживаемой
// под-операции (например, по одной на том в bulk ingest).
// Статус меняется монотонно: pending → ready | error.
type Task struct {
	// ID — уникальный идентификатор task.
	ID uuid.UUID `json:"id"`

	// WorkflowID — граф, который ведёт task (nil для leaf task без шагов).
	WorkflowID *uuid.UUID `json:"workflow_id,omitempty"`

	// Name — имя операции.
	Name string `json:"name"`

	// ResourceIDs — затронутые бизнес-объекты.
	ResourceIDs []string `json:"resource_ids,omitempty"`

	Status TaskStatus `json:"status"`

	// Message — сообщение о результате.
	Message string `json:"message,omitempty"`

	// ErrorCode — код ошибки при статусе error.
	ErrorCode string `json:"error_code,omitempty"`

	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewTask создаёт task в статусе pending.
func NewTask(name string, resourceIDs []string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.New(),
		Name:        name,
		ResourceIDs: resourceIDs,
		Status:      TaskStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsFinished возвращает true, если task завершена.
func (t *Task) IsFinished() bool {
	return t.Status.IsTerminal()
}

// MarkReady переводит task в статус ready.
func (t *Task) MarkReady(message string) error {
	return t.finish(TaskStatusReady, "", message)
}

// MarkError переводит task в статус error.
func (t *Task) MarkError(code, message string) error {
	return t.finish(TaskStatusError, code, message)
}

func (t *Task) finish(status TaskStatus, code, message string) error {
	if t.Status.IsTerminal() {
		return ErrTaskFinalized
	}
	now := time.Now().UTC()
	t.Status = status
	t.ErrorCode = code
	t.Message = message
	t.FinishedAt = &now
	t.UpdatedAt = now
	return nil
}
