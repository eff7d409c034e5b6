package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActionRef — ссылка на действие адаптера.
//
// Движок не интерпретирует аргументы: Operation разрешается через таблицу
// обработчиков executor.Registry, Args передаются обработчику как есть.
type ActionRef struct {
	// TargetType — тип целевого устройства (используется для выбора JobPoller).
	TargetType string `json:"target_type"`

	// TargetID — идентификатор ресурса, над которым выполняется действие.
	// Используется как ключ Resource Lock.
	TargetID string `json:"target_id"`

	// Operation — тег операции, например "device.attach".
	Operation string `json:"operation"`

	// Args — аргументы операции.
	Args json.RawMessage `json:"args,omitempty"`

	// Reserves — ресурсы, которые действие затронет помимо TargetID,
	// например тома дочернего графа. Блокируются вместе с TargetID.
	Reserves []string `json:"reserves,omitempty"`
}

// IsZero возвращает true, если действие не задано.
func (a ActionRef) IsZero() bool {
	return a.Operation == ""
}

// Resources возвращает TargetID и Reserves без пустых значений.
func (a ActionRef) Resources() []string {
	out := make([]string, 0, 1+len(a.Reserves))
	if a.TargetID != "" {
		out = append(out, a.TargetID)
	}
	for _, id := range a.Reserves {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// JobHandle — асинхронная job провайдера, которую опрашивает Poller.
type JobHandle struct {
	TargetType string    `json:"target_type"`
	DeviceID   string    `json:"device_id"`
	JobID      string    `json:"job_id"`
	WorkflowID uuid.UUID `json:"workflow_id"`
	StepID     string    `json:"step_id"`
	Phase      Phase     `json:"phase"`

	// SubStatus — последний наблюдаемый статус job у провайдера.
	SubStatus string `json:"sub_status,omitempty"`

	RegisteredAt time.Time `json:"registered_at"`
}

// Step — шаг графа операций.
//
// Шаг изменяется только движком и Completer'ом.
type Step struct {
	// ID — уникальный в пределах графа идентификатор шага.
	ID string `json:"id"`

	// WorkflowID — граф, которому принадлежит шаг.
	WorkflowID uuid.UUID `json:"workflow_id"`

	// Key — стабильный ключ шага (класс/позиция), по нему срабатывает fault injection.
	Key string `json:"key"`

	// Position — порядковый номер шага в графе.
	Position int `json:"position"`

	Description string `json:"description"`

	// WaitFor — предшественники шага.
	WaitFor []string `json:"wait_for,omitempty"`

	Forward  ActionRef  `json:"forward"`
	Rollback *ActionRef `json:"rollback,omitempty"`

	Status StepStatus `json:"status"`

	// Message — последнее сообщение (результат или ошибка).
	Message string `json:"message,omitempty"`

	// ErrorCode — код нормализованной ошибки.
	ErrorCode string `json:"error_code,omitempty"`

	// Job — незавершённая асинхронная job.
	Job *JobHandle `json:"job,omitempty"`

	// ChildWorkflowID — дочерний граф, запущенный действием шага.
	ChildWorkflowID *uuid.UUID `json:"child_workflow_id,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// HasRollback возвращает true, если у шага есть компенсирующее действие.
func (s *Step) HasRollback() bool {
	return s.Rollback != nil && !s.Rollback.IsZero()
}

// Action возвращает действие для указанной фазы.
func (s *Step) Action(phase Phase) ActionRef {
	if phase == PhaseRollback && s.Rollback != nil {
		return *s.Rollback
	}
	return s.Forward
}

// Resource возвращает идентификатор ресурса шага.
func (s *Step) Resource() string {
	return s.Forward.TargetID
}

// Transition переводит шаг в новый статус и обновляет временные метки.
func (s *Step) Transition(status StepStatus, message string) {
	now := time.Now().UTC()
	s.Status = status
	if message != "" {
		s.Message = message
	}
	switch status {
	case StepStatusExecuting, StepStatusRollingBack:
		s.StartedAt = &now
		s.FinishedAt = nil
	case StepStatusSucceeded, StepStatusFailed, StepStatusRolledBack, StepStatusRollbackFailed:
		s.FinishedAt = &now
		s.Job = nil
	}
	s.UpdatedAt = now
}
