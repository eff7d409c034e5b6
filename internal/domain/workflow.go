package domain

import (
	"time"

	"github.com/google/uuid"
)

// Workflow — граф операций.
//
// Workflow создаётся, когда контроллер начинает многошаговое действие:
//   - создание или удаление тома
//   - ingest неуправляемого тома
//   - дочерний граф, запущенный действием шага родителя
//
// После финального статуса граф архивируется планировщиком.
type Workflow struct {
	// ID — уникальный идентификатор графа.
	ID uuid.UUID `json:"id"`

	// Name — человекочитаемое имя операции.
	Name string `json:"name"`

	// ParentWorkflowID — родительский граф (для вложенных графов).
	ParentWorkflowID *uuid.UUID `json:"parent_workflow_id,omitempty"`

	// ParentStepID — шаг родителя, который ждёт этот граф.
	ParentStepID string `json:"parent_step_id,omitempty"`

	// ParentPhase — фаза шага родителя, в которой запущен граф.
	ParentPhase Phase `json:"parent_phase,omitempty"`

	// TaskID — task, через которую вызывающий наблюдает за графом.
	TaskID uuid.UUID `json:"task_id"`

	Status WorkflowStatus `json:"status"`

	// Error — агрегированное сообщение об ошибке (включая ошибки отката).
	Error string `json:"error,omitempty"`

	// RollbackFailed — хотя бы одна компенсация завершилась ошибкой.
	RollbackFailed bool `json:"rollback_failed"`

	// Cancelled — граф отменён пользователем.
	Cancelled bool `json:"cancelled"`

	// Owner — экземпляр оркестратора, который ведёт корневой граф.
	// LeaseUntil — срок аренды; после него граф может забрать другой экземпляр.
	Owner      string     `json:"owner,omitempty"`
	LeaseUntil *time.Time `json:"lease_until,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// IsChild возвращает true, если граф вложенный.
func (w *Workflow) IsChild() bool {
	return w.ParentWorkflowID != nil
}

// LeaseExpired возвращает true, если у графа нет владельца или его аренда истекла.
func (w *Workflow) LeaseExpired(now time.Time) bool {
	return w.Owner == "" || w.LeaseUntil == nil || w.LeaseUntil.Before(now)
}

// IsFinished возвращает true, если граф завершён.
func (w *Workflow) IsFinished() bool {
	return w.Status.IsTerminal()
}

// Duration возвращает продолжительность выполнения.
func (w *Workflow) Duration() time.Duration {
	if w.FinishedAt == nil {
		return 0
	}
	return w.FinishedAt.Sub(w.StartedAt)
}

// MarkFinished переводит граф в финальный статус.
func (w *Workflow) MarkFinished(status WorkflowStatus, errMsg string, rollbackFailed bool) {
	now := time.Now().UTC()
	w.Status = status
	w.Error = errMsg
	w.RollbackFailed = rollbackFailed
	w.FinishedAt = &now
}
