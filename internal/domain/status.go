package domain

// WorkflowStatus — итоговый статус графа операций.
//
// Жизненный цикл:
//
//	RUNNING → SUCCEEDED
//	        ↘ FAILED (после компенсации; RollbackFailed, если откат не удался)
//	        ↘ ROLLED_BACK (отмена, все компенсации успешны)
type WorkflowStatus string

const (
	// WorkflowStatusRunning — граф выполняется или откатывается.
	WorkflowStatusRunning WorkflowStatus = "RUNNING"

	// WorkflowStatusSucceeded — все шаги завершились успешно.
	WorkflowStatusSucceeded WorkflowStatus = "SUCCEEDED"

	// WorkflowStatusFailed — шаг упал, выполненные шаги откатаны (или откат не удался).
	WorkflowStatusFailed WorkflowStatus = "FAILED"

	// WorkflowStatusRolledBack — граф отменён и полностью откатан.
	WorkflowStatusRolledBack WorkflowStatus = "ROLLED_BACK"
)

// IsTerminal возвращает true, если статус финальный.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusSucceeded, WorkflowStatusFailed, WorkflowStatusRolledBack:
		return true
	default:
		return false
	}
}

// StepStatus — статус шага.
//
// Жизненный цикл:
//
//	CREATED → QUEUED → EXECUTING → SUCCEEDED → ROLLING_BACK → ROLLED_BACK
//	                             ↘ FAILED                   ↘ ROLLBACK_FAILED
type StepStatus string

const (
	// StepStatusCreated — шаг объявлен, предшественники ещё не завершены.
	StepStatusCreated StepStatus = "CREATED"

	// StepStatusQueued — шаг готов и ждёт свободного воркера.
	StepStatusQueued StepStatus = "QUEUED"

	// StepStatusExecuting — прямое действие выполняется (синхронно, через job или дочерний граф).
	StepStatusExecuting StepStatus = "EXECUTING"

	// StepStatusSucceeded — прямое действие завершилось успешно.
	StepStatusSucceeded StepStatus = "SUCCEEDED"

	// StepStatusFailed — прямое действие завершилось ошибкой.
	StepStatusFailed StepStatus = "FAILED"

	// StepStatusRollingBack — выполняется компенсирующее действие.
	StepStatusRollingBack StepStatus = "ROLLING_BACK"

	// StepStatusRolledBack — шаг откатан (или откат не требовался).
	StepStatusRolledBack StepStatus = "ROLLED_BACK"

	// StepStatusRollbackFailed — компенсирующее действие завершилось ошибкой.
	StepStatusRollbackFailed StepStatus = "ROLLBACK_FAILED"
)

// IsActive возвращает true, если над шагом сейчас выполняется действие.
func (s StepStatus) IsActive() bool {
	return s == StepStatusExecuting || s == StepStatusRollingBack
}

// NeverRan возвращает true, если прямое действие шага не запускалось.
func (s StepStatus) NeverRan() bool {
	return s == StepStatusCreated || s == StepStatusQueued
}

// IsSettled возвращает true, если шаг больше не требует отката
// и не блокирует откат своих предшественников.
func (s StepStatus) IsSettled() bool {
	switch s {
	case StepStatusCreated, StepStatusQueued, StepStatusFailed,
		StepStatusRolledBack, StepStatusRollbackFailed:
		return true
	default:
		return false
	}
}

// TaskStatus — внешне видимый статус task.
//
// Переходы монотонны: pending → ready | error.
type TaskStatus string

const (
	// TaskStatusPending — операция ещё выполняется.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusReady — операция завершена успешно.
	TaskStatusReady TaskStatus = "ready"

	// TaskStatusError — операция завершена ошибкой.
	TaskStatusError TaskStatus = "error"
)

// IsTerminal возвращает true, если статус финальный.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusReady || s == TaskStatusError
}

// Phase — фаза выполнения шага.
type Phase string

const (
	// PhaseForward — прямое действие.
	PhaseForward Phase = "forward"

	// PhaseRollback — компенсирующее действие.
	PhaseRollback Phase = "rollback"
)
