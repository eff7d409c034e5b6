package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrWorkflowNotFound — граф не найден в хранилище.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowAlreadyActive — граф уже ведётся движком.
	ErrWorkflowAlreadyActive = errors.New("workflow already active")

	// ErrWorkflowNotActive — граф не ведётся этим движком.
	ErrWorkflowNotActive = errors.New("workflow not active")

	// ErrWorkflowFinished — граф уже в финальном статусе.
	ErrWorkflowFinished = errors.New("workflow already finished")

	// ErrStepNotFound — шаг не найден в графе.
	ErrStepNotFound = errors.New("step not found in workflow")

	// ErrStaleCompletion — результат пришёл для шага, который не выполняет действие этой фазы.
	ErrStaleCompletion = errors.New("stale step completion")

	// ErrWorkflowAbandoned — экземпляр потерял аренду графа и перестал его вести.
	ErrWorkflowAbandoned = errors.New("workflow abandoned: lease lost")

	// ErrOrchestratorStopped — движок остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)
