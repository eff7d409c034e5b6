package engine

import "errors"

// Ошибки построения графа.
var (
	// ErrEmptyGraph — граф не содержит шагов.
	ErrEmptyGraph = errors.New("graph has no steps")

	// ErrEmptyStepKey — шаг не имеет ключа.
	ErrEmptyStepKey = errors.New("step has empty key")

	// ErrDuplicateStepKey — несколько шагов с одинаковым ключом.
	ErrDuplicateStepKey = errors.New("duplicate step key")

	// ErrEmptyOperation — у действия шага не указана операция.
	ErrEmptyOperation = errors.New("action has empty operation")

	// ErrMissingDependency — шаг ждёт несуществующий шаг.
	ErrMissingDependency = errors.New("step waits for unknown step")

	// ErrCyclicDependency — обнаружен цикл в зависимостях.
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrSelfDependency — шаг ждёт сам себя.
	ErrSelfDependency = errors.New("step waits for itself")

	// ErrUnknownStep — шаг не найден в графе.
	ErrUnknownStep = errors.New("unknown step")
)

// Ошибки рендеринга аргументов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	StepKey string // ключ шага, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.StepKey != "" {
		return "step " + e.StepKey + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(stepKey, field, message string, err error) *ValidationError {
	return &ValidationError{
		StepKey: stepKey,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
