package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shaiso/Strata/internal/domain"
	"github.com/shaiso/Strata/internal/engine"
)

// Handler — обработчик операции адаптера устройства.
//
// Invoke возвращает:
//   - Result без Job и ChildWorkflowID — действие завершено
//   - Result с Job — запущена асинхронная job провайдера
//   - Result с ChildWorkflowID — запущен дочерний граф (через inv.Children)
//   - error — ошибка; *fault.Fault сохраняет классификацию, остальное нормализуется
//
// Прямые действия должны быть идемпотентны по inv.IdempotencyKey:
// после рестарта движок может вызвать их повторно.
type Handler interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}

// HandlerFunc — адаптер функции к Handler.
type HandlerFunc func(ctx context.Context, inv Invocation) (*Result, error)

// Invoke реализует Handler.
func (f HandlerFunc) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	return f(ctx, inv)
}

// JobStatus — статус асинхронной job у провайдера.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// IsTerminal возвращает true для завершённой job.
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// JobState — наблюдаемое состояние job.
type JobState struct {
	Status    JobStatus
	SubStatus string
	Message   string
}

// JobPoller опрашивает job провайдера. Регистрируется по типу устройства.
type JobPoller interface {
	PollJob(ctx context.Context, h domain.JobHandle) (JobState, error)
}

// ChildSubmitter запускает дочерний граф, привязанный к текущему шагу.
type ChildSubmitter interface {
	SubmitChild(ctx context.Context, g *engine.Graph) (uuid.UUID, error)
}

// Invocation — вызов действия шага.
type Invocation struct {
	WorkflowID uuid.UUID
	StepID     string
	StepKey    string
	Phase      domain.Phase
	Action     domain.ActionRef

	// IdempotencyKey — "<stepID>:<phase>".
	IdempotencyKey string

	// Children — запуск вложенных графов. nil, если движок их не поддерживает.
	Children ChildSubmitter
}

// SubmitChild запускает дочерний граф от имени шага.
func (inv Invocation) SubmitChild(ctx context.Context, g *engine.Graph) (uuid.UUID, error) {
	if inv.Children == nil {
		return uuid.Nil, ErrNoChildSubmitter
	}
	return inv.Children.SubmitChild(ctx, g)
}

// IdempotencyKey строит ключ идемпотентности вызова.
func IdempotencyKey(stepID string, phase domain.Phase) string {
	return fmt.Sprintf("%s:%s", stepID, phase)
}

// JobRef — асинхронная job, которую вернул адаптер.
type JobRef struct {
	DeviceID string
	JobID    string
}

// Result — результат вызова обработчика.
type Result struct {
	Message string

	Job *JobRef

	ChildWorkflowID *uuid.UUID
}

// Registry — таблица обработчиков по тегу операции и JobPoller'ов по типу устройства.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	pollers  map[string]JobPoller
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		pollers:  make(map[string]JobPoller),
	}
}

// Register добавляет обработчик операции.
func (r *Registry) Register(operation string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[operation] = h
}

// RegisterFunc добавляет обработчик-функцию.
func (r *Registry) RegisterFunc(operation string, f func(ctx context.Context, inv Invocation) (*Result, error)) {
	r.Register(operation, HandlerFunc(f))
}

// RegisterPoller добавляет JobPoller для типа устройства.
func (r *Registry) RegisterPoller(targetType string, p JobPoller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pollers[targetType] = p
}

// Handler возвращает обработчик операции.
func (r *Registry) Handler(operation string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[operation]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}
	return h, nil
}

// Poller возвращает JobPoller для типа устройства.
func (r *Registry) Poller(targetType string) (JobPoller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pollers[targetType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPoller, targetType)
	}
	return p, nil
}

// Operations возвращает зарегистрированные теги операций.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		out = append(out, op)
	}
	return out
}
