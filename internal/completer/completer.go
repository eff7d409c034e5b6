// Package completer реализует фасад завершения операции.
//
// Completer — один тип, собранный из возможностей:
//   - WithLocks — освобождение блокировок ресурсов
//   - WithStep — перевод шага графа (через движок)
//   - WithTasks — финальный статус внешне видимых task
//
// Ready/Error выполняются один раз: первый вызов побеждает, повторные
// игнорируются. Порядок: блокировки, шаг, task.
package completer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shaiso/Strata/internal/domain"
	"github.com/shaiso/Strata/internal/fault"
	"github.com/shaiso/Strata/internal/lock"
	"github.com/shaiso/Strata/internal/repo"
)

// StepNotifier принимает результат действия шага. Реализуется движком.
type StepNotifier interface {
	StepCompleted(ctx context.Context, workflowID uuid.UUID, stepID string, phase domain.Phase, f *fault.Fault, message string) error
}

// Completer завершает операцию.
type Completer struct {
	release lock.Release

	notifier   StepNotifier
	workflowID uuid.UUID
	stepID     string
	phase      domain.Phase

	tasks   repo.TaskStore
	taskIDs []uuid.UUID

	logger *slog.Logger

	mu   sync.Mutex
	done bool
}

// Option настраивает Completer.
type Option func(*Completer)

// WithLocks освобождает блокировки при завершении.
func WithLocks(release lock.Release) Option {
	return func(c *Completer) { c.release = release }
}

// WithStep передаёт результат шагу графа.
func WithStep(n StepNotifier, workflowID uuid.UUID, stepID string, phase domain.Phase) Option {
	return func(c *Completer) {
		c.notifier = n
		c.workflowID = workflowID
		c.stepID = stepID
		c.phase = phase
	}
}

// WithTasks переводит task в ready/error при завершении.
func WithTasks(store repo.TaskStore, ids ...uuid.UUID) Option {
	return func(c *Completer) {
		c.tasks = store
		c.taskIDs = append(c.taskIDs, ids...)
	}
}

// WithLogger задаёт логгер.
func WithLogger(l *slog.Logger) Option {
	return func(c *Completer) { c.logger = l }
}

// New создаёт Completer.
func New(opts ...Option) *Completer {
	c := &Completer{}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Ready завершает операцию успешно.
func (c *Completer) Ready(ctx context.Context, message string) error {
	return c.complete(ctx, nil, message)
}

// Error завершает операцию ошибкой.
func (c *Completer) Error(ctx context.Context, f *fault.Fault) error {
	if f == nil {
		f = fault.Business(fault.CodeAdapterError, "unknown error")
	}
	return c.complete(ctx, f, f.Message)
}

// Done возвращает true, если Completer уже сработал.
func (c *Completer) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Completer) complete(ctx context.Context, f *fault.Fault, message string) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return nil
	}
	c.done = true
	c.mu.Unlock()

	if c.release != nil {
		c.release()
	}

	var errs []error

	if c.notifier != nil {
		if err := c.notifier.StepCompleted(ctx, c.workflowID, c.stepID, c.phase, f, message); err != nil {
			errs = append(errs, fmt.Errorf("complete step %s: %w", c.stepID, err))
		}
	}

	for _, id := range c.taskIDs {
		if err := c.finishTask(ctx, id, f, message); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (c *Completer) finishTask(ctx context.Context, id uuid.UUID, f *fault.Fault, message string) error {
	task, err := c.tasks.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get task %s: %w", id, err)
	}

	if f == nil {
		err = task.MarkReady(message)
	} else {
		err = task.MarkError(f.Code, message)
	}
	if errors.Is(err, domain.ErrTaskFinalized) {
		c.logger.Debug("task already finalized", "task_id", id, "status", task.Status)
		return nil
	}

	if err := c.tasks.Update(ctx, task); err != nil {
		if errors.Is(err, repo.ErrInvalidState) {
			return nil
		}
		return fmt.Errorf("update task %s: %w", id, err)
	}

	c.logger.Info("task finished", "task_id", id, "status", task.Status)
	return nil
}
