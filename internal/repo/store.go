package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Strata/internal/domain"
)

// WorkflowFilter — параметры фильтрации графов.
type WorkflowFilter struct {
	// Status — точный статус (пустой — любой).
	Status domain.WorkflowStatus

	// Active — только графы в статусе RUNNING.
	Active bool

	// Completed — только графы в финальном статусе.
	Completed bool

	// Since — только графы, созданные не раньше указанного момента.
	Since *time.Time

	// IncludeArchived — включать архивированные графы.
	IncludeArchived bool

	Limit  int
	Offset int
}

// WorkflowStore — хранилище графов операций.
type WorkflowStore interface {
	Create(ctx context.Context, wf *domain.Workflow) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Workflow, error)
	List(ctx context.Context, filter WorkflowFilter) ([]domain.Workflow, error)
	Update(ctx context.Context, wf *domain.Workflow) error

	// ArchiveFinished помечает архивированными завершённые до before графы.
	// Возвращает количество архивированных графов.
	ArchiveFinished(ctx context.Context, before time.Time) (int, error)

	// ClaimLease передаёт owner аренду графа в статусе RUNNING, если графом
	// никто не владеет, он уже принадлежит owner или аренда истекла к now.
	// Возвращает false, если граф ведёт другой живой экземпляр.
	ClaimLease(ctx context.Context, id uuid.UUID, owner string, now, until time.Time) (bool, error)

	// RenewLease продлевает аренду, если она всё ещё принадлежит owner.
	RenewLease(ctx context.Context, id uuid.UUID, owner string, until time.Time) (bool, error)

	// ReleaseLease снимает аренду owner с графа.
	ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error
}

// StepStore — хранилище записей шагов (StepRecord Store).
type StepStore interface {
	CreateBatch(ctx context.Context, steps []*domain.Step) error
	GetByID(ctx context.Context, workflowID uuid.UUID, stepID string) (*domain.Step, error)
	ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]domain.Step, error)
	Update(ctx context.Context, step *domain.Step) error
}

// TaskStore — хранилище внешне видимых task.
type TaskStore interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// Update сохраняет task. Финальную task перезаписать нельзя: ErrInvalidState.
	Update(ctx context.Context, task *domain.Task) error
}

// Store объединяет хранилища движка.
type Store struct {
	Workflows WorkflowStore
	Steps     StepStore
	Tasks     TaskStore
}

// DefaultListLimit — лимит выборки по умолчанию.
const DefaultListLimit = 100

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// MatchWorkflow проверяет граф на соответствие фильтру.
func MatchWorkflow(wf *domain.Workflow, f WorkflowFilter) bool {
	if !f.IncludeArchived && wf.ArchivedAt != nil {
		return false
	}
	if f.Status != "" && wf.Status != f.Status {
		return false
	}
	if f.Active && wf.Status != domain.WorkflowStatusRunning {
		return false
	}
	if f.Completed && !wf.Status.IsTerminal() {
		return false
	}
	if f.Since != nil && wf.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}
