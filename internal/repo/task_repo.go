package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Strata/internal/domain"
)

// TaskRepo — репозиторий task в PostgreSQL.
type TaskRepo struct {
	pool *pgxpool.Pool
}

var _ TaskStore = (*TaskRepo)(nil)

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `
	id, workflow_id, name, resource_ids, status, message, error_code,
	finished_at, created_at, updated_at`

// Create создаёт новую task.
func (r *TaskRepo) Create(ctx context.Context, task *domain.Task) error {
	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	resources := task.ResourceIDs
	if resources == nil {
		resources = []string{}
	}
	_, err := r.pool.Exec(ctx, query,
		task.ID,
		nullUUID(task.WorkflowID),
		task.Name,
		resources,
		task.Status,
		nullString(task.Message),
		nullString(task.ErrorCode),
		task.FinishedAt,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetByID возвращает task по ID.
func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(r.pool.QueryRow(ctx, query, id))
}

// Update обновляет task, пока она в статусе pending.
func (r *TaskRepo) Update(ctx context.Context, task *domain.Task) error {
	query := `
		UPDATE tasks
		SET workflow_id = $2, status = $3, message = $4, error_code = $5,
		    finished_at = $6, updated_at = $7
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.pool.Exec(ctx, query,
		task.ID,
		nullUUID(task.WorkflowID),
		task.Status,
		nullString(task.Message),
		nullString(task.ErrorCode),
		task.FinishedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, task.ID); err != nil {
			return err
		}
		return ErrInvalidState
	}
	return nil
}

// --- Helpers ---

func scanTask(row pgx.Row) (*domain.Task, error) {
	var task domain.Task
	var message, errorCode *string

	err := row.Scan(
		&task.ID,
		&task.WorkflowID,
		&task.Name,
		&task.ResourceIDs,
		&task.Status,
		&message,
		&errorCode,
		&task.FinishedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if message != nil {
		task.Message = *message
	}
	if errorCode != nil {
		task.ErrorCode = *errorCode
	}
	return &task, nil
}
