package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Strata/internal/domain"
)

// WorkflowRepo — репозиторий графов операций в PostgreSQL.
type WorkflowRepo struct {
	pool *pgxpool.Pool
}

var _ WorkflowStore = (*WorkflowRepo)(nil)

// NewWorkflowRepo создаёт новый WorkflowRepo.
func NewWorkflowRepo(pool *pgxpool.Pool) *WorkflowRepo {
	return &WorkflowRepo{pool: pool}
}

const workflowColumns = `
	id, name, parent_workflow_id, parent_step_id, parent_phase, task_id, status,
	error, rollback_failed, cancelled, owner, lease_until,
	started_at, finished_at, archived_at, created_at`

// Create создаёт новый граф.
func (r *WorkflowRepo) Create(ctx context.Context, wf *domain.Workflow) error {
	query := `
		INSERT INTO workflows (` + workflowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := r.pool.Exec(ctx, query,
		wf.ID,
		wf.Name,
		nullUUID(wf.ParentWorkflowID),
		nullString(wf.ParentStepID),
		nullString(string(wf.ParentPhase)),
		wf.TaskID,
		wf.Status,
		nullString(wf.Error),
		wf.RollbackFailed,
		wf.Cancelled,
		nullString(wf.Owner),
		wf.LeaseUntil,
		wf.StartedAt,
		wf.FinishedAt,
		wf.ArchivedAt,
		wf.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// GetByID возвращает граф по ID.
func (r *WorkflowRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`
	return scanWorkflow(r.pool.QueryRow(ctx, query, id))
}

// List возвращает список графов с фильтрацией.
func (r *WorkflowRepo) List(ctx context.Context, filter WorkflowFilter) ([]domain.Workflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflows
		WHERE ($1::text IS NULL OR status = $1)
		  AND (NOT $2 OR status = 'RUNNING')
		  AND (NOT $3 OR status <> 'RUNNING')
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		  AND ($5 OR archived_at IS NULL)
		ORDER BY created_at DESC
		LIMIT $6 OFFSET $7
	`
	rows, err := r.pool.Query(ctx, query,
		nullString(string(filter.Status)),
		filter.Active,
		filter.Completed,
		filter.Since,
		filter.IncludeArchived,
		listLimit(filter.Limit),
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []domain.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, *wf)
	}
	return workflows, rows.Err()
}

// Update обновляет граф.
func (r *WorkflowRepo) Update(ctx context.Context, wf *domain.Workflow) error {
	query := `
		UPDATE workflows
		SET status = $2, error = $3, rollback_failed = $4, cancelled = $5,
		    finished_at = $6, archived_at = $7
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		wf.ID,
		wf.Status,
		nullString(wf.Error),
		wf.RollbackFailed,
		wf.Cancelled,
		wf.FinishedAt,
		wf.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimLease забирает аренду графа, если она свободна, истекла или уже принадлежит owner.
func (r *WorkflowRepo) ClaimLease(ctx context.Context, id uuid.UUID, owner string, now, until time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE workflows
		SET owner = $2, lease_until = $4
		WHERE id = $1 AND status = 'RUNNING'
		  AND (owner IS NULL OR owner = $2 OR lease_until IS NULL OR lease_until < $3)
	`, id, owner, now, until)
	if err != nil {
		return false, fmt.Errorf("claim workflow lease: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// RenewLease продлевает аренду owner.
func (r *WorkflowRepo) RenewLease(ctx context.Context, id uuid.UUID, owner string, until time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx,
		`UPDATE workflows SET lease_until = $3 WHERE id = $1 AND owner = $2`,
		id, owner, until)
	if err != nil {
		return false, fmt.Errorf("renew workflow lease: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ReleaseLease снимает аренду owner.
func (r *WorkflowRepo) ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE workflows SET owner = NULL, lease_until = NULL WHERE id = $1 AND owner = $2`,
		id, owner)
	if err != nil {
		return fmt.Errorf("release workflow lease: %w", err)
	}
	return nil
}

// ArchiveFinished архивирует графы, завершённые до before.
func (r *WorkflowRepo) ArchiveFinished(ctx context.Context, before time.Time) (int, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE workflows
		SET archived_at = now()
		WHERE archived_at IS NULL AND finished_at IS NOT NULL AND finished_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("archive workflows: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// --- Helpers ---

// scanWorkflow сканирует одну строку в Workflow.
// pgx.Rows удовлетворяет интерфейсу pgx.Row, поэтому хелпер общий.
func scanWorkflow(row pgx.Row) (*domain.Workflow, error) {
	var wf domain.Workflow
	var parentStep, parentPhase, wfError, owner *string

	err := row.Scan(
		&wf.ID,
		&wf.Name,
		&wf.ParentWorkflowID,
		&parentStep,
		&parentPhase,
		&wf.TaskID,
		&wf.Status,
		&wfError,
		&wf.RollbackFailed,
		&wf.Cancelled,
		&owner,
		&wf.LeaseUntil,
		&wf.StartedAt,
		&wf.FinishedAt,
		&wf.ArchivedAt,
		&wf.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}

	if parentStep != nil {
		wf.ParentStepID = *parentStep
	}
	if parentPhase != nil {
		wf.ParentPhase = domain.Phase(*parentPhase)
	}
	if wfError != nil {
		wf.Error = *wfError
	}
	if owner != nil {
		wf.Owner = *owner
	}
	return &wf, nil
}
