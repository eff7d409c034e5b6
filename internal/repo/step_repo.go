package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Strata/internal/domain"
)

// StepRepo — репозиторий записей шагов в PostgreSQL.
type StepRepo struct {
	pool *pgxpool.Pool
}

var _ StepStore = (*StepRepo)(nil)

// NewStepRepo создаёт новый StepRepo.
func NewStepRepo(pool *pgxpool.Pool) *StepRepo {
	return &StepRepo{pool: pool}
}

const stepColumns = `
	workflow_id, id, key, position, description, wait_for, forward, rollback, status,
	message, error_code, job, child_workflow_id, started_at, finished_at, created_at, updated_at`

// CreateBatch создаёт шаги графа в одной транзакции.
func (r *StepRepo) CreateBatch(ctx context.Context, steps []*domain.Step) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO steps (` + stepColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	for _, s := range steps {
		enc, err := encodeStep(s)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, query,
			s.WorkflowID,
			s.ID,
			s.Key,
			s.Position,
			s.Description,
			enc.waitFor,
			enc.forward,
			enc.rollback,
			s.Status,
			nullString(s.Message),
			nullString(s.ErrorCode),
			enc.job,
			nullUUID(s.ChildWorkflowID),
			s.StartedAt,
			s.FinishedAt,
			s.CreatedAt,
			s.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", s.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit steps: %w", err)
	}
	return nil
}

// GetByID возвращает шаг по ID.
func (r *StepRepo) GetByID(ctx context.Context, workflowID uuid.UUID, stepID string) (*domain.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE workflow_id = $1 AND id = $2`
	return scanStep(r.pool.QueryRow(ctx, query, workflowID, stepID))
}

// ListByWorkflow возвращает все шаги графа в порядке объявления.
func (r *StepRepo) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]domain.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE workflow_id = $1 ORDER BY position ASC`
	rows, err := r.pool.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list steps by workflow_id: %w", err)
	}
	defer rows.Close()

	var steps []domain.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

// Update обновляет изменяемые поля шага.
func (r *StepRepo) Update(ctx context.Context, step *domain.Step) error {
	enc, err := encodeStep(step)
	if err != nil {
		return err
	}

	query := `
		UPDATE steps
		SET wait_for = $3, status = $4, message = $5, error_code = $6, job = $7,
		    child_workflow_id = $8, started_at = $9, finished_at = $10, updated_at = $11
		WHERE workflow_id = $1 AND id = $2
	`
	result, err := r.pool.Exec(ctx, query,
		step.WorkflowID,
		step.ID,
		enc.waitFor,
		step.Status,
		nullString(step.Message),
		nullString(step.ErrorCode),
		enc.job,
		nullUUID(step.ChildWorkflowID),
		step.StartedAt,
		step.FinishedAt,
		step.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Helpers ---

// encodedStep — JSON-поля шага.
type encodedStep struct {
	waitFor  []byte
	forward  []byte
	rollback []byte
	job      []byte
}

// encodeStep сериализует JSON-поля шага. Используется и в sqlite.
func encodeStep(s *domain.Step) (encodedStep, error) {
	var enc encodedStep
	var err error

	waitFor := s.WaitFor
	if waitFor == nil {
		waitFor = []string{}
	}
	if enc.waitFor, err = json.Marshal(waitFor); err != nil {
		return enc, fmt.Errorf("marshal wait_for: %w", err)
	}
	if enc.forward, err = json.Marshal(s.Forward); err != nil {
		return enc, fmt.Errorf("marshal forward: %w", err)
	}
	if s.Rollback != nil {
		if enc.rollback, err = json.Marshal(s.Rollback); err != nil {
			return enc, fmt.Errorf("marshal rollback: %w", err)
		}
	}
	if s.Job != nil {
		if enc.job, err = json.Marshal(s.Job); err != nil {
			return enc, fmt.Errorf("marshal job: %w", err)
		}
	}
	return enc, nil
}

// decodeStep восстанавливает JSON-поля шага.
func decodeStep(s *domain.Step, waitFor, forward, rollback, job []byte) error {
	if len(waitFor) > 0 {
		if err := json.Unmarshal(waitFor, &s.WaitFor); err != nil {
			return fmt.Errorf("unmarshal wait_for: %w", err)
		}
	}
	if err := json.Unmarshal(forward, &s.Forward); err != nil {
		return fmt.Errorf("unmarshal forward: %w", err)
	}
	if len(rollback) > 0 {
		s.Rollback = &domain.ActionRef{}
		if err := json.Unmarshal(rollback, s.Rollback); err != nil {
			return fmt.Errorf("unmarshal rollback: %w", err)
		}
	}
	if len(job) > 0 {
		s.Job = &domain.JobHandle{}
		if err := json.Unmarshal(job, s.Job); err != nil {
			return fmt.Errorf("unmarshal job: %w", err)
		}
	}
	return nil
}

func scanStep(row pgx.Row) (*domain.Step, error) {
	var step domain.Step
	var waitFor, forward, rollback, job []byte
	var message, errorCode *string

	err := row.Scan(
		&step.WorkflowID,
		&step.ID,
		&step.Key,
		&step.Position,
		&step.Description,
		&waitFor,
		&forward,
		&rollback,
		&step.Status,
		&message,
		&errorCode,
		&job,
		&step.ChildWorkflowID,
		&step.StartedAt,
		&step.FinishedAt,
		&step.CreatedAt,
		&step.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}

	if err := decodeStep(&step, waitFor, forward, rollback, job); err != nil {
		return nil, err
	}
	if message != nil {
		step.Message = *message
	}
	if errorCode != nil {
		step.ErrorCode = *errorCode
	}
	return &step, nil
}
