package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Strata/internal/domain"

	_ "modernc.org/sqlite"
)

// OpenSQLite открывает базу SQLite (файл или ":memory:").
//
// SQLite допускает одного писателя, поэтому пул ограничен одним соединением.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "?") {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewSQLiteStore создаёт схему в db и возвращает Store поверх SQLite.
func NewSQLiteStore(db *sql.DB) (*Store, error) {
	s := &sqliteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return &Store{
		Workflows: &sqliteWorkflows{s},
		Steps:     &sqliteSteps{s},
		Tasks:     &sqliteTasks{s},
	}, nil
}

type sqliteStore struct {
	db *sql.DB
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			parent_workflow_id TEXT,
			parent_step_id TEXT,
			parent_phase TEXT,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			rollback_failed INTEGER NOT NULL DEFAULT 0,
			cancelled INTEGER NOT NULL DEFAULT 0,
			owner TEXT,
			lease_until INTEGER,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			archived_at INTEGER,
			created_at INTEGER NOT NULL
		)`,
	`CREATE TABLE IF NOT EXISTS steps (
			workflow_id TEXT NOT NULL,
			id TEXT NOT NULL,
			key TEXT NOT NULL,
			position INTEGER NOT NULL,
			description TEXT NOT NULL,
			wait_for BLOB,
			forward BLOB NOT NULL,
			rollback BLOB,
			status TEXT NOT NULL,
			message TEXT,
			error_code TEXT,
			job BLOB,
			child_workflow_id TEXT,
			started_at INTEGER,
			finished_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (workflow_id, id)
		)`,
	`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			workflow_id TEXT,
			name TEXT NOT NULL,
			resource_ids TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			error_code TEXT,
			finished_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
}

// sqliteColumns — колонки, добавленные после первой версии схемы.
var sqliteColumns = []string{
	`ALTER TABLE workflows ADD COLUMN owner TEXT`,
	`ALTER TABLE workflows ADD COLUMN lease_until INTEGER`,
}

func (s *sqliteStore) initSchema() error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	for _, stmt := range sqliteColumns {
		if _, err := s.db.Exec(stmt); err != nil && !strings.Contains(err.Error(), "duplicate column") {
			return fmt.Errorf("migrate sqlite schema: %w", err)
		}
	}
	return nil
}

// --- Workflows ---

type sqliteWorkflows struct{ *sqliteStore }

func (s *sqliteWorkflows) Create(ctx context.Context, wf *domain.Workflow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID.String(),
		wf.Name,
		uuidText(wf.ParentWorkflowID),
		nullString(wf.ParentStepID),
		nullString(string(wf.ParentPhase)),
		wf.TaskID.String(),
		string(wf.Status),
		nullString(wf.Error),
		wf.RollbackFailed,
		wf.Cancelled,
		nullString(wf.Owner),
		unixNano(wf.LeaseUntil),
		wf.StartedAt.UnixNano(),
		unixNano(wf.FinishedAt),
		unixNano(wf.ArchivedAt),
		wf.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (s *sqliteWorkflows) GetByID(ctx context.Context, id uuid.UUID) (*domain.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id.String())
	return scanSQLiteWorkflow(row)
}

func (s *sqliteWorkflows) List(ctx context.Context, f WorkflowFilter) ([]domain.Workflow, error) {
	var since any
	if f.Since != nil {
		since = f.Since.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowColumns+`
		FROM workflows
		WHERE (? IS NULL OR status = ?)
		  AND (? = 0 OR status = 'RUNNING')
		  AND (? = 0 OR status <> 'RUNNING')
		  AND (? IS NULL OR created_at >= ?)
		  AND (? = 1 OR archived_at IS NULL)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`,
		nullString(string(f.Status)), string(f.Status),
		f.Active,
		f.Completed,
		since, since,
		f.IncludeArchived,
		listLimit(f.Limit), f.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []domain.Workflow
	for rows.Next() {
		wf, err := scanSQLiteWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *wf)
	}
	return out, rows.Err()
}

func (s *sqliteWorkflows) Update(ctx context.Context, wf *domain.Workflow) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = ?, error = ?, rollback_failed = ?, cancelled = ?, finished_at = ?, archived_at = ?
		WHERE id = ?`,
		string(wf.Status),
		nullString(wf.Error),
		wf.RollbackFailed,
		wf.Cancelled,
		unixNano(wf.FinishedAt),
		unixNano(wf.ArchivedAt),
		wf.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	return expectAffected(res)
}

func (s *sqliteWorkflows) ClaimLease(ctx context.Context, id uuid.UUID, owner string, now, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET owner = ?, lease_until = ?
		WHERE id = ? AND status = 'RUNNING'
		  AND (owner IS NULL OR owner = ? OR lease_until IS NULL OR lease_until < ?)`,
		owner, until.UnixNano(), id.String(), owner, now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("claim workflow lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteWorkflows) RenewLease(ctx context.Context, id uuid.UUID, owner string, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET lease_until = ? WHERE id = ? AND owner = ?`,
		until.UnixNano(), id.String(), owner)
	if err != nil {
		return false, fmt.Errorf("renew workflow lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteWorkflows) ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET owner = NULL, lease_until = NULL WHERE id = ? AND owner = ?`,
		id.String(), owner)
	if err != nil {
		return fmt.Errorf("release workflow lease: %w", err)
	}
	return nil
}

func (s *sqliteWorkflows) ArchiveFinished(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET archived_at = ?
		WHERE archived_at IS NULL AND finished_at IS NOT NULL AND finished_at < ?`,
		time.Now().UTC().UnixNano(), before.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("archive workflows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// --- Steps ---

type sqliteSteps struct{ *sqliteStore }

func (s *sqliteSteps) CreateBatch(ctx context.Context, steps []*domain.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, st := range steps {
		enc, err := encodeStep(st)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (`+stepColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.WorkflowID.String(),
			st.ID,
			st.Key,
			st.Position,
			st.Description,
			enc.waitFor,
			enc.forward,
			enc.rollback,
			string(st.Status),
			nullString(st.Message),
			nullString(st.ErrorCode),
			enc.job,
			uuidText(st.ChildWorkflowID),
			unixNano(st.StartedAt),
			unixNano(st.FinishedAt),
			st.CreatedAt.UnixNano(),
			st.UpdatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", st.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit steps: %w", err)
	}
	return nil
}

func (s *sqliteSteps) GetByID(ctx context.Context, workflowID uuid.UUID, stepID string) (*domain.Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE workflow_id = ? AND id = ?`,
		workflowID.String(), stepID)
	return scanSQLiteStep(row)
}

func (s *sqliteSteps) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]domain.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE workflow_id = ? ORDER BY position ASC`,
		workflowID.String())
	if err != nil {
		return nil, fmt.Errorf("list steps by workflow_id: %w", err)
	}
	defer rows.Close()

	var out []domain.Step
	for rows.Next() {
		st, err := scanSQLiteStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *sqliteSteps) Update(ctx context.Context, step *domain.Step) error {
	enc, err := encodeStep(step)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps
		SET wait_for = ?, status = ?, message = ?, error_code = ?, job = ?,
		    child_workflow_id = ?, started_at = ?, finished_at = ?, updated_at = ?
		WHERE workflow_id = ? AND id = ?`,
		enc.waitFor,
		string(step.Status),
		nullString(step.Message),
		nullString(step.ErrorCode),
		enc.job,
		uuidText(step.ChildWorkflowID),
		unixNano(step.StartedAt),
		unixNano(step.FinishedAt),
		step.UpdatedAt.UnixNano(),
		step.WorkflowID.String(),
		step.ID,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	return expectAffected(res)
}

// --- Tasks ---

type sqliteTasks struct{ *sqliteStore }

func (s *sqliteTasks) Create(ctx context.Context, task *domain.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID.String(),
		uuidText(task.WorkflowID),
		task.Name,
		strings.Join(task.ResourceIDs, ","),
		string(task.Status),
		nullString(task.Message),
		nullString(task.ErrorCode),
		unixNano(task.FinishedAt),
		task.CreatedAt.UnixNano(),
		task.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *sqliteTasks) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id.String())
	return scanSQLiteTask(row)
}

func (s *sqliteTasks) Update(ctx context.Context, task *domain.Task) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET workflow_id = ?, status = ?, message = ?, error_code = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		uuidText(task.WorkflowID),
		string(task.Status),
		nullString(task.Message),
		nullString(task.ErrorCode),
		unixNano(task.FinishedAt),
		task.UpdatedAt.UnixNano(),
		task.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if err := expectAffected(res); err != nil {
		if _, getErr := s.GetByID(ctx, task.ID); getErr != nil {
			return getErr
		}
		return ErrInvalidState
	}
	return nil
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteWorkflow(row scanner) (*domain.Workflow, error) {
	var wf domain.Workflow
	var id, taskID, status string
	var parentID, parentStep, parentPhase, wfError, owner sql.NullString
	var startedAt, createdAt int64
	var leaseUntil, finishedAt, archivedAt sql.NullInt64

	err := row.Scan(
		&id, &wf.Name, &parentID, &parentStep, &parentPhase, &taskID, &status,
		&wfError, &wf.RollbackFailed, &wf.Cancelled, &owner, &leaseUntil,
		&startedAt, &finishedAt, &archivedAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}

	if wf.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse workflow id: %w", err)
	}
	if wf.TaskID, err = uuid.Parse(taskID); err != nil {
		return nil, fmt.Errorf("parse task id: %w", err)
	}
	if wf.ParentWorkflowID, err = parseUUIDText(parentID); err != nil {
		return nil, err
	}
	wf.ParentStepID = parentStep.String
	wf.ParentPhase = domain.Phase(parentPhase.String)
	wf.Status = domain.WorkflowStatus(status)
	wf.Error = wfError.String
	wf.Owner = owner.String
	wf.LeaseUntil = fromNullUnixNano(leaseUntil)
	wf.StartedAt = fromUnixNano(startedAt)
	wf.FinishedAt = fromNullUnixNano(finishedAt)
	wf.ArchivedAt = fromNullUnixNano(archivedAt)
	wf.CreatedAt = fromUnixNano(createdAt)
	return &wf, nil
}

func scanSQLiteStep(row scanner) (*domain.Step, error) {
	var st domain.Step
	var workflowID, status string
	var waitFor, forward, rollback, job []byte
	var message, errorCode, childID sql.NullString
	var startedAt, finishedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&workflowID, &st.ID, &st.Key, &st.Position, &st.Description,
		&waitFor, &forward, &rollback, &status, &message, &errorCode, &job,
		&childID, &startedAt, &finishedAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}

	if st.WorkflowID, err = uuid.Parse(workflowID); err != nil {
		return nil, fmt.Errorf("parse workflow id: %w", err)
	}
	if st.ChildWorkflowID, err = parseUUIDText(childID); err != nil {
		return nil, err
	}
	if err := decodeStep(&st, waitFor, forward, rollback, job); err != nil {
		return nil, err
	}
	st.Status = domain.StepStatus(status)
	st.Message = message.String
	st.ErrorCode = errorCode.String
	st.StartedAt = fromNullUnixNano(startedAt)
	st.FinishedAt = fromNullUnixNano(finishedAt)
	st.CreatedAt = fromUnixNano(createdAt)
	st.UpdatedAt = fromUnixNano(updatedAt)
	return &st, nil
}

func scanSQLiteTask(row scanner) (*domain.Task, error) {
	var t domain.Task
	var id, resources, status string
	var workflowID, message, errorCode sql.NullString
	var finishedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&id, &workflowID, &t.Name, &resources, &status, &message, &errorCode,
		&finishedAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse task id: %w", err)
	}
	if t.WorkflowID, err = parseUUIDText(workflowID); err != nil {
		return nil, err
	}
	if resources != "" {
		t.ResourceIDs = strings.Split(resources, ",")
	}
	t.Status = domain.TaskStatus(status)
	t.Message = message.String
	t.ErrorCode = errorCode.String
	t.FinishedAt = fromNullUnixNano(finishedAt)
	t.CreatedAt = fromUnixNano(createdAt)
	t.UpdatedAt = fromUnixNano(updatedAt)
	return &t, nil
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func uuidText(id *uuid.UUID) any {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return id.String()
}

func parseUUIDText(s sql.NullString) (*uuid.UUID, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return nil, fmt.Errorf("parse uuid %q: %w", s.String, err)
	}
	return &id, nil
}

func unixNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullUnixNano(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnixNano(n.Int64)
	return &t
}
