package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Strata/internal/controller"
	"github.com/shaiso/Strata/internal/domain"
	"github.com/shaiso/Strata/internal/orchestrator"
)

// Workflow DTOs

// WorkflowResponse — ответ с графом.
type WorkflowResponse struct {
	ID               uuid.UUID  `json:"id"`
	Name             string     `json:"name"`
	Status           string     `json:"status"`
	TaskID           uuid.UUID  `json:"task_id"`
	ParentWorkflowID *uuid.UUID `json:"parent_workflow_id,omitempty"`
	ParentStepID     string     `json:"parent_step_id,omitempty"`
	Error            string     `json:"error,omitempty"`
	RollbackFailed   bool       `json:"rollback_failed"`
	Cancelled        bool       `json:"cancelled"`
	Owner            string     `json:"owner,omitempty"`
	LeaseUntil       *time.Time `json:"lease_until,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	ArchivedAt       *time.Time `json:"archived_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`

	// Progress — счётчики шагов активного графа.
	Progress *ProgressResponse `json:"progress,omitempty"`
}

// ProgressResponse — прогресс активного графа.
type ProgressResponse struct {
	TotalSteps  int            `json:"total_steps"`
	ByStatus    map[string]int `json:"by_status"`
	RollingBack bool           `json:"rolling_back"`
}

// WorkflowFromDomain конвертирует domain.Workflow в WorkflowResponse.
func WorkflowFromDomain(w domain.Workflow) WorkflowResponse {
	return WorkflowResponse{
		ID:               w.ID,
		Name:             w.Name,
		Status:           string(w.Status),
		TaskID:           w.TaskID,
		ParentWorkflowID: w.ParentWorkflowID,
		ParentStepID:     w.ParentStepID,
		Error:            w.Error,
		RollbackFailed:   w.RollbackFailed,
		Cancelled:        w.Cancelled,
		Owner:            w.Owner,
		LeaseUntil:       w.LeaseUntil,
		StartedAt:        w.StartedAt,
		FinishedAt:       w.FinishedAt,
		ArchivedAt:       w.ArchivedAt,
		CreatedAt:        w.CreatedAt,
	}
}

// ProgressFromStats конвертирует статистику движка в ProgressResponse.
func ProgressFromStats(s orchestrator.WorkflowStats) *ProgressResponse {
	byStatus := make(map[string]int, len(s.ByStatus))
	for status, n := range s.ByStatus {
		byStatus[string(status)] = n
	}
	return &ProgressResponse{
		TotalSteps:  s.TotalSteps,
		ByStatus:    byStatus,
		RollingBack: s.RollingBack,
	}
}

// Step DTOs

// StepResponse — ответ с шагом графа.
type StepResponse struct {
	ID              string            `json:"id"`
	WorkflowID      uuid.UUID         `json:"workflow_id"`
	Key             string            `json:"key"`
	Position        int               `json:"position"`
	Description     string            `json:"description"`
	WaitFor         []string          `json:"wait_for,omitempty"`
	Forward         domain.ActionRef  `json:"forward"`
	Rollback        *domain.ActionRef `json:"rollback,omitempty"`
	Status          string            `json:"status"`
	Message         string            `json:"message,omitempty"`
	ErrorCode       string            `json:"error_code,omitempty"`
	JobID           string            `json:"job_id,omitempty"`
	JobSubStatus    string            `json:"job_sub_status,omitempty"`
	ChildWorkflowID *uuid.UUID        `json:"child_workflow_id,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
}

// StepFromDomain конвертирует domain.Step в StepResponse.
func StepFromDomain(s domain.Step) StepResponse {
	resp := StepResponse{
		ID:              s.ID,
		WorkflowID:      s.WorkflowID,
		Key:             s.Key,
		Position:        s.Position,
		Description:     s.Description,
		WaitFor:         s.WaitFor,
		Forward:         s.Forward,
		Rollback:        s.Rollback,
		Status:          string(s.Status),
		Message:         s.Message,
		ErrorCode:       s.ErrorCode,
		ChildWorkflowID: s.ChildWorkflowID,
		StartedAt:       s.StartedAt,
		FinishedAt:      s.FinishedAt,
	}
	if s.Job != nil {
		resp.JobID = s.Job.JobID
		resp.JobSubStatus = s.Job.SubStatus
	}
	return resp
}

// Task DTOs

// TaskResponse — ответ с task.
type TaskResponse struct {
	ID          uuid.UUID  `json:"id"`
	WorkflowID  *uuid.UUID `json:"workflow_id,omitempty"`
	Name        string     `json:"name"`
	ResourceIDs []string   `json:"resource_ids,omitempty"`
	Status      string     `json:"status"`
	Message     string     `json:"message,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TaskFromDomain конвертирует domain.Task в TaskResponse.
func TaskFromDomain(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		WorkflowID:  t.WorkflowID,
		Name:        t.Name,
		ResourceIDs: t.ResourceIDs,
		Status:      string(t.Status),
		Message:     t.Message,
		ErrorCode:   t.ErrorCode,
		FinishedAt:  t.FinishedAt,
		CreatedAt:   t.CreatedAt,
	}
}

// SubmitWorkflowResponse — ответ на запуск графа.
type SubmitWorkflowResponse struct {
	Workflow WorkflowResponse `json:"workflow"`
	Task     TaskResponse     `json:"task"`
}

// Volume DTOs

// VolumeRequest — запрос на создание тома.
type VolumeRequest = controller.VolumeSpec

// IngestRequest — запрос на ingest неуправляемых томов.
type IngestRequest struct {
	Volumes []controller.VolumeSpec `json:"volumes"`
}

// IngestResponse — task по каждому запущенному тому и ошибки остальных.
type IngestResponse struct {
	Tasks  []TaskResponse `json:"tasks"`
	Errors []string       `json:"errors,omitempty"`
}
