package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Strata/internal/domain"
	"github.com/shaiso/Strata/internal/engine"
	"github.com/shaiso/Strata/internal/repo"
)

const (
	defaultListLimit = 50

	// defaultRecentMinutes — окно /workflows/recent без ?min=.
	defaultRecentMinutes = 60

	maxGraphBody = 1 << 20
)

// ListWorkflows возвращает список графов с фильтрацией.
// GET /api/v1/workflows?status=...&archived=true&limit=...&offset=...
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter, ok := listFilter(w, r)
	if !ok {
		return
	}
	h.listWorkflows(w, r, filter)
}

// ListActiveWorkflows возвращает выполняющиеся графы.
// GET /api/v1/workflows/active
func (h *Handler) ListActiveWorkflows(w http.ResponseWriter, r *http.Request) {
	filter, ok := listFilter(w, r)
	if !ok {
		return
	}
	filter.Active = true
	h.listWorkflows(w, r, filter)
}

// ListCompletedWorkflows возвращает завершённые графы.
// GET /api/v1/workflows/completed
func (h *Handler) ListCompletedWorkflows(w http.ResponseWriter, r *http.Request) {
	filter, ok := listFilter(w, r)
	if !ok {
		return
	}
	filter.Completed = true
	h.listWorkflows(w, r, filter)
}

// ListRecentWorkflows возвращает графы, созданные за последние min минут.
// GET /api/v1/workflows/recent?min=30
func (h *Handler) ListRecentWorkflows(w http.ResponseWriter, r *http.Request) {
	filter, ok := listFilter(w, r)
	if !ok {
		return
	}
	minutes, err := queryInt(r, "min", defaultRecentMinutes)
	if err != nil || minutes <= 0 {
		BadRequest(w, "invalid min")
		return
	}
	since := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)
	filter.Since = &since
	h.listWorkflows(w, r, filter)
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request, filter repo.WorkflowFilter) {
	workflows, err := h.store.Workflows.List(r.Context(), filter)
	if HandleRepoError(w, h.log(r), err, "") {
		return
	}

	result := make([]WorkflowResponse, len(workflows))
	for i, wf := range workflows {
		result[i] = WorkflowFromDomain(wf)
	}

	List(w, result, len(result))
}

// listFilter разбирает общие параметры списка графов.
func listFilter(w http.ResponseWriter, r *http.Request) (repo.WorkflowFilter, bool) {
	q := r.URL.Query()
	filter := repo.WorkflowFilter{
		Status:          domain.WorkflowStatus(q.Get("status")),
		IncludeArchived: q.Get("archived") == "true",
	}

	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil || limit < 0 {
		BadRequest(w, "invalid limit")
		return filter, false
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		BadRequest(w, "invalid offset")
		return filter, false
	}
	filter.Limit = limit
	filter.Offset = offset
	return filter, true
}

// GetWorkflow возвращает граф по ID. Для активного графа добавляется прогресс.
// GET /api/v1/workflows/{id}
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid workflow id")
		return
	}

	wf, err := h.store.Workflows.GetByID(r.Context(), id)
	if HandleRepoError(w, h.log(r), err, "workflow not found") {
		return
	}

	resp := WorkflowFromDomain(*wf)
	if h.orch != nil {
		if stats, ok := h.orch.Stats(id); ok {
			resp.Progress = ProgressFromStats(stats)
		}
	}

	Success(w, resp)
}

// SubmitWorkflow запускает граф, описанный в JSON.
// POST /api/v1/workflows
func (h *Handler) SubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	if h.orch == nil {
		Unavailable(w, "orchestrator is not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxGraphBody))
	if err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	spec, err := engine.ParseGraphSpec(body)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	g, err := spec.ToGraph()
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	wf, task, err := h.orch.Submit(r.Context(), g)
	if err != nil {
		if isGraphError(err) {
			BadRequest(w, err.Error())
			return
		}
		HandleEngineError(w, h.log(r), err)
		return
	}

	Created(w, SubmitWorkflowResponse{
		Workflow: WorkflowFromDomain(*wf),
		Task:     TaskFromDomain(*task),
	})
}

// CancelWorkflow отменяет граф.
// POST /api/v1/workflows/{id}/cancel
func (h *Handler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	if h.orch == nil {
		Unavailable(w, "orchestrator is not configured")
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid workflow id")
		return
	}

	if HandleEngineError(w, h.log(r), h.orch.Cancel(r.Context(), id)) {
		return
	}

	wf, err := h.store.Workflows.GetByID(r.Context(), id)
	if HandleRepoError(w, h.log(r), err, "workflow not found") {
		return
	}

	Accepted(w, WorkflowFromDomain(*wf))
}

// ListWorkflowSteps возвращает шаги графа.
// GET /api/v1/workflows/{id}/steps
func (h *Handler) ListWorkflowSteps(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid workflow id")
		return
	}

	// Проверяем, что граф существует
	_, err = h.store.Workflows.GetByID(r.Context(), id)
	if HandleRepoError(w, h.log(r), err, "workflow not found") {
		return
	}

	steps, err := h.store.Steps.ListByWorkflow(r.Context(), id)
	if HandleRepoError(w, h.log(r), err, "") {
		return
	}

	result := make([]StepResponse, len(steps))
	for i, s := range steps {
		result[i] = StepFromDomain(s)
	}

	List(w, result, len(result))
}

// GetWorkflowStep возвращает шаг графа.
// GET /api/v1/workflows/{id}/steps/{step}
func (h *Handler) GetWorkflowStep(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid workflow id")
		return
	}

	step, err := h.store.Steps.GetByID(r.Context(), id, r.PathValue("step"))
	if HandleRepoError(w, h.log(r), err, "step not found") {
		return
	}

	Success(w, StepFromDomain(*step))
}

// isGraphError проверяет, что граф отклонён при построении.
func isGraphError(err error) bool {
	var verr *engine.ValidationError
	return errors.As(err, &verr) ||
		errors.Is(err, engine.ErrEmptyGraph) ||
		errors.Is(err, engine.ErrCyclicDependency) ||
		errors.Is(err, engine.ErrMissingDependency) ||
		errors.Is(err, engine.ErrSelfDependency) ||
		errors.Is(err, engine.ErrDuplicateStepKey) ||
		errors.Is(err, engine.ErrEmptyOperation)
}

// queryInt парсит целочисленный query-параметр с дефолтным значением.
func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
