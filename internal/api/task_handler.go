package api

import (
	"net/http"

	"github.com/google/uuid"
)

// GetTask возвращает task по ID.
// GET /api/v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid task id")
		return
	}

	task, err := h.store.Tasks.GetByID(r.Context(), id)
	if HandleRepoError(w, h.log(r), err, "task not found") {
		return
	}

	Success(w, TaskFromDomain(*task))
}
