package api

import (
	"encoding/json"
	"net/http"

	"github.com/shaiso/Strata/internal/controller"
)

// CreateVolume запускает создание тома.
// POST /api/v1/volumes
func (h *Handler) CreateVolume(w http.ResponseWriter, r *http.Request) {
	if h.ctrl == nil {
		Unavailable(w, "block controller is not configured")
		return
	}

	var req VolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	task, err := h.ctrl.CreateVolume(r.Context(), req)
	if HandleEngineError(w, h.log(r), err) {
		return
	}

	Accepted(w, TaskFromDomain(*task))
}

// DeleteVolume запускает удаление тома.
// DELETE /api/v1/volumes/{id}?host_id=...
func (h *Handler) DeleteVolume(w http.ResponseWriter, r *http.Request) {
	if h.ctrl == nil {
		Unavailable(w, "block controller is not configured")
		return
	}

	task, err := h.ctrl.DeleteVolume(r.Context(), controller.VolumeSpec{
		VolumeID: r.PathValue("id"),
		HostID:   r.URL.Query().Get("host_id"),
	})
	if HandleEngineError(w, h.log(r), err) {
		return
	}

	Accepted(w, TaskFromDomain(*task))
}

// IngestVolumes берёт неуправляемые тома под управление: по task на том.
// POST /api/v1/volumes/ingest
func (h *Handler) IngestVolumes(w http.ResponseWriter, r *http.Request) {
	if h.ctrl == nil {
		Unavailable(w, "block controller is not configured")
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	tasks, err := h.ctrl.Ingest(r.Context(), req.Volumes)
	if len(tasks) == 0 {
		HandleEngineError(w, h.log(r), err)
		return
	}

	resp := IngestResponse{Tasks: make([]TaskResponse, len(tasks))}
	for i, t := range tasks {
		resp.Tasks[i] = TaskFromDomain(*t)
	}
	resp.Errors = splitErrors(err)

	Accepted(w, resp)
}

// RescanHost пересканирует хост.
// POST /api/v1/hosts/{id}/rescan
func (h *Handler) RescanHost(w http.ResponseWriter, r *http.Request) {
	if h.ctrl == nil {
		Unavailable(w, "block controller is not configured")
		return
	}

	task, err := h.ctrl.RescanHost(r.Context(), r.PathValue("id"))
	if HandleEngineError(w, h.log(r), err) {
		return
	}

	Accepted(w, TaskFromDomain(*task))
}

// splitErrors раскладывает объединённую ошибку на сообщения.
func splitErrors(err error) []string {
	if err == nil {
		return nil
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	for _, e := range joined.Unwrap() {
		out = append(out, e.Error())
	}
	return out
}
