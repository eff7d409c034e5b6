package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		RequestID(h.logger),
		Logging(h.logger),
		Recovery(h.logger),
	)

	// Workflows
	mux.Handle("GET /api/v1/workflows", chain(http.HandlerFunc(h.ListWorkflows)))
	mux.Handle("GET /api/v1/workflows/active", chain(http.HandlerFunc(h.ListActiveWorkflows)))
	mux.Handle("GET /api/v1/workflows/completed", chain(http.HandlerFunc(h.ListCompletedWorkflows)))
	mux.Handle("GET /api/v1/workflows/recent", chain(http.HandlerFunc(h.ListRecentWorkflows)))
	mux.Handle("POST /api/v1/workflows", chain(http.HandlerFunc(h.SubmitWorkflow)))
	mux.Handle("GET /api/v1/workflows/{id}", chain(http.HandlerFunc(h.GetWorkflow)))
	mux.Handle("POST /api/v1/workflows/{id}/cancel", chain(http.HandlerFunc(h.CancelWorkflow)))

	// Steps
	mux.Handle("GET /api/v1/workflows/{id}/steps", chain(http.HandlerFunc(h.ListWorkflowSteps)))
	mux.Handle("GET /api/v1/workflows/{id}/steps/{step}", chain(http.HandlerFunc(h.GetWorkflowStep)))

	// Tasks
	mux.Handle("GET /api/v1/tasks/{id}", chain(http.HandlerFunc(h.GetTask)))

	// Block controller
	mux.Handle("POST /api/v1/volumes", chain(http.HandlerFunc(h.CreateVolume)))
	mux.Handle("DELETE /api/v1/volumes/{id}", chain(http.HandlerFunc(h.DeleteVolume)))
	mux.Handle("POST /api/v1/volumes/ingest", chain(http.HandlerFunc(h.IngestVolumes)))
	mux.Handle("POST /api/v1/hosts/{id}/rescan", chain(http.HandlerFunc(h.RescanHost)))
}
