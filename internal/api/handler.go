package api

import (
	"log/slog"
	"net/http"

	"github.com/shaiso/Strata/internal/controller"
	"github.com/shaiso/Strata/internal/orchestrator"
	"github.com/shaiso/Strata/internal/repo"
	"github.com/shaiso/Strata/internal/telemetry"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	store  *repo.Store
	orch   *orchestrator.Orchestrator
	ctrl   *controller.Controller
	logger *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Store        *repo.Store
	Orchestrator *orchestrator.Orchestrator

	// Controller — блочный контроллер; без него маршруты томов и хостов отвечают 503.
	Controller *controller.Controller

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:  cfg.Store,
		orch:   cfg.Orchestrator,
		ctrl:   cfg.Controller,
		logger: logger,
	}
}

// log возвращает логгер запроса с request_id.
func (h *Handler) log(r *http.Request) *slog.Logger {
	return telemetry.FromContextOr(r.Context(), h.logger)
}
