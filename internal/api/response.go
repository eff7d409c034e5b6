package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Strata/internal/controller"
	"github.com/shaiso/Strata/internal/orchestrator"
	"github.com/shaiso/Strata/internal/repo"
)

// ErrorCode — код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnavailable   ErrorCode = "UNAVAILABLE"
)

// ErrorResponse — тело ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — детали ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DataResponse — тело успешного ответа.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — тело ответа со списком.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total,omitempty"`
}

// JSON отправляет JSON ответ.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Success отправляет 200 с данными.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// Created отправляет 201 с созданным ресурсом.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, DataResponse{Data: data})
}

// Accepted отправляет 202: операция запущена, за ней следят через task или граф.
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, DataResponse{Data: data})
}

// List отправляет список.
func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error отправляет ответ с ошибкой.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func InvalidState(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnprocessableEntity, ErrCodeInvalidState, message)
}

func Unavailable(w http.ResponseWriter, message string) {
	Error(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// InternalError логирует err и отправляет 500 без деталей.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// errorMapping связывает sentinel-ошибку с HTTP статусом.
type errorMapping struct {
	target error
	status int
	code   ErrorCode
}

// errorMappings проверяются по порядку через errors.Is.
var errorMappings = []errorMapping{
	{repo.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{orchestrator.ErrWorkflowNotFound, http.StatusNotFound, ErrCodeNotFound},
	{repo.ErrInvalidState, http.StatusUnprocessableEntity, ErrCodeInvalidState},
	{orchestrator.ErrWorkflowFinished, http.StatusUnprocessableEntity, ErrCodeInvalidState},
	{orchestrator.ErrWorkflowNotActive, http.StatusUnprocessableEntity, ErrCodeInvalidState},
	{orchestrator.ErrOrchestratorStopped, http.StatusServiceUnavailable, ErrCodeUnavailable},
	{controller.ErrInvalidRequest, http.StatusBadRequest, ErrCodeBadRequest},
}

// HandleRepoError отправляет ответ для ошибки хранилища. notFoundMsg заменяет
// сообщение 404. Возвращает false, если err == nil.
func HandleRepoError(w http.ResponseWriter, logger *slog.Logger, err error, notFoundMsg string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, repo.ErrNotFound) {
		NotFound(w, notFoundMsg)
		return true
	}
	return HandleEngineError(w, logger, err)
}

// HandleEngineError отправляет ответ для ошибки движка, контроллера или хранилища.
// Неизвестные ошибки становятся 500.
func HandleEngineError(w http.ResponseWriter, logger *slog.Logger, err error) bool {
	if err == nil {
		return false
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			Error(w, m.status, m.code, err.Error())
			return true
		}
	}
	InternalError(w, logger, err)
	return true
}
