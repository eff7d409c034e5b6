// Package rest реализует обобщённый адаптер REST API системы хранения.
//
// Протокол:
//
//	POST {base}/operations/{operation}      → 200/201 результат, 202 + job_id асинхронная job
//	GET  {base}/jobs/{device_id}/{job_id}   → состояние job
//
// Классификация ошибок:
//   - сетевая ошибка, таймаут, 5xx, 429 — транспортная (повторяется Executor'ом)
//   - прочие 4xx — бизнес-ошибка с кодом из тела ответа
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shaiso/Strata/internal/domain"
	"github.com/shaiso/Strata/internal/executor"
	"github.com/shaiso/Strata/internal/fault"
)

const (
	defaultTimeout = 30 * time.Second

	// maxErrorBody — сколько байт тела ответа попадает в сообщение об ошибке.
	maxErrorBody = 200
)

// ErrBadResponse — ответ провайдера не удалось разобрать.
var ErrBadResponse = errors.New("bad provider response")

// Config — конфигурация адаптера.
type Config struct {
	// BaseURL — адрес API провайдера, например "https://array-1.local/api/v2".
	BaseURL string

	// Timeout — таймаут одного запроса (default: 30s).
	Timeout time.Duration

	// Headers — дополнительные заголовки (авторизация и т.п.).
	Headers map[string]string

	// HTTPClient — HTTP-клиент (default: http.Client с Timeout).
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Adapter — адаптер REST API одной системы хранения.
type Adapter struct {
	base    string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

// New создаёт Adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rest adapter: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("rest adapter: parse base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		headers: cfg.Headers,
		client:  client,
		logger:  logger,
	}, nil
}

// Register регистрирует адаптер для операций и JobPoller для типа устройства.
func (a *Adapter) Register(reg *executor.Registry, targetType string, operations ...string) {
	for _, op := range operations {
		reg.Register(op, a)
	}
	reg.RegisterPoller(targetType, a)
}

// operationRequest — тело запроса операции.
type operationRequest struct {
	TargetID       string          `json:"target_id"`
	Phase          domain.Phase    `json:"phase"`
	IdempotencyKey string          `json:"idempotency_key"`
	Args           json.RawMessage `json:"args,omitempty"`
}

// operationResponse — тело ответа операции (и ответа с ошибкой).
type operationResponse struct {
	Message  string `json:"message"`
	JobID    string `json:"job_id"`
	DeviceID string `json:"device_id"`
	Code     string `json:"code"`
	Error    string `json:"error"`
}

// jobResponse — состояние job.
type jobResponse struct {
	Status    string `json:"status"`
	SubStatus string `json:"sub_status"`
	Message   string `json:"message"`
}

// Invoke реализует executor.Handler.
func (a *Adapter) Invoke(ctx context.Context, inv executor.Invocation) (*executor.Result, error) {
	body, err := json.Marshal(operationRequest{
		TargetID:       inv.Action.TargetID,
		Phase:          inv.Phase,
		IdempotencyKey: inv.IdempotencyKey,
		Args:           inv.Action.Args,
	})
	if err != nil {
		return nil, fault.Businessf(fault.CodeAdapterError, "marshal request: %v", err)
	}

	endpoint := a.base + "/operations/" + url.PathEscape(inv.Action.Operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Businessf(fault.CodeAdapterError, "create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", inv.IdempotencyKey)

	status, respBody, err := a.do(req)
	if err != nil {
		return nil, err
	}

	var resp operationResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &resp); err != nil && status < 300 {
			return nil, fault.Businessf(fault.CodeAdapterError, "%v: %v", ErrBadResponse, err)
		}
	}

	if f := classify(status, resp, respBody); f != nil {
		return nil, f
	}

	if status == http.StatusAccepted {
		if resp.JobID == "" {
			return nil, fault.Businessf(fault.CodeAdapterError, "%v: 202 without job_id", ErrBadResponse)
		}
		deviceID := resp.DeviceID
		if deviceID == "" {
			deviceID = inv.Action.TargetID
		}
		return &executor.Result{
			Message: resp.Message,
			Job:     &executor.JobRef{DeviceID: deviceID, JobID: resp.JobID},
		}, nil
	}

	return &executor.Result{Message: resp.Message}, nil
}

// PollJob реализует executor.JobPoller.
func (a *Adapter) PollJob(ctx context.Context, h domain.JobHandle) (executor.JobState, error) {
	endpoint := fmt.Sprintf("%s/jobs/%s/%s", a.base, url.PathEscape(h.DeviceID), url.PathEscape(h.JobID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return executor.JobState{}, fmt.Errorf("create request: %w", err)
	}

	status, body, err := a.do(req)
	if err != nil {
		return executor.JobState{}, err
	}
	if status >= 400 {
		return executor.JobState{}, fmt.Errorf("poll job %s: HTTP %d: %s", h.JobID, status, truncate(string(body), maxErrorBody))
	}

	var resp jobResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return executor.JobState{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	return executor.JobState{
		Status:    jobStatus(resp.Status),
		SubStatus: resp.SubStatus,
		Message:   resp.Message,
	}, nil
}

// do выполняет запрос. Сетевые ошибки возвращаются как транспортные.
func (a *Adapter) do(req *http.Request) (int, []byte, error) {
	req.Header.Set("Accept", "application/json")
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		code := fault.CodeTransport
		if errors.Is(err, context.DeadlineExceeded) {
			code = fault.CodeTimeout
		}
		return 0, nil, fault.Transport(code, fmt.Sprintf("%s %s: %v", req.Method, req.URL.Path, err), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fault.Transport(fault.CodeTransport, fmt.Sprintf("read response: %v", err), err)
	}

	a.logger.Debug("provider request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
	)
	return resp.StatusCode, body, nil
}

// classify приводит HTTP-статус ответа к Fault.
func classify(status int, resp operationResponse, body []byte) *fault.Fault {
	if status < 400 {
		return nil
	}

	msg := resp.Error
	if msg == "" {
		msg = resp.Message
	}
	if msg == "" {
		msg = truncate(string(body), maxErrorBody)
	}
	msg = fmt.Sprintf("HTTP %d: %s", status, msg)

	if status >= 500 || status == http.StatusTooManyRequests {
		return fault.Transport(fault.CodeTransport, msg, nil)
	}

	code := resp.Code
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", status)
	}
	return fault.Business(code, msg)
}

// jobStatus приводит статус job провайдера к executor.JobStatus.
func jobStatus(s string) executor.JobStatus {
	switch strings.ToLower(s) {
	case "succeeded", "success", "completed", "done":
		return executor.JobSucceeded
	case "failed", "error", "aborted":
		return executor.JobFailed
	default:
		return executor.JobPending
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
