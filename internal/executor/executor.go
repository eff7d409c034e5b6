package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/shaiso/Strata/internal/domain"
	"github.com/shaiso/Strata/internal/fault"
	"github.com/shaiso/Strata/internal/faultinject"
	"github.com/shaiso/Strata/internal/telemetry"
)

// Default configuration values.
const (
	defaultAttempts = 3
	defaultDelay    = 500 * time.Millisecond
	defaultMaxDelay = 10 * time.Second
)

// OutcomeKind — вид результата выполнения действия.
type OutcomeKind string

const (
	OutcomeSucceeded  OutcomeKind = "succeeded"
	OutcomeFailed     OutcomeKind = "failed"
	OutcomeInProgress OutcomeKind = "in_progress"
	OutcomeWaiting    OutcomeKind = "waiting"
)

// Outcome — результат Execute.
type Outcome struct {
	Kind    OutcomeKind
	Message string

	// Fault — причина для OutcomeFailed.
	Fault *fault.Fault

	// Job — асинхронная job для OutcomeInProgress.
	Job *domain.JobHandle

	// ChildWorkflowID — дочерний граф для OutcomeWaiting.
	ChildWorkflowID *uuid.UUID
}

// Succeeded создаёт успешный Outcome.
func Succeeded(msg string) Outcome {
	return Outcome{Kind: OutcomeSucceeded, Message: msg}
}

// Failed создаёт Outcome с ошибкой.
func Failed(f *fault.Fault) Outcome {
	return Outcome{Kind: OutcomeFailed, Message: f.Message, Fault: f}
}

// Config — конфигурация Executor.
type Config struct {
	Registry *Registry

	// Injector — точка отказа; nil отключает инъекцию.
	Injector *faultinject.Injector

	// Attempts — максимум попыток при транспортных ошибках (default: 3).
	Attempts int

	// Delay — начальная пауза между попытками, удваивается (default: 500ms).
	Delay time.Duration

	// MaxDelay — верхняя граница паузы (default: 10s).
	MaxDelay time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Executor выполняет действия шагов через зарегистрированные обработчики.
type Executor struct {
	registry *Registry
	injector *faultinject.Injector
	attempts int
	delay    time.Duration
	maxDelay time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// New создаёт Executor.
func New(cfg Config) *Executor {
	e := &Executor{
		registry: cfg.Registry,
		injector: cfg.Injector,
		attempts: cfg.Attempts,
		delay:    cfg.Delay,
		maxDelay: cfg.MaxDelay,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	if e.attempts <= 0 {
		e.attempts = defaultAttempts
	}
	if e.delay <= 0 {
		e.delay = defaultDelay
	}
	if e.maxDelay < e.delay {
		e.maxDelay = defaultMaxDelay
		if e.maxDelay < e.delay {
			e.maxDelay = e.delay
		}
	}
	if e.clock == nil {
		e.clock = clock.WallClock
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Registry возвращает реестр обработчиков.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute выполняет действие шага в указанной фазе.
//
// Ошибки никогда не возвращаются наружу: любой сбой превращается
// в OutcomeFailed с нормализованным Fault.
func (e *Executor) Execute(ctx context.Context, inv Invocation) Outcome {
	if inv.IdempotencyKey == "" {
		inv.IdempotencyKey = IdempotencyKey(inv.StepID, inv.Phase)
	}

	logger := e.logger.With(
		"workflow_id", inv.WorkflowID,
		"step_id", inv.StepID,
		"step_key", inv.StepKey,
		"phase", inv.Phase,
		"operation", inv.Action.Operation,
	)

	if f := e.injector.Check(inv.StepKey, inv.Phase); f != nil {
		logger.Warn("artificial failure injected")
		return Failed(f)
	}

	handler, err := e.registry.Handler(inv.Action.Operation)
	if err != nil {
		return Failed(fault.Businessf(fault.CodeUnknownOperation, "%v", err))
	}

	start := e.clock.Now()
	result, f := e.invoke(ctx, handler, inv, logger)
	telemetry.StepDuration.WithLabelValues(inv.Action.Operation, string(inv.Phase)).
		Observe(e.clock.Now().Sub(start).Seconds())
	if f != nil {
		logger.Warn("step action failed", "code", f.Code, "error", f.Message)
		return Failed(f)
	}

	if result == nil {
		result = &Result{}
	}

	switch {
	case result.Job != nil:
		if _, err := e.registry.Poller(inv.Action.TargetType); err != nil {
			return Failed(fault.Businessf(fault.CodeAdapterError, "%v", err))
		}
		job := &domain.JobHandle{
			TargetType:   inv.Action.TargetType,
			DeviceID:     result.Job.DeviceID,
			JobID:        result.Job.JobID,
			WorkflowID:   inv.WorkflowID,
			StepID:       inv.StepID,
			Phase:        inv.Phase,
			RegisteredAt: e.clock.Now().UTC(),
		}
		logger.Debug("step action started async job", "job_id", job.JobID, "device_id", job.DeviceID)
		return Outcome{Kind: OutcomeInProgress, Message: result.Message, Job: job}

	case result.ChildWorkflowID != nil:
		logger.Debug("step action started child workflow", "child_workflow_id", *result.ChildWorkflowID)
		return Outcome{Kind: OutcomeWaiting, Message: result.Message, ChildWorkflowID: result.ChildWorkflowID}
	}

	return Succeeded(result.Message)
}

// invoke вызывает обработчик, повторяя транспортные ошибки.
func (e *Executor) invoke(ctx context.Context, h Handler, inv Invocation, logger *slog.Logger) (*Result, *fault.Fault) {
	var result *Result
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			r, err := h.Invoke(ctx, inv)
			if err != nil {
				lastErr = err
				return err
			}
			result = r
			return nil
		},
		IsFatalError: func(err error) bool {
			return !fault.Normalize(err).Retryable()
		},
		NotifyFunc: func(err error, attempt int) {
			if attempt >= e.attempts {
				return
			}
			telemetry.TransportRetries.WithLabelValues(inv.Action.Operation).Inc()
			logger.Info("transport fault, retrying", "attempt", attempt, "error", err)
		},
		Attempts:    e.attempts,
		Delay:       e.delay,
		MaxDelay:    e.maxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       e.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return nil, e.classify(ctx, err, lastErr)
	}
	return result, nil
}

// classify приводит ошибку retry.Call и последнюю ошибку обработчика к Fault.
func (e *Executor) classify(ctx context.Context, err, lastErr error) *fault.Fault {
	if lastErr == nil {
		lastErr = err
	}

	if retry.IsAttemptsExceeded(err) {
		last := fault.Normalize(lastErr)
		return &fault.Fault{
			Code:    fault.CodeRetriesExhausted,
			Message: fmt.Sprintf("%s (after %d attempts)", last.Message, e.attempts),
			Kind:    fault.KindBusiness,
			Err:     last,
		}
	}

	f := fault.Normalize(lastErr)
	if ctx.Err() != nil && f.Retryable() {
		return &fault.Fault{
			Code:    fault.CodeCancelled,
			Message: fmt.Sprintf("retry stopped: %s", f.Message),
			Kind:    fault.KindBusiness,
			Err:     f,
		}
	}
	if f.Retryable() {
		// Транспортная ошибка не может остаться открытой после Execute.
		return &fault.Fault{Code: f.Code, Message: f.Message, Kind: fault.KindBusiness, Err: f}
	}
	return f
}
