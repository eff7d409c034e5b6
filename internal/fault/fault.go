// Package fault содержит нормализованную модель ошибок шагов.
//
// Любая ошибка адаптера приводится к *Fault с кодом, сообщением и видом:
//
//   - Transport — транспортная ошибка, повторяется с ограниченным числом попыток
//   - Business — бизнес-ошибка, шаг падает и граф откатывается
//   - Compensation — ошибка компенсирующего действия, агрегируется в итог графа
//   - LostJob — Poller не получил финальный статус job; обрабатывается как Business
//
// Ошибки уровня шага никогда не выходят за границу движка: они превращаются
// в статус и сообщение шага и task.
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind — вид ошибки.
type Kind string

const (
	KindTransport    Kind = "transport"
	KindBusiness     Kind = "business"
	KindCompensation Kind = "compensation"
	KindLostJob      Kind = "lost_job"
)

// Стабильные коды ошибок.
const (
	CodeAdapterError      = "ADAPTER_ERROR"
	CodeTransport         = "TRANSPORT_ERROR"
	CodeTimeout           = "TIMEOUT"
	CodeRetriesExhausted  = "TRANSPORT_RETRIES_EXHAUSTED"
	CodeLostJob           = "LOST_JOB"
	CodeJobFailed         = "JOB_FAILED"
	CodeRollbackFailed    = "ROLLBACK_FAILED"
	CodeArtificialFailure = "ARTIFICIAL_FAILURE"
	CodeUnknownOperation  = "UNKNOWN_OPERATION"
	CodeResourceBusy      = "RESOURCE_BUSY"
	CodeCancelled         = "CANCELLED"
	CodeChildFailed       = "CHILD_WORKFLOW_FAILED"
)

// Fault — нормализованная ошибка шага.
type Fault struct {
	Code    string
	Message string
	Kind    Kind
	Err     error
}

// Error реализует интерфейс error.
func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Unwrap возвращает исходную ошибку.
func (f *Fault) Unwrap() error {
	return f.Err
}

// Retryable возвращает true для транспортных ошибок.
func (f *Fault) Retryable() bool {
	return f.Kind == KindTransport
}

// TriggersRollback возвращает true, если ошибка прямого действия должна откатить граф.
func (f *Fault) TriggersRollback() bool {
	return f.Kind == KindBusiness || f.Kind == KindLostJob
}

// Transport создаёт транспортную ошибку.
func Transport(code, message string, err error) *Fault {
	return &Fault{Code: code, Message: message, Kind: KindTransport, Err: err}
}

// Business создаёт бизнес-ошибку.
func Business(code, message string) *Fault {
	return &Fault{Code: code, Message: message, Kind: KindBusiness}
}

// Businessf создаёт бизнес-ошибку с форматированным сообщением.
func Businessf(code, format string, args ...any) *Fault {
	return Business(code, fmt.Sprintf(format, args...))
}

// LostJob создаёт ошибку потерянной job.
func LostJob(jobID, reason string) *Fault {
	return &Fault{
		Code:    CodeLostJob,
		Message: fmt.Sprintf("job %s lost: %s", jobID, reason),
		Kind:    KindLostJob,
	}
}

// Compensation оборачивает ошибку компенсирующего действия шага.
func Compensation(stepID, description string, cause *Fault) *Fault {
	f := &Fault{
		Code:    CodeRollbackFailed,
		Message: fmt.Sprintf("rollback of step %s (%s) failed", stepID, description),
		Kind:    KindCompensation,
	}
	if cause != nil {
		f.Message += ": " + cause.Error()
		f.Err = cause
	}
	return f
}

// Normalize приводит произвольную ошибку к *Fault.
//
// Таймаут и отмена контекста считаются транспортными ошибками,
// всё остальное без явной классификации — бизнес-ошибкой адаптера.
func Normalize(err error) *Fault {
	if err == nil {
		return nil
	}

	var f *Fault
	if errors.As(err, &f) {
		return f
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transport(CodeTimeout, err.Error(), err)
	}

	return &Fault{Code: CodeAdapterError, Message: err.Error(), Kind: KindBusiness, Err: err}
}

// Aggregate собирает ошибки в одно сообщение вида "CODE: message; CODE: message".
func Aggregate(faults []*Fault) string {
	if len(faults) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(faults))
	for _, f := range faults {
		if f.Code == "" {
			msgs = append(msgs, f.Message)
			continue
		}
		msgs = append(msgs, f.Error())
	}
	return strings.Join(msgs, "; ")
}
