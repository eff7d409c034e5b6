package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel разбирает уровень логирования (DEBUG, INFO, WARN, ERROR, без учёта регистра).
// Неизвестное значение — INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger создаёт логгер в w. format "text" — человекочитаемый вывод,
// иначе JSON. На уровне DEBUG в записи добавляется источник.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With("service", "strata")
}

// SetupLogger создаёт логгер процесса по LOG_LEVEL и LOG_FORMAT
// и делает его логгером по умолчанию.
func SetupLogger() *slog.Logger {
	logger := NewLogger(os.Stdout, ParseLevel(os.Getenv("LOG_LEVEL")), os.Getenv("LOG_FORMAT"))
	slog.SetDefault(logger)
	return logger
}

type ctxKey struct{}

// WithLogger кладёт логгер в контекст.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContextOr возвращает логгер из контекста или fallback.
func FromContextOr(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// FromContext возвращает логгер из контекста или глобальный.
func FromContext(ctx context.Context) *slog.Logger {
	return FromContextOr(ctx, nil)
}

func WithWorkflowID(logger *slog.Logger, workflowID string) *slog.Logger {
	return logger.With("workflow_id", workflowID)
}

func WithStepID(logger *slog.Logger, stepID, stepKey string) *slog.Logger {
	return logger.With("step_id", stepID, "step_key", stepKey)
}

func WithTaskID(logger *slog.Logger, taskID string) *slog.Logger {
	return logger.With("task_id", taskID)
}

func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With("request_id", requestID)
}
