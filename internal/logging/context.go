package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	attemptIDKey ctxKey = iota
	taskIDKey
	workerIDKey
)

// WithAttemptID returns a context with the attempt ID set.
func WithAttemptID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, attemptIDKey, id)
}

// WithTaskID returns a context with the task ID set.
func WithTaskID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// WithWorkerID returns a context with the dispatcher worker ID set.
func WithWorkerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workerIDKey, id)
}

// AttemptID extracts the attempt ID from the context, or 0 if absent.
func AttemptID(ctx context.Context) int64 {
	v, _ := ctx.Value(attemptIDKey).(int64)
	return v
}

// TaskID extracts the task ID from the context, or 0 if absent.
func TaskID(ctx context.Context) int64 {
	v, _ := ctx.Value(taskIDKey).(int64)
	return v
}

// WorkerID extracts the worker ID from the context, or "" if absent.
func WorkerID(ctx context.Context) string {
	v, _ := ctx.Value(workerIDKey).(string)
	return v
}

// WithTask sets the attempt and task IDs at once.
func WithTask(ctx context.Context, attemptID, taskID int64) context.Context {
	return WithTaskID(WithAttemptID(ctx, attemptID), taskID)
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := AttemptID(ctx); v != 0 {
		attrs = append(attrs, slog.Int64("attempt_id", v))
	}
	if v := TaskID(ctx); v != 0 {
		attrs = append(attrs, slog.Int64("task_id", v))
	}
	if v := WorkerID(ctx); v != "" {
		attrs = append(attrs, slog.String("worker_id", v))
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added. Used for loggers handed to operators,
// which log without a context.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs from
// the context into every record logged with a *Context method.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
