package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context: trace and span ids,
// task id, round number, phase and request id.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if id := TaskIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("task.id", id))
	}
	if n, ok := RoundFromContext(ctx); ok {
		fields = append(fields, zap.Int("round", n))
	}
	if phase := PhaseFromContext(ctx); phase != "" {
		fields = append(fields, zap.String("phase", phase))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

type (
	taskCtxKey    struct{}
	roundCtxKey   struct{}
	phaseCtxKey   struct{}
	requestCtxKey struct{}
	loggerCtxKey  struct{}
)

// WithTask adds the task id to ctx. An empty id leaves ctx unchanged.
func WithTask(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskCtxKey{}, taskID)
}

// TaskIDFromContext extracts the task id from ctx.
func TaskIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(taskCtxKey{}).(string)
	return id
}

// WithRound adds a round number to ctx. Rounds start at 1; anything lower
// leaves ctx unchanged.
func WithRound(ctx context.Context, round int) context.Context {
	if round < 1 {
		return ctx
	}
	return context.WithValue(ctx, roundCtxKey{}, round)
}

// RoundFromContext extracts the round number from ctx.
func RoundFromContext(ctx context.Context) (int, bool) {
	n, ok := ctx.Value(roundCtxKey{}).(int)
	return n, ok
}

// WithPhase adds the phase name to ctx.
func WithPhase(ctx context.Context, phase string) context.Context {
	if phase == "" {
		return ctx
	}
	return context.WithValue(ctx, phaseCtxKey{}, phase)
}

// PhaseFromContext extracts the phase name from ctx.
func PhaseFromContext(ctx context.Context) string {
	p, _ := ctx.Value(phaseCtxKey{}).(string)
	return p
}

// WithRequestID adds an inbound request id to ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts the request id from ctx.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
