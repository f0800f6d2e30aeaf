// Package observe defines the logging, metrics and tracing hooks the stores
// report to. Every hook has a no-op default so callers may leave them unset.
package observe

import (
	"context"
	"time"
)

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MetricsRecorder receives one observation per store operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts spans around store operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation's error.
type TraceSpan interface {
	End(err error)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// NopLogger discards every record.
func NopLogger() Logger { return noopLogger{} }

// NopMetrics discards every observation.
func NopMetrics() MetricsRecorder { return noopMetrics{} }

// NopTracer starts spans that record nothing.
func NopTracer() Tracer { return noopTracer{} }

// Hooks bundles the three observers. The zero value is usable.
type Hooks struct {
	Logger  Logger
	Metrics MetricsRecorder
	Tracer  Tracer
}

// WithDefaults fills unset hooks with no-op implementations.
func (h Hooks) WithDefaults() Hooks {
	if h.Logger == nil {
		h.Logger = noopLogger{}
	}
	if h.Metrics == nil {
		h.Metrics = noopMetrics{}
	}
	if h.Tracer == nil {
		h.Tracer = noopTracer{}
	}
	return h
}

// Start opens a span for operation and returns the context to use plus a
// finish function that ends the span and records the outcome.
func (h Hooks) Start(ctx context.Context, operation string) (context.Context, func(error)) {
	h = h.WithDefaults()
	started := time.Now()
	ctx, span := h.Tracer.Start(ctx, operation)
	return ctx, func(err error) {
		span.End(err)
		h.Metrics.Observe(ctx, operation, err == nil, time.Since(started))
	}
}
