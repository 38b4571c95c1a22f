package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type (
	// NoopLogger discards all log messages.
	NoopLogger struct{}

	// NoopMetrics discards all metrics.
	NoopMetrics struct{}

	// NoopTracer creates no-op spans.
	NoopTracer struct{}

	noopSpan struct{}
)

// NewNoopLogger constructs a Logger that discards all log messages.
func NewNoopLogger() Logger { return NoopLogger{} }

// NewNoopMetrics constructs a Metrics recorder that discards all metrics.
func NewNoopMetrics() Metrics { return NoopMetrics{} }

// NewNoopTracer constructs a Tracer that creates no-op spans.
func NewNoopTracer() Tracer { return NoopTracer{} }

// Debug discards the log message.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info discards the log message.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn discards the log message.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error discards the log message.
func (NoopLogger) Error(context.Context, string, ...any) {}

// IncCounter discards the counter metric.
func (NoopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer discards the timer metric.
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}

// Start returns a no-op span without modifying the context.
func (NoopTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

// End is a no-op.
func (noopSpan) End(...trace.SpanEndOption) {}

// AddEvent is a no-op.
func (noopSpan) AddEvent(string) {}

// RecordError is a no-op.
func (noopSpan) RecordError(error, ...trace.EventOption) {}
