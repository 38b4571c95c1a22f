// Package telemetry provides the logging, metrics, and tracing seams used by
// the turn correlator and orchestrator. Implementations delegate to Clue and
// OpenTelemetry; the interfaces stay small so tests can plug lightweight
// stubs or the no-op variants.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging with variadic key-value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes the counter and timer helpers recorded per turn:
	// turn durations, tool call counts, and terminal statuses.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer abstracts span creation so correlator code stays agnostic of
	// the configured OpenTelemetry provider.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string)
		RecordError(err error, opts ...trace.EventOption)
	}
)
