package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

const scope = "github.com/agentbridge/agentbridge"

type (
	// ClueLogger delegates to goa.design/clue/log. Formatting and debug
	// settings come from the context (log.Context, log.WithDebug).
	ClueLogger struct{}

	// OTELMetrics records counters and timers through the global
	// MeterProvider; configure it before constructing the orchestrator.
	OTELMetrics struct {
		meter metric.Meter
	}

	// OTELTracer creates spans through the global TracerProvider.
	OTELTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewClueLogger constructs a Logger backed by Clue.
func NewClueLogger() Logger {
	return ClueLogger{}
}

// NewOTELMetrics constructs a Metrics recorder backed by the global
// OpenTelemetry meter provider.
func NewOTELMetrics() Metrics {
	return &OTELMetrics{meter: otel.Meter(scope)}
}

// NewOTELTracer constructs a Tracer backed by the global OpenTelemetry
// tracer provider.
func NewOTELTracer() Tracer {
	return &OTELTracer{tracer: otel.Tracer(scope)}
}

// Debug implements Logger.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

// Info implements Logger.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

// Warn implements Logger.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

// Error implements Logger.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fielders(msg, keyvals)...)
}

// IncCounter implements Metrics.
func (m *OTELMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

// RecordTimer implements Metrics.
func (m *OTELMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagAttrs(tags)...))
}

// Start implements Tracer.
func (t *OTELTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, opts...)
	return newCtx, &otelSpan{span: span}
}

// End implements Span.
func (s *otelSpan) End(opts ...trace.SpanEndOption) {
	s.span.End(opts...)
}

// AddEvent implements Span.
func (s *otelSpan) AddEvent(name string) {
	s.span.AddEvent(name)
}

// RecordError implements Span.
func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

// fielders converts a message plus variadic key-value pairs into Clue log
// fielders. Non-string keys are skipped; a trailing key without a value is
// paired with nil.
func fielders(msg string, keyvals []any) []log.Fielder {
	out := []log.Fielder{log.KV{K: "msg", V: msg}}
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		out = append(out, log.KV{K: k, V: v})
	}
	return out
}

// tagAttrs converts tag pairs (k1, v1, k2, v2, ...) into OTEL attributes.
// An odd trailing key is paired with the empty string.
func tagAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}
