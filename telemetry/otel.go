package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/convactor/turnflow"

type (
	// OTelLogger forwards log lines to the sink passed to NewOTelLogger and
	// does nothing when that sink is nil. It writes no span events and has
	// no dependency on a specific logging backend.
	OTelLogger struct {
		sink func(level, msg string, keyvals ...any)
	}

	// OTelMetrics wraps an OTel Meter for counters and timers.
	OTelMetrics struct {
		meter    metric.Meter
		counters map[string]metric.Float64Counter
		timers   map[string]metric.Float64Histogram
	}

	// OTelTracer wraps an OTel Tracer for spans.
	OTelTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewOTelLogger constructs a Logger that forwards to sink. Pass nil for a
// logger that discards everything but still participates in the interface.
func NewOTelLogger(sink func(level, msg string, keyvals ...any)) Logger {
	return OTelLogger{sink: sink}
}

// NewOTelMetrics constructs a Metrics recorder backed by the global
// MeterProvider. Configure the provider via otel.SetMeterProvider before
// invoking engine operations.
func NewOTelMetrics() Metrics {
	return &OTelMetrics{
		meter:    otel.Meter(instrumentationName),
		counters: make(map[string]metric.Float64Counter),
		timers:   make(map[string]metric.Float64Histogram),
	}
}

// NewOTelTracer constructs a Tracer backed by the global TracerProvider.
func NewOTelTracer() Tracer {
	return OTelTracer{tracer: otel.Tracer(instrumentationName)}
}

func (l OTelLogger) log(level, msg string, keyvals ...any) {
	if l.sink != nil {
		l.sink(level, msg, keyvals...)
	}
}

// Debug logs at debug level.
func (l OTelLogger) Debug(_ context.Context, msg string, keyvals ...any) { l.log("debug", msg, keyvals...) }

// Info logs at info level.
func (l OTelLogger) Info(_ context.Context, msg string, keyvals ...any) { l.log("info", msg, keyvals...) }

// Warn logs at warn level.
func (l OTelLogger) Warn(_ context.Context, msg string, keyvals ...any) { l.log("warn", msg, keyvals...) }

// Error logs at error level.
func (l OTelLogger) Error(_ context.Context, msg string, keyvals ...any) { l.log("error", msg, keyvals...) }

// IncCounter increments (creating on first use) a named counter.
func (m *OTelMetrics) IncCounter(name string, value float64, labels ...string) {
	c, ok := m.counters[name]
	if !ok {
		var err error
		c, err = m.meter.Float64Counter(name)
		if err != nil {
			return
		}
		m.counters[name] = c
	}
	c.Add(context.Background(), value, metric.WithAttributes(attrsFromPairs(labels)...))
}

// RecordTimer records a duration against a named histogram.
func (m *OTelMetrics) RecordTimer(name string, d time.Duration, labels ...string) {
	h, ok := m.timers[name]
	if !ok {
		var err error
		h, err = m.meter.Float64Histogram(name, metric.WithUnit("ms"))
		if err != nil {
			return
		}
		m.timers[name] = h
	}
	h.Record(context.Background(), float64(d.Milliseconds()), metric.WithAttributes(attrsFromPairs(labels)...))
}

func attrsFromPairs(labels []string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		out = append(out, attribute.String(labels[i], labels[i+1]))
	}
	return out
}

// StartSpan begins a new span named name.
func (t OTelTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, otelSpan{span: span}
}

// End completes the span.
func (s otelSpan) End() { s.span.End() }

// SetError records err on the span and marks its status as errored.
func (s otelSpan) SetError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// SetAttr attaches a key/value attribute to the span.
func (s otelSpan) SetAttr(key string, value any) {
	s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", value)))
}
