// Package telemetry defines the narrow logging/metrics/tracing/emitter
// contracts used across the engine. Implementations are swappable: tests use
// the noop implementation, production wiring uses the otel-backed one.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger is a structured, leveled logger scoped to a turn or conversation.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers for engine operations.
	Metrics interface {
		IncCounter(name string, value float64, labels ...string)
		RecordTimer(name string, d time.Duration, labels ...string)
	}

	// Tracer creates spans for dispatcher and turn-engine operations.
	Tracer interface {
		StartSpan(ctx context.Context, name string) (context.Context, Span)
	}

	// Span is a single tracing span.
	Span interface {
		End()
		SetError(err error)
		SetAttr(key string, value any)
	}

	// Emitter publishes structured trace events for observability. No trace
	// emitted through Emitter is load-bearing for correctness: every store
	// mutation and dispatcher branch emits one event, and callers are free to
	// wire a no-op Emitter.
	Emitter interface {
		Emit(ctx context.Context, eventType string, payload any)
	}

	// EmitterFunc adapts a function to the Emitter interface.
	EmitterFunc func(ctx context.Context, eventType string, payload any)
)

// Emit calls f(ctx, eventType, payload).
func (f EmitterFunc) Emit(ctx context.Context, eventType string, payload any) {
	f(ctx, eventType, payload)
}

// NopEmitter discards every event. Useful as a zero-value-safe default.
var NopEmitter Emitter = EmitterFunc(func(context.Context, string, any) {})
