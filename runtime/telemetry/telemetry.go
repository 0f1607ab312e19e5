// Package telemetry defines the observability contracts used throughout the
// runtime: structured logging, metrics recording, and distributed tracing.
// Production deployments back these with Clue and OpenTelemetry; tests use the
// noop implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log messages with key-value pairs. Implementations
	// must be safe for concurrent use.
	Logger interface {
		// Debug emits a debug-level message with structured key-value pairs.
		Debug(ctx context.Context, msg string, keyvals ...any)
		// Info emits an info-level message with structured key-value pairs.
		Info(ctx context.Context, msg string, keyvals ...any)
		// Warn emits a warning-level message with structured key-value pairs.
		Warn(ctx context.Context, msg string, keyvals ...any)
		// Error emits an error-level message with structured key-value pairs.
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges for runtime operations.
	// Tags are flat key-value string pairs (k1, v1, k2, v2, ...).
	Metrics interface {
		// IncCounter increments the named counter by value.
		IncCounter(name string, value float64, tags ...string)
		// RecordTimer records a duration observation for the named timer.
		RecordTimer(name string, duration time.Duration, tags ...string)
		// RecordGauge records the current value of the named gauge.
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer creates spans for planner and tool execution.
	Tracer interface {
		// Start creates a new span and returns the derived context and span handle.
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		// Span retrieves the current span from the context.
		Span(ctx context.Context) Span
	}

	// Span is a minimal span handle decoupled from the OTEL SDK so noop
	// implementations stay dependency-free.
	Span interface {
		// End finalizes the span.
		End(opts ...trace.SpanEndOption)
		// AddEvent records a span event with key-value attributes.
		AddEvent(name string, attrs ...any)
		// SetStatus sets the span status code and description.
		SetStatus(code codes.Code, description string)
		// RecordError records an error on the span.
		RecordError(err error, opts ...trace.EventOption)
	}

	// ToolTelemetry holds structured observability metadata gathered during a
	// single tool execution. It travels with trajectory steps and state updates
	// so cost and latency can be attributed per call.
	ToolTelemetry struct {
		// DurationMS is the wall-clock execution time in milliseconds.
		DurationMS int64 `json:"duration_ms"`
		// Attempts counts execution attempts including retries.
		Attempts int `json:"attempts,omitempty"`
		// Extras carries tool-specific metadata (provider request IDs, row counts).
		Extras map[string]any `json:"extras,omitempty"`
	}
)
