// Package telemetry wraps the engine's hot paths (exec-mutex wait, commit,
// collapse, assertion evaluation) with OpenTelemetry spans and counters,
// gated behind the session's runtime_stats option (spec.md §6), matching
// internal/storage/dolt/store.go's package-level meter/tracer pattern.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/quereus/quereus"

// Telemetry bundles the tracer/meter pair and the specific instruments the
// engine core records against. Enabled gates every method to a no-op when
// runtime_stats is off, so the hot path pays only a branch, not an otel
// call, in the common case.
type Telemetry struct {
	Enabled bool

	tracer trace.Tracer
	meter  metric.Meter

	commitLatency     metric.Float64Histogram
	collapseAttempts  metric.Int64Counter
	collapseSuccesses metric.Int64Counter
	assertionLatency  metric.Float64Histogram
	mutexWaitLatency  metric.Float64Histogram
}

// New builds a Telemetry bound to the global otel providers. Callers that
// want isolated providers (tests, embedding) should set them via
// otel.SetTracerProvider/SetMeterProvider before calling New.
func New(enabled bool) *Telemetry {
	t := &Telemetry{
		Enabled: enabled,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	if !enabled {
		return t
	}
	t.commitLatency, _ = t.meter.Float64Histogram("quereus.commit.latency_ms")
	t.collapseAttempts, _ = t.meter.Int64Counter("quereus.collapse.attempts")
	t.collapseSuccesses, _ = t.meter.Int64Counter("quereus.collapse.successes")
	t.assertionLatency, _ = t.meter.Float64Histogram("quereus.assertion.latency_ms")
	t.mutexWaitLatency, _ = t.meter.Float64Histogram("quereus.execmutex.wait_ms")
	return t
}

// RecordCommit records one commit's wall-clock latency and whether it
// succeeded.
func (t *Telemetry) RecordCommit(ctx context.Context, start time.Time, ok bool) {
	if !t.Enabled {
		return
	}
	t.commitLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.Bool("ok", ok)))
}

// RecordCollapse records one tryCollapse attempt and whether it folded a
// layer.
func (t *Telemetry) RecordCollapse(ctx context.Context, folded bool) {
	if !t.Enabled {
		return
	}
	t.collapseAttempts.Add(ctx, 1)
	if folded {
		t.collapseSuccesses.Add(ctx, 1)
	}
}

// RecordAssertion records one assertion's evaluation latency.
func (t *Telemetry) RecordAssertion(ctx context.Context, name string, start time.Time, violated bool) {
	if !t.Enabled {
		return
	}
	t.assertionLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("assertion", name), attribute.Bool("violated", violated)))
}

// RecordMutexWait records how long a caller waited on the execution mutex.
func (t *Telemetry) RecordMutexWait(ctx context.Context, start time.Time) {
	if !t.Enabled {
		return
	}
	t.mutexWaitLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
}

// StartSpan starts a span for name, or returns a no-op span and the
// unmodified context when telemetry is disabled.
func (t *Telemetry) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if !t.Enabled {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name)
}
