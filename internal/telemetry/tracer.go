package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "remedy-engine"

// Tracer wraps OpenTelemetry tracing for the remediation engine.
// A nil *Tracer starts no-op spans.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, fmt.Sprintf("remedy.%s", name),
		trace.WithAttributes(attrs...),
	)
}

// Common attribute keys for remediation tracing.
var (
	AttrRunID     = attribute.Key("remedy.run.id")
	AttrAttempt   = attribute.Key("remedy.attempt")
	AttrCheck     = attribute.Key("remedy.check")
	AttrMonitor   = attribute.Key("remedy.monitor")
	AttrPattern   = attribute.Key("remedy.pattern")
	AttrFix       = attribute.Key("remedy.fix")
	AttrSignature = attribute.Key("remedy.signature")
	AttrExitCode  = attribute.Key("remedy.exit_code")
)
