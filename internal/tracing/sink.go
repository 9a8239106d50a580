// Package tracing provides an OpenTelemetry-backed apitypes.TraceSink, the
// ambient observability layer every request carries through the scheduler
// so operators can see a request's full lifecycle — queued, batched,
// dispatched, recovered — as spans in their existing tracing backend.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/lmql-rt/corert"

// Sink implements apitypes.TraceSink by recording each event as a span
// event on the request's root span.
type Sink struct {
	span trace.Span
}

// NewSink starts a root span named "request" under ctx and returns a Sink
// bound to it, plus the derived context callers should pass downstream.
func NewSink(ctx context.Context) (context.Context, *Sink) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "request")
	return ctx, &Sink{span: span}
}

// Event records name with fields as attributes on the span event.
func (s *Sink) Event(name string, fields map[string]any) {
	attrs := make([]attribute.KeyValue, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, attribute.String(k, toString(v)))
	}
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// End closes the root span.
func (s *Sink) End() { s.span.End() }

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
