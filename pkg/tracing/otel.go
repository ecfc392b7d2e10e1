package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// OtelTracer backs Tracer with a real OpenTelemetry tracer, supplying
// the production Span implementation the no-op exists beside.
type OtelTracer struct {
	tracer oteltrace.Tracer
}

// NewOtelTracer wraps an OpenTelemetry tracer registered under
// instrumentationName, typically via otel.Tracer(name) against a
// globally configured TracerProvider.
func NewOtelTracer(instrumentationName string) *OtelTracer {
	return &OtelTracer{tracer: otel.Tracer(instrumentationName)}
}

func (t *OtelTracer) StartSpan(name string, attrs map[string]string) Span {
	_, span := t.tracer.Start(context.Background(), name)
	for k, v := range attrs {
		span.SetAttributes(attribute.String(k, v))
	}
	return &otelSpan{span: span}
}

type otelSpan struct {
	span oteltrace.Span
}

func (s *otelSpan) SetAttr(key, value string) {
	s.span.SetAttributes(attribute.String(key, value))
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	s.span.End()
}
