package tracing

// NoopTracer discards every span, for callers that don't need tracing
// but still want to exercise the Tracer interface uniformly.
type NoopTracer struct{}

func (NoopTracer) StartSpan(string, map[string]string) Span { return noopSpan{} }

type noopSpan struct{}

func (noopSpan) SetAttr(string, string)  {}
func (noopSpan) RecordError(error)       {}
func (noopSpan) End()                    {}
