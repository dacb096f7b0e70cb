package service

import "context"

// Tracer emits spans around a named operation. Implementations that wrap a
// real tracing SDK return a context carrying the span and a finish function
// that records the outcome.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error))
}

// noopTracer discards every span.
type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// NoopTracer is the default Tracer used when none is configured.
var NoopTracer Tracer = noopTracer{}
