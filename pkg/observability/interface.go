// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package observability provides tracing and metrics for coordination runs.
//
// Every significant operation is instrumented: agent streams, control-tool
// handling, voting rounds, workspace snapshots. Tracers are threaded through
// constructors explicitly; there is no global tracer.
package observability

import "context"

// Tracer is the instrumentation interface for massgen operations.
//
// Thread-safe: all methods can be called concurrently.
type Tracer interface {
	// StartSpan creates a new span and returns a context containing it.
	// The span is linked to its parent via context propagation.
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span)

	// EndSpan completes a span and exports it. Call via defer.
	EndSpan(span *Span)

	// RecordMetric records a point-in-time metric value with labels
	// (token counts, vote tallies, latencies).
	RecordMetric(name string, value float64, labels map[string]string)

	// Flush forces export of buffered data. Called on shutdown.
	Flush(ctx context.Context) error
}

// SpanOption configures a span at creation time.
type SpanOption func(*Span)

// WithAttribute sets an initial attribute on the span.
func WithAttribute(key string, value interface{}) SpanOption {
	return func(s *Span) {
		s.SetAttribute(key, value)
	}
}

type contextKey string

const spanContextKey contextKey = "massgen.span"

// SpanFromContext retrieves the current span from context, if any.
func SpanFromContext(ctx context.Context) *Span {
	if span, ok := ctx.Value(spanContextKey).(*Span); ok {
		return span
	}
	return nil
}

// ContextWithSpan returns a new context with the span attached.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanContextKey, span)
}
