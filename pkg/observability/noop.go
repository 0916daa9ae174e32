// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package observability

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// NoOpTracer builds spans for context propagation but never exports them.
// Use for testing or when observability is disabled.
type NoOpTracer struct{}

// NewNoOpTracer creates a no-op tracer.
func NewNoOpTracer() *NoOpTracer {
	return &NoOpTracer{}
}

// StartSpan creates a minimal span without exporting it.
func (t *NoOpTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	span := &Span{
		TraceID:    uuid.New().String(),
		SpanID:     uuid.New().String(),
		Name:       name,
		StartTime:  time.Now(),
		Attributes: make(map[string]interface{}),
	}

	for _, opt := range opts {
		opt(span)
	}

	if parent := SpanFromContext(ctx); parent != nil {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	}

	return ContextWithSpan(ctx, span), span
}

// EndSpan records timing only.
func (t *NoOpTracer) EndSpan(span *Span) {
	if span == nil {
		return
	}
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
}

// RecordMetric does nothing.
func (t *NoOpTracer) RecordMetric(name string, value float64, labels map[string]string) {}

// Flush does nothing.
func (t *NoOpTracer) Flush(ctx context.Context) error {
	return nil
}

var _ Tracer = (*NoOpTracer)(nil)
