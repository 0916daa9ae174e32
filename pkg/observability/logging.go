// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package observability

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LoggingTracer exports completed spans and metrics to a zap logger at
// debug level. It is the default tracer wired by the CLI; heavier
// exporters can replace it without touching call sites.
type LoggingTracer struct {
	logger *zap.Logger
}

// NewLoggingTracer creates a tracer that logs spans via zap.
func NewLoggingTracer(logger *zap.Logger) *LoggingTracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingTracer{logger: logger}
}

// StartSpan creates a span linked to any parent in ctx.
func (t *LoggingTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
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

// EndSpan completes the span and logs it.
func (t *LoggingTracer) EndSpan(span *Span) {
	if span == nil {
		return
	}
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)

	fields := []zap.Field{
		zap.String("trace_id", span.TraceID),
		zap.String("span", span.Name),
		zap.Duration("duration", span.Duration),
	}
	if span.Status.Code == StatusError {
		fields = append(fields, zap.String("status", span.Status.Message))
	}
	t.logger.Debug("span completed", fields...)
}

// RecordMetric logs the metric at debug level.
func (t *LoggingTracer) RecordMetric(name string, value float64, labels map[string]string) {
	t.logger.Debug("metric",
		zap.String("name", name),
		zap.Float64("value", value),
		zap.Any("labels", labels))
}

// Flush syncs the underlying logger.
func (t *LoggingTracer) Flush(ctx context.Context) error {
	// zap Sync errors on stderr sinks are expected and ignored upstream.
	_ = t.logger.Sync()
	return nil
}

var _ Tracer = (*LoggingTracer)(nil)
