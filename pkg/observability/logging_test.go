// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedTracer() (*LoggingTracer, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return NewLoggingTracer(zap.New(core)), logs
}

func TestLoggingTracerExportsSpans(t *testing.T) {
	tracer, logs := newObservedTracer()

	ctx, parent := tracer.StartSpan(context.Background(), "engine.coordinate",
		WithAttribute("task_id", "t1"))
	_, child := tracer.StartSpan(ctx, "runner.turn")

	assert.Equal(t, parent.TraceID, child.TraceID, "children share the parent's trace")
	assert.Equal(t, parent.SpanID, child.ParentID)
	assert.Equal(t, "t1", parent.Attributes["task_id"])

	tracer.EndSpan(child)
	tracer.EndSpan(parent)

	entries := logs.FilterMessage("span completed").All()
	require.Len(t, entries, 2)
	names := []string{
		entries[0].ContextMap()["span"].(string),
		entries[1].ContextMap()["span"].(string),
	}
	assert.Equal(t, []string{"runner.turn", "engine.coordinate"}, names)
}

func TestLoggingTracerRecordsErrorStatus(t *testing.T) {
	tracer, logs := newObservedTracer()

	_, span := tracer.StartSpan(context.Background(), "runner.turn")
	span.RecordError(errors.New("backend unavailable"))
	tracer.EndSpan(span)

	entries := logs.FilterMessage("span completed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "backend unavailable", entries[0].ContextMap()["status"])
}

func TestLoggingTracerMetricsAndNilSpan(t *testing.T) {
	tracer, logs := newObservedTracer()

	tracer.RecordMetric("votes_total", 3, map[string]string{"attempt": "1"})
	require.Len(t, logs.FilterMessage("metric").All(), 1)

	// Ending a nil span is a no-op, not a panic.
	tracer.EndSpan(nil)
	require.NoError(t, tracer.Flush(context.Background()))
}
