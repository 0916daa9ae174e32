// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package observability

import "time"

// StatusCode represents the final status of a span.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unset"
	}
}

// Status is the final status of a span with an optional message.
type Status struct {
	Code    StatusCode
	Message string
}

// Span represents a unit of work with timing and metadata.
// Spans form a tree via ParentID references.
type Span struct {
	TraceID  string
	SpanID   string
	ParentID string

	Name       string
	Attributes map[string]interface{}

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	Status Status
}

// SetAttribute sets a key-value attribute on the span.
func (s *Span) SetAttribute(key string, value interface{}) {
	if s == nil {
		return
	}
	if s.Attributes == nil {
		s.Attributes = make(map[string]interface{})
	}
	s.Attributes[key] = value
}

// RecordError marks the span as failed.
func (s *Span) RecordError(err error) {
	if s == nil || err == nil {
		return
	}
	s.Status = Status{Code: StatusError, Message: err.Error()}
}
