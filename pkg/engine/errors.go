// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import "fmt"

// CoordinationErrorKind classifies caller-visible coordination failures.
// Per-agent failures never surface here while another agent can still
// answer.
type CoordinationErrorKind string

const (
	// ErrNoContent: no agent yielded any content across all attempts.
	ErrNoContent CoordinationErrorKind = "no_content"

	// ErrTimeoutFallbackDisabled: the global budget tripped with no
	// active candidates and the fallback synthesizer is disabled.
	ErrTimeoutFallbackDisabled CoordinationErrorKind = "timeout_fallback_disabled"

	// ErrCancelled: the caller cancelled coordination.
	ErrCancelled CoordinationErrorKind = "cancelled"
)

// CoordinationError is the only error Coordinate returns after Setup.
type CoordinationError struct {
	Kind    CoordinationErrorKind
	Message string
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("coordination failed (%s): %s", e.Kind, e.Message)
}
