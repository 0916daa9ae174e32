// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package tools defines the tool capability consumed by agent runners and
// the registry that declares the orchestrator's control tools alongside
// backend-provided tools.
package tools

import (
	"context"
	"encoding/json"
)

// Tool defines the interface for executable tools in the coordination
// framework. Each tool encapsulates a single capability an agent can use
// during its turn.
type Tool interface {
	// Name returns the tool's unique identifier
	Name() string

	// Description returns a human-readable description for LLM context
	Description() string

	// InputSchema returns the JSON Schema for tool parameters
	InputSchema() *JSONSchema

	// Execute runs the tool with given parameters
	Execute(ctx context.Context, params map[string]interface{}) (*Result, error)

	// SideEffectFree reports whether the tool only reads state. Planning
	// mode executes side-effect-free tools and intercepts the rest.
	SideEffectFree() bool
}

// Result represents the outcome of a tool execution. Soft failures are
// Results with Success=false, never Go errors: they are returned to the
// agent as tool results so it can correct itself.
type Result struct {
	// Success indicates if the tool executed successfully
	Success bool `json:"success"`

	// Data contains the result data (format varies by tool)
	Data interface{} `json:"data,omitempty"`

	// Error contains error information if execution failed
	Error *Error `json:"error,omitempty"`

	// Metadata contains tool-specific metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// ExecutionTimeMs in milliseconds
	ExecutionTimeMs int64 `json:"execution_time_ms,omitempty"`
}

// Payload renders the result as JSON for a tool-result chunk.
func (r *Result) Payload() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"success":false,"error":{"code":"encode_failed"}}`
	}
	return string(data)
}

// Error represents a tool execution error with structured information.
type Error struct {
	// Code is a machine-readable error code
	Code string `json:"code"`

	// Message is a human-readable error message
	Message string `json:"message"`

	// Details provides additional error context
	Details map[string]interface{} `json:"details,omitempty"`

	// Retryable indicates if the operation can be retried
	Retryable bool `json:"retryable,omitempty"`

	// Suggestion provides a remediation hint for the agent
	Suggestion string `json:"suggestion,omitempty"`
}

type agentIDKey struct{}

// WithAgentID tags a tool execution context with the calling agent.
// Runners set this before Execute; permission-aware tools read it.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentIDFromContext returns the calling agent's ID, if set.
func AgentIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(agentIDKey{}).(string); ok {
		return id
	}
	return ""
}

// Machine-readable error codes surfaced to agents as ToolResult errors.
const (
	CodeInvalidParams     = "invalid_params"
	CodeUnknownTool       = "unknown_tool"
	CodeReservedName      = "reserved_name"
	CodeNoveltyRejected   = "novelty_rejected"
	CodeAnswerCapReached  = "answer_cap_reached"
	CodeInvalidVoteTarget = "invalid_vote_target"
	CodePermissionDenied  = "permission_denied"
	CodePlannedAction     = "planned_action"
)

// Fail builds a failed result with the given code, message and suggestion.
func Fail(code, message, suggestion string) *Result {
	return &Result{
		Success: false,
		Error: &Error{
			Code:       code,
			Message:    message,
			Suggestion: suggestion,
		},
	}
}

// Succeed builds a successful result carrying data.
func Succeed(data interface{}) *Result {
	return &Result{Success: true, Data: data}
}
