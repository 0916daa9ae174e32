// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package types contains shared types used across the massgen framework.
// This package breaks import cycles by providing common types that the
// engine, runner, and backend packages all depend on.
package types

import (
	"context"
	"encoding/json"
)

// ToolCall represents a tool invocation requested by the LLM.
type ToolCall struct {
	// ID is a unique identifier for this tool call
	ID string `json:"id"`

	// Name is the tool name
	Name string `json:"name"`

	// ArgumentsJSON contains the tool parameters as raw JSON
	ArgumentsJSON string `json:"arguments_json"`
}

// Arguments decodes ArgumentsJSON into a generic map.
func (tc ToolCall) Arguments() (map[string]interface{}, error) {
	args := make(map[string]interface{})
	if tc.ArgumentsJSON == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(tc.ArgumentsJSON), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// Message represents a single message in a backend conversation.
type Message struct {
	// Role is the message sender (system, user, assistant, tool)
	Role string `json:"role"`

	// Content is the message text
	Content string `json:"content"`

	// ToolCalls contains tool invocations (if role is assistant)
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolUseID is the ID of the tool call this result corresponds to
	// (if role is tool)
	ToolUseID string `json:"tool_use_id,omitempty"`

	// ToolResultOK indicates whether the tool execution succeeded
	// (if role is tool)
	ToolResultOK bool `json:"tool_result_ok,omitempty"`
}

// ToolSpec is the backend-facing declaration of a tool: name, description
// and the raw JSON Schema of its parameters. Backends convert this to
// their provider-specific wire format.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// FilesystemSupport declares how a backend interacts with the filesystem.
type FilesystemSupport int

const (
	// FilesystemNone: the backend has no filesystem access of its own.
	FilesystemNone FilesystemSupport = iota

	// FilesystemNative: the backend manipulates files directly (e.g. a
	// local code-execution backend).
	FilesystemNative

	// FilesystemViaTool: the backend reaches the filesystem only through
	// registered tools, which the engine can filter.
	FilesystemViaTool
)

func (f FilesystemSupport) String() string {
	switch f {
	case FilesystemNative:
		return "native"
	case FilesystemViaTool:
		return "via_tool"
	default:
		return "none"
	}
}

// Backend is the abstract capability the engine consumes. Concrete
// adapters (Anthropic, scripted test backends, ...) implement it.
//
// Stream returns a channel of chunks for one completion. The channel is
// closed after a terminal chunk (End or Error). Cancellation propagates
// through ctx; implementations must close the stream within a bounded
// number of chunks after ctx is done.
type Backend interface {
	Stream(ctx context.Context, messages []Message, tools []ToolSpec) (<-chan Chunk, error)

	// FilesystemSupport declares the backend's filesystem capability.
	FilesystemSupport() FilesystemSupport

	// EstimateTokens estimates the token count of a text for budget
	// accounting. Backends without a tokenizer may approximate.
	EstimateTokens(text string) int

	// Name returns the backend identifier (for logs and transcripts).
	Name() string
}

// KillReason records why an agent was removed from coordination.
type KillReason string

const (
	KillBackendFailure KillReason = "backend_failure"
	KillTimeout        KillReason = "timeout"
	KillTokenCap       KillReason = "token_cap"
	KillUnresponsive   KillReason = "unresponsive"
)

// Reserved control tool names produced by the engine. Backends must not
// shadow them.
const (
	ToolNewAnswer = "new_answer"
	ToolVote      = "vote"
)
