// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

import (
	"encoding/json"
	"time"
)

// ChunkType discriminates the variants of a Chunk.
type ChunkType string

const (
	ChunkContent     ChunkType = "content"
	ChunkToolCall    ChunkType = "tool_call"
	ChunkToolResult  ChunkType = "tool_result"
	ChunkUsage       ChunkType = "usage"
	ChunkEnd         ChunkType = "end"
	ChunkError       ChunkType = "error"
	ChunkFinalAnswer ChunkType = "final_answer"
)

// EndReason indicates why a backend stream terminated.
type EndReason string

const (
	EndStop      EndReason = "stop"
	EndLength    EndReason = "length"
	EndTool      EndReason = "tool"
	EndError     EndReason = "error"
	EndCancelled EndReason = "cancelled"
)

// Chunk is a single element of a backend stream. It is a tagged variant:
// exactly the fields relevant to Type are populated. Kept as a flat struct
// (not an interface hierarchy) so it serializes cleanly to transcripts.
type Chunk struct {
	Type ChunkType `json:"type"`

	// Content / FinalAnswer
	Text string `json:"text,omitempty"`

	// ToolCall
	ToolCallID    string `json:"tool_call_id,omitempty"`
	ToolName      string `json:"tool_name,omitempty"`
	ArgumentsJSON string `json:"arguments_json,omitempty"`

	// ToolResult
	OK      bool   `json:"ok,omitempty"`
	Payload string `json:"payload,omitempty"`

	// Usage
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	// End
	Reason EndReason `json:"reason,omitempty"`

	// Error
	ErrKind    string `json:"err_kind,omitempty"`
	ErrMessage string `json:"err_message,omitempty"`
}

// NewContentChunk builds a content chunk.
func NewContentChunk(text string) Chunk {
	return Chunk{Type: ChunkContent, Text: text}
}

// NewToolCallChunk builds a tool-call chunk.
func NewToolCallChunk(id, name, argumentsJSON string) Chunk {
	return Chunk{Type: ChunkToolCall, ToolCallID: id, ToolName: name, ArgumentsJSON: argumentsJSON}
}

// NewToolResultChunk builds a tool-result chunk.
func NewToolResultChunk(id string, ok bool, payload string) Chunk {
	return Chunk{Type: ChunkToolResult, ToolCallID: id, OK: ok, Payload: payload}
}

// NewUsageChunk builds a usage chunk.
func NewUsageChunk(inputTokens, outputTokens int) Chunk {
	return Chunk{Type: ChunkUsage, InputTokens: inputTokens, OutputTokens: outputTokens}
}

// NewEndChunk builds a terminal end chunk.
func NewEndChunk(reason EndReason) Chunk {
	return Chunk{Type: ChunkEnd, Reason: reason}
}

// NewErrorChunk builds an error chunk.
func NewErrorChunk(kind, message string) Chunk {
	return Chunk{Type: ChunkError, ErrKind: kind, ErrMessage: message}
}

// NewFinalAnswerChunk builds the chunk that terminates a coordination stream.
func NewFinalAnswerChunk(text string) Chunk {
	return Chunk{Type: ChunkFinalAnswer, Text: text}
}

// IsTerminal reports whether the chunk ends a backend stream.
func (c Chunk) IsTerminal() bool {
	return c.Type == ChunkEnd || c.Type == ChunkError
}

// ChunkSource identifies who produced a StreamChunk.
type ChunkSource string

const (
	SourceAgent        ChunkSource = "agent"
	SourceOrchestrator ChunkSource = "orchestrator"
	SourceWorkspace    ChunkSource = "workspace"
)

// StreamChunk is a Chunk attributed to an agent within a coordination
// attempt. Sequence is assigned by the event bus at publish time and is
// strictly monotonic per task.
type StreamChunk struct {
	Chunk

	AgentID   string      `json:"agent_id"`
	Attempt   int         `json:"attempt"`
	Source    ChunkSource `json:"source"`
	Sequence  int64       `json:"sequence"`
	Timestamp time.Time   `json:"timestamp"`
}

// MarshalNDJSON renders the chunk as a single NDJSON line (no trailing
// newline).
func (s StreamChunk) MarshalNDJSON() ([]byte, error) {
	return json.Marshal(s)
}
