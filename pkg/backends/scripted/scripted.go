// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package scripted provides a deterministic backend that replays
// pre-scripted responses. Each Stream call consumes the next response
// in order, regardless of the conversation content. Used by tests and
// by dry runs of the coordination engine.
package scripted

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/massgen-labs/massgen/pkg/types"
)

// Response is the chunk sequence one Stream call emits. The last chunk
// should be an End chunk; one is appended if missing.
type Response []types.Chunk

// Backend replays scripted responses.
type Backend struct {
	name      string
	fsSupport types.FilesystemSupport

	mu        sync.Mutex
	responses []Response
	calls     int
}

// New creates a scripted backend replaying the given responses in
// order. Calls past the script emit a bare End(stop).
func New(name string, responses ...Response) *Backend {
	return &Backend{
		name:      name,
		fsSupport: types.FilesystemViaTool,
		responses: responses,
	}
}

// Append adds more responses to the script.
func (b *Backend) Append(responses ...Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses = append(b.responses, responses...)
}

// Calls returns how many times Stream was invoked.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Name implements types.Backend.
func (b *Backend) Name() string { return "scripted/" + b.name }

// FilesystemSupport implements types.Backend.
func (b *Backend) FilesystemSupport() types.FilesystemSupport { return b.fsSupport }

// EstimateTokens implements types.Backend.
func (b *Backend) EstimateTokens(text string) int { return len(text) / 4 }

// Stream implements types.Backend.
func (b *Backend) Stream(ctx context.Context, _ []types.Message, _ []types.ToolSpec) (<-chan types.Chunk, error) {
	b.mu.Lock()
	var response Response
	if b.calls < len(b.responses) {
		response = b.responses[b.calls]
	}
	b.calls++
	b.mu.Unlock()

	if len(response) == 0 || !response[len(response)-1].IsTerminal() {
		response = append(append(Response{}, response...), types.NewEndChunk(types.EndStop))
	}

	out := make(chan types.Chunk, len(response)+1)
	go func() {
		defer close(out)
		for _, chunk := range response {
			select {
			case out <- chunk:
			case <-ctx.Done():
				out <- types.NewEndChunk(types.EndCancelled)
				return
			}
		}
	}()
	return out, nil
}

// Text builds a content chunk.
func Text(text string) types.Chunk {
	return types.NewContentChunk(text)
}

// Call builds a tool-call chunk with a fresh id and JSON-encoded args.
func Call(name string, args map[string]interface{}) types.Chunk {
	raw, _ := json.Marshal(args)
	return types.NewToolCallChunk("call_"+uuid.New().String()[:8], name, string(raw))
}

// NewAnswer builds a new_answer control tool call.
func NewAnswer(content string) types.Chunk {
	return Call(types.ToolNewAnswer, map[string]interface{}{"content": content})
}

// Vote builds a vote control tool call.
func Vote(target, reason string) types.Chunk {
	return Call(types.ToolVote, map[string]interface{}{
		"target_agent_id": target,
		"reason":          reason,
	})
}

// End builds an end chunk.
func End(reason types.EndReason) types.Chunk {
	return types.NewEndChunk(reason)
}
