// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package anthropic adapts the Anthropic Messages API to the backend
// capability consumed by agent runners. Streaming events are translated
// into the engine's chunk variants; tool input JSON is buffered per
// content block until the block closes.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/massgen-labs/massgen/pkg/governor"
	"github.com/massgen-labs/massgen/pkg/types"
)

// DefaultMaxTokens caps one completion when the caller does not say
// otherwise.
const DefaultMaxTokens = 8192

// Options configures the adapter.
type Options struct {
	// APIKey authenticates against the Anthropic API.
	APIKey string

	// Model is the Claude model identifier.
	Model string

	// MaxTokens caps one completion (default DefaultMaxTokens).
	MaxTokens int
}

// Backend implements types.Backend on the Anthropic Messages API.
type Backend struct {
	client    sdk.Client
	model     string
	maxTokens int
}

// New creates an Anthropic backend.
func New(opts Options) (*Backend, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("anthropic: model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Backend{
		client:    sdk.NewClient(option.WithAPIKey(opts.APIKey)),
		model:     opts.Model,
		maxTokens: maxTokens,
	}, nil
}

// Name implements types.Backend.
func (b *Backend) Name() string {
	return "anthropic/" + b.model
}

// FilesystemSupport implements types.Backend. The API itself has no
// filesystem; agents reach files only through registered tools.
func (b *Backend) FilesystemSupport() types.FilesystemSupport {
	return types.FilesystemViaTool
}

// EstimateTokens implements types.Backend.
func (b *Backend) EstimateTokens(text string) int {
	return governor.GetTokenCounter().CountTokens(text)
}

// Stream implements types.Backend.
func (b *Backend) Stream(ctx context.Context, messages []types.Message, toolSpecs []types.ToolSpec) (<-chan types.Chunk, error) {
	params, err := b.buildParams(messages, toolSpecs)
	if err != nil {
		return nil, err
	}

	stream := b.client.Messages.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream open: %w", err)
	}

	out := make(chan types.Chunk, 32)
	go func() {
		defer close(out)
		defer stream.Close()
		b.pump(ctx, stream, out)
	}()
	return out, nil
}

// toolBuffer accumulates one tool_use block's input JSON fragments.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) argumentsJSON() string {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		return "{}"
	}
	return joined
}

func (b *Backend) pump(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], out chan<- types.Chunk) {
	toolBlocks := make(map[int]*toolBuffer)
	stopReason := ""

	emit := func(chunk types.Chunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		if ctx.Err() != nil {
			emit(types.NewEndChunk(types.EndCancelled))
			return
		}

		switch ev := stream.Current().AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				toolBlocks[int(ev.Index)] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
			}

		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				if !emit(types.NewContentChunk(delta.Text)) {
					return
				}
			case sdk.InputJSONDelta:
				if tb := toolBlocks[int(ev.Index)]; tb != nil && delta.PartialJSON != "" {
					tb.fragments = append(tb.fragments, delta.PartialJSON)
				}
			}

		case sdk.ContentBlockStopEvent:
			if tb := toolBlocks[int(ev.Index)]; tb != nil {
				delete(toolBlocks, int(ev.Index))
				if !emit(types.NewToolCallChunk(tb.id, tb.name, tb.argumentsJSON())) {
					return
				}
			}

		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			if !emit(types.NewUsageChunk(int(ev.Usage.InputTokens), int(ev.Usage.OutputTokens))) {
				return
			}

		case sdk.MessageStopEvent:
			emit(types.NewEndChunk(mapStopReason(stopReason)))
			return
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			emit(types.NewEndChunk(types.EndCancelled))
			return
		}
		emit(types.NewErrorChunk("transient", err.Error()))
		return
	}
	emit(types.NewEndChunk(mapStopReason(stopReason)))
}

func mapStopReason(reason string) types.EndReason {
	switch reason {
	case "max_tokens":
		return types.EndLength
	case "tool_use":
		return types.EndTool
	default:
		return types.EndStop
	}
}

func (b *Backend) buildParams(messages []types.Message, toolSpecs []types.ToolSpec) (*sdk.MessageNewParams, error) {
	conversation := make([]sdk.MessageParam, 0, len(messages))
	system := make([]sdk.TextBlockParam, 0, 1)

	for _, m := range messages {
		switch m.Role {
		case "system":
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}

		case "user":
			if m.Content != "" {
				conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
			}

		case "assistant":
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, json.RawMessage(call.ArgumentsJSON), call.Name))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}

		case "tool":
			conversation = append(conversation,
				sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolUseID, m.Content, !m.ToolResultOK)))

		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, fmt.Errorf("anthropic: at least one user message is required")
	}

	params := &sdk.MessageNewParams{
		MaxTokens: int64(b.maxTokens),
		Messages:  conversation,
		Model:     sdk.Model(b.model),
	}
	if len(system) > 0 {
		params.System = system
	}

	for _, spec := range toolSpecs {
		var schema map[string]interface{}
		if len(spec.InputSchema) > 0 {
			if err := json.Unmarshal(spec.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("anthropic: tool %q schema: %w", spec.Name, err)
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, spec.Name)
		if u.OfTool != nil && spec.Description != "" {
			u.OfTool.Description = sdk.String(spec.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params, nil
}
