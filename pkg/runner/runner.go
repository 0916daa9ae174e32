// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package runner drives one agent turn: it streams the backend, executes
// local tools, routes control tool calls (new_answer, vote) to the
// engine's handler, and enforces budgets at chunk boundaries.
package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/massgen-labs/massgen/pkg/governor"
	"github.com/massgen-labs/massgen/pkg/observability"
	"github.com/massgen-labs/massgen/pkg/tools"
	"github.com/massgen-labs/massgen/pkg/types"
)

// EventType discriminates runner events.
type EventType string

const (
	EventContent  EventType = "content"
	EventToolCall EventType = "tool_call"
	EventEnd      EventType = "end"
	EventError    EventType = "error"
)

// Error kinds carried by EventError.
const (
	ErrKindBackend  = "backend"
	ErrKindTimeout  = "timeout"
	ErrKindTokenCap = "token_cap"
)

// Event is one element of a runner's output stream. Exactly one
// terminal event (End or Error) is emitted per run, after which the
// channel closes.
type Event struct {
	Type    EventType
	AgentID string

	// Content
	Text string

	// ToolCall (already executed; Result is what the agent received)
	Call   types.ToolCall
	Result *tools.Result

	// End
	EndReason types.EndReason

	// Error
	ErrKind string
	Err     error
}

// IsTerminal reports whether the event ends the run.
func (e Event) IsTerminal() bool {
	return e.Type == EventEnd || e.Type == EventError
}

// ControlHandler applies a control tool call (new_answer or vote) to the
// shared coordination state and returns the result the agent sees.
// Implementations serialize under the engine's state mutex.
type ControlHandler interface {
	HandleControl(ctx context.Context, agentID string, call types.ToolCall) *tools.Result
}

// ToolPolicy can intercept a backend tool call before execution.
// Planning mode and path permissions are implemented behind this.
type ToolPolicy interface {
	// Intercept returns (result, true) when the call must not execute;
	// the result is returned to the agent instead.
	Intercept(agentID string, call types.ToolCall) (*tools.Result, bool)
}

// Config assembles a runner's collaborators.
type Config struct {
	AgentID  string
	Backend  types.Backend
	Registry *tools.Registry
	Governor *governor.Governor
	Control  ControlHandler
	Policy   ToolPolicy
	Logger   *zap.Logger
	Tracer   observability.Tracer

	// MaxRetries bounds backend stream retries per turn (default 3).
	MaxRetries int

	// MaxToolIterations bounds backend round-trips within one turn
	// (default 10).
	MaxToolIterations int

	// RetryBaseDelay is the first backoff delay (default 500ms, doubled
	// per retry).
	RetryBaseDelay time.Duration
}

// Runner executes turns for a single agent.
type Runner struct {
	cfg Config
}

// New creates a runner. Zero-value limits get defaults.
func New(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 10
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	return &Runner{cfg: cfg}
}

// Run executes one turn: stream the backend, execute tools, re-stream
// after tool results until the backend stops. Events are delivered on
// the returned channel; the channel closes after the terminal event.
//
// Cancellation via ctx is observed at chunk boundaries.
func (r *Runner) Run(ctx context.Context, messages []types.Message) <-chan Event {
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		r.run(ctx, messages, out)
	}()
	return out
}

func (r *Runner) run(ctx context.Context, messages []types.Message, out chan<- Event) {
	agentID := r.cfg.AgentID
	ctx, span := r.cfg.Tracer.StartSpan(ctx, "runner.turn",
		observability.WithAttribute("agent_id", r.cfg.AgentID))
	defer r.cfg.Tracer.EndSpan(span)

	msgs := append([]types.Message(nil), messages...)
	specs := r.cfg.Registry.Specs()

	// Transient stream errors share one retry budget across the whole
	// turn, separate from the tool iteration cap.
	retries := 0
	retryDelay := r.cfg.RetryBaseDelay

	for iteration := 0; iteration < r.cfg.MaxToolIterations; {
		stream, err := r.streamWithRetry(ctx, msgs, specs)
		if err != nil {
			if ctx.Err() != nil {
				out <- Event{Type: EventEnd, AgentID: agentID, EndReason: types.EndCancelled}
				return
			}
			out <- Event{Type: EventError, AgentID: agentID, ErrKind: ErrKindBackend, Err: err}
			return
		}

		assistant := types.Message{Role: "assistant"}
		toolResults := make([]types.Message, 0)
		endReason := types.EndStop
		var transientErr error

	chunks:
		for chunk := range stream {
			if ctx.Err() != nil {
				out <- Event{Type: EventEnd, AgentID: agentID, EndReason: types.EndCancelled}
				return
			}
			if kind, exceeded := r.cfg.Governor.Exceeded(agentID); exceeded {
				out <- Event{Type: EventError, AgentID: agentID, ErrKind: budgetErrKind(kind),
					Err: fmt.Errorf("budget exhausted: %s", kind)}
				return
			}

			switch chunk.Type {
			case types.ChunkContent:
				r.cfg.Governor.ChargeText(agentID, chunk.Text)
				assistant.Content += chunk.Text
				out <- Event{Type: EventContent, AgentID: agentID, Text: chunk.Text}

			case types.ChunkUsage:
				// Usage supersedes the running text estimate only for
				// the uncounted input side.
				r.cfg.Governor.Charge(agentID, chunk.InputTokens)

			case types.ChunkToolCall:
				call := types.ToolCall{
					ID:            chunk.ToolCallID,
					Name:          chunk.ToolName,
					ArgumentsJSON: chunk.ArgumentsJSON,
				}
				r.cfg.Governor.ChargeText(agentID, chunk.ArgumentsJSON)
				result := r.executeCall(ctx, call)
				out <- Event{Type: EventToolCall, AgentID: agentID, Call: call, Result: result}

				assistant.ToolCalls = append(assistant.ToolCalls, call)
				toolResults = append(toolResults, types.Message{
					Role:         "tool",
					Content:      result.Payload(),
					ToolUseID:    call.ID,
					ToolResultOK: result.Success,
				})

			case types.ChunkEnd:
				endReason = chunk.Reason
				break chunks

			case types.ChunkError:
				if chunk.ErrKind == "transient" {
					transientErr = fmt.Errorf("transient backend error: %s", chunk.ErrMessage)
					break chunks
				}
				out <- Event{Type: EventError, AgentID: agentID, ErrKind: ErrKindBackend,
					Err: fmt.Errorf("backend error: %s", chunk.ErrMessage)}
				return
			}
		}

		if ctx.Err() != nil {
			out <- Event{Type: EventEnd, AgentID: agentID, EndReason: types.EndCancelled}
			return
		}

		// Transient stream error mid-conversation: back off and retry the
		// same turn until the retry budget runs out.
		if transientErr != nil {
			if retries >= r.cfg.MaxRetries {
				out <- Event{Type: EventError, AgentID: agentID, ErrKind: ErrKindBackend,
					Err: fmt.Errorf("backend stream failed after %d retries: %w", r.cfg.MaxRetries, transientErr)}
				return
			}
			retries++
			r.cfg.Logger.Debug("retrying after transient stream error",
				zap.String("agent_id", agentID),
				zap.Int("retry", retries),
				zap.Duration("delay", retryDelay))
			select {
			case <-ctx.Done():
				out <- Event{Type: EventEnd, AgentID: agentID, EndReason: types.EndCancelled}
				return
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
			continue
		}

		// Tool round-trip: feed results back and stream again.
		if endReason == types.EndTool && len(toolResults) > 0 {
			msgs = append(msgs, assistant)
			msgs = append(msgs, toolResults...)
			iteration++
			continue
		}

		out <- Event{Type: EventEnd, AgentID: agentID, EndReason: endReason}
		return
	}

	r.cfg.Logger.Warn("tool iteration limit reached",
		zap.String("agent_id", agentID),
		zap.Int("limit", r.cfg.MaxToolIterations))
	out <- Event{Type: EventEnd, AgentID: agentID, EndReason: types.EndLength}
}

// streamWithRetry opens a backend stream, retrying transient open
// failures with exponential backoff.
func (r *Runner) streamWithRetry(ctx context.Context, msgs []types.Message, specs []types.ToolSpec) (<-chan types.Chunk, error) {
	var lastErr error
	delay := r.cfg.RetryBaseDelay

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			r.cfg.Logger.Debug("retrying backend stream",
				zap.String("agent_id", r.cfg.AgentID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		stream, err := r.cfg.Backend.Stream(ctx, msgs, specs)
		if err == nil {
			return stream, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("backend stream failed after %d retries: %w", r.cfg.MaxRetries, lastErr)
}

// executeCall validates and executes one tool call, routing control
// tools to the engine and everything else to the registry. All failures
// are soft results returned to the agent.
func (r *Runner) executeCall(ctx context.Context, call types.ToolCall) *tools.Result {
	if verr := r.cfg.Registry.Validate(call.Name, call.ArgumentsJSON); verr != nil {
		return &tools.Result{Success: false, Error: verr}
	}

	if tools.IsControlTool(call.Name) {
		return r.cfg.Control.HandleControl(ctx, r.cfg.AgentID, call)
	}

	if r.cfg.Policy != nil {
		if result, intercepted := r.cfg.Policy.Intercept(r.cfg.AgentID, call); intercepted {
			return result
		}
	}

	tool, ok := r.cfg.Registry.Get(call.Name)
	if !ok {
		return tools.Fail(tools.CodeUnknownTool,
			fmt.Sprintf("unknown tool: %s", call.Name),
			"use one of the declared tools")
	}

	params, err := call.Arguments()
	if err != nil {
		return tools.Fail(tools.CodeInvalidParams,
			fmt.Sprintf("arguments are not valid JSON: %v", err),
			"emit a JSON object matching the tool schema")
	}

	start := time.Now()
	result, err := tool.Execute(tools.WithAgentID(ctx, r.cfg.AgentID), params)
	if err != nil {
		r.cfg.Logger.Warn("tool execution error",
			zap.String("agent_id", r.cfg.AgentID),
			zap.String("tool", call.Name),
			zap.Error(err))
		return tools.Fail("execution_failed", err.Error(), "")
	}
	if result.ExecutionTimeMs == 0 {
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
	}
	return result
}

func budgetErrKind(kind governor.Kind) string {
	switch kind {
	case governor.KindAgentTokenCap, governor.KindGlobalTokens:
		return ErrKindTokenCap
	default:
		return ErrKindTimeout
	}
}
