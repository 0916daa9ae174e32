// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/massgen-labs/massgen/pkg/backends/scripted"
	"github.com/massgen-labs/massgen/pkg/governor"
	"github.com/massgen-labs/massgen/pkg/tools"
	"github.com/massgen-labs/massgen/pkg/types"
)

// echoTool is a side-effecting test tool that records its executions.
type echoTool struct {
	mu    sync.Mutex
	calls []map[string]interface{}
}

func (e *echoTool) Name() string         { return "echo" }
func (e *echoTool) Description() string  { return "echo the input back" }
func (e *echoTool) SideEffectFree() bool { return false }
func (e *echoTool) InputSchema() *tools.JSONSchema {
	return tools.NewObjectSchema("echo",
		map[string]*tools.JSONSchema{"value": tools.NewStringSchema("value to echo")},
		[]string{"value"})
}
func (e *echoTool) Execute(ctx context.Context, params map[string]interface{}) (*tools.Result, error) {
	e.mu.Lock()
	e.calls = append(e.calls, params)
	e.mu.Unlock()
	return tools.Succeed(params["value"]), nil
}

// recordingControl captures control tool calls routed to the engine.
type recordingControl struct {
	mu    sync.Mutex
	calls []types.ToolCall
}

func (c *recordingControl) HandleControl(_ context.Context, _ string, call types.ToolCall) *tools.Result {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
	return tools.Succeed("recorded")
}

type interceptAll struct{}

func (interceptAll) Intercept(_ string, call types.ToolCall) (*tools.Result, bool) {
	r := tools.Succeed("[planned] " + call.Name)
	r.Metadata = map[string]interface{}{"code": tools.CodePlannedAction}
	return r, true
}

func newTestRunner(t *testing.T, backend types.Backend, mutate func(*Config)) (*Runner, *recordingControl, *echoTool) {
	t.Helper()
	registry := tools.NewRegistry(nil)
	echo := &echoTool{}
	require.NoError(t, registry.Register(echo))

	control := &recordingControl{}
	cfg := Config{
		AgentID:        "a1",
		Backend:        backend,
		Registry:       registry,
		Governor:       governor.New(governor.Limits{}, nil),
		Control:        control,
		RetryBaseDelay: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg), control, echo
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("runner did not finish; events so far: %d", len(got))
		}
	}
}

func terminal(t *testing.T, events []Event) Event {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.True(t, last.IsTerminal(), "last event must be terminal, got %s", last.Type)
	return last
}

func TestContentStreamsThroughToEnd(t *testing.T) {
	backend := scripted.New("b", scripted.Response{
		scripted.Text("Hello, "),
		scripted.Text("world."),
		scripted.End(types.EndStop),
	})
	r, _, _ := newTestRunner(t, backend, nil)

	events := collect(t, r.Run(context.Background(), nil))
	require.Len(t, events, 3)
	assert.Equal(t, EventContent, events[0].Type)
	assert.Equal(t, "Hello, ", events[0].Text)
	assert.Equal(t, "world.", events[1].Text)
	assert.Equal(t, types.EndStop, terminal(t, events).EndReason)
}

func TestToolRoundTripStreamsAgain(t *testing.T) {
	backend := scripted.New("b",
		scripted.Response{
			scripted.Call("echo", map[string]interface{}{"value": "ping"}),
			scripted.End(types.EndTool),
		},
		scripted.Response{
			scripted.Text("pong"),
			scripted.End(types.EndStop),
		},
	)
	r, _, echo := newTestRunner(t, backend, nil)

	events := collect(t, r.Run(context.Background(), nil))
	assert.Equal(t, 2, backend.Calls(), "tool end must trigger a second stream")

	require.Len(t, events, 3)
	assert.Equal(t, EventToolCall, events[0].Type)
	require.NotNil(t, events[0].Result)
	assert.True(t, events[0].Result.Success)
	assert.Equal(t, types.EndStop, terminal(t, events).EndReason)
	assert.Len(t, echo.calls, 1)
	assert.Equal(t, "ping", echo.calls[0]["value"])
}

func TestControlCallsRouteToHandler(t *testing.T) {
	backend := scripted.New("b", scripted.Response{
		scripted.NewAnswer("my answer"),
		scripted.Vote("a1", "mine is best"),
		scripted.End(types.EndStop),
	})
	r, control, echo := newTestRunner(t, backend, nil)

	events := collect(t, r.Run(context.Background(), nil))
	require.Len(t, control.calls, 2)
	assert.Equal(t, types.ToolNewAnswer, control.calls[0].Name)
	assert.Equal(t, types.ToolVote, control.calls[1].Name)
	assert.Empty(t, echo.calls, "control calls never reach the registry")
	assert.Equal(t, types.EndStop, terminal(t, events).EndReason)
}

func TestInvalidArgumentsAreSoftFailures(t *testing.T) {
	backend := scripted.New("b", scripted.Response{
		scripted.Call("echo", map[string]interface{}{"wrong": "field"}),
		scripted.End(types.EndStop),
	})
	r, _, echo := newTestRunner(t, backend, nil)

	events := collect(t, r.Run(context.Background(), nil))
	require.Len(t, events, 2)
	require.Equal(t, EventToolCall, events[0].Type)
	require.NotNil(t, events[0].Result)
	assert.False(t, events[0].Result.Success)
	assert.Equal(t, tools.CodeInvalidParams, events[0].Result.Error.Code)
	assert.Empty(t, echo.calls, "schema violations must not execute the tool")
	assert.Equal(t, types.EndStop, terminal(t, events).EndReason)
}

func TestPolicyInterceptsBeforeExecution(t *testing.T) {
	backend := scripted.New("b", scripted.Response{
		scripted.Call("echo", map[string]interface{}{"value": "side effect"}),
		scripted.End(types.EndStop),
	})
	r, _, echo := newTestRunner(t, backend, func(cfg *Config) {
		cfg.Policy = interceptAll{}
	})

	events := collect(t, r.Run(context.Background(), nil))
	require.Equal(t, EventToolCall, events[0].Type)
	assert.True(t, events[0].Result.Success)
	assert.Equal(t, tools.CodePlannedAction, events[0].Result.Metadata["code"])
	assert.Empty(t, echo.calls)
}

func TestTransientErrorRetriesSameTurn(t *testing.T) {
	backend := scripted.New("b",
		scripted.Response{
			scripted.Text("partial "),
			types.NewErrorChunk("transient", "stream hiccup"),
		},
		scripted.Response{
			scripted.Text("complete"),
			scripted.End(types.EndStop),
		},
	)
	r, _, _ := newTestRunner(t, backend, nil)

	events := collect(t, r.Run(context.Background(), nil))
	assert.Equal(t, 2, backend.Calls())
	assert.Equal(t, types.EndStop, terminal(t, events).EndReason)

	var texts []string
	for _, ev := range events {
		if ev.Type == EventContent {
			texts = append(texts, ev.Text)
		}
	}
	assert.Equal(t, []string{"partial ", "complete"}, texts)
}

func TestTransientErrorsExhaustRetryBudget(t *testing.T) {
	hiccup := scripted.Response{
		scripted.Text("partial "),
		types.NewErrorChunk("transient", "stream hiccup"),
	}
	backend := scripted.New("b", hiccup, hiccup, hiccup, hiccup, hiccup)
	r, _, _ := newTestRunner(t, backend, func(cfg *Config) {
		cfg.MaxRetries = 2
	})

	start := time.Now()
	events := collect(t, r.Run(context.Background(), nil))

	// Initial attempt plus MaxRetries re-opens, no more.
	assert.Equal(t, 3, backend.Calls())
	last := terminal(t, events)
	require.Equal(t, EventError, last.Type)
	assert.Equal(t, ErrKindBackend, last.ErrKind)
	assert.ErrorContains(t, last.Err, "after 2 retries")

	// Backoff between retries: base delay plus its double.
	assert.GreaterOrEqual(t, time.Since(start), 3*time.Millisecond)
}

func TestTokenBudgetStopsTheTurn(t *testing.T) {
	backend := scripted.New("b", scripted.Response{
		scripted.Text("a long opening sentence that costs several tokens"),
		scripted.Text("more"),
		scripted.Text("and more"),
		scripted.End(types.EndStop),
	})

	gov := governor.New(governor.Limits{AgentMaxTokens: 2}, nil)
	_, cancel := gov.StartAgent(context.Background(), "a1")
	defer cancel()

	r, _, _ := newTestRunner(t, backend, func(cfg *Config) {
		cfg.Governor = gov
	})

	events := collect(t, r.Run(context.Background(), nil))
	last := terminal(t, events)
	require.Equal(t, EventError, last.Type)
	assert.Equal(t, ErrKindTokenCap, last.ErrKind)
}

func TestToolIterationLimitEndsWithLength(t *testing.T) {
	loop := scripted.Response{
		scripted.Call("echo", map[string]interface{}{"value": "again"}),
		scripted.End(types.EndTool),
	}
	backend := scripted.New("b", loop, loop, loop)
	r, _, _ := newTestRunner(t, backend, func(cfg *Config) {
		cfg.MaxToolIterations = 2
	})

	events := collect(t, r.Run(context.Background(), nil))
	assert.Equal(t, 2, backend.Calls())
	last := terminal(t, events)
	require.Equal(t, EventEnd, last.Type)
	assert.Equal(t, types.EndLength, last.EndReason)
}

func TestCancellationEndsCancelled(t *testing.T) {
	backend := scripted.New("b", scripted.Response{
		scripted.Text("never delivered"),
		scripted.End(types.EndStop),
	})
	r, _, _ := newTestRunner(t, backend, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	events := collect(t, r.Run(ctx, nil))
	last := terminal(t, events)
	require.Equal(t, EventEnd, last.Type)
	assert.Equal(t, types.EndCancelled, last.EndReason)
}
