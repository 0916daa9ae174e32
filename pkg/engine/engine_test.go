// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/massgen-labs/massgen/pkg/backends/scripted"
	"github.com/massgen-labs/massgen/pkg/bus"
	"github.com/massgen-labs/massgen/pkg/config"
	"github.com/massgen-labs/massgen/pkg/governor"
	"github.com/massgen-labs/massgen/pkg/permission"
	"github.com/massgen-labs/massgen/pkg/templates"
	"github.com/massgen-labs/massgen/pkg/tools"
	"github.com/massgen-labs/massgen/pkg/types"
	"github.com/massgen-labs/massgen/pkg/workspace"
)

func testConfig(agentIDs ...string) config.Config {
	cfg := config.Default()
	for _, id := range agentIDs {
		cfg.Agents = append(cfg.Agents, config.AgentConfig{
			ID:         id,
			BackendRef: "scripted/" + id,
		})
	}
	return cfg
}

func newTestEngine(t *testing.T, cfg config.Config, backends map[string]types.Backend) *Engine {
	t.Helper()

	managed := make([]permission.ManagedPath, 0, len(cfg.Orchestrator.ContextPaths))
	for _, cp := range cfg.Orchestrator.ContextPaths {
		perm, err := permission.ParsePermission(cp.Permission)
		require.NoError(t, err)
		managed = append(managed, permission.ManagedPath{
			Path:              cp.Path,
			Perm:              perm,
			ProtectedSubpaths: cp.ProtectedPaths,
		})
	}
	perms, err := permission.NewManager(managed, zap.NewNop())
	require.NoError(t, err)

	workspaces, err := workspace.NewManager(t.TempDir(), "test-session", perms, zap.NewNop())
	require.NoError(t, err)

	registry := tools.NewRegistry(zap.NewNop())
	require.NoError(t, tools.RegisterFilesystemTools(registry, perms, workspaces))

	eng, err := New(cfg, Deps{
		Backends:    backends,
		Registry:    registry,
		Permissions: perms,
		Workspaces:  workspaces,
		Bus:         bus.New(zap.NewNop()),
		Governor:    governor.New(governor.DefaultLimits(), zap.NewNop()),
		Templates: templates.New(
			cfg.Orchestrator.VotingSensitivity,
			cfg.Orchestrator.Coordination.EnablePlanningMode,
			cfg.Orchestrator.Coordination.PlanningModeInstruction,
		),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return eng
}

func collectStream(t *testing.T, ch <-chan types.StreamChunk) []types.StreamChunk {
	t.Helper()

	var chunks []types.StreamChunk
	deadline := time.After(20 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-deadline:
			t.Fatal("coordination stream did not close")
		}
	}
}

func finalAnswers(chunks []types.StreamChunk) []string {
	var finals []string
	for _, c := range chunks {
		if c.Type == types.ChunkFinalAnswer {
			finals = append(finals, c.Text)
		}
	}
	return finals
}

func hasContent(chunks []types.StreamChunk, substr string) bool {
	for _, c := range chunks {
		if c.Type == types.ChunkContent && strings.Contains(c.Text, substr) {
			return true
		}
	}
	return false
}

func TestSingleAgentSelfVoteWins(t *testing.T) {
	cfg := testConfig("a1")
	backend := scripted.New("a1",
		scripted.Response{scripted.NewAnswer("the capital of France is Paris")},
		scripted.Response{scripted.Vote("a1", "my answer is complete")},
		scripted.Response{scripted.Text("Paris is the capital of France.")},
	)
	eng := newTestEngine(t, cfg, map[string]types.Backend{"scripted/a1": backend})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	chunks := collectStream(t, eng.Coordinate(ctx, Task{ID: "t1", Prompt: "capital of France?"}))
	require.NoError(t, eng.Err())

	finals := finalAnswers(chunks)
	require.Len(t, finals, 1)
	assert.Equal(t, "Paris is the capital of France.", finals[0])
	assert.True(t, hasContent(chunks, "winner selected: a1"))
}

func TestTwoAgentsUnanimousVote(t *testing.T) {
	cfg := testConfig("a1", "a2")

	// Scripts tolerate any re-prompt interleaving: once both answers are
	// in, every remaining turn votes for a2.
	a1Responses := []scripted.Response{
		{scripted.NewAnswer("answer from a1")},
	}
	a2Responses := []scripted.Response{
		{scripted.NewAnswer("answer from a2")},
	}
	for i := 0; i < 5; i++ {
		a1Responses = append(a1Responses, scripted.Response{scripted.Vote("a2", "a2 covers the edge cases")})
		a2Responses = append(a2Responses, scripted.Response{scripted.Vote("a2", "my answer is complete")})
	}

	eng := newTestEngine(t, cfg, map[string]types.Backend{
		"scripted/a1": scripted.New("a1", a1Responses...),
		"scripted/a2": scripted.New("a2", a2Responses...),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	chunks := collectStream(t, eng.Coordinate(ctx, Task{ID: "t2", Prompt: "solve it"}))
	require.NoError(t, eng.Err())

	finals := finalAnswers(chunks)
	require.Len(t, finals, 1)
	assert.Equal(t, "answer from a2", finals[0])
	assert.True(t, hasContent(chunks, "winner selected: a2"))
}

func TestRestartGateRunsSecondAttempt(t *testing.T) {
	cfg := testConfig("a1")
	cfg.Orchestrator.Coordination.MaxOrchestrationRestarts = 1
	cfg.Orchestrator.DebugFinalAnswer = "debug-final"

	backend := scripted.New("a1",
		// Attempt 1: answer, vote, then self-evaluate as restart.
		scripted.Response{scripted.NewAnswer("first try")},
		scripted.Response{scripted.Vote("a1", "mine")},
		scripted.Response{scripted.Text("DECISION: restart\nREASON: needs more detail")},
		// Attempt 2: answer and vote again; the gate never runs on the
		// last allowed attempt.
		scripted.Response{scripted.NewAnswer("second try")},
		scripted.Response{scripted.Vote("a1", "good now")},
	)
	eng := newTestEngine(t, cfg, map[string]types.Backend{"scripted/a1": backend})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	chunks := collectStream(t, eng.Coordinate(ctx, Task{ID: "t3", Prompt: "write a report"}))
	require.NoError(t, eng.Err())

	assert.True(t, hasContent(chunks, "restarting coordination: needs more detail"))

	finals := finalAnswers(chunks)
	require.Len(t, finals, 1)
	assert.Equal(t, "debug-final", finals[0])

	eng.mu.Lock()
	attempt := eng.attempt
	eng.mu.Unlock()
	assert.Equal(t, 2, attempt)
}

func TestSkipCoordinationRoundsFirstAgentPresents(t *testing.T) {
	cfg := testConfig("a1", "a2")
	cfg.Orchestrator.SkipCoordinationRounds = true

	eng := newTestEngine(t, cfg, map[string]types.Backend{
		"scripted/a1": scripted.New("a1",
			scripted.Response{scripted.Text("presented without any voting")},
		),
		"scripted/a2": scripted.New("a2"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	chunks := collectStream(t, eng.Coordinate(ctx, Task{ID: "t4", Prompt: "anything"}))
	require.NoError(t, eng.Err())

	finals := finalAnswers(chunks)
	require.Len(t, finals, 1)
	assert.Equal(t, "presented without any voting", finals[0])
	assert.True(t, hasContent(chunks, "winner selected: a1"))
}

func TestPlanningModeExecutesPlanDuringPresentation(t *testing.T) {
	ctxDir := t.TempDir()
	cfg := testConfig("a1")
	cfg.Orchestrator.Coordination.EnablePlanningMode = true
	cfg.Orchestrator.ContextPaths = []config.ContextPathConfig{
		{Path: ctxDir, Permission: "write"},
	}

	target := filepath.Join(ctxDir, "report.md")
	backend := scripted.New("a1",
		// Coordination: the write is intercepted as a planned action.
		scripted.Response{
			scripted.Call("write_file", map[string]interface{}{"path": target, "content": "draft"}),
			scripted.NewAnswer("I will deliver the report to the project directory."),
		},
		scripted.Response{scripted.Vote("a1", "the plan covers the task")},
		// Presentation: the winner executes the plan for real.
		scripted.Response{
			scripted.Call("write_file", map[string]interface{}{"path": target, "content": "final report"}),
			scripted.Text("Report delivered."),
		},
	)
	eng := newTestEngine(t, cfg, map[string]types.Backend{"scripted/a1": backend})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	chunks := collectStream(t, eng.Coordinate(ctx, Task{ID: "t6", Prompt: "write a report"}))
	require.NoError(t, eng.Err())

	assert.True(t, hasContent(chunks, "recorded as a planned action"),
		"the coordination-phase write must be deferred")

	finals := finalAnswers(chunks)
	require.Len(t, finals, 1)
	assert.Equal(t, "Report delivered.", finals[0])

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "final report", string(data),
		"only the presentation-phase write may reach the context path")
}

func TestLaunchTurnCancelsPreviousTurn(t *testing.T) {
	cfg := testConfig("a1")
	eng := newTestEngine(t, cfg, map[string]types.Backend{
		"scripted/a1": scripted.New("a1"),
	})
	seedAgents(eng, "a1")
	eng.events = make(chan turnEvent, 16)

	prevCtx, _ := eng.gov.StartAgent(context.Background(), "a1")
	eng.launchTurn(context.Background(), "a1", "updated prompt")

	select {
	case <-prevCtx.Done():
	default:
		t.Fatal("an agent's previous turn must be cancelled before its relaunch")
	}
}

func TestTerminalBranchFallbackSummary(t *testing.T) {
	cfg := testConfig("a1", "a2")
	eng := newTestEngine(t, cfg, map[string]types.Backend{
		"scripted/a1": scripted.New("a1"),
		"scripted/a2": scripted.New("a2"),
	})

	eng.attempt = 1
	eng.order = []string{"a1", "a2"}
	eng.agents = map[string]*AgentState{
		"a1": {ID: "a1", DeclIndex: 0, Status: StatusKilled, Answer: "partial from a1", AnswerVersion: 1},
		"a2": {ID: "a2", DeclIndex: 1, Status: StatusKilled, Answer: "partial from a2", AnswerVersion: 2},
	}

	outcome := eng.terminalBranch(context.Background(), 1)
	require.Equal(t, attemptDone, outcome.kind)

	assert.Contains(t, outcome.finalAnswer, "[orchestrator-generated]")
	assert.Contains(t, outcome.finalAnswer, "partial from a1")
	assert.Contains(t, outcome.finalAnswer, "partial from a2")
	assert.Less(t,
		strings.Index(outcome.finalAnswer, "partial from a1"),
		strings.Index(outcome.finalAnswer, "partial from a2"),
		"fallback summary must order answers by agent id")
}

func TestTerminalBranchFallbackDisabled(t *testing.T) {
	cfg := testConfig("a1")
	cfg.Orchestrator.Timeout.EnableTimeoutFallback = false
	eng := newTestEngine(t, cfg, map[string]types.Backend{
		"scripted/a1": scripted.New("a1"),
	})

	eng.attempt = 1
	eng.order = []string{"a1"}
	eng.agents = map[string]*AgentState{
		"a1": {ID: "a1", Status: StatusKilled, Answer: "partial", AnswerVersion: 1},
	}

	outcome := eng.terminalBranch(context.Background(), 1)
	require.Equal(t, attemptFailed, outcome.kind)
	require.Error(t, outcome.err)

	ce, ok := outcome.err.(*CoordinationError)
	require.True(t, ok)
	assert.Equal(t, ErrTimeoutFallbackDisabled, ce.Kind)
}

func TestTerminalBranchNoAnswersFails(t *testing.T) {
	cfg := testConfig("a1")
	eng := newTestEngine(t, cfg, map[string]types.Backend{
		"scripted/a1": scripted.New("a1"),
	})

	eng.attempt = 1
	eng.order = []string{"a1"}
	eng.agents = map[string]*AgentState{
		"a1": {ID: "a1", Status: StatusKilled},
	}

	outcome := eng.terminalBranch(context.Background(), 1)
	require.Equal(t, attemptFailed, outcome.kind)
	assert.NoError(t, outcome.err)
	assert.Contains(t, outcome.finalAnswer, "no answers are available")
}

func TestCoordinateCancellation(t *testing.T) {
	cfg := testConfig("a1")
	// A script that never votes keeps the attempt loop alive until the
	// caller cancels.
	backend := scripted.New("a1",
		scripted.Response{scripted.NewAnswer("an answer, no vote")},
	)
	eng := newTestEngine(t, cfg, map[string]types.Backend{"scripted/a1": backend})

	ctx, cancel := context.WithCancel(context.Background())
	stream := eng.Coordinate(ctx, Task{ID: "t5", Prompt: "hang"})
	cancel()

	collectStream(t, stream)
	err := eng.Err()
	if err != nil {
		ce, ok := err.(*CoordinationError)
		require.True(t, ok)
		assert.Equal(t, ErrCancelled, ce.Kind)
	}
}

func TestNewRejectsUnknownBackendRef(t *testing.T) {
	cfg := testConfig("a1")
	_, err := New(cfg, Deps{
		Backends: map[string]types.Backend{},
		Logger:   zap.NewNop(),
	})
	require.Error(t, err)
	_, ok := err.(*config.Error)
	assert.True(t, ok, "unknown backend_ref must surface as a config error")
}
