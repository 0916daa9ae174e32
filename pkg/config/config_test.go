// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Default()
	cfg.Agents = []AgentConfig{
		{ID: "a1", BackendRef: "anthropic/claude-sonnet-4-5"},
		{ID: "a2", BackendRef: "anthropic/claude-sonnet-4-5"},
	}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no agents", func(c *Config) { c.Agents = nil }, "at least one agent"},
		{"missing id", func(c *Config) { c.Agents[0].ID = "" }, "id is required"},
		{"duplicate id", func(c *Config) { c.Agents[1].ID = "a1" }, "duplicate agent id"},
		{"missing backend_ref", func(c *Config) { c.Agents[0].BackendRef = "" }, "backend_ref is required"},
		{"context path without path", func(c *Config) {
			c.Orchestrator.ContextPaths = []ContextPathConfig{{Permission: "read"}}
		}, "path is required"},
		{"bad permission", func(c *Config) {
			c.Orchestrator.ContextPaths = []ContextPathConfig{{Path: "/tmp/ctx", Permission: "execute"}}
		}, "permission must be read or write"},
		{"existing context path", func(c *Config) {
			c.Orchestrator.ContextPaths = []ContextPathConfig{{Path: os.TempDir(), Permission: "read"}}
		}, ""},
		{"nonexistent context path", func(c *Config) {
			c.Orchestrator.ContextPaths = []ContextPathConfig{{Path: "no/such/dir", Permission: "read"}}
		}, `context path "no/such/dir"`},
		{"bad voting sensitivity", func(c *Config) {
			c.Orchestrator.VotingSensitivity = "harsh"
		}, "voting_sensitivity"},
		{"bad novelty requirement", func(c *Config) {
			c.Orchestrator.AnswerNoveltyRequirement = "picky"
		}, "answer_novelty_requirement"},
		{"negative answer cap", func(c *Config) {
			c.Orchestrator.MaxNewAnswersPerAgent = -1
		}, "cannot be negative"},
		{"negative restarts", func(c *Config) {
			c.Orchestrator.Coordination.MaxOrchestrationRestarts = -1
		}, "cannot be negative"},
		{"zero timeout", func(c *Config) {
			c.Orchestrator.Timeout.AgentTimeoutSeconds = 0
		}, "timeout seconds must be positive"},
		{"zero token budget", func(c *Config) {
			c.Orchestrator.Timeout.OrchestratorMaxTokens = 0
		}, "token budgets must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTimeoutHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.Timeout.AgentTimeout())
	assert.Equal(t, 30*time.Minute, cfg.Orchestrator.Timeout.OrchestratorTimeout())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	ctxDir := filepath.Join(dir, "project")
	require.NoError(t, os.MkdirAll(ctxDir, 0o750))

	path := filepath.Join(dir, "massgen.yaml")
	yaml := fmt.Sprintf(`
agents:
  - id: researcher
    backend_ref: anthropic/claude-sonnet-4-5
    system_message: You research thoroughly.
  - id: writer
    backend_ref: anthropic/claude-haiku-4-5
orchestrator:
  voting_sensitivity: balanced
  max_new_answers_per_agent: 3
  context_paths:
    - path: %s
      permission: write
      protected_paths:
        - docs/contract.md
  coordination:
    enable_planning_mode: true
    max_orchestration_restarts: 2
  timeout:
    agent_timeout_seconds: 120
`, ctxDir)
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, "researcher", cfg.Agents[0].ID)
	assert.Equal(t, "You research thoroughly.", cfg.Agents[0].SystemMessage)

	o := cfg.Orchestrator
	assert.Equal(t, "balanced", o.VotingSensitivity)
	assert.Equal(t, 3, o.MaxNewAnswersPerAgent)
	assert.True(t, o.Coordination.EnablePlanningMode)
	assert.Equal(t, 2, o.Coordination.MaxOrchestrationRestarts)
	require.Len(t, o.ContextPaths, 1)
	assert.Equal(t, ctxDir, o.ContextPaths[0].Path)
	assert.Equal(t, "write", o.ContextPaths[0].Permission)
	assert.Equal(t, []string{"docs/contract.md"}, o.ContextPaths[0].ProtectedPaths)

	// Unset keys keep their documented defaults.
	assert.Equal(t, 120, o.Timeout.AgentTimeoutSeconds)
	assert.Equal(t, 1800, o.Timeout.OrchestratorTimeoutSeconds)
	assert.Equal(t, 200_000, o.Timeout.OrchestratorMaxTokens)
	assert.True(t, o.Timeout.EnableTimeoutFallback)
	assert.Equal(t, "lenient", o.AnswerNoveltyRequirement)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadInvalidConfigFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "massgen.yaml")
	yaml := `
agents:
  - id: a1
    backend_ref: anthropic/claude-sonnet-4-5
orchestrator:
  voting_sensitivity: extreme
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	var cerr *Error
	assert.ErrorAs(t, err, &cerr)
}
