// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package config defines the coordination configuration object and its
// validation. Validation failures surface before any coordination starts.
package config

import (
	"fmt"
	"os"
	"time"
)

// AgentConfig declares one participating agent.
type AgentConfig struct {
	// ID is the agent identifier, unique within a task
	ID string `mapstructure:"id"`

	// BackendRef names the backend adapter serving this agent
	BackendRef string `mapstructure:"backend_ref"`

	// SystemMessage is an optional per-agent system prompt
	SystemMessage string `mapstructure:"system_message"`
}

// ContextPathConfig declares a shared path agents may read and the
// winner may write.
type ContextPathConfig struct {
	Path           string   `mapstructure:"path"`
	Permission     string   `mapstructure:"permission"`
	ProtectedPaths []string `mapstructure:"protected_paths"`
}

// CoordinationConfig groups planning-mode and restart options.
type CoordinationConfig struct {
	EnablePlanningMode       bool   `mapstructure:"enable_planning_mode"`
	PlanningModeInstruction  string `mapstructure:"planning_mode_instruction"`
	MaxOrchestrationRestarts int    `mapstructure:"max_orchestration_restarts"`
}

// TimeoutConfig groups the wall-clock and token budgets.
type TimeoutConfig struct {
	OrchestratorTimeoutSeconds int  `mapstructure:"orchestrator_timeout_seconds"`
	OrchestratorMaxTokens      int  `mapstructure:"orchestrator_max_tokens"`
	AgentTimeoutSeconds        int  `mapstructure:"agent_timeout_seconds"`
	AgentMaxTokens             int  `mapstructure:"agent_max_tokens"`
	EnableTimeoutFallback      bool `mapstructure:"enable_timeout_fallback"`
}

// OrchestratorConfig groups all engine options.
type OrchestratorConfig struct {
	ContextPaths []ContextPathConfig `mapstructure:"context_paths"`
	Coordination CoordinationConfig  `mapstructure:"coordination"`

	// VotingSensitivity sets the bar agents apply before voting:
	// lenient, balanced or strict.
	VotingSensitivity string `mapstructure:"voting_sensitivity"`

	// MaxNewAnswersPerAgent caps accepted answers per agent.
	// 0 means unlimited.
	MaxNewAnswersPerAgent int `mapstructure:"max_new_answers_per_agent"`

	// AnswerNoveltyRequirement sets the novelty gate level:
	// lenient, balanced or strict.
	AnswerNoveltyRequirement string `mapstructure:"answer_novelty_requirement"`

	Timeout TimeoutConfig `mapstructure:"timeout"`

	// SkipCoordinationRounds is a debug switch: the first agent wins
	// immediately without any voting round.
	SkipCoordinationRounds bool `mapstructure:"skip_coordination_rounds"`

	// DebugFinalAnswer replaces the winner's presentation stream with a
	// fixed string (restart harness).
	DebugFinalAnswer string `mapstructure:"debug_final_answer"`
}

// Config is the root configuration object.
type Config struct {
	Agents       []AgentConfig      `mapstructure:"agents"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			VotingSensitivity:        "lenient",
			AnswerNoveltyRequirement: "lenient",
			Coordination: CoordinationConfig{
				MaxOrchestrationRestarts: 0,
			},
			Timeout: TimeoutConfig{
				OrchestratorTimeoutSeconds: 1800,
				OrchestratorMaxTokens:      200_000,
				AgentTimeoutSeconds:        300,
				AgentMaxTokens:             50_000,
				EnableTimeoutFallback:      true,
			},
		},
	}
}

// Error is a configuration error. It is the only error kind surfaced
// before Setup; coordination never starts when one is returned.
type Error struct {
	Msg string
}

func (e *Error) Error() string {
	return "config: " + e.Msg
}

func configErrorf(format string, args ...interface{}) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

var validLevels = map[string]bool{"lenient": true, "balanced": true, "strict": true}

// Validate checks the configuration. Returns *Error on the first
// violation.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return configErrorf("at least one agent is required")
	}

	seen := make(map[string]bool)
	for i, agent := range c.Agents {
		if agent.ID == "" {
			return configErrorf("agents[%d]: id is required", i)
		}
		if seen[agent.ID] {
			return configErrorf("duplicate agent id %q", agent.ID)
		}
		seen[agent.ID] = true
		if agent.BackendRef == "" {
			return configErrorf("agent %q: backend_ref is required", agent.ID)
		}
	}

	o := &c.Orchestrator
	for i, cp := range o.ContextPaths {
		if cp.Path == "" {
			return configErrorf("context_paths[%d]: path is required", i)
		}
		switch cp.Permission {
		case "read", "write":
		default:
			return configErrorf("context path %q: permission must be read or write, got %q", cp.Path, cp.Permission)
		}
		if _, err := os.Stat(cp.Path); err != nil {
			return configErrorf("context path %q: %v", cp.Path, err)
		}
	}

	if !validLevels[o.VotingSensitivity] {
		return configErrorf("voting_sensitivity must be lenient, balanced or strict, got %q", o.VotingSensitivity)
	}
	if !validLevels[o.AnswerNoveltyRequirement] {
		return configErrorf("answer_novelty_requirement must be lenient, balanced or strict, got %q", o.AnswerNoveltyRequirement)
	}
	if o.MaxNewAnswersPerAgent < 0 {
		return configErrorf("max_new_answers_per_agent cannot be negative")
	}
	if o.Coordination.MaxOrchestrationRestarts < 0 {
		return configErrorf("max_orchestration_restarts cannot be negative")
	}

	t := &o.Timeout
	if t.OrchestratorTimeoutSeconds <= 0 || t.AgentTimeoutSeconds <= 0 {
		return configErrorf("timeout seconds must be positive")
	}
	if t.OrchestratorMaxTokens <= 0 || t.AgentMaxTokens <= 0 {
		return configErrorf("token budgets must be positive")
	}

	return nil
}

// AgentTimeout returns the per-agent wall-clock budget.
func (t TimeoutConfig) AgentTimeout() time.Duration {
	return time.Duration(t.AgentTimeoutSeconds) * time.Second
}

// OrchestratorTimeout returns the global wall-clock budget.
func (t TimeoutConfig) OrchestratorTimeout() time.Duration {
	return time.Duration(t.OrchestratorTimeoutSeconds) * time.Second
}
