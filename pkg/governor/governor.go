// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package governor enforces wall-clock and token budgets for the global
// orchestration and for each agent. Enforcement is cooperative: runners
// call Exceeded at chunk boundaries and the engine cancels via the
// registered cancel functions. No hidden deadlines.
package governor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind identifies which budget was exhausted.
type Kind string

const (
	KindAgentTimeout  Kind = "agent_timeout"
	KindAgentTokenCap Kind = "agent_token_cap"
	KindGlobalTimeout Kind = "orchestrator_timeout"
	KindGlobalTokens  Kind = "orchestrator_token_cap"
)

// Limits holds the configured budgets.
type Limits struct {
	AgentTimeout    time.Duration
	AgentMaxTokens  int
	GlobalTimeout   time.Duration
	GlobalMaxTokens int
}

// DefaultLimits mirrors the documented configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		AgentTimeout:    5 * time.Minute,
		AgentMaxTokens:  50_000,
		GlobalTimeout:   30 * time.Minute,
		GlobalMaxTokens: 200_000,
	}
}

type budget struct {
	start     time.Time
	timeout   time.Duration
	maxTokens int
	used      int
}

func (b *budget) exceeded(now time.Time) (timeUp, tokensUp bool) {
	if b.timeout > 0 && now.Sub(b.start) >= b.timeout {
		timeUp = true
	}
	if b.maxTokens > 0 && b.used >= b.maxTokens {
		tokensUp = true
	}
	return
}

// Governor tracks one global budget and one budget per agent, and owns
// the cancel functions used to stop runners when a budget trips.
//
// Thread-safe.
type Governor struct {
	mu           sync.Mutex
	limits       Limits
	global       *budget
	agents       map[string]*budget
	cancels      map[string]context.CancelFunc
	ignoreGlobal bool
	logger       *zap.Logger
	counter      *TokenCounter
}

// New creates a governor with the given limits.
func New(limits Limits, logger *zap.Logger) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		limits:  limits,
		agents:  make(map[string]*budget),
		cancels: make(map[string]context.CancelFunc),
		logger:  logger,
		counter: GetTokenCounter(),
	}
}

// Counter exposes the token counter used for charging.
func (g *Governor) Counter() *TokenCounter {
	return g.counter
}

// StartGlobal opens the global budget and returns a cancellable context
// covering the whole coordination.
func (g *Governor) StartGlobal(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	g.mu.Lock()
	g.global = &budget{
		start:     time.Now(),
		timeout:   g.limits.GlobalTimeout,
		maxTokens: g.limits.GlobalMaxTokens,
	}
	g.cancels["__global__"] = cancel
	g.mu.Unlock()

	return ctx, cancel
}

// StartAgent opens (or reopens) the agent's budget and returns a
// cancellable context for its runner. Each coordination attempt reopens
// agent budgets; the global budget spans attempts.
func (g *Governor) StartAgent(ctx context.Context, agentID string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	g.mu.Lock()
	if _, ok := g.agents[agentID]; !ok {
		g.agents[agentID] = &budget{
			start:     time.Now(),
			timeout:   g.limits.AgentTimeout,
			maxTokens: g.limits.AgentMaxTokens,
		}
	}
	g.cancels[agentID] = cancel
	g.mu.Unlock()

	return ctx, cancel
}

// Charge adds tokens to the agent's and the global budget.
func (g *Governor) Charge(agentID string, tokens int) {
	if tokens <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.agents[agentID]; ok {
		b.used += tokens
	}
	if g.global != nil {
		g.global.used += tokens
	}
}

// ChargeText counts the text and charges it. Returns the token count.
func (g *Governor) ChargeText(agentID, text string) int {
	tokens := g.counter.CountTokens(text)
	g.Charge(agentID, tokens)
	return tokens
}

// Exceeded checks the agent budget first, then the global budget.
// Returns the kind of the first exhausted budget.
func (g *Governor) Exceeded(agentID string) (Kind, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if b, ok := g.agents[agentID]; ok {
		timeUp, tokensUp := b.exceeded(now)
		if timeUp {
			return KindAgentTimeout, true
		}
		if tokensUp {
			return KindAgentTokenCap, true
		}
	}
	return g.globalExceededLocked(now)
}

// GlobalExceeded checks only the global budget.
func (g *Governor) GlobalExceeded() (Kind, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.globalExceededLocked(time.Now())
}

// SetEnforceGlobal toggles global budget enforcement. The engine
// disables it for the presentation of a winner selected at the
// deadline; the presentation must be allowed to finish.
func (g *Governor) SetEnforceGlobal(enforce bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ignoreGlobal = !enforce
}

func (g *Governor) globalExceededLocked(now time.Time) (Kind, bool) {
	if g.global == nil || g.ignoreGlobal {
		return "", false
	}
	timeUp, tokensUp := g.global.exceeded(now)
	if timeUp {
		return KindGlobalTimeout, true
	}
	if tokensUp {
		return KindGlobalTokens, true
	}
	return "", false
}

// AgentTokens returns the tokens charged to the agent so far.
func (g *Governor) AgentTokens(agentID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.agents[agentID]; ok {
		return b.used
	}
	return 0
}

// GlobalTokens returns the tokens charged globally so far.
func (g *Governor) GlobalTokens() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.global == nil {
		return 0
	}
	return g.global.used
}

// CancelAgent flips the agent's cancel function, stopping its runner at
// the next chunk boundary.
func (g *Governor) CancelAgent(agentID string) {
	g.mu.Lock()
	cancel := g.cancels[agentID]
	g.mu.Unlock()

	if cancel != nil {
		g.logger.Info("cancelling agent runner", zap.String("agent_id", agentID))
		cancel()
	}
}

// CancelAll cancels every registered runner and the global context.
func (g *Governor) CancelAll() {
	g.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(g.cancels))
	for _, cancel := range g.cancels {
		cancels = append(cancels, cancel)
	}
	g.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// ResetAttempt clears per-agent budgets between orchestration attempts.
// The global budget keeps running.
func (g *Governor) ResetAttempt() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.agents = make(map[string]*budget)
	for id, cancel := range g.cancels {
		if id != "__global__" {
			cancel()
			delete(g.cancels, id)
		}
	}
}
