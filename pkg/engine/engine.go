// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package engine implements the coordination core: N agents stream in
// parallel, observe each other's answers, vote, and a single winner
// presents the final answer. All shared state lives in one table guarded
// by one mutex; runners only ever touch it through the control handler.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/massgen-labs/massgen/pkg/bus"
	"github.com/massgen-labs/massgen/pkg/config"
	"github.com/massgen-labs/massgen/pkg/governor"
	"github.com/massgen-labs/massgen/pkg/observability"
	"github.com/massgen-labs/massgen/pkg/permission"
	"github.com/massgen-labs/massgen/pkg/runner"
	"github.com/massgen-labs/massgen/pkg/session"
	"github.com/massgen-labs/massgen/pkg/templates"
	"github.com/massgen-labs/massgen/pkg/tools"
	"github.com/massgen-labs/massgen/pkg/types"
	"github.com/massgen-labs/massgen/pkg/workspace"
)

// Task is one coordination request.
type Task struct {
	ID     string
	Prompt string

	// Context carries prior conversation turns, prepended to every
	// agent's first prompt.
	Context []types.Message
}

// Deps assembles the engine's collaborators.
type Deps struct {
	Backends    map[string]types.Backend
	Registry    *tools.Registry
	Permissions *permission.Manager
	Workspaces  *workspace.Manager
	Bus         *bus.Bus
	Governor    *governor.Governor
	Templates   *templates.Templates
	Store       *session.Store // optional
	Logger      *zap.Logger
	Tracer      observability.Tracer
}

// turnEvent tags a runner event with the turn epoch it belongs to, so
// events from cancelled turns are dropped.
type turnEvent struct {
	runner.Event
	epoch int
}

type attemptKind int

const (
	attemptDone attemptKind = iota
	attemptRestart
	attemptFailed
)

type attemptOutcome struct {
	kind          attemptKind
	restartReason string
	finalAnswer   string
	err           error
}

// Engine coordinates one task across N agents.
type Engine struct {
	cfg        config.Config
	backends   map[string]types.Backend
	registry   *tools.Registry
	perms      *permission.Manager
	workspaces *workspace.Manager
	bus        *bus.Bus
	gov        *governor.Governor
	tmpl       *templates.Templates
	store      *session.Store
	logger     *zap.Logger
	tracer     observability.Tracer

	contextPaths []permission.ManagedPath
	runners      map[string]*runner.Runner
	systemMsgs   map[string]string

	mu          sync.Mutex
	agents      map[string]*AgentState
	order       []string
	attempt     int
	presenting  bool
	winner      string
	taskPrompt  string
	taskContext []types.Message
	anyContent  bool
	events      chan turnEvent

	errMu  sync.Mutex
	runErr error
}

// New builds an engine. The configuration is validated here; a
// *config.Error means coordination never starts.
func New(cfg config.Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = observability.NewNoOpTracer()
	}

	contextPaths := make([]permission.ManagedPath, 0, len(cfg.Orchestrator.ContextPaths))
	for _, cp := range cfg.Orchestrator.ContextPaths {
		perm, err := permission.ParsePermission(cp.Permission)
		if err != nil {
			return nil, &config.Error{Msg: err.Error()}
		}
		contextPaths = append(contextPaths, permission.ManagedPath{
			Path:              cp.Path,
			Perm:              perm,
			ProtectedSubpaths: cp.ProtectedPaths,
		})
	}

	e := &Engine{
		cfg:          cfg,
		backends:     deps.Backends,
		registry:     deps.Registry,
		perms:        deps.Permissions,
		workspaces:   deps.Workspaces,
		bus:          deps.Bus,
		gov:          deps.Governor,
		tmpl:         deps.Templates,
		store:        deps.Store,
		logger:       deps.Logger,
		tracer:       deps.Tracer,
		contextPaths: contextPaths,
		runners:      make(map[string]*runner.Runner),
		systemMsgs:   make(map[string]string),
		agents:       make(map[string]*AgentState),
	}

	for _, ac := range cfg.Agents {
		backend, ok := deps.Backends[ac.BackendRef]
		if !ok {
			return nil, &config.Error{Msg: fmt.Sprintf("agent %q: unknown backend_ref %q", ac.ID, ac.BackendRef)}
		}
		e.systemMsgs[ac.ID] = ac.SystemMessage
		e.runners[ac.ID] = runner.New(runner.Config{
			AgentID:  ac.ID,
			Backend:  backend,
			Registry: deps.Registry,
			Governor: deps.Governor,
			Control:  e,
			Policy:   e,
			Logger:   deps.Logger.Named("runner"),
			Tracer:   deps.Tracer,
		})
	}
	return e, nil
}

// Coordinate starts coordination and returns the chunk stream. The
// stream terminates with a FinalAnswer chunk (or an error chunk) and
// then closes. Err reports the terminal error, if any, once the stream
// has closed.
func (e *Engine) Coordinate(ctx context.Context, task Task) <-chan types.StreamChunk {
	sub := e.bus.Subscribe("coordinate", 0)
	gctx, gcancel := e.gov.StartGlobal(ctx)

	go func() {
		defer e.bus.Close()
		defer gcancel()

		err := e.coordinate(gctx, task)
		e.errMu.Lock()
		e.runErr = err
		e.errMu.Unlock()

		if err != nil {
			e.logger.Error("coordination failed", zap.Error(err))
		}
	}()

	return sub.Chunks()
}

// Err returns the terminal coordination error. Valid once the stream
// returned by Coordinate has closed.
func (e *Engine) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.runErr
}

func (e *Engine) coordinate(ctx context.Context, task Task) error {
	ctx, span := e.tracer.StartSpan(ctx, "engine.coordinate",
		observability.WithAttribute("task_id", task.ID))
	defer e.tracer.EndSpan(span)

	if e.store != nil {
		if err := e.store.SaveTask(task.ID, task.Prompt, e.cfg); err != nil {
			e.logger.Warn("cannot persist task record", zap.Error(err))
		}
	}

	e.mu.Lock()
	e.taskContext = task.Context
	e.mu.Unlock()

	prompt := task.Prompt
	maxAttempts := e.cfg.Orchestrator.Coordination.MaxOrchestrationRestarts + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome := e.runAttempt(ctx, attempt, prompt)

		switch outcome.kind {
		case attemptDone:
			e.publish("", types.SourceOrchestrator, types.NewFinalAnswerChunk(outcome.finalAnswer))
			return nil

		case attemptRestart:
			e.logger.Info("restarting coordination",
				zap.Int("attempt", attempt),
				zap.String("reason", outcome.restartReason))
			e.publish("", types.SourceOrchestrator,
				types.NewContentChunk("restarting coordination: "+outcome.restartReason))
			prompt = e.tmpl.RestartedTask(task.Prompt, outcome.restartReason)

		case attemptFailed:
			if outcome.err != nil {
				e.publish("", types.SourceOrchestrator,
					types.NewErrorChunk(string(errKindOf(outcome.err)), outcome.err.Error()))
				return outcome.err
			}
			e.publish("", types.SourceOrchestrator, types.NewFinalAnswerChunk(outcome.finalAnswer))
			e.mu.Lock()
			anyContent := e.anyContent
			e.mu.Unlock()
			if !anyContent {
				return &CoordinationError{Kind: ErrNoContent,
					Message: "no agent produced any content across all attempts"}
			}
			return nil
		}
	}

	// The last attempt skips the restart gate, so this is unreachable;
	// kept as a hard stop on the attempt cap.
	return nil
}

func errKindOf(err error) CoordinationErrorKind {
	if ce, ok := err.(*CoordinationError); ok {
		return ce.Kind
	}
	return "internal"
}

// runAttempt executes one Setup -> Running -> Deciding -> Presenting
// cycle.
func (e *Engine) runAttempt(ctx context.Context, attempt int, prompt string) attemptOutcome {
	e.logger.Info("coordination attempt starting",
		zap.Int("attempt", attempt),
		zap.Int("agents", len(e.cfg.Agents)))

	e.mu.Lock()
	e.attempt = attempt
	e.presenting = false
	e.winner = ""
	e.taskPrompt = prompt
	e.agents = make(map[string]*AgentState, len(e.cfg.Agents))
	e.order = e.order[:0]
	for i, ac := range e.cfg.Agents {
		e.agents[ac.ID] = &AgentState{ID: ac.ID, DeclIndex: i, Status: StatusIdle}
		e.order = append(e.order, ac.ID)
	}
	events := make(chan turnEvent, 1024)
	e.events = events
	e.mu.Unlock()

	e.gov.ResetAttempt()
	e.gov.SetEnforceGlobal(true)
	e.perms.SetPhase(permission.PhaseRunning)
	e.perms.SetWinner("")

	for _, ac := range e.cfg.Agents {
		if _, err := e.workspaces.Ensure(ac.ID); err != nil {
			return attemptOutcome{kind: attemptFailed,
				err: &CoordinationError{Kind: "internal", Message: fmt.Sprintf("workspace setup: %v", err)}}
		}
	}

	if e.cfg.Orchestrator.SkipCoordinationRounds {
		e.mu.Lock()
		winner := e.order[0]
		e.mu.Unlock()
		e.logger.Info("skipping coordination rounds", zap.String("winner", winner))
		return e.present(ctx, attempt, winner)
	}

	e.mu.Lock()
	peers := e.peerAnswersLocked()
	votes := e.voteRecordsLocked()
	e.mu.Unlock()
	for _, id := range e.order {
		e.launchTurn(ctx, id, e.tmpl.Initial(id, prompt, peers, votes))
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.cancelAllTurns()
			return attemptOutcome{kind: attemptFailed,
				err: &CoordinationError{Kind: ErrCancelled, Message: ctx.Err().Error()}}
		case <-ticker.C:
		case ev := <-events:
			e.handleEvent(ctx, ev)
		}

		if kind, exceeded := e.gov.GlobalExceeded(); exceeded {
			e.logger.Warn("global budget exhausted", zap.String("kind", string(kind)))
			e.publish("", types.SourceOrchestrator,
				types.NewContentChunk("global budget exhausted: "+string(kind)))
			return e.terminalBranch(ctx, attempt)
		}

		e.mu.Lock()
		consensus := e.consensusLocked()
		anyActive := false
		for _, a := range e.agents {
			if a.Active() {
				anyActive = true
				break
			}
		}
		e.mu.Unlock()

		if consensus {
			e.cancelAllTurns()
			e.mu.Lock()
			winner := e.computeWinnerLocked()
			e.mu.Unlock()
			if winner == "" {
				return e.terminalBranch(ctx, attempt)
			}
			return e.present(ctx, attempt, winner)
		}
		if !anyActive {
			e.logger.Warn("all agents killed before consensus")
			return e.terminalBranch(ctx, attempt)
		}
	}
}

// terminalBranch decides how to end an attempt that cannot reach normal
// consensus (global budget exhausted, or every agent killed):
// an active candidate with an answer still presents; otherwise the
// fallback synthesizer summarizes collected answers; with nothing
// collected the attempt fails with a terminal message.
func (e *Engine) terminalBranch(ctx context.Context, attempt int) attemptOutcome {
	e.cancelAllTurns()

	e.mu.Lock()
	winner := e.computeWinnerLocked()
	collected := e.collectedAnswersLocked()
	e.mu.Unlock()

	if winner != "" {
		return e.present(ctx, attempt, winner)
	}

	if !e.cfg.Orchestrator.Timeout.EnableTimeoutFallback {
		return attemptOutcome{kind: attemptFailed,
			err: &CoordinationError{Kind: ErrTimeoutFallbackDisabled,
				Message: "no active candidate and timeout fallback is disabled"}}
	}

	if len(collected) > 0 {
		final := templates.FallbackSummary(collected)
		e.publish("", types.SourceOrchestrator, types.NewContentChunk(final))
		return attemptOutcome{kind: attemptDone, finalAnswer: final}
	}

	return attemptOutcome{kind: attemptFailed,
		finalAnswer: "no answers are available: every agent terminated before producing one"}
}

// handleEvent processes one runner event on the attempt's event loop.
func (e *Engine) handleEvent(ctx context.Context, ev turnEvent) {
	e.mu.Lock()
	a := e.agents[ev.AgentID]
	if a == nil || ev.epoch != a.Epoch {
		e.mu.Unlock()
		return
	}

	switch ev.Type {
	case runner.EventContent:
		e.anyContent = true
		a.TokensUsed = e.gov.AgentTokens(a.ID)
		e.mu.Unlock()
		e.publish(ev.AgentID, types.SourceAgent, types.NewContentChunk(ev.Text))

	case runner.EventToolCall:
		e.anyContent = true
		e.mu.Unlock()
		e.publish(ev.AgentID, types.SourceAgent,
			types.NewToolCallChunk(ev.Call.ID, ev.Call.Name, ev.Call.ArgumentsJSON))
		e.publish(ev.AgentID, types.SourceAgent,
			types.NewToolResultChunk(ev.Call.ID, ev.Result.Success, ev.Result.Payload()))

		if ev.Result.Success {
			switch ev.Call.Name {
			case types.ToolNewAnswer:
				e.afterAnswerAccepted(ctx, ev.AgentID)
			case types.ToolVote:
				// The voter has committed; its turn is over.
				e.gov.CancelAgent(ev.AgentID)
			}
		}

	case runner.EventEnd:
		e.handleTurnEnd(ctx, a, ev)

	case runner.EventError:
		e.mu.Unlock()
		e.handleRunnerError(ev)
	}
}

// handleTurnEnd deals with a turn that finished without the agent
// voting. One reminder, then the agent is killed as unresponsive.
// Called with the engine mutex held; releases it.
func (e *Engine) handleTurnEnd(ctx context.Context, a *AgentState, ev turnEvent) {
	if ev.EndReason == types.EndCancelled ||
		a.Status == StatusVoted || a.Status == StatusKilled {
		e.mu.Unlock()
		return
	}

	if !a.VoteReminded {
		a.VoteReminded = true
		targets := e.legalVoteTargetsLocked()
		peers := e.peerAnswersLocked()
		votes := e.voteRecordsLocked()
		taskPrompt := e.taskPrompt
		agentID := a.ID
		e.mu.Unlock()

		var prompt string
		if len(targets) > 0 {
			prompt = e.tmpl.VoteReminder(targets)
		} else {
			prompt = e.tmpl.PeerUpdate(agentID, taskPrompt, e.peerViewsFor(agentID, peers), votes)
		}
		e.launchTurn(ctx, agentID, prompt)
		return
	}

	agentID := a.ID
	e.mu.Unlock()
	e.kill(agentID, types.KillUnresponsive, "turn ended without a vote after reminder")
}

func (e *Engine) handleRunnerError(ev turnEvent) {
	// A global budget trip surfaces as a per-agent error first; leave it
	// to the loop's global check instead of killing the agent.
	if _, globalExceeded := e.gov.GlobalExceeded(); globalExceeded {
		return
	}

	switch ev.ErrKind {
	case runner.ErrKindTokenCap:
		e.kill(ev.AgentID, types.KillTokenCap, ev.Err.Error())
	case runner.ErrKindTimeout:
		e.kill(ev.AgentID, types.KillTimeout, ev.Err.Error())
	default:
		e.kill(ev.AgentID, types.KillBackendFailure, ev.Err.Error())
	}
}

// afterAnswerAccepted re-prompts every active, not-yet-voted agent with
// the updated peer view. The answerer keeps its current turn.
func (e *Engine) afterAnswerAccepted(ctx context.Context, answererID string) {
	e.mu.Lock()
	peers := e.peerAnswersLocked()
	votes := e.voteRecordsLocked()
	taskPrompt := e.taskPrompt
	reprompt := make([]string, 0, len(e.order))
	for _, id := range e.order {
		b := e.agents[id]
		if id != answererID && b.Active() && b.Status != StatusVoted {
			reprompt = append(reprompt, id)
		}
	}
	e.mu.Unlock()

	for _, id := range reprompt {
		e.launchTurn(ctx, id, e.tmpl.PeerUpdate(id, taskPrompt, e.peerViewsFor(id, peers), votes))
	}
}

// peerViewsFor materializes a read-only copy of each answering peer's
// latest workspace snapshot for the viewer and attaches the paths to a
// copy of the peer list. Peers without a snapshot are passed through
// unchanged.
func (e *Engine) peerViewsFor(viewerID string, peers []templates.PeerAnswer) []templates.PeerAnswer {
	out := append([]templates.PeerAnswer(nil), peers...)
	for i, p := range out {
		if p.AgentID == viewerID || p.Answer == "" {
			continue
		}
		view, err := e.workspaces.ReadView(viewerID, p.AgentID)
		if err != nil {
			e.logger.Debug("peer view unavailable",
				zap.String("viewer", viewerID),
				zap.String("peer", p.AgentID),
				zap.Error(err))
			continue
		}
		out[i].ViewPath = view
	}
	return out
}

// launchTurn cancels any turn the agent is still running and starts a
// new one with the given prompt.
func (e *Engine) launchTurn(ctx context.Context, agentID, prompt string) {
	e.mu.Lock()
	a := e.agents[agentID]
	if a == nil || !a.Active() || a.Status == StatusVoted {
		e.mu.Unlock()
		return
	}
	a.Epoch++
	epoch := a.Epoch
	a.Status = StatusStreaming
	events := e.events
	taskContext := e.taskContext
	e.mu.Unlock()

	// The governor's StartAgent replaces the stored cancel func, so the
	// previous turn must be cancelled before the new one registers.
	e.gov.CancelAgent(agentID)

	msgs := make([]types.Message, 0, len(taskContext)+2)
	if sys := e.systemMsgs[agentID]; sys != "" {
		msgs = append(msgs, types.Message{Role: "system", Content: sys})
	}
	msgs = append(msgs, taskContext...)
	msgs = append(msgs, types.Message{Role: "user", Content: prompt})

	turnCtx, _ := e.gov.StartAgent(ctx, agentID)
	evCh := e.runners[agentID].Run(turnCtx, msgs)

	go func(epoch int) {
		for ev := range evCh {
			select {
			case events <- turnEvent{Event: ev, epoch: epoch}:
			case <-turnCtx.Done():
				return
			}
		}
	}(epoch)
}

func (e *Engine) cancelAllTurns() {
	e.mu.Lock()
	ids := append([]string(nil), e.order...)
	e.mu.Unlock()
	for _, id := range ids {
		e.gov.CancelAgent(id)
	}
}

// kill marks the agent Killed and cancels its runner. The agent's
// latest answer stays visible as context but it can no longer be voted
// for or win.
func (e *Engine) kill(agentID string, reason types.KillReason, detail string) {
	e.mu.Lock()
	a := e.agents[agentID]
	if a == nil || a.Status == StatusKilled {
		e.mu.Unlock()
		return
	}
	a.Status = StatusKilled
	a.KilledReason = reason
	e.mu.Unlock()

	e.gov.CancelAgent(agentID)
	e.logger.Warn("agent killed",
		zap.String("agent_id", agentID),
		zap.String("reason", string(reason)),
		zap.String("detail", detail))
	e.publish(agentID, types.SourceOrchestrator,
		types.NewErrorChunk(string(reason), "agent removed from coordination: "+detail))
}

// publish attributes a chunk, puts it on the bus and appends it to the
// session transcript.
func (e *Engine) publish(agentID string, source types.ChunkSource, chunk types.Chunk) {
	e.mu.Lock()
	attempt := e.attempt
	e.mu.Unlock()

	sc := e.bus.Publish(types.StreamChunk{
		Chunk:   chunk,
		AgentID: agentID,
		Attempt: attempt,
		Source:  source,
	})
	if e.store != nil {
		if err := e.store.AppendChunk(attempt, sc); err != nil {
			e.logger.Warn("transcript append failed", zap.Error(err))
		}
	}
}
