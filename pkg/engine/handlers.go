// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/massgen-labs/massgen/pkg/tools"
	"github.com/massgen-labs/massgen/pkg/types"
)

// HandleControl applies new_answer and vote calls to the shared state.
// Called from runner goroutines; all mutation happens under the engine
// mutex. Every failure is a soft result the agent can react to.
func (e *Engine) HandleControl(ctx context.Context, agentID string, call types.ToolCall) *tools.Result {
	switch call.Name {
	case types.ToolNewAnswer:
		return e.handleNewAnswer(agentID, call)
	case types.ToolVote:
		return e.handleVote(agentID, call)
	default:
		return tools.Fail(tools.CodeUnknownTool,
			fmt.Sprintf("not a control tool: %s", call.Name), "")
	}
}

func (e *Engine) handleNewAnswer(agentID string, call types.ToolCall) *tools.Result {
	args, err := call.Arguments()
	if err != nil {
		return tools.Fail(tools.CodeInvalidParams, err.Error(), "")
	}
	content, _ := args["content"].(string)
	if content == "" {
		return tools.Fail(tools.CodeInvalidParams, "content must be a non-empty string", "")
	}

	e.mu.Lock()
	a := e.agents[agentID]
	if a == nil || e.presenting {
		e.mu.Unlock()
		return tools.Fail(tools.CodeInvalidParams, "coordination round is over", "")
	}
	if a.Status == StatusVoted {
		e.mu.Unlock()
		return tools.Fail(tools.CodeInvalidParams,
			"you already voted; no further tool calls are accepted", "")
	}
	if a.Status == StatusKilled {
		e.mu.Unlock()
		return tools.Fail(tools.CodeInvalidParams, "agent is no longer participating", "")
	}

	// Novelty gate: a rejection is soft and does not charge the cap.
	if !answerIsNovel(e.cfg.Orchestrator.AnswerNoveltyRequirement, a.Answer, content) {
		previous := a.Answer
		e.mu.Unlock()
		feedback := e.tmpl.NoveltyRejection(previous, content)
		e.publish(agentID, types.SourceOrchestrator, types.NewContentChunk(feedback))
		return tools.Fail(tools.CodeNoveltyRejected,
			"answer rejected: too similar to your previous answer", feedback)
	}

	if limit := e.cfg.Orchestrator.MaxNewAnswersPerAgent; limit > 0 && a.AnswerCount >= limit {
		e.mu.Unlock()
		feedback := e.tmpl.AnswerCapReached(limit)
		e.publish(agentID, types.SourceOrchestrator, types.NewContentChunk(feedback))
		return tools.Fail(tools.CodeAnswerCapReached,
			fmt.Sprintf("answer cap of %d reached", limit), feedback)
	}

	a.Answer = content
	a.AnswerVersion++
	a.AnswerCount++
	a.Status = StatusAnsweredWaiting
	a.VoteReminded = false
	if a.FirstAnswerAt.IsZero() {
		a.FirstAnswerAt = time.Now()
	}
	version := a.AnswerVersion

	// Any pending vote for this agent is now stale.
	invalidated := make([]string, 0)
	for _, id := range e.order {
		b := e.agents[id]
		if b.Vote != nil && b.Vote.Target == agentID && b.Active() {
			b.Vote = nil
			b.VoteReminded = false
			if b.Answer != "" {
				b.Status = StatusAnsweredWaiting
			} else {
				b.Status = StatusStreaming
			}
			invalidated = append(invalidated, id)
		}
	}
	e.mu.Unlock()

	e.logger.Info("answer accepted",
		zap.String("agent_id", agentID),
		zap.Int("version", version),
		zap.Strings("votes_invalidated", invalidated))

	if snap, err := e.workspaces.Snapshot(agentID, version); err != nil {
		e.logger.Warn("workspace snapshot failed",
			zap.String("agent_id", agentID),
			zap.Error(err))
	} else {
		e.logger.Debug("snapshot taken", zap.String("snapshot_id", snap.ID))
	}
	if e.store != nil {
		e.store.IndexAnswer(e.currentAttempt(), agentID, version, content)
	}

	return tools.Succeed(map[string]interface{}{
		"accepted": true,
		"version":  version,
	})
}

func (e *Engine) handleVote(agentID string, call types.ToolCall) *tools.Result {
	args, err := call.Arguments()
	if err != nil {
		return tools.Fail(tools.CodeInvalidParams, err.Error(), "")
	}
	target, _ := args["target_agent_id"].(string)
	reason, _ := args["reason"].(string)

	e.mu.Lock()
	a := e.agents[agentID]
	if a == nil || e.presenting {
		e.mu.Unlock()
		return tools.Fail(tools.CodeInvalidParams, "coordination round is over", "")
	}
	if a.Status == StatusVoted {
		e.mu.Unlock()
		return tools.Fail(tools.CodeInvalidParams, "you already voted", "")
	}
	if a.Status == StatusKilled {
		e.mu.Unlock()
		return tools.Fail(tools.CodeInvalidParams, "agent is no longer participating", "")
	}

	t, ok := e.agents[target]
	if !ok || !t.Active() || t.Answer == "" {
		valid := e.legalVoteTargetsLocked()
		e.mu.Unlock()
		feedback := e.tmpl.InvalidVoteTarget(target, valid)
		return tools.Fail(tools.CodeInvalidVoteTarget, feedback, feedback)
	}

	a.Vote = &Vote{Target: target, Reason: reason}
	a.Status = StatusVoted
	e.mu.Unlock()

	e.logger.Info("vote recorded",
		zap.String("voter", agentID),
		zap.String("target", target))

	return tools.Succeed(map[string]interface{}{
		"recorded": true,
		"target":   target,
	})
}

// Intercept implements planning mode: while coordination runs with
// planning enabled, side-effectful backend tools are recorded as
// planned actions instead of executing. The winner's presentation turn
// is never filtered.
func (e *Engine) Intercept(agentID string, call types.ToolCall) (*tools.Result, bool) {
	e.mu.Lock()
	planningActive := e.cfg.Orchestrator.Coordination.EnablePlanningMode && !e.presenting
	if !planningActive {
		e.mu.Unlock()
		return nil, false
	}

	if tool, ok := e.registry.Get(call.Name); ok && tool.SideEffectFree() {
		e.mu.Unlock()
		return nil, false
	}

	a := e.agents[agentID]
	if a != nil {
		a.PlannedActions = append(a.PlannedActions, e.tmpl.PlannedActionEntry(call.Name, call.ArgumentsJSON))
	}
	e.mu.Unlock()

	notice := e.tmpl.PlannedActionNotice(call.Name, call.ArgumentsJSON)
	e.publish(agentID, types.SourceOrchestrator, types.NewContentChunk(notice))

	return &tools.Result{
		Success:  true,
		Data:     notice,
		Metadata: map[string]interface{}{"code": tools.CodePlannedAction},
	}, true
}

func (e *Engine) currentAttempt() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempt
}
