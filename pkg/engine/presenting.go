// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/massgen-labs/massgen/pkg/permission"
	"github.com/massgen-labs/massgen/pkg/runner"
	"github.com/massgen-labs/massgen/pkg/session"
	"github.com/massgen-labs/massgen/pkg/templates"
	"github.com/massgen-labs/massgen/pkg/types"
)

// present runs the winner's final presentation, finalizes workspace
// delivery, and runs the restart gate. The winner's tools are
// unfiltered here: planning-mode interceptions and context-path write
// downgrades only apply while coordination runs.
func (e *Engine) present(ctx context.Context, attempt int, winnerID string) attemptOutcome {
	e.mu.Lock()
	e.presenting = true
	e.winner = winnerID
	peers := e.peerAnswersLocked()
	votes := e.voteRecordsLocked()
	taskPrompt := e.taskPrompt
	winnerAnswer := e.agents[winnerID].EffectiveAnswer()
	e.mu.Unlock()

	// A winner selected at the deadline still gets to present.
	e.gov.SetEnforceGlobal(false)
	e.gov.ResetAttempt()
	e.perms.SetPhase(permission.PhasePresenting)
	e.perms.SetWinner(winnerID)

	e.logger.Info("winner selected",
		zap.Int("attempt", attempt),
		zap.String("winner", winnerID),
		zap.Int("votes", len(votes)))
	e.publish("", types.SourceOrchestrator,
		types.NewContentChunk("winner selected: "+winnerID))

	if e.store != nil {
		records := make([]session.VoteRecord, len(votes))
		for i, v := range votes {
			records[i] = session.VoteRecord{Voter: v.Voter, Target: v.Target, Reason: v.Reason}
		}
		if err := e.store.SaveVotes(attempt, records); err != nil {
			e.logger.Warn("cannot persist votes", zap.Error(err))
		}
	}

	final := e.cfg.Orchestrator.DebugFinalAnswer
	if final != "" {
		e.publish(winnerID, types.SourceAgent, types.NewContentChunk(final))
	} else {
		prompt := e.tmpl.FinalPresentation(winnerID, taskPrompt, e.peerViewsFor(winnerID, peers), votes)
		text, err := e.runWinnerTurn(ctx, winnerID, prompt)
		if err != nil {
			e.logger.Warn("presentation turn failed, using stored answer",
				zap.String("winner", winnerID),
				zap.Error(err))
		}
		if strings.TrimSpace(text) == "" {
			text = winnerAnswer
		}
		final = text
	}

	if written, err := e.workspaces.Finalize(winnerID, e.contextPaths); err != nil {
		e.logger.Warn("workspace finalize failed", zap.Error(err))
	} else if len(written) > 0 {
		e.publish("", types.SourceOrchestrator,
			types.NewContentChunk("delivered "+strings.Join(written, ", ")))
	}

	if reason, restart := e.restartGate(ctx, attempt, winnerID, taskPrompt, final); restart {
		return attemptOutcome{kind: attemptRestart, restartReason: reason}
	}
	return attemptOutcome{kind: attemptDone, finalAnswer: final}
}

// restartGate asks the winner to self-evaluate the final answer. Only
// runs while restarts remain; the attempt cap is enforced by never
// asking on the last allowed attempt.
func (e *Engine) restartGate(ctx context.Context, attempt int, winnerID, taskPrompt, final string) (string, bool) {
	maxRestarts := e.cfg.Orchestrator.Coordination.MaxOrchestrationRestarts
	if maxRestarts <= 0 || attempt > maxRestarts {
		return "", false
	}

	prompt := e.tmpl.SelfEvaluation(winnerID, taskPrompt, final, attempt, maxRestarts)
	text, err := e.runWinnerTurn(ctx, winnerID, prompt)
	if err != nil {
		e.logger.Warn("self-evaluation failed, submitting",
			zap.String("winner", winnerID),
			zap.Error(err))
		return "", false
	}

	decision := templates.ParseSelfEvaluation(text)
	if !decision.Restart {
		return "", false
	}
	reason := decision.Reason
	if reason == "" {
		reason = "previous attempt judged insufficient by the winner"
	}
	return reason, true
}

// runWinnerTurn executes one presentation-phase turn for the winner and
// returns the accumulated text output.
func (e *Engine) runWinnerTurn(ctx context.Context, winnerID, prompt string) (string, error) {
	msgs := make([]types.Message, 0, 2)
	if sys := e.systemMsgs[winnerID]; sys != "" {
		msgs = append(msgs, types.Message{Role: "system", Content: sys})
	}
	msgs = append(msgs, types.Message{Role: "user", Content: prompt})

	turnCtx, cancel := e.gov.StartAgent(ctx, winnerID)
	defer cancel()

	var sb strings.Builder
	for ev := range e.runners[winnerID].Run(turnCtx, msgs) {
		switch ev.Type {
		case runner.EventContent:
			sb.WriteString(ev.Text)
			e.publish(winnerID, types.SourceAgent, types.NewContentChunk(ev.Text))
		case runner.EventToolCall:
			e.publish(winnerID, types.SourceAgent,
				types.NewToolCallChunk(ev.Call.ID, ev.Call.Name, ev.Call.ArgumentsJSON))
			e.publish(winnerID, types.SourceAgent,
				types.NewToolResultChunk(ev.Call.ID, ev.Result.Success, ev.Result.Payload()))
		case runner.EventError:
			return sb.String(), ev.Err
		case runner.EventEnd:
			return sb.String(), nil
		}
	}
	return sb.String(), nil
}
