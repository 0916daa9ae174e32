// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/massgen-labs/massgen/pkg/templates"
	"github.com/massgen-labs/massgen/pkg/types"
)

// AgentStatus is the per-agent coordination status.
type AgentStatus string

const (
	StatusIdle            AgentStatus = "idle"
	StatusStreaming       AgentStatus = "streaming"
	StatusAnsweredWaiting AgentStatus = "answered_waiting"
	StatusVoted           AgentStatus = "voted"
	StatusKilled          AgentStatus = "killed"
)

// Vote is one agent's recorded vote.
type Vote struct {
	Target string
	Reason string
}

// AgentState is one row of the engine-owned state table. All access is
// serialized under the engine mutex.
type AgentState struct {
	ID            string
	DeclIndex     int
	Status        AgentStatus
	Answer        string
	AnswerVersion int
	AnswerCount   int
	Vote          *Vote
	TokensUsed    int
	KilledReason  types.KillReason

	// FirstAnswerAt is the time the first answer was accepted. Used as
	// the second tie-break at Deciding.
	FirstAnswerAt time.Time

	// PlannedActions collects planning-mode interceptions; they are
	// appended to the peer-visible answer.
	PlannedActions []string

	// VoteReminded marks that the one vote reminder was already sent;
	// a second stall kills the agent.
	VoteReminded bool

	// Epoch increments on every turn relaunch; events from older turns
	// are dropped.
	Epoch int
}

// EffectiveAnswer is the peer-visible answer: the accepted answer plus
// any planned actions recorded for this agent.
func (a *AgentState) EffectiveAnswer() string {
	if len(a.PlannedActions) == 0 {
		return a.Answer
	}
	var sb strings.Builder
	sb.WriteString(a.Answer)
	if a.Answer != "" {
		sb.WriteString("\n")
	}
	sb.WriteString("Planned actions:\n")
	for _, p := range a.PlannedActions {
		sb.WriteString(p + "\n")
	}
	return sb.String()
}

// Active reports whether the agent is still a coordination participant.
func (a *AgentState) Active() bool {
	return a.Status != StatusKilled
}

// peerAnswersLocked snapshots the peer-answer view used for prompts.
// Caller holds the engine mutex.
func (e *Engine) peerAnswersLocked() []templates.PeerAnswer {
	peers := make([]templates.PeerAnswer, 0, len(e.order))
	for _, id := range e.order {
		a := e.agents[id]
		peers = append(peers, templates.PeerAnswer{
			AgentID: a.ID,
			Answer:  a.EffectiveAnswer(),
			Version: a.AnswerVersion,
			Killed:  a.Status == StatusKilled,
		})
	}
	return peers
}

// voteRecordsLocked snapshots the vote ledger in declaration order.
// Caller holds the engine mutex.
func (e *Engine) voteRecordsLocked() []templates.VoteRecord {
	votes := make([]templates.VoteRecord, 0, len(e.order))
	for _, id := range e.order {
		a := e.agents[id]
		if a.Vote != nil {
			votes = append(votes, templates.VoteRecord{
				Voter:  a.ID,
				Target: a.Vote.Target,
				Reason: a.Vote.Reason,
			})
		}
	}
	return votes
}

// legalVoteTargetsLocked returns the agents a voter may currently vote
// for: active agents holding a non-empty answer. Self-votes are legal.
// Caller holds the engine mutex.
func (e *Engine) legalVoteTargetsLocked() []string {
	targets := make([]string, 0, len(e.order))
	for _, id := range e.order {
		a := e.agents[id]
		if a.Active() && a.Answer != "" {
			targets = append(targets, id)
		}
	}
	return targets
}

// consensusLocked reports whether every active agent has voted, or is
// terminal with no legal vote target. Caller holds the engine mutex.
func (e *Engine) consensusLocked() bool {
	anyActive := false
	for _, a := range e.agents {
		if !a.Active() {
			continue
		}
		anyActive = true
		if a.Status != StatusVoted {
			return false
		}
	}
	return anyActive
}

// computeWinnerLocked selects the winner: plurality over votes whose
// targets are still active candidates, ties broken by highest answer
// version, then earliest first answer, then declaration order. Never
// random. Returns "" when no candidate exists.
//
// Caller holds the engine mutex.
func (e *Engine) computeWinnerLocked() string {
	candidates := make([]*AgentState, 0, len(e.order))
	for _, id := range e.order {
		a := e.agents[id]
		if a.Active() && a.Answer != "" {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return ""
	}

	tally := make(map[string]int)
	for _, a := range e.agents {
		if a.Vote == nil {
			continue
		}
		target, ok := e.agents[a.Vote.Target]
		if !ok || !target.Active() || target.Answer == "" {
			continue
		}
		tally[a.Vote.Target]++
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if tally[ci.ID] != tally[cj.ID] {
			return tally[ci.ID] > tally[cj.ID]
		}
		if ci.AnswerVersion != cj.AnswerVersion {
			return ci.AnswerVersion > cj.AnswerVersion
		}
		if !ci.FirstAnswerAt.Equal(cj.FirstAnswerAt) {
			return ci.FirstAnswerAt.Before(cj.FirstAnswerAt)
		}
		return ci.DeclIndex < cj.DeclIndex
	})
	return candidates[0].ID
}

// collectedAnswersLocked returns every answer collected in this attempt,
// active and killed agents alike. Caller holds the engine mutex.
func (e *Engine) collectedAnswersLocked() []templates.PeerAnswer {
	answers := make([]templates.PeerAnswer, 0, len(e.order))
	for _, id := range e.order {
		a := e.agents[id]
		if a.Answer == "" {
			continue
		}
		answers = append(answers, templates.PeerAnswer{
			AgentID: a.ID,
			Answer:  a.EffectiveAnswer(),
			Version: a.AnswerVersion,
			Killed:  a.Status == StatusKilled,
		})
	}
	return answers
}
