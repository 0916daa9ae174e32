// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package templates builds every prompt the engine sends to agents.
// All builders are pure functions of the coordination state passed in;
// the engine decides when to prompt, templates decide what to say.
package templates

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// PeerAnswer is one agent's currently-accepted answer as seen by peers.
// ViewPath, when set, is a read-only copy of the answering agent's
// workspace snapshot, materialized for the agent being prompted.
type PeerAnswer struct {
	AgentID  string
	Answer   string
	Version  int
	Killed   bool
	ViewPath string
}

// VoteRecord is one recorded vote.
type VoteRecord struct {
	Voter  string
	Target string
	Reason string
}

// Templates renders coordination prompts. Construct once per task.
type Templates struct {
	votingSensitivity   string
	planningEnabled     bool
	planningInstruction string
}

// New creates a template set. sensitivity is lenient, balanced or
// strict; planningInstruction overrides the default wording when
// planning mode is enabled.
func New(sensitivity string, planningEnabled bool, planningInstruction string) *Templates {
	if planningInstruction == "" {
		planningInstruction = defaultPlanningInstruction
	}
	return &Templates{
		votingSensitivity:   sensitivity,
		planningEnabled:     planningEnabled,
		planningInstruction: planningInstruction,
	}
}

const defaultPlanningInstruction = "Coordination is running in planning mode: do not execute actions " +
	"with side effects yet. Describe each intended action in your answer instead. " +
	"The winning agent will execute the plan during final presentation."

// Initial builds the first prompt for an agent in a coordination attempt.
func (t *Templates) Initial(agentID, taskPrompt string, peers []PeerAnswer, votes []VoteRecord) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("You are agent %s in a multi-agent coordination session.\n\n", agentID))
	sb.WriteString(fmt.Sprintf("Task: %s\n\n", taskPrompt))
	sb.WriteString("Work on the task and submit your best answer with the new_answer tool.\n")
	sb.WriteString("When an existing answer (yours or a peer's) fully solves the task, ")
	sb.WriteString("vote for its agent with the vote tool instead of writing another one.\n\n")

	t.writePeerSection(&sb, agentID, peers)
	t.writeVoteSection(&sb, votes)
	t.writeVotingBar(&sb)

	if t.planningEnabled {
		sb.WriteString("\n")
		sb.WriteString(t.planningInstruction)
		sb.WriteString("\n")
	}
	return sb.String()
}

// PeerUpdate builds the re-prompt sent when the shared state changed
// under an agent that has not yet voted.
func (t *Templates) PeerUpdate(agentID, taskPrompt string, peers []PeerAnswer, votes []VoteRecord) string {
	var sb strings.Builder
	sb.WriteString("The shared coordination state has changed.\n\n")
	sb.WriteString(fmt.Sprintf("Task: %s\n\n", taskPrompt))

	t.writePeerSection(&sb, agentID, peers)
	t.writeVoteSection(&sb, votes)

	sb.WriteString("Reassess: either submit an improved answer with new_answer, ")
	sb.WriteString("or vote for the agent whose answer best solves the task.\n")
	t.writeVotingBar(&sb)

	if t.planningEnabled {
		sb.WriteString("\n")
		sb.WriteString(t.planningInstruction)
		sb.WriteString("\n")
	}
	return sb.String()
}

// FinalPresentation builds the winner's presentation prompt. Killed
// peers' answers are included, labeled.
func (t *Templates) FinalPresentation(winnerID, taskPrompt string, peers []PeerAnswer, votes []VoteRecord) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("You are agent %s. Your answer won the coordination vote.\n\n", winnerID))
	sb.WriteString(fmt.Sprintf("Task: %s\n\n", taskPrompt))

	sb.WriteString("Vote summary:\n")
	for i, v := range votes {
		reason := truncate(v.Reason, 100)
		sb.WriteString(fmt.Sprintf("%d. %s voted for %s: %s\n", i+1, v.Voter, v.Target, reason))
	}
	if len(votes) == 0 {
		sb.WriteString("(no votes were recorded)\n")
	}
	sb.WriteString("\n")

	t.writePeerSection(&sb, winnerID, peers)

	sb.WriteString("Present the final answer to the user now. Incorporate the strongest ")
	sb.WriteString("points from the peer answers above where they improve yours. ")
	sb.WriteString("If the task requires delivering files, write them to the permitted ")
	sb.WriteString("context paths during this step.\n")
	return sb.String()
}

// SelfEvaluation builds the restart-gate prompt asking the winner to
// submit or restart.
func (t *Templates) SelfEvaluation(winnerID, taskPrompt, finalAnswer string, attempt, maxRestarts int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("You are agent %s. Evaluate the final answer you just presented.\n\n", winnerID))
	sb.WriteString(fmt.Sprintf("Task: %s\n\n", taskPrompt))
	sb.WriteString(fmt.Sprintf("Final answer:\n%s\n\n", finalAnswer))
	sb.WriteString(fmt.Sprintf("This was attempt %d of at most %d.\n\n", attempt, maxRestarts+1))
	sb.WriteString("Does this answer fully satisfy the task? Reply in the following format:\n\n")
	sb.WriteString("DECISION: <submit|restart>\n")
	sb.WriteString("REASON: <if restarting, the concrete improvement the next attempt should make>\n\n")
	sb.WriteString("Choose restart only when you can name a specific deficiency.\n")
	return sb.String()
}

// RestartedTask appends the restart reason to the task prompt for the
// next attempt.
func (t *Templates) RestartedTask(taskPrompt, reason string) string {
	var sb strings.Builder
	sb.WriteString(taskPrompt)
	sb.WriteString("\n\nA previous attempt was restarted with this improvement request: ")
	sb.WriteString(reason)
	sb.WriteString("\n")
	return sb.String()
}

// SelfEvalDecision is the parsed outcome of a self-evaluation reply.
type SelfEvalDecision struct {
	Restart bool
	Reason  string
}

// ParseSelfEvaluation extracts the DECISION/REASON lines from the
// winner's self-evaluation output. Anything unparseable means submit.
func ParseSelfEvaluation(output string) SelfEvalDecision {
	decision := SelfEvalDecision{}
	reasonLines := make([]string, 0)
	inReason := false

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		lineUpper := strings.ToUpper(line)

		if strings.HasPrefix(lineUpper, "DECISION:") {
			choice := strings.ToLower(strings.TrimSpace(line[len("DECISION:"):]))
			decision.Restart = strings.HasPrefix(choice, "restart")
			inReason = false
		} else if strings.HasPrefix(lineUpper, "REASON:") {
			text := strings.TrimSpace(line[len("REASON:"):])
			if text != "" {
				reasonLines = append(reasonLines, text)
			}
			inReason = true
		} else if inReason && line != "" {
			reasonLines = append(reasonLines, line)
		}
	}

	decision.Reason = strings.Join(reasonLines, "\n")
	return decision
}

// NoveltyRejection builds the feedback returned when a new answer is
// too similar to the agent's previous one. Includes a compact diff so
// the agent sees how little changed.
func (t *Templates) NoveltyRejection(previous, rejected string) string {
	var sb strings.Builder
	sb.WriteString("Your new answer was rejected: it is too similar to your previous answer.\n")
	sb.WriteString("Submit a materially different answer, or vote for the best existing one.\n")

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(previous, rejected, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	changed := make([]string, 0)
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			changed = append(changed, "+"+truncate(d.Text, 60))
		case diffmatchpatch.DiffDelete:
			changed = append(changed, "-"+truncate(d.Text, 60))
		}
	}
	if len(changed) > 0 {
		sb.WriteString("Only these parts differed:\n")
		for _, c := range changed {
			sb.WriteString("  " + c + "\n")
		}
	}
	return sb.String()
}

// AnswerCapReached builds the feedback returned when the per-agent
// answer cap is hit.
func (t *Templates) AnswerCapReached(limit int) string {
	return fmt.Sprintf("You have reached the maximum of %d answers for this task. "+
		"Your latest answer stands. Use the vote tool to pick the best answer now.", limit)
}

// InvalidVoteTarget builds the feedback returned for a vote naming an
// illegal target.
func (t *Templates) InvalidVoteTarget(target string, valid []string) string {
	sorted := append([]string(nil), valid...)
	sort.Strings(sorted)
	return fmt.Sprintf("Invalid vote target %q. Valid targets (agents with an accepted answer): %s. "+
		"Vote again with one of these.", target, strings.Join(sorted, ", "))
}

// PlannedActionNotice builds the feedback returned when planning mode
// intercepts a side-effectful tool call.
func (t *Templates) PlannedActionNotice(toolName, argsJSON string) string {
	return fmt.Sprintf("Planning mode: %s(%s) was recorded as a planned action, not executed. "+
		"It will run during final presentation if your answer wins.", toolName, truncate(argsJSON, 200))
}

// PlannedActionEntry renders the line appended to the agent's answer
// buffer for an intercepted call.
func (t *Templates) PlannedActionEntry(toolName, argsJSON string) string {
	return fmt.Sprintf("[planned] %s %s", toolName, truncate(argsJSON, 200))
}

// VoteReminder builds the re-prompt sent to an agent that finished its
// turn without voting while legal targets exist.
func (t *Templates) VoteReminder(valid []string) string {
	sorted := append([]string(nil), valid...)
	sort.Strings(sorted)
	var sb strings.Builder
	sb.WriteString("Your turn ended without a vote. Coordination cannot finish until every ")
	sb.WriteString("active agent votes.\n")
	sb.WriteString(fmt.Sprintf("Valid targets: %s.\n", strings.Join(sorted, ", ")))
	sb.WriteString("Use the vote tool now, or submit a better answer with new_answer.\n")
	return sb.String()
}

// FallbackSummary synthesizes the orchestrator-generated final answer
// used when the global timeout fires and no active agent holds an
// answer. Deterministic for a given set of answers: same input, same
// output.
func FallbackSummary(answers []PeerAnswer) string {
	sorted := append([]PeerAnswer(nil), answers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentID < sorted[j].AgentID })

	var sb strings.Builder
	sb.WriteString("[orchestrator-generated] Coordination timed out before a winner was selected.\n")
	sb.WriteString("Summary of collected answers:\n\n")
	for _, p := range sorted {
		if p.Answer == "" {
			continue
		}
		sb.WriteString(fmt.Sprintf("--- %s (version %d) ---\n", p.AgentID, p.Version))
		sb.WriteString(truncate(p.Answer, 500))
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func (t *Templates) writePeerSection(sb *strings.Builder, selfID string, peers []PeerAnswer) {
	withAnswers := make([]PeerAnswer, 0, len(peers))
	for _, p := range peers {
		if p.Answer != "" {
			withAnswers = append(withAnswers, p)
		}
	}
	if len(withAnswers) == 0 {
		sb.WriteString("No answers have been submitted yet.\n\n")
		return
	}

	sb.WriteString("Current answers:\n")
	for i, p := range withAnswers {
		label := p.AgentID
		if p.AgentID == selfID {
			label += " (you)"
		}
		if p.Killed {
			label += " (agent no longer active; answer shown for context only, not a valid vote target)"
		}
		sb.WriteString(fmt.Sprintf("%d. %s (version %d):\n%s\n", i+1, label, p.Version, p.Answer))
		if p.ViewPath != "" {
			sb.WriteString(fmt.Sprintf("Workspace files of %s (read-only copy): %s\n", p.AgentID, p.ViewPath))
		}
		sb.WriteString("\n")
	}
}

func (t *Templates) writeVoteSection(sb *strings.Builder, votes []VoteRecord) {
	if len(votes) == 0 {
		return
	}
	sb.WriteString("Votes so far:\n")
	for i, v := range votes {
		reason := truncate(v.Reason, 100)
		sb.WriteString(fmt.Sprintf("%d. %s voted for %s: %s\n", i+1, v.Voter, v.Target, reason))
	}
	sb.WriteString("\n")
}

func (t *Templates) writeVotingBar(sb *strings.Builder) {
	switch t.votingSensitivity {
	case "strict":
		sb.WriteString("Vote only when an answer is complete, correct and you cannot improve it in any way.\n")
	case "balanced":
		sb.WriteString("Vote when an answer solves the task well; submit a new answer only for substantive improvements.\n")
	default: // lenient
		sb.WriteString("Vote as soon as any answer adequately addresses the task.\n")
	}
}

// truncate cuts s to at most max bytes on a rune boundary.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "..."
}
