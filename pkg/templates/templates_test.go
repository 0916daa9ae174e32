// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package templates

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialPrompt(t *testing.T) {
	tmpl := New("lenient", false, "")
	prompt := tmpl.Initial("a1", "write a haiku", nil, nil)

	assert.Contains(t, prompt, "agent a1")
	assert.Contains(t, prompt, "write a haiku")
	assert.Contains(t, prompt, "new_answer")
	assert.Contains(t, prompt, "vote")
	assert.Contains(t, prompt, "No answers have been submitted yet")
	assert.NotContains(t, prompt, "planning mode")
}

func TestInitialPromptPlanningMode(t *testing.T) {
	tmpl := New("lenient", true, "")
	prompt := tmpl.Initial("a1", "deploy the service", nil, nil)
	assert.Contains(t, prompt, "planning mode")

	custom := New("lenient", true, "Plan, do not act.")
	assert.Contains(t, custom.Initial("a1", "deploy", nil, nil), "Plan, do not act.")
}

func TestVotingSensitivityWording(t *testing.T) {
	lenient := New("lenient", false, "").Initial("a1", "t", nil, nil)
	balanced := New("balanced", false, "").Initial("a1", "t", nil, nil)
	strict := New("strict", false, "").Initial("a1", "t", nil, nil)

	assert.Contains(t, lenient, "as soon as any answer adequately addresses")
	assert.Contains(t, balanced, "solves the task well")
	assert.Contains(t, strict, "cannot improve it in any way")
}

func TestPeerUpdateMarksSelfAndKilled(t *testing.T) {
	tmpl := New("lenient", false, "")
	peers := []PeerAnswer{
		{AgentID: "a1", Answer: "mine", Version: 2},
		{AgentID: "a2", Answer: "theirs", Version: 1, Killed: true},
		{AgentID: "a3"}, // no answer yet, omitted
	}
	prompt := tmpl.PeerUpdate("a1", "task", peers, nil)

	assert.Contains(t, prompt, "a1 (you)")
	assert.Contains(t, prompt, "not a valid vote target")
	assert.NotContains(t, prompt, "a3")
}

func TestPeerSectionIncludesWorkspaceViewPaths(t *testing.T) {
	tmpl := New("lenient", false, "")
	peers := []PeerAnswer{
		{AgentID: "a1", Answer: "mine", Version: 1},
		{AgentID: "a2", Answer: "theirs", Version: 1, ViewPath: "/tmp/views/a1/a2"},
	}
	prompt := tmpl.PeerUpdate("a1", "task", peers, nil)

	assert.Contains(t, prompt, "Workspace files of a2 (read-only copy): /tmp/views/a1/a2")
	assert.NotContains(t, prompt, "Workspace files of a1")

	final := tmpl.FinalPresentation("a1", "task", peers, nil)
	assert.Contains(t, final, "/tmp/views/a1/a2")
}

func TestFinalPresentationIncludesVoteSummary(t *testing.T) {
	tmpl := New("lenient", false, "")
	votes := []VoteRecord{
		{Voter: "a1", Target: "a2", Reason: "clear and complete"},
		{Voter: "a2", Target: "a2", Reason: "mine"},
	}
	prompt := tmpl.FinalPresentation("a2", "task", nil, votes)

	assert.Contains(t, prompt, "a1 voted for a2")
	assert.Contains(t, prompt, "a2 voted for a2")
	assert.Contains(t, prompt, "Present the final answer")
}

func TestParseSelfEvaluation(t *testing.T) {
	tests := []struct {
		name        string
		output      string
		wantRestart bool
		wantReason  string
	}{
		{
			"submit",
			"DECISION: submit\nREASON: the answer is complete",
			false, "the answer is complete",
		},
		{
			"restart with reason",
			"DECISION: restart\nREASON: missing the error handling section",
			true, "missing the error handling section",
		},
		{
			"multiline reason",
			"DECISION: restart\nREASON: two problems:\nno tests\nno docs",
			true, "two problems:\nno tests\nno docs",
		},
		{
			"case insensitive",
			"decision: Restart\nreason: tone is wrong",
			true, "tone is wrong",
		},
		{
			"surrounding prose",
			"Let me think.\n\nDECISION: submit\nREASON: good enough\nThanks.",
			false, "good enough\nThanks.",
		},
		{
			"garbage means submit",
			"I am not sure what you want from me.",
			false, "",
		},
		{
			"empty means submit",
			"",
			false, "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseSelfEvaluation(tt.output)
			assert.Equal(t, tt.wantRestart, got.Restart)
			assert.Equal(t, tt.wantReason, got.Reason)
		})
	}
}

func TestFallbackSummaryDeterministic(t *testing.T) {
	answers := []PeerAnswer{
		{AgentID: "a2", Answer: "second answer", Version: 3},
		{AgentID: "a1", Answer: "first answer", Version: 1},
	}
	first := FallbackSummary(answers)
	second := FallbackSummary([]PeerAnswer{answers[1], answers[0]})

	assert.Equal(t, first, second, "summary must not depend on input order")
	assert.Contains(t, first, "[orchestrator-generated]")
	assert.Less(t, strings.Index(first, "a1"), strings.Index(first, "a2"))
}

func TestFallbackSummaryTruncatesLongAnswers(t *testing.T) {
	long := strings.Repeat("x", 5000)
	summary := FallbackSummary([]PeerAnswer{{AgentID: "a1", Answer: long, Version: 1}})
	assert.Less(t, len(summary), 700, "answers are cut to 500 bytes plus framing")
	assert.Contains(t, summary, strings.Repeat("x", 500)+"...")
	assert.NotContains(t, summary, strings.Repeat("x", 501))
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	// "é" is two bytes; cutting at byte 2 would split it.
	assert.Equal(t, "h...", truncate("héllo", 2))
	assert.Equal(t, "hé...", truncate("héllo", 3))
	assert.Equal(t, "héllo", truncate("héllo", 6))
	assert.True(t, utf8.ValidString(truncate(strings.Repeat("日本語", 100), 50)))
}

func TestNoveltyRejectionShowsDiff(t *testing.T) {
	tmpl := New("lenient", false, "")
	feedback := tmpl.NoveltyRejection(
		"the cache should use LRU eviction",
		"the cache should use LFU eviction",
	)
	assert.Contains(t, feedback, "too similar")
	assert.Contains(t, feedback, "+")
	assert.Contains(t, feedback, "-")
}

func TestInvalidVoteTargetListsSortedValid(t *testing.T) {
	tmpl := New("lenient", false, "")
	msg := tmpl.InvalidVoteTarget("ghost", []string{"b", "a"})
	assert.Contains(t, msg, `"ghost"`)
	assert.Contains(t, msg, "a, b")
}

func TestVoteReminderListsTargets(t *testing.T) {
	tmpl := New("lenient", false, "")
	msg := tmpl.VoteReminder([]string{"a2", "a1"})
	assert.Contains(t, msg, "a1, a2")
	assert.Contains(t, msg, "vote")
}

func TestRestartedTaskCarriesReason(t *testing.T) {
	tmpl := New("lenient", false, "")
	prompt := tmpl.RestartedTask("original task", "add concrete numbers")
	require.Contains(t, prompt, "original task")
	assert.Contains(t, prompt, "add concrete numbers")
}
