// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnswerIsNovel(t *testing.T) {
	prev := "sort the slice with the standard library then walk it once to find duplicates"
	nearCopy := "sort the slice with the standard library, then walk it once to find duplicate"
	different := "put every element into a map and report keys seen more than once"

	tests := []struct {
		name        string
		requirement string
		previous    string
		candidate   string
		want        bool
	}{
		{"lenient accepts identical", "lenient", prev, prev, true},
		{"balanced rejects near copy", "balanced", prev, nearCopy, false},
		{"balanced accepts different", "balanced", prev, different, true},
		{"strict rejects near copy", "strict", prev, nearCopy, false},
		{"strict accepts different", "strict", prev, different, true},
		{"first answer always novel", "strict", "", prev, true},
		{"unknown level treated as lenient", "", prev, prev, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, answerIsNovel(tt.requirement, tt.previous, tt.candidate))
		})
	}
}

func TestJaccardOverlap(t *testing.T) {
	assert.Equal(t, 1.0, jaccardOverlap("same words here", "same words here"))
	assert.Equal(t, 0.0, jaccardOverlap("alpha beta gamma", "delta epsilon zeta"))

	// Case and punctuation do not count as differences.
	assert.Equal(t, 1.0, jaccardOverlap("Hello, World!", "hello world"))

	// Stop words are ignored entirely.
	assert.Equal(t, 1.0, jaccardOverlap("the answer is cache", "answer cache"))

	// Duplicates count: "go go go" shares one token with "go".
	overlap := jaccardOverlap("go go go", "go")
	assert.InDelta(t, 1.0/3.0, overlap, 1e-9)
}

func TestJaccardOverlapEmptyInputs(t *testing.T) {
	assert.Equal(t, 1.0, jaccardOverlap("", ""))
	assert.Equal(t, 0.0, jaccardOverlap("something", ""))
	assert.Equal(t, 0.0, jaccardOverlap("", "something"))
}

func TestNormalizeTokens(t *testing.T) {
	tokens := normalizeTokens("The Quick-Brown fox, jumps! (over) the lazy dog.")
	assert.Equal(t, []string{"quick", "brown", "fox", "jumps", "over", "lazy", "dog"}, tokens)
}
