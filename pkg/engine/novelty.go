// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import (
	"strings"
	"unicode"
)

// Novelty gate thresholds: an answer whose multiset Jaccard overlap with
// the agent's previous answer exceeds the threshold is rejected.
const (
	noveltyThresholdBalanced = 0.70
	noveltyThresholdStrict   = 0.50
)

var noveltyStopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "of": true, "to": true,
	"in": true, "on": true, "at": true, "and": true, "or": true,
	"it": true, "this": true, "that": true, "for": true, "with": true,
}

// answerIsNovel applies the configured novelty requirement to a new
// answer given the agent's previous one. Lenient always accepts.
func answerIsNovel(requirement, previous, candidate string) bool {
	var threshold float64
	switch requirement {
	case "balanced":
		threshold = noveltyThresholdBalanced
	case "strict":
		threshold = noveltyThresholdStrict
	default:
		return true
	}
	if previous == "" {
		return true
	}
	return jaccardOverlap(previous, candidate) <= threshold
}

// jaccardOverlap computes the multiset Jaccard similarity of the two
// texts after normalization.
func jaccardOverlap(a, b string) float64 {
	ta := normalizeTokens(a)
	tb := normalizeTokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1.0
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}

	counts := make(map[string]int, len(ta))
	for _, t := range ta {
		counts[t]++
	}

	intersection := 0
	for _, t := range tb {
		if counts[t] > 0 {
			counts[t]--
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	if union == 0 {
		return 1.0
	}
	return float64(intersection) / float64(union)
}

// normalizeTokens lowercases, splits on whitespace and punctuation, and
// drops stop words. The result is a token multiset (duplicates kept).
func normalizeTokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if noveltyStopWords[f] {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}
