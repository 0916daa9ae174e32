// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package governor

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/massgen-labs/massgen/pkg/types"
)

// TokenCounter provides token counting for budget accounting.
// Uses tiktoken with cl100k_base encoding (a reasonable approximation
// across providers); falls back to char/4 estimation if the encoding
// cannot be loaded.
type TokenCounter struct {
	encoder *tiktoken.Tiktoken
	mu      sync.Mutex
}

var (
	globalTokenCounter *TokenCounter
	counterInitOnce    sync.Once
)

// GetTokenCounter returns the shared token counter instance.
func GetTokenCounter() *TokenCounter {
	counterInitOnce.Do(func() {
		tkm, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			globalTokenCounter = &TokenCounter{encoder: nil}
			return
		}
		globalTokenCounter = &TokenCounter{encoder: tkm}
	})
	return globalTokenCounter
}

// CountTokens returns the token count for a text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc.encoder == nil {
		return len(text) / 4
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	return len(tc.encoder.Encode(text, nil, nil))
}

// EstimateMessagesTokens estimates the token count of a conversation,
// including per-message formatting overhead.
func (tc *TokenCounter) EstimateMessagesTokens(messages []types.Message) int {
	total := 0
	for _, msg := range messages {
		// Role and formatting overhead, ~10 tokens per message.
		total += 10
		total += tc.CountTokens(msg.Content)
		for _, call := range msg.ToolCalls {
			total += tc.CountTokens(call.Name) + tc.CountTokens(call.ArgumentsJSON)
		}
	}
	return total
}
