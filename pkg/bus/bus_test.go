// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/massgen-labs/massgen/pkg/types"
)

func contentChunk(agentID, text string) types.StreamChunk {
	return types.StreamChunk{
		Chunk:   types.NewContentChunk(text),
		AgentID: agentID,
		Source:  types.SourceAgent,
	}
}

func TestPublishAssignsMonotonicSequence(t *testing.T) {
	b := New(nil)
	defer b.Close()
	sub := b.Subscribe("ui", 16)

	for i := 0; i < 5; i++ {
		b.Publish(contentChunk("a1", fmt.Sprintf("chunk %d", i)))
	}

	for i := 0; i < 5; i++ {
		select {
		case c := <-sub.Chunks():
			assert.Equal(t, int64(i+1), c.Sequence)
			assert.False(t, c.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("chunk not delivered")
		}
	}
}

func TestAllSubscribersSeeSameOrder(t *testing.T) {
	b := New(nil)
	subA := b.Subscribe("a", 0)
	subB := b.Subscribe("b", 0)

	const n = 100
	for i := 0; i < n; i++ {
		b.Publish(contentChunk("a1", fmt.Sprintf("%d", i)))
	}
	b.Close()

	var seqA, seqB []int64
	for c := range subA.Chunks() {
		seqA = append(seqA, c.Sequence)
	}
	for c := range subB.Chunks() {
		seqB = append(seqB, c.Sequence)
	}
	require.Len(t, seqA, n)
	assert.Equal(t, seqA, seqB)
}

func TestSlowSubscriberNeverBlocksPublisher(t *testing.T) {
	b := New(nil)
	defer b.Close()
	sub := b.Subscribe("slow", 1) // tiny delivery buffer, never read

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10_000; i++ {
			b.Publish(contentChunk("a1", "x"))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	published, lagged := b.Stats()
	assert.Equal(t, int64(10_000), published)
	assert.Greater(t, lagged, int64(0))
	assert.Greater(t, sub.Lag(), 0)
}

func TestHistorySpansEverything(t *testing.T) {
	b := New(nil)
	defer b.Close()

	b.Publish(contentChunk("a1", "one"))
	b.Publish(contentChunk("a2", "two"))

	hist := b.History()
	require.Len(t, hist, 2)
	assert.Equal(t, "one", hist[0].Text)
	assert.Equal(t, "two", hist[1].Text)
}

func TestCloseDrainsQueuedChunks(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("late", 4)

	const n = 50
	for i := 0; i < n; i++ {
		b.Publish(contentChunk("a1", "x"))
	}
	b.Close()

	count := 0
	for range sub.Chunks() {
		count++
	}
	assert.Equal(t, n, count, "close must drain queued chunks before closing the channel")
}

func TestPublishAfterCloseIsNoOp(t *testing.T) {
	b := New(nil)
	b.Close()
	b.Publish(contentChunk("a1", "lost"))
	assert.Empty(t, b.History())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)
	defer b.Close()
	sub := b.Subscribe("tmp", 4)
	b.Unsubscribe("tmp")

	select {
	case _, ok := <-sub.Chunks():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("unsubscribe must close the subscriber channel")
	}
}
