// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package bus fans StreamChunks out to UI, logger and transcript
// subscribers. Publishing never blocks: each subscriber has a bounded
// delivery channel backed by an overflow queue drained by its own pump
// goroutine, so slow subscribers lag (observable via Lag) instead of
// stalling producers or losing chunks.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/massgen-labs/massgen/pkg/types"
)

// DefaultBufferSize is the per-subscriber delivery channel capacity.
const DefaultBufferSize = 256

// Bus is a multi-producer, multi-subscriber chunk fan-out.
//
// Sequence numbers are assigned at publish time under the bus lock, so
// every subscriber and the history observe the same total order.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	seq    int64
	hist   []types.StreamChunk
	closed atomic.Bool
	logger *zap.Logger

	totalPublished atomic.Int64
	totalLagged    atomic.Int64
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	Name string

	mu       sync.Mutex
	overflow []types.StreamChunk
	notify   chan struct{}
	out      chan types.StreamChunk
	done     chan struct{}
	closed   bool
}

// New creates an event bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a named subscriber. bufferSize <= 0 uses the
// default. The returned subscription must be closed by the caller (or the
// bus) to release its pump goroutine.
func (b *Bus) Subscribe(name string, bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	sub := &Subscription{
		Name:   name,
		notify: make(chan struct{}, 1),
		out:    make(chan types.StreamChunk, bufferSize),
		done:   make(chan struct{}),
	}
	go sub.pump()

	b.mu.Lock()
	b.subs[name] = sub
	b.mu.Unlock()

	b.logger.Debug("bus subscribe",
		zap.String("subscriber", name),
		zap.Int("buffer_size", bufferSize))
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	sub, ok := b.subs[name]
	if ok {
		delete(b.subs, name)
	}
	b.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Publish assigns the chunk its global sequence number and timestamp,
// appends it to the history, and enqueues it to every subscriber. Never
// blocks.
func (b *Bus) Publish(chunk types.StreamChunk) types.StreamChunk {
	if b.closed.Load() {
		return chunk
	}

	b.mu.Lock()
	b.seq++
	chunk.Sequence = b.seq
	if chunk.Timestamp.IsZero() {
		chunk.Timestamp = time.Now()
	}
	b.hist = append(b.hist, chunk)
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	b.totalPublished.Add(1)
	for _, sub := range subs {
		if lagged := sub.enqueue(chunk); lagged {
			b.totalLagged.Add(1)
		}
	}
	return chunk
}

// History returns a copy of every chunk published so far, in sequence
// order. Restart attempts keep publishing to the same bus, so the history
// spans all attempts of a task.
func (b *Bus) History() []types.StreamChunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	hist := make([]types.StreamChunk, len(b.hist))
	copy(hist, b.hist)
	return hist
}

// Stats returns total published chunks and total lagged deliveries.
func (b *Bus) Stats() (published, lagged int64) {
	return b.totalPublished.Load(), b.totalLagged.Load()
}

// Close shuts the bus down and closes all subscriber channels after their
// queues drain. Idempotent.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}

	b.logger.Debug("bus closed",
		zap.Int64("total_published", b.totalPublished.Load()),
		zap.Int64("total_lagged", b.totalLagged.Load()))
}

// Chunks returns the subscriber's delivery channel. It is closed when the
// subscription is closed and its queue has drained.
func (s *Subscription) Chunks() <-chan types.StreamChunk {
	return s.out
}

// Lag returns the number of chunks queued but not yet delivered.
func (s *Subscription) Lag() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.overflow) + len(s.out)
}

// enqueue appends the chunk to the overflow queue and wakes the pump.
// Returns true when the subscriber is lagging (queue was non-empty).
func (s *Subscription) enqueue(chunk types.StreamChunk) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	lagged := len(s.overflow) > 0
	s.overflow = append(s.overflow, chunk)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return lagged
}

// pump drains the overflow queue into the delivery channel. Only the pump
// blocks on a slow consumer, never a publisher.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.notify:
		case <-s.done:
			// Drain whatever is left, then exit.
			s.drain()
			return
		}
		s.drain()
	}
}

func (s *Subscription) drain() {
	for {
		s.mu.Lock()
		if len(s.overflow) == 0 {
			s.mu.Unlock()
			return
		}
		chunk := s.overflow[0]
		s.overflow = s.overflow[1:]
		s.mu.Unlock()

		s.out <- chunk
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}
