// Package testutil provides deterministic helpers for tests: a per-transaction
// sequence clock and event stream builders.
package testutil

import "sync"

// SequenceClock hands out upstream-style sequence numbers, one counter per
// transaction id.
//
// The first call to Next for an id returns 1. Reset clears all counters so
// the same scenario can be replayed with identical numbers.
//
// Thread-safety: all methods are safe for concurrent use.
type SequenceClock struct {
	mu  sync.Mutex
	seq map[string]int64
}

// NewSequenceClock creates a clock with every counter at 0.
func NewSequenceClock() *SequenceClock {
	return &SequenceClock{seq: make(map[string]int64)}
}

// Next increments and returns the counter for id.
func (c *SequenceClock) Next(id string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq[id]++
	return c.seq[id]
}

// Current returns the counter for id without incrementing.
func (c *SequenceClock) Current(id string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq[id]
}

// Reset sets every counter back to 0.
func (c *SequenceClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = make(map[string]int64)
}
