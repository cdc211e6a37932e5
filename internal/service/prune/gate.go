package prune

import (
	"context"
	"sync"
	"sync/atomic"
)

// Gate serializes maintenance work per persona: the decay worker and the
// pruner must never touch the same collection concurrently. The pruner waits
// for the gate; the decay worker only try-enters and skips the persona when
// it loses, and checks Contended between batches so a waiting pruner is
// never starved.
type Gate struct {
	mu      sync.Mutex
	entries map[string]*gateEntry
}

type gateEntry struct {
	token   chan struct{}
	waiters atomic.Int32
}

// NewGate returns an empty gate.
func NewGate() *Gate {
	return &Gate{entries: make(map[string]*gateEntry)}
}

func (g *Gate) entry(personaID string) *gateEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[personaID]
	if !ok {
		e = &gateEntry{token: make(chan struct{}, 1)}
		e.token <- struct{}{}
		g.entries[personaID] = e
	}
	return e
}

// TryEnter acquires the persona's gate without blocking.
func (g *Gate) TryEnter(personaID string) bool {
	select {
	case <-g.entry(personaID).token:
		return true
	default:
		return false
	}
}

// Enter blocks until the gate is free or ctx is done. While blocked the
// holder sees the gate as contended.
func (g *Gate) Enter(ctx context.Context, personaID string) error {
	e := g.entry(personaID)
	e.waiters.Add(1)
	defer e.waiters.Add(-1)
	select {
	case <-e.token:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave releases the persona's gate. Calling Leave without holding the gate
// is a programming error and panics via the channel send.
func (g *Gate) Leave(personaID string) {
	e := g.entry(personaID)
	select {
	case e.token <- struct{}{}:
	default:
		panic("prune: gate released while not held: " + personaID)
	}
}

// Contended reports whether someone is blocked in Enter for this persona.
func (g *Gate) Contended(personaID string) bool {
	return g.entry(personaID).waiters.Load() > 0
}
