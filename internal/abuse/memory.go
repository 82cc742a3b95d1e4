package abuse

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

// MemoryGuard is a sharded in-process window. Shards are picked by sender.
type MemoryGuard struct {
	cfg    Config
	shards [shardCount]*shard
}

// NewMemoryGuard returns an empty guard.
func NewMemoryGuard(cfg Config) *MemoryGuard {
	g := &MemoryGuard{cfg: cfg.normalized()}
	for i := range g.shards {
		g.shards[i] = &shard{entries: make(map[string][]time.Time)}
	}
	return g
}

func (g *MemoryGuard) shardFor(senderID string) *shard {
	return g.shards[xxhash.Sum64String(senderID)%shardCount]
}

// Allow records the occurrence unless the sender already hit the limit in the window.
func (g *MemoryGuard) Allow(_ context.Context, senderID, contentHash string, at time.Time) (Decision, error) {
	sh := g.shardFor(senderID)
	key := senderID + "|" + contentHash
	cutoff := at.Add(-g.cfg.Window)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	live := prune(sh.entries[key], cutoff)
	if len(live) >= g.cfg.MaxDuplicates {
		sh.entries[key] = live
		return Decision{Allowed: false, Count: len(live)}, nil
	}
	live = append(live, at)
	sh.entries[key] = live
	return Decision{Allowed: true, Count: len(live)}, nil
}

// Forget drops one occurrence recorded at exactly at.
func (g *MemoryGuard) Forget(_ context.Context, senderID, contentHash string, at time.Time) error {
	sh := g.shardFor(senderID)
	key := senderID + "|" + contentHash

	sh.mu.Lock()
	defer sh.mu.Unlock()

	times := sh.entries[key]
	for i := len(times) - 1; i >= 0; i-- {
		if !times[i].Equal(at) {
			continue
		}
		rest := append(times[:i:i], times[i+1:]...)
		if len(rest) == 0 {
			delete(sh.entries, key)
		} else {
			sh.entries[key] = rest
		}
		return nil
	}
	return nil
}

// Sweep evicts expired entries from every shard and returns how many keys were dropped.
func (g *MemoryGuard) Sweep(now time.Time) int {
	cutoff := now.Add(-g.cfg.Window)
	dropped := 0
	for _, sh := range g.shards {
		sh.mu.Lock()
		for key, times := range sh.entries {
			live := prune(times, cutoff)
			if len(live) == 0 {
				delete(sh.entries, key)
				dropped++
				continue
			}
			sh.entries[key] = live
		}
		sh.mu.Unlock()
	}
	return dropped
}

// Len returns the number of tracked sender/hash keys.
func (g *MemoryGuard) Len() int {
	n := 0
	for _, sh := range g.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Reset clears all state.
func (g *MemoryGuard) Reset() {
	for _, sh := range g.shards {
		sh.mu.Lock()
		sh.entries = make(map[string][]time.Time)
		sh.mu.Unlock()
	}
}

// Run sweeps on the given interval until ctx is done.
func (g *MemoryGuard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = g.cfg.Window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.Sweep(now)
		}
	}
}

// prune keeps timestamps strictly newer than cutoff. Input is in insertion order.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0:0], times[i:]...)
}
