// Package keylock serializes processing per conversation key so two
// inbound events for the same sender never race each other through the
// dispatcher.
package keylock

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultIdleTimeout is the idle window after which an unused key's
// entry is evicted from the table.
const DefaultIdleTimeout = 10 * time.Minute

// Table hands out one mutex per key, created on first use. An entry is
// evicted once it has gone unused for longer than its idle timeout —
// see Sweep/Start — so the table doesn't grow without bound across the
// lifetime of a long-running process.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu         sync.Mutex
	lastUnlock time.Time
}

// New returns an empty lock table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Lock blocks until the mutex for key is acquired and returns an unlock
// function. Callers should defer the returned function.
func (t *Table) Lock(key string) (unlock func()) {
	for {
		t.mu.Lock()
		e, ok := t.entries[key]
		if !ok {
			e = &entry{}
			t.entries[key] = e
		}
		t.mu.Unlock()

		e.mu.Lock()
		t.mu.Lock()
		current := t.entries[key] == e
		t.mu.Unlock()
		if !current {
			// Swept while this caller waited; retry on the live entry.
			e.mu.Unlock()
			continue
		}
		return func() {
			e.lastUnlock = time.Now()
			e.mu.Unlock()
		}
	}
}

// Sweep removes entries whose key has been idle (unlocked, with no
// newer lock acquired) for longer than idleAfter. Safe to call
// concurrently with Lock.
func (t *Table) Sweep(idleAfter time.Duration) int {
	cutoff := time.Now().Add(-idleAfter)
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for key, e := range t.entries {
		if !e.mu.TryLock() {
			// Currently held — still in use, skip.
			continue
		}
		idle := !e.lastUnlock.IsZero() && e.lastUnlock.Before(cutoff)
		e.mu.Unlock()
		if idle {
			delete(t.entries, key)
			evicted++
		}
	}
	return evicted
}

// Start runs a periodic idle-eviction sweep (every interval, entries
// idle longer than idleAfter are reaped) until ctx is canceled. Callers
// that want it in the background should `go` this.
func (t *Table) Start(ctx context.Context, interval, idleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(idleAfter); n > 0 {
				log.Debug().Int("evicted", n).Msg("keylock: idle entries reaped")
			}
		}
	}
}
