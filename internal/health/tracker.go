package health

import (
	"sync"
	"time"
)

// entry is one account's metrics and breaker, guarded by its own lock.
type entry struct {
	mu      sync.Mutex
	metrics metrics
	breaker breaker
}

// Tracker manages per-account health entries. The map is protected by a
// read-write lock; hot-path updates take only the entry lock.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry
	config  BreakerConfig
}

// NewTracker creates a tracker with the given breaker config.
func NewTracker(cfg BreakerConfig) *Tracker {
	return &Tracker{
		entries: make(map[string]*entry),
		config:  cfg,
	}
}

// get returns the entry for accountID, creating one if needed.
// Uses double-check locking to minimize write-lock contention.
func (t *Tracker) get(accountID string) *entry {
	t.mu.RLock()
	e, ok := t.entries[accountID]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[accountID]; ok {
		return e
	}
	e = &entry{breaker: newBreaker(t.config)}
	t.entries[accountID] = e
	return e
}

// OnRequestStart increments the account's active connection count.
// Every successful call must be paired with exactly one OnSuccess or OnFailure;
// callers defer the terminal call to guarantee the pairing.
func (t *Tracker) OnRequestStart(accountID string) {
	e := t.get(accountID)
	e.mu.Lock()
	e.metrics.recordStart(time.Now())
	e.mu.Unlock()
}

// OnSuccess records a successful completion with its latency.
func (t *Tracker) OnSuccess(accountID string, latencyMs int64) {
	e := t.get(accountID)
	e.mu.Lock()
	e.metrics.recordSuccess(latencyMs, time.Now())
	e.breaker.recordSuccess()
	e.mu.Unlock()
}

// OnFailure records an upstream-originated failure.
func (t *Tracker) OnFailure(accountID string) {
	e := t.get(accountID)
	e.mu.Lock()
	now := time.Now()
	e.metrics.recordFailure(now)
	e.breaker.recordFailure(now)
	e.mu.Unlock()
}

// CanExecute consults (and possibly advances) the account's breaker.
// Unknown accounts are executable.
func (t *Tracker) CanExecute(accountID string) bool {
	e := t.get(accountID)
	e.mu.Lock()
	ok := e.breaker.canExecute(time.Now())
	e.mu.Unlock()
	return ok
}

// BreakerState returns the current breaker state without advancing it.
func (t *Tracker) BreakerState(accountID string) State {
	t.mu.RLock()
	e, ok := t.entries[accountID]
	t.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	e.mu.Lock()
	s := e.breaker.state
	e.mu.Unlock()
	return s
}

// BreakerStates returns the current breaker state for every observed account.
func (t *Tracker) BreakerStates() map[string]State {
	t.mu.RLock()
	ids := make([]string, 0, len(t.entries))
	refs := make([]*entry, 0, len(t.entries))
	for id, e := range t.entries {
		ids = append(ids, id)
		refs = append(refs, e)
	}
	t.mu.RUnlock()

	out := make(map[string]State, len(ids))
	for i, e := range refs {
		e.mu.Lock()
		out[ids[i]] = e.breaker.state
		e.mu.Unlock()
	}
	return out
}

// Snapshot returns a read-only copy of one account's metrics.
// ok is false when the account has never been observed.
func (t *Tracker) Snapshot(accountID string) (Snapshot, bool) {
	t.mu.RLock()
	e, ok := t.entries[accountID]
	t.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	s := e.metrics.snapshot()
	e.mu.Unlock()
	return s, true
}

// SnapshotAll returns read-only copies for every observed account.
func (t *Tracker) SnapshotAll() map[string]Snapshot {
	t.mu.RLock()
	ids := make([]string, 0, len(t.entries))
	refs := make([]*entry, 0, len(t.entries))
	for id, e := range t.entries {
		ids = append(ids, id)
		refs = append(refs, e)
	}
	t.mu.RUnlock()

	out := make(map[string]Snapshot, len(ids))
	for i, e := range refs {
		e.mu.Lock()
		out[ids[i]] = e.metrics.snapshot()
		e.mu.Unlock()
	}
	return out
}

// EvictStale removes entries not used since cutoff.
// Phase 1: RLock to snapshot stale keys. Phase 2: Lock to delete them.
func (t *Tracker) EvictStale(cutoff time.Time) int {
	t.mu.RLock()
	var staleKeys []string
	for k, e := range t.entries {
		e.mu.Lock()
		stale := e.metrics.lastUsed.Before(cutoff)
		e.mu.Unlock()
		if stale {
			staleKeys = append(staleKeys, k)
		}
	}
	t.mu.RUnlock()

	if len(staleKeys) == 0 {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for _, k := range staleKeys {
		e, ok := t.entries[k]
		if !ok {
			continue
		}
		e.mu.Lock()
		stale := e.metrics.lastUsed.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(t.entries, k)
			evicted++
		}
	}
	return evicted
}
