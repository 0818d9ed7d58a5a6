package ratelimit

import (
	"context"
	"time"
)

// UsageCounter reports per-key request counts recorded since a point in time.
// Implemented by the usage store.
type UsageCounter interface {
	CountUsageSince(ctx context.Context, since time.Time) (map[string]int64, error)
}

// SeedFromLedger loads today's request counts from the usage ledger so day
// windows survive a process restart. Counts are held and applied when each
// key's limiter is first created; counts from a previous day are ignored.
func (r *Registry) SeedFromLedger(ctx context.Context, counter UsageCounter) error {
	midnight := time.Now().Truncate(24 * time.Hour)
	counts, err := counter.CountUsageSince(ctx, midnight)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.seeds = counts
	r.seedDay = midnight
	r.mu.Unlock()
	return nil
}

// applySeed transfers a pending seed into a freshly created limiter.
// Caller holds r.mu.
func (r *Registry) applySeed(keyID string, l *Limiter) {
	if r.seeds == nil || !r.seedDay.Equal(time.Now().Truncate(24*time.Hour)) {
		return
	}
	if count, ok := r.seeds[keyID]; ok {
		l.seedDaily(count)
		delete(r.seeds, keyID)
	}
}
