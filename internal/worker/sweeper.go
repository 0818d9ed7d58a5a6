package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	sweepInterval = time.Minute
	// staleAfter is how long an idle per-key or per-account entry lives
	// before its in-memory state is evicted.
	staleAfter = 30 * time.Minute
)

// Evictor drops in-memory entries idle since the cutoff. Implemented by the
// rate-limit registry and the health tracker.
type Evictor interface {
	EvictStale(cutoff time.Time) int
}

// Refresher proactively refreshes OAuth credentials nearing expiry.
// Implemented by the account manager.
type Refresher interface {
	RefreshExpiring(ctx context.Context)
}

// Sweeper is the periodic maintenance worker: evicts idle limiter and health
// entries and keeps OAuth tokens fresh ahead of demand.
type Sweeper struct {
	evictors  []Evictor
	refresher Refresher

	// PublishStats, when set, runs once per sweep after eviction. Used to
	// export per-account breaker gauges.
	PublishStats func()
}

// NewSweeper creates a Sweeper. refresher may be nil.
func NewSweeper(refresher Refresher, evictors ...Evictor) *Sweeper {
	return &Sweeper{evictors: evictors, refresher: refresher}
}

// Name returns the worker identifier.
func (s *Sweeper) Name() string { return "sweeper" }

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-staleAfter)
	evicted := 0
	for _, e := range s.evictors {
		evicted += e.EvictStale(cutoff)
	}
	if evicted > 0 {
		slog.LogAttrs(ctx, slog.LevelDebug, "stale entries evicted",
			slog.Int("count", evicted))
	}
	if s.PublishStats != nil {
		s.PublishStats()
	}
	if s.refresher != nil {
		s.refresher.RefreshExpiring(ctx)
	}
}
