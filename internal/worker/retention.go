package worker

import (
	"context"
	"log/slog"
	"time"
)

const retentionSweepEvery = time.Hour

// RetentionStore is the persistence interface consumed by RetentionWorker.
type RetentionStore interface {
	PruneUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionWorker periodically prunes usage ledger rows older than the
// configured retention window. A zero window disables pruning.
type RetentionWorker struct {
	store  RetentionStore
	window time.Duration
}

// NewRetentionWorker creates a RetentionWorker keeping records for window.
func NewRetentionWorker(store RetentionStore, window time.Duration) *RetentionWorker {
	return &RetentionWorker{store: store, window: window}
}

// Name returns the worker identifier.
func (w *RetentionWorker) Name() string { return "usage_retention" }

// Run prunes on startup and then hourly until ctx is cancelled.
func (w *RetentionWorker) Run(ctx context.Context) error {
	if w.window <= 0 {
		<-ctx.Done()
		return nil
	}

	w.prune(ctx)
	ticker := time.NewTicker(retentionSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.prune(ctx)
		}
	}
}

func (w *RetentionWorker) prune(ctx context.Context) {
	cutoff := time.Now().Add(-w.window)
	n, err := w.store.PruneUsageBefore(ctx, cutoff)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage prune failed",
			slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "usage records pruned",
			slog.Int64("count", n),
			slog.String("cutoff", cutoff.Format(time.RFC3339)))
	}
}
