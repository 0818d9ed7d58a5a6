package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner supervises the gateway's background workers as one unit: all start
// together, and the first failure cancels the rest.
type Runner struct {
	workers []Worker
}

// NewRunner creates a Runner over the given workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run starts every worker and blocks until all have stopped. A worker
// returning a non-nil error cancels the shared context; the first error is
// returned after the remaining workers wind down.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		g.Go(func() error {
			slog.Info("worker started", "worker", w.Name())
			err := w.Run(ctx)
			if err != nil {
				slog.Error("worker failed", "worker", w.Name(), "error", err.Error())
				return err
			}
			slog.Debug("worker stopped", "worker", w.Name())
			return nil
		})
	}
	return g.Wait()
}
