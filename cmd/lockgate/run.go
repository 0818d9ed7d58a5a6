package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/lockgate-ai/lockgate/internal"
	"github.com/lockgate-ai/lockgate/internal/account"
	"github.com/lockgate-ai/lockgate/internal/auth"
	"github.com/lockgate-ai/lockgate/internal/balancer"
	"github.com/lockgate-ai/lockgate/internal/config"
	"github.com/lockgate-ai/lockgate/internal/dispatch"
	"github.com/lockgate-ai/lockgate/internal/health"
	"github.com/lockgate-ai/lockgate/internal/ratelimit"
	"github.com/lockgate-ai/lockgate/internal/router"
	"github.com/lockgate-ai/lockgate/internal/server"
	"github.com/lockgate-ai/lockgate/internal/storage/sqlite"
	"github.com/lockgate-ai/lockgate/internal/telemetry"
	"github.com/lockgate-ai/lockgate/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting lockgate", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Tracing (optional).
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate, version)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(sctx) //nolint:errcheck
		}()
	}

	// Metrics (optional).
	var metrics *telemetry.Metrics
	var metricsPage http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		metricsPage = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Core components.
	apiKeyAuth, err := auth.New(store)
	if err != nil {
		return err
	}

	tracker := health.NewTracker(health.DefaultBreakerConfig())
	accounts := account.NewManager(store)
	// Refresh failures count against the account's health so routing steers
	// away from accounts with dead credentials.
	accounts.OnAuthFailure = tracker.OnFailure

	rt := router.New(balancer.New(tracker), tracker, router.NewPreferenceStore())

	resolver := &dnscache.Resolver{}
	clients := dispatch.NewClientPool(resolver)

	recorder := worker.NewUsageRecorder(store)
	pipeline := dispatch.New(store, accounts, rt, tracker, clients, recorder)

	limiter := ratelimit.NewRegistry()
	if err := limiter.SeedFromLedger(ctx, store); err != nil {
		slog.Warn("rate limit seed from ledger failed", "error", err)
	}

	sweeper := worker.NewSweeper(accounts, limiter, tracker)
	if metrics != nil {
		pipeline.Metrics = metrics
		accounts.OnRefreshResult = func(provider gateway.ServiceProvider, success bool) {
			outcome := "failure"
			if success {
				outcome = "success"
			}
			metrics.TokenRefreshes.WithLabelValues(string(provider), outcome).Inc()
		}
		recorder.QueueLength = func(n int) {
			metrics.UsageQueueLength.Set(float64(n))
		}
		sweeper.PublishStats = func() {
			for id, state := range tracker.BreakerStates() {
				metrics.BreakerState.WithLabelValues(id).Set(float64(state))
			}
		}
	}

	handler := server.New(server.Deps{
		Auth:        apiKeyAuth,
		Dispatch:    pipeline,
		RateLimiter: limiter,
		Defaults: ratelimit.Limits{
			PerMinute: cfg.RateLimits.DefaultPerMinute,
			PerDay:    cfg.RateLimits.DefaultPerDay,
		},
		ReadyCheck:  store.Ping,
		Metrics:     metrics,
		MetricsPage: metricsPage,
	})

	// Background workers.
	workers := worker.NewRunner(
		recorder,
		sweeper,
		worker.NewRetentionWorker(store, cfg.Retention.UsageWindow),
	)
	workerErr := make(chan error, 1)
	go func() {
		workerErr <- workers.Run(ctx)
	}()

	// Periodic DNS cache refresh for the pooled upstream transports.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				resolver.Refresh(true)
			}
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("lockgate ready", "addr", cfg.Server.Addr)

	select {
	case <-ctx.Done():
		slog.Info("shutting down", "reason", "signal")
	case err := <-errCh:
		stop()
		<-workerErr
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	// Workers drain pending usage records after the listener closes.
	if err := <-workerErr; err != nil {
		slog.Warn("worker exited with error", "error", err)
	}

	slog.Info("lockgate stopped")
	return nil
}
