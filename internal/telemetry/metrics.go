// Package telemetry provides observability primitives for the Lockgate gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamErrors    *prometheus.CounterVec
	RateLimitRejects  *prometheus.CounterVec
	TokensProcessed   *prometheus.CounterVec
	RoutingDecisions  *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec
	TokenRefreshes    *prometheus.CounterVec
	UsageQueueLength  prometheus.Gauge
	EstimatedCostUSD  *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockgate",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "lockgate",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lockgate",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "lockgate",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockgate",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockgate",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"type"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockgate",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		RoutingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockgate",
			Name:      "routing_decisions_total",
			Help:      "Total routing decisions by balancing strategy.",
		}, []string{"strategy"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lockgate",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per account (0 closed, 1 open, 2 half-open).",
		}, []string{"account"}),

		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockgate",
			Name:      "token_refreshes_total",
			Help:      "Total OAuth token refresh attempts.",
		}, []string{"provider", "outcome"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lockgate",
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage records.",
		}),

		EstimatedCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockgate",
			Name:      "estimated_cost_usd_total",
			Help:      "Cumulative estimated upstream cost in USD.",
		}, []string{"provider", "model"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.RoutingDecisions,
		m.BreakerState,
		m.TokenRefreshes,
		m.UsageQueueLength,
		m.EstimatedCostUSD,
	)

	return m
}
