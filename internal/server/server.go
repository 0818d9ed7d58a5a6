// Package server implements the HTTP transport layer for the Lockgate gateway.
package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	gateway "github.com/lockgate-ai/lockgate/internal"
	"github.com/lockgate-ai/lockgate/internal/ratelimit"
	"github.com/lockgate-ai/lockgate/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Dispatcher runs the proxy pipeline for one request against a provider family.
type Dispatcher interface {
	Do(w http.ResponseWriter, r *http.Request, provider gateway.ServiceProvider) error
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth        gateway.Authenticator
	Dispatch    Dispatcher
	RateLimiter *ratelimit.Registry // nil = no rate limiting
	Defaults    ratelimit.Limits    // applied to keys without their own limits
	ReadyCheck  ReadyChecker        // nil = always ready (for tests)
	Metrics     *telemetry.Metrics  // nil = no request metrics
	MetricsPage http.Handler        // nil = no /metrics endpoint
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsPage != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsPage)
	}

	// Vendor route families. The bare /v1 prefix is the Anthropic-native
	// surface; the other vendors get a one-segment prefix that is stripped
	// before the path is forwarded upstream.
	s.mountVendor(r, "/v1", gateway.ProviderAnthropic, false)
	s.mountVendor(r, "/openai", gateway.ProviderOpenAI, true)
	s.mountVendor(r, "/gemini", gateway.ProviderGemini, true)
	s.mountVendor(r, "/qwen", gateway.ProviderQwen, true)

	return r
}

type server struct {
	deps Deps
}

// mountVendor registers a provider route group under prefix with the full
// authenticated middleware chain. All methods and subpaths are forwarded;
// the upstream vendor owns path-level semantics.
func (s *server) mountVendor(r chi.Router, prefix string, provider gateway.ServiceProvider, strip bool) {
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Handle(prefix+"/*", s.handleForward(prefix, provider, strip))
	})
}

// handleForward hands the request to the dispatch pipeline and translates any
// pipeline error into a JSON error response. A nil error means the pipeline
// already wrote the upstream response.
func (s *server) handleForward(prefix string, provider gateway.ServiceProvider, strip bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strip {
			path := strings.TrimPrefix(r.URL.Path, prefix)
			if path == "" {
				path = "/"
			}
			r2 := r.Clone(r.Context())
			r2.URL.Path = path
			r = r2
		}
		if err := s.deps.Dispatch.Do(w, r, provider); err != nil {
			writeError(w, err)
		}
	}
}
