// Package dispatch implements the per-request pipeline: resolve the caller,
// route to an upstream account, build and send the vendor request, stream the
// response back, and record usage.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	gateway "github.com/lockgate-ai/lockgate/internal"
	"github.com/lockgate-ai/lockgate/internal/account"
	"github.com/lockgate-ai/lockgate/internal/adapter"
	"github.com/lockgate-ai/lockgate/internal/health"
	"github.com/lockgate-ai/lockgate/internal/router"
	"github.com/lockgate-ai/lockgate/internal/storage"
	"github.com/lockgate-ai/lockgate/internal/telemetry"
	"github.com/lockgate-ai/lockgate/internal/tokencount"
)

// StatusClientClosedRequest is reported when the client disconnects before
// the upstream response completes.
const StatusClientClosedRequest = 499

const maxRequestBody = 10 << 20

// UsageSink receives one record per forwarded request.
type UsageSink interface {
	Record(r gateway.UsageRecord)
}

// Pipeline wires the per-request stages together. One instance serves all
// provider route families.
type Pipeline struct {
	store    storage.Store
	accounts *account.Manager
	router   *router.Router
	health   *health.Tracker
	clients  *ClientPool
	usage    UsageSink

	// Metrics is optional; set once at wiring time, before the first request.
	Metrics *telemetry.Metrics
}

// New creates a Pipeline.
func New(store storage.Store, accounts *account.Manager, rt *router.Router, tracker *health.Tracker, clients *ClientPool, usage UsageSink) *Pipeline {
	return &Pipeline{
		store:    store,
		accounts: accounts,
		router:   rt,
		health:   tracker,
		clients:  clients,
		usage:    usage,
	}
}

// Do runs the pipeline for one inbound request against the given provider
// family. The returned error, if any, is translated to HTTP by the server
// layer; when nil the response has already been written.
func (p *Pipeline) Do(w http.ResponseWriter, r *http.Request, provider gateway.ServiceProvider) error {
	ctx := r.Context()
	identity := gateway.IdentityFromContext(ctx)
	if identity == nil {
		return gateway.ErrMissingCredentials
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("read request body: %w", gateway.ErrBadRequest)
	}

	if identity.Passthrough {
		return p.passthrough(w, r, provider, identity.PassthroughKey, body)
	}

	features := BuildFeatures(body)

	all, err := p.accounts.ListActiveForUser(ctx, identity.UserID)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	candidates := make([]*gateway.Account, 0, len(all))
	for _, a := range all {
		if a.Provider.Provider == provider {
			candidates = append(candidates, a)
		}
	}

	decision, err := p.router.Route(candidates, features, identity.UserID)
	if err != nil {
		return err
	}
	acct := decision.Account
	if p.Metrics != nil {
		p.Metrics.RoutingDecisions.WithLabelValues(string(decision.Strategy)).Inc()
	}

	ad, err := adapter.Select(acct.Provider)
	if err != nil {
		return fmt.Errorf("%s: %w", acct.Provider, gateway.ErrNoUpstream)
	}

	// Client-fault and config-fault failures happen before health accounting
	// so every OnRequestStart is paired with exactly one terminal result.
	outBody, err := ad.TransformBody(body)
	if err != nil {
		return err
	}
	client, err := p.clientFor(ctx, acct)
	if err != nil {
		return err
	}

	p.health.OnRequestStart(acct.ID)

	token, err := p.accounts.EnsureFreshToken(ctx, acct)
	if err != nil {
		p.router.RecordRequestResult(decision.Strategy, acct.ID, false, 0)
		return err
	}

	authHeaders, err := ad.AuthHeaders(acct, token)
	if err != nil {
		p.router.RecordRequestResult(decision.Strategy, acct.ID, false, 0)
		return err
	}
	headers := adapter.MergeHeaders(ad.FilterHeaders(r.Header), ad.ProviderHeaders(), authHeaders)

	rec := recordTemplate(identity, acct, decision, r, features)
	start := time.Now()

	res, upstreamErr := p.roundTrip(w, r, client, ad.UpstreamURL(acct, r.URL.Path, r.URL.RawQuery), headers, outBody, start, true)
	latency := time.Since(start).Milliseconds()
	rec.LatencyMs = latency
	if p.Metrics != nil {
		p.Metrics.UpstreamDuration.WithLabelValues(string(provider), features.Model).Observe(float64(latency) / 1000)
	}

	if upstreamErr != nil {
		// A client disconnect is not the account's fault and must not trip
		// its breaker.
		clientCancel := errors.Is(upstreamErr, context.Canceled)
		p.router.RecordRequestResult(decision.Strategy, acct.ID, clientCancel, latency)
		rec.StatusCode = statusForError(upstreamErr)
		p.usage.Record(rec)
		if p.Metrics != nil && !clientCancel {
			p.Metrics.UpstreamErrors.WithLabelValues(string(provider), strconv.Itoa(rec.StatusCode)).Inc()
		}
		if clientCancel {
			return nil
		}
		return upstreamErr
	}

	rec.StatusCode = res.status
	rec.FirstTokenLatencyMs = res.firstTokenMs
	fillUsage(&rec, ad, features.Model, res)
	p.usage.Record(rec)
	p.observeUsage(provider, features.Model, &rec)

	p.router.RecordRequestResult(decision.Strategy, acct.ID, !upstreamFailure(res.status), latency)
	return nil
}

// observeUsage exports token and cost counters for a completed request.
func (p *Pipeline) observeUsage(provider gateway.ServiceProvider, model string, rec *gateway.UsageRecord) {
	if p.Metrics == nil {
		return
	}
	if upstreamFailure(rec.StatusCode) {
		p.Metrics.UpstreamErrors.WithLabelValues(string(provider), strconv.Itoa(rec.StatusCode)).Inc()
	}
	p.Metrics.TokensProcessed.WithLabelValues(model, "input").Add(float64(rec.InputTokens))
	p.Metrics.TokensProcessed.WithLabelValues(model, "output").Add(float64(rec.OutputTokens))
	if rec.CostUSD > 0 {
		p.Metrics.EstimatedCostUSD.WithLabelValues(string(provider), model).Add(rec.CostUSD)
	}
}

// roundTrip sends the upstream request and forwards the response. For managed
// accounts a 401 from upstream means our stored credential was rejected: the
// body is materialized and logged and an auth error surfaces as 502. On the
// passthrough path the client brought the credential, so every upstream
// status, 401 included, is returned verbatim.
func (p *Pipeline) roundTrip(w http.ResponseWriter, r *http.Request, client *http.Client, url string, headers http.Header, body []byte, start time.Time, managed bool) (*streamResult, error) {
	ctx := r.Context()
	req, err := http.NewRequestWithContext(ctx, r.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", gateway.ErrBadRequest)
	}
	req.Header = headers

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", gateway.ErrUpstreamTransport, err)
	}
	defer resp.Body.Close()

	if managed && resp.StatusCode == http.StatusUnauthorized {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		slog.LogAttrs(ctx, slog.LevelWarn, "upstream rejected credentials",
			slog.String("request_id", gateway.RequestIDFromContext(ctx)),
			slog.String("url", url),
			slog.String("body", gateway.MaskSecret(string(respBody))),
		)
		return nil, fmt.Errorf("upstream 401: %w", gateway.ErrUpstreamAuth)
	}

	res, err := forwardResponse(w, resp, start)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrUpstreamTransport, err)
	}
	if res.clientGone {
		return res, context.Canceled
	}
	return res, nil
}

// passthrough forwards a request carrying the client's own upstream key:
// no routing, no body transform, no token management.
func (p *Pipeline) passthrough(w http.ResponseWriter, r *http.Request, provider gateway.ServiceProvider, key string, body []byte) error {
	return p.passthroughTo(w, r, provider, "", key, body)
}

// passthroughTo is the passthrough body with an explicit base URL override;
// an empty baseURL uses the vendor default.
func (p *Pipeline) passthroughTo(w http.ResponseWriter, r *http.Request, provider gateway.ServiceProvider, baseURL, key string, body []byte) error {
	ad := adapter.ForPassthrough(provider)
	synthetic := &gateway.Account{
		Provider:    gateway.ProviderConfig{Provider: provider, Auth: gateway.AuthAPIKey},
		Credentials: gateway.Credentials{BaseURL: baseURL},
	}

	authHeaders, err := ad.AuthHeaders(synthetic, key)
	if err != nil {
		return err
	}
	headers := adapter.MergeHeaders(ad.FilterHeaders(r.Header), ad.ProviderHeaders(), authHeaders)

	client, err := p.clients.For(nil)
	if err != nil {
		return err
	}

	rec := gateway.UsageRecord{
		Method:    r.Method,
		Path:      r.URL.Path,
		RequestID: gateway.RequestIDFromContext(r.Context()),
		Reasoning: "upstream key passthrough",
		CreatedAt: time.Now(),
	}
	start := time.Now()
	res, upstreamErr := p.roundTrip(w, r, client, ad.UpstreamURL(synthetic, r.URL.Path, r.URL.RawQuery), headers, body, start, false)
	rec.LatencyMs = time.Since(start).Milliseconds()

	if upstreamErr != nil {
		rec.StatusCode = statusForError(upstreamErr)
		p.usage.Record(rec)
		if rec.StatusCode == StatusClientClosedRequest {
			return nil
		}
		return upstreamErr
	}
	rec.StatusCode = res.status
	rec.FirstTokenLatencyMs = res.firstTokenMs
	p.usage.Record(rec)
	return nil
}

// clientFor resolves the account's egress proxy and returns the cached client.
func (p *Pipeline) clientFor(ctx context.Context, acct *gateway.Account) (*http.Client, error) {
	var settings *gateway.ProxySettings
	if acct.ProxyEnabled {
		s, err := p.store.GetProxySettings(ctx)
		if err != nil {
			return nil, fmt.Errorf("load proxy settings: %w", err)
		}
		settings = s
	}
	return p.clients.For(account.ResolveProxy(acct, settings))
}

// recordTemplate seeds the usage record with everything known before dial.
func recordTemplate(identity *gateway.Identity, acct *gateway.Account, decision *gateway.RoutingDecision, r *http.Request, features gateway.RequestFeatures) gateway.UsageRecord {
	return gateway.UsageRecord{
		KeyID:      identity.KeyID,
		AccountID:  acct.ID,
		Method:     r.Method,
		Path:       r.URL.Path,
		Strategy:   string(decision.Strategy),
		Confidence: decision.Confidence,
		Reasoning:  decision.Reasoning,
		RequestID:  gateway.RequestIDFromContext(r.Context()),
		CreatedAt:  time.Now(),
	}
}

// fillUsage parses token usage from the captured response (falling back to a
// byte-length estimate) and prices it.
func fillUsage(rec *gateway.UsageRecord, ad adapter.Adapter, model string, res *streamResult) {
	usage, ok := ad.ParseUsage(res.usageBody, res.streaming)
	if !ok {
		usage = tokencount.FallbackUsage(model, len(res.usageBody))
	}
	rec.InputTokens = usage.Input
	rec.OutputTokens = usage.Output
	rec.CacheCreationTokens = usage.CacheCreation
	rec.CacheReadTokens = usage.CacheRead
	rec.TotalTokens = usage.Total()
	rec.CostUSD = ad.Cost(model, usage)
	if rec.LatencyMs > 0 && usage.Output > 0 {
		rec.TokensPerSecond = float64(usage.Output) / (float64(rec.LatencyMs) / 1000)
	}
}

// upstreamFailure reports whether a status should count against the account's
// health. Client-caused 4xx responses do not; 5xx and auth rejections do.
func upstreamFailure(status int) bool {
	return status >= 500
}

// statusForError maps a pipeline error to the status recorded in the ledger.
func statusForError(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest
	case errors.Is(err, gateway.ErrUpstreamAuth),
		errors.Is(err, gateway.ErrUpstreamTransport):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrNoUpstream):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
