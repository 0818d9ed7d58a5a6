package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tidwall/gjson"

	gateway "github.com/lockgate-ai/lockgate/internal"
	"github.com/lockgate-ai/lockgate/internal/account"
	"github.com/lockgate-ai/lockgate/internal/balancer"
	"github.com/lockgate-ai/lockgate/internal/health"
	"github.com/lockgate-ai/lockgate/internal/router"
	"github.com/lockgate-ai/lockgate/internal/telemetry"
	"github.com/lockgate-ai/lockgate/internal/testutil"
)

type sink struct {
	mu   sync.Mutex
	recs []gateway.UsageRecord
}

func (s *sink) Record(r gateway.UsageRecord) {
	s.mu.Lock()
	s.recs = append(s.recs, r)
	s.mu.Unlock()
}

func (s *sink) records() []gateway.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gateway.UsageRecord(nil), s.recs...)
}

func newPipeline(t *testing.T, store *testutil.FakeStore) (*Pipeline, *sink) {
	t.Helper()
	tracker := health.NewTracker(health.DefaultBreakerConfig())
	mgr := account.NewManager(store)
	rt := router.New(balancer.New(tracker), tracker, router.NewPreferenceStore())
	usage := &sink{}
	return New(store, mgr, rt, tracker, NewClientPool(nil), usage), usage
}

func anthropicKeyAccount(baseURL string) *gateway.Account {
	return &gateway.Account{
		ID:     "acc-1",
		UserID: 1,
		Provider: gateway.ProviderConfig{
			Provider: gateway.ProviderAnthropic,
			Auth:     gateway.AuthAPIKey,
		},
		Credentials: gateway.Credentials{APIKey: "sk-ant-api03-test", BaseURL: baseURL},
		Active:      true,
	}
}

func identityRequest(method, path, body string, id *gateway.Identity) *http.Request {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	ctx := gateway.ContextWithRequestID(r.Context(), "req-test")
	ctx = gateway.ContextWithIdentity(ctx, id)
	return r.WithContext(ctx)
}

func TestDispatchHappyAnthropic(t *testing.T) {
	t.Parallel()

	var captured testutil.CapturedRequest
	upstream := testutil.NewJSONUpstream(
		`{"id":"msg_01","content":[{"type":"text","text":"Hi"}],"usage":{"input_tokens":12,"output_tokens":3}}`,
		func(c testutil.CapturedRequest) { captured = c },
	)
	defer upstream.Close()

	store := testutil.NewFakeStore()
	store.AddAccount(anthropicKeyAccount(upstream.URL))
	p, usage := newPipeline(t, store)

	body := `{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"user","content":"Hello"}],"max_tokens":100}`
	req := identityRequest(http.MethodPost, "/v1/messages", body, &gateway.Identity{KeyID: "key-1", UserID: 1})
	w := httptest.NewRecorder()

	if err := p.Do(w, req, gateway.ProviderAnthropic); err != nil {
		t.Fatalf("Do: %v", err)
	}

	// Outbound request shape.
	if captured.Path != "/v1/messages" {
		t.Errorf("upstream path = %q", captured.Path)
	}
	if got := captured.Header.Get("x-api-key"); got != "sk-ant-api03-test" {
		t.Errorf("x-api-key = %q", got)
	}
	if got := captured.Header.Get("anthropic-version"); got != "2023-06-01" {
		t.Errorf("anthropic-version = %q", got)
	}
	if got := captured.Header.Get("anthropic-beta"); !strings.Contains(got, "claude-code-20250219") {
		t.Errorf("anthropic-beta = %q", got)
	}
	outBody := gjson.ParseBytes(captured.Body)
	if got := outBody.Get("system.0.text").String(); !strings.Contains(got, "Claude Code") {
		t.Errorf("system[0] = %q, want identity block", got)
	}
	if got := outBody.Get("max_tokens").Int(); got != 100 {
		t.Errorf("max_tokens = %d, want 100 unchanged", got)
	}

	// Client sees the upstream bytes.
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"msg_01"`) {
		t.Errorf("client body = %q", w.Body.String())
	}

	recs := usage.records()
	if len(recs) != 1 {
		t.Fatalf("got %d usage records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.InputTokens != 12 || rec.OutputTokens != 3 || rec.TotalTokens != 15 {
		t.Errorf("tokens = %d/%d/%d", rec.InputTokens, rec.OutputTokens, rec.TotalTokens)
	}
	if rec.KeyID != "key-1" || rec.AccountID != "acc-1" || rec.StatusCode != 200 {
		t.Errorf("record = %+v", rec)
	}
	if rec.CostUSD <= 0 {
		t.Errorf("cost = %v, want > 0", rec.CostUSD)
	}
}

func TestDispatchStreaming(t *testing.T) {
	t.Parallel()

	events := []string{
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":9}}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"Hello\"}}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":5}}\n\n",
	}
	upstream := testutil.NewSSEUpstream(events, nil)
	defer upstream.Close()

	store := testutil.NewFakeStore()
	store.AddAccount(anthropicKeyAccount(upstream.URL))
	p, usage := newPipeline(t, store)

	body := `{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"user","content":"Hello"}],"max_tokens":100,"stream":true}`
	req := identityRequest(http.MethodPost, "/v1/messages", body, &gateway.Identity{KeyID: "key-1", UserID: 1})
	w := httptest.NewRecorder()

	if err := p.Do(w, req, gateway.ProviderAnthropic); err != nil {
		t.Fatalf("Do: %v", err)
	}

	if got := w.Header().Get("Content-Type"); !strings.Contains(got, "text/event-stream") {
		t.Errorf("content-type = %q", got)
	}
	if !strings.Contains(w.Body.String(), "message_delta") {
		t.Error("stream not forwarded to client")
	}

	recs := usage.records()
	if len(recs) != 1 {
		t.Fatalf("got %d usage records, want 1", len(recs))
	}
	if recs[0].InputTokens != 9 || recs[0].OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 9/5", recs[0].InputTokens, recs[0].OutputTokens)
	}
}

func TestDispatchPassthrough(t *testing.T) {
	t.Parallel()

	var captured testutil.CapturedRequest
	upstream := testutil.NewJSONUpstream(`{"ok":true}`, func(c testutil.CapturedRequest) { captured = c })
	defer upstream.Close()

	store := testutil.NewFakeStore()
	p, usage := newPipeline(t, store)

	body := `{"model":"claude-3-5-sonnet-20241022","messages":[]}`
	req := identityRequest(http.MethodPost, "/v1/messages", body,
		&gateway.Identity{Passthrough: true, PassthroughKey: "sk-ant-users-own"})
	w := httptest.NewRecorder()

	if err := p.passthroughTo(w, req, gateway.ProviderAnthropic, upstream.URL, "sk-ant-users-own", []byte(body)); err != nil {
		t.Fatalf("passthrough: %v", err)
	}

	if got := captured.Header.Get("x-api-key"); got != "sk-ant-users-own" {
		t.Errorf("x-api-key = %q, want the client's own key", got)
	}
	if strings.Contains(string(captured.Body), "You are Claude Code") {
		t.Error("passthrough body must not be transformed")
	}

	recs := usage.records()
	if len(recs) != 1 {
		t.Fatalf("got %d usage records, want 1", len(recs))
	}
	if recs[0].KeyID != "" {
		t.Errorf("passthrough record key id = %q, want empty", recs[0].KeyID)
	}
}

func TestDispatchNoUpstream(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	p, usage := newPipeline(t, store)

	req := identityRequest(http.MethodPost, "/v1/messages", `{"model":"m","messages":[]}`,
		&gateway.Identity{KeyID: "key-1", UserID: 1})
	w := httptest.NewRecorder()

	err := p.Do(w, req, gateway.ProviderAnthropic)
	if !errors.Is(err, gateway.ErrNoUpstream) {
		t.Fatalf("err = %v, want ErrNoUpstream", err)
	}
	if len(usage.records()) != 0 {
		t.Error("no usage record expected before an account is selected")
	}
}

func TestDispatchPassthroughUpstream401(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body) //nolint:errcheck
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"type":"authentication_error"}}`)) //nolint:errcheck
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	p, usage := newPipeline(t, store)

	body := `{"model":"claude-3-5-sonnet","messages":[]}`
	req := identityRequest(http.MethodPost, "/v1/messages", body,
		&gateway.Identity{Passthrough: true, PassthroughKey: "sk-ant-expired"})
	w := httptest.NewRecorder()

	// The client brought its own key, so the vendor's 401 is the client's to
	// see, not a gateway credential problem.
	if err := p.passthroughTo(w, req, gateway.ProviderAnthropic, upstream.URL, "sk-ant-expired", []byte(body)); err != nil {
		t.Fatalf("passthrough: %v", err)
	}
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want the upstream 401 forwarded verbatim", w.Code)
	}
	if !strings.Contains(w.Body.String(), "authentication_error") {
		t.Errorf("body = %q, want the vendor error body", w.Body.String())
	}

	recs := usage.records()
	if len(recs) != 1 {
		t.Fatalf("got %d usage records, want 1", len(recs))
	}
	if recs[0].StatusCode != http.StatusUnauthorized {
		t.Errorf("recorded status = %d, want 401", recs[0].StatusCode)
	}
}

func TestDispatchClientCancel(t *testing.T) {
	t.Parallel()

	gotReq := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		// The server only watches for a client disconnect (and cancels
		// r.Context) after the request body has been consumed.
		io.Copy(io.Discard, r.Body)
		close(gotReq)
		<-r.Context().Done()
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	store.AddAccount(anthropicKeyAccount(upstream.URL))

	tracker := health.NewTracker(health.DefaultBreakerConfig())
	mgr := account.NewManager(store)
	rt := router.New(balancer.New(tracker), tracker, router.NewPreferenceStore())
	usage := &sink{}
	p := New(store, mgr, rt, tracker, NewClientPool(nil), usage)

	body := `{"model":"claude-3-5-sonnet","messages":[],"max_tokens":10}`
	req := identityRequest(http.MethodPost, "/v1/messages", body,
		&gateway.Identity{KeyID: "key-1", UserID: 1})
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	go func() {
		<-gotReq
		cancel()
	}()

	w := httptest.NewRecorder()
	if err := p.Do(w, req, gateway.ProviderAnthropic); err != nil {
		t.Fatalf("Do after client disconnect: %v", err)
	}

	recs := usage.records()
	if len(recs) != 1 {
		t.Fatalf("got %d usage records, want 1", len(recs))
	}
	if recs[0].StatusCode != StatusClientClosedRequest {
		t.Errorf("recorded status = %d, want 499", recs[0].StatusCode)
	}

	// A disconnect is not the account's fault: no failure, no leaked conn.
	snap, ok := tracker.Snapshot("acc-1")
	if !ok {
		t.Fatal("no health entry for the account")
	}
	if snap.FailureCount != 0 {
		t.Errorf("failure count = %d, want 0 for a client disconnect", snap.FailureCount)
	}
	if snap.ActiveConns != 0 {
		t.Errorf("active conns = %d, want 0 after completion", snap.ActiveConns)
	}
}

func TestDispatchTokenFailureKeepsHealthPairing(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	// An expired setup token: routing selects the account, the token stage
	// fails before dial.
	store.AddAccount(&gateway.Account{
		ID:     "acc-1",
		UserID: 1,
		Active: true,
		Provider: gateway.ProviderConfig{
			Provider: gateway.ProviderAnthropic,
			Auth:     gateway.AuthOAuth,
		},
		Credentials: gateway.Credentials{
			AccessToken: "stale",
			ExpiresAt:   time.Now().Add(-time.Minute),
		},
	})

	tracker := health.NewTracker(health.DefaultBreakerConfig())
	mgr := account.NewManager(store)
	rt := router.New(balancer.New(tracker), tracker, router.NewPreferenceStore())
	usage := &sink{}
	p := New(store, mgr, rt, tracker, NewClientPool(nil), usage)

	// An unrelated request is mid-flight on the same account.
	tracker.OnRequestStart("acc-1")

	req := identityRequest(http.MethodPost, "/v1/messages",
		`{"model":"claude-3-5-sonnet","messages":[],"max_tokens":10}`,
		&gateway.Identity{KeyID: "key-1", UserID: 1})

	err := p.Do(httptest.NewRecorder(), req, gateway.ProviderAnthropic)
	if !errors.Is(err, gateway.ErrUpstreamAuth) {
		t.Fatalf("err = %v, want ErrUpstreamAuth", err)
	}

	// The failed request must decrement only its own start, never the
	// unrelated in-flight one.
	snap, ok := tracker.Snapshot("acc-1")
	if !ok {
		t.Fatal("no health entry for the account")
	}
	if snap.ActiveConns != 1 {
		t.Errorf("active conns = %d, want the unrelated request still counted", snap.ActiveConns)
	}
	if snap.FailureCount != 1 {
		t.Errorf("failure count = %d, want 1", snap.FailureCount)
	}
}

func TestDispatchExportsMetrics(t *testing.T) {
	t.Parallel()

	upstream := testutil.NewJSONUpstream(
		`{"id":"msg_01","content":[{"type":"text","text":"Hi"}],"usage":{"input_tokens":12,"output_tokens":3}}`,
		nil,
	)
	defer upstream.Close()

	store := testutil.NewFakeStore()
	store.AddAccount(anthropicKeyAccount(upstream.URL))
	p, _ := newPipeline(t, store)
	m := telemetry.NewMetrics(prometheus.NewRegistry())
	p.Metrics = m

	const model = "claude-3-5-sonnet-20241022"
	body := `{"model":"` + model + `","messages":[{"role":"user","content":"Hello"}],"max_tokens":100}`
	req := identityRequest(http.MethodPost, "/v1/messages", body,
		&gateway.Identity{KeyID: "key-1", UserID: 1})

	if err := p.Do(httptest.NewRecorder(), req, gateway.ProviderAnthropic); err != nil {
		t.Fatalf("Do: %v", err)
	}

	if got := promtest.ToFloat64(m.TokensProcessed.WithLabelValues(model, "input")); got != 12 {
		t.Errorf("input tokens counter = %v, want 12", got)
	}
	if got := promtest.ToFloat64(m.TokensProcessed.WithLabelValues(model, "output")); got != 3 {
		t.Errorf("output tokens counter = %v, want 3", got)
	}
	if got := promtest.CollectAndCount(m.RoutingDecisions); got != 1 {
		t.Errorf("routing decision series = %d, want 1", got)
	}
	if got := promtest.CollectAndCount(m.UpstreamDuration); got != 1 {
		t.Errorf("upstream duration series = %d, want 1", got)
	}
	if got := promtest.ToFloat64(m.EstimatedCostUSD.WithLabelValues("anthropic", model)); got <= 0 {
		t.Errorf("cost counter = %v, want > 0", got)
	}
	if got := promtest.CollectAndCount(m.UpstreamErrors); got != 0 {
		t.Errorf("upstream error series = %d, want 0 on success", got)
	}
}

func TestDispatchUpstream401(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body) //nolint:errcheck
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"type":"authentication_error"}}`)) //nolint:errcheck
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	store.AddAccount(anthropicKeyAccount(upstream.URL))
	p, usage := newPipeline(t, store)

	req := identityRequest(http.MethodPost, "/v1/messages",
		`{"model":"claude-3-5-sonnet","messages":[],"max_tokens":10}`,
		&gateway.Identity{KeyID: "key-1", UserID: 1})
	w := httptest.NewRecorder()

	err := p.Do(w, req, gateway.ProviderAnthropic)
	if !errors.Is(err, gateway.ErrUpstreamAuth) {
		t.Fatalf("err = %v, want ErrUpstreamAuth", err)
	}

	recs := usage.records()
	if len(recs) != 1 {
		t.Fatalf("got %d usage records, want 1 even on failure", len(recs))
	}
	if recs[0].StatusCode != http.StatusBadGateway {
		t.Errorf("recorded status = %d, want 502", recs[0].StatusCode)
	}
	if recs[0].TotalTokens != 0 {
		t.Errorf("tokens = %d, want 0 on failure", recs[0].TotalTokens)
	}
}
