// Package gateway defines domain types and interfaces for the Lockgate LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Providers ---

// ServiceProvider identifies an upstream LLM vendor.
type ServiceProvider string

const (
	ProviderAnthropic ServiceProvider = "anthropic"
	ProviderOpenAI    ServiceProvider = "openai"
	ProviderGemini    ServiceProvider = "gemini"
	ProviderQwen      ServiceProvider = "qwen"
)

// AuthMethod identifies how an upstream account authenticates.
type AuthMethod string

const (
	AuthAPIKey AuthMethod = "api_key"
	AuthOAuth  AuthMethod = "oauth"
)

// ProviderConfig is the (vendor, auth method) pair that selects a concrete
// adapter. It is the only provider enumeration in the system; legacy
// single-valued provider names are migrated at the storage boundary.
type ProviderConfig struct {
	Provider ServiceProvider `json:"provider"`
	Auth     AuthMethod      `json:"auth"`
}

// String returns "provider/auth", e.g. "anthropic/oauth".
func (pc ProviderConfig) String() string {
	return string(pc.Provider) + "/" + string(pc.Auth)
}

// Supported reports whether the pair is one of the five supported combinations.
func (pc ProviderConfig) Supported() bool {
	switch pc.Provider {
	case ProviderAnthropic, ProviderGemini:
		return pc.Auth == AuthAPIKey || pc.Auth == AuthOAuth
	case ProviderOpenAI:
		return pc.Auth == AuthAPIKey
	case ProviderQwen:
		return pc.Auth == AuthOAuth
	}
	return false
}

// DefaultBaseURL returns the vendor's default API base for this pair.
func (pc ProviderConfig) DefaultBaseURL() string {
	switch pc.Provider {
	case ProviderAnthropic:
		if pc.Auth == AuthOAuth {
			return "https://api.anthropic.com"
		}
		return "https://api.anthropic.com/v1"
	case ProviderOpenAI:
		return "https://api.openai.com/v1"
	case ProviderGemini:
		return "https://generativelanguage.googleapis.com/v1"
	case ProviderQwen:
		return "https://dashscope.aliyuncs.com/api/v1"
	}
	return ""
}

// --- Identity entities ---

// User owns gateway keys and upstream accounts. CRUD happens outside the core;
// the dispatch path only reads.
type User struct {
	ID        int64     `json:"id"`
	Login     string    `json:"login"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is the credential a client presents to the gateway.
// The raw secret is visible only at creation time; only its hash persists.
type APIKey struct {
	ID          string     `json:"id"`
	UserID      int64      `json:"user_id"`
	Name        string     `json:"name"`
	KeyHash     string     `json:"-"` // SHA-256 hex, never exposed
	Permissions []string   `json:"permissions,omitempty"`
	RPMLimit    *int64     `json:"rpm_limit,omitempty"`   // requests per minute (nil = system default)
	DailyLimit  *int64     `json:"daily_limit,omitempty"` // requests per day (nil = system default)
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Active      bool       `json:"active"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// --- Upstream accounts ---

// Credentials holds the secret material for an upstream account, discriminated
// by the account's AuthMethod: APIKey for api_key accounts, the token fields
// for oauth accounts. BaseURL optionally overrides the vendor default.
type Credentials struct {
	APIKey       string    `json:"api_key,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	Scopes       []string  `json:"scopes,omitempty"`
	BaseURL      string    `json:"base_url,omitempty"`
}

// Valid reports whether the credentials carry the secret material the given
// auth method requires: a key for api_key, an access token for oauth.
func (c Credentials) Valid(auth AuthMethod) bool {
	switch auth {
	case AuthAPIKey:
		return c.APIKey != ""
	case AuthOAuth:
		return c.AccessToken != ""
	}
	return false
}

// Account is one usable credential against one vendor -- the unit of load
// balancing. Mutation goes through the account manager; everything else reads
// cloned snapshots.
type Account struct {
	ID           string         `json:"id"`
	UserID       int64          `json:"user_id"`
	Provider     ProviderConfig `json:"provider"`
	Name         string         `json:"name"`
	Credentials  Credentials    `json:"-"`
	Active       bool           `json:"active"`
	ProxyEnabled bool           `json:"proxy_enabled"`
	ProxyID      string         `json:"proxy_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Clone returns a deep copy safe to hand outside the owning store.
func (a *Account) Clone() *Account {
	cp := *a
	cp.Credentials.Scopes = append([]string(nil), a.Credentials.Scopes...)
	return &cp
}

// --- Egress proxies ---

// ProxyConfig describes a named HTTP/SOCKS5 egress proxy.
type ProxyConfig struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"` // "http", "https", "socks5"
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
	Enabled  bool   `json:"enabled"`
}

// URL renders the proxy as a URL usable by http.Transport / x/net/proxy.
func (p *ProxyConfig) URL() *url.URL {
	u := &url.URL{
		Scheme: p.Type,
		Host:   p.Host + ":" + strconv.Itoa(p.Port),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// ProxySettings is the system-wide proxy map plus the optional default.
type ProxySettings struct {
	Proxies   map[string]ProxyConfig `json:"proxies"`
	DefaultID string                 `json:"default_id,omitempty"`
}

// --- Usage accounting ---

// TokenUsage is the per-request token breakdown parsed from an upstream response.
type TokenUsage struct {
	Input         int `json:"input_tokens"`
	Output        int `json:"output_tokens"`
	CacheCreation int `json:"cache_creation_tokens"`
	CacheRead     int `json:"cache_read_tokens"`
}

// Total returns the sum of all token classes.
func (u TokenUsage) Total() int {
	return u.Input + u.Output + u.CacheCreation + u.CacheRead
}

// UsageRecord is the ledger row written once per forwarded request, including
// failed and client-cancelled ones.
type UsageRecord struct {
	ID                  string    `json:"id"`
	KeyID               string    `json:"key_id"`
	AccountID           string    `json:"account_id"`
	Method              string    `json:"method"`
	Path                string    `json:"path"`
	StatusCode          int       `json:"status_code"`
	InputTokens         int       `json:"input_tokens"`
	OutputTokens        int       `json:"output_tokens"`
	CacheCreationTokens int       `json:"cache_creation_tokens"`
	CacheReadTokens     int       `json:"cache_read_tokens"`
	TotalTokens         int       `json:"total_tokens"`
	CostUSD             float64   `json:"cost_usd"`
	LatencyMs           int64     `json:"latency_ms"`
	FirstTokenLatencyMs int64     `json:"first_token_latency_ms,omitempty"`
	TokensPerSecond     float64   `json:"tokens_per_second,omitempty"`
	RetryCount          int       `json:"retry_count"`
	Strategy            string    `json:"strategy,omitempty"`
	Confidence          float64   `json:"confidence,omitempty"`
	Reasoning           string    `json:"reasoning,omitempty"`
	RequestID           string    `json:"request_id"`
	CreatedAt           time.Time `json:"created_at"`
}

// UsageFilter narrows usage queries at the storage layer.
type UsageFilter struct {
	KeyID     string
	AccountID string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// --- Routing ---

// Priority classifies request urgency for strategy selection.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns a human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RequestType is a coarse classification of the inbound request.
type RequestType string

const (
	RequestChat            RequestType = "chat"
	RequestCodeGeneration  RequestType = "code_generation"
	RequestSummarization   RequestType = "summarization"
	RequestTranslation     RequestType = "translation"
	RequestAnalysis        RequestType = "analysis"
	RequestCreativeWriting RequestType = "creative_writing"
)

// RequestFeatures is the per-request descriptor fed to the smart router.
type RequestFeatures struct {
	Model           string      `json:"model"`
	EstimatedTokens int         `json:"estimated_tokens"`
	Priority        Priority    `json:"priority"`
	Type            RequestType `json:"type"`
	Streaming       bool        `json:"streaming"`
	Region          string      `json:"region,omitempty"`
}

// Strategy names a load-balancing algorithm.
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyFastestResponse    Strategy = "fastest_response"
	StrategyHealthBased        Strategy = "health_based"
	StrategyAdaptive           Strategy = "adaptive"
	StrategyGeographic         Strategy = "geographic"
)

// Preferences are per-user routing preferences, defaulted when unset.
type Preferences struct {
	Providers         []ServiceProvider `json:"providers"`          // preferred, in order
	MaxLatencyMs      int               `json:"max_latency_ms"`     // acceptable upper bound
	CostSensitivity   float64           `json:"cost_sensitivity"`   // [0,1]
	QualityPreference float64           `json:"quality_preference"` // [0,1]
	SmartRouting      bool              `json:"smart_routing"`
}

// DefaultPreferences returns the preferences applied when a user has none.
func DefaultPreferences() Preferences {
	return Preferences{
		Providers:         []ServiceProvider{ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderQwen},
		MaxLatencyMs:      30_000,
		CostSensitivity:   0.5,
		QualityPreference: 0.5,
		SmartRouting:      true,
	}
}

// RoutingDecision is the smart router's output for one request.
type RoutingDecision struct {
	Account    *Account `json:"-"`
	Strategy   Strategy `json:"strategy"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// --- Authenticated identity ---

// Identity is the authenticated caller context attached to the request context:
// either a resolved gateway key (KeyID set) or an upstream-key passthrough
// (Passthrough set, raw secret forwarded verbatim, no usage attribution).
type Identity struct {
	KeyID          string
	UserID         int64
	RPMLimit       int64 // 0 = system default
	DailyLimit     int64 // 0 = system default
	Passthrough    bool
	PassthroughKey string
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from ctx, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new
// metadata if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all Lockgate gateway keys.
const APIKeyPrefix = "lgk_"

// HashKey returns the hex-encoded SHA-256 hash of a raw gateway key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// GenerateKey returns a new raw gateway key: "lgk_" + 32 url-safe characters.
// The caller must hash it immediately; the raw value is never persisted.
func GenerateKey() (string, error) {
	// 24 random bytes -> 32 base64url characters, no padding.
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// MaskSecret returns a log-safe rendering of a secret: first 10 and last 4
// characters with the middle elided. Short secrets are fully masked.
func MaskSecret(s string) string {
	if len(s) <= 14 {
		return "****"
	}
	return s[:10] + "..." + s[len(s)-4:]
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}
