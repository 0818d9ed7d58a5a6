package gateway

import "errors"

// Sentinel errors for the gateway domain. The HTTP transport layer maps these
// to outward statuses; pipeline stages return them wrapped with context.
var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrKeyExpired         = errors.New("api key expired")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrNoUpstream         = errors.New("no upstream available")
	ErrUpstreamAuth       = errors.New("upstream auth expired")
	ErrUpstreamTransport  = errors.New("upstream transport failure")
	ErrBadRequest         = errors.New("bad request")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
)
