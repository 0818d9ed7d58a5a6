package health

import "time"

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits traffic while counting consecutive successes.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures to trip
	SuccessThreshold int           // consecutive half-open successes to close
	OpenTimeout      time.Duration // time in OPEN before the first probe
}

// DefaultBreakerConfig returns the standard thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		OpenTimeout:      30 * time.Second,
	}
}

// breaker is the per-account state machine. It is embedded in a tracker entry
// and relies on the entry lock; it has no locking of its own.
type breaker struct {
	state            State
	consecFailures   int
	halfOpenSuccess  int
	lastFailure      time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
}

func newBreaker(cfg BreakerConfig) breaker {
	return breaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openTimeout:      cfg.OpenTimeout,
	}
}

// canExecute reports whether a request may proceed, advancing Open to HalfOpen
// on the first call after the cooldown.
func (b *breaker) canExecute(now time.Time) bool {
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.lastFailure) >= b.openTimeout {
			b.state = StateHalfOpen
			b.halfOpenSuccess = 0
			return true
		}
		return false
	case StateHalfOpen:
		return true
	}
	return false
}

func (b *breaker) recordSuccess() {
	switch b.state {
	case StateClosed:
		b.consecFailures = 0
	case StateHalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.successThreshold {
			b.state = StateClosed
			b.consecFailures = 0
		}
	}
}

func (b *breaker) recordFailure(now time.Time) {
	b.lastFailure = now
	switch b.state {
	case StateClosed:
		b.consecFailures++
		if b.consecFailures >= b.failureThreshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		// Any half-open failure reopens immediately.
		b.state = StateOpen
		b.halfOpenSuccess = 0
		b.consecFailures = b.failureThreshold
	}
}
