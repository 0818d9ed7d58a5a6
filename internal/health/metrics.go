// Package health is the single source of truth for per-account health signals:
// request metrics (latency EMA, success rate, load) and the circuit breaker
// that hides failing accounts for a cooldown. One entry per account id, each
// guarded by its own lock so hot-path updates do not contend on the map.
package health

import "time"

// emaAlpha is the smoothing factor for the response-time moving average.
const emaAlpha = 0.2

// metrics holds the mutable per-account counters. Callers go through the
// Tracker; this struct is never shared outside its entry lock.
type metrics struct {
	successCount   int64
	failureCount   int64
	avgResponseMs  float64
	lastResponseMs int64
	activeConns    int64
	errorStreak    int64
	totalRequests  int64
	lastUsed       time.Time
}

func (m *metrics) recordStart(now time.Time) {
	m.activeConns++
	m.lastUsed = now
}

func (m *metrics) recordSuccess(latencyMs int64, now time.Time) {
	m.successCount++
	m.totalRequests++
	m.errorStreak = 0
	m.lastResponseMs = latencyMs
	if m.avgResponseMs == 0 {
		m.avgResponseMs = float64(latencyMs)
	} else {
		m.avgResponseMs = emaAlpha*float64(latencyMs) + (1-emaAlpha)*m.avgResponseMs
	}
	if m.activeConns > 0 {
		m.activeConns--
	}
	m.lastUsed = now
}

func (m *metrics) recordFailure(now time.Time) {
	m.failureCount++
	m.totalRequests++
	m.errorStreak++
	if m.activeConns > 0 {
		m.activeConns--
	}
	m.lastUsed = now
}

// Class buckets a health score for routing confidence adjustments.
type Class int

const (
	ClassUnknown Class = iota
	ClassHealthy
	ClassDegraded
	ClassUnhealthy
)

// String returns a human-readable class name.
func (c Class) String() string {
	switch c {
	case ClassHealthy:
		return "healthy"
	case ClassDegraded:
		return "degraded"
	case ClassUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Snapshot is a read-only copy of one account's metrics.
type Snapshot struct {
	SuccessCount   int64
	FailureCount   int64
	AvgResponseMs  float64
	LastResponseMs int64
	ActiveConns    int64
	ErrorStreak    int64
	TotalRequests  int64
	LastUsed       time.Time
}

// SuccessRate returns success/total, 1 when no requests were observed.
func (s Snapshot) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 1
	}
	return float64(s.SuccessCount) / float64(s.TotalRequests)
}

// ResponseScore maps average latency into [0,1]; 5s and above scores 0.
func (s Snapshot) ResponseScore() float64 {
	return 1 - min(1, s.AvgResponseMs/5000)
}

// LoadScore decays with active connections: 1/(1+active/10).
func (s Snapshot) LoadScore() float64 {
	return 1 / (1 + float64(s.ActiveConns)/10)
}

// StreakPenalty decays with the consecutive error streak: 1/(1+0.5*streak).
func (s Snapshot) StreakPenalty() float64 {
	return 1 / (1 + 0.5*float64(s.ErrorStreak))
}

// HealthScore is the weighted composite used by health-based balancing.
func (s Snapshot) HealthScore() float64 {
	return 0.4*s.SuccessRate() + 0.3*s.ResponseScore() + 0.2*s.LoadScore() + 0.1*s.StreakPenalty()
}

// Classify buckets the score; accounts with no traffic are Unknown.
func (s Snapshot) Classify() Class {
	if s.TotalRequests == 0 {
		return ClassUnknown
	}
	score := s.HealthScore()
	switch {
	case score >= 0.8:
		return ClassHealthy
	case score >= 0.5:
		return ClassDegraded
	default:
		return ClassUnhealthy
	}
}

func (m *metrics) snapshot() Snapshot {
	return Snapshot{
		SuccessCount:   m.successCount,
		FailureCount:   m.failureCount,
		AvgResponseMs:  m.avgResponseMs,
		LastResponseMs: m.lastResponseMs,
		ActiveConns:    m.activeConns,
		ErrorStreak:    m.errorStreak,
		TotalRequests:  m.totalRequests,
		LastUsed:       m.lastUsed,
	}
}
