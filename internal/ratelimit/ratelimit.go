// Package ratelimit implements per-key request limiting over two fixed
// windows: requests per minute and requests per day.
package ratelimit

import (
	"sync"
	"time"
)

// LimitType names the window that produced a rate-limit decision.
type LimitType string

const (
	LimitMinute LimitType = "minute"
	LimitDaily  LimitType = "daily"
)

// Limits holds the effective request limits for a key.
// A value of 0 means unlimited.
type Limits struct {
	PerMinute int64
	PerDay    int64
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed        bool
	Limit          int64
	Remaining      int64
	ResetInSeconds int64
	LimitType      LimitType
}

// window is a fixed counting window. Counts reset when the wall clock crosses
// the window boundary; no background goroutine is needed.
type window struct {
	start time.Time
	count int64
	span  time.Duration
}

func (w *window) roll(now time.Time) {
	if now.Sub(w.start) >= w.span {
		w.start = now.Truncate(w.span)
		w.count = 0
	}
}

func (w *window) resetIn(now time.Time) int64 {
	remaining := w.span - now.Sub(w.start)
	if remaining < time.Second {
		return 1
	}
	return int64(remaining / time.Second)
}

// Limiter holds the minute and day windows for a single key.
type Limiter struct {
	mu       sync.Mutex
	limits   Limits
	minute   window
	day      window
	lastUsed time.Time
}

func newLimiter(limits Limits, now time.Time) *Limiter {
	return &Limiter{
		limits:   limits,
		minute:   window{start: now.Truncate(time.Minute), span: time.Minute},
		day:      window{start: now.Truncate(24 * time.Hour), span: 24 * time.Hour},
		lastUsed: now,
	}
}

// Allow consumes one request from both windows. The minute window is checked
// first; a denial leaves both windows unconsumed.
func (l *Limiter) Allow() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastUsed = now

	l.minute.roll(now)
	l.day.roll(now)

	if l.limits.PerMinute > 0 && l.minute.count >= l.limits.PerMinute {
		return Result{
			Limit:          l.limits.PerMinute,
			ResetInSeconds: l.minute.resetIn(now),
			LimitType:      LimitMinute,
		}
	}
	if l.limits.PerDay > 0 && l.day.count >= l.limits.PerDay {
		return Result{
			Limit:          l.limits.PerDay,
			ResetInSeconds: l.day.resetIn(now),
			LimitType:      LimitDaily,
		}
	}

	l.minute.count++
	l.day.count++

	res := Result{Allowed: true}
	if l.limits.PerMinute > 0 {
		res.Limit = l.limits.PerMinute
		res.Remaining = l.limits.PerMinute - l.minute.count
		res.LimitType = LimitMinute
	}
	return res
}

// seedDaily pre-loads the day window with requests already recorded elsewhere.
func (l *Limiter) seedDaily(count int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if count > l.day.count {
		l.day.count = count
	}
}

// Registry manages per-key Limiters.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	seeds    map[string]int64
	seedDay  time.Time
}

// NewRegistry creates a new rate limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// GetOrCreate returns the limiter for keyID, creating one if needed.
// If the key's limits have changed, a fresh limiter replaces the old one.
func (r *Registry) GetOrCreate(keyID string, limits Limits) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[keyID]
	r.mu.RUnlock()
	if ok && l.limits == limits {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[keyID]; ok && l.limits == limits {
		return l
	}
	l = newLimiter(limits, time.Now())
	r.applySeed(keyID, l)
	r.limiters[keyID] = l
	return l
}

// EvictStale removes limiters not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}
