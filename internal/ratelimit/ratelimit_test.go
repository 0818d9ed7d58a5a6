package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAllowWithinMinuteLimit(t *testing.T) {
	t.Parallel()

	l := newLimiter(Limits{PerMinute: 3}, time.Now())
	for i := 0; i < 3; i++ {
		res := l.Allow()
		if !res.Allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
		if res.Limit != 3 {
			t.Errorf("limit = %d, want 3", res.Limit)
		}
	}

	res := l.Allow()
	if res.Allowed {
		t.Fatal("4th request allowed, want denied")
	}
	if res.LimitType != LimitMinute {
		t.Errorf("limit_type = %q, want minute", res.LimitType)
	}
	if res.ResetInSeconds < 1 || res.ResetInSeconds > 60 {
		t.Errorf("reset_in_seconds = %d, want within (0,60]", res.ResetInSeconds)
	}
}

func TestDailyLimit(t *testing.T) {
	t.Parallel()

	l := newLimiter(Limits{PerDay: 2}, time.Now())
	l.Allow()
	l.Allow()

	res := l.Allow()
	if res.Allowed {
		t.Fatal("3rd request allowed, want daily denial")
	}
	if res.LimitType != LimitDaily {
		t.Errorf("limit_type = %q, want daily", res.LimitType)
	}
	if res.Limit != 2 {
		t.Errorf("limit = %d, want 2", res.Limit)
	}
	if res.ResetInSeconds < 1 || res.ResetInSeconds > 86400 {
		t.Errorf("reset_in_seconds = %d, want within (0,86400]", res.ResetInSeconds)
	}
}

func TestMinuteWindowRolls(t *testing.T) {
	t.Parallel()

	l := newLimiter(Limits{PerMinute: 1}, time.Now())
	if !l.Allow().Allowed {
		t.Fatal("first request denied")
	}
	if l.Allow().Allowed {
		t.Fatal("second request allowed within window")
	}

	// Force the window into the past; the next check must reset it.
	l.mu.Lock()
	l.minute.start = l.minute.start.Add(-2 * time.Minute)
	l.mu.Unlock()

	if !l.Allow().Allowed {
		t.Fatal("request after window roll denied")
	}
}

func TestUnlimited(t *testing.T) {
	t.Parallel()

	l := newLimiter(Limits{}, time.Now())
	for i := 0; i < 1000; i++ {
		if !l.Allow().Allowed {
			t.Fatalf("request %d denied with no limits", i)
		}
	}
}

func TestDenialDoesNotConsume(t *testing.T) {
	t.Parallel()

	l := newLimiter(Limits{PerMinute: 1, PerDay: 5}, time.Now())
	l.Allow()
	for i := 0; i < 10; i++ {
		l.Allow() // all denied by the minute window
	}
	l.mu.Lock()
	dayCount := l.day.count
	l.mu.Unlock()
	if dayCount != 1 {
		t.Errorf("day count = %d, want 1 (denials must not consume)", dayCount)
	}
}

func TestRegistryReplacesOnLimitChange(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := r.GetOrCreate("key-1", Limits{PerMinute: 10})
	b := r.GetOrCreate("key-1", Limits{PerMinute: 10})
	if a != b {
		t.Error("same limits should return the same limiter")
	}
	c := r.GetOrCreate("key-1", Limits{PerMinute: 20})
	if a == c {
		t.Error("changed limits should replace the limiter")
	}
}

func TestEvictStale(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.GetOrCreate("old", Limits{PerMinute: 10})
	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now()
	r.GetOrCreate("fresh", Limits{PerMinute: 10})

	if n := r.EvictStale(cutoff); n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}
	r.mu.RLock()
	_, oldExists := r.limiters["old"]
	_, freshExists := r.limiters["fresh"]
	r.mu.RUnlock()
	if oldExists || !freshExists {
		t.Errorf("old=%v fresh=%v, want old evicted and fresh kept", oldExists, freshExists)
	}
}

type staticCounter map[string]int64

func (c staticCounter) CountUsageSince(context.Context, time.Time) (map[string]int64, error) {
	return map[string]int64(c), nil
}

func TestSeedFromLedger(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.SeedFromLedger(context.Background(), staticCounter{"key-1": 4}); err != nil {
		t.Fatalf("SeedFromLedger: %v", err)
	}

	l := r.GetOrCreate("key-1", Limits{PerDay: 5})
	if !l.Allow().Allowed {
		t.Fatal("5th daily request denied, want allowed")
	}
	if res := l.Allow(); res.Allowed || res.LimitType != LimitDaily {
		t.Errorf("6th daily request: allowed=%v type=%q, want daily denial", res.Allowed, res.LimitType)
	}
}
