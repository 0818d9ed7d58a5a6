package balancer

import (
	"errors"
	"testing"
	"time"

	gateway "github.com/lockgate-ai/lockgate/internal"
	"github.com/lockgate-ai/lockgate/internal/health"
)

func account(id string) *gateway.Account {
	return &gateway.Account{
		ID:     id,
		Active: true,
		Provider: gateway.ProviderConfig{
			Provider: gateway.ProviderAnthropic,
			Auth:     gateway.AuthAPIKey,
		},
		Credentials: gateway.Credentials{APIKey: "sk-ant-" + id},
	}
}

func TestPickNoEligible(t *testing.T) {
	t.Parallel()

	b := New(health.NewTracker(health.DefaultBreakerConfig()))

	_, err := b.Pick(nil, gateway.StrategyRoundRobin)
	if !errors.Is(err, gateway.ErrNoUpstream) {
		t.Fatalf("err = %v, want ErrNoUpstream", err)
	}

	inactive := account("a")
	inactive.Active = false
	_, err = b.Pick([]*gateway.Account{inactive}, gateway.StrategyRoundRobin)
	if !errors.Is(err, gateway.ErrNoUpstream) {
		t.Fatalf("err = %v, want ErrNoUpstream for all-inactive", err)
	}
}

func TestPickSkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	tracker := health.NewTracker(health.BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Hour})
	b := New(tracker)

	tracker.OnRequestStart("bad")
	tracker.OnFailure("bad")

	accounts := []*gateway.Account{account("bad"), account("good")}
	for range 10 {
		picked, err := b.Pick(accounts, gateway.StrategyRoundRobin)
		if err != nil {
			t.Fatal(err)
		}
		if picked.ID != "good" {
			t.Fatalf("picked %s, want the account whose breaker is closed", picked.ID)
		}
	}
}

func TestRoundRobinCycles(t *testing.T) {
	t.Parallel()

	b := New(health.NewTracker(health.DefaultBreakerConfig()))
	accounts := []*gateway.Account{account("a"), account("b"), account("c")}

	seen := make(map[string]int)
	for range 9 {
		picked, err := b.Pick(accounts, gateway.StrategyRoundRobin)
		if err != nil {
			t.Fatal(err)
		}
		seen[picked.ID]++
	}
	for _, id := range []string{"a", "b", "c"} {
		if seen[id] != 3 {
			t.Errorf("account %s picked %d times, want 3", id, seen[id])
		}
	}
}

func TestLeastConnections(t *testing.T) {
	t.Parallel()

	tracker := health.NewTracker(health.DefaultBreakerConfig())
	b := New(tracker)

	tracker.OnRequestStart("busy")
	tracker.OnRequestStart("busy")
	tracker.OnRequestStart("idle")
	tracker.OnSuccess("idle", 10)

	picked, err := b.Pick([]*gateway.Account{account("busy"), account("idle")}, gateway.StrategyLeastConnections)
	if err != nil {
		t.Fatal(err)
	}
	if picked.ID != "idle" {
		t.Errorf("picked %s, want idle", picked.ID)
	}
}

func TestFastestResponse(t *testing.T) {
	t.Parallel()

	tracker := health.NewTracker(health.DefaultBreakerConfig())
	b := New(tracker)

	tracker.OnRequestStart("slow")
	tracker.OnSuccess("slow", 2000)
	tracker.OnRequestStart("fast")
	tracker.OnSuccess("fast", 50)

	picked, err := b.Pick([]*gateway.Account{account("slow"), account("fast"), account("unmeasured")}, gateway.StrategyFastestResponse)
	if err != nil {
		t.Fatal(err)
	}
	if picked.ID != "fast" {
		t.Errorf("picked %s, want fast (unmeasured accounts rank last)", picked.ID)
	}
}

func TestHealthBasedPrefersHealthy(t *testing.T) {
	t.Parallel()

	tracker := health.NewTracker(health.DefaultBreakerConfig())
	b := New(tracker)

	for range 10 {
		tracker.OnRequestStart("healthy")
		tracker.OnSuccess("healthy", 100)
	}
	for range 4 {
		tracker.OnRequestStart("shaky")
		tracker.OnFailure("shaky")
	}
	tracker.OnRequestStart("shaky")
	tracker.OnSuccess("shaky", 4000)

	picked, err := b.Pick([]*gateway.Account{account("shaky"), account("healthy")}, gateway.StrategyHealthBased)
	if err != nil {
		t.Fatal(err)
	}
	if picked.ID != "healthy" {
		t.Errorf("picked %s, want healthy", picked.ID)
	}
}

func TestAdaptivePicksFromTopRanked(t *testing.T) {
	t.Parallel()

	tracker := health.NewTracker(health.DefaultBreakerConfig())
	b := New(tracker)

	// Four accounts, one clearly degraded (but under the breaker threshold so
	// it survives the pre-filter): it ranks fourth and must never surface from
	// a top-3 pick.
	for range 4 {
		tracker.OnRequestStart("bad")
		tracker.OnFailure("bad")
	}
	tracker.OnRequestStart("bad")
	tracker.OnSuccess("bad", 4900)
	accounts := []*gateway.Account{account("a"), account("b"), account("c"), account("bad")}

	for range 50 {
		picked, err := b.Pick(accounts, gateway.StrategyAdaptive)
		if err != nil {
			t.Fatal(err)
		}
		if picked.ID == "bad" {
			t.Fatal("adaptive picked the lowest-ranked account")
		}
	}
}

func TestWeightedRoundRobinFavorsValidCredentials(t *testing.T) {
	t.Parallel()

	b := New(health.NewTracker(health.DefaultBreakerConfig()))

	strong := account("strong")
	weak := account("weak")
	weak.Credentials = gateway.Credentials{} // invalid for api_key auth -> low weight

	counts := map[string]int{}
	for range 2000 {
		picked, err := b.Pick([]*gateway.Account{strong, weak}, gateway.StrategyWeightedRoundRobin)
		if err != nil {
			t.Fatal(err)
		}
		counts[picked.ID]++
	}
	// Expected split is 10:1; allow generous slack for randomness.
	if counts["strong"] < counts["weak"]*4 {
		t.Errorf("split = %v, want strong heavily favored", counts)
	}
}

func TestGeographicDelegatesToHealthBased(t *testing.T) {
	t.Parallel()

	tracker := health.NewTracker(health.DefaultBreakerConfig())
	b := New(tracker)
	for range 10 {
		tracker.OnRequestStart("near")
		tracker.OnSuccess("near", 50)
	}
	tracker.OnRequestStart("far")
	tracker.OnFailure("far")
	tracker.OnRequestStart("far")
	tracker.OnSuccess("far", 4500)

	picked, err := b.Pick([]*gateway.Account{account("far"), account("near")}, gateway.StrategyGeographic)
	if err != nil {
		t.Fatal(err)
	}
	if picked.ID != "near" {
		t.Errorf("picked %s, want near", picked.ID)
	}
}
