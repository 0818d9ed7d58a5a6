// Package balancer selects one upstream account from a candidate set under a
// named strategy. Strategies read health snapshots; none of them mutate state,
// so a selection never poisons the signals it reads.
package balancer

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync/atomic"

	gateway "github.com/lockgate-ai/lockgate/internal"
	"github.com/lockgate-ai/lockgate/internal/health"
)

const baseWeight = 100.0

// Balancer picks accounts using per-account health signals.
type Balancer struct {
	health  *health.Tracker
	rrIndex atomic.Uint64 // process-wide round-robin counter
}

// New creates a Balancer reading from the given tracker.
func New(tracker *health.Tracker) *Balancer {
	return &Balancer{health: tracker}
}

// Pick filters candidates (inactive accounts and open breakers drop out) and
// selects one under the given strategy. An empty post-filter set yields
// gateway.ErrNoUpstream.
func (b *Balancer) Pick(candidates []*gateway.Account, strategy gateway.Strategy) (*gateway.Account, error) {
	eligible := make([]*gateway.Account, 0, len(candidates))
	for _, a := range candidates {
		if !a.Active {
			continue
		}
		if !b.health.CanExecute(a.ID) {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("pick %s: %w", strategy, gateway.ErrNoUpstream)
	}

	switch strategy {
	case gateway.StrategyRoundRobin:
		return b.roundRobin(eligible), nil
	case gateway.StrategyWeightedRoundRobin:
		return b.weightedRoundRobin(eligible), nil
	case gateway.StrategyLeastConnections:
		return b.leastConnections(eligible), nil
	case gateway.StrategyFastestResponse:
		return b.fastestResponse(eligible), nil
	case gateway.StrategyHealthBased, gateway.StrategyGeographic:
		// Geographic delegates to health-based until region data is modeled.
		return b.healthBased(eligible), nil
	case gateway.StrategyAdaptive:
		return b.adaptive(eligible), nil
	default:
		return b.roundRobin(eligible), nil
	}
}

// roundRobin advances the shared counter; strict fairness is best-effort
// under contention, ties broken by integer wrap.
func (b *Balancer) roundRobin(accounts []*gateway.Account) *gateway.Account {
	idx := b.rrIndex.Add(1) - 1
	return accounts[idx%uint64(len(accounts))]
}

// weightedRoundRobin weights each account by base x (usable ? 1.0 : 0.1) and
// picks uniformly in [0, total), walking the cumulative weights.
func (b *Balancer) weightedRoundRobin(accounts []*gateway.Account) *gateway.Account {
	weights := make([]float64, len(accounts))
	var total float64
	for i, a := range accounts {
		w := baseWeight * 0.1
		if a.Active && a.Credentials.Valid(a.Provider.Auth) {
			w = baseWeight
		}
		weights[i] = w
		total += w
	}
	target := rand.Float64() * total
	var acc float64
	for i, w := range weights {
		acc += w
		if target < acc {
			return accounts[i]
		}
	}
	return accounts[len(accounts)-1]
}

func (b *Balancer) leastConnections(accounts []*gateway.Account) *gateway.Account {
	best := accounts[0]
	bestConns := b.activeConns(best.ID)
	for _, a := range accounts[1:] {
		if c := b.activeConns(a.ID); c < bestConns {
			best, bestConns = a, c
		}
	}
	return best
}

func (b *Balancer) activeConns(id string) int64 {
	if s, ok := b.health.Snapshot(id); ok {
		return s.ActiveConns
	}
	return 0
}

func (b *Balancer) fastestResponse(accounts []*gateway.Account) *gateway.Account {
	best := accounts[0]
	bestAvg := b.avgResponse(best.ID)
	for _, a := range accounts[1:] {
		if avg := b.avgResponse(a.ID); avg < bestAvg {
			best, bestAvg = a, avg
		}
	}
	return best
}

// avgResponse treats never-observed accounts as infinitely slow so that
// accounts with real measurements win.
func (b *Balancer) avgResponse(id string) float64 {
	s, ok := b.health.Snapshot(id)
	if !ok || s.TotalRequests == 0 {
		return math.Inf(1)
	}
	return s.AvgResponseMs
}

func (b *Balancer) healthBased(accounts []*gateway.Account) *gateway.Account {
	best := accounts[0]
	bestScore := b.healthScore(best.ID)
	for _, a := range accounts[1:] {
		if score := b.healthScore(a.ID); score > bestScore {
			best, bestScore = a, score
		}
	}
	return best
}

// healthScore returns 0.5 for accounts with no observations, a neutral prior
// that lets unknown accounts compete without dominating.
func (b *Balancer) healthScore(id string) float64 {
	s, ok := b.health.Snapshot(id)
	if !ok || s.TotalRequests == 0 {
		return 0.5
	}
	return s.HealthScore()
}

// adaptive scores every candidate on a composite of health, success rate,
// latency, load, and provider diversity, then picks uniformly from the top 3
// to avoid always hammering the single best account.
func (b *Balancer) adaptive(accounts []*gateway.Account) *gateway.Account {
	providerCount := make(map[gateway.ServiceProvider]int, 4)
	for _, a := range accounts {
		providerCount[a.Provider.Provider]++
	}

	type scored struct {
		account *gateway.Account
		score   float64
	}
	ranked := make([]scored, 0, len(accounts))
	for _, a := range accounts {
		s, ok := b.health.Snapshot(a.ID)
		hs, sr, rs, ls := 0.5, 1.0, 1.0, 1.0
		if ok && s.TotalRequests > 0 {
			hs, sr, rs, ls = s.HealthScore(), s.SuccessRate(), s.ResponseScore(), s.LoadScore()
		}
		// Rarer providers score higher, spreading load across vendors.
		diversity := 1 - float64(providerCount[a.Provider.Provider]-1)/float64(len(accounts))
		score := 0.25*hs + 0.25*sr + 0.20*rs + 0.15*ls + 0.15*diversity
		ranked = append(ranked, scored{a, score})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	top := min(3, len(ranked))
	return ranked[rand.IntN(top)].account
}
