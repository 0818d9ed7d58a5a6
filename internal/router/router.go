// Package router implements smart routing: suitability filtering of a user's
// upstream accounts, strategy selection from request priority and preferences,
// and confidence scoring of the resulting decision.
package router

import (
	"fmt"
	"slices"

	gateway "github.com/lockgate-ai/lockgate/internal"
	"github.com/lockgate-ai/lockgate/internal/balancer"
	"github.com/lockgate-ai/lockgate/internal/health"
)

// Router produces routing decisions over a user's upstream accounts.
type Router struct {
	balancer *balancer.Balancer
	health   *health.Tracker
	prefs    *PreferenceStore
}

// New creates a Router.
func New(b *balancer.Balancer, tracker *health.Tracker, prefs *PreferenceStore) *Router {
	return &Router{balancer: b, health: tracker, prefs: prefs}
}

// Preferences exposes the preference store for external updates.
func (r *Router) Preferences() *PreferenceStore { return r.prefs }

// Route filters the user's accounts by request features, picks a strategy,
// and delegates the final selection to the balancer.
func (r *Router) Route(accounts []*gateway.Account, features gateway.RequestFeatures, userID int64) (*gateway.RoutingDecision, error) {
	prefs := r.prefs.Get(userID)

	if !prefs.SmartRouting {
		account, err := r.balancer.Pick(activeOnly(accounts), gateway.StrategyRoundRobin)
		if err != nil {
			return nil, err
		}
		return &gateway.RoutingDecision{
			Account:    account,
			Strategy:   gateway.StrategyRoundRobin,
			Confidence: 0.5,
			Reasoning:  "smart routing disabled; round-robin over active accounts",
		}, nil
	}

	suitable := r.filterSuitable(accounts, features, prefs)
	if len(suitable) == 0 {
		// Relax to active + preferred provider when the strict filter empties.
		suitable = relaxedFilter(accounts, prefs)
	}

	strategy := selectStrategy(features.Priority, prefs)
	account, err := r.balancer.Pick(suitable, strategy)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", features.Model, err)
	}

	confidence := r.confidence(account, features, prefs)
	return &gateway.RoutingDecision{
		Account:    account,
		Strategy:   strategy,
		Confidence: confidence,
		Reasoning: fmt.Sprintf("%s via %s (%s priority, confidence %.2f)",
			strategy, account.Provider, features.Priority, confidence),
	}, nil
}

// RecordRequestResult is the learning hook: outcomes feed the health tracker,
// shaping future selections.
func (r *Router) RecordRequestResult(strategy gateway.Strategy, accountID string, success bool, latencyMs int64) {
	_ = strategy // strategies share one signal source for now
	if success {
		r.health.OnSuccess(accountID, latencyMs)
	} else {
		r.health.OnFailure(accountID)
	}
}

// filterSuitable keeps accounts that are active, provider-preferred, capable
// of the requested model and token count, and streaming-capable when needed.
// Specialty matches sort first so the balancer sees them ahead of the rest.
func (r *Router) filterSuitable(accounts []*gateway.Account, features gateway.RequestFeatures, prefs gateway.Preferences) []*gateway.Account {
	var matched, rest []*gateway.Account
	for _, a := range accounts {
		if !a.Active {
			continue
		}
		if !slices.Contains(prefs.Providers, a.Provider.Provider) {
			continue
		}
		cap, ok := capabilities[a.Provider.Provider]
		if !ok {
			continue
		}
		if !cap.supportsModel(features.Model) {
			continue
		}
		if cap.maxTokens < features.EstimatedTokens {
			continue
		}
		if features.Streaming && !cap.streaming {
			continue
		}
		if cap.hasSpecialty(features.Type) {
			matched = append(matched, a)
		} else {
			rest = append(rest, a)
		}
	}
	return append(matched, rest...)
}

func relaxedFilter(accounts []*gateway.Account, prefs gateway.Preferences) []*gateway.Account {
	var out []*gateway.Account
	for _, a := range accounts {
		if a.Active && slices.Contains(prefs.Providers, a.Provider.Provider) {
			out = append(out, a)
		}
	}
	return out
}

func activeOnly(accounts []*gateway.Account) []*gateway.Account {
	var out []*gateway.Account
	for _, a := range accounts {
		if a.Active {
			out = append(out, a)
		}
	}
	return out
}

// selectStrategy maps request priority to a balancing strategy, with user
// preferences breaking ties at normal priority.
func selectStrategy(priority gateway.Priority, prefs gateway.Preferences) gateway.Strategy {
	switch priority {
	case gateway.PriorityCritical:
		return gateway.StrategyFastestResponse
	case gateway.PriorityHigh:
		return gateway.StrategyHealthBased
	case gateway.PriorityNormal:
		switch {
		case prefs.CostSensitivity > 0.7:
			return gateway.StrategyLeastConnections
		case prefs.QualityPreference > 0.8:
			return gateway.StrategyAdaptive
		default:
			return gateway.StrategyWeightedRoundRobin
		}
	default:
		return gateway.StrategyRoundRobin
	}
}

// confidence starts at 0.5 and is adjusted by feature matches and the
// account's observed health class, clamped to [0,1].
func (r *Router) confidence(account *gateway.Account, features gateway.RequestFeatures, prefs gateway.Preferences) float64 {
	c := 0.5
	cap, ok := capabilities[account.Provider.Provider]
	if ok {
		if cap.hasSpecialty(features.Type) {
			c += 0.2
		}
		if cap.supportsModel(features.Model) && !slices.Contains(cap.models, "*") {
			c += 0.15
		}
		if features.Streaming == cap.streaming {
			c += 0.1
		}
	}
	if slices.Contains(prefs.Providers, account.Provider.Provider) {
		c += 0.1
	}

	var class health.Class
	if s, ok := r.health.Snapshot(account.ID); ok {
		class = s.Classify()
	}
	switch class {
	case health.ClassHealthy:
		c += 0.15
	case health.ClassDegraded:
		c -= 0.05
	case health.ClassUnhealthy:
		c -= 0.2
	default:
		c -= 0.1
	}

	return min(1, max(0, c))
}
