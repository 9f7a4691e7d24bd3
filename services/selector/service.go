// Package selector chooses a concrete endpoint within a tier using
// priority filtering, health filtering, and weighted random draw.
package selector

import (
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/tiergate/tiergate/config"
	"github.com/tiergate/tiergate/services/registry"
)

// ExclusionSet tracks endpoint names already tried within one request.
// It is request-scoped and never shared across requests; global failure
// tracking is the registry's job.
type ExclusionSet map[string]struct{}

// NewExclusionSet returns an empty exclusion set.
func NewExclusionSet() ExclusionSet {
	return make(ExclusionSet)
}

// Add records an endpoint name.
func (s ExclusionSet) Add(name string) {
	s[name] = struct{}{}
}

// Contains reports whether a name was recorded.
func (s ExclusionSet) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Len returns the number of excluded endpoints.
func (s ExclusionSet) Len() int {
	return len(s)
}

// Names returns the excluded endpoint names (unordered).
func (s ExclusionSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	return names
}

// Selector picks endpoints for the retry loop and the LLM router.
//
// Selection order is load-bearing: exclusions first, then the highest
// remaining priority, then health, then a weighted random draw among
// the survivors. Lower-priority endpoints only become candidates once
// every higher-priority endpoint has been excluded by earlier attempts.
type Selector struct {
	registry *registry.Registry
	logger   *zap.Logger

	// randFloat64 is swapped out in tests for deterministic draws.
	randFloat64 func() float64
}

// New creates a Selector backed by the given registry.
func New(reg *registry.Registry, logger *zap.Logger) *Selector {
	return &Selector{
		registry: reg,
		logger:   logger,
		// math/rand/v2's top-level generator is safe for concurrent
		// use without sharing mutable state between request tasks.
		randFloat64: rand.Float64,
	}
}

// Select returns one endpoint of the tier, or false when every endpoint
// is excluded, outranked, or unhealthy.
func (s *Selector) Select(tier config.Tier, exclude ExclusionSet) (config.Endpoint, bool) {
	endpoints := s.registry.Endpoints(tier)
	if len(endpoints) == 0 {
		s.logger.Error("no endpoints configured for tier", zap.String("tier", string(tier)))
		return config.Endpoint{}, false
	}

	candidates := make([]config.Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if exclude.Contains(ep.Name) {
			continue
		}
		candidates = append(candidates, ep)
	}

	maxPriority := 0
	for _, ep := range candidates {
		if ep.Priority > maxPriority {
			maxPriority = ep.Priority
		}
	}

	survivors := candidates[:0]
	for _, ep := range candidates {
		if ep.Priority < maxPriority {
			continue
		}
		if !s.registry.IsHealthy(ep.Name) {
			continue
		}
		survivors = append(survivors, ep)
	}

	if len(survivors) == 0 {
		s.logger.Warn("no selectable endpoints for tier",
			zap.String("tier", string(tier)),
			zap.Int("configured", len(endpoints)),
			zap.Int("excluded", exclude.Len()))
		return config.Endpoint{}, false
	}

	return s.weightedDraw(survivors), true
}

// weightedDraw picks one endpoint with probability weight/sum(weights).
// Weights are positive and finite by config validation.
func (s *Selector) weightedDraw(endpoints []config.Endpoint) config.Endpoint {
	if len(endpoints) == 1 {
		return endpoints[0]
	}

	var total float64
	for _, ep := range endpoints {
		total += ep.Weight
	}

	target := s.randFloat64() * total
	var cumulative float64
	for _, ep := range endpoints {
		cumulative += ep.Weight
		if target < cumulative {
			return ep
		}
	}

	// Floating-point rounding can leave target just past the last
	// cumulative sum; the last endpoint absorbs it.
	return endpoints[len(endpoints)-1]
}

// DefaultTier returns the tier holding the highest-priority endpoint
// across the whole fleet, checking tiers in fast, balanced, deep order
// on ties. Used when no rule fires and no LLM router is configured.
func (s *Selector) DefaultTier() config.Tier {
	maxPriority := -1
	for _, ep := range s.registry.AllEndpoints() {
		if ep.Priority > maxPriority {
			maxPriority = ep.Priority
		}
	}

	for _, tier := range config.Tiers {
		for _, ep := range s.registry.Endpoints(tier) {
			if ep.Priority == maxPriority {
				return tier
			}
		}
	}

	// Config validation guarantees at least one endpoint per tier, so
	// this is unreachable; balanced is the safe answer regardless.
	return config.TierBalanced
}

// EndpointCount returns how many endpoints a tier has configured.
func (s *Selector) EndpointCount(tier config.Tier) int {
	return len(s.registry.Endpoints(tier))
}
