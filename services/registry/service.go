// Package registry is the source of truth for configured endpoints and
// their live health state.
//
// Endpoints themselves are immutable after startup; the health records
// are the only shared mutable state in the process. Each record carries
// its own lock so writers for different endpoints never contend.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tiergate/tiergate/config"
)

// ErrUnknownEndpoint is returned when a health operation names an
// endpoint the registry has never seen. Callers surface it as a warning;
// it indicates an internal bookkeeping bug, not an operator mistake.
var ErrUnknownEndpoint = errors.New("unknown endpoint")

// Endpoints become unhealthy after this many consecutive failures.
const unhealthyThreshold = 3

// HealthSnapshot is a point-in-time copy of one endpoint's health record.
type HealthSnapshot struct {
	Healthy             bool
	ConsecutiveFailures int
	LastCheck           time.Time
}

// LastCheckSecondsAgo returns whole seconds since the last health
// update. Before the first probe this measures from process start,
// which keeps the value meaningful during the warm-up window.
func (s HealthSnapshot) LastCheckSecondsAgo(now time.Time) int64 {
	return int64(now.Sub(s.LastCheck).Seconds())
}

// healthRecord is the mutable per-endpoint state. Guarded by its own
// mutex; never copied.
type healthRecord struct {
	mu                  sync.Mutex
	healthy             bool
	consecutiveFailures int
	lastCheck           time.Time
}

// Registry holds the endpoint lists per tier and one health record per
// endpoint. Safe for concurrent use.
type Registry struct {
	byTier  map[config.Tier][]config.Endpoint
	byName  map[string]config.Endpoint
	records map[string]*healthRecord
}

// New builds a registry from validated configuration. Every endpoint
// starts healthy with its last-check time set to now (process start).
func New(cfg *config.Config) *Registry {
	r := &Registry{
		byTier:  make(map[config.Tier][]config.Endpoint, len(config.Tiers)),
		byName:  make(map[string]config.Endpoint),
		records: make(map[string]*healthRecord),
	}

	start := time.Now()
	for _, tier := range config.Tiers {
		endpoints := cfg.EndpointsForTier(tier)
		r.byTier[tier] = endpoints
		for _, ep := range endpoints {
			r.byName[ep.Name] = ep
			r.records[ep.Name] = &healthRecord{
				healthy:   true,
				lastCheck: start,
			}
		}
	}

	return r
}

// Endpoints returns the endpoints of a tier in configuration order. The
// order is stable across calls; callers must not mutate the slice.
func (r *Registry) Endpoints(tier config.Tier) []config.Endpoint {
	return r.byTier[tier]
}

// AllEndpoints returns every endpoint across all tiers in tier order.
func (r *Registry) AllEndpoints() []config.Endpoint {
	var all []config.Endpoint
	for _, tier := range config.Tiers {
		all = append(all, r.byTier[tier]...)
	}
	return all
}

// EndpointByName looks up an endpoint across all tiers.
func (r *Registry) EndpointByName(name string) (config.Endpoint, error) {
	ep, ok := r.byName[name]
	if !ok {
		return config.Endpoint{}, fmt.Errorf("%w: %q", ErrUnknownEndpoint, name)
	}
	return ep, nil
}

// Snapshot returns the current health record for an endpoint.
func (r *Registry) Snapshot(name string) (HealthSnapshot, error) {
	rec, ok := r.records[name]
	if !ok {
		return HealthSnapshot{}, fmt.Errorf("%w: %q", ErrUnknownEndpoint, name)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return HealthSnapshot{
		Healthy:             rec.healthy,
		ConsecutiveFailures: rec.consecutiveFailures,
		LastCheck:           rec.lastCheck,
	}, nil
}

// IsHealthy reports whether an endpoint is currently healthy. Unknown
// endpoints are unhealthy.
func (r *Registry) IsHealthy(name string) bool {
	snap, err := r.Snapshot(name)
	if err != nil {
		return false
	}
	return snap.Healthy
}

// MarkSuccess records a successful probe or user invocation: the
// failure counter resets and the endpoint recovers immediately.
// Idempotent.
func (r *Registry) MarkSuccess(name string) error {
	rec, ok := r.records[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEndpoint, name)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.consecutiveFailures = 0
	rec.healthy = true
	rec.lastCheck = time.Now()
	return nil
}

// MarkFailure records a failed probe or invocation. The endpoint turns
// unhealthy once it accumulates three consecutive failures with no
// intervening success.
func (r *Registry) MarkFailure(name string) error {
	rec, ok := r.records[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEndpoint, name)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.consecutiveFailures++
	if rec.consecutiveFailures >= unhealthyThreshold {
		rec.healthy = false
	}
	rec.lastCheck = time.Now()
	return nil
}
