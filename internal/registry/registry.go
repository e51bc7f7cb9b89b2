// Package registry provides the authoritative in-memory table of endpoint
// identity, configuration, and runtime status. It is the only structure
// mutated by more than one component (router, health monitor, circuit
// breaker manager); all mutation goes through the methods here, serialized
// by a single registry-wide mutex. Operations are O(1) or O(n) over a small
// endpoint set and never perform I/O while holding the lock.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dskow/orchestrator-core/internal/endpoint"
	"github.com/dskow/orchestrator-core/internal/metrics"
)

// ErrIdentityConflict is returned when an identity is re-registered with a
// different URL.
var ErrIdentityConflict = errors.New("endpoint identity already registered with a different URL")

// ErrURLConflict is returned when a URL is already bound to a different
// identity.
var ErrURLConflict = errors.New("endpoint URL already registered under a different identity")

// SyncResult summarizes a sync_with_config reconciliation.
type SyncResult struct {
	Added   []string `json:"added"`
	Updated []string `json:"updated"`
	Removed []string `json:"removed"`
	Errors  []string `json:"errors"`
}

// Stats holds endpoint counts by status.
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Inactive  int `json:"inactive"`
	Disabled  int `json:"disabled"`
	Unhealthy int `json:"unhealthy"`
}

// Registry manages endpoint registration and lifecycle. Identity and URL
// form a bijective mapping at all times.
type Registry struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint.Registered
	urlToID   map[string]string
	seq       map[string]uint64 // registration order tiebreaker
	nextSeq   uint64
	logger    *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		endpoints: make(map[string]*endpoint.Registered),
		urlToID:   make(map[string]string),
		seq:       make(map[string]uint64),
		logger:    logger,
	}
}

// Register adds an endpoint or updates an existing one. Re-registering the
// same identity with the same URL updates the configuration in place;
// the same identity with a different URL fails with ErrIdentityConflict;
// a URL already bound to a different identity fails with ErrURLConflict.
func (r *Registry) Register(cfg endpoint.Config) (*endpoint.Registered, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(cfg)
}

// registerLocked implements Register. Must be called with r.mu held.
func (r *Registry) registerLocked(cfg endpoint.Config) (*endpoint.Registered, error) {
	id := cfg.ID()

	if existing, ok := r.endpoints[id]; ok {
		if existing.Config.URL != cfg.URL {
			return nil, fmt.Errorf("%w: %q -> %q", ErrIdentityConflict, id, cfg.URL)
		}

		// Same identity, same URL: update in place.
		existing.Config = cfg
		existing.RegisteredAt = time.Now()
		existing.Status = initialStatus(cfg)
		r.logger.Info("updated endpoint", "endpoint_id", id, "url", cfg.URL)
		return existing, nil
	}

	if boundID, ok := r.urlToID[cfg.URL]; ok && boundID != id {
		return nil, fmt.Errorf("%w: %q already bound to %q", ErrURLConflict, cfg.URL, boundID)
	}

	reg := &endpoint.Registered{
		Config:       cfg,
		Status:       initialStatus(cfg),
		BreakerState: endpoint.BreakerClosed,
		RegisteredAt: time.Now(),
	}

	r.endpoints[id] = reg
	r.urlToID[cfg.URL] = id
	r.seq[id] = r.nextSeq
	r.nextSeq++

	r.logger.Info("registered endpoint", "endpoint_id", id, "url", cfg.URL)
	r.updateGaugesLocked()
	return reg, nil
}

// applyConfigLocked replaces an existing endpoint's configuration during a
// config sync, remapping the URL index when the URL changed so identity and
// URL stay mutually inverse. Must be called with r.mu held.
func (r *Registry) applyConfigLocked(existing *endpoint.Registered, cfg endpoint.Config) error {
	id := existing.ID()

	if cfg.URL != existing.Config.URL {
		if boundID, ok := r.urlToID[cfg.URL]; ok && boundID != id {
			return fmt.Errorf("%w: %q already bound to %q", ErrURLConflict, cfg.URL, boundID)
		}
		delete(r.urlToID, existing.Config.URL)
		r.urlToID[cfg.URL] = id
	}

	existing.Config = cfg
	existing.Status = initialStatus(cfg)
	r.logger.Info("updated endpoint from config sync", "endpoint_id", id, "url", cfg.URL)
	r.updateGaugesLocked()
	return nil
}

func initialStatus(cfg endpoint.Config) endpoint.Status {
	if cfg.Disabled {
		return endpoint.StatusDisabled
	}
	return endpoint.StatusActive
}

// Unregister removes an endpoint and its URL mapping. Returns false when the
// identity is unknown; that is not an error.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(id)
}

func (r *Registry) unregisterLocked(id string) bool {
	reg, ok := r.endpoints[id]
	if !ok {
		r.logger.Warn("attempted to unregister unknown endpoint", "endpoint_id", id)
		return false
	}

	delete(r.endpoints, id)
	delete(r.urlToID, reg.Config.URL)
	delete(r.seq, id)

	r.logger.Info("unregistered endpoint", "endpoint_id", id)
	r.updateGaugesLocked()
	return true
}

// Get returns the endpoint registered under id, or nil when unknown.
func (r *Registry) Get(id string) *endpoint.Registered {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoints[id]
}

// Snapshot returns a value copy of the endpoint registered under id, safe to
// read without holding the registry lock. Policy checks in the router use
// this to observe live status without racing concurrent mutators.
func (r *Registry) Snapshot(id string) (endpoint.Registered, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.endpoints[id]
	if !ok {
		return endpoint.Registered{}, false
	}
	return *reg, true
}

// GetByURL returns the endpoint registered under url, or nil when unknown.
func (r *Registry) GetByURL(url string) *endpoint.Registered {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.urlToID[url]; ok {
		return r.endpoints[id]
	}
	return nil
}

// List returns endpoints ordered by registration time ascending. When
// statusFilter is non-empty only matching endpoints are returned; when
// includeDisabled is false, endpoints with a disabled configuration are
// skipped. Filtering is a pure view and does not mutate.
func (r *Registry) List(statusFilter endpoint.Status, includeDisabled bool) []*endpoint.Registered {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*endpoint.Registered, 0, len(r.endpoints))
	for _, reg := range r.endpoints {
		if !includeDisabled && reg.Config.Disabled {
			continue
		}
		if statusFilter != "" && reg.Status != statusFilter {
			continue
		}
		out = append(out, reg)
	}

	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i], out[j]
		if !ri.RegisteredAt.Equal(rj.RegisteredAt) {
			return ri.RegisteredAt.Before(rj.RegisteredAt)
		}
		return r.seq[ri.ID()] < r.seq[rj.ID()]
	})
	return out
}

// ListSnapshot returns value copies of all non-disabled endpoints, ordered by
// registration time ascending. The health monitor uses this to probe without
// holding references that concurrent syncs may mutate.
func (r *Registry) ListSnapshot() []endpoint.Registered {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]endpoint.Registered, 0, len(r.endpoints))
	for _, reg := range r.endpoints {
		if reg.Config.Disabled {
			continue
		}
		out = append(out, *reg)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return r.seq[out[i].ID()] < r.seq[out[j].ID()]
	})
	return out
}

// ListActive returns all active, non-disabled endpoints.
func (r *Registry) ListActive() []*endpoint.Registered {
	return r.List(endpoint.StatusActive, false)
}

// UpdateStatus sets the status of an endpoint. Returns false for an unknown
// identity. Idempotent and safe for concurrent invocation.
func (r *Registry) UpdateStatus(id string, status endpoint.Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.endpoints[id]
	if !ok {
		return false
	}

	if reg.Status != status {
		r.logger.Info("endpoint status changed",
			"endpoint_id", id,
			"from", string(reg.Status),
			"to", string(status),
		)
	}
	reg.Status = status
	r.updateGaugesLocked()
	return true
}

// UpdateBreakerState sets the read-only circuit breaker state mirror for an
// endpoint. The circuit breaker engine owns the authoritative state.
func (r *Registry) UpdateBreakerState(id string, state endpoint.BreakerState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.endpoints[id]
	if !ok {
		return false
	}

	if reg.BreakerState != state {
		r.logger.Info("endpoint circuit breaker state changed",
			"endpoint_id", id,
			"from", string(reg.BreakerState),
			"to", string(state),
		)
	}
	reg.BreakerState = state
	return true
}

// RecordFailure increments the consecutive failure counter for an endpoint.
func (r *Registry) RecordFailure(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.endpoints[id]
	if !ok {
		return false
	}

	reg.ConsecutiveFailures++
	reg.LastFailureTime = time.Now()
	r.logger.Debug("recorded endpoint failure",
		"endpoint_id", id,
		"consecutive_failures", reg.ConsecutiveFailures,
	)
	return true
}

// RecordSuccess resets the consecutive failure counter for an endpoint.
func (r *Registry) RecordSuccess(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.endpoints[id]
	if !ok {
		return false
	}

	reg.ConsecutiveFailures = 0
	reg.LastFailureTime = time.Time{}
	return true
}

// UpdateLastHealthCheck records the time of the most recent health probe.
func (r *Registry) UpdateLastHealthCheck(id string, t time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.endpoints[id]
	if !ok {
		return false
	}
	reg.LastHealthCheck = t
	return true
}

// SyncWithConfig reconciles the registry against a configuration snapshot:
// endpoints present in config but not the registry are added, present in
// both with a changed config are updated in place (status reset per the new
// disabled flag), and present in the registry but absent from config are
// removed. This is the mechanism by which hot configuration reload
// propagates.
func (r *Registry) SyncWithConfig(configs []endpoint.Config) SyncResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result SyncResult
	wanted := make(map[string]bool, len(configs))

	for _, cfg := range configs {
		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("endpoint %q: %v", cfg.URL, err))
			continue
		}

		id := cfg.ID()
		wanted[id] = true

		if existing, ok := r.endpoints[id]; ok {
			if existing.Config.Equal(cfg) {
				continue
			}
			if err := r.applyConfigLocked(existing, cfg); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("endpoint %q: %v", cfg.URL, err))
				continue
			}
			result.Updated = append(result.Updated, id)
			continue
		}

		if _, err := r.registerLocked(cfg); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("endpoint %q: %v", cfg.URL, err))
			continue
		}
		result.Added = append(result.Added, id)
	}

	for id := range r.endpoints {
		if !wanted[id] {
			if r.unregisterLocked(id) {
				result.Removed = append(result.Removed, id)
			}
		}
	}

	r.logger.Info("registry sync completed",
		"added", len(result.Added),
		"updated", len(result.Updated),
		"removed", len(result.Removed),
		"errors", len(result.Errors),
	)
	return result
}

// IDs returns the identities of all registered endpoints, in no particular
// order. Used by the circuit breaker manager and health monitor to garbage
// collect per-endpoint state after churn.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns endpoint counts by status.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsLocked()
}

func (r *Registry) statsLocked() Stats {
	s := Stats{Total: len(r.endpoints)}
	for _, reg := range r.endpoints {
		switch {
		case reg.Config.Disabled:
			s.Disabled++
		case reg.Status == endpoint.StatusActive:
			s.Active++
		case reg.Status == endpoint.StatusInactive:
			s.Inactive++
		case reg.Status == endpoint.StatusUnhealthy:
			s.Unhealthy++
		}
	}
	return s
}

// updateGaugesLocked refreshes the registered-endpoints metrics.
// Must be called with r.mu held.
func (r *Registry) updateGaugesLocked() {
	s := r.statsLocked()
	metrics.RegisteredEndpoints.WithLabelValues(string(endpoint.StatusActive)).Set(float64(s.Active))
	metrics.RegisteredEndpoints.WithLabelValues(string(endpoint.StatusInactive)).Set(float64(s.Inactive))
	metrics.RegisteredEndpoints.WithLabelValues(string(endpoint.StatusDisabled)).Set(float64(s.Disabled))
	metrics.RegisteredEndpoints.WithLabelValues(string(endpoint.StatusUnhealthy)).Set(float64(s.Unhealthy))
}
