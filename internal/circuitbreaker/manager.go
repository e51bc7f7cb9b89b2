package circuitbreaker

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/dskow/orchestrator-core/internal/endpoint"
	"github.com/dskow/orchestrator-core/internal/metrics"
)

// registryClient is the slice of the endpoint registry the manager needs:
// mirroring breaker state and enumerating live identities for cleanup.
type registryClient interface {
	UpdateBreakerState(id string, state endpoint.BreakerState) bool
	IDs() []string
}

// Manager owns the per-endpoint breakers and the fallback handler. It is the
// façade the router calls: Execute wraps an operation in the endpoint's
// breaker, substitutes a fallback when the circuit rejects the call, and
// mirrors the resulting breaker state into the registry.
type Manager struct {
	registry      registryClient
	defaultConfig Config
	fallback      *FallbackHandler
	logger        *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager creates a Manager applying defaultConfig to every breaker it
// lazily creates.
func NewManager(reg registryClient, defaultConfig Config, logger *slog.Logger) *Manager {
	return &Manager{
		registry:      reg,
		defaultConfig: defaultConfig,
		fallback:      NewFallbackHandler(),
		logger:        logger,
		breakers:      make(map[string]*Breaker),
	}
}

// breaker returns the breaker for an endpoint identity, creating it on
// first use.
func (m *Manager) breaker(endpointID string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.breakers[endpointID]
	if !ok {
		b = New(endpointID, m.defaultConfig, m.logger)
		m.breakers[endpointID] = b
	}
	return b
}

// Execute runs op through the endpoint's breaker. On success the result is
// returned and its body opportunistically cached for the cached_response
// strategy. When the breaker rejects the call, a fallback is returned
// instead and the error is nil: ErrCircuitOpen never leaks past this method.
// The operation's own failure is propagated to the caller unchanged.
// In every case the breaker's state is mirrored into the registry.
func (m *Manager) Execute(endpointID string, op Operation) (*Result, *Fallback, error) {
	b := m.breaker(endpointID)

	res, err := b.Call(op)

	if err == nil {
		m.registry.UpdateBreakerState(endpointID, b.State())
		if res != nil {
			m.fallback.CacheResponse(endpointID, res.Body, res.Header.Get("Content-Type"))
		}
		return res, nil, nil
	}

	if errors.Is(err, ErrCircuitOpen) {
		fb := m.fallback.Handle(endpointID, m.defaultConfig.FallbackStrategy, m.defaultConfig.FallbackResponse)
		metrics.FallbacksTotal.WithLabelValues(endpointID, string(fb.Strategy)).Inc()
		m.registry.UpdateBreakerState(endpointID, b.State())
		return nil, &fb, nil
	}

	// The operation's own failure: recorded by the breaker, propagated to
	// the caller. The mirror is deliberately not refreshed here, so the
	// first request after the circuit opens still reaches Execute and
	// receives the fallback rather than a bare policy rejection.
	return nil, nil, err
}

// State returns the live breaker state for an endpoint, performing the lazy
// open-to-half-open transition, and refreshes the registry mirror. Returns
// closed when no breaker exists yet.
func (m *Manager) State(endpointID string) endpoint.BreakerState {
	m.mu.Lock()
	b, ok := m.breakers[endpointID]
	m.mu.Unlock()
	if !ok {
		return endpoint.BreakerClosed
	}

	state := b.State()
	m.registry.UpdateBreakerState(endpointID, state)
	return state
}

// Reset manually forces an endpoint's breaker closed. Returns false when no
// breaker exists for the identity.
func (m *Manager) Reset(endpointID string) bool {
	m.mu.Lock()
	b, ok := m.breakers[endpointID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	b.Reset()
	m.registry.UpdateBreakerState(endpointID, b.State())
	return true
}

// Trip manually forces an endpoint's breaker open, creating it if needed.
func (m *Manager) Trip(endpointID string) {
	b := m.breaker(endpointID)
	b.Trip()
	m.registry.UpdateBreakerState(endpointID, b.State())
}

// Stats returns the stats snapshot for one endpoint's breaker.
func (m *Manager) Stats(endpointID string) (Stats, bool) {
	m.mu.Lock()
	b, ok := m.breakers[endpointID]
	m.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return b.Stats(), true
}

// AllStats returns stats snapshots for every breaker.
func (m *Manager) AllStats() []Stats {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	out := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}

// Cleanup deletes breakers for identities no longer present in the
// registry. Long-running processes with endpoint churn call this after
// config syncs to avoid unbounded growth.
func (m *Manager) Cleanup() int {
	live := make(map[string]bool)
	for _, id := range m.registry.IDs() {
		live[id] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id := range m.breakers {
		if !live[id] {
			delete(m.breakers, id)
			removed++
		}
	}

	if removed > 0 {
		m.logger.Info("cleaned up unused circuit breakers", "removed", removed)
	}
	return removed
}
