// Package circuitbreaker provides per-endpoint fault isolation for the
// orchestrator: a consecutive-failure state machine, fallback response
// generation for open circuits, and a manager façade that ties breaker
// state into the endpoint registry.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/orchestrator-core/internal/endpoint"
	"github.com/dskow/orchestrator-core/internal/metrics"
)

// ErrCircuitOpen is returned by Call when the circuit is open or the
// half-open trial budget is exhausted. It is an internal signal: the manager
// always intercepts it and substitutes a fallback response, so it never
// reaches the router.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds per-breaker settings.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens a
	// closed circuit.
	FailureThreshold int

	// ResetTimeout is how long an open circuit waits before admitting trial
	// calls. The transition is evaluated lazily on the next access, not by a
	// background timer, so a circuit with no traffic stays open.
	ResetTimeout time.Duration

	// HalfOpenMaxCalls caps the number of trial calls admitted while
	// half-open.
	HalfOpenMaxCalls int

	// FallbackStrategy selects the substitute response for rejected calls.
	FallbackStrategy endpoint.FallbackStrategy

	// FallbackResponse is the static body served by the default_response
	// strategy, when configured.
	FallbackResponse map[string]any
}

// Result is the payload carried through a breaker-protected call.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Operation is a breaker-protected unit of work, typically one proxied
// request.
type Operation func() (*Result, error)

// Breaker is the failure state machine for a single endpoint.
type Breaker struct {
	endpointID string
	config     Config
	logger     *slog.Logger

	mu              sync.Mutex
	state           endpoint.BreakerState
	failureCount    int
	lastFailureTime time.Time
	lastSuccessTime time.Time
	halfOpenCalls   int
	stateChangedAt  time.Time
}

// New creates a closed breaker for the given endpoint identity.
func New(endpointID string, cfg Config, logger *slog.Logger) *Breaker {
	return &Breaker{
		endpointID:     endpointID,
		config:         cfg,
		logger:         logger,
		state:          endpoint.BreakerClosed,
		stateChangedAt: time.Now(),
	}
}

// Call executes op through the breaker. When the circuit is open or the
// half-open trial budget is exhausted, it fails fast with ErrCircuitOpen
// without invoking op. The operation's own error is propagated unchanged
// after being recorded as a failure.
func (b *Breaker) Call(op Operation) (*Result, error) {
	b.mu.Lock()
	state := b.currentStateLocked()

	switch state {
	case endpoint.BreakerOpen:
		b.mu.Unlock()
		metrics.CircuitBreakerRejections.WithLabelValues(b.endpointID).Inc()
		return nil, fmt.Errorf("%w for %s", ErrCircuitOpen, b.endpointID)
	case endpoint.BreakerHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			b.mu.Unlock()
			metrics.CircuitBreakerRejections.WithLabelValues(b.endpointID).Inc()
			return nil, fmt.Errorf("%w: half-open call limit exceeded for %s", ErrCircuitOpen, b.endpointID)
		}
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	res, err := op()
	if err != nil {
		b.onFailure()
		return nil, err
	}

	b.onSuccess()
	return res, nil
}

// State returns the current effective state, performing the lazy
// open-to-half-open transition when the reset timeout has elapsed.
func (b *Breaker) State() endpoint.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

// currentStateLocked evaluates the lazy OPEN -> HALF_OPEN transition.
// Must be called with b.mu held.
func (b *Breaker) currentStateLocked() endpoint.BreakerState {
	if b.state == endpoint.BreakerOpen && !b.lastFailureTime.IsZero() {
		if time.Since(b.lastFailureTime) >= b.config.ResetTimeout {
			b.transitionLocked(endpoint.BreakerHalfOpen)
		}
	}
	return b.state
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccessTime = time.Now()

	switch b.state {
	case endpoint.BreakerHalfOpen:
		b.transitionLocked(endpoint.BreakerClosed)
	case endpoint.BreakerClosed:
		b.failureCount = 0
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case endpoint.BreakerClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.transitionLocked(endpoint.BreakerOpen)
		}
	case endpoint.BreakerHalfOpen:
		// Any failure during the trial reopens the circuit.
		b.transitionLocked(endpoint.BreakerOpen)
	}
}

// Reset forces the breaker back to closed, bypassing normal transition
// rules. Available for operator intervention.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(endpoint.BreakerClosed)
	b.logger.Info("circuit breaker manually reset", "endpoint_id", b.endpointID)
}

// Trip forces the breaker open, setting the failure count to the threshold.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = b.config.FailureThreshold
	b.lastFailureTime = time.Now()
	b.transitionLocked(endpoint.BreakerOpen)
	b.logger.Info("circuit breaker manually tripped", "endpoint_id", b.endpointID)
}

// transitionLocked changes state, resetting the relevant counters and
// emitting metrics and a log line. Must be called with b.mu held.
func (b *Breaker) transitionLocked(newState endpoint.BreakerState) {
	from := b.state
	b.state = newState
	b.stateChangedAt = time.Now()

	switch newState {
	case endpoint.BreakerClosed:
		b.failureCount = 0
		b.halfOpenCalls = 0
	case endpoint.BreakerOpen, endpoint.BreakerHalfOpen:
		b.halfOpenCalls = 0
	}

	if from == newState {
		return
	}

	metrics.CircuitBreakerTransitions.WithLabelValues(b.endpointID, string(from), string(newState)).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.endpointID).Set(stateGaugeValue(newState))

	level := slog.LevelInfo
	if newState == endpoint.BreakerOpen {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "circuit breaker state change",
		"endpoint_id", b.endpointID,
		"from", string(from),
		"to", string(newState),
		"failure_count", b.failureCount,
	)
}

func stateGaugeValue(s endpoint.BreakerState) float64 {
	switch s {
	case endpoint.BreakerOpen:
		return 1
	case endpoint.BreakerHalfOpen:
		return 2
	default:
		return 0
	}
}

// Stats is a point-in-time snapshot of a breaker for reporting.
type Stats struct {
	EndpointID      string                `json:"endpoint_id"`
	State           endpoint.BreakerState `json:"state"`
	FailureCount    int                   `json:"failure_count"`
	LastFailureTime time.Time             `json:"last_failure_time,omitzero"`
	LastSuccessTime time.Time             `json:"last_success_time,omitzero"`
	StateChangedAt  time.Time             `json:"state_changed_time"`
	HalfOpenCalls   int                   `json:"half_open_calls"`
	Config          StatsConfig           `json:"config"`
}

// StatsConfig echoes the breaker settings in stats output.
type StatsConfig struct {
	FailureThreshold int                       `json:"failure_threshold"`
	ResetTimeout     time.Duration             `json:"reset_timeout"`
	HalfOpenMaxCalls int                       `json:"half_open_max_calls"`
	FallbackStrategy endpoint.FallbackStrategy `json:"fallback_strategy"`
}

// Stats returns a snapshot of the breaker's state and counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		EndpointID:      b.endpointID,
		State:           b.state,
		FailureCount:    b.failureCount,
		LastFailureTime: b.lastFailureTime,
		LastSuccessTime: b.lastSuccessTime,
		StateChangedAt:  b.stateChangedAt,
		HalfOpenCalls:   b.halfOpenCalls,
		Config: StatsConfig{
			FailureThreshold: b.config.FailureThreshold,
			ResetTimeout:     b.config.ResetTimeout,
			HalfOpenMaxCalls: b.config.HalfOpenMaxCalls,
			FallbackStrategy: b.config.FallbackStrategy,
		},
	}
}
