// Package health provides the periodic endpoint health monitor. It probes
// all non-disabled endpoints concurrently on a fixed interval, applies
// consecutive-success/failure hysteresis, and writes status transitions
// into the endpoint registry independent of live traffic.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dskow/orchestrator-core/internal/endpoint"
	"github.com/dskow/orchestrator-core/internal/metrics"
	"github.com/dskow/orchestrator-core/internal/registry"
)

// ErrNotFound is returned by CheckEndpointNow for an unknown identity.
var ErrNotFound = errors.New("endpoint not found")

// loopBackoff is the fixed delay after a tick-level failure before the
// monitor loop retries. The loop itself never terminates on transient
// errors.
const loopBackoff = 5 * time.Second

// minInterval is the lowest accepted check interval.
const minInterval = 5 * time.Second

// Config holds health monitor settings.
type Config struct {
	Enabled            bool
	Interval           time.Duration
	Timeout            time.Duration
	UnhealthyThreshold int
	HealthyThreshold   int
}

// Summary aggregates the monitor's view of all endpoints.
type Summary struct {
	TotalEndpoints      int           `json:"total_endpoints"`
	HealthyEndpoints    int           `json:"healthy_endpoints"`
	UnhealthyEndpoints  int           `json:"unhealthy_endpoints"`
	HealthPercentage    float64       `json:"health_percentage"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	LastCheckTime       time.Time     `json:"last_check_time,omitzero"`
}

// Monitor polls endpoint health on a fixed schedule. One instance per
// process; all probes within a tick fan out concurrently so a slow endpoint
// does not delay the others.
type Monitor struct {
	registry *registry.Registry
	config   Config
	client   *http.Client
	logger   *slog.Logger

	mu      sync.Mutex
	records map[string]*endpoint.Health
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Monitor. The interval is clamped to the 5 second minimum.
func New(reg *registry.Registry, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.Interval < minInterval {
		cfg.Interval = minInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UnhealthyThreshold < 1 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.HealthyThreshold < 1 {
		cfg.HealthyThreshold = 2
	}

	return &Monitor{
		registry: reg,
		config:   cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		records:  make(map[string]*endpoint.Health),
	}
}

// Start launches the periodic check loop. No-op when checks are disabled or
// the monitor is already running.
func (m *Monitor) Start() {
	m.mu.Lock()
	if !m.config.Enabled || m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.loop()
	m.logger.Info("health monitor started", "interval", m.config.Interval)
}

// Stop terminates the check loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	<-done
	m.logger.Info("health monitor stopped")
}

// loop runs checks every interval until stopped. Tick-level panics are
// contained: logged, followed by a short backoff, never fatal.
func (m *Monitor) loop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		backoff := m.runTick()
		if backoff {
			select {
			case <-time.After(loopBackoff):
			case <-m.stopCh:
				return
			}
			continue
		}

		select {
		case <-ticker.C:
		case <-m.stopCh:
			return
		}
	}
}

// runTick performs one round of checks, returning true when the tick failed
// and the loop should back off before retrying.
func (m *Monitor) runTick() (failed bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health check tick failed", "panic", fmt.Sprint(r))
			failed = true
		}
	}()

	m.checkAll(context.Background())
	return false
}

// checkAll probes every non-disabled endpoint concurrently and waits for
// all probes to finish.
func (m *Monitor) checkAll(ctx context.Context) {
	endpoints := m.registry.ListSnapshot()
	if len(endpoints) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep endpoint.Registered) {
			defer wg.Done()
			m.checkOne(ctx, ep)
		}(ep)
	}
	wg.Wait()
}

// checkOne probes a single endpoint and records the outcome. Probe failures
// become unhealthy observations, never errors.
func (m *Monitor) checkOne(ctx context.Context, ep endpoint.Registered) {
	id := ep.ID()
	checkURL := probeURL(ep.Config)

	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	start := time.Now()
	healthy := false
	errMsg := ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		errMsg = fmt.Sprintf("invalid health check URL: %v", err)
	} else {
		resp, err := m.client.Do(req)
		switch {
		case err == nil:
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
			resp.Body.Close()
			// 2xx and 3xx count as healthy.
			healthy = resp.StatusCode >= 200 && resp.StatusCode < 400
			if !healthy {
				errMsg = fmt.Sprintf("HTTP %d", resp.StatusCode)
			}
		case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
			errMsg = "request timeout"
		default:
			errMsg = fmt.Sprintf("connection error: %v", err)
		}
	}

	elapsed := time.Since(start)

	result := "healthy"
	if !healthy {
		result = "unhealthy"
		m.logger.Warn("health check failed", "endpoint_id", id, "url", checkURL, "error", errMsg)
	}
	metrics.HealthChecksTotal.WithLabelValues(id, result).Inc()
	metrics.HealthCheckDuration.WithLabelValues(id).Observe(elapsed.Seconds())

	m.recordOutcome(id, healthy, elapsed, errMsg)
}

// recordOutcome updates the endpoint's health record with hysteresis and
// propagates the resulting status into the registry.
func (m *Monitor) recordOutcome(id string, healthy bool, elapsed time.Duration, errMsg string) {
	now := time.Now()

	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		rec = &endpoint.Health{EndpointID: id, Status: endpoint.StatusActive}
		m.records[id] = rec
	}

	rec.LastCheckTime = now
	rec.ResponseTime = elapsed
	rec.ErrorMessage = errMsg

	if healthy {
		rec.ConsecutiveSuccesses++
		rec.ConsecutiveFailures = 0
	} else {
		rec.ConsecutiveFailures++
		rec.ConsecutiveSuccesses = 0
	}

	old := rec.Status
	if rec.ConsecutiveFailures >= m.config.UnhealthyThreshold {
		rec.Status = endpoint.StatusUnhealthy
	} else if rec.ConsecutiveSuccesses >= m.config.HealthyThreshold {
		rec.Status = endpoint.StatusActive
	}
	status := rec.Status
	m.mu.Unlock()

	if old != status {
		m.logger.Info("endpoint health changed",
			"endpoint_id", id,
			"from", string(old),
			"to", string(status),
		)
	}

	m.registry.UpdateStatus(id, status)
	m.registry.UpdateLastHealthCheck(id, now)
}

// CheckEndpointNow probes one endpoint synchronously, outside the schedule,
// and returns the updated health record. Fails with ErrNotFound for an
// unknown identity.
func (m *Monitor) CheckEndpointNow(ctx context.Context, id string) (endpoint.Health, error) {
	ep, ok := m.registry.Snapshot(id)
	if !ok {
		return endpoint.Health{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	m.checkOne(ctx, ep)

	rec, ok := m.EndpointHealth(id)
	if !ok {
		return endpoint.Health{}, fmt.Errorf("health check produced no record for %s", id)
	}
	return rec, nil
}

// EndpointHealth returns the health record for one endpoint.
func (m *Monitor) EndpointHealth(id string) (endpoint.Health, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return endpoint.Health{}, false
	}
	return *rec, true
}

// AllHealth returns every health record, ordered by endpoint identity.
func (m *Monitor) AllHealth() []endpoint.Health {
	m.mu.Lock()
	out := make([]endpoint.Health, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}

// Unhealthy returns the health records currently marked unhealthy.
func (m *Monitor) Unhealthy() []endpoint.Health {
	all := m.AllHealth()
	out := all[:0]
	for _, rec := range all {
		if rec.Status == endpoint.StatusUnhealthy {
			out = append(out, rec)
		}
	}
	return out
}

// Summarize aggregates all health records.
func (m *Monitor) Summarize() Summary {
	all := m.AllHealth()

	s := Summary{TotalEndpoints: len(all), HealthPercentage: 100}
	if len(all) == 0 {
		return s
	}

	var totalRT time.Duration
	withRT := 0
	for _, rec := range all {
		if rec.Status == endpoint.StatusActive {
			s.HealthyEndpoints++
		} else {
			s.UnhealthyEndpoints++
		}
		if rec.ResponseTime > 0 {
			totalRT += rec.ResponseTime
			withRT++
		}
		if rec.LastCheckTime.After(s.LastCheckTime) {
			s.LastCheckTime = rec.LastCheckTime
		}
	}

	s.HealthPercentage = float64(s.HealthyEndpoints) / float64(len(all)) * 100
	if withRT > 0 {
		s.AverageResponseTime = totalRT / time.Duration(withRT)
	}
	return s
}

// CleanupStale evicts records for endpoints that are no longer registered or
// have not been checked within maxAge. Returns the number evicted.
func (m *Monitor) CleanupStale(maxAge time.Duration) int {
	live := make(map[string]bool)
	for _, id := range m.registry.IDs() {
		live[id] = true
	}
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, rec := range m.records {
		if !live[id] || rec.LastCheckTime.Before(cutoff) {
			delete(m.records, id)
			removed++
		}
	}

	if removed > 0 {
		m.logger.Info("cleaned up stale health records", "removed", removed)
	}
	return removed
}

// probeURL builds the probe URL for an endpoint: a custom health check path
// is joined onto the base URL when configured (an absolute path replaces the
// base path), otherwise the base URL itself is probed.
func probeURL(cfg endpoint.Config) string {
	if cfg.HealthCheckPath == "" {
		return cfg.URL
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return cfg.URL
	}

	if strings.HasPrefix(cfg.HealthCheckPath, "/") {
		u.Path = cfg.HealthCheckPath
		u.RawQuery = ""
		return u.String()
	}

	joined, err := url.JoinPath(cfg.URL, cfg.HealthCheckPath)
	if err != nil {
		return cfg.URL
	}
	return joined
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	return errors.As(err, &t) && t.Timeout()
}
