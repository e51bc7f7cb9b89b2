// Package router resolves request paths to registered endpoints and drives
// the forwarding pipeline: policy checks, breaker-wrapped proxying, and
// fallback translation.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dskow/orchestrator-core/internal/apierror"
	"github.com/dskow/orchestrator-core/internal/circuitbreaker"
	"github.com/dskow/orchestrator-core/internal/endpoint"
	"github.com/dskow/orchestrator-core/internal/metrics"
	"github.com/dskow/orchestrator-core/internal/proxy"
	"github.com/dskow/orchestrator-core/internal/registry"
)

// ErrNotFound is returned by TestEndpointConnectivity for unknown identities.
var ErrNotFound = errors.New("router: endpoint not found")

// Route is one cached pattern-to-endpoint binding.
type Route struct {
	Pattern    string   `json:"pattern"`
	EndpointID string   `json:"endpoint_id"`
	URL        string   `json:"url"`
	Methods    []string `json:"methods"`
}

// ConnectivityResult reports a one-off reachability probe of an endpoint's
// base URL.
type ConnectivityResult struct {
	EndpointID   string `json:"endpoint_id"`
	URL          string `json:"url"`
	Reachable    bool   `json:"reachable"`
	StatusCode   int    `json:"status_code,omitzero"`
	ResponseTime int64  `json:"response_time_ms"`
	Error        string `json:"error,omitzero"`
}

// Router maps request paths to endpoints through a wholesale-rebuilt route
// cache and proxies matched requests. The breaker manager is optional: when
// absent, requests forward directly and failure bookkeeping goes straight to
// the registry.
type Router struct {
	registry *registry.Registry
	breakers *circuitbreaker.Manager
	proxy    *proxy.Proxy
	logger   *slog.Logger

	mu     sync.RWMutex
	routes map[string]string // pattern -> endpoint ID
}

// New creates a Router. breakers may be nil to disable circuit breaking.
func New(reg *registry.Registry, breakers *circuitbreaker.Manager, p *proxy.Proxy, logger *slog.Logger) *Router {
	return &Router{
		registry: reg,
		breakers: breakers,
		proxy:    p,
		logger:   logger,
		routes:   make(map[string]string),
	}
}

// RefreshRoutes rebuilds the route cache from the registry's current
// contents. Each named endpoint contributes /{name}, plus /{version}/{name}
// when a version is set. Unnamed endpoints are reachable only through the
// management API.
func (rt *Router) RefreshRoutes() int {
	endpoints := rt.registry.ListSnapshot()

	routes := make(map[string]string, len(endpoints)*2)
	for _, ep := range endpoints {
		if ep.Config.Name == "" {
			continue
		}
		routes["/"+ep.Config.Name] = ep.ID()
		if ep.Config.Version != "" {
			routes["/"+ep.Config.Version+"/"+ep.Config.Name] = ep.ID()
		}
	}

	rt.mu.Lock()
	rt.routes = routes
	rt.mu.Unlock()

	rt.logger.Debug("route cache rebuilt", "routes", len(routes), "endpoints", len(endpoints))
	return len(routes)
}

// resolve matches path against the route cache: exact match first, then the
// first two segments, then the first segment. The unmatched remainder of the
// path is returned as the relative sub-path forwarded to the backend.
func (rt *Router) resolve(path string) (id, relative string, ok bool) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	if id, ok := rt.routes[path]; ok {
		return id, "", true
	}

	segments := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if len(segments) >= 2 {
		pattern := "/" + segments[0] + "/" + segments[1]
		if id, ok := rt.routes[pattern]; ok {
			rest := ""
			if len(segments) == 3 {
				rest = segments[2]
			}
			return id, rest, true
		}
	}
	if len(segments) >= 1 && segments[0] != "" {
		pattern := "/" + segments[0]
		if id, ok := rt.routes[pattern]; ok {
			return id, strings.Join(segments[1:], "/"), true
		}
	}
	return "", "", false
}

// ServeHTTP resolves the request path, applies the endpoint policy chain, and
// forwards through the circuit breaker when one is attached.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	id, relative, ok := rt.resolve(r.URL.Path)
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.EndpointNotFound,
			fmt.Sprintf("no endpoint registered for path %s", r.URL.Path))
		return
	}

	ep, ok := rt.registry.Snapshot(id)
	if !ok {
		// Stale cache entry: the endpoint was unregistered since the last
		// rebuild.
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.EndpointNotFound,
			fmt.Sprintf("endpoint %s no longer registered", id))
		return
	}

	if status, code, msg := rt.checkPolicy(ep, r.Method); code != "" {
		metrics.RequestsTotal.WithLabelValues(id, r.Method, strconv.Itoa(status)).Inc()
		apierror.WriteJSON(w, r, status, code, msg)
		return
	}

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	if rt.breakers == nil {
		rt.forwardDirect(w, r, ep, relative, start)
		return
	}

	res, fb, err := rt.breakers.Execute(id, func() (*circuitbreaker.Result, error) {
		pres, perr := rt.proxy.Forward(ep, r, relative)
		if perr != nil {
			return nil, perr
		}
		return &circuitbreaker.Result{
			StatusCode: pres.StatusCode,
			Header:     pres.Header,
			Body:       pres.Body,
		}, nil
	})

	switch {
	case fb != nil:
		rt.writeFallback(w, r, id, fb, start)
	case err != nil:
		rt.writeUpstreamError(w, r, ep, err, start)
	default:
		rt.writeResponse(w, r, id, res.StatusCode, res.Header, res.Body, start)
	}
}

// checkPolicy runs the pre-forward rejection chain: disabled, unhealthy,
// circuit open, method not allowed. An empty code means the request may
// proceed.
func (rt *Router) checkPolicy(ep endpoint.Registered, method string) (int, apierror.ErrorCode, string) {
	id := ep.ID()

	if ep.Config.Disabled {
		return http.StatusServiceUnavailable, apierror.EndpointDisabled,
			fmt.Sprintf("endpoint %s is disabled", id)
	}
	if ep.Status == endpoint.StatusUnhealthy {
		return http.StatusServiceUnavailable, apierror.EndpointUnhealthy,
			fmt.Sprintf("endpoint %s is unhealthy", id)
	}
	if ep.BreakerState == endpoint.BreakerOpen && rt.circuitStillOpen(id) {
		return http.StatusServiceUnavailable, apierror.CircuitOpen,
			fmt.Sprintf("circuit breaker is open for endpoint %s", id)
	}
	if !ep.Config.AllowsMethod(method) {
		return http.StatusMethodNotAllowed, apierror.MethodNotAllowed,
			fmt.Sprintf("method %s not allowed for endpoint %s", method, id)
	}
	return 0, "", ""
}

// circuitStillOpen re-checks an open mirror against the live breaker, which
// performs the lazy open-to-half-open transition. Without this, a circuit
// whose reset timeout has elapsed would keep rejecting at the policy layer
// and never admit the trial request that lets it recover.
func (rt *Router) circuitStillOpen(id string) bool {
	if rt.breakers == nil {
		return true
	}
	return rt.breakers.State(id) == endpoint.BreakerOpen
}

// forwardDirect proxies without a breaker and records the outcome in the
// registry's failure counters directly.
func (rt *Router) forwardDirect(w http.ResponseWriter, r *http.Request, ep endpoint.Registered, relative string, start time.Time) {
	id := ep.ID()

	res, err := rt.proxy.Forward(ep, r, relative)
	if err != nil {
		rt.registry.RecordFailure(id)
		rt.writeUpstreamError(w, r, ep, err, start)
		return
	}
	rt.registry.RecordSuccess(id)
	rt.writeResponse(w, r, id, res.StatusCode, res.Header, res.Body, start)
}

func (rt *Router) writeResponse(w http.ResponseWriter, r *http.Request, id string, status int, header http.Header, body []byte, start time.Time) {
	for key, values := range header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	elapsed := time.Since(start)
	w.Header().Set("X-Response-Time", elapsed.String())
	w.Header().Set("X-Endpoint-ID", id)
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		rt.logger.Debug("response write failed", "endpoint", id, "error", err)
	}

	metrics.RequestsTotal.WithLabelValues(id, r.Method, strconv.Itoa(status)).Inc()
	metrics.RequestDuration.WithLabelValues(id, r.Method).Observe(elapsed.Seconds())
}

// writeFallback serves the breaker fallback as a 503 so callers can
// distinguish a substituted body from a genuine upstream response.
func (rt *Router) writeFallback(w http.ResponseWriter, r *http.Request, id string, fb *circuitbreaker.Fallback, start time.Time) {
	w.Header().Set("Content-Type", fb.ContentType)
	w.Header().Set("X-Circuit-Breaker", "fallback")
	w.Header().Set("X-Fallback-Strategy", string(fb.Strategy))
	if fb.Cached {
		w.Header().Set("X-Fallback-Cached", "true")
	}
	w.Header().Set("X-Response-Time", time.Since(start).String())
	w.Header().Set("X-Endpoint-ID", id)
	w.WriteHeader(http.StatusServiceUnavailable)
	if _, err := w.Write(fb.Body); err != nil {
		rt.logger.Debug("fallback write failed", "endpoint", id, "error", err)
	}

	metrics.RequestsTotal.WithLabelValues(id, r.Method, strconv.Itoa(http.StatusServiceUnavailable)).Inc()
}

// writeUpstreamError maps transport failures to gateway status codes:
// timeouts become 504, everything else 502.
func (rt *Router) writeUpstreamError(w http.ResponseWriter, r *http.Request, ep endpoint.Registered, err error, start time.Time) {
	id := ep.ID()

	status := http.StatusBadGateway
	code := apierror.UpstreamUnavail
	msg := fmt.Sprintf("endpoint %s is unreachable", id)

	var ue *proxy.UpstreamError
	if errors.As(err, &ue) {
		status = ue.StatusCode()
		if ue.Kind == proxy.KindTimeout {
			code = apierror.UpstreamTimeout
			msg = fmt.Sprintf("endpoint %s did not respond within %s", id, ep.Config.Timeout)
		}
	}

	rt.logger.Warn("upstream request failed",
		"endpoint", id,
		"url", ep.Config.URL,
		"status", status,
		"error", err,
	)

	w.Header().Set("X-Response-Time", time.Since(start).String())
	w.Header().Set("X-Endpoint-ID", id)
	metrics.RequestsTotal.WithLabelValues(id, r.Method, strconv.Itoa(status)).Inc()
	apierror.WriteJSON(w, r, status, code, msg)
}

// GetActiveRoutes returns the cached routes sorted by pattern, resolving each
// to its current endpoint snapshot. Patterns whose endpoint has since been
// unregistered are skipped.
func (rt *Router) GetActiveRoutes() []Route {
	rt.mu.RLock()
	patterns := make([]string, 0, len(rt.routes))
	ids := make(map[string]string, len(rt.routes))
	for pattern, id := range rt.routes {
		patterns = append(patterns, pattern)
		ids[pattern] = id
	}
	rt.mu.RUnlock()

	sort.Strings(patterns)

	routes := make([]Route, 0, len(patterns))
	for _, pattern := range patterns {
		ep, ok := rt.registry.Snapshot(ids[pattern])
		if !ok {
			continue
		}
		routes = append(routes, Route{
			Pattern:    pattern,
			EndpointID: ep.ID(),
			URL:        ep.Config.URL,
			Methods:    ep.Config.Methods,
		})
	}
	return routes
}

// TestEndpointConnectivity probes an endpoint's base URL without involving
// the breaker or the failure counters.
func (rt *Router) TestEndpointConnectivity(r *http.Request, id string) (ConnectivityResult, error) {
	ep, ok := rt.registry.Snapshot(id)
	if !ok {
		return ConnectivityResult{}, ErrNotFound
	}

	result := ConnectivityResult{
		EndpointID: id,
		URL:        ep.Config.URL,
	}

	status, elapsed, err := rt.proxy.Probe(r.Context(), ep.Config.URL, ep.Config.Timeout)
	result.ResponseTime = elapsed.Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.Reachable = true
	result.StatusCode = status
	return result, nil
}
