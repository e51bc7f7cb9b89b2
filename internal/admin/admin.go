// Package admin provides the management API for runtime inspection and
// mutation of orchestrator state. All endpoints are protected by IP
// allowlist.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dskow/orchestrator-core/internal/apierror"
	"github.com/dskow/orchestrator-core/internal/circuitbreaker"
	"github.com/dskow/orchestrator-core/internal/config"
	"github.com/dskow/orchestrator-core/internal/endpoint"
	"github.com/dskow/orchestrator-core/internal/health"
	"github.com/dskow/orchestrator-core/internal/registry"
	"github.com/dskow/orchestrator-core/internal/router"
)

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Handler provides the management API endpoints.
type Handler struct {
	registry    *registry.Registry
	breakers    *circuitbreaker.Manager
	monitor     *health.Monitor
	router      *router.Router
	reloader    ConfigProvider
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this). monitor and breakers may be nil when the
// corresponding subsystem is disabled.
func New(
	reg *registry.Registry,
	breakers *circuitbreaker.Manager,
	monitor *health.Monitor,
	rt *router.Router,
	reloader ConfigProvider,
	allowlist []string,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		registry:    reg,
		breakers:    breakers,
		monitor:     monitor,
		router:      rt,
		reloader:    reloader,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds the management routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/endpoints", h.guard(h.listEndpoints))
	mux.HandleFunc("POST /admin/endpoints", h.guard(h.registerEndpoint))
	mux.HandleFunc("GET /admin/endpoints/{id}", h.guard(h.getEndpoint))
	mux.HandleFunc("DELETE /admin/endpoints/{id}", h.guard(h.unregisterEndpoint))
	mux.HandleFunc("POST /admin/endpoints/{id}/check", h.guard(h.checkEndpoint))
	mux.HandleFunc("GET /admin/endpoints/{id}/connectivity", h.guard(h.connectivity))
	mux.HandleFunc("GET /admin/health", h.guard(h.healthStatus))
	mux.HandleFunc("GET /admin/health/summary", h.guard(h.healthSummary))
	mux.HandleFunc("GET /admin/breakers", h.guard(h.breakerStats))
	mux.HandleFunc("POST /admin/breakers/{id}/reset", h.guard(h.resetBreaker))
	mux.HandleFunc("POST /admin/breakers/{id}/trip", h.guard(h.tripBreaker))
	mux.HandleFunc("GET /admin/routes", h.guard(h.activeRoutes))
	mux.HandleFunc("GET /admin/stats", h.guard(h.registryStats))
	mux.HandleFunc("GET /admin/config", h.guard(h.currentConfig))
}

// guard wraps a handler with IP allowlist checking.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func (h *Handler) listEndpoints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	statusFilter := endpoint.Status(q.Get("status"))
	includeDisabled := q.Get("include_disabled") == "true"

	eps := h.registry.List(statusFilter, includeDisabled)
	out := make([]endpoint.Registered, len(eps))
	for i, ep := range eps {
		out[i] = *ep
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoints": out,
		"total":     len(out),
	})
}

func (h *Handler) registerEndpoint(w http.ResponseWriter, r *http.Request) {
	var cfg endpoint.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "invalid request body: "+err.Error())
		return
	}

	ep, err := h.registry.Register(cfg)
	switch {
	case errors.Is(err, registry.ErrIdentityConflict):
		apierror.WriteJSON(w, r, http.StatusConflict, apierror.IdentityConflict, err.Error())
		return
	case errors.Is(err, registry.ErrURLConflict):
		apierror.WriteJSON(w, r, http.StatusConflict, apierror.URLConflict, err.Error())
		return
	case err != nil:
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, err.Error())
		return
	}

	h.router.RefreshRoutes()
	h.logger.Info("endpoint registered via admin", "endpoint", ep.ID(), "url", ep.Config.URL)
	writeJSON(w, http.StatusCreated, ep)
}

func (h *Handler) getEndpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ep, ok := h.registry.Snapshot(id)
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.EndpointNotFound, "endpoint "+id+" not registered")
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (h *Handler) unregisterEndpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.registry.Unregister(id) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.EndpointNotFound, "endpoint "+id+" not registered")
		return
	}
	h.router.RefreshRoutes()
	h.logger.Info("endpoint unregistered via admin", "endpoint", id)
	writeJSON(w, http.StatusOK, map[string]string{"unregistered": id})
}

func (h *Handler) checkEndpoint(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.InvalidRequest, "health monitoring is disabled")
		return
	}
	id := r.PathValue("id")
	rec, err := h.monitor.CheckEndpointNow(r.Context(), id)
	if err != nil {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.EndpointNotFound, "endpoint "+id+" not registered")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) connectivity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := h.router.TestEndpointConnectivity(r, id)
	if err != nil {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.EndpointNotFound, "endpoint "+id+" not registered")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) healthStatus(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.InvalidRequest, "health monitoring is disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoints": h.monitor.AllHealth(),
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) healthSummary(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.InvalidRequest, "health monitoring is disabled")
		return
	}
	writeJSON(w, http.StatusOK, h.monitor.Summarize())
}

func (h *Handler) breakerStats(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.InvalidRequest, "circuit breaking is disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"breakers": h.breakers.AllStats(),
	})
}

func (h *Handler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.InvalidRequest, "circuit breaking is disabled")
		return
	}
	id := r.PathValue("id")
	if !h.breakers.Reset(id) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.EndpointNotFound, "no circuit breaker for endpoint "+id)
		return
	}
	h.logger.Info("circuit breaker reset via admin", "endpoint", id)
	writeJSON(w, http.StatusOK, map[string]string{"reset": id})
}

func (h *Handler) tripBreaker(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.InvalidRequest, "circuit breaking is disabled")
		return
	}
	id := r.PathValue("id")
	h.breakers.Trip(id)
	h.logger.Info("circuit breaker tripped via admin", "endpoint", id)
	writeJSON(w, http.StatusOK, map[string]string{"tripped": id})
}

func (h *Handler) activeRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"routes": h.router.GetActiveRoutes(),
	})
}

func (h *Handler) registryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Stats())
}

func (h *Handler) currentConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reloader.Current())
}
