// Package app assembles the orchestrator: registry, circuit breakers, health
// monitor, router, and the HTTP surface. All state lives on the App value so
// tests can build isolated instances.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dskow/orchestrator-core/internal/admin"
	"github.com/dskow/orchestrator-core/internal/circuitbreaker"
	"github.com/dskow/orchestrator-core/internal/config"
	"github.com/dskow/orchestrator-core/internal/endpoint"
	"github.com/dskow/orchestrator-core/internal/health"
	"github.com/dskow/orchestrator-core/internal/metrics"
	"github.com/dskow/orchestrator-core/internal/middleware"
	"github.com/dskow/orchestrator-core/internal/proxy"
	"github.com/dskow/orchestrator-core/internal/ratelimit"
	"github.com/dskow/orchestrator-core/internal/registry"
	"github.com/dskow/orchestrator-core/internal/router"
)

// App holds every orchestrator subsystem. Nothing is package-level: two Apps
// in the same process do not share state.
type App struct {
	Config   *config.Config
	Registry *registry.Registry
	Breakers *circuitbreaker.Manager
	Monitor  *health.Monitor
	Router   *router.Router
	Proxy    *proxy.Proxy
	Limiter  *ratelimit.Limiter
	Logger   *slog.Logger

	server    *http.Server
	startedAt time.Time
}

// New builds an App from cfg. The health monitor is created only when
// enabled; the rate limiter only when enabled. Endpoints from the config are
// registered before the route cache is built.
func New(cfg *config.Config, logger *slog.Logger) *App {
	reg := registry.New(logger)

	breakers := circuitbreaker.NewManager(reg, circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
		HalfOpenMaxCalls: cfg.CircuitBreaker.HalfOpenMaxCalls,
		FallbackStrategy: endpoint.FallbackStrategy(cfg.CircuitBreaker.FallbackStrategy),
		FallbackResponse: cfg.CircuitBreaker.FallbackResponse,
	}, logger)

	p := proxy.New(logger)
	rt := router.New(reg, breakers, p, logger)

	a := &App{
		Config:   cfg,
		Registry: reg,
		Breakers: breakers,
		Router:   rt,
		Proxy:    p,
		Logger:   logger,
	}

	if cfg.HealthCheck.IsEnabled() {
		a.Monitor = health.New(reg, health.Config{
			Enabled:            true,
			Interval:           cfg.HealthCheck.Interval,
			Timeout:            cfg.HealthCheck.Timeout,
			UnhealthyThreshold: cfg.HealthCheck.UnhealthyThreshold,
			HealthyThreshold:   cfg.HealthCheck.HealthyThreshold,
		}, logger)
	}

	if cfg.RateLimit.Enabled {
		a.Limiter = ratelimit.New(cfg.RateLimit, logger)
	}

	result := reg.SyncWithConfig(cfg.Endpoints)
	for _, e := range result.Errors {
		logger.Warn("startup endpoint rejected", "error", e)
	}
	rt.RefreshRoutes()

	return a
}

// ApplyConfig reconciles a reloaded configuration: registry sync, route cache
// rebuild, breaker cleanup for removed endpoints, and rate limiter update.
// Breaker and health monitor defaults are fixed at startup; changing them
// requires a restart.
func (a *App) ApplyConfig(cfg *config.Config) {
	result := a.Registry.SyncWithConfig(cfg.Endpoints)
	a.Logger.Info("endpoint config reconciled",
		"added", len(result.Added),
		"updated", len(result.Updated),
		"removed", len(result.Removed),
		"errors", len(result.Errors),
	)
	for _, e := range result.Errors {
		a.Logger.Warn("endpoint config rejected", "error", e)
	}

	a.Router.RefreshRoutes()
	if removed := a.Breakers.Cleanup(); removed > 0 {
		a.Logger.Info("stale circuit breakers removed", "count", removed)
	}
	if a.Limiter != nil {
		a.Limiter.UpdateConfig(cfg.RateLimit)
	}
}

// Handler assembles the full HTTP surface: the middleware-wrapped router plus
// the operational endpoints that bypass the stack.
func (a *App) Handler(reloader admin.ConfigProvider) http.Handler {
	var handler http.Handler = a.Router
	if a.Limiter != nil {
		handler = a.Limiter.Middleware()(handler)
	}
	handler = middleware.BodyLimit(a.Config.Server.MaxBodyBytes)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.Logging(a.Logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(a.Logger)(handler)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.livenessHandler)
	mux.HandleFunc("GET /readyz", a.readinessHandler)

	metricsPath := a.Config.Metrics.Path
	if a.Config.Metrics.IsEnabled() {
		mux.Handle("GET "+metricsPath, metrics.Handler())
	}

	if a.Config.Admin.Enabled {
		adm := admin.New(a.Registry, a.Breakers, a.Monitor, a.Router, reloader, a.Config.Admin.IPAllowlist, a.Logger)
		adm.RegisterRoutes(mux)
		a.Logger.Info("management API registered", "allowlist", a.Config.Admin.IPAllowlist)
	}

	// Operational endpoints bypass the middleware stack; everything else is
	// proxied through it.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" ||
			strings.HasPrefix(r.URL.Path, "/admin/") ||
			(a.Config.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			mux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func (a *App) livenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d}`+"\n", int(time.Since(a.startedAt).Seconds()))
}

func (a *App) readinessHandler(w http.ResponseWriter, _ *http.Request) {
	stats := a.Registry.Stats()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ready","endpoints":%d}`+"\n", stats.Total)
}

// Start begins background work (the health monitor) and serves HTTP on the
// configured port. It returns once the listener is up; serve errors are
// reported on the returned channel.
func (a *App) Start(handler http.Handler) <-chan error {
	a.startedAt = time.Now()

	if a.Monitor != nil {
		a.Monitor.Start()
	}

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      handler,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("starting orchestrator", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown drains in-flight requests and stops background work.
func (a *App) Shutdown(ctx context.Context) error {
	if a.Monitor != nil {
		a.Monitor.Stop()
	}
	if a.Limiter != nil {
		a.Limiter.Stop()
	}
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}
