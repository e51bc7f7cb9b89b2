package router

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dskow/orchestrator-core/internal/apierror"
	"github.com/dskow/orchestrator-core/internal/circuitbreaker"
	"github.com/dskow/orchestrator-core/internal/endpoint"
	"github.com/dskow/orchestrator-core/internal/proxy"
	"github.com/dskow/orchestrator-core/internal/registry"
)

func newTestRouter(t *testing.T, withBreakers bool) (*Router, *registry.Registry) {
	t.Helper()
	reg := registry.New(slog.Default())
	var mgr *circuitbreaker.Manager
	if withBreakers {
		mgr = circuitbreaker.NewManager(reg, circuitbreaker.Config{
			FailureThreshold: 2,
			ResetTimeout:     time.Minute,
			HalfOpenMaxCalls: 1,
			FallbackStrategy: endpoint.FallbackErrorResponse,
		}, slog.Default())
	}
	rt := New(reg, mgr, proxy.New(slog.Default()), slog.Default())
	return rt, reg
}

func register(t *testing.T, reg *registry.Registry, cfg endpoint.Config) string {
	t.Helper()
	ep, err := reg.Register(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return ep.ID()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apierror.ErrorResponse {
	t.Helper()
	var body apierror.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body
}

func TestResolve_Precedence(t *testing.T) {
	rt, reg := newTestRouter(t, false)
	register(t, reg, endpoint.Config{URL: "http://localhost:9001", Name: "users", Version: "v1"})
	register(t, reg, endpoint.Config{URL: "http://localhost:9002", Name: "orders"})
	rt.RefreshRoutes()

	tests := []struct {
		path         string
		wantID       string
		wantRelative string
		wantOK       bool
	}{
		{"/users", "users", "", true},
		{"/v1/users", "users", "", true},
		{"/v1/users/42/posts", "users", "42/posts", true},
		{"/users/42", "users", "42", true},
		{"/orders", "orders", "", true},
		{"/orders/7/items", "orders", "7/items", true},
		{"/unknown", "", "", false},
		{"/v2/users", "", "", false}, // unknown version segment does not fall through
	}

	for _, tt := range tests {
		id, relative, ok := rt.resolve(tt.path)
		if ok != tt.wantOK || id != tt.wantID || relative != tt.wantRelative {
			t.Errorf("resolve(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.path, id, relative, ok, tt.wantID, tt.wantRelative, tt.wantOK)
		}
	}
}

func TestRefreshRoutes_SkipsUnnamed(t *testing.T) {
	rt, reg := newTestRouter(t, false)
	register(t, reg, endpoint.Config{URL: "http://localhost:9001"})
	register(t, reg, endpoint.Config{URL: "http://localhost:9002", Name: "users", Version: "v1"})

	if n := rt.RefreshRoutes(); n != 2 {
		t.Errorf("routes = %d, want 2 (/users and /v1/users)", n)
	}
}

func TestServeHTTP_NotFound(t *testing.T) {
	rt, _ := newTestRouter(t, false)

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nothing", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	if body := decodeError(t, rec); body.ErrorCode != string(apierror.EndpointNotFound) {
		t.Errorf("code = %s", body.ErrorCode)
	}
}

func TestServeHTTP_ForwardsAndDecorates(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/42" {
			t.Errorf("backend path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello")) //nolint:errcheck
	}))
	defer backend.Close()

	rt, reg := newTestRouter(t, false)
	register(t, reg, endpoint.Config{URL: backend.URL, Name: "users"})
	rt.RefreshRoutes()

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/42", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "hello" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("X-Endpoint-ID") != "users" {
		t.Errorf("X-Endpoint-ID = %q", rec.Header().Get("X-Endpoint-ID"))
	}
	if rec.Header().Get("X-Response-Time") == "" {
		t.Error("X-Response-Time missing")
	}
	if rec.Header().Get("X-Orchestrated-By") == "" {
		t.Error("X-Orchestrated-By missing")
	}
}

func TestServeHTTP_DisabledEndpoint(t *testing.T) {
	rt, reg := newTestRouter(t, false)
	register(t, reg, endpoint.Config{URL: "http://localhost:9001", Name: "users", Disabled: true})
	rt.RefreshRoutes()

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
	if body := decodeError(t, rec); body.ErrorCode != string(apierror.EndpointDisabled) {
		t.Errorf("code = %s", body.ErrorCode)
	}
}

func TestServeHTTP_UnhealthyEndpoint(t *testing.T) {
	rt, reg := newTestRouter(t, false)
	id := register(t, reg, endpoint.Config{URL: "http://localhost:9001", Name: "users"})
	reg.UpdateStatus(id, endpoint.StatusUnhealthy)
	rt.RefreshRoutes()

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
	if body := decodeError(t, rec); body.ErrorCode != string(apierror.EndpointUnhealthy) {
		t.Errorf("code = %s", body.ErrorCode)
	}
}

func TestServeHTTP_MethodNotAllowed(t *testing.T) {
	rt, reg := newTestRouter(t, false)
	register(t, reg, endpoint.Config{URL: "http://localhost:9001", Name: "users", Methods: []string{"GET"}})
	rt.RefreshRoutes()

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/users", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
	if body := decodeError(t, rec); body.ErrorCode != string(apierror.MethodNotAllowed) {
		t.Errorf("code = %s", body.ErrorCode)
	}
}

func TestServeHTTP_UpstreamUnreachable(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := backend.URL
	backend.Close()

	rt, reg := newTestRouter(t, false)
	register(t, reg, endpoint.Config{URL: url, Name: "users"})
	rt.RefreshRoutes()

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d", rec.Code)
	}
	if body := decodeError(t, rec); body.ErrorCode != string(apierror.UpstreamUnavail) {
		t.Errorf("code = %s", body.ErrorCode)
	}

	// Direct forwarding records the failure in the registry.
	ep, _ := reg.Snapshot("users")
	if ep.ConsecutiveFailures != 1 {
		t.Errorf("failure count = %d", ep.ConsecutiveFailures)
	}
}

func TestServeHTTP_UpstreamTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer backend.Close()

	rt, reg := newTestRouter(t, false)
	register(t, reg, endpoint.Config{URL: backend.URL, Name: "users", Timeout: 20 * time.Millisecond})
	rt.RefreshRoutes()

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d", rec.Code)
	}
	if body := decodeError(t, rec); body.ErrorCode != string(apierror.UpstreamTimeout) {
		t.Errorf("code = %s", body.ErrorCode)
	}
}

// A backend that fails at the transport level trips the breaker after the
// failure threshold; the next request receives the fallback body without a
// network call, and the one after that is rejected at the policy layer.
func TestServeHTTP_CircuitBreakerLifecycle(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := backend.URL
	backend.Close()

	rt, reg := newTestRouter(t, true)
	register(t, reg, endpoint.Config{URL: url, Name: "users"})
	rt.RefreshRoutes()

	// Two transport failures open the circuit.
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
	}

	// Third request: circuit is open, fallback served.
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("fallback status = %d", rec.Code)
	}
	if rec.Header().Get("X-Circuit-Breaker") != "fallback" {
		t.Errorf("X-Circuit-Breaker = %q", rec.Header().Get("X-Circuit-Breaker"))
	}
	var fb map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &fb); err != nil {
		t.Fatalf("decoding fallback: %v", err)
	}
	if fb["error"] != "service_unavailable" {
		t.Errorf("fallback error = %v", fb["error"])
	}
	if fb["circuit_breaker_state"] != "open" {
		t.Errorf("fallback state = %v", fb["circuit_breaker_state"])
	}

	// The fallback refreshed the mirror; subsequent requests are rejected at
	// the policy layer while the reset timeout has not elapsed.
	rec = httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("policy status = %d", rec.Code)
	}
	if body := decodeError(t, rec); body.ErrorCode != string(apierror.CircuitOpen) {
		t.Errorf("code = %s", body.ErrorCode)
	}
}

func TestServeHTTP_BreakerRecoversAfterResetTimeout(t *testing.T) {
	var healthy atomic.Bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			// Hijack and drop the connection to force a transport error.
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	reg := registry.New(slog.Default())
	mgr := circuitbreaker.NewManager(reg, circuitbreaker.Config{
		FailureThreshold: 1,
		ResetTimeout:     30 * time.Millisecond,
		HalfOpenMaxCalls: 1,
		FallbackStrategy: endpoint.FallbackErrorResponse,
	}, slog.Default())
	rt := New(reg, mgr, proxy.New(slog.Default()), slog.Default())
	register(t, reg, endpoint.Config{URL: backend.URL, Name: "users"})
	rt.RefreshRoutes()

	// Open the circuit, then serve one fallback so the mirror reflects it.
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
	rec = httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
	if rec.Header().Get("X-Circuit-Breaker") != "fallback" {
		t.Fatalf("expected fallback, status = %d", rec.Code)
	}

	healthy.Store(true)
	time.Sleep(50 * time.Millisecond)

	// The policy re-check sees the lazy half-open transition and admits the
	// trial request, which succeeds and closes the circuit.
	rec = httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("trial status = %d, body = %s", rec.Code, rec.Body.String())
	}

	ep, _ := reg.Snapshot("users")
	if ep.BreakerState != endpoint.BreakerClosed {
		t.Errorf("mirror = %s", ep.BreakerState)
	}
}

func TestGetActiveRoutes(t *testing.T) {
	rt, reg := newTestRouter(t, false)
	register(t, reg, endpoint.Config{URL: "http://localhost:9001", Name: "users", Version: "v1", Methods: []string{"GET", "POST"}})
	register(t, reg, endpoint.Config{URL: "http://localhost:9002", Name: "orders"})
	rt.RefreshRoutes()

	routes := rt.GetActiveRoutes()
	if len(routes) != 3 {
		t.Fatalf("routes = %d", len(routes))
	}
	want := []string{"/orders", "/users", "/v1/users"}
	for i, r := range routes {
		if r.Pattern != want[i] {
			t.Errorf("routes[%d].Pattern = %q, want %q", i, r.Pattern, want[i])
		}
	}

	reg.Unregister("orders")
	routes = rt.GetActiveRoutes()
	for _, r := range routes {
		if r.EndpointID == "orders" {
			t.Error("unregistered endpoint still listed")
		}
	}
}

func TestTestEndpointConnectivity(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	rt, reg := newTestRouter(t, false)
	register(t, reg, endpoint.Config{URL: backend.URL, Name: "users"})

	req := httptest.NewRequest(http.MethodGet, "/admin/endpoints/users/connectivity", nil)
	result, err := rt.TestEndpointConnectivity(req, "users")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Reachable || result.StatusCode != http.StatusOK {
		t.Errorf("result = %+v", result)
	}

	if _, err := rt.TestEndpointConnectivity(req, "ghost"); err != ErrNotFound {
		t.Errorf("err = %v", err)
	}
}

func TestTestEndpointConnectivity_Unreachable(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := backend.URL
	backend.Close()

	rt, reg := newTestRouter(t, false)
	register(t, reg, endpoint.Config{URL: url, Name: "users"})

	req := httptest.NewRequest(http.MethodGet, "/admin/endpoints/users/connectivity", nil)
	result, err := rt.TestEndpointConnectivity(req, "users")
	if err != nil {
		t.Fatal(err)
	}
	if result.Reachable || result.Error == "" {
		t.Errorf("result = %+v", result)
	}
}
