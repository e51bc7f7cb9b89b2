package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dskow/orchestrator-core/internal/apierror"
	"github.com/dskow/orchestrator-core/internal/circuitbreaker"
	"github.com/dskow/orchestrator-core/internal/config"
	"github.com/dskow/orchestrator-core/internal/endpoint"
	"github.com/dskow/orchestrator-core/internal/health"
	"github.com/dskow/orchestrator-core/internal/proxy"
	"github.com/dskow/orchestrator-core/internal/registry"
	"github.com/dskow/orchestrator-core/internal/router"
)

type staticConfig struct{ cfg *config.Config }

func (s staticConfig) Current() *config.Config { return s.cfg }

type fixture struct {
	mux      *http.ServeMux
	registry *registry.Registry
	breakers *circuitbreaker.Manager
	monitor  *health.Monitor
	router   *router.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()
	reg := registry.New(logger)
	mgr := circuitbreaker.NewManager(reg, circuitbreaker.Config{
		FailureThreshold: 5,
		ResetTimeout:     time.Minute,
		HalfOpenMaxCalls: 3,
		FallbackStrategy: endpoint.FallbackErrorResponse,
	}, logger)
	mon := health.New(reg, health.Config{
		Enabled:            true,
		Interval:           30 * time.Second,
		Timeout:            5 * time.Second,
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
	}, logger)
	rt := router.New(reg, mgr, proxy.New(logger), logger)

	cfg, err := config.LoadFromBytes([]byte("{}"))
	if err != nil {
		t.Fatal(err)
	}

	h := New(reg, mgr, mon, rt, staticConfig{cfg}, []string{"127.0.0.1/32"}, logger)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	return &fixture{mux: mux, registry: reg, breakers: mgr, monitor: mon, router: rt}
}

func (f *fixture) do(method, path, body, remoteAddr string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

const localhost = "127.0.0.1:54321"

func TestGuard_DeniesOutsideAllowlist(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/admin/endpoints", "", "203.0.113.7:1234")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestGuard_AllowsListedIP(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/admin/endpoints", "", localhost)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestRegisterEndpoint_Lifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/admin/endpoints",
		`{"url":"http://localhost:9001","name":"users","version":"v1"}`, localhost)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = f.do(http.MethodGet, "/admin/endpoints", "", localhost)
	var list struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 {
		t.Errorf("total = %d", list.Total)
	}

	rec = f.do(http.MethodGet, "/admin/endpoints/users", "", localhost)
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}

	rec = f.do(http.MethodDelete, "/admin/endpoints/users", "", localhost)
	if rec.Code != http.StatusOK {
		t.Errorf("unregister status = %d", rec.Code)
	}

	rec = f.do(http.MethodGet, "/admin/endpoints/users", "", localhost)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
}

func TestRegisterEndpoint_RefreshesRoutes(t *testing.T) {
	f := newFixture(t)

	f.do(http.MethodPost, "/admin/endpoints", `{"url":"http://localhost:9001","name":"users"}`, localhost)

	rec := f.do(http.MethodGet, "/admin/routes", "", localhost)
	var body struct {
		Routes []router.Route `json:"routes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Routes) != 1 || body.Routes[0].Pattern != "/users" {
		t.Errorf("routes = %+v", body.Routes)
	}
}

func TestRegisterEndpoint_Conflicts(t *testing.T) {
	f := newFixture(t)

	f.do(http.MethodPost, "/admin/endpoints", `{"url":"http://localhost:9001","name":"users"}`, localhost)

	rec := f.do(http.MethodPost, "/admin/endpoints", `{"url":"http://localhost:9002","name":"users"}`, localhost)
	if rec.Code != http.StatusConflict {
		t.Errorf("identity conflict status = %d", rec.Code)
	}
	var body apierror.ErrorResponse
	json.Unmarshal(rec.Body.Bytes(), &body) //nolint:errcheck
	if body.ErrorCode != string(apierror.IdentityConflict) {
		t.Errorf("code = %s", body.ErrorCode)
	}

	rec = f.do(http.MethodPost, "/admin/endpoints", `{"url":"http://localhost:9001","name":"orders"}`, localhost)
	if rec.Code != http.StatusConflict {
		t.Errorf("url conflict status = %d", rec.Code)
	}
	json.Unmarshal(rec.Body.Bytes(), &body) //nolint:errcheck
	if body.ErrorCode != string(apierror.URLConflict) {
		t.Errorf("code = %s", body.ErrorCode)
	}
}

func TestRegisterEndpoint_InvalidBody(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/admin/endpoints", `{not json`, localhost)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}

	rec = f.do(http.MethodPost, "/admin/endpoints", `{"url":"ftp://bad","name":"x"}`, localhost)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestBreakerEndpoints(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/admin/endpoints", `{"url":"http://localhost:9001","name":"users"}`, localhost)

	rec := f.do(http.MethodPost, "/admin/breakers/users/trip", "", localhost)
	if rec.Code != http.StatusOK {
		t.Fatalf("trip status = %d", rec.Code)
	}

	rec = f.do(http.MethodGet, "/admin/breakers", "", localhost)
	var stats struct {
		Breakers []circuitbreaker.Stats `json:"breakers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if len(stats.Breakers) != 1 || stats.Breakers[0].State != endpoint.BreakerOpen {
		t.Errorf("stats = %+v", stats.Breakers)
	}

	rec = f.do(http.MethodPost, "/admin/breakers/users/reset", "", localhost)
	if rec.Code != http.StatusOK {
		t.Errorf("reset status = %d", rec.Code)
	}

	rec = f.do(http.MethodPost, "/admin/breakers/ghost/reset", "", localhost)
	if rec.Code != http.StatusNotFound {
		t.Errorf("reset unknown status = %d", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/admin/health", "", localhost)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}

	rec = f.do(http.MethodGet, "/admin/health/summary", "", localhost)
	if rec.Code != http.StatusOK {
		t.Errorf("summary status = %d", rec.Code)
	}

	rec = f.do(http.MethodPost, "/admin/endpoints/ghost/check", "", localhost)
	if rec.Code != http.StatusNotFound {
		t.Errorf("check unknown status = %d", rec.Code)
	}
}

func TestDisabledSubsystems(t *testing.T) {
	logger := slog.Default()
	reg := registry.New(logger)
	rt := router.New(reg, nil, proxy.New(logger), logger)
	cfg, _ := config.LoadFromBytes([]byte("{}"))

	h := New(reg, nil, nil, rt, staticConfig{cfg}, []string{"127.0.0.1/32"}, logger)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	f := &fixture{mux: mux}

	for _, path := range []string{"/admin/health", "/admin/health/summary", "/admin/breakers"} {
		rec := f.do(http.MethodGet, path, "", localhost)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d", path, rec.Code)
		}
	}
}

func TestStatsAndConfig(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/admin/stats", "", localhost)
	if rec.Code != http.StatusOK {
		t.Errorf("stats status = %d", rec.Code)
	}

	rec = f.do(http.MethodGet, "/admin/config", "", localhost)
	if rec.Code != http.StatusOK {
		t.Errorf("config status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("config payload not JSON: %v", err)
	}
}
