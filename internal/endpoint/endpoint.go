// Package endpoint defines the shared data model for the orchestrator:
// endpoint configuration, runtime registration state, health records, and
// the status/state enumerations used by the registry, circuit breaker,
// health monitor, and router.
package endpoint

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Status represents the runtime status of an endpoint.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusDisabled  Status = "disabled"
	StatusUnhealthy Status = "unhealthy"
)

// BreakerState represents the circuit breaker state mirrored into the
// registry for reporting. The circuit breaker engine owns the authoritative
// state; everything else reads this mirror.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// FallbackStrategy selects the substitute response produced while a circuit
// is open. The set is closed; handling switches over it exhaustively.
type FallbackStrategy string

const (
	FallbackErrorResponse   FallbackStrategy = "error_response"
	FallbackCachedResponse  FallbackStrategy = "cached_response"
	FallbackDefaultResponse FallbackStrategy = "default_response"
	FallbackRedirect        FallbackStrategy = "redirect"
)

// Valid reports whether s is one of the known fallback strategies.
func (s FallbackStrategy) Valid() bool {
	switch s {
	case FallbackErrorResponse, FallbackCachedResponse, FallbackDefaultResponse, FallbackRedirect:
		return true
	}
	return false
}

var (
	nameRe    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	versionRe = regexp.MustCompile(`^v?\d+(\.\d+)*$`)
)

// Config is the configuration for a single backend endpoint. It is handed to
// the registry by value; the registry never shares mutable ownership of a
// Config with the caller after registration.
type Config struct {
	// URL is the base URL of the backend service.
	URL string `yaml:"url" json:"url"`

	// Name is an optional human-readable identity. When set it becomes the
	// endpoint ID; when empty the ID is derived from a stable hash of URL.
	Name string `yaml:"name" json:"name,omitempty"`

	// Version is an optional API version string ("1.0.0" or "v1").
	Version string `yaml:"version" json:"version,omitempty"`

	// Methods are the allowed HTTP methods. Defaults to GET only.
	Methods []string `yaml:"methods" json:"methods"`

	// Disabled endpoints are registered but never routed to or probed.
	Disabled bool `yaml:"disabled" json:"disabled"`

	// HealthCheckPath, when set, is joined onto URL for health probes.
	HealthCheckPath string `yaml:"health_check_path" json:"health_check_path,omitempty"`

	// Timeout bounds each proxied request to this endpoint.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Normalize applies defaults: GET-only methods, 30s timeout, uppercase
// method names.
func (c *Config) Normalize() {
	if len(c.Methods) == 0 {
		c.Methods = []string{"GET"}
	}
	for i, m := range c.Methods {
		c.Methods[i] = strings.ToUpper(m)
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Validate checks URL, name, and version formats. It does not mutate c.
func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", c.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", c.URL)
	}
	if c.Name != "" && !nameRe.MatchString(c.Name) {
		return fmt.Errorf("name %q must contain only alphanumeric characters, hyphens, and underscores", c.Name)
	}
	if c.Version != "" && !versionRe.MatchString(c.Version) {
		return fmt.Errorf("version %q must be in a format like \"1.0.0\" or \"v1.0.0\"", c.Version)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	return nil
}

// ID returns the deterministic identity for this configuration: the name
// when present, otherwise a stable FNV-1a hash of the URL. The hash is
// deterministic across processes so identity survives restarts.
func (c Config) ID() string {
	if c.Name != "" {
		return c.Name
	}
	h := fnv.New64a()
	h.Write([]byte(c.URL))
	return fmt.Sprintf("endpoint_%016x", h.Sum64())
}

// Equal reports whether two configurations are identical, including method
// order. Used by config sync to decide whether an endpoint was updated.
func (c Config) Equal(other Config) bool {
	if c.URL != other.URL ||
		c.Name != other.Name ||
		c.Version != other.Version ||
		c.Disabled != other.Disabled ||
		c.HealthCheckPath != other.HealthCheckPath ||
		c.Timeout != other.Timeout {
		return false
	}
	if len(c.Methods) != len(other.Methods) {
		return false
	}
	for i := range c.Methods {
		if c.Methods[i] != other.Methods[i] {
			return false
		}
	}
	return true
}

// AllowsMethod reports whether method is in the allowed set.
func (c Config) AllowsMethod(method string) bool {
	for _, m := range c.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Registered wraps a Config with runtime state. Instances are owned
// exclusively by the registry; other components receive references and
// request mutations through registry methods rather than writing fields.
type Registered struct {
	Config              Config       `json:"config"`
	Status              Status       `json:"status"`
	BreakerState        BreakerState `json:"circuit_breaker_state"`
	RegisteredAt        time.Time    `json:"registration_time"`
	LastHealthCheck     time.Time    `json:"last_health_check,omitzero"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailureTime     time.Time    `json:"last_failure_time,omitzero"`
}

// ID returns the endpoint identity derived from the configuration.
func (r *Registered) ID() string {
	return r.Config.ID()
}

// Health is a point-in-time health record for one monitored endpoint,
// owned by the health monitor.
type Health struct {
	EndpointID           string        `json:"endpoint_id"`
	Status               Status        `json:"status"`
	LastCheckTime        time.Time     `json:"last_check_time"`
	ResponseTime         time.Duration `json:"response_time"`
	ErrorMessage         string        `json:"error_message,omitempty"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
}
