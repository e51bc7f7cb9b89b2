// Package config provides YAML configuration loading with validation and
// environment variable substitution for the orchestrator.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dskow/orchestrator-core/internal/endpoint"
)

// Config is the top-level orchestrator configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	HealthCheck    HealthCheckConfig    `yaml:"health_check" json:"health_check"`
	Endpoints      []endpoint.Config    `yaml:"endpoints" json:"endpoints"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds structured log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`             // "debug", "info", "warn", "error"; default: "info"
	Output     string `yaml:"output" json:"output"`           // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
}

// RateLimitConfig holds the per-client rate limiter settings.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// AdminConfig holds management API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// CircuitBreakerConfig holds the breaker defaults applied to every endpoint.
type CircuitBreakerConfig struct {
	FailureThreshold int            `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration  `yaml:"reset_timeout" json:"reset_timeout"`
	HalfOpenMaxCalls int            `yaml:"half_open_max_calls" json:"half_open_max_calls"`
	FallbackStrategy string         `yaml:"fallback_strategy" json:"fallback_strategy"`
	FallbackResponse map[string]any `yaml:"fallback_response" json:"fallback_response,omitempty"`
}

// HealthCheckConfig holds the background health monitor settings.
// Enabled defaults to true; set to false to disable the monitor.
type HealthCheckConfig struct {
	Enabled            *bool         `yaml:"enabled" json:"enabled"`
	Interval           time.Duration `yaml:"interval" json:"interval"`
	Timeout            time.Duration `yaml:"timeout" json:"timeout"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold" json:"unhealthy_threshold"`
	HealthyThreshold   int           `yaml:"healthy_threshold" json:"healthy_threshold"`
}

// IsEnabled returns whether health monitoring is enabled (defaults to true).
func (h HealthCheckConfig) IsEnabled() bool {
	if h.Enabled == nil {
		return true
	}
	return *h.Enabled
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

// LoadOrCreate loads the config at path, writing DefaultYAML there first when
// the file does not exist. The created flag reports whether a default file
// was generated.
func LoadOrCreate(path string) (cfg *Config, created bool, err error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, false, fmt.Errorf("creating config directory: %w", err)
			}
		}
		if err := os.WriteFile(path, []byte(DefaultYAML), 0o644); err != nil {
			return nil, false, fmt.Errorf("writing default config: %w", err)
		}
		created = true
	}
	cfg, err = Load(path)
	return cfg, created, err
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 10485760 // 10 MB
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 50
	}

	// Circuit breaker defaults
	cb := &cfg.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.ResetTimeout == 0 {
		cb.ResetTimeout = 60 * time.Second
	}
	if cb.HalfOpenMaxCalls == 0 {
		cb.HalfOpenMaxCalls = 3
	}
	if cb.FallbackStrategy == "" {
		cb.FallbackStrategy = string(endpoint.FallbackErrorResponse)
	}

	// Health check defaults
	hc := &cfg.HealthCheck
	if hc.Interval == 0 {
		hc.Interval = 30 * time.Second
	}
	if hc.Timeout == 0 {
		hc.Timeout = 10 * time.Second
	}
	if hc.UnhealthyThreshold == 0 {
		hc.UnhealthyThreshold = 3
	}
	if hc.HealthyThreshold == 0 {
		hc.HealthyThreshold = 2
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be non-negative")
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second must be positive")
		}
		if cfg.RateLimit.BurstSize <= 0 {
			return fmt.Errorf("rate_limit.burst_size must be positive")
		}
	}

	// Circuit breaker validation
	cb := cfg.CircuitBreaker
	if cb.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if cb.ResetTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.reset_timeout must be positive")
	}
	if cb.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("circuit_breaker.half_open_max_calls must be positive")
	}
	if !endpoint.FallbackStrategy(cb.FallbackStrategy).Valid() {
		return fmt.Errorf("circuit_breaker.fallback_strategy must be one of error_response, default_response, cached_response, redirect; got %q", cb.FallbackStrategy)
	}

	// Health check validation
	hc := cfg.HealthCheck
	if hc.Interval < 0 {
		return fmt.Errorf("health_check.interval must be non-negative")
	}
	if hc.Timeout <= 0 {
		return fmt.Errorf("health_check.timeout must be positive")
	}
	if hc.UnhealthyThreshold < 1 {
		return fmt.Errorf("health_check.unhealthy_threshold must be positive")
	}
	if hc.HealthyThreshold < 1 {
		return fmt.Errorf("health_check.healthy_threshold must be positive")
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	// Endpoint validation runs on normalized copies so the registry and
	// the config agree on what a valid endpoint looks like.
	seenIDs := make(map[string]int)
	seenURLs := make(map[string]int)
	for i, ec := range cfg.Endpoints {
		ec.Normalize()
		if err := ec.Validate(); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
		id := ec.ID()
		if prev, ok := seenIDs[id]; ok {
			return fmt.Errorf("endpoints[%d]: identity %q already used by endpoints[%d]", i, id, prev)
		}
		seenIDs[id] = i
		if prev, ok := seenURLs[ec.URL]; ok {
			return fmt.Errorf("endpoints[%d]: url %q already used by endpoints[%d]", i, ec.URL, prev)
		}
		seenURLs[ec.URL] = i
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.HealthCheck.IsEnabled() && cfg.HealthCheck.Interval > 0 && cfg.HealthCheck.Interval < 5*time.Second {
		warnings = append(warnings, fmt.Sprintf(
			"health_check.interval %s is below the 5s minimum and will be clamped", cfg.HealthCheck.Interval))
	}
	if len(cfg.Endpoints) == 0 {
		warnings = append(warnings, "no endpoints configured; only the management API can register endpoints")
	}
	for i, ec := range cfg.Endpoints {
		if ec.Name == "" {
			warnings = append(warnings, fmt.Sprintf(
				"endpoints[%d] has no name; it will be identified by a URL hash and not routable by path", i))
		}
	}
	return warnings
}
