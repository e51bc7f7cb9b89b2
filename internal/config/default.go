package config

// DefaultYAML is written to the config path on first start when no file
// exists. It mirrors the documented defaults so a generated file loads
// identically to a missing one.
const DefaultYAML = `# Orchestrator configuration.
# Values of the form ${VAR} are replaced with environment variables at load.

server:
  port: 8080
  read_timeout: 15s
  write_timeout: 60s
  shutdown_timeout: 10s
  max_body_bytes: 10485760

metrics:
  enabled: true
  path: /metrics

logging:
  level: info
  output: stdout

rate_limit:
  enabled: false
  requests_per_second: 100
  burst_size: 50

admin:
  enabled: false
  ip_allowlist: []

circuit_breaker:
  failure_threshold: 5
  reset_timeout: 60s
  half_open_max_calls: 3
  fallback_strategy: error_response

health_check:
  enabled: true
  interval: 30s
  timeout: 10s
  unhealthy_threshold: 3
  healthy_threshold: 2

# Endpoints registered at startup and reconciled on every config reload.
endpoints: []
#  - name: users
#    version: v1
#    url: http://localhost:9001
#    methods: [GET, POST]
#    health_check_path: /health
#    timeout: 30s
`
