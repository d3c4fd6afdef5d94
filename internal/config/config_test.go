package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
gateway:
  oauth2:
    validation_endpoint: "http://service-authentication/oauth/validate"
  routes:
    - path: "/api/**"
      service: "service-core"
`

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.RateLimit.RequestsPerSecond != 100 {
		t.Errorf("expected default rps 100, got %f", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.RateLimit.BurstSize != 50 {
		t.Errorf("expected default burst 50, got %d", cfg.RateLimit.BurstSize)
	}
	if cfg.Server.MaxBodyBytes != 1048576 {
		t.Errorf("expected default max_body_bytes 1048576, got %d", cfg.Server.MaxBodyBytes)
	}

	hc := cfg.HTTPClient
	if hc.MaxTotalConnections != 200 || hc.MaxConnectionsPerRoute != 50 {
		t.Errorf("expected pool 200/50, got %d/%d", hc.MaxTotalConnections, hc.MaxConnectionsPerRoute)
	}
	if hc.ConnectTimeout != 5*time.Second {
		t.Errorf("expected connect timeout 5s, got %s", hc.ConnectTimeout)
	}
	if hc.ReadTimeout != 30*time.Second {
		t.Errorf("expected read timeout 30s, got %s", hc.ReadTimeout)
	}
	if hc.IdleEvictionInterval != 30*time.Second {
		t.Errorf("expected idle eviction 30s, got %s", hc.IdleEvictionInterval)
	}

	if cfg.Discovery.Provider != "static" {
		t.Errorf("expected static discovery by default, got %q", cfg.Discovery.Provider)
	}
	if cfg.Tracing.Exporter != "none" || cfg.Tracing.SampleRatio != 1 {
		t.Errorf("unexpected tracing defaults: %+v", cfg.Tracing)
	}
	if !cfg.Metrics.IsEnabled() {
		t.Error("expected metrics enabled by default")
	}
	if !cfg.Gateway.Routes[0].AuthRequired() {
		t.Error("expected routes to require auth by default")
	}
}

func TestLoadFromBytes_FullConfig(t *testing.T) {
	yaml := []byte(`
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 45s
  shutdown_timeout: 5s
  trusted_proxies: ["10.0.0.0/8"]
  max_body_bytes: 2097152
rate_limit:
  requests_per_second: 200
  burst_size: 100
http_client:
  max_total_connections: 20
  max_connections_per_route: 5
  connect_timeout: 1s
  read_timeout: 3s
discovery:
  provider: static
  static:
    service-account: ["10.0.0.5:8081", "10.0.0.6:8081"]
    service-authentication: ["10.0.0.7:8082"]
tracing:
  enabled: true
  exporter: stdout
  sample_ratio: 0.25
gateway:
  oauth2:
    validation_endpoint: "http://service-authentication/oauth/validate"
  public_paths: ["/api/v1/oauth", "/actuator"]
  routes:
    - path: "/api/accounts/**"
      service: "service-account"
      methods: ["get", "post"]
      headers:
        X-Channel: "mobile"
      rate_override:
        requests_per_second: 5
        burst_size: 5
    - path: "/api/v1/oauth/**"
      service: "service-authentication"
      requires_auth: false
      log_level: none
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if len(cfg.Gateway.Routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(cfg.Gateway.Routes))
	}
	accounts := cfg.Gateway.Routes[0]
	if accounts.Methods[0] != "GET" || accounts.Methods[1] != "POST" {
		t.Errorf("expected methods normalized to upper case, got %v", accounts.Methods)
	}
	if accounts.Headers["X-Channel"] != "mobile" {
		t.Errorf("expected X-Channel header, got %v", accounts.Headers)
	}
	if accounts.RateOverride == nil || accounts.RateOverride.BurstSize != 5 {
		t.Errorf("expected rate override, got %+v", accounts.RateOverride)
	}
	if cfg.Gateway.Routes[1].AuthRequired() {
		t.Error("expected oauth route to be public")
	}
	if got := cfg.Discovery.Static["service-account"]; len(got) != 2 {
		t.Errorf("expected 2 static instances, got %v", got)
	}
	if cfg.Tracing.SampleRatio != 0.25 {
		t.Errorf("expected sample ratio 0.25, got %v", cfg.Tracing.SampleRatio)
	}
	if len(cfg.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", cfg.Warnings)
	}
}

func TestConfig_RouteTable(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
gateway:
  oauth2:
    validation_endpoint: "http://idp:9000/validate"
  public_paths: ["/api/v1/oauth"]
  routes:
    - path: "/api/**"
      service: "service-core"
    - path: "/api/accounts/**"
      service: "service-account"
    - path: "/api/v1/oauth/**"
      service: "service-authentication"
      requires_auth: false
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	table, err := cfg.RouteTable()
	if err != nil {
		t.Fatalf("RouteTable: %v", err)
	}
	route, ok := table.Match("/api/accounts/42")
	if !ok || route.Service != "service-account" || !route.RequiresAuth {
		t.Errorf("unexpected match: %+v, %v", route, ok)
	}
	route, ok = table.Match("/api/v1/oauth/token")
	if !ok || route.RequiresAuth {
		t.Errorf("expected public oauth route, got %+v, %v", route, ok)
	}
	if !table.IsPublic("/api/v1/oauth/token") {
		t.Error("expected public path")
	}

	if rc, ok := cfg.RouteByPath("/api/accounts/**"); !ok || rc.Service != "service-account" {
		t.Errorf("RouteByPath = %+v, %v", rc, ok)
	}
}

func TestLoadFromBytes_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_VALIDATE_URL", "http://idp.internal:9000/validate")

	cfg, err := LoadFromBytes([]byte(`
gateway:
  oauth2:
    validation_endpoint: "${TEST_VALIDATE_URL}"
  routes:
    - path: "/api/**"
      service: "service-core"
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gateway.OAuth2.ValidationEndpoint != "http://idp.internal:9000/validate" {
		t.Errorf("expected env var substitution, got %q", cfg.Gateway.OAuth2.ValidationEndpoint)
	}
}

func TestLoadFromBytes_UnresolvedEnvVarWarning(t *testing.T) {
	os.Unsetenv("UNSET_PARTNER_KEY_12345")

	cfg, err := LoadFromBytes([]byte(`
gateway:
  oauth2:
    validation_endpoint: "http://idp:9000/validate"
  routes:
    - path: "/api/**"
      service: "service-core"
      headers:
        X-Partner-Key: "${UNSET_PARTNER_KEY_12345}"
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, w := range cfg.Warnings {
		if strings.Contains(w, "unresolved environment variable") {
			found = true
		}
	}
	if !found {
		t.Error("expected warning about unresolved environment variable")
	}
}

func TestLoadFromBytes_Warnings(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
server:
  write_timeout: 10s
gateway:
  routes:
    - path: "/api/**"
      service: "service-core"
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"validation_endpoint is not set",
		"does not exceed http_client.read_timeout",
		`service "service-core" has no static discovery entry`,
	}
	for _, w := range want {
		found := false
		for _, got := range cfg.Warnings {
			if strings.Contains(got, w) {
				found = true
			}
		}
		if !found {
			t.Errorf("expected warning containing %q, got %v", w, cfg.Warnings)
		}
	}
}

func TestLoadFromBytes_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errSub string
	}{
		{
			name:   "missing routes",
			yaml:   "gateway:\n  routes: []\n",
			errSub: "gateway.routes",
		},
		{
			name: "invalid port",
			yaml: `
server:
  port: 99999
gateway:
  routes:
    - path: "/api/**"
      service: "service-core"
`,
			errSub: "server.port",
		},
		{
			name: "missing path",
			yaml: `
gateway:
  routes:
    - service: "service-core"
`,
			errSub: "gateway.routes[0].path",
		},
		{
			name: "missing service",
			yaml: `
gateway:
  routes:
    - path: "/api/**"
`,
			errSub: "gateway.routes[0].service",
		},
		{
			name: "service with URL instead of name",
			yaml: `
gateway:
  routes:
    - path: "/api/**"
      service: "http://core:8080"
`,
			errSub: "hostname_rfc1123",
		},
		{
			name: "path without leading slash",
			yaml: `
gateway:
  routes:
    - path: "api/**"
      service: "service-core"
`,
			errSub: "startswith",
		},
		{
			name: "duplicate path",
			yaml: `
gateway:
  routes:
    - path: "/api/**"
      service: "service-core"
    - path: "/api/**"
      service: "service-account"
`,
			errSub: "duplicate",
		},
		{
			name: "equal length overlapping patterns",
			yaml: `
gateway:
  routes:
    - path: "/ab/**"
      service: "service-a"
    - path: "/ab/cd"
      service: "service-b"
`,
			errSub: "equal length",
		},
		{
			name: "invalid validation endpoint",
			yaml: `
gateway:
  oauth2:
    validation_endpoint: "not a url"
  routes:
    - path: "/api/**"
      service: "service-core"
`,
			errSub: "validation_endpoint",
		},
		{
			name: "unknown discovery provider",
			yaml: `
discovery:
  provider: zookeeper
gateway:
  routes:
    - path: "/api/**"
      service: "service-core"
`,
			errSub: "discovery.provider",
		},
		{
			name: "static address without port",
			yaml: `
discovery:
  static:
    service-core: ["10.0.0.1"]
gateway:
  routes:
    - path: "/api/**"
      service: "service-core"
`,
			errSub: "must be host:port",
		},
		{
			name: "per-route pool larger than total",
			yaml: `
http_client:
  max_total_connections: 10
  max_connections_per_route: 20
gateway:
  routes:
    - path: "/api/**"
      service: "service-core"
`,
			errSub: "max_connections_per_route",
		},
		{
			name: "invalid trusted proxy",
			yaml: `
server:
  trusted_proxies: ["not-a-cidr"]
gateway:
  routes:
    - path: "/api/**"
      service: "service-core"
`,
			errSub: "trusted_proxies",
		},
		{
			name: "tls enabled without cert",
			yaml: `
server:
  tls:
    enabled: true
    key_file: "key.pem"
gateway:
  routes:
    - path: "/api/**"
      service: "service-core"
`,
			errSub: "cert_file",
		},
		{
			name: "admin enabled without allowlist",
			yaml: `
admin:
  enabled: true
gateway:
  routes:
    - path: "/api/**"
      service: "service-core"
`,
			errSub: "ip_allowlist",
		},
		{
			name: "bad route log level",
			yaml: `
gateway:
  routes:
    - path: "/api/**"
      service: "service-core"
      log_level: verbose
`,
			errSub: "log_level",
		},
		{
			name: "failure threshold above one",
			yaml: `
circuit_breaker:
  failure_threshold: 1.5
gateway:
  routes:
    - path: "/api/**"
      service: "service-core"
`,
			errSub: "failure_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("error %q does not mention %q", err, tt.errSub)
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gateway.Routes[0].Service != "service-core" {
		t.Errorf("expected service-core, got %q", cfg.Gateway.Routes[0].Service)
	}
}

func TestLoad_ErrorNamesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(path, []byte("gateway: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "broken.yaml") {
		t.Errorf("expected error naming the file, got %v", err)
	}
}

func TestServerConfig_GlobalTimeout(t *testing.T) {
	if got := (ServerConfig{}).GlobalTimeout(); got != 0 {
		t.Errorf("expected disabled global timeout, got %s", got)
	}
	if got := (ServerConfig{GlobalTimeoutMs: 1500}).GlobalTimeout(); got != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %s", got)
	}
}
