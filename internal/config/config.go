// Package config provides YAML configuration loading with validation and
// environment variable substitution for the API gateway.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dskow/bank-gateway/internal/routing"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Tracing        TracingConfig        `yaml:"tracing" json:"tracing"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	HTTPClient     HTTPClientConfig     `yaml:"http_client" json:"http_client"`
	Discovery      DiscoveryConfig      `yaml:"discovery" json:"discovery"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`
	Gateway        GatewayConfig        `yaml:"gateway" json:"gateway"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies" validate:"dive,cidr"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes" validate:"gt=0"`
	GlobalTimeoutMs int           `yaml:"global_timeout_ms" json:"global_timeout_ms" validate:"gte=0"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// GlobalTimeout returns the global request deadline as a time.Duration.
// Returns 0 (disabled) when GlobalTimeoutMs is not set.
func (s ServerConfig) GlobalTimeout() time.Duration {
	if s.GlobalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.GlobalTimeoutMs) * time.Millisecond
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file" validate:"required_if=Enabled true"`
	KeyFile    string `yaml:"key_file" json:"key_file" validate:"required_if=Enabled true"`
	MinVersion string `yaml:"min_version" json:"min_version" validate:"omitempty,oneof=1.2 1.3"` // default: "1.2"
}

// LoggingConfig holds log output, level and access log settings.
type LoggingConfig struct {
	Level           string `yaml:"level" json:"level" validate:"oneof=debug info warn error"` // default: "info"
	Output          string `yaml:"output" json:"output"`                                      // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB       int    `yaml:"max_size_mb" json:"max_size_mb" validate:"gte=1"`           // default: 100
	MaxBackups      int    `yaml:"max_backups" json:"max_backups" validate:"gte=0"`           // default: 3
	MaxAgeDays      int    `yaml:"max_age_days" json:"max_age_days" validate:"gte=0"`         // default: 30
	BodyLogging     bool   `yaml:"body_logging" json:"body_logging"`
	MaxBodyLogBytes int    `yaml:"max_body_log_bytes" json:"max_body_log_bytes" validate:"gte=1"` // default: 4096
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path" validate:"startswith=/"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// TracingConfig controls span creation and trace context propagation.
// Inbound trace headers are always honoured; Enabled adds a gateway span.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	Exporter    string  `yaml:"exporter" json:"exporter" validate:"oneof=none stdout"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio" validate:"gte=0,lte=1"`
}

// RateLimitConfig holds the global rate limiter settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" validate:"gt=0"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size" validate:"gt=0"`
}

// CircuitBreakerConfig holds circuit breaker settings applied to every
// logical service.
type CircuitBreakerConfig struct {
	WindowSize       int           `yaml:"window_size" json:"window_size" validate:"gte=1"`
	FailureThreshold float64       `yaml:"failure_threshold" json:"failure_threshold" validate:"gt=0,lte=1"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout" validate:"gt=0"`
	HalfOpenMax      int           `yaml:"half_open_max" json:"half_open_max" validate:"gte=1"`
	SlowThreshold    time.Duration `yaml:"slow_threshold" json:"slow_threshold" validate:"gte=0"`
	MaxConcurrent    int           `yaml:"max_concurrent" json:"max_concurrent" validate:"gte=0"`
}

// HTTPClientConfig tunes the pooled outbound client shared by the forwarder
// and the token validator.
type HTTPClientConfig struct {
	MaxTotalConnections    int           `yaml:"max_total_connections" json:"max_total_connections" validate:"gte=1"`
	MaxConnectionsPerRoute int           `yaml:"max_connections_per_route" json:"max_connections_per_route" validate:"gte=1,ltefield=MaxTotalConnections"`
	ConnectTimeout         time.Duration `yaml:"connect_timeout" json:"connect_timeout" validate:"gt=0"`
	ReadTimeout            time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"gt=0"`
	IdleEvictionInterval   time.Duration `yaml:"idle_eviction_interval" json:"idle_eviction_interval" validate:"gt=0"`
	IdleConnTimeout        time.Duration `yaml:"idle_conn_timeout" json:"idle_conn_timeout" validate:"gt=0"`
	MaxResponseBytes       int64         `yaml:"max_response_bytes" json:"max_response_bytes" validate:"gt=0"`
}

// DiscoveryConfig selects how logical service names become addresses.
type DiscoveryConfig struct {
	Provider string              `yaml:"provider" json:"provider" validate:"oneof=static consul"` // default: "static"
	Static   map[string][]string `yaml:"static" json:"static,omitempty"`                          // service name -> host:port list
	Consul   ConsulConfig        `yaml:"consul" json:"consul"`
}

// ConsulConfig holds Consul catalog settings.
type ConsulConfig struct {
	Address    string        `yaml:"address" json:"address"` // default: "127.0.0.1:8500"
	Scheme     string        `yaml:"scheme" json:"scheme" validate:"omitempty,oneof=http https"`
	Datacenter string        `yaml:"datacenter" json:"datacenter"`
	Token      string        `yaml:"token" json:"token"`
	Tag        string        `yaml:"tag" json:"tag"`
	CacheTTL   time.Duration `yaml:"cache_ttl" json:"cache_ttl" validate:"gte=0"` // default: 10s
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`                                                   // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist" validate:"required_if=Enabled true,dive,cidr"` // CIDR notation
}

// GatewayConfig holds the route table and authentication gate settings.
type GatewayConfig struct {
	OAuth2      OAuth2Config  `yaml:"oauth2" json:"oauth2"`
	PublicPaths []string      `yaml:"public_paths" json:"public_paths" validate:"dive,required"`
	Routes      []RouteConfig `yaml:"routes" json:"routes" validate:"required,min=1,dive"`
}

// OAuth2Config points the auth gate at the token validation collaborator.
type OAuth2Config struct {
	ValidationEndpoint string `yaml:"validation_endpoint" json:"validation_endpoint" validate:"omitempty,url"`
}

// RouteConfig defines a single gateway route.
type RouteConfig struct {
	Path         string            `yaml:"path" json:"path" validate:"required,startswith=/"`
	Service      string            `yaml:"service" json:"service" validate:"required,hostname_rfc1123"`
	RequiresAuth *bool             `yaml:"requires_auth" json:"requires_auth"`
	Methods      []string          `yaml:"methods" json:"methods,omitempty"`
	Headers      map[string]string `yaml:"headers" json:"headers,omitempty"`
	RateOverride *RateLimitConfig  `yaml:"rate_override" json:"rate_override,omitempty"`
	LogLevel     string            `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=debug info warn error none"` // default: "info"
}

// AuthRequired reports whether the route is behind the auth gate. Routes
// that omit requires_auth are protected.
func (r RouteConfig) AuthRequired() bool {
	if r.RequiresAuth == nil {
		return true
	}
	return *r.RequiresAuth
}

// RouteTable builds the immutable route table from the gateway section.
func (c *Config) RouteTable() (*routing.Table, error) {
	routes := make([]routing.Route, len(c.Gateway.Routes))
	for i, r := range c.Gateway.Routes {
		routes[i] = routing.Route{
			Pattern:      r.Path,
			Service:      r.Service,
			RequiresAuth: r.AuthRequired(),
			Methods:      r.Methods,
		}
	}
	return routing.New(routes, c.Gateway.PublicPaths)
}

// RouteByPath returns the route configuration with the given pattern.
func (c *Config) RouteByPath(pattern string) (RouteConfig, bool) {
	for _, r := range c.Gateway.Routes {
		if r.Path == pattern {
			return r, true
		}
	}
	return RouteConfig{}, false
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
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	return parse(data)
}

func parse(data []byte) (*Config, error) {
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

func applyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.Port == 0 {
		s.Port = 8080
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 15 * time.Second
	}
	if s.WriteTimeout == 0 {
		// Must outlive http_client.read_timeout or slow backends get cut off.
		s.WriteTimeout = 40 * time.Second
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 10 * time.Second
	}
	if s.MaxBodyBytes == 0 {
		s.MaxBodyBytes = 1048576 // 1 MB
	}
	if s.TLS.Enabled && s.TLS.MinVersion == "" {
		s.TLS.MinVersion = "1.2"
	}

	l := &cfg.Logging
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Output == "" {
		l.Output = "stdout"
	}
	if l.MaxSizeMB == 0 {
		l.MaxSizeMB = 100
	}
	if l.MaxBackups == 0 {
		l.MaxBackups = 3
	}
	if l.MaxAgeDays == 0 {
		l.MaxAgeDays = 30
	}
	if l.MaxBodyLogBytes == 0 {
		l.MaxBodyLogBytes = 4096
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	tr := &cfg.Tracing
	if tr.ServiceName == "" {
		tr.ServiceName = "bank-gateway"
	}
	if tr.Exporter == "" {
		tr.Exporter = "none"
	}
	if tr.SampleRatio == 0 {
		tr.SampleRatio = 1
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 50
	}

	cb := &cfg.CircuitBreaker
	if cb.WindowSize == 0 {
		cb.WindowSize = 10
	}
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 0.5
	}
	if cb.ResetTimeout == 0 {
		cb.ResetTimeout = 30 * time.Second
	}
	if cb.HalfOpenMax == 0 {
		cb.HalfOpenMax = 2
	}

	hc := &cfg.HTTPClient
	if hc.MaxTotalConnections == 0 {
		hc.MaxTotalConnections = 200
	}
	if hc.MaxConnectionsPerRoute == 0 {
		hc.MaxConnectionsPerRoute = 50
	}
	if hc.ConnectTimeout == 0 {
		hc.ConnectTimeout = 5 * time.Second
	}
	if hc.ReadTimeout == 0 {
		hc.ReadTimeout = 30 * time.Second
	}
	if hc.IdleEvictionInterval == 0 {
		hc.IdleEvictionInterval = 30 * time.Second
	}
	if hc.IdleConnTimeout == 0 {
		hc.IdleConnTimeout = 90 * time.Second
	}
	if hc.MaxResponseBytes == 0 {
		hc.MaxResponseBytes = 10 << 20 // 10 MB
	}

	d := &cfg.Discovery
	if d.Provider == "" {
		d.Provider = "static"
	}
	if d.Consul.Address == "" {
		d.Consul.Address = "127.0.0.1:8500"
	}
	if d.Consul.CacheTTL == 0 {
		d.Consul.CacheTTL = 10 * time.Second
	}

	for i := range cfg.Gateway.Routes {
		r := &cfg.Gateway.Routes[i]
		for j, m := range r.Methods {
			r.Methods[j] = strings.ToUpper(m)
		}
	}
}

// structValidator is built once; validator caches struct metadata and is
// safe for concurrent use.
var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report YAML field names so errors point at the config file keys.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return describeValidationError(err)
	}

	for service, addrs := range cfg.Discovery.Static {
		if len(addrs) == 0 {
			return fmt.Errorf("discovery.static.%s: at least one address is required", service)
		}
		for i, addr := range addrs {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("discovery.static.%s[%d]: %q must be host:port: %w", service, i, addr, err)
			}
		}
	}

	for i, r := range cfg.Gateway.Routes {
		if r.RateOverride != nil && (r.RateOverride.RequestsPerSecond <= 0 || r.RateOverride.BurstSize <= 0) {
			return fmt.Errorf("gateway.routes[%d].rate_override: requests_per_second and burst_size must be positive", i)
		}
	}

	if _, err := cfg.RouteTable(); err != nil {
		return fmt.Errorf("gateway.routes: %w", err)
	}
	return nil
}

// describeValidationError flattens validator errors into one readable line
// per offending key.
func describeValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		key := fe.Namespace()
		if i := strings.IndexByte(key, '.'); i >= 0 {
			key = key[i+1:] // drop the root type name
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		msgs = append(msgs, fmt.Sprintf("%s: value %v violates %q", key, fe.Value(), rule))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func collectWarnings(cfg *Config) []string {
	var warnings []string

	needsAuth := false
	for _, r := range cfg.Gateway.Routes {
		if r.AuthRequired() {
			needsAuth = true
			break
		}
	}
	if needsAuth && cfg.Gateway.OAuth2.ValidationEndpoint == "" {
		warnings = append(warnings, "gateway.oauth2.validation_endpoint is not set; every protected route will answer 401")
	}
	if hasUnresolvedEnv(cfg) {
		warnings = append(warnings, "configuration contains unresolved environment variable")
	}
	if cfg.Server.WriteTimeout <= cfg.HTTPClient.ReadTimeout {
		warnings = append(warnings, fmt.Sprintf("server.write_timeout (%s) does not exceed http_client.read_timeout (%s); slow backend responses will be truncated", cfg.Server.WriteTimeout, cfg.HTTPClient.ReadTimeout))
	}
	if cfg.Discovery.Provider == "static" {
		for _, svc := range routedServices(cfg) {
			if _, ok := cfg.Discovery.Static[svc]; !ok {
				warnings = append(warnings, fmt.Sprintf("service %q has no static discovery entry; requests to it will answer 503", svc))
			}
		}
	}
	return warnings
}

func hasUnresolvedEnv(cfg *Config) bool {
	if strings.Contains(cfg.Discovery.Consul.Token, "${") || strings.Contains(cfg.Discovery.Consul.Address, "${") {
		return true
	}
	for _, r := range cfg.Gateway.Routes {
		for _, v := range r.Headers {
			if strings.Contains(v, "${") {
				return true
			}
		}
	}
	return false
}

func routedServices(cfg *Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range cfg.Gateway.Routes {
		if !seen[r.Service] {
			seen[r.Service] = true
			out = append(out, r.Service)
		}
	}
	return out
}
