// Package config provides configuration management for the gateway.
// Configuration is loaded from a YAML file with environment variable
// substitution, validated as a whole, and can be hot-reloaded through
// the Watcher.
package config

import (
	"fmt"
	"time"

	"github.com/apexgate/apexgate/internal/observability"
)

// Config is the root configuration for the gateway.
type Config struct {
	// Server configures the public HTTP listener.
	Server ServerConfig `yaml:"server" json:"server"`

	// Admin configures the administrative API listener.
	Admin AdminConfig `yaml:"admin,omitempty" json:"admin,omitempty"`

	// Logging configures structured logging.
	Logging observability.LogConfig `yaml:"logging,omitempty" json:"logging,omitempty"`

	// Metrics configures Prometheus metrics exposure.
	Metrics MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty"`

	// Tracing configures OpenTelemetry tracing.
	Tracing observability.TracerConfig `yaml:"tracing,omitempty" json:"tracing,omitempty"`

	// Versioning configures API version resolution.
	Versioning VersioningConfig `yaml:"versioning,omitempty" json:"versioning,omitempty"`

	// Cache configures the response cache.
	Cache CacheConfig `yaml:"cache,omitempty" json:"cache,omitempty"`

	// RateLimit configures per-user rate limiting.
	RateLimit RateLimitConfig `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`

	// CircuitBreaker configures the per-route circuit breakers.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker,omitempty" json:"circuitBreaker,omitempty"`

	// Retry configures the default backend retry policy.
	Retry RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Auth configures request authentication.
	Auth AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty"`

	// Secrets configures the secret reference resolver.
	Secrets SecretsConfig `yaml:"secrets,omitempty" json:"secrets,omitempty"`

	// Audit configures the control-plane audit trail.
	Audit AuditConfig `yaml:"audit,omitempty" json:"audit,omitempty"`

	// Backends defines the upstream services requests are dispatched to.
	Backends []BackendConfig `yaml:"backends,omitempty" json:"backends,omitempty"`

	// Routes defines the routing table.
	Routes []RouteConfig `yaml:"routes,omitempty" json:"routes,omitempty"`

	// Invalidation defines cache invalidation rules applied after
	// successful mutating requests.
	Invalidation []InvalidationRule `yaml:"invalidation,omitempty" json:"invalidation,omitempty"`
}

// ServerConfig configures the public HTTP listener.
type ServerConfig struct {
	// Host is the address to bind to. Empty binds all interfaces.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`

	// Port is the port to listen on.
	Port int `yaml:"port" json:"port"`

	ReadTimeout  Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`
	WriteTimeout Duration `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
	IdleTimeout  Duration `yaml:"idleTimeout,omitempty" json:"idleTimeout,omitempty"`

	// ShutdownTimeout bounds graceful shutdown on SIGTERM.
	ShutdownTimeout Duration `yaml:"shutdownTimeout,omitempty" json:"shutdownTimeout,omitempty"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `yaml:"maxHeaderBytes,omitempty" json:"maxHeaderBytes,omitempty"`
}

// AdminConfig configures the administrative API listener. The admin API
// exposes route management, cache invalidation, breaker inspection, and
// metrics on a separate port guarded by basic auth.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host,omitempty" json:"host,omitempty"`
	Port    int    `yaml:"port,omitempty" json:"port,omitempty"`

	// Username for basic auth on the admin API.
	Username string `yaml:"username,omitempty" json:"username,omitempty"`

	// PasswordHash is the bcrypt hash of the admin password. Supports
	// secret references (secret://...).
	PasswordHash string `yaml:"passwordHash,omitempty" json:"passwordHash,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Path is the HTTP path the metrics handler is mounted on.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Namespace prefixes all metric names.
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`
}

// AuditConfig configures the append-only audit trail of control-plane
// mutations: admin API changes and configuration reloads.
type AuditConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Path is the file audit events are appended to as JSON lines.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// VersioningConfig configures API version resolution. A version may be
// supplied via the API-Version header, a version query parameter, or a
// /api/vN/ path prefix, in that order of precedence.
type VersioningConfig struct {
	// Default is the version assumed when the request carries none.
	Default string `yaml:"default,omitempty" json:"default,omitempty"`

	// Supported lists the versions the gateway accepts. A request
	// carrying an unlisted version falls back to Default.
	Supported []string `yaml:"supported,omitempty" json:"supported,omitempty"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Store selects the cache backend: memory or redis.
	Store string `yaml:"store,omitempty" json:"store,omitempty"`

	// TTL is the default entry lifetime.
	TTL Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`

	// MaxEntries bounds the in-memory store. Once exceeded the oldest
	// entries are evicted in a batch.
	MaxEntries int `yaml:"maxEntries,omitempty" json:"maxEntries,omitempty"`

	// EvictionMargin is how many entries past the limit a single
	// eviction pass reclaims, so back-to-back inserts do not evict on
	// every call.
	EvictionMargin int `yaml:"evictionMargin,omitempty" json:"evictionMargin,omitempty"`

	// CompressionThreshold is the body size in bytes above which cached
	// payloads are gzip-compressed. Zero disables compression.
	CompressionThreshold int `yaml:"compressionThreshold,omitempty" json:"compressionThreshold,omitempty"`

	// TagTTL bounds the lifetime of tag index entries so the reverse
	// index cannot grow unbounded.
	TagTTL Duration `yaml:"tagTTL,omitempty" json:"tagTTL,omitempty"`

	// StaleGrace is how long an expired entry stays stored for the
	// cached fallback to serve. Zero drops entries at expiry.
	StaleGrace Duration `yaml:"staleGrace,omitempty" json:"staleGrace,omitempty"`

	// PersonalizedPaths lists path prefixes whose cache keys include
	// the requesting user, keeping per-user responses separate.
	PersonalizedPaths []string `yaml:"personalizedPaths,omitempty" json:"personalizedPaths,omitempty"`

	// Redis configures the redis store. Required when Store is redis.
	Redis *RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// RedisConfig configures the connection to a Redis cache store.
type RedisConfig struct {
	// URL is a redis connection URL (redis://host:port/db). Supports
	// secret references.
	URL string `yaml:"url" json:"url"`

	PoolSize     int      `yaml:"poolSize,omitempty" json:"poolSize,omitempty"`
	DialTimeout  Duration `yaml:"dialTimeout,omitempty" json:"dialTimeout,omitempty"`
	ReadTimeout  Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`
	WriteTimeout Duration `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
}

// RateLimitConfig configures per-user rate limiting.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Classes defines named limit tiers that API keys reference.
	Classes map[string]RateLimitClass `yaml:"classes,omitempty" json:"classes,omitempty"`

	// DefaultClass is applied to identities without an explicit class.
	DefaultClass string `yaml:"defaultClass,omitempty" json:"defaultClass,omitempty"`
}

// RateLimitClass defines one rate limit tier.
type RateLimitClass struct {
	// Requests allowed per Window.
	Requests int      `yaml:"requests" json:"requests"`
	Window   Duration `yaml:"window" json:"window"`

	// Burst is the instantaneous burst allowance. Defaults to Requests.
	Burst int `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// CircuitBreakerConfig configures the per-route circuit breakers.
type CircuitBreakerConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// FailureThreshold is the number of consecutive failures within
	// MonitoringPeriod that opens the breaker.
	FailureThreshold int `yaml:"failureThreshold,omitempty" json:"failureThreshold,omitempty"`

	// ResetTimeout is how long an open breaker waits before allowing a
	// half-open trial request.
	ResetTimeout Duration `yaml:"resetTimeout,omitempty" json:"resetTimeout,omitempty"`

	// MonitoringPeriod is the sliding window over which consecutive
	// failures are counted.
	MonitoringPeriod Duration `yaml:"monitoringPeriod,omitempty" json:"monitoringPeriod,omitempty"`
}

// Backoff strategy names accepted by RetryConfig.
const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
	BackoffConstant    = "constant"
)

// RetryConfig configures the default backend retry policy. Routes may
// override it per route.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`

	// Backoff selects the delay strategy: exponential, linear, or
	// constant.
	Backoff string `yaml:"backoff,omitempty" json:"backoff,omitempty"`

	// InitialDelay is the delay before the first retry.
	InitialDelay Duration `yaml:"initialDelay,omitempty" json:"initialDelay,omitempty"`

	// MaxDelay caps the delay between retries.
	MaxDelay Duration `yaml:"maxDelay,omitempty" json:"maxDelay,omitempty"`

	// Increment is the per-retry delay increase for the linear strategy.
	Increment Duration `yaml:"increment,omitempty" json:"increment,omitempty"`

	// Multiplier is the delay growth factor for the exponential
	// strategy. Defaults to 2.
	Multiplier float64 `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
}

// AuthConfig configures request authentication.
type AuthConfig struct {
	// APIKeys lists the accepted API keys and their identities.
	APIKeys []APIKeyConfig `yaml:"apiKeys,omitempty" json:"apiKeys,omitempty"`

	// JWT configures bearer token validation.
	JWT *JWTConfig `yaml:"jwt,omitempty" json:"jwt,omitempty"`
}

// APIKeyConfig binds an API key to a user identity.
type APIKeyConfig struct {
	// Key is the API key value. Supports secret references.
	Key string `yaml:"key" json:"key"`

	// UserID is the identity the key authenticates as.
	UserID string `yaml:"userId" json:"userId"`

	// Scopes granted to this key.
	Scopes []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`

	// RateClass names the rate limit class for this identity.
	RateClass string `yaml:"rateClass,omitempty" json:"rateClass,omitempty"`
}

// JWTConfig configures bearer token validation.
type JWTConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Issuer the token iss claim must match. Empty skips the check.
	Issuer string `yaml:"issuer,omitempty" json:"issuer,omitempty"`

	// Audience the token aud claim must contain. Empty skips the check.
	Audience string `yaml:"audience,omitempty" json:"audience,omitempty"`

	// JWKSURL is the endpoint serving the signing key set.
	JWKSURL string `yaml:"jwksUrl,omitempty" json:"jwksUrl,omitempty"`

	// Secret is the shared HMAC secret for HS256 tokens. Supports
	// secret references. Ignored when JWKSURL is set.
	Secret string `yaml:"secret,omitempty" json:"secret,omitempty"`

	// ScopesClaim is the claim carrying granted scopes.
	ScopesClaim string `yaml:"scopesClaim,omitempty" json:"scopesClaim,omitempty"`

	// UserClaim is the claim carrying the user identity.
	UserClaim string `yaml:"userClaim,omitempty" json:"userClaim,omitempty"`

	// RefreshInterval is how often the JWKS cache refreshes.
	RefreshInterval Duration `yaml:"refreshInterval,omitempty" json:"refreshInterval,omitempty"`
}

// SecretsConfig configures the secret reference resolver.
type SecretsConfig struct {
	// Provider selects the backing store: env, file, or vault.
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`

	// EnvPrefix prefixes environment variable lookups for the env
	// provider.
	EnvPrefix string `yaml:"envPrefix,omitempty" json:"envPrefix,omitempty"`

	// FilePath is the base directory for the file provider.
	FilePath string `yaml:"filePath,omitempty" json:"filePath,omitempty"`

	// Vault configures the vault provider.
	Vault *VaultConfig `yaml:"vault,omitempty" json:"vault,omitempty"`
}

// VaultConfig configures the HashiCorp Vault secrets provider.
type VaultConfig struct {
	Address   string `yaml:"address" json:"address"`
	Token     string `yaml:"token,omitempty" json:"token,omitempty"`
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`

	// MountPath is the KV v2 mount the gateway reads from.
	MountPath string `yaml:"mountPath,omitempty" json:"mountPath,omitempty"`

	Timeout       Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	TLSSkipVerify bool     `yaml:"tlsSkipVerify,omitempty" json:"tlsSkipVerify,omitempty"`
}

// BackendConfig defines an upstream service.
type BackendConfig struct {
	// Name is the identifier routes reference.
	Name string `yaml:"name" json:"name"`

	// Hosts lists the upstream base URLs. Requests are balanced across
	// them round-robin.
	Hosts []string `yaml:"hosts" json:"hosts"`

	// HealthCheck configures active health probing of the hosts.
	HealthCheck *HealthCheckConfig `yaml:"healthCheck,omitempty" json:"healthCheck,omitempty"`
}

// HealthCheckConfig configures active health probing of backend hosts.
type HealthCheckConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Path probed on each host.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	Interval Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// HealthyThreshold is the number of consecutive successes that mark
	// an unhealthy host healthy again.
	HealthyThreshold int `yaml:"healthyThreshold,omitempty" json:"healthyThreshold,omitempty"`

	// UnhealthyThreshold is the number of consecutive failures that
	// mark a host unhealthy.
	UnhealthyThreshold int `yaml:"unhealthyThreshold,omitempty" json:"unhealthyThreshold,omitempty"`
}

// InvalidationRule invalidates cache tags after a matching mutation
// succeeds. Method and Path select the mutating request; Tags and Keys
// name what to drop.
type InvalidationRule struct {
	// Method is the mutating HTTP method. Empty matches any of POST,
	// PUT, PATCH, DELETE.
	Method string `yaml:"method,omitempty" json:"method,omitempty"`

	// Path is the request path the rule applies to. Supports a single
	// trailing wildcard segment (/api/orders/*).
	Path string `yaml:"path" json:"path"`

	// Tags invalidated when the rule matches.
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Keys are exact cache keys invalidated when the rule matches.
	Keys []string `yaml:"keys,omitempty" json:"keys,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults. Loading
// starts from these and overlays the file on top.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			IdleTimeout:     Duration(60 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			MaxHeaderBytes:  1 << 20,
		},
		Admin: AdminConfig{
			Enabled: false,
			Port:    9090,
		},
		Logging: observability.DefaultLogConfig(),
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "gateway",
		},
		Tracing: observability.TracerConfig{
			ServiceName:  "apexgate",
			SamplingRate: 1.0,
		},
		Versioning: VersioningConfig{
			Default:   "v1",
			Supported: []string{"v1"},
		},
		Cache: CacheConfig{
			Enabled:              true,
			Store:                "memory",
			TTL:                  Duration(5 * time.Minute),
			MaxEntries:           10000,
			EvictionMargin:       100,
			CompressionThreshold: 1024,
			TagTTL:               Duration(1 * time.Hour),
			StaleGrace:           Duration(5 * time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Classes: map[string]RateLimitClass{
				"standard": {Requests: 100, Window: Duration(time.Minute)},
			},
			DefaultClass: "standard",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 3,
			ResetTimeout:     Duration(30 * time.Second),
			MonitoringPeriod: Duration(60 * time.Second),
		},
		Retry: RetryConfig{
			MaxRetries:   2,
			Backoff:      BackoffExponential,
			InitialDelay: Duration(100 * time.Millisecond),
			MaxDelay:     Duration(2 * time.Second),
			Multiplier:   2.0,
		},
		Secrets: SecretsConfig{
			Provider: "env",
		},
	}
}

// Validate checks the configuration as a whole and returns the first
// problem found.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rateLimit: %w", err)
	}
	if err := c.CircuitBreaker.Validate(); err != nil {
		return fmt.Errorf("circuitBreaker: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.Secrets.Validate(); err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	if err := c.Audit.Validate(); err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	backendNames := make(map[string]bool, len(c.Backends))
	for i, backend := range c.Backends {
		if err := backend.Validate(); err != nil {
			return fmt.Errorf("backends[%d]: %w", i, err)
		}
		if backendNames[backend.Name] {
			return fmt.Errorf("backends[%d]: duplicate backend name %q", i, backend.Name)
		}
		backendNames[backend.Name] = true
	}

	routeKeys := make(map[string]bool, len(c.Routes))
	for i, route := range c.Routes {
		if err := route.Validate(); err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
		if route.Backend != "" && !backendNames[route.Backend] {
			return fmt.Errorf("routes[%d]: references unknown backend %q", i, route.Backend)
		}
		if route.Fallback != nil && route.Fallback.Backend != "" && !backendNames[route.Fallback.Backend] {
			return fmt.Errorf("routes[%d]: fallback references unknown backend %q", i, route.Fallback.Backend)
		}
		key := route.Method + " " + route.Path + " " + route.Version
		if routeKeys[key] {
			return fmt.Errorf("routes[%d]: duplicate route %s", i, key)
		}
		routeKeys[key] = true

		if route.RateClass != "" && c.RateLimit.Enabled {
			if _, ok := c.RateLimit.Classes[route.RateClass]; !ok {
				return fmt.Errorf("routes[%d]: references unknown rate class %q", i, route.RateClass)
			}
		}
	}

	for i, key := range c.Auth.APIKeys {
		if key.Key == "" {
			return fmt.Errorf("auth.apiKeys[%d]: key is required", i)
		}
		if key.UserID == "" {
			return fmt.Errorf("auth.apiKeys[%d]: userId is required", i)
		}
		if key.RateClass != "" && c.RateLimit.Enabled {
			if _, ok := c.RateLimit.Classes[key.RateClass]; !ok {
				return fmt.Errorf("auth.apiKeys[%d]: references unknown rate class %q", i, key.RateClass)
			}
		}
	}

	for i, rule := range c.Invalidation {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalidation[%d]: %w", i, err)
		}
	}

	return nil
}

// Validate validates the server listener configuration.
func (s *ServerConfig) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	return nil
}

// Validate validates the audit trail configuration.
func (a *AuditConfig) Validate() error {
	if a.Enabled && a.Path == "" {
		return fmt.Errorf("path is required when enabled")
	}
	return nil
}

// Validate validates the admin listener configuration.
func (a *AdminConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("invalid port %d", a.Port)
	}
	if a.Username == "" || a.PasswordHash == "" {
		return fmt.Errorf("username and passwordHash are required when enabled")
	}
	return nil
}

// Validate validates the cache configuration.
func (c *CacheConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Store {
	case "", "memory":
	case "redis":
		if c.Redis == nil || c.Redis.URL == "" {
			return fmt.Errorf("redis store requires redis.url")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.MaxEntries < 0 {
		return fmt.Errorf("maxEntries must not be negative")
	}
	if c.EvictionMargin < 0 {
		return fmt.Errorf("evictionMargin must not be negative")
	}
	if c.CompressionThreshold < 0 {
		return fmt.Errorf("compressionThreshold must not be negative")
	}
	return nil
}

// Validate validates the rate limit configuration.
func (r *RateLimitConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	for name, class := range r.Classes {
		if class.Requests <= 0 {
			return fmt.Errorf("class %q: requests must be positive", name)
		}
		if class.Window.Duration() <= 0 {
			return fmt.Errorf("class %q: window must be positive", name)
		}
		if class.Burst < 0 {
			return fmt.Errorf("class %q: burst must not be negative", name)
		}
	}
	if r.DefaultClass != "" {
		if _, ok := r.Classes[r.DefaultClass]; !ok {
			return fmt.Errorf("unknown default class %q", r.DefaultClass)
		}
	}
	return nil
}

// Validate validates the circuit breaker configuration.
func (c *CircuitBreakerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failureThreshold must be positive")
	}
	if c.ResetTimeout.Duration() <= 0 {
		return fmt.Errorf("resetTimeout must be positive")
	}
	if c.MonitoringPeriod.Duration() <= 0 {
		return fmt.Errorf("monitoringPeriod must be positive")
	}
	return nil
}

// Validate validates the retry configuration.
func (r *RetryConfig) Validate() error {
	if r.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must not be negative")
	}
	switch r.Backoff {
	case "", BackoffExponential, BackoffLinear, BackoffConstant:
	default:
		return fmt.Errorf("unknown backoff strategy %q", r.Backoff)
	}
	if r.InitialDelay.Duration() < 0 {
		return fmt.Errorf("initialDelay must not be negative")
	}
	if r.MaxDelay.Duration() != 0 && r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("maxDelay must not be below initialDelay")
	}
	return nil
}

// Validate validates the secrets configuration.
func (s *SecretsConfig) Validate() error {
	switch s.Provider {
	case "", "env":
	case "file":
		if s.FilePath == "" {
			return fmt.Errorf("file provider requires filePath")
		}
	case "vault":
		if s.Vault == nil || s.Vault.Address == "" {
			return fmt.Errorf("vault provider requires vault.address")
		}
	default:
		return fmt.Errorf("unknown provider %q", s.Provider)
	}
	return nil
}

// Validate validates a backend definition.
func (b *BackendConfig) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(b.Hosts) == 0 {
		return fmt.Errorf("backend %q: at least one host is required", b.Name)
	}
	for i, host := range b.Hosts {
		if host == "" {
			return fmt.Errorf("backend %q: hosts[%d] is empty", b.Name, i)
		}
	}
	if b.HealthCheck != nil && b.HealthCheck.Enabled {
		if b.HealthCheck.Interval.Duration() <= 0 {
			return fmt.Errorf("backend %q: healthCheck.interval must be positive", b.Name)
		}
	}
	return nil
}

// Validate validates an invalidation rule.
func (r *InvalidationRule) Validate() error {
	if r.Path == "" {
		return fmt.Errorf("path is required")
	}
	if len(r.Tags) == 0 && len(r.Keys) == 0 {
		return fmt.Errorf("at least one tag or key is required")
	}
	switch r.Method {
	case "", "POST", "PUT", "PATCH", "DELETE":
	default:
		return fmt.Errorf("method %q is not a mutating method", r.Method)
	}
	return nil
}
