package config

import (
	"fmt"
	"strings"
)

// Cache strategy names accepted by RouteCacheConfig.
const (
	// CacheStrategyAggressive caches every eligible response for the
	// configured TTL regardless of backend cache headers.
	CacheStrategyAggressive = "aggressive"

	// CacheStrategyConservative caches eligible responses but honors
	// backend Cache-Control directives, preferring the shorter of the
	// route TTL and an advertised max-age.
	CacheStrategyConservative = "conservative"

	// CacheStrategyBypass disables caching for the route.
	CacheStrategyBypass = "bypass"

	// CacheStrategyCustom gates caching on a per-route condition
	// expression evaluated against the request and response.
	CacheStrategyCustom = "custom"
)

// Fallback strategy names accepted by FallbackConfig.
const (
	// FallbackStatic serves a preconfigured templated body.
	FallbackStatic = "static"

	// FallbackCached serves the most recent stored cache entry even
	// when logically stale.
	FallbackCached = "cached"

	// FallbackAlternate forwards to a secondary backend.
	FallbackAlternate = "alternate"
)

// RouteConfig is the declarative policy for one (path, method, version).
type RouteConfig struct {
	// Path is the normalized request path (/api/assets). A trailing
	// wildcard segment matches any single suffix (/api/assets/*).
	Path string `yaml:"path" json:"path"`

	// Method is the HTTP method the route matches.
	Method string `yaml:"method" json:"method"`

	// Version restricts the route to one API version. Empty matches
	// every supported version.
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Backend names the upstream service requests are dispatched to.
	Backend string `yaml:"backend" json:"backend"`

	// Timeout bounds one backend attempt. Zero uses the invoker
	// default.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// AuthRequired rejects unauthenticated requests with 401.
	AuthRequired bool `yaml:"authRequired,omitempty" json:"authRequired,omitempty"`

	// Scopes the authenticated identity must hold. Missing scopes
	// reject with 403.
	Scopes []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`

	// RateClass names the rate limit class for this route. Empty uses
	// the identity's class.
	RateClass string `yaml:"rateClass,omitempty" json:"rateClass,omitempty"`

	// Cache overrides the global cache behavior for this route.
	Cache *RouteCacheConfig `yaml:"cache,omitempty" json:"cache,omitempty"`

	// Retry overrides the global retry policy for this route.
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Breaker overrides the global circuit breaker settings for this
	// route.
	Breaker *CircuitBreakerConfig `yaml:"breaker,omitempty" json:"breaker,omitempty"`

	// Fallback configures degraded-mode behavior when the backend is
	// unavailable.
	Fallback *FallbackConfig `yaml:"fallback,omitempty" json:"fallback,omitempty"`

	// Transform configures request and response transformations.
	Transform *TransformConfig `yaml:"transform,omitempty" json:"transform,omitempty"`
}

// RouteCacheConfig overrides cache behavior for one route.
type RouteCacheConfig struct {
	// Strategy is one of aggressive, conservative, bypass, or custom.
	Strategy string `yaml:"strategy,omitempty" json:"strategy,omitempty"`

	// TTL overrides the global cache TTL.
	TTL Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`

	// Tags attached to entries stored for this route, enabling
	// tag-based invalidation.
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Condition is a CEL expression deciding cacheability for the
	// custom strategy. It is evaluated with request.method,
	// request.path, request.query, response.status, and
	// response.headers bound.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Personalized forces user-scoped cache keys for this route.
	Personalized bool `yaml:"personalized,omitempty" json:"personalized,omitempty"`
}

// FallbackConfig configures degraded-mode behavior for a route.
type FallbackConfig struct {
	// Strategy is one of static, cached, or alternate.
	Strategy string `yaml:"strategy" json:"strategy"`

	// Body is the static response payload. Rendered as a template with
	// the request method, path, version, and request id bound.
	Body string `yaml:"body,omitempty" json:"body,omitempty"`

	// ContentType of the static body. Defaults to application/json.
	ContentType string `yaml:"contentType,omitempty" json:"contentType,omitempty"`

	// StatusCode of the static response. Defaults to 200.
	StatusCode int `yaml:"statusCode,omitempty" json:"statusCode,omitempty"`

	// Backend names the secondary upstream for the alternate strategy.
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`
}

// TransformConfig configures request and response transformations for a
// route. Transforms apply in order and a failing response transform
// leaves the last successful value in place.
type TransformConfig struct {
	Request  *RequestTransformConfig  `yaml:"request,omitempty" json:"request,omitempty"`
	Response *ResponseTransformConfig `yaml:"response,omitempty" json:"response,omitempty"`
}

// RequestTransformConfig adjusts the outbound backend request.
type RequestTransformConfig struct {
	// SetHeaders adds or replaces request headers.
	SetHeaders map[string]string `yaml:"setHeaders,omitempty" json:"setHeaders,omitempty"`

	// RemoveHeaders deletes request headers.
	RemoveHeaders []string `yaml:"removeHeaders,omitempty" json:"removeHeaders,omitempty"`

	// SetQuery adds or replaces query parameters.
	SetQuery map[string]string `yaml:"setQuery,omitempty" json:"setQuery,omitempty"`

	// RemoveQuery deletes query parameters.
	RemoveQuery []string `yaml:"removeQuery,omitempty" json:"removeQuery,omitempty"`
}

// ResponseTransformConfig adjusts the response before it is sent.
type ResponseTransformConfig struct {
	// SetHeaders adds or replaces response headers.
	SetHeaders map[string]string `yaml:"setHeaders,omitempty" json:"setHeaders,omitempty"`

	// RemoveHeaders deletes response headers.
	RemoveHeaders []string `yaml:"removeHeaders,omitempty" json:"removeHeaders,omitempty"`

	// RedactFields removes JSON body fields by dot path
	// (data.user.email).
	RedactFields []string `yaml:"redactFields,omitempty" json:"redactFields,omitempty"`

	// NormalizeNotFound rewrites backend 404 responses to 200 with an
	// empty collection body. Opt-in per route.
	NormalizeNotFound bool `yaml:"normalizeNotFound,omitempty" json:"normalizeNotFound,omitempty"`
}

// Validate validates the route definition.
func (r *RouteConfig) Validate() error {
	if r.Path == "" {
		return fmt.Errorf("path is required")
	}
	if !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("path %q must start with /", r.Path)
	}
	switch r.Method {
	case "GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS":
	case "":
		return fmt.Errorf("method is required")
	default:
		return fmt.Errorf("unknown method %q", r.Method)
	}
	if r.Backend == "" && (r.Fallback == nil || r.Fallback.Strategy != FallbackStatic) {
		return fmt.Errorf("backend is required")
	}
	if r.Cache != nil {
		if err := r.Cache.Validate(); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	if r.Retry != nil {
		if err := r.Retry.Validate(); err != nil {
			return fmt.Errorf("retry: %w", err)
		}
	}
	if r.Fallback != nil {
		if err := r.Fallback.Validate(); err != nil {
			return fmt.Errorf("fallback: %w", err)
		}
	}
	return nil
}

// Validate validates the route cache override.
func (c *RouteCacheConfig) Validate() error {
	switch c.Strategy {
	case "", CacheStrategyAggressive, CacheStrategyConservative, CacheStrategyBypass:
	case CacheStrategyCustom:
		if c.Condition == "" {
			return fmt.Errorf("custom strategy requires a condition")
		}
	default:
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	if c.TTL.Duration() < 0 {
		return fmt.Errorf("ttl must not be negative")
	}
	return nil
}

// Validate validates the fallback configuration.
func (f *FallbackConfig) Validate() error {
	switch f.Strategy {
	case FallbackStatic:
		if f.Body == "" {
			return fmt.Errorf("static strategy requires a body")
		}
	case FallbackCached:
	case FallbackAlternate:
		if f.Backend == "" {
			return fmt.Errorf("alternate strategy requires a backend")
		}
	case "":
		return fmt.Errorf("strategy is required")
	default:
		return fmt.Errorf("unknown strategy %q", f.Strategy)
	}
	if f.StatusCode != 0 && (f.StatusCode < 100 || f.StatusCode > 599) {
		return fmt.Errorf("invalid statusCode %d", f.StatusCode)
	}
	return nil
}

// CacheStrategy returns the effective cache strategy for the route.
func (r *RouteConfig) CacheStrategy() string {
	if r.Cache == nil || r.Cache.Strategy == "" {
		if r.Method == "GET" || r.Method == "HEAD" {
			return CacheStrategyConservative
		}
		return CacheStrategyBypass
	}
	return r.Cache.Strategy
}

// CacheTTL returns the route TTL, or def when the route does not
// override it.
func (r *RouteConfig) CacheTTL(def Duration) Duration {
	if r.Cache == nil || r.Cache.TTL == 0 {
		return def
	}
	return r.Cache.TTL
}

// CacheTags returns the tags attached to entries for this route.
func (r *RouteConfig) CacheTags() []string {
	if r.Cache == nil {
		return nil
	}
	return r.Cache.Tags
}

// Personalized reports whether cache keys for this route are
// user-scoped.
func (r *RouteConfig) Personalized() bool {
	return r.Cache != nil && r.Cache.Personalized
}

// RetryPolicy returns the route retry override, or def when absent.
func (r *RouteConfig) RetryPolicy(def RetryConfig) RetryConfig {
	if r.Retry == nil {
		return def
	}
	return *r.Retry
}

// BreakerPolicy returns the route breaker override, or def when absent.
func (r *RouteConfig) BreakerPolicy(def CircuitBreakerConfig) CircuitBreakerConfig {
	if r.Breaker == nil {
		return def
	}
	return *r.Breaker
}
