package gateway

// Response headers attached by the gateway.
const (
	// HeaderRequestID echoes the request correlation id.
	HeaderRequestID = "X-Gateway-Request-ID"

	// HeaderVersion reports the API version the request resolved to.
	HeaderVersion = "X-Gateway-Version"

	// HeaderResponseTime reports gateway-side processing time.
	HeaderResponseTime = "X-Response-Time"

	// HeaderCache marks responses served from the cache.
	HeaderCache = "X-Cache"

	// HeaderCacheAge reports the age of a cached response in seconds.
	HeaderCacheAge = "X-Cache-Age"

	// HeaderFallback names the strategy that produced a degraded
	// response.
	HeaderFallback = "X-Gateway-Fallback"

	// HeaderRateLimitLimit, HeaderRateLimitRemaining and
	// HeaderRateLimitReset describe the caller's rate budget.
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"

	// HeaderRetryAfter tells a throttled caller when to come back.
	HeaderRetryAfter = "Retry-After"
)

// Headers forwarded to backends identifying the gateway hop.
const (
	// HeaderAPIVersion carries the resolved API version upstream.
	HeaderAPIVersion = "X-Gateway-API-Version"

	// HeaderClientIP carries the originating client address upstream.
	HeaderClientIP = "X-Gateway-Client-IP"

	// HeaderUserID carries the authenticated user id upstream.
	HeaderUserID = "X-Gateway-User-ID"
)

// Cache outcome values for the X-Cache header.
const (
	cacheHit   = "HIT"
	cacheMiss  = "MISS"
	cacheStale = "STALE"
)

const (
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
)

// Fixed JSON error bodies for gateway-produced failures.
const (
	errBodyBadRequest       = `{"error":"bad request","message":"failed to read request body"}`
	errBodyUnauthorized     = `{"error":"unauthorized","message":"missing or invalid credentials"}`
	errBodyForbidden        = `{"error":"forbidden","message":"insufficient scope"}`
	errBodyNotFound         = `{"error":"not found","message":"no route matches the request"}`
	errBodyRateLimited      = `{"error":"rate limit exceeded","message":"request quota exhausted"}`
	errBodyInternal         = `{"error":"internal error","message":"the gateway failed to process the request"}`
	errBodyBadGateway       = `{"error":"bad gateway","message":"upstream request failed"}`
	errBodyCircuitOpen      = `{"error":"service unavailable","message":"circuit breaker open"}`
	errBodyNoHealthyHost    = `{"error":"service unavailable","message":"no healthy upstream host"}`
	errBodyGatewayDraining  = `{"error":"service unavailable","message":"gateway shutting down"}`
	errBodyUpstreamTimedOut = `{"error":"bad gateway","message":"upstream request timed out"}`
)

// hopHeaders are connection-scoped headers stripped before forwarding.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}
