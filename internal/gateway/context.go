package gateway

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/apexgate/apexgate/internal/auth"
	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/middleware"
	"github.com/apexgate/apexgate/internal/observability"
)

// unknownRoute labels telemetry for requests that never matched a
// route, keeping metric cardinality bounded.
const unknownRoute = "unknown"

// RequestContext carries the per-request state assembled by the
// dispatch pipeline. It is created when a request enters the gateway,
// enriched stage by stage, and discarded once the response is written.
type RequestContext struct {
	// RequestID is the correlation id for this request, either the
	// inbound X-Request-ID or a generated UUID.
	RequestID string

	// Method and Path are taken from the inbound request line.
	Method string
	Path   string

	// NormalizedPath is Path with any /api/vN version segment
	// collapsed to /api, the form routes are declared in.
	NormalizedPath string

	// Version is the resolved API version (for example "v2").
	Version string

	// ClientIP is the originating address, honoring X-Forwarded-For.
	ClientIP string

	// UserAgent is the inbound User-Agent header.
	UserAgent string

	// Identity is the authenticated principal, nil for anonymous
	// requests.
	Identity *auth.Identity

	// Route is the matched route, nil until resolution succeeds.
	Route *config.RouteConfig

	// StartTime anchors duration measurements for the request.
	StartTime time.Time

	// CacheHit reports whether the response was served from cache.
	CacheHit bool

	// Status is the response status finally written to the client.
	Status int

	// meta holds free-form annotations stages attach for telemetry
	// (cache outcome, fallback source, upstream host).
	meta map[string]string
}

// newRequestContext seeds a RequestContext from the inbound request.
// The request id is taken from the request context when the RequestID
// middleware already assigned one.
func newRequestContext(r *http.Request) *RequestContext {
	rc := &RequestContext{
		RequestID: observability.RequestIDFromContext(r.Context()),
		Method:    r.Method,
		Path:      r.URL.Path,
		ClientIP:  middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
		StartTime: time.Now(),
	}
	if rc.RequestID == "" {
		rc.RequestID = uuid.New().String()
	}
	return rc
}

// UserID returns the authenticated user id, empty for anonymous
// requests.
func (rc *RequestContext) UserID() string {
	if rc.Identity == nil {
		return ""
	}
	return rc.Identity.UserID
}

// RouteLabel returns a bounded-cardinality label for the matched
// route, "unknown" before resolution.
func (rc *RequestContext) RouteLabel() string {
	if rc.Route == nil {
		return unknownRoute
	}
	return rc.Route.Method + " " + rc.Route.Path
}

// Elapsed returns the time spent on the request so far.
func (rc *RequestContext) Elapsed() time.Duration {
	return time.Since(rc.StartTime)
}

// SetMeta attaches a telemetry annotation to the request.
func (rc *RequestContext) SetMeta(key, value string) {
	if rc.meta == nil {
		rc.meta = make(map[string]string, 4)
	}
	rc.meta[key] = value
}

// Meta returns the annotation stored under key, empty when unset.
func (rc *RequestContext) Meta(key string) string {
	return rc.meta[key]
}

// logFields renders the context as structured log fields.
func (rc *RequestContext) logFields() []observability.Field {
	fields := []observability.Field{
		observability.String("request_id", rc.RequestID),
		observability.String("method", rc.Method),
		observability.String("path", rc.Path),
		observability.String("version", rc.Version),
		observability.String("client_ip", rc.ClientIP),
	}
	if uid := rc.UserID(); uid != "" {
		fields = append(fields, observability.String("user_id", uid))
	}
	return fields
}
