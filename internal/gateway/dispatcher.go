// Package gateway contains the dispatch pipeline that carries a request
// from the listener to a backend and back: version resolution,
// authentication, routing, rate limiting, caching, circuit breaking,
// transformation, and telemetry, in that order.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/apexgate/apexgate/internal/auth"
	"github.com/apexgate/apexgate/internal/backend"
	"github.com/apexgate/apexgate/internal/cache"
	"github.com/apexgate/apexgate/internal/circuitbreaker"
	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/fallback"
	"github.com/apexgate/apexgate/internal/observability"
	"github.com/apexgate/apexgate/internal/ratelimit"
	"github.com/apexgate/apexgate/internal/router"
	"github.com/apexgate/apexgate/internal/transform"
	"github.com/apexgate/apexgate/internal/util"
)

// Dispatcher is the gateway's request pipeline. It implements
// http.Handler; everything reaching ServeHTTP has already passed the
// outer middleware (request id, recovery, access log).
type Dispatcher struct {
	cfg      *config.Config
	table    *router.Table
	versions *router.VersionResolver
	invoker  *backend.Invoker

	validator auth.Validator
	limiter   *ratelimit.Limiter
	cache     *cache.Manager
	breakers  *circuitbreaker.Group
	fallback  *fallback.Handler

	reqTransform  *transform.RequestTransformer
	respTransform *transform.ResponseTransformer

	stats   *Stats
	logger  observability.Logger
	metrics *observability.Metrics
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithAuth installs the credential validator. Without one, every
// request is treated as anonymous and auth-required routes answer 401.
func WithAuth(v auth.Validator) DispatcherOption {
	return func(d *Dispatcher) { d.validator = v }
}

// WithLimiter installs the rate limiter.
func WithLimiter(l *ratelimit.Limiter) DispatcherOption {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithCache installs the response cache manager.
func WithCache(m *cache.Manager) DispatcherOption {
	return func(d *Dispatcher) { d.cache = m }
}

// WithBreakers installs a shared circuit breaker group.
func WithBreakers(g *circuitbreaker.Group) DispatcherOption {
	return func(d *Dispatcher) { d.breakers = g }
}

// WithFallback installs the degraded-response handler.
func WithFallback(h *fallback.Handler) DispatcherOption {
	return func(d *Dispatcher) { d.fallback = h }
}

// WithStats installs a shared analytics sink.
func WithStats(s *Stats) DispatcherOption {
	return func(d *Dispatcher) { d.stats = s }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l observability.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher assembles the pipeline. Config, route table, version
// resolver, and invoker are required; the remaining collaborators are
// optional and their stage is skipped when absent.
func NewDispatcher(
	cfg *config.Config,
	table *router.Table,
	versions *router.VersionResolver,
	invoker *backend.Invoker,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("gateway: config is required")
	}
	if table == nil {
		return nil, errors.New("gateway: route table is required")
	}
	if versions == nil {
		return nil, errors.New("gateway: version resolver is required")
	}
	if invoker == nil {
		return nil, errors.New("gateway: backend invoker is required")
	}

	d := &Dispatcher{
		cfg:      cfg,
		table:    table,
		versions: versions,
		invoker:  invoker,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.stats == nil {
		d.stats = NewStats()
	}
	if d.breakers == nil {
		d.breakers = circuitbreaker.NewGroup(d.logger, d.metrics)
	}
	d.reqTransform = transform.NewRequestTransformer(d.logger)
	d.respTransform = transform.NewResponseTransformer(d.logger)

	return d, nil
}

// Stats returns the dispatcher's analytics sink.
func (d *Dispatcher) Stats() *Stats {
	return d.stats
}

// Breakers returns the circuit breaker group, for admin inspection.
func (d *Dispatcher) Breakers() *circuitbreaker.Group {
	return d.breakers
}

// ServeHTTP runs the full dispatch pipeline for one request. Any panic
// below this frame becomes a 500 with the standard gateway headers.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := newRequestContext(r)

	if d.metrics != nil {
		d.metrics.IncActiveRequests(rc.Method)
		defer d.metrics.DecActiveRequests(rc.Method)
	}

	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("panic during dispatch",
				append(rc.logFields(),
					observability.Any("panic", rec),
					observability.String("stack", string(debug.Stack())))...)
			if d.metrics != nil {
				d.metrics.RecordPanicRecovered()
			}
			if rc.Status == 0 {
				d.writeError(w, rc, http.StatusInternalServerError, errBodyInternal)
			}
		}
	}()

	d.dispatch(w, r, rc)
}

// dispatch is the pipeline body: each stage either enriches the request
// context and falls through, or writes a response and returns.
func (d *Dispatcher) dispatch(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	ctx := r.Context()

	// Version resolution. Invalid or missing indicators fall back to
	// the default version; requests are never rejected over versioning.
	rc.Version = d.versions.Resolve(r)
	rc.NormalizedPath = router.NormalizePath(r.URL.Path)

	// Authentication. Credentials are validated whenever presented so
	// a bad key fails fast even on public routes.
	if cred, ok := auth.ExtractCredential(r); ok {
		if d.validator != nil {
			identity, err := d.validator.ValidateKey(ctx, cred)
			if err != nil {
				d.logger.Warn("credential rejected", append(rc.logFields(), observability.Error(err))...)
				d.writeError(w, rc, http.StatusUnauthorized, errBodyUnauthorized)
				return
			}
			rc.Identity = identity
		}
	}

	// Route resolution.
	route, err := d.table.Resolve(rc.Method, rc.NormalizedPath, rc.Version)
	if err != nil {
		d.writeError(w, rc, http.StatusNotFound, errBodyNotFound)
		return
	}
	rc.Route = route

	// Route-level auth requirements: the route demands an identity,
	// and may further demand scopes.
	if route.AuthRequired || len(route.Scopes) > 0 {
		if rc.Identity == nil {
			d.writeError(w, rc, http.StatusUnauthorized, errBodyUnauthorized)
			return
		}
		if !rc.Identity.HasScopes(route.Scopes) {
			d.logger.Warn("scope check failed",
				append(rc.logFields(),
					observability.Strings("required", route.Scopes),
					observability.Strings("granted", rc.Identity.Scopes))...)
			d.writeError(w, rc, http.StatusForbidden, errBodyForbidden)
			return
		}
	}

	// Rate limiting, keyed by user id with client IP as the anonymous
	// fallback.
	if d.limiter != nil {
		key := rc.UserID()
		if key == "" {
			key = rc.ClientIP
		}
		class := route.RateClass
		if class == "" && rc.Identity != nil {
			class = rc.Identity.RateClass
		}

		decision := d.limiter.Check(ctx, key, class)
		if decision.Limit > 0 {
			h := w.Header()
			h.Set(HeaderRateLimitLimit, strconv.Itoa(decision.Limit))
			h.Set(HeaderRateLimitRemaining, strconv.Itoa(decision.Remaining))
			h.Set(HeaderRateLimitReset, strconv.FormatInt(decision.Reset.Unix(), 10))
		}
		if !decision.Allowed {
			w.Header().Set(HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
			d.stats.RecordRateLimited()
			if d.metrics != nil {
				d.metrics.RecordRateLimitHit(rc.RouteLabel())
			}
			d.writeError(w, rc, http.StatusTooManyRequests, errBodyRateLimited)
			return
		}
	}

	// The forwarded query drops the version parameter: it addressed the
	// gateway, not the backend, and would fragment cache keys.
	query := r.URL.Query()
	query.Del("version")

	// Cache lookup, GET only and never for bypass routes. The request
	// is built once so lookup and population use the same key.
	useCache := d.cache != nil && d.cache.Enabled() &&
		rc.Method == http.MethodGet &&
		route.CacheStrategy() != config.CacheStrategyBypass
	cacheReq := cache.Request{
		Method:  rc.Method,
		Version: rc.Version,
		Path:    rc.NormalizedPath,
		Query:   query,
		UserID:  rc.UserID(),
		Route:   route,
	}
	if useCache {
		if entry, lerr := d.cache.Lookup(ctx, cacheReq); lerr == nil && entry != nil {
			d.serveCacheHit(w, r, rc, entry)
			return
		}
		rc.SetMeta(metaCacheOutcome, observability.CacheOutcomeMiss)
	}

	// Request transformation works on copies; the inbound request is
	// never mutated.
	outHeaders := forwardableHeaders(r.Header, rc, useCache)
	if route.Transform != nil {
		d.reqTransform.Apply(route.Transform.Request, outHeaders, query)
	}

	body, err := readBody(r)
	if err != nil {
		d.logger.Warn("failed to read request body", append(rc.logFields(), observability.Error(err))...)
		d.writeError(w, rc, http.StatusBadRequest, errBodyBadRequest)
		return
	}

	// Circuit breaker gate. An open circuit short-circuits to the
	// fallback without touching the backend.
	breaker := d.breakers.Get(route.Method, route.Path, route.BreakerPolicy(d.cfg.CircuitBreaker))
	if berr := breaker.Allow(); berr != nil {
		d.stats.RecordBreakerRejection()
		rc.SetMeta(metaBreaker, "open")
		d.logger.Warn("circuit open, request rejected", rc.logFields()...)
		if res := d.tryFallback(ctx, rc, query, outHeaders, body, route); res != nil {
			d.serveFallback(w, rc, res)
			return
		}
		d.writeError(w, rc, http.StatusServiceUnavailable, errBodyCircuitOpen)
		return
	}

	result, err := d.invoker.Invoke(ctx, backend.Call{
		Backend:   route.Backend,
		Method:    rc.Method,
		Path:      rc.NormalizedPath,
		Query:     query,
		Headers:   outHeaders,
		Body:      body,
		Route:     route,
		RequestID: rc.RequestID,
	})

	backendOK := err == nil
	switch {
	case err == nil:
		breaker.RecordSuccess()

	case isUpstreamStatus(err):
		// The backend kept answering 5xx through every retry. The
		// final answer is still served unless a fallback replaces it.
		breaker.RecordFailure()
		if res := d.tryFallback(ctx, rc, query, outHeaders, body, route); res != nil {
			d.serveFallback(w, rc, res)
			return
		}

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// The client went away mid-call. The outcome proves nothing
		// about us, but an abandoned half-open trial must reopen the
		// circuit rather than wedge it.
		breaker.RecordFailure()
		d.logger.Debug("client abandoned request", rc.logFields()...)
		d.writeError(w, rc, http.StatusBadGateway, errBodyBadGateway)
		return

	default:
		// Timeout or network failure with no usable response.
		breaker.RecordFailure()
		d.logger.Error("backend call failed", append(rc.logFields(), observability.Error(err))...)
		if res := d.tryFallback(ctx, rc, query, outHeaders, body, route); res != nil {
			d.serveFallback(w, rc, res)
			return
		}
		if util.IsTimeout(err) {
			d.writeError(w, rc, http.StatusBadGateway, errBodyUpstreamTimedOut)
		} else {
			d.writeError(w, rc, http.StatusBadGateway, errBodyBadGateway)
		}
		return
	}

	rc.SetMeta(metaUpstreamHost, result.Host)

	// Response transformation precedes cache population so redacted
	// fields never reach the store.
	resp := &transform.Response{
		Status:  result.Status,
		Headers: result.Headers,
		Body:    result.Body,
	}
	if route.Transform != nil {
		d.respTransform.Apply(ctx, route.Transform.Response, resp)
	}

	if backendOK {
		d.populateCache(ctx, rc, cacheReq, useCache, resp)
		d.invalidateAfterMutation(ctx, rc, resp.Status)
	}

	if useCache {
		w.Header().Set(HeaderCache, cacheMiss)
	}
	d.writeResult(w, rc, resp.Status, resp.Headers, resp.Body)
}

// serveCacheHit answers from a cache entry, honoring If-None-Match.
func (d *Dispatcher) serveCacheHit(w http.ResponseWriter, r *http.Request, rc *RequestContext, entry *cache.Entry) {
	rc.CacheHit = true
	rc.SetMeta(metaCacheOutcome, observability.CacheOutcomeHit)

	h := w.Header()
	copyHeaders(h, entry.Headers)
	h.Set(HeaderCache, cacheHit)
	h.Set(HeaderCacheAge, strconv.Itoa(int(entry.Age().Seconds())))

	if etag := entryETag(entry); etag != "" && etagMatches(r.Header.Get("If-None-Match"), etag) {
		d.respond(w, rc, http.StatusNotModified, nil)
		return
	}

	d.writeResult(w, rc, entry.Status, nil, entry.Body)
}

// tryFallback asks the fallback handler for a degraded response.
func (d *Dispatcher) tryFallback(ctx context.Context, rc *RequestContext, query url.Values, headers http.Header, body []byte, route *config.RouteConfig) *fallback.Result {
	if d.fallback == nil || route.Fallback == nil {
		return nil
	}
	res := d.fallback.Handle(ctx, fallback.Request{
		Method:    rc.Method,
		Version:   rc.Version,
		Path:      rc.NormalizedPath,
		Query:     query,
		Headers:   headers,
		Body:      body,
		RequestID: rc.RequestID,
		UserID:    rc.UserID(),
	}, route)
	if res != nil {
		d.stats.RecordFallback()
		rc.SetMeta(metaFallback, res.Source)
	}
	return res
}

// serveFallback writes a degraded response, labeling its origin.
func (d *Dispatcher) serveFallback(w http.ResponseWriter, rc *RequestContext, res *fallback.Result) {
	h := w.Header()
	copyHeaders(h, res.Headers)
	h.Set(HeaderFallback, res.Source)
	if res.Source == config.FallbackCached {
		h.Set(HeaderCache, cacheStale)
		rc.SetMeta(metaCacheOutcome, observability.CacheOutcomeStale)
	}
	d.respond(w, rc, res.Status, res.Body)
}

// populateCache stores a cacheable response, tagging it with an entity
// tag when the backend supplied none so later conditional requests can
// short-circuit.
func (d *Dispatcher) populateCache(ctx context.Context, rc *RequestContext, cacheReq cache.Request, useCache bool, resp *transform.Response) {
	if !useCache || !d.cache.ShouldStore(cacheReq, resp.Status, resp.Headers) {
		return
	}
	if resp.Headers.Get("ETag") == "" && len(resp.Body) > 0 {
		resp.Headers.Set("ETag", entityTag(resp.Body))
	}
	if err := d.cache.StoreResponse(ctx, cacheReq, resp.Status, resp.Headers, resp.Body); err != nil {
		d.logger.Warn("cache store failed", append(rc.logFields(), observability.Error(err))...)
		return
	}
	rc.SetMeta(metaCacheStored, "true")
}

// invalidateAfterMutation drops cache entries made stale by a
// successful mutating request.
func (d *Dispatcher) invalidateAfterMutation(ctx context.Context, rc *RequestContext, status int) {
	if d.cache == nil || !d.cache.Enabled() {
		return
	}
	if !cache.MutatingMethod(rc.Method) || status >= http.StatusBadRequest {
		return
	}
	n, err := d.cache.SmartInvalidate(ctx, rc.Method, rc.NormalizedPath)
	if err != nil {
		d.logger.Warn("cache invalidation failed", append(rc.logFields(), observability.Error(err))...)
		return
	}
	if n > 0 {
		d.logger.Debug("invalidated cache entries after mutation",
			append(rc.logFields(), observability.Int("entries", n))...)
	}
}

// writeResult copies backend headers (minus connection-scoped ones) and
// writes the response.
func (d *Dispatcher) writeResult(w http.ResponseWriter, rc *RequestContext, status int, headers http.Header, body []byte) {
	if headers != nil {
		copyHeaders(w.Header(), headers)
	}
	d.respond(w, rc, status, body)
}

// writeError writes a fixed JSON error body.
func (d *Dispatcher) writeError(w http.ResponseWriter, rc *RequestContext, status int, body string) {
	w.Header().Set(headerContentType, contentTypeJSON)
	d.respond(w, rc, status, []byte(body))
}

// respond is the single exit point: it attaches the standard gateway
// headers, writes the response, and records telemetry.
func (d *Dispatcher) respond(w http.ResponseWriter, rc *RequestContext, status int, body []byte) {
	duration := rc.Elapsed()

	h := w.Header()
	h.Set(HeaderRequestID, rc.RequestID)
	if rc.Version != "" {
		h.Set(HeaderVersion, rc.Version)
	}
	h.Set(HeaderResponseTime, formatResponseTime(duration))
	h.Del("Content-Length")

	w.WriteHeader(status)

	written := 0
	if len(body) > 0 && bodyAllowed(rc.Method, status) {
		n, _ := w.Write(body)
		written = n
	}

	rc.Status = status
	d.stats.Record(status, duration, rc.CacheHit)
	if d.metrics != nil {
		outcome := rc.Meta(metaCacheOutcome)
		if outcome == "" {
			outcome = observability.CacheOutcomeBypass
		}
		d.metrics.RecordRequest(rc.Method, rc.RouteLabel(), status, duration, int64(written), outcome)
	}
}

// Request context annotation keys.
const (
	metaCacheOutcome = "cache_outcome"
	metaCacheStored  = "cache_stored"
	metaFallback     = "fallback"
	metaBreaker      = "breaker"
	metaUpstreamHost = "upstream_host"
)

// forwardableHeaders clones the inbound headers, drops connection-scoped
// ones, and adds the gateway identification set. Conditional headers are
// held back when the gateway caches the route itself.
func forwardableHeaders(inbound http.Header, rc *RequestContext, gatewayCaches bool) http.Header {
	out := make(http.Header, len(inbound)+4)
	copyHeaders(out, inbound)
	for _, name := range hopHeaders {
		out.Del(name)
	}
	if gatewayCaches {
		out.Del("If-None-Match")
		out.Del("If-Modified-Since")
	}

	out.Set(HeaderAPIVersion, rc.Version)
	out.Set(HeaderClientIP, rc.ClientIP)
	if uid := rc.UserID(); uid != "" {
		out.Set(HeaderUserID, uid)
	}

	// Extend the forwarding chain rather than replacing it.
	if prior := inbound.Get("X-Forwarded-For"); prior != "" {
		out.Set("X-Forwarded-For", prior+", "+rc.ClientIP)
	} else {
		out.Set("X-Forwarded-For", rc.ClientIP)
	}
	return out
}

// copyHeaders appends src values onto dst.
func copyHeaders(dst http.Header, src map[string][]string) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// readBody drains the request body. Callers re-send it verbatim on
// every retry attempt.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// bodyAllowed reports whether a response may carry a body.
func bodyAllowed(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	if status >= 100 && status < 200 {
		return false
	}
	return status != http.StatusNoContent && status != http.StatusNotModified
}

// retryAfterSeconds renders a wait as whole seconds, at least 1.
func retryAfterSeconds(wait time.Duration) int {
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// formatResponseTime renders a duration as milliseconds, e.g. "12ms".
func formatResponseTime(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
}

// entityTag derives a strong ETag from the response body.
func entityTag(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// entryETag returns the ETag stored with a cache entry.
func entryETag(entry *cache.Entry) string {
	return http.Header(entry.Headers).Get("ETag")
}

// etagMatches implements If-None-Match comparison: a wildcard or any
// listed tag matching the entry's tag, weak prefixes ignored.
func etagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == strings.TrimPrefix(etag, "W/") {
			return true
		}
	}
	return false
}

// isUpstreamStatus reports whether err marks an exhausted run of 5xx
// answers that still produced a servable response.
func isUpstreamStatus(err error) bool {
	var statusErr *util.UpstreamStatusError
	return errors.As(err, &statusErr)
}
