package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
)

// uncacheableHeaders are never stored: hop-by-hop headers belong to the
// connection, cookies must not leak across users, and lengths are
// recomputed when the entry is served.
var uncacheableHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Set-Cookie":          {},
	"Content-Length":      {},
}

// CacheableMethod reports whether responses to the method may be cached.
func CacheableMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// MutatingMethod reports whether the method triggers smart invalidation.
func MutatingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Request identifies a cacheable request. Path must already be
// normalized (version segment stripped) and Version resolved.
type Request struct {
	Method  string
	Version string
	Path    string
	Query   url.Values
	UserID  string
	Route   *config.RouteConfig
}

// Manager sits between the dispatcher and the store. It owns key
// generation, the store/serve strategy decisions, compression, and all
// invalidation flavors.
type Manager struct {
	cfg        config.CacheConfig
	rules      []config.InvalidationRule
	store      Store
	logger     observability.Logger
	metrics    *observability.Metrics
	conditions *ConditionEvaluator
}

// NewManager builds the cache manager and its backing store.
func NewManager(
	cfg config.CacheConfig,
	rules []config.InvalidationRule,
	logger observability.Logger,
	metrics *observability.Metrics,
) (*Manager, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	store, err := NewStore(cfg, logger, metrics)
	if err != nil {
		return nil, err
	}

	conditions, err := NewConditionEvaluator()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Manager{
		cfg:        cfg,
		rules:      rules,
		store:      store,
		logger:     logger,
		metrics:    metrics,
		conditions: conditions,
	}, nil
}

// Enabled reports whether caching is switched on.
func (m *Manager) Enabled() bool {
	return m.cfg.Enabled
}

// CompileConditions pre-compiles every custom cache condition so a
// broken expression fails the configuration load, not a live request.
func (m *Manager) CompileConditions(routes []config.RouteConfig) error {
	var errs []error
	for i := range routes {
		route := &routes[i]
		if route.Cache == nil || route.Cache.Strategy != config.CacheStrategyCustom {
			continue
		}
		if err := m.conditions.Compile(route.Cache.Condition); err != nil {
			errs = append(errs, fmt.Errorf("route %s %s: %w", route.Method, route.Path, err))
		}
	}
	return errors.Join(errs...)
}

// Key returns the cache key for a request. The user suffix is appended
// only when the route or the personalized-path list marks the path as
// user-scoped.
func (m *Manager) Key(req Request) string {
	userID := ""
	if m.personalized(req) {
		userID = req.UserID
	}
	return BuildKey(req.Version, req.Path, req.Query, userID)
}

func (m *Manager) personalized(req Request) bool {
	if req.Route != nil && req.Route.Personalized() {
		return true
	}
	for _, p := range m.cfg.PersonalizedPaths {
		if req.Path == p || strings.HasPrefix(req.Path, p+"/") {
			return true
		}
	}
	return false
}

// Lookup fetches the entry for a request. The returned entry's body is
// already decompressed. Store trouble reads as a miss so the request can
// proceed to the backend; an entry that fails decompression is removed
// rather than served corrupt.
func (m *Manager) Lookup(ctx context.Context, req Request) (*Entry, error) {
	if !m.cfg.Enabled {
		return nil, ErrDisabled
	}

	key := m.Key(req)

	entry, err := m.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) && !errors.Is(err, ErrDisabled) {
			m.logger.Warn("cache lookup failed",
				observability.String("key", key),
				observability.Error(err))
		}
		m.recordOutcome(observability.CacheOutcomeMiss)
		return nil, ErrMiss
	}

	if entry.Compressed {
		body, derr := Decompress(entry.Body)
		if derr != nil {
			_, _ = m.store.Delete(ctx, key)
			m.logger.Warn("removed cache entry that failed decompression",
				observability.String("key", key),
				observability.Error(derr))
			m.recordOutcome(observability.CacheOutcomeMiss)
			return nil, ErrMiss
		}
		decoded := *entry
		decoded.Body = body
		decoded.Compressed = false
		entry = &decoded
	}

	m.recordOutcome(observability.CacheOutcomeHit)
	return entry, nil
}

// LookupStale retrieves whatever is still stored for a request, even
// past its expiry. This is the read path for the cached fallback: when
// a backend is down, a logically stale answer beats no answer.
func (m *Manager) LookupStale(ctx context.Context, req Request) (*Entry, error) {
	if !m.cfg.Enabled {
		return nil, ErrDisabled
	}

	key := m.Key(req)

	entry, err := m.store.GetStale(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) && !errors.Is(err, ErrDisabled) {
			m.logger.Warn("stale cache lookup failed",
				observability.String("key", key),
				observability.Error(err))
		}
		return nil, ErrMiss
	}

	if entry.Compressed {
		body, derr := Decompress(entry.Body)
		if derr != nil {
			_, _ = m.store.Delete(ctx, key)
			m.logger.Warn("removed cache entry that failed decompression",
				observability.String("key", key),
				observability.Error(derr))
			return nil, ErrMiss
		}
		decoded := *entry
		decoded.Body = body
		decoded.Compressed = false
		entry = &decoded
	}

	m.recordOutcome(observability.CacheOutcomeStale)
	return entry, nil
}

// ShouldStore decides whether a backend response is cacheable under the
// route's strategy.
func (m *Manager) ShouldStore(req Request, status int, headers http.Header) bool {
	if !m.cfg.Enabled || req.Route == nil || !CacheableMethod(req.Method) {
		return false
	}

	switch req.Route.CacheStrategy() {
	case config.CacheStrategyAggressive:
		return status >= 200 && status < 300

	case config.CacheStrategyConservative:
		return status == http.StatusOK && !deniesCaching(headers.Get("Cache-Control"))

	case config.CacheStrategyCustom:
		if req.Route.Cache == nil || req.Route.Cache.Condition == "" {
			return false
		}
		ok, err := m.conditions.Eval(req.Route.Cache.Condition, conditionInput(req, status, headers))
		if err != nil {
			m.logger.Warn("cache condition evaluation failed",
				observability.String("path", req.Path),
				observability.Error(err))
			return false
		}
		return ok

	default:
		return false
	}
}

// deniesCaching reports whether a Cache-Control value forbids a shared
// cache from storing the response.
func deniesCaching(cacheControl string) bool {
	if cacheControl == "" {
		return false
	}
	v := strings.ToLower(cacheControl)
	return strings.Contains(v, "no-store") ||
		strings.Contains(v, "no-cache") ||
		strings.Contains(v, "private")
}

func conditionInput(req Request, status int, headers http.Header) ConditionInput {
	query := make(map[string]string, len(req.Query))
	for k, vs := range req.Query {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}

	hdrs := make(map[string]string, len(headers))
	for k, vs := range headers {
		if len(vs) > 0 {
			hdrs[strings.ToLower(k)] = vs[0]
		}
	}

	return ConditionInput{
		Method:  req.Method,
		Path:    req.Path,
		Query:   query,
		Status:  status,
		Headers: hdrs,
	}
}

// StoreResponse caches a backend response under the request's key,
// compressing bodies over the configured threshold and tagging the
// entry per the route.
func (m *Manager) StoreResponse(ctx context.Context, req Request, status int, headers http.Header, body []byte) error {
	if !m.cfg.Enabled {
		return ErrDisabled
	}

	entry := &Entry{
		Status:  status,
		Headers: storableHeaders(headers),
		Body:    body,
	}
	if req.Route != nil {
		entry.Tags = req.Route.CacheTags()
	}

	if threshold := m.cfg.CompressionThreshold; threshold > 0 && len(body) > threshold {
		compressed, err := Compress(body)
		if err != nil {
			return err
		}
		// Tiny or incompressible payloads can grow under gzip.
		if len(compressed) < len(body) {
			entry.Body = compressed
			entry.Compressed = true
		}
	}

	ttl := m.cfg.TTL
	if req.Route != nil {
		ttl = req.Route.CacheTTL(ttl)
	}

	return m.store.Set(ctx, m.Key(req), entry, ttl.Duration())
}

func storableHeaders(headers http.Header) map[string][]string {
	out := make(map[string][]string, len(headers))
	for k, vs := range headers {
		if _, skip := uncacheableHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		cp := make([]string, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}

// Invalidate removes entries by exact key or, when the argument carries
// glob metacharacters, by pattern. Returns how many entries existed.
func (m *Manager) Invalidate(ctx context.Context, pattern string) (int, error) {
	n, err := m.deleteKeyOrPattern(ctx, pattern)
	if err != nil {
		return 0, err
	}

	m.recordInvalidations("pattern", n)
	m.logger.Info("cache invalidated",
		observability.String("pattern", pattern),
		observability.Int("removed", n))
	return n, nil
}

// InvalidateByTags removes every entry stored under any of the tags.
func (m *Manager) InvalidateByTags(ctx context.Context, tags []string) (int, error) {
	n, err := m.store.DeleteByTags(ctx, tags)
	if err != nil {
		return 0, err
	}

	m.recordInvalidations("tag", n)
	m.logger.Info("cache invalidated by tags",
		observability.Int("tags", len(tags)),
		observability.Int("removed", n))
	return n, nil
}

// InvalidateByPath removes every entry for a normalized path, across
// versions, query variants, and user suffixes.
func (m *Manager) InvalidateByPath(ctx context.Context, path string) (int, error) {
	n, err := m.store.DeleteByPath(ctx, path)
	if err != nil {
		return 0, err
	}

	m.recordInvalidations("path", n)
	return n, nil
}

// SmartInvalidate reacts to a mutating request: it drops the entries for
// the mutated path, the parent collection when an item was mutated, and
// whatever the configured invalidation rules name for this method and
// path. Returns the number of entries removed.
func (m *Manager) SmartInvalidate(ctx context.Context, method, path string) (int, error) {
	if !m.cfg.Enabled || !MutatingMethod(method) {
		return 0, nil
	}

	total := 0

	n, err := m.store.DeleteByPath(ctx, path)
	if err != nil {
		return total, err
	}
	total += n

	if parent := parentPath(path); parent != "" {
		n, err := m.store.DeleteByPath(ctx, parent)
		if err != nil {
			return total, err
		}
		total += n
	}

	for _, rule := range m.rules {
		if !ruleMatches(rule, method, path) {
			continue
		}
		if len(rule.Tags) > 0 {
			n, err := m.store.DeleteByTags(ctx, rule.Tags)
			if err != nil {
				return total, err
			}
			total += n
		}
		for _, key := range rule.Keys {
			n, err := m.deleteKeyOrPattern(ctx, key)
			if err != nil {
				return total, err
			}
			total += n
		}
	}

	m.recordInvalidations("smart", total)
	if total > 0 {
		m.logger.Info("smart invalidation",
			observability.String("method", method),
			observability.String("path", path),
			observability.Int("removed", total))
	}
	return total, nil
}

// RefreshIfStale evicts the entry for a request when its age exceeds
// maxAge, regardless of its remaining TTL. Reports whether an eviction
// happened.
func (m *Manager) RefreshIfStale(ctx context.Context, req Request, maxAge time.Duration) (bool, error) {
	if !m.cfg.Enabled {
		return false, nil
	}

	key := m.Key(req)

	entry, err := m.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrMiss) || errors.Is(err, ErrDisabled) {
			return false, nil
		}
		return false, err
	}

	if entry.Age() <= maxAge {
		return false, nil
	}

	if _, err := m.store.Delete(ctx, key); err != nil {
		return false, err
	}

	m.recordInvalidations("refresh", 1)
	m.logger.Debug("evicted stale cache entry",
		observability.String("key", key),
		observability.Duration("age", entry.Age()),
		observability.Duration("maxAge", maxAge))
	return true, nil
}

// Ping probes the backing store with a throwaway read. A miss is a
// healthy answer; only transport trouble surfaces.
func (m *Manager) Ping(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}
	_, err := m.store.Get(ctx, "health:probe")
	if err == nil || errors.Is(err, ErrMiss) || errors.Is(err, ErrDisabled) {
		return nil
	}
	return err
}

// Stats returns the backing store counters.
func (m *Manager) Stats() Stats {
	return m.store.Stats()
}

// Close releases the backing store.
func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) deleteKeyOrPattern(ctx context.Context, pattern string) (int, error) {
	if HasPatternMeta(pattern) {
		return m.store.DeleteMatching(ctx, pattern)
	}
	return m.store.Delete(ctx, pattern)
}

func (m *Manager) recordOutcome(outcome string) {
	if m.metrics != nil {
		m.metrics.RecordCacheOutcome(outcome)
	}
}

func (m *Manager) recordInvalidations(trigger string, n int) {
	if m.metrics != nil {
		m.metrics.RecordCacheInvalidations(trigger, n)
	}
}

// parentPath returns the collection path for an item path, or "" when
// the path is already a top-level collection.
func parentPath(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return ""
	}
	parent := p[:i]
	if strings.Count(parent, "/") < 2 {
		return ""
	}
	return parent
}

// ruleMatches reports whether an invalidation rule applies to a request.
// An empty rule method matches any mutating method. A trailing /* on the
// rule path matches the path itself and anything below it.
func ruleMatches(rule config.InvalidationRule, method, path string) bool {
	if rule.Method != "" && rule.Method != method {
		return false
	}
	if strings.HasSuffix(rule.Path, "/*") {
		prefix := strings.TrimSuffix(rule.Path, "/*")
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	return rule.Path == path
}
