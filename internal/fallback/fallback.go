// Package fallback serves degraded responses for routes whose backend
// cannot answer: a templated static payload, the most recent
// still-stored cache entry, or a forward to an alternate backend.
package fallback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/apexgate/apexgate/internal/backend"
	"github.com/apexgate/apexgate/internal/cache"
	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
)

// DefaultContentType is served when a static fallback does not name one.
const DefaultContentType = "application/json"

// Request carries the request facts a fallback strategy needs.
type Request struct {
	Method    string
	Version   string
	Path      string
	Query     url.Values
	Headers   http.Header
	Body      []byte
	RequestID string
	UserID    string
}

// Result is a degraded response and the strategy that produced it.
type Result struct {
	Status  int
	Headers http.Header
	Body    []byte
	Source  string
}

// templateData is what a static fallback body template can reference.
type templateData struct {
	Method    string
	Path      string
	Version   string
	RequestID string
}

// Handler resolves a route's configured fallback when the primary
// backend cannot answer. A nil result means no fallback applies and the
// caller surfaces the failure itself.
type Handler struct {
	cache   *cache.Manager
	invoker *backend.Invoker
	logger  observability.Logger
	metrics *observability.Metrics
	funcs   template.FuncMap

	mu        sync.RWMutex
	templates map[string]*template.Template
}

// NewHandler creates a fallback handler. The cache manager and invoker
// may be nil; the strategies that need them then answer with no
// fallback.
func NewHandler(
	cacheManager *cache.Manager,
	invoker *backend.Invoker,
	logger observability.Logger,
	metrics *observability.Metrics,
) *Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handler{
		cache:     cacheManager,
		invoker:   invoker,
		logger:    logger,
		metrics:   metrics,
		funcs:     templateFuncs(),
		templates: make(map[string]*template.Template),
	}
}

// templateFuncs builds the function map for static bodies: sprig's text
// helpers minus environment and filesystem access. title is replaced
// with the Unicode-aware caser.
func templateFuncs() template.FuncMap {
	funcs := sprig.TxtFuncMap()
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}
	funcs["title"] = cases.Title(language.English).String
	return funcs
}

// CompileRoutes pre-compiles every static fallback body so a broken
// template fails the configuration load, not a live request.
func (h *Handler) CompileRoutes(routes []config.RouteConfig) error {
	var errs []error
	for i := range routes {
		route := &routes[i]
		if route.Fallback == nil || route.Fallback.Strategy != config.FallbackStatic {
			continue
		}
		if _, err := h.template(route.Fallback.Body); err != nil {
			errs = append(errs, fmt.Errorf("route %s %s: %w", route.Method, route.Path, err))
		}
	}
	return errors.Join(errs...)
}

// Handle resolves the route's fallback strategy. Returns nil when the
// route has none or the strategy cannot produce a response.
func (h *Handler) Handle(ctx context.Context, req Request, route *config.RouteConfig) *Result {
	if route == nil || route.Fallback == nil {
		return nil
	}

	cfg := route.Fallback
	var res *Result
	switch cfg.Strategy {
	case config.FallbackStatic:
		res = h.static(req, cfg)
	case config.FallbackCached:
		res = h.cached(ctx, req, route)
	case config.FallbackAlternate:
		res = h.alternate(ctx, req, route, cfg)
	default:
		h.logger.Warn("unknown fallback strategy",
			observability.String("strategy", cfg.Strategy),
			observability.String("path", route.Path))
		return nil
	}

	if res != nil {
		if h.metrics != nil {
			h.metrics.RecordFallback(route.Method+" "+route.Path, res.Source)
		}
		h.logger.Info("served fallback response",
			observability.String("strategy", res.Source),
			observability.String("method", req.Method),
			observability.String("path", req.Path),
			observability.Int("status", res.Status))
	}
	return res
}

// static renders the configured body with the request facts bound. A
// template that fails to parse or execute is served verbatim.
func (h *Handler) static(req Request, cfg *config.FallbackConfig) *Result {
	body := cfg.Body

	tmpl, err := h.template(cfg.Body)
	if err != nil {
		h.logger.Warn("static fallback body does not parse as a template, serving it verbatim",
			observability.String("path", req.Path),
			observability.Error(err))
	} else {
		var buf bytes.Buffer
		execErr := tmpl.Execute(&buf, templateData{
			Method:    req.Method,
			Path:      req.Path,
			Version:   req.Version,
			RequestID: req.RequestID,
		})
		if execErr != nil {
			h.logger.Warn("static fallback template failed, serving the body verbatim",
				observability.String("path", req.Path),
				observability.Error(execErr))
		} else {
			body = buf.String()
		}
	}

	status := cfg.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	contentType := cfg.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	headers := http.Header{}
	headers.Set("Content-Type", contentType)

	return &Result{
		Status:  status,
		Headers: headers,
		Body:    []byte(body),
		Source:  config.FallbackStatic,
	}
}

// cached serves whatever the cache still stores for the request, even
// past its expiry.
func (h *Handler) cached(ctx context.Context, req Request, route *config.RouteConfig) *Result {
	if h.cache == nil {
		return nil
	}

	entry, err := h.cache.LookupStale(ctx, cache.Request{
		Method:  req.Method,
		Version: req.Version,
		Path:    req.Path,
		Query:   req.Query,
		UserID:  req.UserID,
		Route:   route,
	})
	if err != nil {
		return nil
	}

	// The entry is shared with the store; headers get their own copy
	// so the caller can decorate them.
	headers := http.Header{}
	for name, values := range entry.Headers {
		for _, v := range values {
			headers.Add(name, v)
		}
	}

	return &Result{
		Status:  entry.Status,
		Headers: headers,
		Body:    entry.Body,
		Source:  config.FallbackCached,
	}
}

// alternate forwards the original request to the secondary backend. Any
// completed response is served; a network failure or exhausted 5xx
// leaves the route with no fallback.
func (h *Handler) alternate(ctx context.Context, req Request, route *config.RouteConfig, cfg *config.FallbackConfig) *Result {
	if h.invoker == nil || cfg.Backend == "" {
		return nil
	}

	res, err := h.invoker.Invoke(ctx, backend.Call{
		Backend:   cfg.Backend,
		Method:    req.Method,
		Path:      req.Path,
		Query:     req.Query,
		Headers:   req.Headers,
		Body:      req.Body,
		Route:     route,
		RequestID: req.RequestID,
	})
	if err != nil {
		h.logger.Warn("alternate backend failed",
			observability.String("backend", cfg.Backend),
			observability.String("method", req.Method),
			observability.String("path", req.Path),
			observability.Error(err))
		return nil
	}

	return &Result{
		Status:  res.Status,
		Headers: res.Headers,
		Body:    res.Body,
		Source:  config.FallbackAlternate,
	}
}

// template returns the compiled template for a body, compiling and
// caching it on first use.
func (h *Handler) template(body string) (*template.Template, error) {
	h.mu.RLock()
	tmpl, ok := h.templates[body]
	h.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	parsed, err := template.New("fallback").Funcs(h.funcs).Option("missingkey=zero").Parse(body)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.templates[body] = parsed
	h.mu.Unlock()

	return parsed, nil
}
