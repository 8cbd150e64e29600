package transform

import (
	"net/http"
	"net/url"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
)

// RequestTransformer applies per-route adjustments to the outbound
// backend request: header injection and query parameter rewriting.
type RequestTransformer struct {
	logger observability.Logger
}

// NewRequestTransformer creates a request transformer.
func NewRequestTransformer(logger observability.Logger) *RequestTransformer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RequestTransformer{logger: logger}
}

// Apply mutates headers and query in place per the route configuration.
// A nil configuration is a no-op. Removals run after injections so a
// name listed in both ends up removed.
func (t *RequestTransformer) Apply(cfg *config.RequestTransformConfig, headers http.Header, query url.Values) {
	if cfg == nil {
		return
	}

	for name, value := range cfg.SetHeaders {
		headers.Set(name, value)
	}
	for _, name := range cfg.RemoveHeaders {
		headers.Del(name)
	}

	for name, value := range cfg.SetQuery {
		query.Set(name, value)
	}
	for _, name := range cfg.RemoveQuery {
		query.Del(name)
	}

	if len(cfg.SetHeaders) > 0 || len(cfg.RemoveHeaders) > 0 ||
		len(cfg.SetQuery) > 0 || len(cfg.RemoveQuery) > 0 {
		t.logger.Debug("applied request transform",
			observability.Int("set_headers", len(cfg.SetHeaders)),
			observability.Int("removed_headers", len(cfg.RemoveHeaders)),
			observability.Int("set_query", len(cfg.SetQuery)),
			observability.Int("removed_query", len(cfg.RemoveQuery)))
	}
}
