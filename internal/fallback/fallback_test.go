package fallback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexgate/apexgate/internal/backend"
	"github.com/apexgate/apexgate/internal/cache"
	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
)

func testRoute(fb *config.FallbackConfig) *config.RouteConfig {
	return &config.RouteConfig{
		Path:     "/api/assets",
		Method:   http.MethodGet,
		Backend:  "assets",
		Fallback: fb,
	}
}

func newTestCache(t *testing.T) *cache.Manager {
	t.Helper()

	m, err := cache.NewManager(config.CacheConfig{
		Enabled:    true,
		Store:      "memory",
		TTL:        config.Duration(time.Minute),
		StaleGrace: config.Duration(time.Minute),
	}, nil, observability.NopLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newAlternateInvoker(t *testing.T, handler http.Handler) *backend.Invoker {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	registry := backend.NewRegistry(observability.NopLogger(), nil)
	require.NoError(t, registry.LoadFromConfig([]config.BackendConfig{
		{Name: "secondary", Hosts: []string{server.URL}},
	}))
	registry.StartAll(context.Background())
	t.Cleanup(registry.StopAll)

	policy := config.RetryConfig{
		MaxRetries:   1,
		Backoff:      config.BackoffConstant,
		InitialDelay: config.Duration(time.Millisecond),
	}
	return backend.NewInvoker(registry, policy, observability.NopLogger(), nil)
}

func TestHandler_NoFallbackConfigured(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil, nil, nil, nil)

	assert.Nil(t, h.Handle(context.Background(), Request{}, nil))
	assert.Nil(t, h.Handle(context.Background(), Request{}, testRoute(nil)))
}

func TestHandler_UnknownStrategy(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil, nil, nil, nil)
	route := testRoute(&config.FallbackConfig{Strategy: "weird"})

	assert.Nil(t, h.Handle(context.Background(), Request{}, route))
}

func TestHandler_StaticDefaults(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil, nil, nil, nil)
	route := testRoute(&config.FallbackConfig{
		Strategy: config.FallbackStatic,
		Body:     `{"error":"service degraded"}`,
	})

	res := h.Handle(context.Background(), Request{Method: http.MethodGet, Path: "/api/assets"}, route)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, DefaultContentType, res.Headers.Get("Content-Type"))
	assert.Equal(t, `{"error":"service degraded"}`, string(res.Body))
	assert.Equal(t, config.FallbackStatic, res.Source)
}

func TestHandler_StaticTemplateBindsRequest(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil, nil, nil, nil)
	route := testRoute(&config.FallbackConfig{
		Strategy:    config.FallbackStatic,
		Body:        `{"error":"{{ lower .Method }} {{ .Path }} unavailable","requestId":"{{ .RequestID }}","version":"{{ .Version }}"}`,
		StatusCode:  http.StatusServiceUnavailable,
		ContentType: "application/problem+json",
	})

	res := h.Handle(context.Background(), Request{
		Method:    http.MethodGet,
		Path:      "/api/assets",
		Version:   "v2",
		RequestID: "req-123",
	}, route)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusServiceUnavailable, res.Status)
	assert.Equal(t, "application/problem+json", res.Headers.Get("Content-Type"))
	assert.JSONEq(t, `{"error":"get /api/assets unavailable","requestId":"req-123","version":"v2"}`, string(res.Body))
}

func TestHandler_StaticTitleFunc(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil, nil, nil, nil)
	route := testRoute(&config.FallbackConfig{
		Strategy: config.FallbackStatic,
		Body:     `{{ title "service degraded" }}`,
	})

	res := h.Handle(context.Background(), Request{}, route)
	require.NotNil(t, res)
	assert.Equal(t, "Service Degraded", string(res.Body))
}

func TestHandler_StaticBrokenTemplateServedVerbatim(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil, nil, nil, nil)
	route := testRoute(&config.FallbackConfig{
		Strategy: config.FallbackStatic,
		Body:     `{{ .Oops`,
	})

	res := h.Handle(context.Background(), Request{}, route)
	require.NotNil(t, res)
	assert.Equal(t, `{{ .Oops`, string(res.Body))
}

func TestHandler_StaticEnvFuncNotAvailable(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil, nil, nil, nil)
	route := testRoute(&config.FallbackConfig{
		Strategy: config.FallbackStatic,
		Body:     `{{ env "HOME" }}`,
	})

	// The function map carries no env helper, so the body does not
	// parse and is served as-is.
	res := h.Handle(context.Background(), Request{}, route)
	require.NotNil(t, res)
	assert.Equal(t, `{{ env "HOME" }}`, string(res.Body))
}

func TestHandler_CachedServesStaleEntry(t *testing.T) {
	t.Parallel()

	m := newTestCache(t)
	route := testRoute(&config.FallbackConfig{Strategy: config.FallbackCached})
	route.Cache = &config.RouteCacheConfig{TTL: config.Duration(20 * time.Millisecond)}

	creq := cache.Request{Method: http.MethodGet, Version: "v1", Path: "/api/assets", Route: route}
	headers := http.Header{"Content-Type": {"application/json"}}
	require.NoError(t, m.StoreResponse(context.Background(), creq, http.StatusOK, headers, []byte(`["cached"]`)))

	time.Sleep(40 * time.Millisecond)

	// The regular read path refuses the entry by now.
	_, err := m.Lookup(context.Background(), creq)
	require.ErrorIs(t, err, cache.ErrMiss)

	h := NewHandler(m, nil, observability.NopLogger(), nil)
	res := h.Handle(context.Background(), Request{
		Method:  http.MethodGet,
		Version: "v1",
		Path:    "/api/assets",
	}, route)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, `["cached"]`, string(res.Body))
	assert.Equal(t, "application/json", res.Headers.Get("Content-Type"))
	assert.Equal(t, config.FallbackCached, res.Source)
}

func TestHandler_CachedNothingStored(t *testing.T) {
	t.Parallel()

	m := newTestCache(t)
	route := testRoute(&config.FallbackConfig{Strategy: config.FallbackCached})

	h := NewHandler(m, nil, observability.NopLogger(), nil)
	res := h.Handle(context.Background(), Request{
		Method:  http.MethodGet,
		Version: "v1",
		Path:    "/api/assets",
	}, route)
	assert.Nil(t, res)
}

func TestHandler_CachedWithoutCacheManager(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil, nil, nil, nil)
	route := testRoute(&config.FallbackConfig{Strategy: config.FallbackCached})

	assert.Nil(t, h.Handle(context.Background(), Request{}, route))
}

func TestHandler_AlternateForwardsRequest(t *testing.T) {
	t.Parallel()

	var gotMethod, gotPath, gotHeader string
	inv := newAlternateInvoker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Original")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"from":"secondary"}`))
	}))

	route := testRoute(&config.FallbackConfig{
		Strategy: config.FallbackAlternate,
		Backend:  "secondary",
	})

	h := NewHandler(nil, inv, observability.NopLogger(), nil)
	res := h.Handle(context.Background(), Request{
		Method:  http.MethodGet,
		Path:    "/api/assets",
		Headers: http.Header{"X-Original": {"yes"}},
	}, route)

	require.NotNil(t, res)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, `{"from":"secondary"}`, string(res.Body))
	assert.Equal(t, config.FallbackAlternate, res.Source)
	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, "/api/assets", gotPath)
	assert.Equal(t, "yes", gotHeader)
}

func TestHandler_AlternateExhausted5xxMeansNoFallback(t *testing.T) {
	t.Parallel()

	inv := newAlternateInvoker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	route := testRoute(&config.FallbackConfig{
		Strategy: config.FallbackAlternate,
		Backend:  "secondary",
	})

	h := NewHandler(nil, inv, observability.NopLogger(), nil)
	res := h.Handle(context.Background(), Request{
		Method: http.MethodGet,
		Path:   "/api/assets",
	}, route)
	assert.Nil(t, res)
}

func TestHandler_AlternateServesCompleted4xx(t *testing.T) {
	t.Parallel()

	inv := newAlternateInvoker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))

	route := testRoute(&config.FallbackConfig{
		Strategy: config.FallbackAlternate,
		Backend:  "secondary",
	})

	h := NewHandler(nil, inv, observability.NopLogger(), nil)
	res := h.Handle(context.Background(), Request{
		Method: http.MethodGet,
		Path:   "/api/assets",
	}, route)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusGone, res.Status)
}

func TestHandler_AlternateWithoutInvoker(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil, nil, nil, nil)
	route := testRoute(&config.FallbackConfig{
		Strategy: config.FallbackAlternate,
		Backend:  "secondary",
	})

	assert.Nil(t, h.Handle(context.Background(), Request{}, route))
}

func TestHandler_CompileRoutes(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil, nil, nil, nil)

	good := config.RouteConfig{
		Path: "/api/assets", Method: http.MethodGet, Backend: "assets",
		Fallback: &config.FallbackConfig{
			Strategy: config.FallbackStatic,
			Body:     `{"requestId":"{{ .RequestID }}"}`,
		},
	}
	require.NoError(t, h.CompileRoutes([]config.RouteConfig{good}))

	broken := good
	broken.Path = "/api/orders"
	broken.Fallback = &config.FallbackConfig{
		Strategy: config.FallbackStatic,
		Body:     `{{ .Oops`,
	}
	err := h.CompileRoutes([]config.RouteConfig{good, broken})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/api/orders")
}
