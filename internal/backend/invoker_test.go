package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
	"github.com/apexgate/apexgate/internal/util"
)

func fastRetryPolicy(maxRetries int) config.RetryConfig {
	return config.RetryConfig{
		MaxRetries:   maxRetries,
		Backoff:      config.BackoffConstant,
		InitialDelay: config.Duration(time.Millisecond),
	}
}

func newTestInvoker(t *testing.T, handler http.Handler, maxRetries int, opts ...InvokerOption) *Invoker {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	registry := NewRegistry(observability.NopLogger(), nil)
	require.NoError(t, registry.LoadFromConfig([]config.BackendConfig{
		{Name: "assets", Hosts: []string{server.URL}},
	}))
	registry.StartAll(context.Background())
	t.Cleanup(registry.StopAll)

	return NewInvoker(registry, fastRetryPolicy(maxRetries),
		observability.NopLogger(), observability.NewMetrics("test"), opts...)
}

func TestInvoker_Success(t *testing.T) {
	t.Parallel()

	inv := newTestInvoker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}), 2)

	result, err := inv.Invoke(context.Background(), Call{
		Backend: "assets",
		Method:  http.MethodGet,
		Path:    "/api/assets",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, []byte(`{"ok":true}`), result.Body)
	assert.Equal(t, "application/json", result.Headers.Get("Content-Type"))
	assert.Equal(t, 1, result.Attempts)
	assert.NotEmpty(t, result.Host)
}

func TestInvoker_GatewayHeaders(t *testing.T) {
	t.Parallel()

	var gotRequestID, gotVersion, gotCustom string
	inv := newTestInvoker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRequestID = r.Header.Get(HeaderRequestID)
		gotVersion = r.Header.Get(HeaderGatewayVersion)
		gotCustom = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}), 0, WithGatewayVersion("1.2.3"))

	_, err := inv.Invoke(context.Background(), Call{
		Backend:   "assets",
		Method:    http.MethodGet,
		Path:      "/api/assets",
		Headers:   http.Header{"X-Custom": {"yes"}},
		RequestID: "req-123",
	})
	require.NoError(t, err)

	assert.Equal(t, "req-123", gotRequestID)
	assert.Equal(t, "1.2.3", gotVersion)
	assert.Equal(t, "yes", gotCustom)
}

func TestInvoker_QueryForwarded(t *testing.T) {
	t.Parallel()

	var gotQuery string
	inv := newTestInvoker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}), 0)

	_, err := inv.Invoke(context.Background(), Call{
		Backend: "assets",
		Method:  http.MethodGet,
		Path:    "/api/assets",
		Query:   url.Values{"sort": {"asc"}, "limit": {"10"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "limit=10&sort=asc", gotQuery)
}

func TestInvoker_ExactlyThreeAttemptsOn500(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	inv := newTestInvoker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}), 2)

	result, err := inv.Invoke(context.Background(), Call{
		Backend: "assets",
		Method:  http.MethodGet,
		Path:    "/api/assets",
	})

	// The final 500 is returned as a response, with the error carrying
	// the failure classification.
	require.NotNil(t, result)
	assert.Equal(t, http.StatusInternalServerError, result.Status)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, int64(3), calls.Load())

	var statusErr *util.UpstreamStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
}

func TestInvoker_NoRetryOn404(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	inv := newTestInvoker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}), 2)

	result, err := inv.Invoke(context.Background(), Call{
		Backend: "assets",
		Method:  http.MethodGet,
		Path:    "/api/assets/nope",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, result.Status)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, int64(1), calls.Load())
}

func TestInvoker_RecoversAfterTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	inv := newTestInvoker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}), 2)

	result, err := inv.Invoke(context.Background(), Call{
		Backend: "assets",
		Method:  http.MethodGet,
		Path:    "/api/assets",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, 3, result.Attempts)
}

func TestInvoker_BodyPreservedAcrossAttempts(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"name":"asset","size":42}`)

	var mu sync.Mutex
	var received [][]byte
	inv := newTestInvoker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, body)
		n := len(received)
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}), 2)

	result, err := inv.Invoke(context.Background(), Call{
		Backend: "assets",
		Method:  http.MethodPost,
		Path:    "/api/assets",
		Body:    payload,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, result.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 3)
	for _, body := range received {
		assert.Equal(t, payload, body)
	}
}

func TestInvoker_FailsOverToNextHost(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	registry := NewRegistry(observability.NopLogger(), nil)
	require.NoError(t, registry.LoadFromConfig([]config.BackendConfig{
		{Name: "assets", Hosts: []string{"http://127.0.0.1:1", server.URL}},
	}))

	inv := NewInvoker(registry, fastRetryPolicy(2),
		observability.NopLogger(), observability.NewMetrics("test"))

	result, err := inv.Invoke(context.Background(), Call{
		Backend: "assets",
		Method:  http.MethodGet,
		Path:    "/api/assets",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, server.URL, result.Host)
}

func TestInvoker_TimeoutIsDistinctAndRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	inv := newTestInvoker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
		w.WriteHeader(http.StatusOK)
	}), 1, WithAttemptTimeout(30*time.Millisecond))

	result, err := inv.Invoke(context.Background(), Call{
		Backend: "assets",
		Method:  http.MethodGet,
		Path:    "/api/assets",
	})

	assert.Nil(t, result)
	require.Error(t, err)
	assert.True(t, util.IsTimeout(err))

	var backendErr *util.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, 2, backendErr.Attempts)
	assert.Equal(t, int64(2), calls.Load())
}

func TestInvoker_RouteOverrides(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	inv := newTestInvoker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}), 2)

	route := &config.RouteConfig{
		Method:  http.MethodGet,
		Path:    "/api/assets",
		Backend: "assets",
		Retry:   &config.RetryConfig{MaxRetries: 0},
	}

	result, err := inv.Invoke(context.Background(), Call{
		Backend: "assets",
		Method:  http.MethodGet,
		Path:    "/api/assets",
		Route:   route,
	})

	require.NotNil(t, result)
	assert.Error(t, err)
	assert.Equal(t, 1, result.Attempts, "route retry override wins over the default policy")
	assert.Equal(t, int64(1), calls.Load())
}

func TestInvoker_UnknownBackend(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(observability.NopLogger(), nil)
	inv := NewInvoker(registry, fastRetryPolicy(0),
		observability.NopLogger(), observability.NewMetrics("test"))

	_, err := inv.Invoke(context.Background(), Call{
		Backend: "missing",
		Method:  http.MethodGet,
		Path:    "/api/assets",
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrBackendUnavail)
	assert.ErrorContains(t, err, "unknown backend")
}

func TestInvoker_NoHealthyHosts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	inv := newTestInvoker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}), 2)

	backend, ok := inv.registry.Get("assets")
	require.True(t, ok)
	for _, host := range backend.Hosts() {
		host.SetStatus(StatusUnhealthy)
	}

	_, err := inv.Invoke(context.Background(), Call{
		Backend: "assets",
		Method:  http.MethodGet,
		Path:    "/api/assets",
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrBackendUnavail)
	assert.Zero(t, calls.Load(), "no request leaves the gateway when every host is down")
}

func TestInvoker_ContextCanceled(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	inv := newTestInvoker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}), 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := inv.Invoke(ctx, Call{
		Backend: "assets",
		Method:  http.MethodGet,
		Path:    "/api/assets",
	})

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, calls.Load())
}

func TestInvoker_ClientErrorsPassThrough(t *testing.T) {
	t.Parallel()

	inv := newTestInvoker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad input", http.StatusBadRequest)
	}), 2)

	result, err := inv.Invoke(context.Background(), Call{
		Backend: "assets",
		Method:  http.MethodGet,
		Path:    "/api/assets",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, result.Status)
	assert.Equal(t, 1, result.Attempts)
}
