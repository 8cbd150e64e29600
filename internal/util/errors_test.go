package util

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRouteNotFoundError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		method         string
		path           string
		version        string
		expectedString string
	}{
		{
			name:           "with version",
			method:         "GET",
			path:           "/api/assets",
			version:        "v2",
			expectedString: "no route for GET /api/assets (version v2)",
		},
		{
			name:           "without version",
			method:         "DELETE",
			path:           "/api/assets/42",
			expectedString: "no route for DELETE /api/assets/42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := NewRouteNotFoundError(tt.method, tt.path, tt.version)
			assert.Equal(t, tt.expectedString, err.Error())
			assert.True(t, errors.Is(err, ErrNoRoute))
		})
	}
}

func TestAuthError(t *testing.T) {
	t.Parallel()

	missing := NewAuthError("no credential provided", true)
	assert.Equal(t, "authentication required: no credential provided", missing.Error())
	assert.True(t, errors.Is(missing, ErrUnauthorized))

	invalid := NewAuthError("unknown API key", false)
	assert.Equal(t, "authentication failed: unknown API key", invalid.Error())
	assert.True(t, errors.Is(invalid, ErrUnauthorized))
}

func TestScopeError(t *testing.T) {
	t.Parallel()

	err := NewScopeError([]string{"assets:write"}, []string{"assets:read"})

	assert.Contains(t, err.Error(), "assets:write")
	assert.True(t, errors.Is(err, ErrForbidden))
	assert.False(t, errors.Is(err, ErrUnauthorized))
}

func TestRateLimitError(t *testing.T) {
	t.Parallel()

	reset := time.Now().Add(30 * time.Second)
	err := NewRateLimitError(100, 2*time.Second, reset)

	assert.Contains(t, err.Error(), "limit: 100")
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, reset, err.Reset)
}

func TestBackendError(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := NewBackendError("assets-svc", "forward failed", 3, cause)

	assert.Contains(t, err.Error(), "assets-svc")
	assert.Contains(t, err.Error(), "attempts: 3")
	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, ErrBackendUnavail))
}

func TestTimeoutError(t *testing.T) {
	t.Parallel()

	err := NewTimeoutError("backend call", 5*time.Second, nil)

	assert.Equal(t, "timeout after 5s during backend call", err.Error())
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestCircuitOpenError(t *testing.T) {
	t.Parallel()

	err := NewCircuitOpenError("GET /api/assets", "open")

	assert.Equal(t, "circuit breaker for GET /api/assets is open", err.Error())
	assert.True(t, errors.Is(err, ErrCircuitOpen))
}

func TestInfraError(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: connection refused")
	err := NewInfraError("cache", "store unreachable", cause)

	assert.Contains(t, err.Error(), "cache: store unreachable")
	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, IsInfraError(err))
	assert.False(t, IsInfraError(cause))
}

func TestWrapError(t *testing.T) {
	t.Parallel()

	assert.Nil(t, WrapError(nil, "context"))

	base := errors.New("base")
	wrapped := WrapError(base, "while forwarding")
	assert.Equal(t, "while forwarding: base", wrapped.Error())
	assert.True(t, errors.Is(wrapped, base))
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		client  bool
		backend bool
	}{
		{
			name:   "route not found is client class",
			err:    NewRouteNotFoundError("GET", "/nope", ""),
			client: true,
		},
		{
			name:   "auth failure is client class",
			err:    NewAuthError("bad key", false),
			client: true,
		},
		{
			name:   "scope failure is client class",
			err:    NewScopeError([]string{"a"}, nil),
			client: true,
		},
		{
			name:   "rate limit is client class",
			err:    NewRateLimitError(10, time.Second, time.Now()),
			client: true,
		},
		{
			name:    "backend failure is backend class",
			err:     NewBackendError("svc", "down", 1, nil),
			backend: true,
		},
		{
			name:    "timeout is backend class",
			err:     NewTimeoutError("call", time.Second, nil),
			backend: true,
		},
		{
			name: "plain error is neither",
			err:  errors.New("whatever"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.client, IsClientError(tt.err))
			assert.Equal(t, tt.backend, IsBackendError(tt.err))
		})
	}
}

func TestIsTimeout(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTimeout(NewTimeoutError("op", time.Second, nil)))
	assert.True(t, IsTimeout(ErrTimeout))
	assert.False(t, IsTimeout(NewBackendError("svc", "down", 1, nil)))
	assert.False(t, IsTimeout(nil))
}
