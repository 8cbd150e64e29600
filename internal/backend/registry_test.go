package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
)

func testBackendConfig(name string, hosts ...string) config.BackendConfig {
	return config.BackendConfig{Name: name, Hosts: hosts}
}

func newTestBackend(t *testing.T, cfg config.BackendConfig) *Backend {
	t.Helper()
	b, err := NewBackend(cfg, observability.NopLogger(), nil)
	require.NoError(t, err)
	return b
}

func TestNewBackend(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, testBackendConfig("assets", "http://10.0.0.1:8080", "https://10.0.0.2:8443"))

	assert.Equal(t, "assets", b.Name())
	assert.Len(t, b.Hosts(), 2)
}

func TestNewBackend_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  config.BackendConfig
	}{
		{"empty name", testBackendConfig("", "http://10.0.0.1:8080")},
		{"no hosts", testBackendConfig("assets")},
		{"relative url", testBackendConfig("assets", "10.0.0.1:8080")},
		{"unsupported scheme", testBackendConfig("assets", "ftp://10.0.0.1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewBackend(tt.cfg, observability.NopLogger(), nil)
			assert.Error(t, err)
		})
	}
}

func TestBackend_SelectAndRelease(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, testBackendConfig("assets", "http://10.0.0.1:8080"))

	host, err := b.SelectHost()
	require.NoError(t, err)
	assert.Equal(t, int64(1), host.Connections())

	b.ReleaseHost(host)
	assert.Zero(t, host.Connections())

	b.ReleaseHost(nil)
}

func TestBackend_SelectHost_NoneHealthy(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, testBackendConfig("assets", "http://10.0.0.1:8080"))
	b.Hosts()[0].SetStatus(StatusUnhealthy)

	_, err := b.SelectHost()
	assert.ErrorContains(t, err, "no healthy hosts")
}

func TestBackend_StartWithoutChecker_TrustsHosts(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, testBackendConfig("assets", "http://10.0.0.1:8080", "http://10.0.0.2:8080"))
	b.Start(context.Background())
	defer b.Stop()

	for _, host := range b.Hosts() {
		assert.Equal(t, StatusHealthy, host.Status())
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry(observability.NopLogger(), nil)
	b := newTestBackend(t, testBackendConfig("assets", "http://10.0.0.1:8080"))

	require.NoError(t, r.Register(b))

	got, ok := r.Get("assets")
	require.True(t, ok)
	assert.Same(t, b, got)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	t.Parallel()

	r := NewRegistry(observability.NopLogger(), nil)
	require.NoError(t, r.Register(newTestBackend(t, testBackendConfig("assets", "http://10.0.0.1:8080"))))

	err := r.Register(newTestBackend(t, testBackendConfig("assets", "http://10.0.0.2:8080")))
	assert.ErrorContains(t, err, "already registered")
}

func TestRegistry_SelectHost(t *testing.T) {
	t.Parallel()

	r := NewRegistry(observability.NopLogger(), nil)
	require.NoError(t, r.Register(newTestBackend(t, testBackendConfig("assets", "http://10.0.0.1:8080"))))

	host, err := r.SelectHost("assets")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.1:8080", host.URL())

	_, err = r.SelectHost("missing")
	assert.ErrorContains(t, err, "unknown backend")
}

func TestRegistry_Health(t *testing.T) {
	t.Parallel()

	r := NewRegistry(observability.NopLogger(), nil)
	b := newTestBackend(t, testBackendConfig("assets", "http://10.0.0.1:8080", "http://10.0.0.2:8080"))
	b.Hosts()[0].SetStatus(StatusHealthy)
	b.Hosts()[1].SetStatus(StatusUnhealthy)
	require.NoError(t, r.Register(b))

	health := r.Health()
	assert.Equal(t, StatusHealthy, health["http://10.0.0.1:8080"])
	assert.Equal(t, StatusUnhealthy, health["http://10.0.0.2:8080"])
}

func TestRegistry_StatusesSortedByName(t *testing.T) {
	t.Parallel()

	r := NewRegistry(observability.NopLogger(), nil)
	require.NoError(t, r.Register(newTestBackend(t, testBackendConfig("orders", "http://10.0.0.2:8080"))))
	require.NoError(t, r.Register(newTestBackend(t, testBackendConfig("assets", "http://10.0.0.1:8080"))))

	statuses := r.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "assets", statuses[0].Name)
	assert.Equal(t, "orders", statuses[1].Name)
	require.Len(t, statuses[0].Hosts, 1)
	assert.Equal(t, "unknown", statuses[0].Hosts[0].Status)
}

func TestRegistry_LoadFromConfig(t *testing.T) {
	t.Parallel()

	r := NewRegistry(observability.NopLogger(), nil)
	err := r.LoadFromConfig([]config.BackendConfig{
		testBackendConfig("assets", "http://10.0.0.1:8080"),
		testBackendConfig("orders", "http://10.0.0.2:8080"),
	})
	require.NoError(t, err)

	_, ok := r.Get("assets")
	assert.True(t, ok)
	_, ok = r.Get("orders")
	assert.True(t, ok)
}

func TestRegistry_LoadFromConfig_PropagatesErrors(t *testing.T) {
	t.Parallel()

	r := NewRegistry(observability.NopLogger(), nil)
	err := r.LoadFromConfig([]config.BackendConfig{
		testBackendConfig("assets", "not a url"),
	})
	assert.Error(t, err)
}

func TestRegistry_StartAllStopAll(t *testing.T) {
	t.Parallel()

	r := NewRegistry(observability.NopLogger(), nil)
	require.NoError(t, r.Register(newTestBackend(t, testBackendConfig("assets", "http://10.0.0.1:8080"))))

	r.StartAll(context.Background())
	health := r.Health()
	assert.Equal(t, StatusHealthy, health["http://10.0.0.1:8080"])

	r.StopAll()
}
