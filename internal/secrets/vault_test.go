package secrets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexgate/apexgate/internal/config"
)

// newVaultTestServer serves a minimal KV v2 read endpoint plus health.
func newVaultTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sys/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"initialized":true,"sealed":false,"standby":false}`))
	})
	mux.HandleFunc("/v1/secret/data/gateway/redis", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"data": {
				"data": {"value": "redis://cache:6379/0", "poolSize": 20},
				"metadata": {"version": 1}
			}
		}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":[]}`))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestVaultProvider_GetSecret(t *testing.T) {
	t.Parallel()

	server := newVaultTestServer(t)

	provider, err := NewVaultProvider(config.VaultConfig{
		Address: server.URL,
		Token:   "test-token",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderTypeVault, provider.Type())

	secret, err := provider.GetSecret(context.Background(), "gateway/redis")
	require.NoError(t, err)

	url, ok := secret.GetString("value")
	assert.True(t, ok)
	assert.Equal(t, "redis://cache:6379/0", url)

	// Non-string values are stringified.
	pool, ok := secret.GetString("poolSize")
	assert.True(t, ok)
	assert.Equal(t, "20", pool)
}

func TestVaultProvider_GetSecretNotFound(t *testing.T) {
	t.Parallel()

	server := newVaultTestServer(t)

	provider, err := NewVaultProvider(config.VaultConfig{
		Address: server.URL,
		Token:   "test-token",
	}, nil)
	require.NoError(t, err)

	_, err = provider.GetSecret(context.Background(), "gateway/missing")
	assert.Error(t, err)
}

func TestVaultProvider_HealthCheck(t *testing.T) {
	t.Parallel()

	server := newVaultTestServer(t)

	provider, err := NewVaultProvider(config.VaultConfig{
		Address: server.URL,
		Token:   "test-token",
	}, nil)
	require.NoError(t, err)

	assert.NoError(t, provider.HealthCheck(context.Background()))
	assert.NoError(t, provider.Close())
}
