package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexgate/apexgate/internal/backend"
	"github.com/apexgate/apexgate/internal/cache"
	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
	"github.com/apexgate/apexgate/internal/secrets"
)

func staticCheck(c Check) CheckFunc {
	return func(context.Context) Check { return c }
}

func TestChecker_AggregatesWorstStatus(t *testing.T) {
	t.Parallel()

	c := NewChecker("1.2.3")
	c.RegisterCheck("alpha", staticCheck(Healthy("alpha")))

	report := c.Run(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, "1.2.3", report.Version)

	c.RegisterCheck("beta", staticCheck(Degraded("beta", "half capacity")))
	report = c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)

	c.RegisterCheck("gamma", staticCheck(Unhealthy("gamma", "down")))
	report = c.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)

	// Checks come back sorted so the report is stable.
	require.Len(t, report.Checks, 3)
	assert.Equal(t, "alpha", report.Checks[0].Name)
	assert.Equal(t, "beta", report.Checks[1].Name)
	assert.Equal(t, "gamma", report.Checks[2].Name)
}

func TestChecker_EmptyIsHealthy(t *testing.T) {
	t.Parallel()

	report := NewChecker("dev").Run(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Empty(t, report.Checks)
}

func TestHandler_StatusCodes(t *testing.T) {
	t.Parallel()

	c := NewChecker("dev")
	c.RegisterCheck("ok", staticCheck(Healthy("ok")))

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusHealthy, report.Status)

	// Degraded still answers 200: partial capacity is not an outage.
	c.RegisterCheck("meh", staticCheck(Degraded("meh", "partial")))
	rec = httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	c.RegisterCheck("bad", staticCheck(Unhealthy("bad", "down")))
	rec = httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadinessHandler_DrainingGate(t *testing.T) {
	t.Parallel()

	c := NewChecker("dev")

	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())

	c.SetDraining(true)
	rec = httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"draining"}`, rec.Body.String())

	c.SetDraining(false)
	rec = httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadinessHandler_UnhealthyComponent(t *testing.T) {
	t.Parallel()

	c := NewChecker("dev")
	c.RegisterCheck("bad", staticCheck(Unhealthy("bad", "down")))

	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLivenessHandler_IgnoresHealth(t *testing.T) {
	t.Parallel()

	c := NewChecker("dev")
	c.RegisterCheck("bad", staticCheck(Unhealthy("bad", "down")))
	c.SetDraining(true)

	rec := httptest.NewRecorder()
	c.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}

func TestCacheCheck(t *testing.T) {
	t.Parallel()

	check := CacheCheck(nil)(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, "disabled", check.Message)

	disabled, err := cache.NewManager(config.CacheConfig{Enabled: false}, nil, observability.NopLogger(), nil)
	require.NoError(t, err)
	check = CacheCheck(disabled)(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, "disabled", check.Message)

	enabled, err := cache.NewManager(config.CacheConfig{Enabled: true, Store: "memory"}, nil, observability.NopLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = enabled.Close() })
	check = CacheCheck(enabled)(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
}

func TestBackendsCheck(t *testing.T) {
	t.Parallel()

	check := BackendsCheck(nil)(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)

	empty := backend.NewRegistry(observability.NopLogger(), nil)
	check = BackendsCheck(empty)(context.Background())
	assert.Equal(t, StatusDegraded, check.Status)
	assert.Equal(t, "no hosts registered", check.Message)

	// Hosts start in the unknown state, which counts as usable until a
	// probe says otherwise.
	registry := backend.NewRegistry(observability.NopLogger(), nil)
	require.NoError(t, registry.LoadFromConfig([]config.BackendConfig{
		{Name: "api", Hosts: []string{"http://127.0.0.1:1"}},
	}))
	check = BackendsCheck(registry)(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
}

func TestSecretsCheck(t *testing.T) {
	t.Parallel()

	check := SecretsCheck(nil)(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, "not configured", check.Message)

	provider := secrets.NewEnvProvider("TEST_SECRET_", observability.NopLogger())
	check = SecretsCheck(provider)(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
}
