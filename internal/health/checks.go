package health

import (
	"context"
	"fmt"

	"github.com/apexgate/apexgate/internal/backend"
	"github.com/apexgate/apexgate/internal/cache"
	"github.com/apexgate/apexgate/internal/secrets"
)

// CacheCheck probes the response cache store. A disabled cache is
// healthy; an unreachable store is not.
func CacheCheck(manager *cache.Manager) CheckFunc {
	return func(ctx context.Context) Check {
		if manager == nil || !manager.Enabled() {
			c := Healthy("cache")
			c.Message = "disabled"
			return c
		}
		if err := manager.Ping(ctx); err != nil {
			return Unhealthy("cache", err.Error())
		}
		return Healthy("cache")
	}
}

// BackendsCheck grades upstream capacity: unhealthy when no host can
// take traffic, degraded when some are down.
func BackendsCheck(registry *backend.Registry) CheckFunc {
	return func(_ context.Context) Check {
		if registry == nil {
			return Unhealthy("backends", "no registry")
		}

		hosts := registry.Health()
		if len(hosts) == 0 {
			return Degraded("backends", "no hosts registered")
		}

		usable, total := 0, 0
		for _, status := range hosts {
			total++
			if status != backend.StatusUnhealthy {
				usable++
			}
		}

		switch {
		case usable == 0:
			return Unhealthy("backends", "no usable upstream hosts")
		case usable < total:
			return Degraded("backends", fmt.Sprintf("%d/%d hosts usable", usable, total))
		}
		return Healthy("backends")
	}
}

// SecretsCheck probes the secrets provider backing secret references.
func SecretsCheck(provider secrets.Provider) CheckFunc {
	return func(ctx context.Context) Check {
		if provider == nil {
			c := Healthy("secrets")
			c.Message = "not configured"
			return c
		}
		if err := provider.HealthCheck(ctx); err != nil {
			return Unhealthy("secrets", err.Error())
		}
		return Healthy("secrets")
	}
}
