package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/apexgate/apexgate/internal/audit"
	"github.com/apexgate/apexgate/internal/auth"
	"github.com/apexgate/apexgate/internal/backend"
	"github.com/apexgate/apexgate/internal/cache"
	"github.com/apexgate/apexgate/internal/circuitbreaker"
	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/fallback"
	"github.com/apexgate/apexgate/internal/gateway"
	"github.com/apexgate/apexgate/internal/health"
	"github.com/apexgate/apexgate/internal/observability"
	"github.com/apexgate/apexgate/internal/ratelimit"
	"github.com/apexgate/apexgate/internal/router"
	"github.com/apexgate/apexgate/internal/secrets"
)

// defaultShutdownTimeout bounds graceful shutdown when the config does
// not set one.
const defaultShutdownTimeout = 30 * time.Second

// application owns every gateway component and their lifecycles.
type application struct {
	cfg     *config.Config
	cfgPath string
	logger  observability.Logger

	metrics  *observability.Metrics
	tracer   *observability.Tracer
	provider secrets.Provider
	audit    audit.Recorder

	registry *backend.Registry
	cache    *cache.Manager
	auth     *auth.Authenticator
	limiter  *ratelimit.Limiter
	breakers *circuitbreaker.Group
	fallback *fallback.Handler
	table    *router.Table

	server  *gateway.Server
	admin   *gateway.AdminServer
	checker *health.Checker
	watcher *config.Watcher
}

// buildApplication wires the gateway from a validated configuration.
// Secrets resolve first so every later component sees plain values.
func buildApplication(cfgPath string, cfg *config.Config, logger observability.Logger) (*application, error) {
	ctx := context.Background()

	provider, err := secrets.NewProvider(cfg.Secrets, logger)
	if err != nil {
		return nil, fmt.Errorf("secrets provider: %w", err)
	}
	resolver := secrets.NewResolver(provider, logger)
	if err := resolver.ResolveConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("resolve secrets: %w", err)
	}

	metrics := observability.NewMetrics(cfg.Metrics.Namespace)
	metrics.SetBuildInfo(version, commit, buildTime)

	recorder, err := audit.NewRecorder(cfg.Audit, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	var tracer *observability.Tracer
	if cfg.Tracing.Enabled {
		tracer, err = observability.NewTracer(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("tracer: %w", err)
		}
	}

	registry := backend.NewRegistry(logger, metrics)
	if err := registry.LoadFromConfig(cfg.Backends); err != nil {
		return nil, fmt.Errorf("backends: %w", err)
	}
	invoker := backend.NewInvoker(registry, cfg.Retry, logger, metrics,
		backend.WithGatewayVersion(version))

	cacheManager, err := cache.NewManager(cfg.Cache, cfg.Invalidation, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	if err := cacheManager.CompileConditions(cfg.Routes); err != nil {
		return nil, fmt.Errorf("cache conditions: %w", err)
	}

	authenticator, err := auth.NewAuthenticator(ctx, cfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimit, logger)
	breakers := circuitbreaker.NewGroup(logger, metrics)

	fb := fallback.NewHandler(cacheManager, invoker, logger, metrics)
	if err := fb.CompileRoutes(cfg.Routes); err != nil {
		return nil, fmt.Errorf("fallbacks: %w", err)
	}

	table := router.NewTable()
	if err := table.Load(cfg.Routes); err != nil {
		return nil, fmt.Errorf("routes: %w", err)
	}
	versions := router.NewVersionResolver(cfg.Versioning)

	dispatcher, err := gateway.NewDispatcher(cfg, table, versions, invoker,
		gateway.WithAuth(authenticator),
		gateway.WithLimiter(limiter),
		gateway.WithCache(cacheManager),
		gateway.WithBreakers(breakers),
		gateway.WithFallback(fb),
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	server := gateway.NewServer(cfg.Server,
		gateway.BuildHandler(dispatcher, logger, metrics, tracer), logger)

	checker := health.NewChecker(version)
	checker.RegisterCheck("cache", health.CacheCheck(cacheManager))
	checker.RegisterCheck("backends", health.BackendsCheck(registry))
	checker.RegisterCheck("secrets", health.SecretsCheck(provider))

	app := &application{
		cfg:      cfg,
		cfgPath:  cfgPath,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		provider: provider,
		audit:    recorder,
		registry: registry,
		cache:    cacheManager,
		auth:     authenticator,
		limiter:  limiter,
		breakers: breakers,
		fallback: fb,
		table:    table,
		server:   server,
		checker:  checker,
	}

	if cfg.Admin.Enabled {
		app.admin = gateway.NewAdminServer(cfg.Admin, gateway.AdminDeps{
			Table:    table,
			Cache:    cacheManager,
			Breakers: breakers,
			Registry: registry,
			Stats:    dispatcher.Stats(),
			Metrics:  metrics,
			Health:   checker,
			Audit:    recorder,
			Logger:   logger,
		})
	}

	watcher, err := config.NewWatcher(cfgPath, app.applyConfig,
		config.WithLogger(logger),
		config.WithErrorCallback(func(err error) {
			logger.Error("config reload failed, previous configuration kept",
				observability.Error(err))
		}))
	if err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled",
			observability.Error(err))
	} else {
		app.watcher = watcher
	}

	return app, nil
}

// applyConfig swaps the hot-reloadable parts of a freshly validated
// configuration: routes, fallbacks, cache conditions, rate limit
// classes, and API keys. Listener, backend, and cache store topology
// need a restart.
func (a *application) applyConfig(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	abort := func(reason string, err error) {
		a.logger.Error("config reload aborted, "+reason, observability.Error(err))
		a.audit.Record(ctx, audit.ActionConfigReload, audit.OutcomeFailure, "system",
			map[string]string{"reason": reason, "error": err.Error()})
	}

	resolver := secrets.NewResolver(a.provider, a.logger)
	if err := resolver.ResolveConfig(ctx, cfg); err != nil {
		abort("secret resolution failed", err)
		return
	}

	if err := a.cache.CompileConditions(cfg.Routes); err != nil {
		abort("cache condition rejected", err)
		return
	}
	if err := a.fallback.CompileRoutes(cfg.Routes); err != nil {
		abort("fallback rejected", err)
		return
	}
	if err := a.table.Load(cfg.Routes); err != nil {
		abort("routes rejected", err)
		return
	}

	a.limiter.Reload(cfg.RateLimit)
	a.auth.ReloadKeys(cfg.Auth.APIKeys)

	// Dropping the breakers re-derives per-route policies from the new
	// routes on next use.
	a.breakers.Clear()

	a.audit.Record(ctx, audit.ActionConfigReload, audit.OutcomeSuccess, "system",
		map[string]string{"routes": strconv.Itoa(a.table.Len())})
	a.logger.Info("configuration reloaded",
		observability.Int("routes", a.table.Len()),
		observability.Int("apiKeys", len(cfg.Auth.APIKeys)))
}

// run starts every component and blocks until a shutdown signal.
func (a *application) run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.registry.StartAll(ctx)

	if err := a.server.Start(ctx); err != nil {
		return err
	}
	if a.admin != nil {
		if err := a.admin.Start(ctx); err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
			defer cancel()
			_ = a.server.Stop(stopCtx)
			return err
		}
	}
	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			a.logger.Warn("config watcher failed to start", observability.Error(err))
		}
	}

	a.logger.Info("gateway started",
		observability.String("version", version),
		observability.String("addr", a.server.Addr()),
		observability.Int("routes", a.table.Len()),
		observability.Int("backends", len(a.cfg.Backends)))

	<-ctx.Done()
	a.logger.Info("shutdown signal received")
	return a.shutdown()
}

// shutdown drains traffic and releases every component, in reverse
// start order. All failures are collected rather than aborting early.
func (a *application) shutdown() error {
	// Flip readiness first so load balancers stop routing to us while
	// in-flight requests drain.
	a.checker.SetDraining(true)

	timeout := a.cfg.Server.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("watcher: %w", err))
		}
	}
	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if a.admin != nil {
		if err := a.admin.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin: %w", err))
		}
	}

	a.registry.StopAll()
	if err := a.limiter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("limiter: %w", err))
	}
	if err := a.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}
	if err := a.provider.Close(); err != nil {
		errs = append(errs, fmt.Errorf("secrets: %w", err))
	}
	if err := a.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit: %w", err))
	}

	a.logger.Info("gateway stopped")
	return errors.Join(errs...)
}
