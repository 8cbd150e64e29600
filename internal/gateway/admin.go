package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/apexgate/apexgate/internal/audit"
	"github.com/apexgate/apexgate/internal/backend"
	"github.com/apexgate/apexgate/internal/cache"
	"github.com/apexgate/apexgate/internal/circuitbreaker"
	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/health"
	"github.com/apexgate/apexgate/internal/observability"
	"github.com/apexgate/apexgate/internal/router"
)

var ginModeOnce sync.Once

// AdminDeps are the components the admin API operates on.
type AdminDeps struct {
	Table    *router.Table
	Cache    *cache.Manager
	Breakers *circuitbreaker.Group
	Registry *backend.Registry
	Stats    *Stats
	Metrics  *observability.Metrics
	Health   *health.Checker
	Audit    audit.Recorder
	Logger   observability.Logger
}

// AdminServer serves the management API on its own listener: route
// management, cache invalidation, breaker inspection, backend health,
// gateway analytics, Prometheus metrics, and the orchestration probes.
// Everything under /admin requires basic auth against the configured
// bcrypt hash.
type AdminServer struct {
	cfg    config.AdminConfig
	deps   AdminDeps
	logger observability.Logger

	engine  *gin.Engine
	server  *http.Server
	running atomic.Bool

	addr atomic.Value // string
}

// NewAdminServer builds the admin API around its dependencies.
func NewAdminServer(cfg config.AdminConfig, deps AdminDeps) *AdminServer {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NopRecorder()
	}

	s := &AdminServer{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	s.engine = engine
	s.registerRoutes()

	s.server = &http.Server{
		Addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler: engine,
	}
	return s
}

// Handler exposes the admin engine, mainly for tests.
func (s *AdminServer) Handler() http.Handler {
	return s.engine
}

func (s *AdminServer) registerRoutes() {
	// Orchestration probes and metrics stay unauthenticated so load
	// balancers and scrapers need no credentials.
	if s.deps.Health != nil {
		s.engine.GET("/health", gin.WrapF(s.deps.Health.Handler()))
		s.engine.GET("/ready", gin.WrapF(s.deps.Health.ReadinessHandler()))
		s.engine.GET("/live", gin.WrapF(s.deps.Health.LivenessHandler()))
	}
	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	admin := s.engine.Group("/admin", s.basicAuth())
	admin.GET("/routes", s.listRoutes)
	admin.POST("/routes", s.addRoute)
	admin.DELETE("/routes", s.removeRoute)
	admin.GET("/stats", s.gatewayStats)
	admin.POST("/cache/invalidate", s.invalidateCache)
	admin.GET("/breakers", s.listBreakers)
	admin.POST("/breakers/reset", s.resetBreakers)
	admin.GET("/backends", s.listBackends)
}

// basicAuth guards the admin group. The configured password is a bcrypt
// hash; missing credentials config fails closed.
func (s *AdminServer) basicAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, pass, ok := c.Request.BasicAuth()
		if !ok || s.cfg.Username == "" || s.cfg.PasswordHash == "" ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.Username)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(s.cfg.PasswordHash), []byte(pass)) != nil {
			c.Header("WWW-Authenticate", `Basic realm="gateway admin"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *AdminServer) listRoutes(c *gin.Context) {
	routes := s.deps.Table.Routes()
	c.JSON(http.StatusOK, gin.H{
		"routes": routes,
		"count":  len(routes),
	})
}

func (s *AdminServer) addRoute(c *gin.Context) {
	var route config.RouteConfig
	if err := c.ShouldBindJSON(&route); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid route body", "detail": err.Error()})
		return
	}

	if route.Backend != "" && s.deps.Registry != nil {
		if _, ok := s.deps.Registry.Get(route.Backend); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown backend %q", route.Backend)})
			return
		}
	}

	if err := s.deps.Table.Add(route); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info("route added via admin api",
		observability.String("method", route.Method),
		observability.String("path", route.Path),
		observability.String("version", route.Version))
	s.deps.Audit.Record(c.Request.Context(), audit.ActionRouteAdd, audit.OutcomeSuccess, s.cfg.Username,
		map[string]string{"route": route.Method + " " + route.Path})
	c.JSON(http.StatusCreated, gin.H{"route": route.Method + " " + route.Path})
}

func (s *AdminServer) removeRoute(c *gin.Context) {
	method := c.Query("method")
	path := c.Query("path")
	if method == "" || path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "method and path query parameters are required"})
		return
	}

	if !s.deps.Table.Remove(method, path, c.Query("version")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such route"})
		return
	}

	s.logger.Info("route removed via admin api",
		observability.String("method", method),
		observability.String("path", path))
	s.deps.Audit.Record(c.Request.Context(), audit.ActionRouteRemove, audit.OutcomeSuccess, s.cfg.Username,
		map[string]string{"route": method + " " + path})
	c.JSON(http.StatusOK, gin.H{"removed": method + " " + path})
}

func (s *AdminServer) gatewayStats(c *gin.Context) {
	payload := gin.H{
		"routes": s.deps.Table.Len(),
	}
	if s.deps.Stats != nil {
		payload["gateway"] = s.deps.Stats.Snapshot()
	}
	if s.deps.Cache != nil {
		payload["cache"] = s.deps.Cache.Stats()
	}
	if s.deps.Breakers != nil {
		payload["breakers"] = s.deps.Breakers.Len()
	}
	c.JSON(http.StatusOK, payload)
}

type invalidateRequest struct {
	Pattern string   `json:"pattern"`
	Tags    []string `json:"tags"`
	Path    string   `json:"path"`
}

func (s *AdminServer) invalidateCache(c *gin.Context) {
	if s.deps.Cache == nil || !s.deps.Cache.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cache disabled"})
		return
	}

	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invalidation body", "detail": err.Error()})
		return
	}

	var (
		n        int
		err      error
		criteria string
	)
	switch {
	case len(req.Tags) > 0:
		criteria = "tags " + strings.Join(req.Tags, ",")
		n, err = s.deps.Cache.InvalidateByTags(c.Request.Context(), req.Tags)
	case req.Pattern != "":
		criteria = "pattern " + req.Pattern
		n, err = s.deps.Cache.Invalidate(c.Request.Context(), req.Pattern)
	case req.Path != "":
		criteria = "path " + req.Path
		n, err = s.deps.Cache.InvalidateByPath(c.Request.Context(), req.Path)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "one of pattern, tags, or path is required"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.deps.Audit.Record(c.Request.Context(), audit.ActionCacheInvalidate, audit.OutcomeSuccess, s.cfg.Username,
		map[string]string{"criteria": criteria, "entries": strconv.Itoa(n)})
	c.JSON(http.StatusOK, gin.H{"invalidated": n})
}

func (s *AdminServer) listBreakers(c *gin.Context) {
	if s.deps.Breakers == nil {
		c.JSON(http.StatusOK, gin.H{"breakers": []circuitbreaker.Stats{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"breakers": s.deps.Breakers.Stats()})
}

type breakerResetRequest struct {
	Name string `json:"name"`
}

func (s *AdminServer) resetBreakers(c *gin.Context) {
	if s.deps.Breakers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no breakers configured"})
		return
	}

	var req breakerResetRequest
	// An empty body resets everything.
	_ = c.ShouldBindJSON(&req)

	if req.Name == "" {
		s.deps.Breakers.ResetAll()
		s.logger.Info("all circuit breakers reset via admin api")
		s.deps.Audit.Record(c.Request.Context(), audit.ActionBreakerReset, audit.OutcomeSuccess, s.cfg.Username,
			map[string]string{"breaker": "all"})
		c.JSON(http.StatusOK, gin.H{"reset": "all"})
		return
	}

	if !s.deps.Breakers.Reset(req.Name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such breaker"})
		return
	}
	s.logger.Info("circuit breaker reset via admin api", observability.String("breaker", req.Name))
	s.deps.Audit.Record(c.Request.Context(), audit.ActionBreakerReset, audit.OutcomeSuccess, s.cfg.Username,
		map[string]string{"breaker": req.Name})
	c.JSON(http.StatusOK, gin.H{"reset": req.Name})
}

func (s *AdminServer) listBackends(c *gin.Context) {
	if s.deps.Registry == nil {
		c.JSON(http.StatusOK, gin.H{"backends": []backend.BackendStatus{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"backends": s.deps.Registry.Statuses()})
}

// Start binds the admin listener and serves in the background.
func (s *AdminServer) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("gateway: admin server already running")
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.server.Addr)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("gateway: admin listen on %s: %w", s.server.Addr, err)
	}
	s.addr.Store(ln.Addr().String())

	s.logger.Info("admin api listening", observability.String("addr", ln.Addr().String()))

	go func() {
		if serveErr := s.server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("admin server error", observability.Error(serveErr))
		}
		s.running.Store(false)
	}()

	return nil
}

// Stop shuts the admin listener down gracefully.
func (s *AdminServer) Stop(ctx context.Context) error {
	if !s.running.Load() {
		return nil
	}

	s.logger.Info("stopping admin server")
	if err := s.server.Shutdown(ctx); err != nil {
		return s.server.Close()
	}
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *AdminServer) Addr() string {
	if v, ok := s.addr.Load().(string); ok {
		return v
	}
	return ""
}
