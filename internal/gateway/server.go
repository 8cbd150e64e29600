package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/middleware"
	"github.com/apexgate/apexgate/internal/observability"
)

// Server is the public gateway listener. It owns the http.Server
// wrapping the dispatch pipeline and its middleware chain.
type Server struct {
	cfg     config.ServerConfig
	server  *http.Server
	logger  observability.Logger
	running atomic.Bool

	addr atomic.Value // string, set once the listener is bound
}

// BuildHandler wraps the dispatcher in the standard middleware chain:
// panic recovery outermost, then request id assignment, access logging,
// and tracing when a tracer is configured.
func BuildHandler(d http.Handler, logger observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) http.Handler {
	mws := []middleware.Middleware{
		middleware.Recovery(logger, metrics),
		middleware.RequestID(),
		middleware.AccessLog(logger),
	}
	if tracer != nil {
		mws = append(mws, observability.TracingMiddleware(tracer))
	}
	return middleware.Chain(d, mws...)
}

// NewServer creates the gateway listener around an assembled handler.
func NewServer(cfg config.ServerConfig, handler http.Handler, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
	}
	s.server = &http.Server{
		Addr:           net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:        handler,
		ReadTimeout:    cfg.ReadTimeout.Duration(),
		WriteTimeout:   cfg.WriteTimeout.Duration(),
		IdleTimeout:    cfg.IdleTimeout.Duration(),
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
	return s
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("gateway: server already running")
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.server.Addr)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("gateway: listen on %s: %w", s.server.Addr, err)
	}
	s.addr.Store(ln.Addr().String())

	s.logger.Info("gateway listening", observability.String("addr", ln.Addr().String()))

	go func() {
		if serveErr := s.server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("gateway server error", observability.Error(serveErr))
		}
		s.running.Store(false)
	}()

	return nil
}

// Stop drains in-flight requests until ctx expires, then forces the
// listener closed.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.Load() {
		return nil
	}

	s.logger.Info("stopping gateway server")
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("graceful shutdown incomplete, closing", observability.Error(err))
		return s.server.Close()
	}
	return nil
}

// IsRunning reports whether the listener is serving.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	if v, ok := s.addr.Load().(string); ok {
		return v
	}
	return ""
}
