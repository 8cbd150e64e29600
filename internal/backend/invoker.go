package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
	"github.com/apexgate/apexgate/internal/retry"
	"github.com/apexgate/apexgate/internal/util"
)

const (
	// HeaderRequestID carries the gateway-assigned request id upstream.
	HeaderRequestID = "X-Gateway-Request-ID"

	// HeaderGatewayVersion identifies the gateway build upstream.
	HeaderGatewayVersion = "X-Gateway-Version"

	// DefaultAttemptTimeout bounds one backend attempt when the route
	// does not override it.
	DefaultAttemptTimeout = 30 * time.Second

	backendTracerName = "apexgate/backend"
)

// Call describes one dispatch to a named backend. Body is held as bytes
// so every retry attempt sends it verbatim.
type Call struct {
	Backend   string
	Method    string
	Path      string
	Query     url.Values
	Headers   http.Header
	Body      []byte
	Route     *config.RouteConfig
	RequestID string
}

// Result is a completed backend response.
type Result struct {
	Status   int
	Headers  http.Header
	Body     []byte
	Host     string
	Attempts int
	Duration time.Duration
}

// Invoker executes backend calls with per-attempt timeouts and the
// configured retry policy. Server errors and network failures are
// retried; 4xx answers are final.
type Invoker struct {
	registry    *Registry
	client      *http.Client
	retryPolicy config.RetryConfig
	timeout     time.Duration
	version     string
	logger      observability.Logger
	metrics     *observability.Metrics
}

// InvokerOption configures optional invoker behavior.
type InvokerOption func(*Invoker)

// WithHTTPClient replaces the pooled default client.
func WithHTTPClient(client *http.Client) InvokerOption {
	return func(inv *Invoker) {
		inv.client = client
	}
}

// WithAttemptTimeout sets the default per-attempt timeout.
func WithAttemptTimeout(d time.Duration) InvokerOption {
	return func(inv *Invoker) {
		inv.timeout = d
	}
}

// WithGatewayVersion sets the X-Gateway-Version header value.
func WithGatewayVersion(version string) InvokerOption {
	return func(inv *Invoker) {
		inv.version = version
	}
}

// NewInvoker creates an invoker over the registry's backends.
func NewInvoker(
	registry *Registry,
	retryPolicy config.RetryConfig,
	logger observability.Logger,
	metrics *observability.Metrics,
	opts ...InvokerOption,
) *Invoker {
	if logger == nil {
		logger = observability.NopLogger()
	}

	inv := &Invoker{
		registry:    registry,
		client:      newPooledClient(),
		retryPolicy: retryPolicy,
		timeout:     DefaultAttemptTimeout,
		version:     "dev",
		logger:      logger,
		metrics:     metrics,
	}

	for _, opt := range opts {
		opt(inv)
	}

	return inv
}

// newPooledClient builds the shared upstream client. No client-level
// timeout: the per-attempt context owns the deadline.
func newPooledClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       100,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// Invoke runs the call against its backend, retrying per policy.
//
// The error return classifies the outcome:
//   - nil: the result is a usable response (may still be a 4xx).
//   - *util.UpstreamStatusError alongside a non-nil result: the backend
//     kept answering 5xx through every attempt; the final response is
//     returned so the caller can serve it, the error so the caller can
//     count the failure.
//   - *util.BackendError (wrapping a timeout or network cause): no
//     usable response was obtained.
//   - a context error when the caller's context ended first.
func (inv *Invoker) Invoke(ctx context.Context, call Call) (*Result, error) {
	backend, ok := inv.registry.Get(call.Backend)
	if !ok {
		return nil, util.NewBackendError(call.Backend, "unknown backend", 0, nil)
	}

	policy := inv.retryPolicy
	timeout := inv.timeout
	routeKey := call.Method + " " + call.Path
	if call.Route != nil {
		policy = call.Route.RetryPolicy(policy)
		if call.Route.Timeout > 0 {
			timeout = call.Route.Timeout.Duration()
		}
		routeKey = call.Route.Method + " " + call.Route.Path
	}

	start := time.Now()
	attempts := 0
	var result *Result

	err := retry.Do(ctx, policy, func() error {
		attempts++
		res, err := inv.attempt(ctx, backend, call, timeout)
		if err != nil {
			return err
		}
		result = res
		if res.Status >= http.StatusInternalServerError {
			return util.NewUpstreamStatusError(res.Status)
		}
		return nil
	}, &retry.Options{
		ShouldRetry: retry.IsRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			if inv.metrics != nil {
				inv.metrics.RecordRetryAttempt(routeKey)
			}
			inv.logger.Warn("retrying backend call",
				observability.String("backend", call.Backend),
				observability.String("method", call.Method),
				observability.String("path", call.Path),
				observability.Int("attempt", attempt),
				observability.Duration("backoff", delay),
				observability.Error(err))
		},
	})

	if result != nil {
		result.Attempts = attempts
		result.Duration = time.Since(start)
	}

	if err == nil {
		return result, nil
	}

	var statusErr *util.UpstreamStatusError
	if errors.As(err, &statusErr) {
		// The 5xx response is still the answer; the error carries the
		// failure for breaker accounting.
		return result, err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, util.NewBackendError(call.Backend, "request failed", attempts, err)
}

// attempt performs a single backend request with its own deadline.
func (inv *Invoker) attempt(ctx context.Context, backend *Backend, call Call, timeout time.Duration) (*Result, error) {
	host, err := backend.SelectHost()
	if err != nil {
		return nil, err
	}
	defer backend.ReleaseHost(host)

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attemptCtx, span := otel.Tracer(backendTracerName).Start(attemptCtx, "backend.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("backend.name", backend.Name()),
			attribute.String("backend.host", host.URL()),
			attribute.String("http.method", call.Method),
		),
	)
	defer span.End()

	reqURL := host.URL() + call.Path
	if len(call.Query) > 0 {
		reqURL += "?" + call.Query.Encode()
	}

	// A fresh reader per attempt keeps the body identical across
	// retries.
	var body io.Reader = http.NoBody
	if len(call.Body) > 0 {
		body = bytes.NewReader(call.Body)
	}

	req, err := http.NewRequestWithContext(attemptCtx, call.Method, reqURL, body)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	for k, vs := range call.Headers {
		req.Header[k] = append([]string(nil), vs...)
	}
	if call.RequestID != "" {
		req.Header.Set(HeaderRequestID, call.RequestID)
	}
	req.Header.Set(HeaderGatewayVersion, inv.version)

	resp, err := inv.client.Do(req)
	if err != nil {
		err = inv.classifyAttemptError(ctx, attemptCtx, err, timeout, "backend call")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		err = inv.classifyAttemptError(ctx, attemptCtx, err, timeout, "backend response read")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, resp.Status)
	}

	return &Result{
		Status:  resp.StatusCode,
		Headers: resp.Header.Clone(),
		Body:    respBody,
		Host:    host.URL(),
	}, nil
}

// classifyAttemptError turns a deadline overrun of the attempt context
// into a TimeoutError so it is distinguishable from other network
// failures. A parent-context cancellation passes through untouched.
func (inv *Invoker) classifyAttemptError(parent, attempt context.Context, err error, timeout time.Duration, op string) error {
	if errors.Is(attempt.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return util.NewTimeoutError(op, timeout, err)
	}
	return err
}
