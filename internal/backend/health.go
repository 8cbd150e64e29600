package backend

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
)

const (
	// DefaultHealthCheckTimeout bounds one probe request.
	DefaultHealthCheckTimeout = 5 * time.Second

	// DefaultHealthCheckInterval is the pause between probe rounds.
	DefaultHealthCheckInterval = 10 * time.Second

	// DefaultHealthCheckPath is probed when none is configured.
	DefaultHealthCheckPath = "/health"

	// DefaultHealthyThreshold is how many consecutive successes mark a
	// host healthy.
	DefaultHealthyThreshold = 2

	// DefaultUnhealthyThreshold is how many consecutive failures mark a
	// host unhealthy.
	DefaultUnhealthyThreshold = 3
)

// HealthChecker periodically probes a backend's hosts and flips their
// status once the configured thresholds are crossed.
type HealthChecker struct {
	backend string
	hosts   []*Host
	path    string
	client  *http.Client
	logger  observability.Logger
	metrics *observability.Metrics

	interval           time.Duration
	healthyThreshold   int
	unhealthyThreshold int

	mu              sync.Mutex
	running         bool
	healthyCounts   map[*Host]int
	unhealthyCounts map[*Host]int

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewHealthChecker creates a checker for one backend's hosts.
func NewHealthChecker(
	backend string,
	hosts []*Host,
	cfg config.HealthCheckConfig,
	logger observability.Logger,
	metrics *observability.Metrics,
) *HealthChecker {
	if logger == nil {
		logger = observability.NopLogger()
	}

	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = DefaultHealthCheckTimeout
	}
	interval := cfg.Interval.Duration()
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	path := cfg.Path
	if path == "" {
		path = DefaultHealthCheckPath
	}

	hc := &HealthChecker{
		backend:            backend,
		hosts:              hosts,
		path:               path,
		client:             &http.Client{Timeout: timeout},
		logger:             logger,
		metrics:            metrics,
		interval:           interval,
		healthyThreshold:   cfg.HealthyThreshold,
		unhealthyThreshold: cfg.UnhealthyThreshold,
		healthyCounts:      make(map[*Host]int),
		unhealthyCounts:    make(map[*Host]int),
		stopCh:             make(chan struct{}),
		stoppedCh:          make(chan struct{}),
	}

	if hc.healthyThreshold <= 0 {
		hc.healthyThreshold = DefaultHealthyThreshold
	}
	if hc.unhealthyThreshold <= 0 {
		hc.unhealthyThreshold = DefaultUnhealthyThreshold
	}

	return hc
}

// Start launches the probe loop. Starting twice is a no-op.
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	hc.mu.Unlock()

	go hc.run(ctx)
}

// Stop halts the probe loop and waits for it to exit.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	hc.mu.Unlock()

	close(hc.stopCh)
	<-hc.stoppedCh
}

// IsRunning reports whether the probe loop is active.
func (hc *HealthChecker) IsRunning() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.running
}

func (hc *HealthChecker) run(ctx context.Context) {
	defer close(hc.stoppedCh)

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	hc.checkAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hc.stopCh:
			return
		case <-ticker.C:
			hc.checkAll(ctx)
		}
	}
}

func (hc *HealthChecker) checkAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, host := range hc.hosts {
		wg.Add(1)
		go func(h *Host) {
			defer wg.Done()
			hc.checkHost(ctx, h)
		}(host)
	}
	wg.Wait()
}

func (hc *HealthChecker) checkHost(ctx context.Context, host *Host) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host.URL()+hc.path, http.NoBody)
	if err != nil {
		hc.recordFailure(host, err)
		return
	}

	resp, err := hc.client.Do(req)
	if err != nil {
		hc.recordFailure(host, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		hc.recordSuccess(host)
	} else {
		hc.recordFailure(host, nil)
	}
}

func (hc *HealthChecker) recordSuccess(host *Host) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.healthyCounts[host]++
	hc.unhealthyCounts[host] = 0

	if hc.healthyCounts[host] < hc.healthyThreshold {
		return
	}
	if host.Status() == StatusHealthy {
		return
	}

	host.SetStatus(StatusHealthy)
	hc.setHealthGauge(host, true)
	hc.logger.Info("backend host became healthy",
		observability.String("backend", hc.backend),
		observability.String("host", host.URL()))
}

func (hc *HealthChecker) recordFailure(host *Host, err error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.unhealthyCounts[host]++
	hc.healthyCounts[host] = 0

	if hc.unhealthyCounts[host] < hc.unhealthyThreshold {
		return
	}
	if host.Status() == StatusUnhealthy {
		return
	}

	host.SetStatus(StatusUnhealthy)
	hc.setHealthGauge(host, false)
	hc.logger.Warn("backend host became unhealthy",
		observability.String("backend", hc.backend),
		observability.String("host", host.URL()),
		observability.Error(err))
}

func (hc *HealthChecker) setHealthGauge(host *Host, healthy bool) {
	if hc.metrics != nil {
		hc.metrics.SetBackendHealth(hc.backend, host.URL(), healthy)
	}
}
