// Package backend manages upstream services: the registry of named
// backends, round-robin host selection, active health checking, and the
// retrying invoker the dispatcher calls out through.
package backend

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
)

// Backend is one named upstream service with its hosts.
type Backend struct {
	name    string
	hosts   []*Host
	lb      *roundRobin
	checker *HealthChecker
	logger  observability.Logger
}

// NewBackend creates a backend from configuration. Host URLs must be
// absolute http or https URLs.
func NewBackend(cfg config.BackendConfig, logger observability.Logger, metrics *observability.Metrics) (*Backend, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("backend name is required")
	}
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("backend %s: at least one host is required", cfg.Name)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	hosts := make([]*Host, 0, len(cfg.Hosts))
	for i, raw := range cfg.Hosts {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("backend %s: hosts[%d]: %w", cfg.Name, i, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("backend %s: hosts[%d]: %q is not an absolute http(s) URL", cfg.Name, i, raw)
		}
		hosts = append(hosts, NewHost(raw))
	}

	b := &Backend{
		name:   cfg.Name,
		hosts:  hosts,
		lb:     newRoundRobin(hosts),
		logger: logger,
	}

	if cfg.HealthCheck != nil && cfg.HealthCheck.Enabled {
		b.checker = NewHealthChecker(cfg.Name, hosts, *cfg.HealthCheck, logger, metrics)
	}

	return b, nil
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return b.name
}

// SelectHost picks the next eligible host and marks it in use. The
// caller must pair it with ReleaseHost.
func (b *Backend) SelectHost() (*Host, error) {
	host := b.lb.Next()
	if host == nil {
		return nil, fmt.Errorf("backend %s: no healthy hosts", b.name)
	}
	host.acquire()
	return host, nil
}

// ReleaseHost returns a host obtained from SelectHost.
func (b *Backend) ReleaseHost(host *Host) {
	if host != nil {
		host.release()
	}
}

// Hosts returns a snapshot of the backend's hosts.
func (b *Backend) Hosts() []*Host {
	out := make([]*Host, len(b.hosts))
	copy(out, b.hosts)
	return out
}

// Start begins health checking. Without a configured checker every host
// is trusted and marked healthy.
func (b *Backend) Start(ctx context.Context) {
	if b.checker != nil {
		b.checker.Start(ctx)
		return
	}
	for _, host := range b.hosts {
		host.SetStatus(StatusHealthy)
	}
}

// Stop halts health checking.
func (b *Backend) Stop() {
	if b.checker != nil {
		b.checker.Stop()
	}
}

// HostStatus describes one host for the admin API.
type HostStatus struct {
	URL         string `json:"url"`
	Status      string `json:"status"`
	Connections int64  `json:"connections"`
}

// BackendStatus describes one backend for the admin API.
type BackendStatus struct {
	Name  string       `json:"name"`
	Hosts []HostStatus `json:"hosts"`
}

// Registry holds the named backends routes dispatch to.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*Backend
	logger   observability.Logger
	metrics  *observability.Metrics
}

// NewRegistry creates an empty backend registry.
func NewRegistry(logger observability.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{
		backends: make(map[string]*Backend),
		logger:   logger,
		metrics:  metrics,
	}
}

// Register adds a backend. Names must be unique.
func (r *Registry) Register(backend *Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := backend.Name()
	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("backend already registered: %s", name)
	}

	r.backends[name] = backend
	r.logger.Info("registered backend",
		observability.String("name", name),
		observability.Int("hosts", len(backend.hosts)))
	return nil
}

// Get returns a backend by name.
func (r *Registry) Get(name string) (*Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backend, ok := r.backends[name]
	return backend, ok
}

// SelectHost picks a host from the named backend.
func (r *Registry) SelectHost(name string) (*Host, error) {
	backend, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown backend: %s", name)
	}
	return backend.SelectHost()
}

// Health returns the status of every known host address.
func (r *Registry) Health() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Status)
	for _, backend := range r.backends {
		for _, host := range backend.hosts {
			out[host.URL()] = host.Status()
		}
	}
	return out
}

// Statuses returns per-backend host details sorted by name, for the
// admin API.
func (r *Registry) Statuses() []BackendStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BackendStatus, 0, len(r.backends))
	for _, backend := range r.backends {
		bs := BackendStatus{Name: backend.name}
		for _, host := range backend.hosts {
			bs.Hosts = append(bs.Hosts, HostStatus{
				URL:         host.URL(),
				Status:      host.Status().String(),
				Connections: host.Connections(),
			})
		}
		out = append(out, bs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StartAll starts every backend's health checking.
func (r *Registry) StartAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, backend := range r.backends {
		backend.Start(ctx)
	}
}

// StopAll stops every backend.
func (r *Registry) StopAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, backend := range r.backends {
		backend.Stop()
	}
}

// LoadFromConfig builds and registers backends from configuration.
func (r *Registry) LoadFromConfig(backends []config.BackendConfig) error {
	for _, cfg := range backends {
		backend, err := NewBackend(cfg, r.logger, r.metrics)
		if err != nil {
			return err
		}
		if err := r.Register(backend); err != nil {
			return err
		}
	}
	return nil
}
