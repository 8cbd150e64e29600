package backend

import (
	"sync"
	"sync/atomic"
	"time"
)

// Status is the health status of a backend host.
type Status int32

const (
	// StatusUnknown means the host has not been probed yet. Unknown
	// hosts are eligible for selection so a cold start can serve
	// traffic before the first probe completes.
	StatusUnknown Status = iota
	// StatusHealthy means the host passed its health checks.
	StatusHealthy
	// StatusUnhealthy means the host failed enough consecutive checks
	// to be taken out of rotation.
	StatusUnhealthy
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Host is a single upstream address of a backend.
type Host struct {
	url         string
	status      atomic.Int32
	connections atomic.Int64
	lastUsed    atomic.Int64
}

// NewHost creates a host for a base URL (scheme://host:port).
func NewHost(rawURL string) *Host {
	h := &Host{url: rawURL}
	h.status.Store(int32(StatusUnknown))
	return h
}

// URL returns the host's base URL.
func (h *Host) URL() string {
	return h.url
}

// Status returns the host status.
func (h *Host) Status() Status {
	return Status(h.status.Load())
}

// SetStatus sets the host status.
func (h *Host) SetStatus(status Status) {
	h.status.Store(int32(status))
}

// Connections returns the in-flight request count.
func (h *Host) Connections() int64 {
	return h.connections.Load()
}

func (h *Host) acquire() {
	h.connections.Add(1)
	h.lastUsed.Store(time.Now().UnixNano())
}

func (h *Host) release() {
	h.connections.Add(-1)
}

// LastUsed returns when the host last served a request.
func (h *Host) LastUsed() time.Time {
	return time.Unix(0, h.lastUsed.Load())
}

// roundRobin cycles through the eligible hosts of one backend. Unknown
// hosts count as eligible; only hosts marked unhealthy by the checker
// are skipped.
type roundRobin struct {
	mu      sync.RWMutex
	hosts   []*Host
	current atomic.Uint64
}

func newRoundRobin(hosts []*Host) *roundRobin {
	return &roundRobin{hosts: hosts}
}

// Next returns the next eligible host, or nil when every host is
// unhealthy.
func (b *roundRobin) Next() *Host {
	b.mu.RLock()
	defer b.mu.RUnlock()

	eligible := make([]*Host, 0, len(b.hosts))
	for _, host := range b.hosts {
		if host.Status() != StatusUnhealthy {
			eligible = append(eligible, host)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	idx := b.current.Add(1) - 1
	return eligible[idx%uint64(len(eligible))]
}

// SetHosts replaces the host set.
func (b *roundRobin) SetHosts(hosts []*Host) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hosts = hosts
}
