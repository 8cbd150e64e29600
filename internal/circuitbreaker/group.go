package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
)

// Group owns the circuit breakers for a dispatcher instance. Breakers are
// created lazily on first use and keyed by method and path, so two routes
// backed by the same service still fail independently.
type Group struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	logger   observability.Logger
	metrics  *observability.Metrics
}

// NewGroup returns an empty breaker group.
func NewGroup(logger observability.Logger, metrics *observability.Metrics) *Group {
	return &Group{
		breakers: make(map[string]*Breaker),
		logger:   logger,
		metrics:  metrics,
	}
}

// Get returns the breaker for the given method and path, creating it with
// cfg if it does not exist yet. The configuration is only applied on
// creation; later calls with a different cfg return the existing breaker.
func (g *Group) Get(method, path string, cfg config.CircuitBreakerConfig) *Breaker {
	key := method + " " + path

	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.breakers[key]; ok {
		return b
	}

	b := New(key, cfg, g.logger, g.metrics)
	g.breakers[key] = b
	return b
}

// Stats returns a snapshot of every breaker in the group, sorted by name.
func (g *Group) Stats() []Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Stats, 0, len(g.breakers))
	for _, b := range g.breakers {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset closes the named breaker and clears its failure count. It returns
// false when no breaker with that name exists.
func (g *Group) Reset(name string) bool {
	g.mu.Lock()
	b, ok := g.breakers[name]
	g.mu.Unlock()

	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll closes every breaker in the group.
func (g *Group) ResetAll() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, b := range g.breakers {
		b.Reset()
	}
}

// Clear drops all breakers. Called on configuration reload so stale
// per-route policies do not outlive the routes that created them.
func (g *Group) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.breakers = make(map[string]*Breaker)
}

// Len reports the number of breakers currently tracked.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.breakers)
}
