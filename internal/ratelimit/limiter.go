// Package ratelimit enforces per-identity request budgets. Identities
// map to a named limit class; each (class, identity) pair gets its own
// token bucket. Buckets idle past their TTL are reaped by a background
// loop so the map does not grow with one-off callers.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
)

// Cleanup defaults.
const (
	DefaultCleanupInterval = 5 * time.Minute
	DefaultEntryTTL        = 10 * time.Minute
)

// fallbackClass bounds identities when no class is configured at all.
var fallbackClass = config.RateLimitClass{
	Requests: 100,
	Window:   config.Duration(time.Minute),
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Limit is the configured requests-per-window ceiling. Zero means
	// limiting was disabled for this check.
	Limit int

	// Remaining is the budget left after this check.
	Remaining int

	// Reset is when the budget is fully replenished.
	Reset time.Time

	// RetryAfter is how long to wait before the next attempt. Zero
	// when the request was allowed.
	RetryAfter time.Duration
}

type classLimit struct {
	requests int
	window   time.Duration
	rate     rate.Limit
	burst    int
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks token buckets per (class, identity) pair.
type Limiter struct {
	mu      sync.Mutex
	enabled bool
	classes map[string]classLimit
	def     string
	entries map[string]*entry

	logger observability.Logger

	entryTTL  time.Duration
	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewLimiter builds a limiter from configuration and starts the
// cleanup loop.
func NewLimiter(cfg config.RateLimitConfig, logger observability.Logger) *Limiter {
	if logger == nil {
		logger = observability.NopLogger()
	}

	l := &Limiter{
		entries:  make(map[string]*entry),
		logger:   logger,
		entryTTL: DefaultEntryTTL,
		stopCh:   make(chan struct{}),
	}
	l.configure(cfg)

	go l.cleanupLoop(DefaultCleanupInterval)

	return l
}

func (l *Limiter) configure(cfg config.RateLimitConfig) {
	classes := make(map[string]classLimit, len(cfg.Classes))
	for name, c := range cfg.Classes {
		classes[name] = compileClass(c)
	}

	l.mu.Lock()
	l.enabled = cfg.Enabled
	l.classes = classes
	l.def = cfg.DefaultClass
	l.mu.Unlock()
}

func compileClass(c config.RateLimitClass) classLimit {
	window := c.Window.Duration()
	if window <= 0 {
		window = time.Minute
	}

	burst := c.Burst
	if burst <= 0 {
		burst = c.Requests
	}

	return classLimit{
		requests: c.Requests,
		window:   window,
		rate:     rate.Limit(float64(c.Requests) / window.Seconds()),
		burst:    burst,
	}
}

// Check consumes one request from the identity's budget in the named
// class. An empty or unknown class falls back to the default class.
func (l *Limiter) Check(ctx context.Context, identity, class string) *Decision {
	now := time.Now()

	l.mu.Lock()

	if !l.enabled {
		l.mu.Unlock()
		return &Decision{Allowed: true}
	}

	class, limit := l.resolveLocked(class)

	key := class + ":" + identity
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(limit.rate, limit.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now

	l.mu.Unlock()

	reservation := e.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		// Burst of zero: the class admits nothing.
		return &Decision{
			Allowed:    false,
			Limit:      limit.requests,
			Remaining:  0,
			Reset:      now.Add(limit.window),
			RetryAfter: limit.window,
		}
	}

	delay := reservation.DelayFrom(now)
	if delay > 0 {
		// The bucket is empty right now. Hand the token back and deny.
		reservation.CancelAt(now)
		return &Decision{
			Allowed:    false,
			Limit:      limit.requests,
			Remaining:  0,
			Reset:      l.resetAt(e.limiter, limit, now),
			RetryAfter: delay,
		}
	}

	remaining := int(math.Floor(e.limiter.TokensAt(now)))
	if remaining < 0 {
		remaining = 0
	}

	return &Decision{
		Allowed:   true,
		Limit:     limit.requests,
		Remaining: remaining,
		Reset:     l.resetAt(e.limiter, limit, now),
	}
}

// resolveLocked maps a class name to its compiled limit, falling back
// to the default class and then to the built-in fallback.
func (l *Limiter) resolveLocked(class string) (string, classLimit) {
	if class != "" {
		if limit, ok := l.classes[class]; ok {
			return class, limit
		}
	}
	if l.def != "" {
		if limit, ok := l.classes[l.def]; ok {
			return l.def, limit
		}
	}
	return "default", compileClass(fallbackClass)
}

// resetAt estimates when the bucket is full again.
func (l *Limiter) resetAt(lim *rate.Limiter, limit classLimit, now time.Time) time.Time {
	if limit.rate <= 0 {
		return now.Add(limit.window)
	}
	deficit := float64(limit.burst) - lim.TokensAt(now)
	if deficit <= 0 {
		return now
	}
	return now.Add(time.Duration(deficit / float64(limit.rate) * float64(time.Second)))
}

// Reset drops the bucket for an identity in the named class, restoring
// its full budget.
func (l *Limiter) Reset(identity, class string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	resolved, _ := l.resolveLocked(class)
	delete(l.entries, resolved+":"+identity)
}

// Reload applies a new configuration. Existing buckets are dropped so
// changed class limits take effect immediately.
func (l *Limiter) Reload(cfg config.RateLimitConfig) {
	l.configure(cfg)

	l.mu.Lock()
	n := len(l.entries)
	l.entries = make(map[string]*entry)
	l.mu.Unlock()

	l.logger.Info("rate limit configuration reloaded",
		observability.Int("dropped_buckets", n),
	)
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close stops the cleanup loop. Safe to call more than once.
func (l *Limiter) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
	})
	return nil
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// cleanup drops buckets idle past the TTL.
func (l *Limiter) cleanup() {
	cutoff := time.Now().Add(-l.entryTTL)

	l.mu.Lock()
	removed := 0
	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
			removed++
		}
	}
	l.mu.Unlock()

	if removed > 0 {
		l.logger.Debug("reaped idle rate limit buckets",
			observability.Int("removed", removed),
		)
	}
}
