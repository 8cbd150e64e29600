// Package circuitbreaker isolates failing backends. A breaker opens
// after a run of consecutive failures inside the monitoring window,
// rejects calls while open, and probes the backend with a single trial
// request once the reset timeout elapses.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed allows requests through.
	StateClosed State = iota

	// StateOpen rejects requests until the reset timeout elapses.
	StateOpen

	// StateHalfOpen allows a single trial request through.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricValue maps the state onto the severity scale the state gauge
// exports: 0 closed, 1 half-open, 2 open.
func (s State) MetricValue() int {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// ErrOpen is returned when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

// Stats is a snapshot of breaker state for inspection.
type Stats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastFailure         time.Time `json:"lastFailure,omitzero"`
	OpenedAt            time.Time `json:"openedAt,omitzero"`
}

// Breaker is the failure-isolation state for one route.
type Breaker struct {
	name    string
	cfg     config.CircuitBreakerConfig
	logger  observability.Logger
	metrics *observability.Metrics

	mu               sync.Mutex
	state            State
	consecutiveFails int
	lastFailure      time.Time
	openedAt         time.Time

	// trialInFlight guards the half-open probe: only one request may
	// test the backend at a time.
	trialInFlight bool
}

// New creates a closed breaker for the named route.
func New(name string, cfg config.CircuitBreakerConfig, logger observability.Logger, metrics *observability.Metrics) *Breaker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Breaker{
		name:    name,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		state:   StateClosed,
	}
}

// Allow reports whether a call may proceed. An open breaker whose reset
// timeout has elapsed transitions to half-open and grants exactly one
// trial slot; concurrent callers are rejected until the trial resolves.
func (b *Breaker) Allow() error {
	if !b.cfg.Enabled {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.ResetTimeout.Duration() {
			return ErrOpen
		}
		b.transitionTo(StateHalfOpen)
		b.trialInFlight = true
		return nil

	case StateHalfOpen:
		if b.trialInFlight {
			return ErrOpen
		}
		b.trialInFlight = true
		return nil

	default:
		return ErrOpen
	}
}

// RecordSuccess records a successful call. A half-open trial success
// closes the breaker.
func (b *Breaker) RecordSuccess() {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails = 0
	b.trialInFlight = false

	if b.state == StateHalfOpen {
		b.transitionTo(StateClosed)
	}
}

// RecordFailure records a failed call. Consecutive failures outside the
// monitoring window do not accumulate; inside it, reaching the
// threshold opens the breaker. A half-open trial failure reopens it
// immediately.
func (b *Breaker) RecordFailure() {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	window := b.cfg.MonitoringPeriod.Duration()
	if window > 0 && !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > window {
		b.consecutiveFails = 0
	}
	b.consecutiveFails++
	b.lastFailure = now
	b.trialInFlight = false

	switch b.state {
	case StateClosed:
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
}

// State returns the current state without side effects. An open breaker
// past its reset timeout still reports open; the transition to
// half-open happens on the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.transitionTo(StateClosed)
	}
	b.consecutiveFails = 0
	b.trialInFlight = false

	b.logger.Info("circuit breaker reset", observability.String("route", b.name))
}

// Name returns the route key the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFails,
		LastFailure:         b.lastFailure,
		OpenedAt:            b.openedAt,
	}
}

// transitionTo moves to a new state. Caller holds the lock.
func (b *Breaker) transitionTo(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState

	switch newState {
	case StateOpen:
		b.openedAt = time.Now()
	case StateClosed:
		b.consecutiveFails = 0
		b.openedAt = time.Time{}
	}

	if b.metrics != nil {
		b.metrics.SetBreakerState(b.name, newState.MetricValue())
		b.metrics.RecordBreakerTransition(b.name, oldState.String(), newState.String())
	}

	b.logger.Info("circuit breaker state changed",
		observability.String("route", b.name),
		observability.String("from", oldState.String()),
		observability.String("to", newState.String()),
	)
}
