// Package util provides shared error types, context helpers, and HTTP
// plumbing for the gateway.
//
// # Error Conventions
//
// Errors fall into the gateway's four classes and every package follows
// the same pattern:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrNoRoute.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., BackendError, RateLimitError). Each type
//     implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
//
// Classification helpers (IsClientError, IsBackendError, IsTimeout)
// drive the dispatcher's decisions: client errors are never retried and
// never trip a circuit breaker, backend errors are retried and counted,
// infrastructure errors degrade locally and never fail the request.
package util

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors.
var (
	ErrNoRoute        = errors.New("no matching route")
	ErrUnauthorized   = errors.New("authentication required")
	ErrForbidden      = errors.New("insufficient scope")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrTimeout        = errors.New("timeout")
	ErrBackendUnavail = errors.New("backend unavailable")
	ErrConfigInvalid  = errors.New("invalid configuration")
)

// RouteNotFoundError is returned when no route matches the request.
type RouteNotFoundError struct {
	Method  string
	Path    string
	Version string
}

// Error implements the error interface.
func (e *RouteNotFoundError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("no route for %s %s (version %s)", e.Method, e.Path, e.Version)
	}
	return fmt.Sprintf("no route for %s %s", e.Method, e.Path)
}

// Is checks if the error matches the target.
func (e *RouteNotFoundError) Is(target error) bool {
	if target == ErrNoRoute {
		return true
	}
	_, ok := target.(*RouteNotFoundError)
	return ok
}

// NewRouteNotFoundError creates a new RouteNotFoundError.
func NewRouteNotFoundError(method, path, version string) *RouteNotFoundError {
	return &RouteNotFoundError{Method: method, Path: path, Version: version}
}

// AuthError is returned when credential validation fails or a required
// credential is missing.
type AuthError struct {
	Reason  string
	Missing bool
	Cause   error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Missing {
		return "authentication required: " + e.Reason
	}
	return "authentication failed: " + e.Reason
}

// Unwrap returns the underlying error.
func (e *AuthError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *AuthError) Is(target error) bool {
	if target == ErrUnauthorized {
		return true
	}
	_, ok := target.(*AuthError)
	return ok || errors.Is(e.Cause, target)
}

// NewAuthError creates a new AuthError.
func NewAuthError(reason string, missing bool) *AuthError {
	return &AuthError{Reason: reason, Missing: missing}
}

// ScopeError is returned when a validated identity lacks the scopes a
// route requires.
type ScopeError struct {
	Required []string
	Granted  []string
}

// Error implements the error interface.
func (e *ScopeError) Error() string {
	return fmt.Sprintf("insufficient scope: required %v, granted %v", e.Required, e.Granted)
}

// Is checks if the error matches the target.
func (e *ScopeError) Is(target error) bool {
	if target == ErrForbidden {
		return true
	}
	_, ok := target.(*ScopeError)
	return ok
}

// NewScopeError creates a new ScopeError.
func NewScopeError(required, granted []string) *ScopeError {
	return &ScopeError{Required: required, Granted: granted}
}

// RateLimitError is returned when a rate-limit class denies a request.
type RateLimitError struct {
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Reset      time.Time
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (limit: %d, retry after: %v)", e.Limit, e.RetryAfter)
}

// Is checks if the error matches the target.
func (e *RateLimitError) Is(target error) bool {
	if target == ErrRateLimited {
		return true
	}
	_, ok := target.(*RateLimitError)
	return ok
}

// NewRateLimitError creates a new RateLimitError.
func NewRateLimitError(limit int, retryAfter time.Duration, reset time.Time) *RateLimitError {
	return &RateLimitError{Limit: limit, RetryAfter: retryAfter, Reset: reset}
}

// BackendError represents a failed backend call after retries were
// exhausted. Attempts records how many calls were made in total.
type BackendError struct {
	Backend  string
	Attempts int
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("backend %s: %s (attempts: %d): %v", e.Backend, e.Message, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("backend %s: %s (attempts: %d)", e.Backend, e.Message, e.Attempts)
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *BackendError) Is(target error) bool {
	if target == ErrBackendUnavail {
		return true
	}
	_, ok := target.(*BackendError)
	return ok || errors.Is(e.Cause, target)
}

// NewBackendError creates a new BackendError.
func NewBackendError(backend, message string, attempts int, cause error) *BackendError {
	return &BackendError{Backend: backend, Message: message, Attempts: attempts, Cause: cause}
}

// TimeoutError represents a deadline exceeded during an operation. It is
// distinct from other network errors so callers can report it precisely.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
	Cause     error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %v during %s", e.Duration, e.Operation)
}

// Unwrap returns the underlying error.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if target == ErrTimeout {
		return true
	}
	_, ok := target.(*TimeoutError)
	return ok || errors.Is(e.Cause, target)
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration, cause error) *TimeoutError {
	return &TimeoutError{Operation: operation, Duration: duration, Cause: cause}
}

// CircuitOpenError is returned when a route's circuit breaker rejects a
// call without attempting the backend.
type CircuitOpenError struct {
	Route string
	State string
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is %s", e.Route, e.State)
}

// Is checks if the error matches the target.
func (e *CircuitOpenError) Is(target error) bool {
	if target == ErrCircuitOpen {
		return true
	}
	_, ok := target.(*CircuitOpenError)
	return ok
}

// NewCircuitOpenError creates a new CircuitOpenError.
func NewCircuitOpenError(route, state string) *CircuitOpenError {
	return &CircuitOpenError{Route: route, State: state}
}

// InfraError represents a recoverable infrastructure failure (cache
// store unreachable, compression failure). The dispatcher degrades
// locally instead of failing the request.
type InfraError struct {
	Component string
	Message   string
	Cause     error
}

// Error implements the error interface.
func (e *InfraError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Component, e.Message)
}

// Unwrap returns the underlying error.
func (e *InfraError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *InfraError) Is(target error) bool {
	_, ok := target.(*InfraError)
	return ok || errors.Is(e.Cause, target)
}

// NewInfraError creates a new InfraError.
func NewInfraError(component, message string, cause error) *InfraError {
	return &InfraError{Component: component, Message: message, Cause: cause}
}

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok || errors.Is(e.Cause, target)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsClientError reports whether the error belongs to the client class:
// surfaced as 4xx, never retried, never counted by circuit breakers.
func IsClientError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNoRoute) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrRateLimited)
}

// IsBackendError reports whether the error belongs to the backend
// class: retried per policy and counted toward breaker thresholds.
func IsBackendError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrBackendUnavail) || errors.Is(err, ErrTimeout)
}

// IsTimeout reports whether the error is a deadline failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTimeout)
}

// IsInfraError reports whether the error belongs to the infrastructure
// class and should degrade locally.
func IsInfraError(err error) bool {
	if err == nil {
		return false
	}
	var infra *InfraError
	return errors.As(err, &infra)
}
