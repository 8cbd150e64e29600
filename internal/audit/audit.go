// Package audit records control-plane mutations — admin API changes and
// configuration reloads — as an append-only JSON-line trail. Data-plane
// traffic is deliberately out of scope: the access log and metrics
// already cover it, and per-request audit writes would sit on the hot
// path.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
)

// Action names the audited operation.
type Action string

const (
	// ActionRouteAdd is a route added through the admin API.
	ActionRouteAdd Action = "route_add"

	// ActionRouteRemove is a route removed through the admin API.
	ActionRouteRemove Action = "route_remove"

	// ActionCacheInvalidate is a manual cache invalidation.
	ActionCacheInvalidate Action = "cache_invalidate"

	// ActionBreakerReset is a manual circuit breaker reset.
	ActionBreakerReset Action = "breaker_reset"

	// ActionConfigReload is a configuration file reload.
	ActionConfigReload Action = "config_reload"
)

// Outcome is the result of the audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one audit trail entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Outcome   Outcome   `json:"outcome"`

	// Actor is who performed the operation: the admin username, or
	// "system" for watcher-driven reloads.
	Actor string `json:"actor,omitempty"`

	// Detail carries operation-specific fields such as the route key or
	// invalidation criteria.
	Detail map[string]string `json:"detail,omitempty"`
}

// Recorder persists audit events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ctx context.Context, action Action, outcome Outcome, actor string, detail map[string]string)
	Close() error
}

// NewRecorder builds the recorder configured by cfg: a file-backed
// trail when enabled, otherwise a no-op.
func NewRecorder(cfg config.AuditConfig, logger observability.Logger, metrics *observability.Metrics) (Recorder, error) {
	if !cfg.Enabled {
		return NopRecorder(), nil
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", cfg.Path, err)
	}

	logger.Info("audit trail enabled", observability.String("path", cfg.Path))
	return &fileRecorder{
		file:    f,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// fileRecorder appends one JSON document per line. The mutex serializes
// writers so concurrent admin calls cannot interleave lines.
type fileRecorder struct {
	mu      sync.Mutex
	file    *os.File
	logger  observability.Logger
	metrics *observability.Metrics
}

func (r *fileRecorder) Record(_ context.Context, action Action, outcome Outcome, actor string, detail map[string]string) {
	event := Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Outcome:   outcome,
		Actor:     actor,
		Detail:    detail,
	}

	line, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("audit event marshal failed", observability.Error(err))
		return
	}
	line = append(line, '\n')

	r.mu.Lock()
	_, werr := r.file.Write(line)
	r.mu.Unlock()

	if werr != nil {
		// A failing trail must not take the control plane down with it.
		r.logger.Error("audit event write failed",
			observability.String("action", string(action)),
			observability.Error(werr))
		return
	}

	if r.metrics != nil {
		r.metrics.RecordAuditEvent(string(action), string(outcome))
	}
}

func (r *fileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// NopRecorder returns a recorder that discards everything, for when the
// trail is disabled.
func NopRecorder() Recorder {
	return nopRecorder{}
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Action, Outcome, string, map[string]string) {}

func (nopRecorder) Close() error { return nil }
