// Package cache stores backend responses and serves them for repeated
// reads. Entries are keyed by API version, normalized path, sorted query,
// and optionally the requesting user. Invalidation works by exact key, by
// tag, or by path family.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
)

// Common cache errors.
var (
	// ErrMiss indicates that the key was not found in the cache.
	ErrMiss = errors.New("cache miss")

	// ErrDisabled indicates that caching is disabled.
	ErrDisabled = errors.New("cache disabled")

	// ErrInvalidConfig indicates that the cache configuration is invalid.
	ErrInvalidConfig = errors.New("invalid cache configuration")

	// ErrUnavailable indicates that the cache backend cannot be reached.
	ErrUnavailable = errors.New("cache unavailable")
)

// Entry is a cached backend response with the metadata needed to serve
// it and to decide when it should go away.
type Entry struct {
	// Status is the upstream HTTP status code.
	Status int `json:"status"`

	// Headers are the response headers captured at store time, minus
	// hop-by-hop headers.
	Headers map[string][]string `json:"headers,omitempty"`

	// Body is the response payload. Compressed reports whether it is
	// gzip-compressed and must go through DecodedBody before use.
	Body       []byte `json:"body,omitempty"`
	Compressed bool   `json:"compressed,omitempty"`

	// Tags are the invalidation tags the entry was stored under.
	Tags []string `json:"tags,omitempty"`

	// CreatedAt is when the entry was stored. Age and staleness checks
	// derive from it.
	CreatedAt time.Time `json:"createdAt"`

	// ExpiresAt is when the entry expires. Zero means no expiry.
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age() time.Duration {
	return time.Since(e.CreatedAt)
}

// IsExpired returns true if the entry has expired.
func (e *Entry) IsExpired() bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(e.ExpiresAt)
}

// DecodedBody returns the body with compression undone.
func (e *Entry) DecodedBody() ([]byte, error) {
	if !e.Compressed {
		return e.Body, nil
	}
	return Decompress(e.Body)
}

// Store is the backend behind the cache manager. Implementations must be
// safe for concurrent use.
type Store interface {
	// Get retrieves an entry. Returns ErrMiss if the key is not found
	// or the entry has expired.
	Get(ctx context.Context, key string) (*Entry, error)

	// GetStale retrieves an entry even past its expiry, as long as it
	// is still stored. Returns ErrMiss only when nothing remains.
	GetStale(ctx context.Context, key string) (*Entry, error)

	// Set stores an entry with the given TTL. A TTL of 0 falls back to
	// the store default. The entry's Tags feed the reverse index used
	// by DeleteByTags.
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error

	// Delete removes the given keys and reports how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)

	// DeleteByTags removes every entry stored under any of the tags and
	// reports how many were removed.
	DeleteByTags(ctx context.Context, tags []string) (int, error)

	// DeleteByPath removes every entry whose key belongs to the given
	// normalized path, across versions, query variants, and user
	// suffixes. Reports how many were removed.
	DeleteByPath(ctx context.Context, path string) (int, error)

	// DeleteMatching removes every entry whose key matches the glob
	// pattern (see MatchPattern). Reports how many were removed.
	DeleteMatching(ctx context.Context, pattern string) (int, error)

	// Stats returns hit and miss counters and, where the backend can
	// tell, the live entry count.
	Stats() Stats

	// Close releases the backend connection.
	Close() error
}

// Stats contains store counters.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int64 `json:"entries"`
}

// HitRate returns the hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// NewStore creates a store from the configuration.
func NewStore(cfg config.CacheConfig, logger observability.Logger, metrics *observability.Metrics) (Store, error) {
	if !cfg.Enabled {
		return newDisabledStore(), nil
	}

	if logger == nil {
		logger = observability.NopLogger()
	}

	switch cfg.Store {
	case "", "memory":
		return newMemoryStore(cfg, logger, metrics), nil
	case "redis":
		return newRedisStore(cfg, logger)
	default:
		return nil, errors.New("unknown cache store: " + cfg.Store)
	}
}

// disabledStore answers every call with ErrDisabled so callers can treat
// a switched-off cache like a permanent miss.
type disabledStore struct{}

func newDisabledStore() Store {
	return &disabledStore{}
}

func (s *disabledStore) Get(_ context.Context, _ string) (*Entry, error) {
	return nil, ErrDisabled
}

func (s *disabledStore) GetStale(_ context.Context, _ string) (*Entry, error) {
	return nil, ErrDisabled
}

func (s *disabledStore) Set(_ context.Context, _ string, _ *Entry, _ time.Duration) error {
	return ErrDisabled
}

func (s *disabledStore) Delete(_ context.Context, _ ...string) (int, error) {
	return 0, nil
}

func (s *disabledStore) DeleteByTags(_ context.Context, _ []string) (int, error) {
	return 0, nil
}

func (s *disabledStore) DeleteByPath(_ context.Context, _ string) (int, error) {
	return 0, nil
}

func (s *disabledStore) DeleteMatching(_ context.Context, _ string) (int, error) {
	return 0, nil
}

func (s *disabledStore) Stats() Stats {
	return Stats{}
}

func (s *disabledStore) Close() error {
	return nil
}
