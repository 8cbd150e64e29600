package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
	"github.com/apexgate/apexgate/internal/retry"
)

const (
	// defaultKeyPrefix namespaces gateway keys in a shared redis.
	defaultKeyPrefix = "apexgate:"

	// tagKeyPrefix namespaces the tag index sets under the key prefix.
	tagKeyPrefix = "tag:"

	redisPingTimeout = 5 * time.Second
	scanBatchSize    = 256
)

// redisRetryPolicy is the retry budget for individual redis commands.
// Short and capped: a slow cache must never cost more than going
// straight to the backend.
var redisRetryPolicy = config.RetryConfig{
	MaxRetries:   2,
	Backoff:      config.BackoffExponential,
	InitialDelay: config.Duration(50 * time.Millisecond),
	MaxDelay:     config.Duration(500 * time.Millisecond),
	Multiplier:   2.0,
}

// isRetryableRedisError reports whether a redis command is worth another
// attempt. Misses and context errors are final.
func isRetryableRedisError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// redisStore is a redis-backed store. Every command runs behind a
// circuit breaker so a dead redis degrades to cache misses instead of
// stalling the request path.
type redisStore struct {
	logger     observability.Logger
	client     *redis.Client
	breaker    *gobreaker.CircuitBreaker
	keyPrefix  string
	defaultTTL time.Duration
	tagTTL     time.Duration
	staleGrace time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

func newRedisStore(cfg config.CacheConfig, logger observability.Logger) (*redisStore, error) {
	if cfg.Redis == nil || cfg.Redis.URL == "" {
		return nil, errors.New("redis store requires a redis URL")
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, errors.New("invalid redis URL: " + err.Error())
	}

	if cfg.Redis.PoolSize > 0 {
		opts.PoolSize = cfg.Redis.PoolSize
	}
	if cfg.Redis.DialTimeout > 0 {
		opts.DialTimeout = cfg.Redis.DialTimeout.Duration()
	}
	if cfg.Redis.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.Redis.ReadTimeout.Duration()
	}
	if cfg.Redis.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.Redis.WriteTimeout.Duration()
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.New("redis connection failed: " + err.Error())
	}

	tagTTL := cfg.TagTTL.Duration()
	if tagTTL <= 0 {
		tagTTL = defaultTagTTL
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "cache-redis",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("redis cache breaker state changed",
				observability.String("breaker", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()))
		},
	})

	s := &redisStore{
		logger:     logger,
		client:     client,
		breaker:    breaker,
		keyPrefix:  defaultKeyPrefix,
		defaultTTL: cfg.TTL.Duration(),
		tagTTL:     tagTTL,
		staleGrace: cfg.StaleGrace.Duration(),
	}

	logger.Info("redis cache store initialized",
		observability.String("keyPrefix", s.keyPrefix),
		observability.Duration("defaultTTL", s.defaultTTL),
		observability.Duration("tagTTL", tagTTL))

	return s, nil
}

// run executes a redis operation behind the breaker with a small retry
// budget. A cache miss is a healthy answer and is passed through without
// counting as a breaker failure.
func (s *redisStore) run(ctx context.Context, fn func() error) error {
	miss, err := s.breaker.Execute(func() (interface{}, error) {
		opErr := retry.Do(ctx, redisRetryPolicy, fn, &retry.Options{
			ShouldRetry: isRetryableRedisError,
		})
		if errors.Is(opErr, redis.Nil) {
			return true, nil
		}
		return false, opErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ErrUnavailable
		}
		return err
	}
	if miss.(bool) {
		return ErrMiss
	}
	return nil
}

func (s *redisStore) fullKey(key string) string {
	return s.keyPrefix + key
}

func (s *redisStore) tagKey(tag string) string {
	return s.keyPrefix + tagKeyPrefix + tag
}

// Get retrieves and decodes an entry.
func (s *redisStore) Get(ctx context.Context, key string) (*Entry, error) {
	return s.get(ctx, key, false)
}

// GetStale retrieves an entry even past its recorded expiry. The redis
// key outlives the entry's ExpiresAt by the stale grace, so a degraded
// route can keep serving its last known response.
func (s *redisStore) GetStale(ctx context.Context, key string) (*Entry, error) {
	return s.get(ctx, key, true)
}

func (s *redisStore) get(ctx context.Context, key string, allowStale bool) (*Entry, error) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.key", key),
			attribute.Bool("cache.allow_stale", allowStale),
		),
	)
	defer span.End()

	fullKey := s.fullKey(key)

	var data []byte
	err := s.run(ctx, func() error {
		b, getErr := s.client.Get(ctx, fullKey).Bytes()
		if getErr != nil {
			return getErr
		}
		data = b
		return nil
	})

	if errors.Is(err, ErrMiss) {
		s.misses.Add(1)
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrMiss
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		s.logger.Error("redis get failed",
			observability.String("key", key),
			observability.Error(err))
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Undecodable entries are dropped so they cannot wedge a key.
		_, _ = s.client.Del(ctx, fullKey).Result()
		s.misses.Add(1)
		s.logger.Warn("dropping undecodable cache entry",
			observability.String("key", key),
			observability.Error(err))
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrMiss
	}

	// The redis key lives past the entry's expiry by the stale grace,
	// so expiry is enforced here rather than by redis.
	if !allowStale && entry.IsExpired() {
		s.misses.Add(1)
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrMiss
	}

	s.hits.Add(1)
	span.SetAttributes(
		attribute.Bool("cache.hit", true),
		attribute.Bool("cache.stale", entry.IsExpired()),
		attribute.Int("cache.value_size", len(entry.Body)),
	)
	return &entry, nil
}

// Set encodes and stores an entry, recording its tags in the reverse
// index with a bounded lifetime.
func (s *redisStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.key", key),
			attribute.Int("cache.value_size", len(entry.Body)),
		),
	)
	defer span.End()

	if ttl == 0 {
		ttl = s.defaultTTL
	}

	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	// Keep the key around past expiry so GetStale has something to
	// serve; Get enforces the entry's own ExpiresAt.
	keyTTL := ttl
	if keyTTL > 0 {
		keyTTL += s.staleGrace
	}

	fullKey := s.fullKey(key)

	err = s.run(ctx, func() error {
		pipe := s.client.Pipeline()
		pipe.Set(ctx, fullKey, data, keyTTL)
		for _, tag := range entry.Tags {
			tk := s.tagKey(tag)
			pipe.SAdd(ctx, tk, fullKey)
			pipe.Expire(ctx, tk, s.tagTTL)
		}
		_, execErr := pipe.Exec(ctx)
		return execErr
	})

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		s.logger.Error("redis set failed",
			observability.String("key", key),
			observability.Error(err))
		return err
	}

	s.logger.Debug("cache set",
		observability.String("key", key),
		observability.Duration("ttl", ttl),
		observability.Int("size", len(data)))
	return nil
}

// Delete removes the given keys.
func (s *redisStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Delete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.Int("cache.key_count", len(keys)),
		),
	)
	defer span.End()

	fullKeys := make([]string, len(keys))
	for i, k := range keys {
		fullKeys[i] = s.fullKey(k)
	}

	var removed int64
	err := s.run(ctx, func() error {
		n, delErr := s.client.Del(ctx, fullKeys...).Result()
		if delErr != nil {
			return delErr
		}
		removed = n
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return 0, err
	}

	span.SetAttributes(attribute.Int("cache.removed", int(removed)))
	return int(removed), nil
}

// DeleteByTags removes every entry recorded under the given tags, then
// the tag sets themselves.
func (s *redisStore) DeleteByTags(ctx context.Context, tags []string) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}

	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.DeleteByTags",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.Int("cache.tag_count", len(tags)),
		),
	)
	defer span.End()

	members := make(map[string]struct{})
	for _, tag := range tags {
		var vals []string
		err := s.run(ctx, func() error {
			v, smErr := s.client.SMembers(ctx, s.tagKey(tag)).Result()
			if smErr != nil {
				return smErr
			}
			vals = v
			return nil
		})
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			return 0, err
		}
		for _, v := range vals {
			members[v] = struct{}{}
		}
	}

	var removed int64
	if len(members) > 0 {
		entryKeys := make([]string, 0, len(members))
		for k := range members {
			entryKeys = append(entryKeys, k)
		}
		err := s.run(ctx, func() error {
			n, delErr := s.client.Del(ctx, entryKeys...).Result()
			if delErr != nil {
				return delErr
			}
			removed = n
			return nil
		})
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			return 0, err
		}
	}

	tagKeys := make([]string, len(tags))
	for i, tag := range tags {
		tagKeys[i] = s.tagKey(tag)
	}
	_ = s.run(ctx, func() error {
		return s.client.Del(ctx, tagKeys...).Err()
	})

	span.SetAttributes(attribute.Int("cache.removed", int(removed)))
	return int(removed), nil
}

// DeleteByPath scans the gateway keyspace and removes every entry whose
// key belongs to the path.
func (s *redisStore) DeleteByPath(ctx context.Context, path string) (int, error) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.DeleteByPath",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.path", path),
		),
	)
	defer span.End()

	var matched []string
	err := s.run(ctx, func() error {
		matched = matched[:0]
		iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", scanBatchSize).Iterator()
		for iter.Next(ctx) {
			full := iter.Val()
			key := strings.TrimPrefix(full, s.keyPrefix)
			if strings.HasPrefix(key, tagKeyPrefix) {
				continue
			}
			if KeyMatchesPath(key, path) {
				matched = append(matched, full)
			}
		}
		return iter.Err()
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return 0, err
	}

	if len(matched) == 0 {
		span.SetAttributes(attribute.Int("cache.removed", 0))
		return 0, nil
	}

	var removed int64
	err = s.run(ctx, func() error {
		n, delErr := s.client.Del(ctx, matched...).Result()
		if delErr != nil {
			return delErr
		}
		removed = n
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return 0, err
	}

	span.SetAttributes(attribute.Int("cache.removed", int(removed)))
	return int(removed), nil
}

// DeleteMatching removes every entry whose key matches the pattern. The
// pattern rides on redis MATCH directly; a Go-side check keeps the tag
// index sets out of the blast radius.
func (s *redisStore) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.DeleteMatching",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.pattern", pattern),
		),
	)
	defer span.End()

	var matched []string
	err := s.run(ctx, func() error {
		matched = matched[:0]
		iter := s.client.Scan(ctx, 0, s.keyPrefix+pattern, scanBatchSize).Iterator()
		for iter.Next(ctx) {
			full := iter.Val()
			key := strings.TrimPrefix(full, s.keyPrefix)
			if strings.HasPrefix(key, tagKeyPrefix) {
				continue
			}
			matched = append(matched, full)
		}
		return iter.Err()
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return 0, err
	}

	if len(matched) == 0 {
		span.SetAttributes(attribute.Int("cache.removed", 0))
		return 0, nil
	}

	var removed int64
	err = s.run(ctx, func() error {
		n, delErr := s.client.Del(ctx, matched...).Result()
		if delErr != nil {
			return delErr
		}
		removed = n
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return 0, err
	}

	span.SetAttributes(attribute.Int("cache.removed", int(removed)))
	return int(removed), nil
}

// Stats returns hit and miss counters. The live entry count is not
// tracked for redis.
func (s *redisStore) Stats() Stats {
	return Stats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
	}
}

// Close closes the redis connection.
func (s *redisStore) Close() error {
	s.logger.Info("redis cache store closing")
	return s.client.Close()
}
