package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
)

// cacheTracerName is the OpenTelemetry tracer name for cache operations.
const cacheTracerName = "apexgate/cache"

const (
	defaultMaxEntries     = 10000
	defaultEvictionMargin = 100
	defaultTagTTL         = time.Hour
	cleanupInterval       = time.Minute
)

// memoryStore is an in-memory LRU store. Capacity overruns are reclaimed
// in batches: one pass evicts down to maxEntries minus the eviction
// margin, so a burst of inserts does not pay for an eviction each.
type memoryStore struct {
	logger         observability.Logger
	metrics        *observability.Metrics
	maxEntries     int
	evictionMargin int
	defaultTTL     time.Duration
	tagTTL         time.Duration
	staleGrace     time.Duration

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List
	tags     map[string]*tagBucket

	hits   atomic.Int64
	misses atomic.Int64

	stopCh    chan struct{}
	closeOnce sync.Once
}

// memoryEntry is what the eviction list elements carry.
type memoryEntry struct {
	key   string
	entry *Entry
}

// tagBucket is one tag's slice of the reverse index. Buckets expire as a
// whole after tagTTL so the index stays bounded even when entries churn.
type tagBucket struct {
	keys      map[string]struct{}
	expiresAt time.Time
}

func newMemoryStore(cfg config.CacheConfig, logger observability.Logger, metrics *observability.Metrics) *memoryStore {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	margin := cfg.EvictionMargin
	if margin <= 0 {
		margin = defaultEvictionMargin
	}
	if margin >= maxEntries {
		margin = maxEntries - 1
	}
	tagTTL := cfg.TagTTL.Duration()
	if tagTTL <= 0 {
		tagTTL = defaultTagTTL
	}

	s := &memoryStore{
		logger:         logger,
		metrics:        metrics,
		maxEntries:     maxEntries,
		evictionMargin: margin,
		defaultTTL:     cfg.TTL.Duration(),
		tagTTL:         tagTTL,
		staleGrace:     cfg.StaleGrace.Duration(),
		items:          make(map[string]*list.Element),
		eviction:       list.New(),
		tags:           make(map[string]*tagBucket),
		stopCh:         make(chan struct{}),
	}

	go s.cleanupLoop()

	logger.Info("memory cache store initialized",
		observability.Int("maxEntries", maxEntries),
		observability.Int("evictionMargin", margin),
		observability.Duration("defaultTTL", s.defaultTTL),
		observability.Duration("tagTTL", tagTTL))

	return s
}

// Get retrieves an entry. Callers must not modify the returned entry.
func (s *memoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.items[key]
	if !exists {
		s.misses.Add(1)
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrMiss
	}

	me := elem.Value.(*memoryEntry)
	if me.entry.IsExpired() {
		// Left in place for GetStale; the cleanup sweep reaps it once
		// the stale grace runs out.
		s.misses.Add(1)
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrMiss
	}

	s.eviction.MoveToFront(elem)
	s.hits.Add(1)

	span.SetAttributes(
		attribute.Bool("cache.hit", true),
		attribute.Int("cache.value_size", len(me.entry.Body)),
	)

	return me.entry, nil
}

// GetStale retrieves an entry regardless of expiry. Expired entries
// survive until the cleanup sweep reaps them past the stale grace, so a
// degraded route can keep serving its last known response.
func (s *memoryStore) GetStale(ctx context.Context, key string) (*Entry, error) {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.GetStale",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.items[key]
	if !exists {
		s.misses.Add(1)
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrMiss
	}

	me := elem.Value.(*memoryEntry)
	s.eviction.MoveToFront(elem)
	s.hits.Add(1)

	span.SetAttributes(
		attribute.Bool("cache.hit", true),
		attribute.Bool("cache.stale", me.entry.IsExpired()),
	)

	return me.entry, nil
}

// Set stores an entry and triggers a batch eviction when the store grows
// past its limit.
func (s *memoryStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.items[key]; exists {
		old := elem.Value.(*memoryEntry)
		s.removeFromTags(key, old.entry.Tags)
		elem.Value = &memoryEntry{key: key, entry: entry}
		s.eviction.MoveToFront(elem)
		s.addToTags(key, entry.Tags, now)
		return nil
	}

	elem := s.eviction.PushFront(&memoryEntry{key: key, entry: entry})
	s.items[key] = elem
	s.addToTags(key, entry.Tags, now)

	if s.eviction.Len() > s.maxEntries {
		s.evictBatch()
	}

	s.setEntriesGauge()

	s.logger.Debug("cache set",
		observability.String("key", key),
		observability.Duration("ttl", ttl),
		observability.Int("size", s.eviction.Len()))

	return nil
}

// Delete removes the given keys.
func (s *memoryStore) Delete(ctx context.Context, keys ...string) (int, error) {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Delete",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.Int("cache.key_count", len(keys)),
		),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range keys {
		if elem, exists := s.items[key]; exists {
			s.removeElement(elem)
			removed++
		}
	}

	s.setEntriesGauge()
	span.SetAttributes(attribute.Int("cache.removed", removed))
	return removed, nil
}

// DeleteByTags removes every entry recorded under the given tags. Tag
// buckets that outlived their TTL no longer track members, so entries
// stored before the bucket expired are left for TTL expiry instead.
func (s *memoryStore) DeleteByTags(ctx context.Context, tags []string) (int, error) {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.DeleteByTags",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.Int("cache.tag_count", len(tags)),
		),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	keys := make(map[string]struct{})
	for _, tag := range tags {
		bucket, ok := s.tags[tag]
		if !ok {
			continue
		}
		if now.After(bucket.expiresAt) {
			delete(s.tags, tag)
			continue
		}
		for key := range bucket.keys {
			keys[key] = struct{}{}
		}
		delete(s.tags, tag)
	}

	removed := 0
	for key := range keys {
		if elem, exists := s.items[key]; exists {
			s.removeElement(elem)
			removed++
		}
	}

	s.setEntriesGauge()
	span.SetAttributes(attribute.Int("cache.removed", removed))
	return removed, nil
}

// DeleteByPath removes every entry whose key belongs to the path, across
// versions, query variants, and user suffixes.
func (s *memoryStore) DeleteByPath(ctx context.Context, path string) (int, error) {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.DeleteByPath",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.String("cache.path", path),
		),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*list.Element
	for key, elem := range s.items {
		if KeyMatchesPath(key, path) {
			matched = append(matched, elem)
		}
	}
	for _, elem := range matched {
		s.removeElement(elem)
	}

	s.setEntriesGauge()
	span.SetAttributes(attribute.Int("cache.removed", len(matched)))
	return len(matched), nil
}

// DeleteMatching removes every entry whose key matches the pattern.
func (s *memoryStore) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.DeleteMatching",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.String("cache.pattern", pattern),
		),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*list.Element
	for key, elem := range s.items {
		if MatchPattern(pattern, key) {
			matched = append(matched, elem)
		}
	}
	for _, elem := range matched {
		s.removeElement(elem)
	}

	s.setEntriesGauge()
	span.SetAttributes(attribute.Int("cache.removed", len(matched)))
	return len(matched), nil
}

// Stats returns store counters.
func (s *memoryStore) Stats() Stats {
	s.mu.Lock()
	entries := int64(s.eviction.Len())
	s.mu.Unlock()

	return Stats{
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Entries: entries,
	}
}

// Close stops the cleanup goroutine and drops all entries.
func (s *memoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*list.Element)
	s.tags = make(map[string]*tagBucket)
	s.eviction.Init()

	s.logger.Info("memory cache store closed")
	return nil
}

// evictBatch removes the oldest entries until the store is margin slots
// under its limit. Must be called with the lock held.
func (s *memoryStore) evictBatch() {
	n := s.eviction.Len() - s.maxEntries + s.evictionMargin
	evicted := 0
	for i := 0; i < n; i++ {
		elem := s.eviction.Back()
		if elem == nil {
			break
		}
		s.removeElement(elem)
		evicted++
	}

	if s.metrics != nil {
		s.metrics.RecordCacheEvictions(evicted)
	}
	s.logger.Debug("cache evicted batch",
		observability.Int("evicted", evicted),
		observability.Int("size", s.eviction.Len()))
}

// removeElement removes an element and its tag index membership. Must be
// called with the lock held.
func (s *memoryStore) removeElement(elem *list.Element) {
	s.eviction.Remove(elem)
	me := elem.Value.(*memoryEntry)
	delete(s.items, me.key)
	s.removeFromTags(me.key, me.entry.Tags)
}

// addToTags records the key under each tag and pushes the bucket expiry
// out by the tag TTL. Must be called with the lock held.
func (s *memoryStore) addToTags(key string, tags []string, now time.Time) {
	for _, tag := range tags {
		bucket, ok := s.tags[tag]
		if !ok || now.After(bucket.expiresAt) {
			bucket = &tagBucket{keys: make(map[string]struct{})}
			s.tags[tag] = bucket
		}
		bucket.keys[key] = struct{}{}
		bucket.expiresAt = now.Add(s.tagTTL)
	}
}

// removeFromTags drops the key from each tag bucket. Must be called with
// the lock held.
func (s *memoryStore) removeFromTags(key string, tags []string) {
	for _, tag := range tags {
		bucket, ok := s.tags[tag]
		if !ok {
			continue
		}
		delete(bucket.keys, key)
		if len(bucket.keys) == 0 {
			delete(s.tags, tag)
		}
	}
}

// setEntriesGauge publishes the live entry count. Must be called with
// the lock held.
func (s *memoryStore) setEntriesGauge() {
	if s.metrics != nil {
		s.metrics.SetCacheEntries(s.eviction.Len())
	}
}

// cleanupLoop periodically sweeps expired entries and tag buckets.
func (s *memoryStore) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup removes entries expired past the stale grace, and dead tag
// buckets, under a single write lock so nothing moves between the scan
// and the removal.
func (s *memoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var toRemove []*list.Element
	for elem := s.eviction.Back(); elem != nil; elem = elem.Prev() {
		me := elem.Value.(*memoryEntry)
		if !me.entry.ExpiresAt.IsZero() && now.After(me.entry.ExpiresAt.Add(s.staleGrace)) {
			toRemove = append(toRemove, elem)
		}
	}
	for _, elem := range toRemove {
		s.removeElement(elem)
	}

	for tag, bucket := range s.tags {
		if now.After(bucket.expiresAt) {
			delete(s.tags, tag)
		}
	}

	s.setEntriesGauge()

	if len(toRemove) > 0 {
		s.logger.Debug("cache cleanup completed",
			observability.Int("removed", len(toRemove)))
	}
}
