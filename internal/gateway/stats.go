package gateway

import (
	"sync/atomic"
	"time"
)

// Stats aggregates per-gateway request analytics: totals, outcome
// split, cache effectiveness, and latency. All counters are atomic so
// the dispatcher can record without locking.
type Stats struct {
	startTime time.Time

	total       atomic.Int64
	succeeded   atomic.Int64
	failed      atomic.Int64
	cacheHits   atomic.Int64
	rateLimited atomic.Int64
	rejected    atomic.Int64
	fallbacks   atomic.Int64

	durationMicros atomic.Int64

	// statusClasses counts responses by status class, indexed by
	// status/100 (1xx..5xx).
	statusClasses [6]atomic.Int64
}

// Summary is a point-in-time view of the gateway analytics, shaped for
// the admin API.
type Summary struct {
	TotalRequests     int64            `json:"totalRequests"`
	SucceededRequests int64            `json:"succeededRequests"`
	FailedRequests    int64            `json:"failedRequests"`
	CacheHits         int64            `json:"cacheHits"`
	CacheHitRate      float64          `json:"cacheHitRate"`
	RateLimited       int64            `json:"rateLimited"`
	BreakerRejections int64            `json:"breakerRejections"`
	FallbacksServed   int64            `json:"fallbacksServed"`
	AverageDurationMs float64          `json:"averageDurationMs"`
	StatusClasses     map[string]int64 `json:"statusClasses"`
	UptimeSeconds     float64          `json:"uptimeSeconds"`
}

// NewStats creates an analytics sink anchored at the current time.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

// Record accounts one finished request. Success means the client got a
// non-error answer (status below 400).
func (s *Stats) Record(status int, duration time.Duration, cacheHit bool) {
	s.total.Add(1)
	if status < 400 {
		s.succeeded.Add(1)
	} else {
		s.failed.Add(1)
	}
	if cacheHit {
		s.cacheHits.Add(1)
	}
	s.durationMicros.Add(duration.Microseconds())

	if class := status / 100; class >= 1 && class <= 5 {
		s.statusClasses[class].Add(1)
	}
}

// RecordRateLimited counts a request rejected by the rate limiter.
func (s *Stats) RecordRateLimited() {
	s.rateLimited.Add(1)
}

// RecordBreakerRejection counts a request rejected by an open circuit.
func (s *Stats) RecordBreakerRejection() {
	s.rejected.Add(1)
}

// RecordFallback counts a degraded response served in place of a
// backend answer.
func (s *Stats) RecordFallback() {
	s.fallbacks.Add(1)
}

// Snapshot returns the current analytics view.
func (s *Stats) Snapshot() Summary {
	total := s.total.Load()
	hits := s.cacheHits.Load()

	sum := Summary{
		TotalRequests:     total,
		SucceededRequests: s.succeeded.Load(),
		FailedRequests:    s.failed.Load(),
		CacheHits:         hits,
		RateLimited:       s.rateLimited.Load(),
		BreakerRejections: s.rejected.Load(),
		FallbacksServed:   s.fallbacks.Load(),
		StatusClasses:     make(map[string]int64, 5),
		UptimeSeconds:     time.Since(s.startTime).Seconds(),
	}
	if total > 0 {
		sum.CacheHitRate = float64(hits) / float64(total)
		sum.AverageDurationMs = float64(s.durationMicros.Load()) / float64(total) / 1000
	}

	classes := [...]string{1: "1xx", 2: "2xx", 3: "3xx", 4: "4xx", 5: "5xx"}
	for i := 1; i <= 5; i++ {
		if n := s.statusClasses[i].Load(); n > 0 {
			sum.StatusClasses[classes[i]] = n
		}
	}
	return sum
}
