package access

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateKind names one of the three named buckets spec.md §4.D defines
// defaults for.
type RateKind string

const (
	RateRequests RateKind = "requests"
	RateSearches RateKind = "searches"
	RateWrites   RateKind = "writes"
)

// RateLimits holds the per-minute quota for each bucket.
type RateLimits struct {
	RequestsPerMinute int
	SearchesPerMinute int
	WritesPerMinute   int
}

// DefaultRateLimits matches spec.md §4.D's stated defaults.
var DefaultRateLimits = RateLimits{
	RequestsPerMinute: 1000,
	SearchesPerMinute: 100,
	WritesPerMinute:   500,
}

// RateLimiter holds one token bucket per (agent, kind). Buckets are
// created lazily and never evicted within a process lifetime — with
// max 1,024 concurrent sessions (spec.md §5) the map stays bounded in
// practice.
type RateLimiter struct {
	mu      sync.Mutex
	limits  RateLimits
	buckets map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter using limits (DefaultRateLimits if
// the zero value is passed).
func NewRateLimiter(limits RateLimits) *RateLimiter {
	if limits == (RateLimits{}) {
		limits = DefaultRateLimits
	}
	return &RateLimiter{
		limits:  limits,
		buckets: make(map[string]*rate.Limiter),
	}
}

func bucketKey(agentID string, kind RateKind) string {
	return agentID + "|" + string(kind)
}

func (r *RateLimiter) perMinute(kind RateKind) int {
	switch kind {
	case RateSearches:
		return r.limits.SearchesPerMinute
	case RateWrites:
		return r.limits.WritesPerMinute
	default:
		return r.limits.RequestsPerMinute
	}
}

// Allow reports whether agentID may perform one more operation of kind
// right now, consuming a token if so. Buckets refill continuously
// (token bucket, not a fixed sliding window) at perMinute/60 tokens per
// second, with a burst equal to the full per-minute quota.
func (r *RateLimiter) Allow(agentID string, kind RateKind) bool {
	r.mu.Lock()
	key := bucketKey(agentID, kind)
	lim, ok := r.buckets[key]
	if !ok {
		perMin := r.perMinute(kind)
		lim = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
		r.buckets[key] = lim
	}
	r.mu.Unlock()

	return lim.Allow()
}

// RetryAfterSeconds estimates how long a caller should back off after a
// rejected Allow call for kind, capped at 60s per spec.md S7.
func (r *RateLimiter) RetryAfterSeconds(kind RateKind) int {
	perMin := r.perMinute(kind)
	if perMin <= 0 {
		return 60
	}
	wait := int(time.Minute.Seconds()) / perMin
	if wait < 1 {
		wait = 1
	}
	if wait > 60 {
		wait = 60
	}
	return wait
}
