package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterSet hands out one token bucket per client key and forgets keys that
// stay idle for several windows.
type limiterSet struct {
	burst  int
	every  time.Duration
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	nextSweep time.Time
}

type bucket struct {
	*rate.Limiter
	seen time.Time
}

func newLimiterSet(limit int, per time.Duration) *limiterSet {
	return &limiterSet{
		burst:   limit,
		every:   per / time.Duration(limit),
		window:  per,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (s *limiterSet) allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if now.After(s.nextSweep) {
		for k, b := range s.buckets {
			if now.Sub(b.seen) > 3*s.window {
				delete(s.buckets, k)
			}
		}
		s.nextSweep = now.Add(s.window)
	}
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{Limiter: rate.NewLimiter(rate.Every(s.every), s.burst)}
		s.buckets[key] = b
	}
	b.seen = now
	return b.AllowN(now, 1)
}

func (s *limiterSet) retryAfter() string {
	return strconv.Itoa(max(int(s.every.Round(time.Second)/time.Second), 1))
}

// RateLimit allows limit requests per window for each caller. Authenticated
// callers are keyed by owner id, anonymous ones by client IP.
func RateLimit(limit int, per time.Duration) func(http.Handler) http.Handler {
	if limit <= 0 || per <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	set := newLimiterSet(limit, per)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := UserIDFromContext(r.Context())
			if key == "" {
				key = "ip:" + ClientIP(r)
			}
			if !set.allow(key) {
				w.Header().Set("Retry-After", set.retryAfter())
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
