// Package ratelimit provides a per-client-IP HTTP rate limiter,
// adapted from the teacher's infrastructure/middleware.RateLimiter. It
// is coarse abuse protection in front of the whole provider surface;
// the authoritative per-truth challenge-code rate limit still lives in
// the store (spec §4.2/§4.6) and is unaffected by this layer.
package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/anastasis-provider/anastasis/internal/svcerrors"
	"github.com/anastasis-provider/anastasis/pkg/logger"
)

// Limiter rate-limits requests keyed by client IP, handing each key its
// own token bucket.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	window   time.Duration
	log      *logger.Logger
}

// New builds a Limiter allowing requestsPerSecond sustained requests
// per client, with the given burst headroom. A non-positive
// requestsPerSecond disables limiting entirely (Allow always returns
// true), matching the "rate limiting is opt-in per deployment" posture
// of spec §6's configuration.
func New(requestsPerSecond, burst int, log *logger.Logger) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		rate:    rate.Limit(requestsPerSecond),
		burst:   burst,
		window:  time.Second,
		log:     log,
	}
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.rate, l.burst)
		l.buckets[key] = b
	}
	return b
}

// Allow reports whether a request keyed by key may proceed.
func (l *Limiter) Allow(key string) bool {
	if l.rate <= 0 {
		return true
	}
	return l.bucketFor(key).Allow()
}

// Count returns the number of distinct client keys currently tracked,
// for tests and diagnostics.
func (l *Limiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Sweep discards tracked buckets once their number grows unreasonably
// large, the same blunt bound the teacher's Cleanup() uses rather than
// tracking per-bucket last-access time.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buckets) > 10000 {
		l.buckets = make(map[string]*rate.Limiter)
	}
}

// Middleware wraps next, rejecting requests over the configured rate
// with a 429 shaped like every other provider error response.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		if !l.Allow(key) {
			if l.log != nil {
				l.log.WithField("remote", key).WithField("path", r.URL.Path).Warn("rate limit exceeded")
			}
			writeRateLimited(w, l.window)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateLimited(w http.ResponseWriter, window time.Duration) {
	se := svcerrors.RateLimited(window.String())
	if seconds := int(math.Ceil(window.Seconds())); seconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(se.HTTPStatus)
	_ = json.NewEncoder(w).Encode(se)
}
