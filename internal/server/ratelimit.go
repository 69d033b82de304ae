package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/halcyonworks/renderq/internal/common"
)

// rateLimiter holds one token bucket per caller. Callers are identified by
// bearer token when present, otherwise by remote address.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
	rpm     int
}

func newRateLimiter(config *common.RateLimitConfig) *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(float64(config.RequestsPerMinute) / 60.0),
		burst:   config.Burst,
		rpm:     config.RequestsPerMinute,
	}
}

func (rl *rateLimiter) bucketFor(caller string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[caller]
	if !ok {
		bucket = rate.NewLimiter(rl.limit, rl.burst)
		rl.buckets[caller] = bucket
	}
	return bucket
}

// apply enforces the caller's bucket and stamps the rate-limit headers on
// every response it handles.
func (rl *rateLimiter) apply(w http.ResponseWriter, r *http.Request, next http.Handler) {
	bucket := rl.bucketFor(callerKey(r))

	remaining := int(bucket.Tokens())
	if remaining < 0 {
		remaining = 0
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.rpm))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))

	if !bucket.Allow() {
		w.Header().Set("Retry-After", "60")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"RateLimited","message":"request rate exceeded"}}`))
		return
	}

	next.ServeHTTP(w, r)
}

func callerKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return "token:" + strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "addr:" + r.RemoteAddr
	}
	return "addr:" + host
}
