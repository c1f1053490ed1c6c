package web

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"actiongate/internal/auth"
)

// bucket is one caller's token bucket.
type bucket struct {
	tokens float64
	seen   time.Time
}

// RateLimiter is a token bucket per caller. Callers are keyed by actor when
// one is named and by client address otherwise.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64
	swept   time.Time
}

var rateLimitNow = time.Now

const (
	sweepEvery = 5 * time.Minute
	idleAfter  = 10 * time.Minute
)

func NewRateLimiter(ratePerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    ratePerSecond,
		burst:   float64(max(burst, 1)),
		swept:   rateLimitNow(),
	}
}

// NewPerMinuteLimiter allows perMinute requests per caller with a burst of
// the same size. Zero disables limiting.
func NewPerMinuteLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	return NewRateLimiter(float64(perMinute)/60, perMinute)
}

// Allow spends one token for key. When none is left it reports how long
// until the next one accrues.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rateLimitNow()
	if now.Sub(rl.swept) > sweepEvery {
		for k, b := range rl.buckets {
			if now.Sub(b.seen) > idleAfter {
				delete(rl.buckets, k)
			}
		}
		rl.swept = now
	}

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, seen: now}
		rl.buckets[key] = b
	}
	b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.seen).Seconds()*rl.rate)
	b.seen = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if rl.rate <= 0 {
		return false, time.Hour
	}
	return false, time.Duration((1 - b.tokens) / rl.rate * float64(time.Second))
}

// RateLimitMiddleware answers 429 with Retry-After in whole seconds.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := limiter.Allow(callerKey(r))
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerKey(r *http.Request) string {
	if id := actorID(r.Context()); id != "" && id != auth.Anonymous {
		return "actor:" + id
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
