// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the per-identity token-bucket limiter. Buckets live in
// process memory, so each gateway replica enforces its own budget.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-doc-gateway/internal/domain"
)

const (
	bucketIdleTTL = 10 * time.Minute
	sweepEvery    = 5000
)

// keyFunc selects the identity a request is charged to.
type keyFunc func(*gin.Context) string

// KeyByUserOrIP charges authenticated requests to "user:<name>" and anonymous
// ones to "ip:<addr>".
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if id := c.GetString(userIDKey); id != "" {
			return id
		}
		return "ip:" + c.ClientIP()
	}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is safe for concurrent use.
type RateLimiter struct {
	limit      rate.Limit
	burst      int
	key        keyFunc
	retryAfter string

	mu      sync.Mutex
	buckets map[string]*bucket
	lookups int
	idleTTL time.Duration
}

// NewRateLimiter refills rps tokens per second up to burst (at least 1) per
// identity. rps <= 0 disables limiting.
func NewRateLimiter(rps float64, burst int, key keyFunc) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	retry := 1
	if rps > 0 && rps < 1 {
		retry = int(math.Ceil(1 / rps))
	}
	return &RateLimiter{
		limit:      rate.Limit(rps),
		burst:      burst,
		key:        key,
		retryAfter: strconv.Itoa(retry),
		buckets:    make(map[string]*bucket),
		idleTTL:    bucketIdleTTL,
	}
}

// limiter returns the bucket of key. Idle buckets are swept every
// sweepEvery lookups.
func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.lookups++; rl.lookups >= sweepEvery {
		rl.lookups = 0
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) >= rl.idleTTL {
				delete(rl.buckets, k)
			}
		}
	}
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim
}

// Handler answers over-budget requests with 429, Retry-After and the error
// payload. A feed stream costs one token for its whole lifetime.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.limit <= 0 || rl.limiter(rl.key(c)).Allow() {
			c.Next()
			return
		}
		rateLimited.Inc()
		c.Header("Retry-After", rl.retryAfter)
		abort(c, domain.NewError(http.StatusTooManyRequests, "rate limit exceeded"))
	}
}
