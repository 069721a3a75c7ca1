package httpapi

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/erauner12/syncengine/internal/auth"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// DefaultRateLimitConfig allows 600 requests per minute with bursts of 120
var DefaultRateLimitConfig = RateLimitInfo{
	WindowSeconds: 60,
	MaxRequests:   600,
	Burst:         120,
}

const (
	// idleBucketTTL is how long an unused per-user limiter is kept
	idleBucketTTL = time.Hour
	sweepInterval = 10 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per user
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	config    RateLimitInfo
	every     rate.Limit
	now       func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration
func NewRateLimiter(config RateLimitInfo) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		config:  config,
		every:   rate.Limit(float64(config.MaxRequests) / float64(config.WindowSeconds)),
		now:     time.Now,
	}
}

// Allow consumes a token for userID.
// Returns (allowed, remaining, retryAfter, fullResetTime); retryAfter is the
// wait until the next token when not allowed.
func (rl *RateLimiter) Allow(userID string) (bool, int, time.Duration, time.Time) {
	now := rl.now()

	rl.mu.Lock()
	b, ok := rl.buckets[userID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.every, rl.config.Burst)}
		rl.buckets[userID] = b
	}
	b.lastSeen = now
	rl.evictIdleLocked(now)
	rl.mu.Unlock()

	allowed := b.limiter.AllowN(now, 1)
	tokens := b.limiter.TokensAt(now)

	perSecond := float64(rl.every)
	missing := float64(rl.config.Burst) - tokens
	fullReset := now.Add(time.Duration(missing / perSecond * float64(time.Second)))

	if allowed {
		return true, int(math.Max(0, math.Floor(tokens))), 0, fullReset
	}
	wait := time.Duration((1 - tokens) / perSecond * float64(time.Second))
	return false, 0, wait, fullReset
}

// evictIdleLocked drops limiters unused for idleBucketTTL (caller must hold mu)
func (rl *RateLimiter) evictIdleLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < sweepInterval {
		return
	}
	rl.lastSweep = now
	for id, b := range rl.buckets {
		if now.Sub(b.lastSeen) > idleBucketTTL {
			delete(rl.buckets, id)
		}
	}
}

// RateLimitMiddleware returns a middleware that enforces rate limiting per user.
// Each middleware instance creates its own rate limiter with the provided
// configuration, allowing different routes to have different rate limits.
func RateLimitMiddleware(config RateLimitInfo) func(http.Handler) http.Handler {
	if config.MaxRequests <= 0 || config.WindowSeconds <= 0 || config.Burst <= 0 {
		config = DefaultRateLimitConfig
	}
	limiter := NewRateLimiter(config)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := auth.UserID(r)
			if userID == "" {
				// unauthenticated request, skip rate limiting
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, wait, fullResetTime := limiter.Allow(userID)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(fullResetTime.Unix(), 10))
			w.Header().Set("X-RateLimit-Burst", strconv.Itoa(config.Burst))

			if !allowed {
				retryAfter := int(math.Ceil(wait.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Ctx(r.Context()).Warn().
					Str("userId", userID).
					Str("path", r.URL.Path).
					Int("retryAfter", retryAfter).
					Msg("Rate limit exceeded")

				writeError(w, r, http.StatusTooManyRequests,
					"Rate limit exceeded. Please retry after "+strconv.Itoa(retryAfter)+" seconds.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
