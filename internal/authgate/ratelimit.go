package authgate

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lattice-kg/engine/internal/store"
)

// Limit is the per-(tenant,endpoint) policy applied by a Limiter.
type Limit struct {
	Rate  float64 // requests per second, sustained
	Burst int
}

// Limiter is satisfied by both the Redis-backed and in-process limiters so
// route wiring doesn't care which backend is active.
type Limiter interface {
	Allow(ctx context.Context, tenant, endpoint string, limit Limit) (bool, error)
}

// NewLimiter picks the Redis-backed fixed-window limiter when cacheURL is
// set, falling back to the teacher's in-process token bucket
// (internal/worker/ratelimit.go) otherwise, and also when cacheURL does
// not parse.
func NewLimiter(cacheURL string, log zerolog.Logger) Limiter {
	if cacheURL == "" {
		log.Info().Msg("CACHE_URL unset, rate limiting falls back to in-process token buckets")
		return newInProcessLimiter()
	}
	opts, err := redis.ParseURL(cacheURL)
	if err != nil {
		log.Warn().Err(err).Msg("invalid CACHE_URL, falling back to in-process rate limiting")
		return newInProcessLimiter()
	}
	return &RedisLimiter{client: redis.NewClient(opts)}
}

// RedisLimiter implements a fixed-window counter per (tenant,endpoint,
// second): INCR the window key, set a 1s expiry with NX so concurrent
// first-requests in a window don't reset each other's TTL, reject once the
// count exceeds burst. This approximates the smoother token-bucket
// semantics with O(1) Redis round-trips instead of Lua scripting.
type RedisLimiter struct {
	client *redis.Client
}

func (l *RedisLimiter) Allow(ctx context.Context, tenant, endpoint string, limit Limit) (bool, error) {
	window := time.Now().Unix()
	key := fmt.Sprintf("ratelimit:%s:%s:%d", tenant, endpoint, window)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rate limiter: %w", err)
	}
	if count == 1 {
		l.client.ExpireNX(ctx, key, time.Second)
	}

	// The window is one second wide and its count may not exceed burst.
	return count <= int64(limit.Burst), nil
}

// inProcessLimiter generalizes the teacher's PerClientRateLimiter from a
// single client-IP key to an arbitrary (tenant,endpoint) key, keeping its
// token-bucket math and idle-entry reaper (cleanupLocked) unchanged.
type inProcessLimiter struct {
	mu              sync.Mutex
	buckets         map[string]*tokenBucket
	lastCleanup     time.Time
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
}

func newInProcessLimiter() *inProcessLimiter {
	return &inProcessLimiter{
		buckets:         map[string]*tokenBucket{},
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     10 * time.Minute,
		lastCleanup:     time.Now(),
	}
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	rate       float64
	burst      int
	lastUpdate time.Time
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > float64(b.burst) {
		b.tokens = float64(b.burst)
	}
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) idleSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdate
}

func (l *inProcessLimiter) Allow(ctx context.Context, tenant, endpoint string, limit Limit) (bool, error) {
	key := tenant + ":" + endpoint
	return l.getBucket(key, limit).allow(), nil
}

func (l *inProcessLimiter) getBucket(key string, limit Limit) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastCleanup) > l.cleanupInterval {
		l.cleanupLocked()
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{rate: limit.Rate, burst: limit.Burst, tokens: float64(limit.Burst), lastUpdate: time.Now()}
		l.buckets[key] = b
	}
	return b
}

// cleanupLocked evicts buckets idle past maxIdleTime. Must be called with
// l.mu held; mirrors PerClientRateLimiter.cleanupLocked's lock ordering.
func (l *inProcessLimiter) cleanupLocked() {
	now := time.Now()
	var stale []string
	for key, b := range l.buckets {
		if now.Sub(b.idleSince()) > l.maxIdleTime {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		delete(l.buckets, key)
	}
	l.lastCleanup = now
}

// RateLimitMiddleware rejects requests once the bound tenant exceeds limit
// for endpoint. Must run after a Gate middleware has bound the tenant.
func RateLimitMiddleware(limiter Limiter, endpoint string, limit Limit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant, err := store.RequireTenant(r.Context())
			if err != nil {
				http.Error(w, "missing tenant", http.StatusInternalServerError)
				return
			}
			allowed, err := limiter.Allow(r.Context(), tenant, endpoint, limit)
			if err != nil {
				// Fail open: a rate-limiter backend outage must not take down
				// the API.
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
