package middleware

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zfogg/livecache/internal/cache"
	apperrors "github.com/zfogg/livecache/internal/errors"
	"github.com/zfogg/livecache/internal/logger"
	"github.com/zfogg/livecache/internal/metrics"
	"go.uber.org/zap"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// Requests per window
	Limit int
	// Window duration
	Window time.Duration
	// KeyFunc picks the bucket for a request. Defaults to the caller's user
	// id, or the client IP for anonymous requests.
	KeyFunc func(c *gin.Context) string
	// Redis shares counts across instances. Nil, or an erroring server,
	// falls back to per-process token buckets.
	Redis *cache.RedisClient
	// Prefix namespaces the Redis keys
	Prefix string
}

// DefaultRateLimitConfig returns sensible defaults
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Limit:  100,
		Window: time.Minute,
	}
}

// WriteRateLimitConfig returns stricter limits for transactional endpoints
func WriteRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Limit:  30,
		Window: time.Minute,
	}
}

// TokenBucket for rate limiting
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a new token bucket
func NewTokenBucket(maxTokens float64, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens = min(tb.maxTokens, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// RetryAfter returns seconds to wait before the next token
func (tb *TokenBucket) RetryAfter() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.tokens < 1 {
		return int((1-tb.tokens)/tb.refillRate) + 1
	}
	return 0
}

// RateLimiter counts requests per key, in Redis when available
type RateLimiter struct {
	config RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// NewRateLimiter creates a limiter; use Handler to mount it
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.Limit <= 0 {
		config.Limit = DefaultRateLimitConfig().Limit
	}
	if config.Window <= 0 {
		config.Window = DefaultRateLimitConfig().Window
	}
	if config.KeyFunc == nil {
		config.KeyFunc = defaultRateLimitKey
	}
	if config.Prefix == "" {
		config.Prefix = "rate_limit"
	}
	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*TokenBucket),
	}
}

// RateLimit returns a rate limiting middleware for config
func RateLimit(config RateLimitConfig) gin.HandlerFunc {
	return NewRateLimiter(config).Handler()
}

// Handler rejects requests over the limit with 429 and a Retry-After header
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rl.config.KeyFunc(c)
		allowed, retryAfter, backend := rl.Allow(c.Request.Context(), key)
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.config.Limit))
		if !allowed {
			metrics.Get().RateLimitExceeded.WithLabelValues(backend).Inc()
			logger.Log.Warn("Rate limit exceeded",
				logger.WithIP(c.ClientIP()),
				zap.String("key", key),
				zap.String("backend", backend),
			)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.Header("X-RateLimit-Remaining", "0")
			apiErr := apperrors.RateLimited("rate limit exceeded")
			c.AbortWithStatusJSON(apiErr.Status, gin.H{
				"error":       apiErr,
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}

// Allow records a request for key and reports whether it fits the limit,
// the seconds to wait if not, and which backend decided
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, int, string) {
	if rl.config.Redis != nil {
		allowed, retryAfter, err := rl.allowRedis(ctx, key)
		if err == nil {
			return allowed, retryAfter, "redis"
		}
		logger.Log.Warn("Redis rate limiter unavailable, using local buckets", zap.Error(err))
	}
	bucket := rl.bucket(key)
	if bucket.Allow() {
		return true, 0, "memory"
	}
	return false, bucket.RetryAfter(), "memory"
}

// allowRedis is a fixed window counter: INCR, with EXPIRE on the first hit
func (rl *RateLimiter) allowRedis(ctx context.Context, key string) (bool, int, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	redisKey := fmt.Sprintf("%s:%s", rl.config.Prefix, key)
	count, err := rl.config.Redis.Incr(ctx, redisKey)
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if err := rl.config.Redis.Expire(ctx, redisKey, rl.config.Window); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(rl.config.Limit) {
		return true, 0, nil
	}

	ttl, err := rl.config.Redis.TTL(ctx, redisKey)
	if err != nil || ttl <= 0 {
		return false, int(rl.config.Window.Seconds()), nil
	}
	return false, int((ttl + time.Second - 1) / time.Second), nil
}

func (rl *RateLimiter) bucket(key string) *TokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[key]
	if !ok {
		refillRate := float64(rl.config.Limit) / rl.config.Window.Seconds()
		bucket = NewTokenBucket(float64(rl.config.Limit), refillRate)
		rl.buckets[key] = bucket
	}
	return bucket
}

func defaultRateLimitKey(c *gin.Context) string {
	if uid := GetUserID(c); uid != "" {
		return "user:" + uid
	}
	return "ip:" + c.ClientIP()
}
