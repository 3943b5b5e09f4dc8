package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	RateLimitHeader          = "X-RateLimit-Limit"
	RateLimitRemainingHeader = "X-RateLimit-Remaining"
	RateLimitResetHeader     = "X-RateLimit-Reset"
	RateLimitPolicyHeader    = "X-RateLimit-Policy"

	defaultRateLimitPrefix = "optiroute:ratelimit:"
)

// fixed window: refuse once the counter reached the limit, otherwise INCR and
// start the window on the first hit.
var rateLimitScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if current >= limit then
	return {0, limit - current, redis.call("PTTL", KEYS[1])}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {1, limit - current, redis.call("PTTL", KEYS[1])}
`)

// RateLimitConfig defines request throttling for the API group.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	// KeyFunc picks the bucket. The default bills the organization header and
	// falls back to the client IP.
	KeyFunc  func(*gin.Context) string
	SkipFunc func(*gin.Context) bool
	// OnAlert fires once usage of a bucket crosses AlertThreshold (0..1).
	AlertThreshold float64
	OnAlert        func(key string, usage float64)
	// OnReject fires for every refused request.
	OnReject func(key string)
	Prefix   string
}

// DefaultRateLimitConfig allows 100 requests per minute per organization.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Requests:       100,
		Window:         time.Minute,
		AlertThreshold: 0.8,
		KeyFunc:        OrganizationKey,
		SkipFunc: func(c *gin.Context) bool {
			p := c.Request.URL.Path
			return p == "/health" || p == "/metrics"
		},
		Prefix: defaultRateLimitPrefix,
	}
}

// OrganizationKey buckets by X-Organization-ID, or by client IP for
// anonymous callers.
func OrganizationKey(c *gin.Context) string {
	if org := c.GetHeader(OrganizationHeader); org != "" {
		return "org:" + org
	}
	return "ip:" + c.ClientIP()
}

// RateLimiter throttles requests with a Redis fixed window, or an in-process
// map when no Redis client is configured.
type RateLimiter struct {
	config RateLimitConfig
	redis  *redis.Client
	logger *zap.Logger

	mu       sync.RWMutex
	localMap map[string]*rateLimitEntry
}

type rateLimitEntry struct {
	count     int
	resetTime time.Time
}

func NewRateLimiter(config RateLimitConfig, redisClient *redis.Client, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultRateLimitConfig()
	if config.Requests <= 0 {
		config.Requests = d.Requests
	}
	if config.Window <= 0 {
		config.Window = d.Window
	}
	if config.KeyFunc == nil {
		config.KeyFunc = d.KeyFunc
	}
	if config.Prefix == "" {
		config.Prefix = d.Prefix
	}

	return &RateLimiter{
		config:   config,
		redis:    redisClient,
		logger:   logger,
		localMap: make(map[string]*rateLimitEntry),
	}
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.config.SkipFunc != nil && rl.config.SkipFunc(c) {
			c.Next()
			return
		}

		key := rl.config.KeyFunc(c)
		allowed, remaining, resetTime, err := rl.checkAndUpdate(c.Request.Context(), key)
		if err != nil {
			// fail open
			rl.logger.Error("Rate limit check failed", zap.Error(err), zap.String("key", key))
			c.Next()
			return
		}

		c.Header(RateLimitHeader, strconv.Itoa(rl.config.Requests))
		c.Header(RateLimitRemainingHeader, strconv.Itoa(max(remaining, 0)))
		c.Header(RateLimitResetHeader, strconv.FormatInt(resetTime.Unix(), 10))

		if !allowed {
			if rl.config.OnReject != nil {
				rl.config.OnReject(key)
			}
			c.Header(RateLimitPolicyHeader, "rate_limit_exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": max(int64(time.Until(resetTime).Seconds()), 0),
			})
			return
		}

		usage := 1.0 - float64(remaining)/float64(rl.config.Requests)
		if rl.config.OnAlert != nil && rl.config.AlertThreshold > 0 && usage >= rl.config.AlertThreshold {
			rl.config.OnAlert(key, usage)
		}

		c.Next()
	}
}

func (rl *RateLimiter) checkAndUpdate(ctx context.Context, key string) (bool, int, time.Time, error) {
	if rl.redis != nil {
		return rl.checkAndUpdateRedis(ctx, key)
	}
	return rl.checkAndUpdateLocal(key)
}

func (rl *RateLimiter) checkAndUpdateRedis(ctx context.Context, key string) (bool, int, time.Time, error) {
	values, err := rateLimitScript.Run(ctx, rl.redis, []string{rl.config.Prefix + key},
		rl.config.Requests, rl.config.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(values) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("unexpected rate limit reply of %d values", len(values))
	}

	ttl := time.Duration(values[2]) * time.Millisecond
	if ttl < 0 {
		ttl = rl.config.Window
	}
	return values[0] == 1, int(values[1]), time.Now().Add(ttl), nil
}

func (rl *RateLimiter) checkAndUpdateLocal(key string) (bool, int, time.Time, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if len(rl.localMap) > 100 {
		rl.sweepLocked(now)
	}

	entry, exists := rl.localMap[key]
	if !exists || now.After(entry.resetTime) {
		reset := now.Add(rl.config.Window)
		rl.localMap[key] = &rateLimitEntry{count: 1, resetTime: reset}
		return true, rl.config.Requests - 1, reset, nil
	}

	if entry.count >= rl.config.Requests {
		return false, 0, entry.resetTime, nil
	}

	entry.count++
	return true, rl.config.Requests - entry.count, entry.resetTime, nil
}

// RateLimitStats is the state of one bucket.
type RateLimitStats struct {
	Key       string        `json:"key"`
	Limit     int           `json:"limit"`
	Used      int           `json:"used,omitempty"`
	Remaining int           `json:"remaining"`
	Window    time.Duration `json:"window"`
	ResetTime time.Time     `json:"reset_time,omitempty"`
}

func (rl *RateLimiter) GetStats(ctx context.Context, key string) (*RateLimitStats, error) {
	stats := &RateLimitStats{
		Key:       key,
		Limit:     rl.config.Requests,
		Remaining: rl.config.Requests,
		Window:    rl.config.Window,
	}

	if rl.redis != nil {
		redisKey := rl.config.Prefix + key
		count, err := rl.redis.Get(ctx, redisKey).Int()
		if errors.Is(err, redis.Nil) {
			return stats, nil
		}
		if err != nil {
			return nil, err
		}
		ttl, err := rl.redis.PTTL(ctx, redisKey).Result()
		if err != nil {
			return nil, err
		}
		stats.Used = count
		stats.Remaining = rl.config.Requests - count
		stats.ResetTime = time.Now().Add(ttl)
		return stats, nil
	}

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	entry, exists := rl.localMap[key]
	if !exists || time.Now().After(entry.resetTime) {
		return stats, nil
	}
	stats.Used = entry.count
	stats.Remaining = rl.config.Requests - entry.count
	stats.ResetTime = entry.resetTime
	return stats, nil
}

// Reset clears one bucket.
func (rl *RateLimiter) Reset(ctx context.Context, key string) error {
	if rl.redis != nil {
		return rl.redis.Del(ctx, rl.config.Prefix+key).Err()
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.localMap, key)
	return nil
}

// Cleanup drops expired local buckets. Redis expires its own keys.
func (rl *RateLimiter) Cleanup() {
	if rl.redis != nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweepLocked(time.Now())
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	for k, entry := range rl.localMap {
		if now.After(entry.resetTime) {
			delete(rl.localMap, k)
		}
	}
}
