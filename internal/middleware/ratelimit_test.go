package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLimitedRouter(rl *RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(rl.Middleware())
	router.POST("/api/v1/route", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

func doRoute(router http.Handler, org string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/route", nil)
	if org != "" {
		req.Header.Set(OrganizationHeader, org)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestDefaultRateLimitConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)
	config := DefaultRateLimitConfig()

	assert.Equal(t, 100, config.Requests)
	assert.Equal(t, time.Minute, config.Window)
	assert.Equal(t, 0.8, config.AlertThreshold)
	assert.Equal(t, "optiroute:ratelimit:", config.Prefix)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health", nil)
	assert.True(t, config.SkipFunc(c))

	c.Request = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	assert.True(t, config.SkipFunc(c))

	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/route", nil)
	assert.False(t, config.SkipFunc(c))
}

func TestOrganizationKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/route", nil)
	c.Request.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "ip:10.1.2.3", OrganizationKey(c))

	c.Request.Header.Set(OrganizationHeader, "acme")
	assert.Equal(t, "org:acme", OrganizationKey(c))
}

func TestNewRateLimiter_FillsDefaults(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{}, nil, nil)
	assert.NotNil(t, rl.logger)
	assert.NotNil(t, rl.localMap)
	assert.Equal(t, 100, rl.config.Requests)
	assert.Equal(t, time.Minute, rl.config.Window)
	assert.NotNil(t, rl.config.KeyFunc)
}

func TestRateLimiterMiddleware_Redis(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var alerts, rejects atomic.Int32
	rl := NewRateLimiter(RateLimitConfig{
		Requests:       2,
		Window:         time.Minute,
		AlertThreshold: 0.5,
		OnAlert:        func(string, float64) { alerts.Add(1) },
		OnReject:       func(string) { rejects.Add(1) },
	}, client, zap.NewNop())
	router := newLimitedRouter(rl)

	t.Run("allows within limit per organization", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			w := doRoute(router, "acme")
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "2", w.Header().Get(RateLimitHeader))
		}
		assert.True(t, s.Exists("optiroute:ratelimit:org:acme"))
	})

	t.Run("blocks above limit", func(t *testing.T) {
		w := doRoute(router, "acme")
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "rate_limit_exceeded", w.Header().Get(RateLimitPolicyHeader))
		assert.Equal(t, "0", w.Header().Get(RateLimitRemainingHeader))
		assert.Equal(t, int32(1), rejects.Load())
		assert.GreaterOrEqual(t, alerts.Load(), int32(1))
	})

	t.Run("other organizations have their own bucket", func(t *testing.T) {
		w := doRoute(router, "globex")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "1", w.Header().Get(RateLimitRemainingHeader))
	})

	t.Run("window expiry resets the bucket", func(t *testing.T) {
		s.FastForward(2 * time.Minute)
		w := doRoute(router, "acme")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("fails open when redis is gone", func(t *testing.T) {
		s.Close()
		w := doRoute(router, "acme")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get(RateLimitHeader))
	})
}

func TestRateLimiterMiddleware_SkipsHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	config := DefaultRateLimitConfig()
	config.Requests = 1
	router := newLimitedRouter(NewRateLimiter(config, nil, zap.NewNop()))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get(RateLimitHeader))
	}
}

func TestCheckAndUpdateLocal(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Requests: 3, Window: time.Minute}, nil, zap.NewNop())
	key := "org:acme"

	for want := 2; want >= 0; want-- {
		allowed, remaining, resetTime, err := rl.checkAndUpdateLocal(key)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, want, remaining)
		assert.False(t, resetTime.IsZero())
	}

	allowed, remaining, _, err := rl.checkAndUpdateLocal(key)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 0, remaining)
}

func TestGetStats(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	config := RateLimitConfig{Requests: 10, Window: time.Minute}

	t.Run("redis", func(t *testing.T) {
		rl := NewRateLimiter(config, client, zap.NewNop())
		ctx := context.Background()

		stats, err := rl.GetStats(ctx, "org:acme")
		require.NoError(t, err)
		assert.Equal(t, 10, stats.Remaining)

		for i := 0; i < 3; i++ {
			_, _, _, err := rl.checkAndUpdate(ctx, "org:acme")
			require.NoError(t, err)
		}

		stats, err = rl.GetStats(ctx, "org:acme")
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Used)
		assert.Equal(t, 7, stats.Remaining)
		assert.True(t, stats.ResetTime.After(time.Now()))
	})

	t.Run("local", func(t *testing.T) {
		rl := NewRateLimiter(config, nil, zap.NewNop())
		ctx := context.Background()

		_, _, _, err := rl.checkAndUpdate(ctx, "org:acme")
		require.NoError(t, err)

		stats, err := rl.GetStats(ctx, "org:acme")
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Used)
		assert.Equal(t, 9, stats.Remaining)
	})
}

func TestReset(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Requests: 2, Window: time.Minute}, nil, zap.NewNop())
	key := "org:acme"

	_, _, _, _ = rl.checkAndUpdateLocal(key)
	_, _, _, _ = rl.checkAndUpdateLocal(key)
	allowed, _, _, _ := rl.checkAndUpdateLocal(key)
	assert.False(t, allowed)

	require.NoError(t, rl.Reset(context.Background(), key))

	allowed, remaining, _, err := rl.checkAndUpdateLocal(key)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1, remaining)
}

func TestCleanup(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Requests: 10, Window: 50 * time.Millisecond}, nil, zap.NewNop())
	for _, key := range []string{"org:a", "org:b", "org:c"} {
		_, _, _, _ = rl.checkAndUpdateLocal(key)
	}
	assert.Len(t, rl.localMap, 3)

	time.Sleep(80 * time.Millisecond)
	rl.Cleanup()
	assert.Empty(t, rl.localMap)
}

func TestRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID())
	router.GET("/id", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/id", nil))
	generated := w.Body.String()
	assert.Len(t, generated, 36)
	assert.Equal(t, generated, w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/id", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Body.String())
}
