package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zfogg/livecache/internal/auth"
	"github.com/zfogg/livecache/internal/cache"
	"github.com/zfogg/livecache/internal/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Initialize("error", "")
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(handlers...)
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":    GetUserID(c),
			"request_id": GetRequestID(c),
		})
	})
	return router
}

func get(router http.Handler, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRequestID(t *testing.T) {
	router := newRouter(RequestID())

	w := get(router, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	w = get(router, map[string]string{RequestIDHeader: "abc"})
	assert.Equal(t, "abc", w.Header().Get(RequestIDHeader))
	assert.Contains(t, w.Body.String(), `"request_id":"abc"`)
}

func TestAuth(t *testing.T) {
	tokens, err := auth.NewTokens([]byte("secret"), time.Hour)
	require.NoError(t, err)
	token, _, err := tokens.Issue("u1")
	require.NoError(t, err)

	router := newRouter(Auth(tokens))

	w := get(router, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user_id":""`)

	w = get(router, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user_id":"u1"`)

	w = get(router, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")
}

func TestRequireUser(t *testing.T) {
	tokens, err := auth.NewTokens([]byte("secret"), time.Hour)
	require.NoError(t, err)
	token, _, err := tokens.Issue("u1")
	require.NoError(t, err)

	router := newRouter(Auth(tokens), RequireUser())

	assert.Equal(t, http.StatusUnauthorized, get(router, nil).Code)
	assert.Equal(t, http.StatusOK, get(router, map[string]string{"Authorization": "Bearer " + token}).Code)
}

func TestGinLoggerAndMetricsPassThrough(t *testing.T) {
	router := newRouter(RequestID(), GinLogger(), Metrics())
	assert.Equal(t, http.StatusOK, get(router, nil).Code)
}

func TestTracingMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(TracingMiddleware("livecache-test")...)
	router.GET("/groups/:group", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/groups/g1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRateLimiterMemory(t *testing.T) {
	router := newRouter(RateLimit(RateLimitConfig{
		Limit:  3,
		Window: time.Second,
	}))

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get(router, nil).Code, "Request %d should succeed", i+1)
	}

	w := get(router, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "4th request should be rate limited")
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, http.StatusOK, get(router, nil).Code, "Request after refill should succeed")
}

func TestRateLimiterDifferentClients(t *testing.T) {
	router := newRouter(RateLimit(RateLimitConfig{
		Limit:  2,
		Window: time.Minute,
		KeyFunc: func(c *gin.Context) string {
			return c.GetHeader("X-Client-ID")
		},
	}))

	a := map[string]string{"X-Client-ID": "client-a"}
	b := map[string]string{"X-Client-ID": "client-b"}
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, get(router, a).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, get(router, a).Code)
	assert.Equal(t, http.StatusOK, get(router, b).Code)
}

func TestRateLimiterRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisClient(mr.Host(), mr.Port(), "")
	require.NoError(t, err)
	defer rc.Close()

	config := RateLimitConfig{
		Limit:  2,
		Window: time.Minute,
		Redis:  rc,
		KeyFunc: func(c *gin.Context) string {
			return "k"
		},
	}
	// two limiters share the redis counter, as two instances would
	first := newRouter(RateLimit(config))
	second := newRouter(RateLimit(config))

	assert.Equal(t, http.StatusOK, get(first, nil).Code)
	assert.Equal(t, http.StatusOK, get(second, nil).Code)
	w := get(first, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	assert.True(t, mr.Exists("rate_limit:k"))
	assert.Equal(t, time.Minute, mr.TTL("rate_limit:k"))

	mr.FastForward(time.Minute)
	assert.Equal(t, http.StatusOK, get(second, nil).Code)
}

func TestRateLimiterFallsBackWhenRedisFails(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisClient(mr.Host(), mr.Port(), "")
	require.NoError(t, err)
	defer rc.Close()

	rl := NewRateLimiter(RateLimitConfig{Limit: 1, Window: time.Minute, Redis: rc})
	mr.SetError("server down")

	allowed, _, backend := rl.Allow(t.Context(), "k")
	assert.True(t, allowed)
	assert.Equal(t, "memory", backend)

	allowed, retryAfter, _ := rl.Allow(t.Context(), "k")
	assert.False(t, allowed)
	assert.Positive(t, retryAfter)
}
