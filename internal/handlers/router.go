package handlers

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zfogg/livecache/internal/auth"
	"github.com/zfogg/livecache/internal/middleware"
)

// RouterConfig selects the middleware mounted by NewRouter
type RouterConfig struct {
	// Tokens validates bearer tokens. Nil serves every request anonymously
	// and leaves the write routes unreachable.
	Tokens auth.TokenValidator
	// AllowOrigins for CORS; empty or "*" allows any origin
	AllowOrigins []string
	// ServiceName enables otelgin server spans when set
	ServiceName string
	// ReadLimit and WriteLimit rate limit the view and mutation routes
	ReadLimit  middleware.RateLimitConfig
	WriteLimit middleware.RateLimitConfig
}

// NewRouter builds the gin engine serving every route
func NewRouter(h *Handlers, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.GinLogger(), middleware.Metrics())
	if cfg.ServiceName != "" {
		r.Use(middleware.TracingMiddleware(cfg.ServiceName)...)
	}
	r.Use(cors.New(corsConfig(cfg.AllowOrigins)))

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	if h.wsHandler != nil {
		api.GET("/ws", h.wsHandler.HandleWebSocket)
		api.GET("/ws/stats", h.wsHandler.HandleStats)
	}

	groups := api.Group("/groups/:group")
	groups.Use(middleware.Auth(cfg.Tokens))
	{
		views := groups.Group("")
		views.Use(middleware.RateLimit(cfg.ReadLimit), gzip.Gzip(gzip.DefaultCompression))
		views.GET("/leaderboard", h.GetLeaderboard)
		views.GET("/problems", h.GetProblems)
		views.GET("/problems/:problem/solutions", h.GetSolutions)

		writes := groups.Group("")
		writes.Use(middleware.RequireUser(), middleware.RateLimit(cfg.WriteLimit))
		writes.POST("/members", h.JoinGroup)
		writes.DELETE("/members", h.LeaveGroup)
		writes.POST("/problems/:problem/submissions", h.RecordSubmission)
		writes.POST("/problems/:problem/solutions/:solution/upvote", h.ToggleUpvote)
		writes.POST("/reconcile/:problem/:solution", h.Reconcile)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": "no such route"}})
	})
	return r
}

func corsConfig(origins []string) cors.Config {
	config := cors.DefaultConfig()
	config.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", middleware.RequestIDHeader}
	config.ExposeHeaders = []string{middleware.RequestIDHeader, "Retry-After"}
	config.MaxAge = 12 * time.Hour

	config.AllowAllOrigins = len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			config.AllowAllOrigins = true
		}
	}
	if !config.AllowAllOrigins {
		config.AllowOrigins = origins
	}
	return config
}
