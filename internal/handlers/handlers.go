// Package handlers serves the forum over HTTP: transactional writes as POST
// routes and one-shot reads of the derived views as GET routes.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	apperrors "github.com/zfogg/livecache/internal/errors"
	"github.com/zfogg/livecache/internal/forum"
	"github.com/zfogg/livecache/internal/logger"
	"github.com/zfogg/livecache/internal/middleware"
	"github.com/zfogg/livecache/internal/registry"
	"github.com/zfogg/livecache/internal/websocket"
	"go.uber.org/zap"
)

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Handlers contains all HTTP handlers for the API
type Handlers struct {
	forum     *forum.Service
	reg       *registry.Registry
	wsHandler *websocket.Handler
	checks    map[string]HealthCheck
}

// NewHandlers creates a new handlers instance
func NewHandlers(svc *forum.Service, reg *registry.Registry) *Handlers {
	return &Handlers{
		forum:  svc,
		reg:    reg,
		checks: make(map[string]HealthCheck),
	}
}

// SetWebSocketHandler sets the WebSocket handler served on /api/v1/ws
func (h *Handlers) SetWebSocketHandler(ws *websocket.Handler) {
	h.wsHandler = ws
}

// AddHealthCheck registers a dependency probed by /healthz
func (h *Handlers) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// Health probes every registered dependency
// GET /healthz
func (h *Handlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			logger.Log.Warn("Health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":           state,
		"checks":           checks,
		"upvote_mode":      h.forum.Mode(),
		"registry_entries": h.reg.Len(),
		"timestamp":        time.Now().UTC(),
		"service":          "livecache",
	})
}

// respondError writes err as an API error with the status its code maps to
func respondError(c *gin.Context, err error) {
	apiErr := apperrors.FromError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		logger.Log.Error("Request failed",
			logger.WithRequestID(middleware.GetRequestID(c)),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		_ = c.Error(err)
	}
	c.JSON(apiErr.Status, gin.H{"error": apiErr})
}
