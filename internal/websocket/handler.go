package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/zfogg/livecache/internal/auth"
	"github.com/zfogg/livecache/internal/logger"
	"github.com/zfogg/livecache/internal/registry"
	"go.uber.org/zap"
)

// Handler handles WebSocket HTTP upgrade requests
type Handler struct {
	hub    *Hub
	reg    *registry.Registry
	tokens auth.TokenValidator

	// OriginPatterns are passed to websocket.Accept; "*" accepts any origin
	OriginPatterns []string
}

// NewHandler creates a websocket handler. With a nil tokens validator
// connections are anonymous; otherwise a valid token is required.
func NewHandler(hub *Hub, reg *registry.Registry, tokens auth.TokenValidator) *Handler {
	return &Handler{
		hub:    hub,
		reg:    reg,
		tokens: tokens,
	}
}

// HandleWebSocket handles WebSocket upgrade requests.
// The token is read from ?token=... or an Authorization: Bearer header.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	userID, err := h.authenticateRequest(c)
	if err != nil {
		logger.Log.Debug("WebSocket auth failed", logger.WithIP(c.ClientIP()), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "authentication_failed",
			"message": err.Error(),
		})
		return
	}

	opts := &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	}
	for _, o := range h.OriginPatterns {
		if o == "*" {
			opts.InsecureSkipVerify = true
		}
	}
	if !opts.InsecureSkipVerify {
		opts.OriginPatterns = h.OriginPatterns
	}

	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		logger.Log.Warn("WebSocket upgrade failed", logger.WithIP(c.ClientIP()), zap.Error(err))
		return
	}

	client := NewClient(h.hub, conn, h.reg, userID)
	client.RemoteAddr = c.ClientIP()
	client.UserAgent = c.GetHeader("User-Agent")

	h.hub.Register(client)

	_ = client.Send(NewMessage(MessageTypeSystem, SystemPayload{
		Event: "connected",
		Data: map[string]interface{}{
			"connection_id": client.ID,
			"user_id":       userID,
			"server_time":   time.Now().UTC().UnixMilli(),
		},
	}))

	go client.WritePump()
	client.ReadPump() // blocks until the client disconnects
}

// authenticateRequest returns the caller's user id, or "" when the handler
// accepts anonymous connections
func (h *Handler) authenticateRequest(c *gin.Context) (string, error) {
	if h.tokens == nil {
		return "", nil
	}

	tokenString := c.Query("token")
	if header := c.GetHeader("Authorization"); header != "" {
		tokenString = strings.TrimPrefix(header, "Bearer ")
	}
	if tokenString == "" {
		return "", errors.New("no authentication token provided")
	}

	claims, err := h.tokens.Validate(tokenString)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// HandleStats returns WebSocket metrics and connected clients
func (h *Handler) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"websocket":        h.hub.GetMetrics(),
		"clients":          h.hub.Clients(),
		"registry_entries": h.reg.Len(),
		"timestamp":        time.Now().UTC(),
	})
}

// RegisterDefaultHandlers registers the subscription and view handlers
func (h *Handler) RegisterDefaultHandlers() {
	h.hub.RegisterHandler(MessageTypeSubscribe, (*Client).subscribe)
	h.hub.RegisterHandler(MessageTypeUnsubscribe, (*Client).unsubscribe)
	h.hub.RegisterHandler(MessageTypeWatchView, (*Client).watchView)
	h.hub.RegisterHandler(MessageTypeUnwatchView, (*Client).unwatchView)
}

// Shutdown gracefully shuts down the WebSocket handler
func (h *Handler) Shutdown(ctx context.Context) error {
	return h.hub.Shutdown(ctx)
}

// Hub returns the hub
func (h *Handler) Hub() *Hub {
	return h.hub
}
