package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/zfogg/livecache/internal/logger"
	"github.com/zfogg/livecache/internal/metrics"
	"github.com/zfogg/livecache/internal/registry"
	"github.com/zfogg/livecache/internal/store"
	"github.com/zfogg/livecache/internal/subscription"
	"github.com/zfogg/livecache/internal/view"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Send buffer size
	sendBufferSize = 256
)

// Client is one websocket connection and everything it holds in the
// registry. All of its subscriptions and views share one registry scope.
type Client struct {
	conn *websocket.Conn
	hub  *Hub
	reg  *registry.Registry

	// ID is unique per connection and names the registry scope
	ID     string
	UserID string

	send chan []byte

	ConnectedAt time.Time
	RemoteAddr  string
	UserAgent   string

	rateLimiter *RateLimiter

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards closed
	mu     sync.RWMutex
	closed bool

	// stateMu guards subs and views. Never held while calling into
	// streams or views, whose callbacks send on this client.
	stateMu sync.Mutex
	subs    map[store.Path]*pathWatch
	views   map[string]*viewWatch
}

type pathWatch struct {
	stream *subscription.Stream
	cancel func()
}

type viewWatch struct {
	query  WatchViewPayload
	handle *view.Handle[any]
	cancel func()
}

// RateLimiter implements a simple token bucket rate limiter
type RateLimiter struct {
	tokens    float64
	maxTokens float64
	refill    float64
	lastTime  time.Time
	mu        sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxPerSecond int, burst int) *RateLimiter {
	return &RateLimiter{
		tokens:    float64(burst),
		maxTokens: float64(burst),
		refill:    float64(maxPerSecond),
		lastTime:  time.Now(),
	}
}

// Allow checks if an action is allowed and consumes a token
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.lastTime).Seconds()
	r.lastTime = now

	r.tokens += elapsed * r.refill
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}

	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// NewClient creates a client for conn. userID may be empty for anonymous
// connections.
func NewClient(hub *Hub, conn *websocket.Conn, reg *registry.Registry, userID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	config := hub.GetRateLimitConfig()

	return &Client{
		hub:         hub,
		conn:        conn,
		reg:         reg,
		ID:          uuid.NewString(),
		UserID:      userID,
		send:        make(chan []byte, sendBufferSize),
		ConnectedAt: time.Now(),
		rateLimiter: NewRateLimiter(config.MaxMessagesPerSecond, config.BurstSize),
		ctx:         ctx,
		cancel:      cancel,
		subs:        make(map[store.Path]*pathWatch),
		views:       make(map[string]*viewWatch),
	}
}

// Scope is the registry scope holding this connection's streams
func (c *Client) Scope() registry.Scope {
	return registry.Scope("ws:" + c.ID)
}

// ReadPump reads messages until the connection ends, then releases
// everything the client holds
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.releaseAll()
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	m := metrics.Get()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		readCtx, readCancel := context.WithTimeout(c.ctx, pongWait)
		_, data, err := c.conn.Read(readCtx)
		readCancel()

		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				logger.Log.Debug("Client disconnected normally", logger.WithConnID(c.ID))
			} else if c.ctx.Err() == nil {
				logger.Log.Warn("Read error for client", logger.WithConnID(c.ID), zap.Error(err))
				c.hub.metrics.Errors.Add(1)
			}
			return
		}

		if !c.rateLimiter.Allow() {
			c.SendError(ErrorCodeRateLimited, "Too many messages, please slow down")
			c.hub.metrics.Errors.Add(1)
			continue
		}

		c.hub.metrics.MessagesReceived.Add(1)
		m.WebSocketMessages.WithLabelValues("in").Inc()

		var message Message
		if err := json.Unmarshal(data, &message); err != nil {
			logger.Log.Debug("WebSocket JSON parse error", logger.WithConnID(c.ID), zap.Error(err))
			c.SendError(ErrorCodeInvalidJSON, "Failed to parse message")
			continue
		}

		c.handleMessage(&message)
	}
}

// WritePump writes queued messages and keeps the connection alive
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case message := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeWait)
			err := c.conn.Write(ctx, websocket.MessageText, message)
			cancel()

			if err != nil {
				if c.ctx.Err() == nil {
					logger.Log.Warn("Write error for client", logger.WithConnID(c.ID), zap.Error(err))
					c.hub.metrics.Errors.Add(1)
				}
				return
			}
			c.hub.metrics.MessagesSent.Add(1)
			metrics.Get().WebSocketMessages.WithLabelValues("out").Inc()

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, writeWait)
			err := c.conn.Ping(ctx)
			cancel()

			if err != nil {
				logger.Log.Debug("Ping failed for client", logger.WithConnID(c.ID), zap.Error(err))
				return
			}
		}
	}
}

// handleMessage routes incoming messages to appropriate handlers
func (c *Client) handleMessage(message *Message) {
	if message.Type == MessageTypePing {
		c.handlePing(message)
		return
	}

	if handler, ok := c.hub.GetHandler(message.Type); ok {
		if err := handler(c, message); err != nil {
			logger.Log.Debug("Handler error",
				logger.WithConnID(c.ID),
				zap.String("type", message.Type),
				zap.Error(err))
			c.sendReplyError(message, err)
		}
		return
	}

	c.SendError(ErrorCodeUnknownType, fmt.Sprintf("Unknown message type: %s", message.Type))
}

// handlePing responds to ping messages with pong
func (c *Client) handlePing(message *Message) {
	var ping PingPayload
	if err := message.ParsePayload(&ping); err != nil {
		ping.ClientTime = 0
	}

	serverTime := time.Now().UnixMilli()
	latency := int64(0)
	if ping.ClientTime > 0 {
		latency = serverTime - ping.ClientTime
	}

	// connection may be closing
	_ = c.Send(NewReply(message, MessageTypePong, PongPayload{
		ClientTime: ping.ClientTime,
		ServerTime: serverTime,
		Latency:    latency,
	}))
}

// Send queues a message. A client that cannot keep up is disconnected.
func (c *Client) Send(message *Message) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return fmt.Errorf("client connection closed")
	}
	c.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("client shutting down")
	default:
		c.hub.metrics.ConnectionsDropped.Add(1)
		metrics.Get().WebSocketMessages.WithLabelValues("dropped").Inc()
		logger.Log.Warn("Send buffer full, dropping client", logger.WithConnID(c.ID))
		go c.Close()
		return fmt.Errorf("send buffer full")
	}
}

// SendError sends an error message to the client
func (c *Client) SendError(code, message string) {
	_ = c.Send(NewErrorMessage(code, message))
}

// Close closes the connection. Held streams are released by ReadPump.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "closing")
}

// IsClosed returns whether the client connection is closed
func (c *Client) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Holding reports how many paths and views the client watches
func (c *Client) Holding() (paths, views int) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return len(c.subs), len(c.views)
}

// releaseAll stops every watch and returns the scope's streams to the registry
func (c *Client) releaseAll() {
	c.stateMu.Lock()
	subs, views := c.subs, c.views
	c.subs = make(map[store.Path]*pathWatch)
	c.views = make(map[string]*viewWatch)
	c.stateMu.Unlock()

	for _, w := range subs {
		if w.cancel != nil {
			w.cancel()
		}
	}
	for id, w := range views {
		if w.cancel != nil {
			w.cancel()
		}
		if err := w.handle.Close(); err != nil {
			logger.Log.Debug("Closing view failed", logger.WithConnID(c.ID), zap.String("view_id", id), zap.Error(err))
		}
	}
	n := c.reg.ReleaseScope(c.Scope())
	logger.Log.Debug("Released client scope",
		logger.WithConnID(c.ID),
		logger.WithScope(string(c.Scope())),
		zap.Int("paths", len(subs)),
		zap.Int("views", len(views)),
		zap.Int("entries", n),
	)
}

// GetInfo returns client information
func (c *Client) GetInfo() ClientInfo {
	paths, views := c.Holding()
	return ClientInfo{
		ID:          c.ID,
		UserID:      c.UserID,
		ConnectedAt: c.ConnectedAt,
		RemoteAddr:  c.RemoteAddr,
		UserAgent:   c.UserAgent,
		Paths:       paths,
		Views:       views,
	}
}

// ClientInfo represents public client information
type ClientInfo struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	RemoteAddr  string    `json:"remote_addr"`
	UserAgent   string    `json:"user_agent"`
	Paths       int       `json:"paths"`
	Views       int       `json:"views"`
}
