package ws

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"heartlink-backend/internal/dispatch"
	"heartlink-backend/pkg/constants"
	"heartlink-backend/pkg/logger"
	"heartlink-backend/pkg/metrics"
)

// Presence tracks which users hold an open event stream
type Presence interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
	RefreshPresence(ctx context.Context, userID uuid.UUID) error
}

// EventsHub fans call notifications out to connected devices. Each user gets
// one Redis subscription shared by all their devices; a user with no open
// connections is offline and push escalation takes over.
type EventsHub struct {
	// Connected clients per user
	users map[uuid.UUID]map[*EventsClient]bool

	// Cancel functions for per-user subscriptions
	subscriptionCancels map[uuid.UUID]context.CancelFunc

	redisClient *redis.Client
	presence    Presence
	metrics     *metrics.Metrics

	mu sync.RWMutex

	register   chan *EventsClient
	unregister chan *EventsClient

	maxConnections int
	semaphore      chan struct{}

	connections int
}

// EventsClient represents one device's WebSocket connection
type EventsClient struct {
	hub    *EventsHub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc
}

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		for _, allowed := range allowedOrigins() {
			if origin == allowed {
				return true
			}
		}
		return false
	},
}

func allowedOrigins() []string {
	raw := os.Getenv("WS_ALLOWED_ORIGINS")
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	origins := strings.Split(raw, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	return origins
}

// NewEventsHub creates a hub and starts its run loop
func NewEventsHub(redisClient *redis.Client, presence Presence, m *metrics.Metrics) *EventsHub {
	maxConns := 10000
	if val := os.Getenv("WS_MAX_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	hub := &EventsHub{
		users:               make(map[uuid.UUID]map[*EventsClient]bool),
		subscriptionCancels: make(map[uuid.UUID]context.CancelFunc),
		redisClient:         redisClient,
		presence:            presence,
		metrics:             m,
		register:            make(chan *EventsClient),
		unregister:          make(chan *EventsClient),
		maxConnections:      maxConns,
		semaphore:           make(chan struct{}, maxConns),
	}

	go hub.run()

	return hub
}

func (h *EventsHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			firstDevice := h.users[client.userID] == nil
			if firstDevice {
				h.users[client.userID] = make(map[*EventsClient]bool)

				ctx, cancel := context.WithCancel(context.Background())
				h.subscriptionCancels[client.userID] = cancel
				go h.subscribeToUser(ctx, client.userID)
			}
			h.users[client.userID][client] = true
			h.connections++
			h.recordConnections()
			h.mu.Unlock()

			if firstDevice {
				h.markOnline(client.userID)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			lastDevice := h.removeClientLocked(client)
			h.mu.Unlock()

			if lastDevice {
				h.markOffline(client.userID)
			}
		}
	}
}

// removeClientLocked detaches a client and tears down the user entry when it
// was the last device, cancelling the per-user subscription. Safe to call
// twice for the same client; the second call is a no-op. Caller holds h.mu
// and marks the user offline when this returns true.
func (h *EventsHub) removeClientLocked(client *EventsClient) bool {
	clients, ok := h.users[client.userID]
	if !ok {
		return false
	}
	if _, exists := clients[client]; !exists {
		return false
	}

	delete(clients, client)
	close(client.send)
	client.cancel()
	h.connections--
	h.recordConnections()

	if len(clients) == 0 {
		if cancel, ok := h.subscriptionCancels[client.userID]; ok {
			cancel()
			delete(h.subscriptionCancels, client.userID)
		}
		delete(h.users, client.userID)
		return true
	}

	return false
}

// subscribeToUser relays the user's Redis channel to all their devices.
// Payloads are already serialized notifications; they are forwarded as-is.
func (h *EventsHub) subscribeToUser(ctx context.Context, userID uuid.UUID) {
	channel := dispatch.UserChannel(userID)

	pubsub := h.redisClient.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		logger.Error("Failed to subscribe to user channel",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			if msg == nil {
				continue
			}
			h.deliverToUser(userID, []byte(msg.Payload))
		}
	}
}

func (h *EventsHub) deliverToUser(userID uuid.UUID, payload []byte) {
	droppedLast := false

	h.mu.Lock()
	for client := range h.users[userID] {
		select {
		case client.send <- payload:
			if h.metrics != nil {
				h.metrics.RecordWebSocketMessage("notification", "outbound")
			}
		default:
			// Slow consumer, drop the connection with the same teardown as
			// an unregister so the user's subscription never outlives their
			// last device
			if h.removeClientLocked(client) {
				droppedLast = true
			}
			if h.metrics != nil {
				h.metrics.RecordWebSocketError("slow_consumer")
			}
		}
	}
	h.mu.Unlock()

	if droppedLast {
		h.markOffline(userID)
	}
}

func (h *EventsHub) markOnline(userID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	if err := h.presence.SetUserOnline(ctx, userID); err != nil {
		logger.Warn("Failed to mark user online",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

func (h *EventsHub) markOffline(userID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	if err := h.presence.SetUserOffline(ctx, userID); err != nil {
		logger.Warn("Failed to mark user offline",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

func (h *EventsHub) recordConnections() {
	if h.metrics != nil {
		h.metrics.SetWebSocketConnections(h.connections)
	}
}

// ServeWS upgrades the connection and attaches the device to its user's
// notification stream
// GET /v1/ws/events
func (h *EventsHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	userIDVal, exists := c.Get("user_id")
	if !exists {
		<-h.semaphore
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		<-h.semaphore
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	conn, err := eventsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &EventsClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
		ctx:    ctx,
		cancel: cancel,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump consumes the connection so control frames are processed. Clients
// do not send application messages here; signaling goes over HTTP.
func (c *EventsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
		<-c.hub.semaphore
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval * 2))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval * 2))

		// A live pong extends the presence record
		ctx, cancel := context.WithTimeout(c.ctx, 2*time.Second)
		defer cancel()
		if err := c.hub.presence.RefreshPresence(ctx, c.userID); err != nil {
			logger.Debug("Failed to refresh presence",
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
		}
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			break
		}
	}
}

// writePump writes notifications and keepalive pings to the connection
func (c *EventsClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
