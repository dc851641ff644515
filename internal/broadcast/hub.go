// Package broadcast exposes the agent's conscious state over websockets and
// feeds user chat messages back onto the event bus.
package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/cortexmind/cortex/internal/agent"
	"github.com/cortexmind/cortex/internal/bus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// messageTypeConsciousness tags outbound state updates.
	messageTypeConsciousness = "agent_consciousness"

	// broadcastBacklog bounds pending updates when no client is reading.
	broadcastBacklog = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all connections for now.
		// TODO: Implement a proper origin check.
		return true
	},
}

// envelope is the wire frame for every outbound message.
type envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// chatMessage is what a connected client sends to talk to the agent.
type chatMessage struct {
	RequestID string `json:"request_id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	Text      string `json:"text"`
}

// client is a middleman between one websocket connection and the hub.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	// Buffered channel of outbound messages.
	send chan []byte
}

// readPump pumps messages from the websocket connection onto the event bus.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Websocket client read error", zap.Error(err))
			}
			break
		}

		var msg chatMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Error("Failed to unmarshal incoming message", zap.Error(err), zap.ByteString("message", message))
			continue
		}
		if msg.Text == "" {
			continue
		}
		if msg.RequestID == "" {
			msg.RequestID = uuid.New().String()
		}
		chatID := msg.ChatID
		if chatID == "" {
			chatID = c.id
		}

		c.hub.logger.Info("Received chat message via WebSocket",
			zap.String("request_id", msg.RequestID),
			zap.String("chat_id", chatID))

		ev := bus.Event{
			ID:    msg.RequestID,
			Topic: bus.TopicUser,
			Kind:  bus.KindMessage,
			Payload: map[string]interface{}{
				"text":       msg.Text,
				"chat_id":    chatID,
				"request_id": msg.RequestID,
			},
			Source:    chatID,
			Priority:  bus.PriorityHigh,
			Timestamp: time.Now().UTC(),
		}
		// The connection has no request context; publishing is asynchronous.
		if err := c.hub.bus.Publish(context.Background(), ev); err != nil {
			c.hub.logger.Error("Failed to publish chat message", zap.Error(err))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued updates to the current websocket message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub fans consciousness updates out to connected websocket clients. It
// implements agent.Broadcaster.
type Hub struct {
	logger *zap.Logger
	bus    *bus.EventBus

	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
}

// NewHub creates a hub publishing inbound chat onto eventBus.
func NewHub(logger *zap.Logger, eventBus *bus.EventBus) *Hub {
	return &Hub{
		logger:     logger.Named("broadcast"),
		bus:        eventBus,
		broadcast:  make(chan []byte, broadcastBacklog),
		register:   make(chan *client),
		unregister: make(chan *client),
		clients:    make(map[*client]bool),
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Broadcast hub started")
	defer h.logger.Info("Broadcast hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("WebSocket client connected", zap.String("client_id", c.id))
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.Info("WebSocket client disconnected", zap.String("client_id", c.id))
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Slow client, drop it.
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a consciousness update for every connected client. It
// never blocks; when the hub is saturated the update is dropped.
func (h *Hub) Broadcast(update agent.ConsciousnessUpdate) {
	data, err := json.Marshal(envelope{Type: messageTypeConsciousness, Payload: update})
	if err != nil {
		h.logger.Error("Failed to marshal consciousness update", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Debug("Broadcast backlog full, dropping update", zap.Int64("cycle", update.Cycle))
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades an HTTP request and attaches the client to the hub.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}
	c := &client{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}
