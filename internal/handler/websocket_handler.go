// internal/handler/websocket_handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sniffer-bench/internal/service"
	"sniffer-bench/internal/utils"
)

// WebSocketMessage is the envelope for every frame on the event stream.
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// wsClient is one connected event stream consumer. The send channel is
// never closed; teardown is signalled through done so that a forwarder
// or broadcast racing the disconnect can never send on a closed
// channel.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	sub  *service.Subscription

	done chan struct{}
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

// WebSocketHandler streams registry events and smoke test progress to
// connected clients. Each client gets its own registry subscription so
// event ordering holds per consumer.
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	registry *service.Registry
	logger   *utils.ServiceLogger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(registry *service.Registry, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Bench tool on a trusted network; origin filtering is
				// the deployment's concern.
				return true
			},
		},
		registry: registry,
		logger:   utils.NewServiceLogger(logger, "websocket-handler"),
		clients:  make(map[*wsClient]struct{}),
	}
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/events", h.HandleEventConnection)
}

// HandleEventConnection upgrades the request and starts streaming
// fleet events to the client
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &wsClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 256),
		sub:  h.registry.Subscribe(),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("Event WebSocket client connected",
		zap.String("client_id", client.id),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	go h.forwardEvents(client)
	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

// forwardEvents moves registry events from the client's subscription
// into its send queue.
func (h *WebSocketHandler) forwardEvents(client *wsClient) {
	for ev := range client.sub.Events() {
		msg := &WebSocketMessage{
			Type:      string(ev.Type),
			Data:      ev,
			Timestamp: ev.Timestamp,
		}
		h.enqueue(client, msg)
	}
}

// handleClientRead drains inbound frames; the stream is one-way, so
// reads only serve close and pong detection.
func (h *WebSocketHandler) handleClientRead(client *wsClient) {
	defer h.disconnect(client)

	client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.id),
				)
			}
			return
		}
	}
}

// handleClientWrite pumps the send queue to the wire with periodic
// pings.
func (h *WebSocketHandler) handleClientWrite(client *wsClient) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case <-client.done:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			client.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.id),
				)
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// disconnect detaches and closes one client.
func (h *WebSocketHandler) disconnect(client *wsClient) {
	h.mu.Lock()
	_, present := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()
	if !present {
		return
	}

	// Signal first so late enqueues bail out, then detach the
	// subscription; its forwarder exits when the event channel closes.
	client.close()
	client.sub.Close()
	client.conn.Close()

	h.logger.Info("Event WebSocket client disconnected",
		zap.String("client_id", client.id),
	)
}

// enqueue offers one message to a client without blocking.
func (h *WebSocketHandler) enqueue(client *wsClient, msg *WebSocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	select {
	case <-client.done:
	case client.send <- data:
	default:
		h.logger.Warn("Client send channel full, dropping message",
			zap.String("client_id", client.id),
		)
	}
}

// Broadcast fans one message out to every connected client.
func (h *WebSocketHandler) Broadcast(msgType string, data interface{}) {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	msg := &WebSocketMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	}
	for _, client := range clients {
		h.enqueue(client, msg)
	}
}

// SmokeProgress returns a progress hook that streams step completions
// over the event stream.
func (h *WebSocketHandler) SmokeProgress() service.ProgressFunc {
	return func(deviceID string, stepIndex, stepCount int, result service.StepResult) {
		h.Broadcast("smoke_progress", gin.H{
			"device_id":  deviceID,
			"step_index": stepIndex,
			"step_count": stepCount,
			"result":     result,
		})
	}
}
