// Package websocket implements the status event hub the UI shell
// subscribes to. The daemon pushes license lifecycle events (activated,
// deactivated, expired, restored) so the shell can refresh without
// polling. Events are advisory; the REST API remains the source of truth.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"scanmaster/internal/config"
)

// Message type constants on the wire.
const (
	TypeConnection    = "connection"
	TypeLicenseStatus = "license:status"
)

// Hub maintains the set of active clients and fans events out to them.
type Hub struct {
	cfg config.WebSocketConfig

	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	logger  *slog.Logger
	quit    chan struct{}
	running bool

	totalConnections int64
	messagesSent     int64
	messagesDropped  int64
}

// NewHub creates a hub. Call Start before wiring it to handlers.
func NewHub(cfg config.WebSocketConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:        cfg,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		quit:       make(chan struct{}),
	}
}

// Start launches the hub loop. Safe to call once.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.Run()
}

// Run is the hub's main loop. Start runs it in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.logger.Info("hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.totalConnections++
			h.mu.Unlock()

			h.logger.Info("client registered",
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr),
				slog.Int("total_clients", count))

			welcome, err := json.Marshal(map[string]any{
				"type": TypeConnection,
				"data": map[string]any{
					"status":    "connected",
					"client_id": client.id,
				},
				"timestamp": time.Now().Format(time.RFC3339),
			})
			if err == nil {
				select {
				case client.send <- welcome:
				default:
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				count := len(h.clients)
				h.mu.Unlock()

				h.logger.Info("client unregistered",
					slog.String("client_id", client.id),
					slog.Duration("connected_for", time.Since(client.connectedAt)),
					slog.Int("total_clients", count))
			} else {
				h.mu.Unlock()
			}

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- message:
					h.mu.Lock()
					h.messagesSent++
					h.mu.Unlock()
				default:
					// Client cannot keep up; drop it rather than stall
					// every other subscriber.
					h.mu.Lock()
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
					h.mu.Unlock()

					h.logger.Warn("client send buffer full, disconnecting",
						slog.String("client_id", client.id))
				}
			}
		}
	}
}

// Stop shuts the hub down and disconnects every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// Register queues a client for registration. Callers must have Started
// the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastLicenseStatus pushes a license lifecycle event to every
// connected client. Events queue into a bounded buffer; when the queue is
// full the event is dropped instead of stalling the caller, since the
// shell refetches status over REST anyway.
func (h *Hub) BroadcastLicenseStatus(event, status string) {
	h.BroadcastJSON(map[string]any{
		"type": TypeLicenseStatus,
		"data": map[string]any{
			"event":  event,
			"status": status,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// BroadcastJSON marshals and enqueues an arbitrary event message.
func (h *Hub) BroadcastJSON(message map[string]any) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("marshal broadcast message", slog.String("error", err.Error()))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.mu.Lock()
		h.messagesDropped++
		h.mu.Unlock()
		h.logger.Warn("broadcast queue full, event dropped",
			slog.Int("queue_size", cap(h.broadcast)))
	}
}

// HubStats is a point-in-time snapshot of hub counters.
type HubStats struct {
	ActiveClients    int   `json:"active_clients"`
	TotalConnections int64 `json:"total_connections"`
	MessagesSent     int64 `json:"messages_sent"`
	MessagesDropped  int64 `json:"messages_dropped"`
}

// Stats returns current hub counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{
		ActiveClients:    len(h.clients),
		TotalConnections: h.totalConnections,
		MessagesSent:     h.messagesSent,
		MessagesDropped:  h.messagesDropped,
	}
}
