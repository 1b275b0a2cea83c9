package websocket

import (
	"errors"
	"sync"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/utils/log"
)

var ErrSessionConnected = errors.New("session already has a websocket connection")

// Hub tracks at most one connected client per chat session.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.clients[client.sessionID]; ok && !existing.IsClosed() {
		return ErrSessionConnected
	}
	h.clients[client.sessionID] = client
	log.WithCtx(client.ctx).Debug("New client registered")
	return nil
}

// Unregister removes a client from the hub and closes it
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if current, ok := h.clients[client.sessionID]; ok && current == client {
		delete(h.clients, client.sessionID)
	}
	h.mu.Unlock()

	client.Close()
	log.WithCtx(client.ctx).Debug("Client unregistered")
}

// SendToSession sends a message to the client of a session
func (h *Hub) SendToSession(sessionID string, message []byte) error {
	client := h.GetClient(sessionID)
	if client == nil {
		return errors.New("no client connected for session " + sessionID)
	}
	return client.SendMessage(message)
}

// GetClient returns the live client of a session, if any
func (h *Hub) GetClient(sessionID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[sessionID]
	if !ok || client.IsClosed() {
		return nil
	}
	return client
}

// IsSessionConnected checks if a session already has a live connection
func (h *Hub) IsSessionConnected(sessionID string) bool {
	return h.GetClient(sessionID) != nil
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
