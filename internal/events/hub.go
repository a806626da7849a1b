// Package events pushes session and reminder events to connected clients
// over WebSocket.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/avolkov/assistd/internal/domain"
)

// Event is one notification pushed to a user's connected clients.
type Event struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	Status     string    `json:"status,omitempty"`
	ReminderID string    `json:"reminder_id,omitempty"`
	Payload    string    `json:"payload,omitempty"`
	At         time.Time `json:"at"`
}

const (
	EventSessionStatus    = "session_status"
	EventReminderFired    = "reminder_fired"
	EventAssistantMessage = "assistant_message"
)

// writeTimeout bounds a single push so one stalled client cannot block
// the publisher.
const writeTimeout = 5 * time.Second

// Hub tracks active WebSocket connections per user and fans events out
// to all of a user's clients.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// GetActive returns the connection registered under a user and connID.
func (h *Hub) GetActive(userID, connID string) *websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if conns, ok := h.active[userID]; ok {
		return conns[connID]
	}
	return nil
}

// Register adds a connection for a user. connID distinguishes multiple
// tabs or devices; registering the same connID again replaces the old
// connection.
func (h *Hub) Register(userID, connID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[userID]; !exists {
		h.active[userID] = make(map[string]*websocket.Conn)
	}

	if existing, exists := h.active[userID][connID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}

	h.active[userID][connID] = conn
	slog.Info("Event stream registered", "user_id", userID, "conn_id", connID)
}

// Unregister removes a connection for a user.
func (h *Hub) Unregister(userID, connID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.active[userID]; ok {
		if current, exists := conns[connID]; exists && current == conn {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(h.active, userID)
			}
			slog.Info("Event stream unregistered", "user_id", userID, "conn_id", connID)
		}
	}
}

// CloseUser terminates all of a user's connections.
func (h *Hub) CloseUser(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.active[userID]
	if !ok {
		return
	}
	for id, conn := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		slog.Info("Event stream closed", "user_id", userID, "conn_id", id)
	}
	delete(h.active, userID)
}

// Publish pushes an event to all of a user's connections. Delivery is
// best effort; a failed write closes that connection and moves on.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.RLock()
	conns := make(map[string]*websocket.Conn, len(h.active[ev.UserID]))
	for id, conn := range h.active[ev.UserID] {
		conns[id] = conn
	}
	h.mu.RUnlock()

	for id, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, conn, ev)
		cancel()
		if err != nil {
			slog.Warn("Event push failed, dropping connection",
				"user_id", ev.UserID, "conn_id", id, "error", err)
			_ = conn.Close(websocket.StatusInternalError, "write failed")
			h.Unregister(ev.UserID, id, conn)
		}
	}
}

// SessionStatusChanged implements the lifecycle notifier.
func (h *Hub) SessionStatusChanged(userID string, status domain.SessionStatus) {
	h.Publish(Event{
		Type:   EventSessionStatus,
		UserID: userID,
		Status: string(status),
	})
}

// ReminderFired announces a delivered reminder.
func (h *Hub) ReminderFired(userID, reminderID, payload string) {
	h.Publish(Event{
		Type:       EventReminderFired,
		UserID:     userID,
		ReminderID: reminderID,
		Payload:    payload,
	})
}

// AssistantReply announces the assistant's reply to a user message.
func (h *Hub) AssistantReply(userID, reply string) {
	h.Publish(Event{
		Type:    EventAssistantMessage,
		UserID:  userID,
		Payload: reply,
	})
}
