package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/avolkov/assistd/internal/events"
	"github.com/avolkov/assistd/internal/identity"
)

// EventsHandler upgrades clients to the event stream.
type EventsHandler struct {
	hub *events.Hub
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(hub *events.Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

// RegisterRoutes registers the event stream route.
func (h *EventsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/events", h.ServeHTTP)
}

// ServeHTTP upgrades the connection and parks it in the hub until the
// client disconnects. The server only pushes; client frames are drained
// and discarded.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept event stream", "error", err, "user_id", userID)
		return
	}

	connID := uuid.NewString()
	h.hub.Register(userID, connID, ws)
	defer h.hub.Unregister(userID, connID, ws)

	// CloseRead drains incoming frames and cancels when the peer goes
	// away.
	ctx := ws.CloseRead(context.Background())
	<-ctx.Done()
	_ = ws.Close(websocket.StatusNormalClosure, "stream ended")
	slog.Debug("Event stream disconnected", "user_id", userID, "conn_id", connID)
}
