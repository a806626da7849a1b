package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avolkov/assistd/internal/domain"
	"github.com/avolkov/assistd/internal/identity"
	"github.com/avolkov/assistd/internal/lifecycle"
)

// maxMessageBytes bounds a single user message body.
const maxMessageBytes = 64 * 1024

// SessionHandler handles message and session endpoints.
type SessionHandler struct {
	*Handler
	messenger Messenger
	sessions  SessionControl
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler, messenger Messenger, sessions SessionControl) *SessionHandler {
	return &SessionHandler{Handler: base, messenger: messenger, sessions: sessions}
}

// RegisterRoutes registers message and session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Post("/messages", h.PostMessage)
		r.Get("/session", h.GetSession)
		r.Post("/session/provision", h.Provision)
		r.Delete("/session", h.Destroy)
	})
}

// GetMe returns the current user's information.
func (h *SessionHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  user.UserID,
		"username": user.Username,
		"timezone": user.Timezone,
	})
}

type postMessageRequest struct {
	Text string `json:"text"`
}

// PostMessage runs one user message through the orchestration pipeline
// and returns the assistant's reply with the billed cost.
func (h *SessionHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	conversationID := identity.ConversationIDFromContext(r.Context())

	var req postMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "message text is required")
		return
	}

	reply, err := h.messenger.HandleMessage(r.Context(), userID, conversationID, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInsufficientCredit):
			Error(w, http.StatusPaymentRequired, "insufficient credit")
		case errors.Is(err, lifecycle.ErrProvisionFailed), errors.Is(err, lifecycle.ErrWakeFailed):
			slog.Error("Failed to bring up session for message", "error", err, "user_id", userID)
			Error(w, http.StatusServiceUnavailable, "session unavailable")
		default:
			slog.Error("Failed to handle message", "error", err, "user_id", userID)
			Error(w, http.StatusInternalServerError, "failed to handle message")
		}
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"reply":         reply.Text,
		"cost_cents":    reply.CostCents,
		"balance_cents": reply.BalanceCents,
	})
}

// GetSession returns the current session state without touching the
// container or the idle clock.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	sess, err := h.sessions.Status(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to read session status", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to read session")
		return
	}
	if sess == nil {
		JSON(w, http.StatusOK, map[string]interface{}{"status": "none"})
		return
	}

	JSON(w, http.StatusOK, sessionResponse(sess))
}

// Provision brings the user's session to running without dispatching a
// message. Used by clients that want a warm container before the first
// message.
func (h *SessionHandler) Provision(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	sess, err := h.sessions.EnsureRunning(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to provision session", "error", err, "user_id", userID)
		Error(w, http.StatusServiceUnavailable, "failed to provision session")
		return
	}

	slog.Info("Session provisioned", "user_id", userID, "container_id", sess.ContainerID)
	JSON(w, http.StatusOK, sessionResponse(sess))
}

// Destroy removes the user's container and marks the session deleted.
func (h *SessionHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	if err := h.sessions.Delete(r.Context(), userID); err != nil {
		slog.Error("Failed to destroy session", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to destroy session")
		return
	}

	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func sessionResponse(sess *domain.Session) map[string]interface{} {
	resp := map[string]interface{}{
		"status":         string(sess.Status),
		"container_id":   sess.ContainerID,
		"last_active_at": sess.LastActiveAt.Format(time.RFC3339),
	}
	if !sess.IdleDeadline.IsZero() {
		resp["idle_deadline"] = sess.IdleDeadline.Format(time.RFC3339)
	}
	return resp
}
