// Package api provides HTTP handlers for the assistd API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avolkov/assistd/internal/domain"
	"github.com/avolkov/assistd/internal/orchestrator"
	"github.com/avolkov/assistd/internal/store"
)

// Messenger runs a user message through the orchestration pipeline.
type Messenger interface {
	HandleMessage(ctx context.Context, userID, conversationID, text string) (*orchestrator.Reply, error)
}

// SessionControl is the slice of the lifecycle manager the API exposes.
type SessionControl interface {
	EnsureRunning(ctx context.Context, userID string) (*domain.Session, error)
	Status(ctx context.Context, userID string) (*domain.Session, error)
	Delete(ctx context.Context, userID string) error
}

// ReminderControl is the slice of the reminder scheduler the API exposes.
type ReminderControl interface {
	Schedule(ctx context.Context, rem *domain.Reminder) error
	Cancel(ctx context.Context, reminderID string) error
	Pause(ctx context.Context, reminderID string) error
	Resume(ctx context.Context, reminderID string) error
	Get(ctx context.Context, reminderID string) (*domain.Reminder, error)
	List(ctx context.Context, userID string) ([]*domain.Reminder, error)
}

// CreditControl is the slice of the ledger the API exposes.
type CreditControl interface {
	Credit(ctx context.Context, userID string, amountCents int64, reason domain.LedgerReason, idempotencyKey string) (int64, error)
	Balance(ctx context.Context, userID string) (int64, error)
	Entries(ctx context.Context, userID string, limit int) ([]*domain.LedgerEntry, error)
}

// Handler provides common handler utilities.
type Handler struct {
	repo store.Repository
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository) *Handler {
	return &Handler{repo: repo}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo store.Repository
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
