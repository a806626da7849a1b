package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avolkov/assistd/internal/domain"
	"github.com/avolkov/assistd/internal/identity"
)

// entryListLimit caps the ledger history returned by the usage endpoint.
const entryListLimit = 50

// OutstandingReader reports a user's held credit.
type OutstandingReader interface {
	Outstanding(userID string) int64
}

// CreditHandler handles usage and credit purchase endpoints.
type CreditHandler struct {
	*Handler
	credits       CreditControl
	outstanding   OutstandingReader
	webhookSecret string
}

// NewCreditHandler creates a new credit handler.
func NewCreditHandler(base *Handler, credits CreditControl, outstanding OutstandingReader, webhookSecret string) *CreditHandler {
	return &CreditHandler{
		Handler:       base,
		credits:       credits,
		outstanding:   outstanding,
		webhookSecret: webhookSecret,
	}
}

// RegisterRoutes registers usage and webhook routes. The webhook route is
// registered separately by the caller because it must bypass the
// anonymous identity middleware.
func (h *CreditHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/usage", h.GetUsage)
}

// RegisterWebhook registers the payment provider webhook.
func (h *CreditHandler) RegisterWebhook(r chi.Router) {
	r.Post("/api/credits/webhook", h.PurchaseWebhook)
}

// GetUsage returns the user's balance, held credit and recent ledger
// entries.
func (h *CreditHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	balance, err := h.credits.Balance(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to read balance", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to read balance")
		return
	}

	entries, err := h.credits.Entries(r.Context(), userID, entryListLimit)
	if err != nil {
		slog.Error("Failed to read ledger entries", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to read usage history")
		return
	}

	held := h.outstanding.Outstanding(userID)
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"amount_cents":  e.AmountCents,
			"reason":        string(e.Reason),
			"balance_after": e.BalanceAfterCents,
			"created_at":    e.CreatedAt.Format(time.RFC3339),
		})
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"balance_cents":   balance,
		"held_cents":      held,
		"available_cents": balance - held,
		"entries":         out,
	})
}

type purchaseWebhookRequest struct {
	UserID      string `json:"user_id"`
	AmountCents int64  `json:"amount_cents"`
	PurchaseID  string `json:"purchase_id"`
}

// PurchaseWebhook credits a completed purchase. The purchase ID doubles
// as the idempotency key, so provider retries never double-credit.
func (h *CreditHandler) PurchaseWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret == "" {
		Error(w, http.StatusNotFound, "not found")
		return
	}
	secret := r.Header.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.webhookSecret)) != 1 {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req purchaseWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.PurchaseID == "" || req.AmountCents <= 0 {
		Error(w, http.StatusBadRequest, "user_id, purchase_id and a positive amount_cents are required")
		return
	}

	balance, err := h.credits.Credit(r.Context(), req.UserID, req.AmountCents, domain.ReasonPurchase, "purchase:"+req.PurchaseID)
	if err != nil {
		slog.Error("Failed to credit purchase",
			"error", err, "user_id", req.UserID, "purchase_id", req.PurchaseID)
		Error(w, http.StatusInternalServerError, "failed to credit purchase")
		return
	}

	slog.Info("Purchase credited",
		"user_id", req.UserID,
		"purchase_id", req.PurchaseID,
		"amount_cents", req.AmountCents,
		"balance_cents", balance,
	)
	JSON(w, http.StatusOK, map[string]interface{}{"balance_cents": balance})
}
