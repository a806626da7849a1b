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
)

// ReminderHandler handles reminder CRUD endpoints.
type ReminderHandler struct {
	*Handler
	reminders ReminderControl
}

// NewReminderHandler creates a new reminder handler.
func NewReminderHandler(base *Handler, reminders ReminderControl) *ReminderHandler {
	return &ReminderHandler{Handler: base, reminders: reminders}
}

// RegisterRoutes registers reminder routes.
func (h *ReminderHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/reminders", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/{reminderID}", h.Get)
		r.Put("/{reminderID}", h.Update)
		r.Delete("/{reminderID}", h.Delete)
		r.Post("/{reminderID}/pause", h.Pause)
		r.Post("/{reminderID}/resume", h.Resume)
	})
}

type reminderRequest struct {
	Payload  string `json:"payload"`
	Kind     string `json:"kind"`
	At       string `json:"at,omitempty"`
	Every    string `json:"every,omitempty"`
	CronExpr string `json:"cron,omitempty"`
}

func (req *reminderRequest) toSchedule() (domain.Schedule, error) {
	sched := domain.Schedule{Kind: domain.ScheduleKind(req.Kind)}
	switch sched.Kind {
	case domain.ScheduleAt:
		if req.At == "" {
			return sched, errors.New("one-time reminder needs an \"at\" timestamp")
		}
		at, err := time.Parse(time.RFC3339, req.At)
		if err != nil {
			return sched, errors.New("\"at\" must be an RFC 3339 timestamp")
		}
		sched.At = at
	case domain.ScheduleEvery:
		every, err := time.ParseDuration(req.Every)
		if err != nil {
			return sched, errors.New("\"every\" must be a duration like \"30m\"")
		}
		sched.Every = every
	case domain.ScheduleCron:
		sched.CronExpr = req.CronExpr
	}
	return sched, nil
}

// Create schedules a new reminder for the current user.
func (h *ReminderHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	conversationID := identity.ConversationIDFromContext(r.Context())

	var req reminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Payload) == "" {
		Error(w, http.StatusBadRequest, "reminder payload is required")
		return
	}

	sched, err := req.toSchedule()
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	rem := &domain.Reminder{
		UserID:         userID,
		Payload:        req.Payload,
		Schedule:       sched,
		ConversationID: conversationID,
	}
	if err := h.reminders.Schedule(r.Context(), rem); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	JSON(w, http.StatusCreated, reminderResponse(rem))
}

// List returns all of the current user's reminders.
func (h *ReminderHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	reminders, err := h.reminders.List(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list reminders", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list reminders")
		return
	}

	out := make([]map[string]interface{}, 0, len(reminders))
	for _, rem := range reminders {
		out = append(out, reminderResponse(rem))
	}
	JSON(w, http.StatusOK, map[string]interface{}{"reminders": out})
}

// Get returns one reminder.
func (h *ReminderHandler) Get(w http.ResponseWriter, r *http.Request) {
	rem, ok := h.ownedReminder(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, reminderResponse(rem))
}

// Update replaces a reminder's payload and schedule. The next fire time
// is recomputed from the new descriptor.
func (h *ReminderHandler) Update(w http.ResponseWriter, r *http.Request) {
	rem, ok := h.ownedReminder(w, r)
	if !ok {
		return
	}

	var req reminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Payload) == "" {
		Error(w, http.StatusBadRequest, "reminder payload is required")
		return
	}
	sched, err := req.toSchedule()
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	rem.Payload = req.Payload
	rem.Schedule = sched
	rem.NextFireAt = time.Time{}
	rem.FailCount = 0
	if err := h.reminders.Schedule(r.Context(), rem); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	JSON(w, http.StatusOK, reminderResponse(rem))
}

// Delete cancels a reminder.
func (h *ReminderHandler) Delete(w http.ResponseWriter, r *http.Request) {
	rem, ok := h.ownedReminder(w, r)
	if !ok {
		return
	}
	if err := h.reminders.Cancel(r.Context(), rem.ID); err != nil {
		slog.Error("Failed to cancel reminder", "error", err, "reminder_id", rem.ID)
		Error(w, http.StatusInternalServerError, "failed to cancel reminder")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// Pause suspends an active reminder.
func (h *ReminderHandler) Pause(w http.ResponseWriter, r *http.Request) {
	rem, ok := h.ownedReminder(w, r)
	if !ok {
		return
	}
	if err := h.reminders.Pause(r.Context(), rem.ID); err != nil {
		h.writeStateError(w, err, rem.ID, "pause")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// Resume reactivates a paused reminder.
func (h *ReminderHandler) Resume(w http.ResponseWriter, r *http.Request) {
	rem, ok := h.ownedReminder(w, r)
	if !ok {
		return
	}
	if err := h.reminders.Resume(r.Context(), rem.ID); err != nil {
		h.writeStateError(w, err, rem.ID, "resume")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// ownedReminder loads the reminder from the URL and enforces that it
// belongs to the requesting user. A foreign reminder reads as not found.
func (h *ReminderHandler) ownedReminder(w http.ResponseWriter, r *http.Request) (*domain.Reminder, bool) {
	userID := identity.UserIDFromContext(r.Context())
	reminderID := chi.URLParam(r, "reminderID")

	rem, err := h.reminders.Get(r.Context(), reminderID)
	if err != nil {
		slog.Error("Failed to load reminder", "error", err, "reminder_id", reminderID)
		Error(w, http.StatusInternalServerError, "failed to load reminder")
		return nil, false
	}
	if rem == nil || rem.UserID != userID {
		Error(w, http.StatusNotFound, "reminder not found")
		return nil, false
	}
	return rem, true
}

func (h *ReminderHandler) writeStateError(w http.ResponseWriter, err error, reminderID, op string) {
	switch {
	case errors.Is(err, domain.ErrConflict):
		Error(w, http.StatusConflict, "reminder is not in a state that allows "+op)
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, "reminder not found")
	default:
		slog.Error("Reminder state change failed", "error", err, "reminder_id", reminderID, "op", op)
		Error(w, http.StatusInternalServerError, "failed to "+op+" reminder")
	}
}

func reminderResponse(rem *domain.Reminder) map[string]interface{} {
	resp := map[string]interface{}{
		"id":           rem.ID,
		"payload":      rem.Payload,
		"kind":         string(rem.Schedule.Kind),
		"status":       string(rem.Status),
		"next_fire_at": rem.NextFireAt.Format(time.RFC3339),
		"fail_count":   rem.FailCount,
	}
	switch rem.Schedule.Kind {
	case domain.ScheduleAt:
		resp["at"] = rem.Schedule.At.Format(time.RFC3339)
	case domain.ScheduleEvery:
		resp["every"] = rem.Schedule.Every.String()
	case domain.ScheduleCron:
		resp["cron"] = rem.Schedule.CronExpr
	}
	if rem.LastFiredAt != nil {
		resp["last_fired_at"] = rem.LastFiredAt.Format(time.RFC3339)
	}
	return resp
}
