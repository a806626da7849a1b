//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avolkov/assistd/internal/domain"
)

type fakeReminders struct {
	byID      map[string]*domain.Reminder
	paused    []string
	resumed   []string
	cancelled []string
}

func newFakeReminders() *fakeReminders {
	return &fakeReminders{byID: make(map[string]*domain.Reminder)}
}

func (f *fakeReminders) Schedule(_ context.Context, rem *domain.Reminder) error {
	if rem.Schedule.Kind != domain.ScheduleAt &&
		rem.Schedule.Kind != domain.ScheduleEvery &&
		rem.Schedule.Kind != domain.ScheduleCron {
		return fmt.Errorf("unknown schedule kind %q", rem.Schedule.Kind)
	}
	if rem.ID == "" {
		rem.ID = fmt.Sprintf("rem-%d", len(f.byID)+1)
	}
	rem.Status = domain.ReminderActive
	f.byID[rem.ID] = rem
	return nil
}

func (f *fakeReminders) Cancel(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	delete(f.byID, id)
	return nil
}

func (f *fakeReminders) Pause(_ context.Context, id string) error {
	rem := f.byID[id]
	if rem.Status != domain.ReminderActive {
		return fmt.Errorf("reminder is %q: %w", rem.Status, domain.ErrConflict)
	}
	rem.Status = domain.ReminderPaused
	f.paused = append(f.paused, id)
	return nil
}

func (f *fakeReminders) Resume(_ context.Context, id string) error {
	rem := f.byID[id]
	if rem.Status != domain.ReminderPaused {
		return fmt.Errorf("reminder is %q: %w", rem.Status, domain.ErrConflict)
	}
	rem.Status = domain.ReminderActive
	f.resumed = append(f.resumed, id)
	return nil
}

func (f *fakeReminders) Get(_ context.Context, id string) (*domain.Reminder, error) {
	return f.byID[id], nil
}

func (f *fakeReminders) List(_ context.Context, userID string) ([]*domain.Reminder, error) {
	var out []*domain.Reminder
	for _, rem := range f.byID {
		if rem.UserID == userID {
			out = append(out, rem)
		}
	}
	return out, nil
}

func newReminderRouter(reminders ReminderControl) chi.Router {
	r := chi.NewRouter()
	NewReminderHandler(NewHandler(newFakeRepo()), reminders).RegisterRoutes(r)
	return r
}

func TestCreateReminder(t *testing.T) {
	fake := newFakeReminders()
	router := newReminderRouter(fake)

	body := `{"payload":"dentist","kind":"at","at":"` + time.Now().Add(time.Hour).Format(time.RFC3339) + `"}`
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/reminders/", strings.NewReader(body)), "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var got map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["payload"] != "dentist" || got["status"] != "active" {
		t.Errorf("Unexpected reminder response: %v", got)
	}
	if len(fake.byID) != 1 {
		t.Errorf("Expected 1 scheduled reminder, got %d", len(fake.byID))
	}
}

func TestCreateReminderBadSchedule(t *testing.T) {
	router := newReminderRouter(newFakeReminders())

	cases := []string{
		`{"payload":"x","kind":"at"}`,
		`{"payload":"x","kind":"at","at":"yesterday"}`,
		`{"payload":"x","kind":"every","every":"often"}`,
		`{"payload":"","kind":"at","at":"2026-09-01T10:00:00Z"}`,
		`{"payload":"x","kind":"fortnightly"}`,
	}
	for _, body := range cases {
		req := asUser(httptest.NewRequest(http.MethodPost, "/api/reminders/", strings.NewReader(body)), "u1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Body %s: expected status 400, got %d", body, w.Code)
		}
	}
}

func TestReminderOwnership(t *testing.T) {
	fake := newFakeReminders()
	router := newReminderRouter(fake)

	rem := &domain.Reminder{
		UserID:   "owner",
		Payload:  "secret",
		Schedule: domain.Schedule{Kind: domain.ScheduleEvery, Every: time.Hour},
	}
	if err := fake.Schedule(context.Background(), rem); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	// A different user cannot see or mutate the reminder.
	for _, probe := range []struct{ method, path string }{
		{http.MethodGet, "/api/reminders/" + rem.ID},
		{http.MethodDelete, "/api/reminders/" + rem.ID},
		{http.MethodPost, "/api/reminders/" + rem.ID + "/pause"},
	} {
		req := asUser(httptest.NewRequest(probe.method, probe.path, nil), "intruder")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected status 404, got %d", probe.method, probe.path, w.Code)
		}
	}
	if len(fake.cancelled) != 0 {
		t.Errorf("Foreign user cancelled a reminder")
	}
}

func TestUpdateReminder(t *testing.T) {
	fake := newFakeReminders()
	router := newReminderRouter(fake)

	rem := &domain.Reminder{
		UserID:   "u1",
		Payload:  "old text",
		Schedule: domain.Schedule{Kind: domain.ScheduleEvery, Every: time.Hour},
	}
	if err := fake.Schedule(context.Background(), rem); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	body := `{"payload":"new text","kind":"every","every":"30m"}`
	req := asUser(httptest.NewRequest(http.MethodPut, "/api/reminders/"+rem.ID, strings.NewReader(body)), "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	updated := fake.byID[rem.ID]
	if updated.Payload != "new text" || updated.Schedule.Every != 30*time.Minute {
		t.Errorf("Update not applied: %+v", updated)
	}
}

func TestPauseResumeReminder(t *testing.T) {
	fake := newFakeReminders()
	router := newReminderRouter(fake)

	rem := &domain.Reminder{
		UserID:   "u1",
		Payload:  "standup",
		Schedule: domain.Schedule{Kind: domain.ScheduleCron, CronExpr: "0 9 * * *"},
	}
	if err := fake.Schedule(context.Background(), rem); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	pause := asUser(httptest.NewRequest(http.MethodPost, "/api/reminders/"+rem.ID+"/pause", nil), "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, pause)
	if w.Code != http.StatusOK {
		t.Fatalf("Pause: expected status 200, got %d", w.Code)
	}

	// Pausing again conflicts.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, asUser(httptest.NewRequest(http.MethodPost, "/api/reminders/"+rem.ID+"/pause", nil), "u1"))
	if w.Code != http.StatusConflict {
		t.Errorf("Double pause: expected status 409, got %d", w.Code)
	}

	resume := asUser(httptest.NewRequest(http.MethodPost, "/api/reminders/"+rem.ID+"/resume", nil), "u1")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, resume)
	if w.Code != http.StatusOK {
		t.Fatalf("Resume: expected status 200, got %d", w.Code)
	}
	if len(fake.paused) != 1 || len(fake.resumed) != 1 {
		t.Errorf("Expected 1 pause and 1 resume, got %d and %d", len(fake.paused), len(fake.resumed))
	}
}
