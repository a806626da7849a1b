//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avolkov/assistd/internal/domain"
	"github.com/avolkov/assistd/internal/identity"
	"github.com/avolkov/assistd/internal/lifecycle"
	"github.com/avolkov/assistd/internal/orchestrator"
	"github.com/avolkov/assistd/internal/store"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

// fakeRepo covers only the repository methods the handlers touch.
type fakeRepo struct {
	store.Repository
	mu    sync.Mutex
	users map[string]*domain.User
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: make(map[string]*domain.User)}
}

func (f *fakeRepo) GetUser(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	if user == nil {
		return nil, nil
	}
	copy := *user
	return &copy, nil
}

func (f *fakeRepo) Ping(context.Context) error { return nil }

type fakeMessenger struct {
	reply *orchestrator.Reply
	err   error
	calls int
}

func (f *fakeMessenger) HandleMessage(_ context.Context, _, _, _ string) (*orchestrator.Reply, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

type fakeSessionControl struct {
	sess      *domain.Session
	ensureErr error
	deleted   int
}

func (f *fakeSessionControl) EnsureRunning(_ context.Context, userID string) (*domain.Session, error) {
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	return &domain.Session{UserID: userID, ContainerID: "ctr-1", Status: domain.StatusRunning, LastActiveAt: time.Now()}, nil
}

func (f *fakeSessionControl) Status(context.Context, string) (*domain.Session, error) {
	return f.sess, nil
}

func (f *fakeSessionControl) Delete(context.Context, string) error {
	f.deleted++
	return nil
}

func asUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(identity.ContextWithIdentity(r.Context(), userID, "conv-1"))
}

func newSessionRouter(messenger Messenger, sessions SessionControl) chi.Router {
	r := chi.NewRouter()
	NewSessionHandler(NewHandler(newFakeRepo()), messenger, sessions).RegisterRoutes(r)
	return r
}

func TestPostMessage(t *testing.T) {
	messenger := &fakeMessenger{reply: &orchestrator.Reply{Text: "hi there", CostCents: 40, BalanceCents: 460}}
	router := newSessionRouter(messenger, &fakeSessionControl{})

	req := asUser(httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{"text":"hello"}`)), "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var got map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["reply"] != "hi there" {
		t.Errorf("Expected reply, got %v", got["reply"])
	}
	if got["cost_cents"].(float64) != 40 || got["balance_cents"].(float64) != 460 {
		t.Errorf("Unexpected billing fields: %v", got)
	}
}

func TestPostMessageEmptyText(t *testing.T) {
	messenger := &fakeMessenger{}
	router := newSessionRouter(messenger, &fakeSessionControl{})

	req := asUser(httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{"text":"   "}`)), "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if messenger.calls != 0 {
		t.Errorf("Empty message reached the messenger")
	}
}

func TestPostMessageInsufficientCredit(t *testing.T) {
	messenger := &fakeMessenger{err: domain.ErrInsufficientCredit}
	router := newSessionRouter(messenger, &fakeSessionControl{})

	req := asUser(httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{"text":"hello"}`)), "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", w.Code)
	}
}

func TestPostMessageSessionUnavailable(t *testing.T) {
	messenger := &fakeMessenger{err: lifecycle.ErrProvisionFailed}
	router := newSessionRouter(messenger, &fakeSessionControl{})

	req := asUser(httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{"text":"hello"}`)), "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestGetSessionNone(t *testing.T) {
	router := newSessionRouter(&fakeMessenger{}, &fakeSessionControl{})

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/session", nil), "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var got map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["status"] != "none" {
		t.Errorf("Expected status none, got %v", got["status"])
	}
}

func TestGetSessionSleeping(t *testing.T) {
	sessions := &fakeSessionControl{sess: &domain.Session{
		UserID:       "u1",
		ContainerID:  "ctr-1",
		Status:       domain.StatusSleeping,
		LastActiveAt: time.Now().Add(-time.Hour),
	}}
	router := newSessionRouter(&fakeMessenger{}, sessions)

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/session", nil), "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var got map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["status"] != "sleeping" || got["container_id"] != "ctr-1" {
		t.Errorf("Unexpected session response: %v", got)
	}
}

func TestProvisionFailure(t *testing.T) {
	sessions := &fakeSessionControl{ensureErr: errors.New("docker down")}
	router := newSessionRouter(&fakeMessenger{}, sessions)

	req := asUser(httptest.NewRequest(http.MethodPost, "/api/session/provision", nil), "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestDestroySession(t *testing.T) {
	sessions := &fakeSessionControl{}
	router := newSessionRouter(&fakeMessenger{}, sessions)

	req := asUser(httptest.NewRequest(http.MethodDelete, "/api/session", nil), "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if sessions.deleted != 1 {
		t.Errorf("Expected 1 delete, got %d", sessions.deleted)
	}
}
