// Package identity provides anonymous per-device identity primitives.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/avolkov/assistd/internal/domain"
	"github.com/avolkov/assistd/internal/store"
)

const (
	AnonCookieName             = "assistd_anon_id"
	ConversationHeaderName     = "X-Assistd-Conversation-ID"
	DefaultConversationIDValue = "default"
	anonCookieMaxAge           = 30 * 24 * time.Hour
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
	conversationIDKey
)

var (
	anonIDPattern         = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// FreeTierGranter seeds a new user's balance exactly once.
type FreeTierGranter interface {
	GrantFreeTier(ctx context.Context, userID string, amountCents int64) (int64, error)
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// ConversationIDFromContext extracts the conversation ID from the request
// context.
func ConversationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(conversationIDKey).(string); ok {
		return v
	}
	return DefaultConversationIDValue
}

// ContextWithIdentity injects an identity directly, bypassing the cookie
// flow. Used by internal callers and tests.
func ContextWithIdentity(ctx context.Context, userID, conversationID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	ctx = context.WithValue(ctx, usernameKey, deriveUsername(userID))
	return context.WithValue(ctx, conversationIDKey, sanitizeConversationID(conversationID))
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func sanitizeConversationID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !conversationIDPattern.MatchString(id) {
		return DefaultConversationIDValue
	}
	return id
}

func deriveUsername(userID string) string {
	if len(userID) > 13 {
		return "anon-" + userID[len(userID)-8:]
	}
	return "anon-user"
}

// ensureUser creates the user row on first contact and seeds the free
// tier balance. The grant key is idempotent, so a crash between insert
// and grant cannot double-seed.
func ensureUser(ctx context.Context, repo store.Repository, granter FreeTierGranter, userID string, freeTierCents int64) error {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user != nil {
		return nil
	}

	now := time.Now()
	if err := repo.UpsertUser(ctx, &domain.User{
		UserID:    userID,
		Username:  deriveUsername(userID),
		Timezone:  "UTC",
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return err
	}

	if granter != nil && freeTierCents > 0 {
		if _, err := granter.GrantFreeTier(ctx, userID, freeTierCents); err != nil {
			return fmt.Errorf("grant free tier for %s: %w", userID, err)
		}
		slog.Info("Free tier granted", "user_id", userID, "amount_cents", freeTierCents)
	}
	return nil
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		http.SetCookie(w, &http.Cookie{
			Name:     AnonCookieName,
			Value:    c.Value,
			Path:     "/",
			MaxAge:   int(anonCookieMaxAge.Seconds()),
			Expires:  time.Now().Add(anonCookieMaxAge),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   !isDev,
		})
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	return id, nil
}

func conversationIDFromRequest(r *http.Request) string {
	cid := r.Header.Get(ConversationHeaderName)
	if cid == "" {
		cid = r.URL.Query().Get("conversation_id")
	}
	return sanitizeConversationID(cid)
}

// Middleware injects anonymous per-device identity and the per-request
// conversation ID, creating the user with a free tier grant on first
// contact.
func Middleware(repo store.Repository, granter FreeTierGranter, freeTierCents int64, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := getOrCreateAnonID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			if err := ensureUser(r.Context(), repo, granter, userID, freeTierCents); err != nil {
				http.Error(w, `{"error":"failed to initialize anonymous user"}`, http.StatusInternalServerError)
				return
			}

			username := deriveUsername(userID)
			conversationID := conversationIDFromRequest(r)

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			ctx = context.WithValue(ctx, usernameKey, username)
			ctx = context.WithValue(ctx, conversationIDKey, conversationID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
