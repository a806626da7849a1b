// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/avolkov/assistd/internal/domain"
)

// Repository defines the interface for persisting users, container
// sessions, ledger entries and reminders. All orchestrator state must be
// reloadable from it after a process restart.
type Repository interface {
	// GetUser retrieves a user by ID. Returns nil if the user does not exist.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user profile.
	UpsertUser(ctx context.Context, user *domain.User) error

	// GetSession retrieves the session for a user. Returns nil if the user
	// has no session row yet.
	GetSession(ctx context.Context, userID string) (*domain.Session, error)

	// UpsertSession creates or replaces the session row for a user.
	UpsertSession(ctx context.Context, sess *domain.Session) error

	// TransitionSession moves a session from one status to another,
	// updating the container ID. The update is guarded by the expected
	// current status; domain.ErrConflict is returned when the guard fails.
	TransitionSession(ctx context.Context, userID string, from, to domain.SessionStatus, containerID string) error

	// UpdateLastActive bumps last_active_at and the idle deadline for a
	// running session. last_active_at never moves backwards.
	UpdateLastActive(ctx context.Context, userID string, activeAt, deadline time.Time) error

	// MarkSleeping transitions a running session to sleeping, but only if
	// no activity was recorded after the cutoff. Returns domain.ErrConflict
	// when the session is no longer idle (or no longer running).
	MarkSleeping(ctx context.Context, userID string, cutoff time.Time) error

	// IdleSessions returns running sessions with no activity since the
	// cutoff, candidates for the idle sweep.
	IdleSessions(ctx context.Context, cutoff time.Time) ([]*domain.Session, error)

	// ApplyLedgerEntry atomically inserts a ledger entry and updates the
	// running balance in one transaction. If an entry with the same
	// (user, idempotency key) already exists, the stored entry is returned
	// unchanged and nothing is written. A debit that would take the balance
	// negative fails with domain.ErrInsufficientCredit and writes nothing.
	ApplyLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (*domain.LedgerEntry, error)

	// GetBalance returns the running balance for a user in cents.
	GetBalance(ctx context.Context, userID string) (int64, error)

	// SumLedger recomputes the balance by replaying all entries. Used for
	// consistency checks against the running total.
	SumLedger(ctx context.Context, userID string) (int64, error)

	// LedgerEntries returns the most recent entries for a user, newest first.
	LedgerEntries(ctx context.Context, userID string, limit int) ([]*domain.LedgerEntry, error)

	// UpsertReminder creates or updates a reminder by ID.
	UpsertReminder(ctx context.Context, rem *domain.Reminder) error

	// GetReminder retrieves a reminder by ID. Returns nil if absent.
	GetReminder(ctx context.Context, id string) (*domain.Reminder, error)

	// ListReminders returns all reminders for a user, newest first.
	ListReminders(ctx context.Context, userID string) ([]*domain.Reminder, error)

	// DeleteReminder removes a reminder by ID.
	DeleteReminder(ctx context.Context, id string) error

	// DueReminders returns active reminders with next_fire_at <= before,
	// ordered by next_fire_at ascending with a stable tie-break on ID.
	DueReminders(ctx context.Context, before time.Time) ([]*domain.Reminder, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
