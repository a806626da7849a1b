// Package meter implements usage metering against the prepaid credit
// ledger. Reservations hold credit for in-flight work so concurrent
// requests cannot overcommit a balance; settlement debits the actual cost.
package meter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avolkov/assistd/internal/domain"
	"github.com/google/uuid"
)

// Ledger is the slice of the credit ledger the meter needs.
type Ledger interface {
	Debit(ctx context.Context, userID string, amountCents int64, reason domain.LedgerReason, idempotencyKey string) (int64, error)
	Balance(ctx context.Context, userID string) (int64, error)
}

// Reservation is a provisional credit hold for one in-flight request.
type Reservation struct {
	ID             string
	UserID         string
	EstimatedCents int64
	CreatedAt      time.Time
}

// userTable holds the outstanding reservations of one user. Tables are
// partitioned per user so reserving for one user never contends with
// another.
type userTable struct {
	mu   sync.Mutex
	held map[string]*Reservation
}

func (t *userTable) outstanding() int64 {
	var sum int64
	for _, res := range t.held {
		sum += res.EstimatedCents
	}
	return sum
}

// Meter tracks in-memory reservations per user and settles them against
// the ledger. Reservations do not survive a restart; the reconcile loop
// and idempotent settlement keys cover the gap.
type Meter struct {
	ledger Ledger
	grace  time.Duration

	mu    sync.Mutex
	users map[string]*userTable
}

// New creates a meter. grace is how long an unsettled reservation is
// honored before the reconcile loop treats it as abandoned.
func New(ledger Ledger, grace time.Duration) *Meter {
	return &Meter{
		ledger: ledger,
		grace:  grace,
		users:  make(map[string]*userTable),
	}
}

func (m *Meter) table(userID string) *userTable {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.users[userID]
	if !ok {
		t = &userTable{held: make(map[string]*Reservation)}
		m.users[userID] = t
	}
	return t
}

// Reserve holds estimatedCents of the user's credit for an in-flight
// request. Fails with domain.ErrInsufficientCredit when the estimate
// exceeds the balance minus outstanding reservations; the caller must not
// wake a container or dispatch work after a failed reserve.
func (m *Meter) Reserve(ctx context.Context, userID string, estimatedCents int64) (string, error) {
	if estimatedCents < 0 {
		return "", fmt.Errorf("estimated cost must not be negative, got %d", estimatedCents)
	}

	t := m.table(userID)
	t.mu.Lock()
	defer t.mu.Unlock()

	balance, err := m.ledger.Balance(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("read balance for reserve: %w", err)
	}

	available := balance - t.outstanding()
	if estimatedCents > available {
		return "", fmt.Errorf("reserve %d cents with %d available for %s: %w",
			estimatedCents, available, userID, domain.ErrInsufficientCredit)
	}

	res := &Reservation{
		// The user ID is embedded so settlement can still bill after the
		// reservation itself was reconciled away.
		ID:             userID + ":" + uuid.NewString(),
		UserID:         userID,
		EstimatedCents: estimatedCents,
		CreatedAt:      time.Now(),
	}
	t.held[res.ID] = res

	slog.Debug("Credit reserved", "user_id", userID, "reservation_id", res.ID, "estimated_cents", estimatedCents)
	return res.ID, nil
}

// Settle releases the reservation and debits the actual cost. The debit
// key is derived from the reservation ID, so a retried settlement never
// double-charges. A reservation that was already reconciled away is still
// billed; losing the hold must not mean free usage.
func (m *Meter) Settle(ctx context.Context, reservationID string, actualCents int64) (int64, error) {
	userID, ok := userFromReservationID(reservationID)
	if !ok {
		return 0, fmt.Errorf("settle %q: malformed reservation id", reservationID)
	}

	if !m.release(userID, reservationID) {
		slog.Warn("Settling unknown reservation, billing anyway",
			"user_id", userID, "reservation_id", reservationID)
	}

	if actualCents <= 0 {
		return m.ledger.Balance(ctx, userID)
	}

	newBalance, err := m.ledger.Debit(ctx, userID, actualCents, domain.ReasonUsage, "settle:"+reservationID)
	if err != nil {
		// A failed ledger write is fatal to the request; swallowing it
		// risks free usage.
		return 0, fmt.Errorf("settle reservation %s: %w", reservationID, err)
	}
	return newBalance, nil
}

// Release drops a reservation without billing, for requests that failed
// before any cost accrued.
func (m *Meter) Release(reservationID string) {
	userID, ok := userFromReservationID(reservationID)
	if !ok {
		return
	}
	if m.release(userID, reservationID) {
		slog.Debug("Reservation released", "user_id", userID, "reservation_id", reservationID)
	}
}

func (m *Meter) release(userID, reservationID string) bool {
	t := m.table(userID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.held[reservationID]; !ok {
		return false
	}
	delete(t.held, reservationID)
	return true
}

// Outstanding returns the total held cents for a user.
func (m *Meter) Outstanding(userID string) int64 {
	t := m.table(userID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outstanding()
}

// Reconcile releases reservations older than the grace period. A request
// that crashed between reserve and settle would otherwise lock its hold
// forever. Returns the number of reservations released.
func (m *Meter) Reconcile(now time.Time) int {
	cutoff := now.Add(-m.grace)

	m.mu.Lock()
	tables := make([]*userTable, 0, len(m.users))
	for _, t := range m.users {
		tables = append(tables, t)
	}
	m.mu.Unlock()

	released := 0
	for _, t := range tables {
		t.mu.Lock()
		for id, res := range t.held {
			if res.CreatedAt.Before(cutoff) {
				delete(t.held, id)
				released++
				slog.Warn("Released abandoned reservation",
					"user_id", res.UserID,
					"reservation_id", id,
					"estimated_cents", res.EstimatedCents,
					"age", now.Sub(res.CreatedAt),
				)
			}
		}
		t.mu.Unlock()
	}
	return released
}

func userFromReservationID(reservationID string) (string, bool) {
	idx := strings.IndexByte(reservationID, ':')
	if idx <= 0 {
		return "", false
	}
	return reservationID[:idx], true
}
