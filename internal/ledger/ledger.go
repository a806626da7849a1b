// Package ledger implements the prepaid credit ledger.
//
// Every balance change is an immutable ledger entry; the running total is
// updated in the same transaction as the entry insert. Mutations are
// idempotent on their key so the usage meter can retry after a crash
// without double-charging.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avolkov/assistd/internal/domain"
	"github.com/avolkov/assistd/internal/shared"
	"github.com/avolkov/assistd/internal/store"
	"github.com/google/uuid"
)

const (
	writeRetryAttempts = 3
	writeRetryBase     = 50 * time.Millisecond
)

// Service provides linearizable per-user credit operations on top of the
// persistent ledger.
type Service struct {
	repo store.Repository

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// New creates a ledger service backed by the given repository.
func New(repo store.Repository) *Service {
	return &Service{
		repo:  repo,
		users: make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing ledger writes for one user.
func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.users[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.users[userID] = lock
	}
	return lock
}

// Debit removes amountCents from the user's balance. It fails with
// domain.ErrInsufficientCredit when the amount exceeds the current balance
// and never partially debits. Duplicate idempotency keys are no-ops
// returning the prior resulting balance.
func (s *Service) Debit(ctx context.Context, userID string, amountCents int64, reason domain.LedgerReason, idempotencyKey string) (int64, error) {
	if amountCents <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amountCents)
	}
	return s.apply(ctx, &domain.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         userID,
		AmountCents:    -amountCents,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
	})
}

// Credit adds amountCents to the user's balance, idempotent on the key.
func (s *Service) Credit(ctx context.Context, userID string, amountCents int64, reason domain.LedgerReason, idempotencyKey string) (int64, error) {
	if amountCents <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amountCents)
	}
	return s.apply(ctx, &domain.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         userID,
		AmountCents:    amountCents,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
	})
}

// GrantFreeTier issues the one-time onboarding grant. Safe to call on
// every login; the fixed key makes repeats no-ops.
func (s *Service) GrantFreeTier(ctx context.Context, userID string, amountCents int64) (int64, error) {
	return s.Credit(ctx, userID, amountCents, domain.ReasonFreeTierGrant, "free-tier:"+userID)
}

func (s *Service) apply(ctx context.Context, entry *domain.LedgerEntry) (int64, error) {
	lock := s.userLock(entry.UserID)
	lock.Lock()
	defer lock.Unlock()

	var applied *domain.LedgerEntry
	err := shared.RetrySQLite(ctx, writeRetryAttempts, writeRetryBase, "apply ledger entry", func() error {
		var applyErr error
		applied, applyErr = s.repo.ApplyLedgerEntry(ctx, entry)
		return applyErr
	})
	if err != nil {
		return 0, err
	}
	return applied.BalanceAfterCents, nil
}

// Balance returns the user's current balance in cents. Reads after a
// returned mutation always observe it (the running total is committed
// before the mutating call returns).
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	return s.repo.GetBalance(ctx, userID)
}

// Entries returns the most recent ledger entries for the usage view.
func (s *Service) Entries(ctx context.Context, userID string, limit int) ([]*domain.LedgerEntry, error) {
	return s.repo.LedgerEntries(ctx, userID, limit)
}
