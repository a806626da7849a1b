package meter

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/avolkov/assistd/internal/domain"
	"github.com/avolkov/assistd/internal/ledger"
	"github.com/avolkov/assistd/internal/store"
)

func newTestMeter(t *testing.T, grace time.Duration) (*Meter, *ledger.Service) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "meter.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	led := ledger.New(repo)
	return New(led, grace), led
}

func TestReserveInsufficientCredit(t *testing.T) {
	m, led := newTestMeter(t, 10*time.Minute)
	ctx := context.Background()

	// Balance $0.20, incoming estimate $0.50.
	if _, err := led.Credit(ctx, "u1", 20, domain.ReasonPurchase, "p1"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	_, err := m.Reserve(ctx, "u1", 50)
	if !errors.Is(err, domain.ErrInsufficientCredit) {
		t.Fatalf("expected ErrInsufficientCredit, got %v", err)
	}
	if m.Outstanding("u1") != 0 {
		t.Errorf("failed reserve left a hold: %d", m.Outstanding("u1"))
	}
}

func TestReserveBoundedByOutstanding(t *testing.T) {
	m, led := newTestMeter(t, 10*time.Minute)
	ctx := context.Background()

	if _, err := led.Credit(ctx, "u1", 100, domain.ReasonPurchase, "p1"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	resID, err := m.Reserve(ctx, "u1", 60)
	if err != nil {
		t.Fatalf("first Reserve failed: %v", err)
	}

	// 40 cents of headroom remain; a second 60 cent hold must fail.
	if _, err := m.Reserve(ctx, "u1", 60); !errors.Is(err, domain.ErrInsufficientCredit) {
		t.Fatalf("expected ErrInsufficientCredit, got %v", err)
	}

	// Settling for less than the estimate frees the difference.
	balance, err := m.Settle(ctx, resID, 30)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if balance != 70 {
		t.Errorf("expected balance 70 after settle, got %d", balance)
	}
	if _, err := m.Reserve(ctx, "u1", 60); err != nil {
		t.Errorf("Reserve after settle failed: %v", err)
	}
}

func TestSettleIdempotentBilling(t *testing.T) {
	m, led := newTestMeter(t, 10*time.Minute)
	ctx := context.Background()

	if _, err := led.Credit(ctx, "u1", 100, domain.ReasonPurchase, "p1"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	resID, err := m.Reserve(ctx, "u1", 50)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	first, err := m.Settle(ctx, resID, 40)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	// Retried settlement after a crash: same reservation, same key.
	second, err := m.Settle(ctx, resID, 40)
	if err != nil {
		t.Fatalf("retried Settle failed: %v", err)
	}
	if first != 60 || second != 60 {
		t.Errorf("expected balance 60 from both settlements, got %d and %d", first, second)
	}
}

func TestReleaseWithoutBilling(t *testing.T) {
	m, led := newTestMeter(t, 10*time.Minute)
	ctx := context.Background()

	if _, err := led.Credit(ctx, "u1", 100, domain.ReasonPurchase, "p1"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	resID, err := m.Reserve(ctx, "u1", 50)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	m.Release(resID)

	if m.Outstanding("u1") != 0 {
		t.Errorf("release left a hold: %d", m.Outstanding("u1"))
	}
	balance, _ := led.Balance(ctx, "u1")
	if balance != 100 {
		t.Errorf("release changed balance: %d", balance)
	}
}

func TestReconcileReleasesAbandonedHolds(t *testing.T) {
	m, led := newTestMeter(t, 10*time.Minute)
	ctx := context.Background()

	if _, err := led.Credit(ctx, "u1", 100, domain.ReasonPurchase, "p1"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	resID, err := m.Reserve(ctx, "u1", 80)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	// Fresh hold survives.
	if released := m.Reconcile(time.Now()); released != 0 {
		t.Errorf("reconcile released a fresh hold: %d", released)
	}

	// Age the reservation past the grace period.
	tab := m.table("u1")
	tab.mu.Lock()
	tab.held[resID].CreatedAt = time.Now().Add(-11 * time.Minute)
	tab.mu.Unlock()

	if released := m.Reconcile(time.Now()); released != 1 {
		t.Errorf("expected 1 released, got %d", released)
	}
	if m.Outstanding("u1") != 0 {
		t.Errorf("hold survived reconcile: %d", m.Outstanding("u1"))
	}

	// The crashed request's settlement still bills after reconcile.
	balance, err := m.Settle(ctx, resID, 25)
	if err != nil {
		t.Fatalf("Settle after reconcile failed: %v", err)
	}
	if balance != 75 {
		t.Errorf("expected balance 75, got %d", balance)
	}
}

func TestConcurrentReservesNeverOvercommit(t *testing.T) {
	m, led := newTestMeter(t, 10*time.Minute)
	ctx := context.Background()

	if _, err := led.Credit(ctx, "u1", 100, domain.ReasonPurchase, "p1"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	granted := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.Reserve(ctx, "u1", 30); err == nil {
				granted[i] = true
			}
		}(i)
	}
	wg.Wait()

	var ok int
	for _, g := range granted {
		if g {
			ok++
		}
	}
	// 100 cents of balance admits at most three 30 cent holds.
	if ok > 3 {
		t.Errorf("overcommitted: %d reservations granted", ok)
	}
	if m.Outstanding("u1") > 100 {
		t.Errorf("outstanding exceeds balance: %d", m.Outstanding("u1"))
	}
}
