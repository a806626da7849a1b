package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/avolkov/assistd/internal/domain"
	"github.com/avolkov/assistd/internal/store"
)

type fakeSupervisor struct {
	mu         sync.Mutex
	provisions int
	wakes      int
	sleeps     int
	removes    int

	provisionErr error
	wakeErr      error
}

func (f *fakeSupervisor) Provision(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisions++
	if f.provisionErr != nil {
		return "", f.provisionErr
	}
	return fmt.Sprintf("ctr-%s-%d", userID, f.provisions), nil
}

func (f *fakeSupervisor) Wake(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakes++
	return f.wakeErr
}

func (f *fakeSupervisor) Sleep(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps++
	return nil
}

func (f *fakeSupervisor) Remove(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
	return nil
}

func (f *fakeSupervisor) IsRunning(_ context.Context, _ string) (bool, error) {
	return true, nil
}

func (f *fakeSupervisor) counts() (provisions, wakes, sleeps, removes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provisions, f.wakes, f.sleeps, f.removes
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.SessionStatus
}

func (n *recordingNotifier) SessionStatusChanged(_ string, status domain.SessionStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, status)
}

func (n *recordingNotifier) last() domain.SessionStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return ""
	}
	return n.events[len(n.events)-1]
}

func newTestManager(t *testing.T, sup Supervisor) (*Manager, store.Repository, *recordingNotifier) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "lifecycle.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})

	notifier := &recordingNotifier{}
	mgr := NewManager(repo, sup, notifier, Config{
		IdleTimeout:      30 * time.Minute,
		ProvisionTimeout: time.Second,
		WakeTimeout:      time.Second,
		RetryAttempts:    3,
		RetryBaseDelay:   time.Millisecond,
	})
	return mgr, repo, notifier
}

func TestEnsureRunningProvisionsNewUser(t *testing.T) {
	sup := &fakeSupervisor{}
	mgr, _, notifier := newTestManager(t, sup)
	ctx := context.Background()

	sess, err := mgr.EnsureRunning(ctx, "u1")
	if err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}
	if sess.Status != domain.StatusRunning {
		t.Errorf("expected running, got %s", sess.Status)
	}
	if sess.ContainerID == "" {
		t.Error("expected container ID to be set")
	}
	if notifier.last() != domain.StatusRunning {
		t.Errorf("expected final event running, got %s", notifier.last())
	}
}

func TestEnsureRunningIdempotentWhenRunning(t *testing.T) {
	sup := &fakeSupervisor{}
	mgr, _, _ := newTestManager(t, sup)
	ctx := context.Background()

	if _, err := mgr.EnsureRunning(ctx, "u1"); err != nil {
		t.Fatalf("first EnsureRunning failed: %v", err)
	}
	if _, err := mgr.EnsureRunning(ctx, "u1"); err != nil {
		t.Fatalf("second EnsureRunning failed: %v", err)
	}

	provisions, wakes, _, _ := sup.counts()
	if provisions != 1 || wakes != 0 {
		t.Errorf("expected 1 provision and 0 wakes, got %d/%d", provisions, wakes)
	}
}

func TestConcurrentWakeCollapses(t *testing.T) {
	sup := &fakeSupervisor{}
	mgr, repo, _ := newTestManager(t, sup)
	ctx := context.Background()

	if _, err := mgr.EnsureRunning(ctx, "u1"); err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}

	// Put the session to sleep directly.
	if err := repo.MarkSleeping(ctx, "u1", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("MarkSleeping failed: %v", err)
	}

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*domain.Session, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = mgr.EnsureRunning(ctx, "u1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i].Status != domain.StatusRunning {
			t.Errorf("caller %d observed status %s", i, results[i].Status)
		}
	}

	_, wakes, _, _ := sup.counts()
	if wakes != 1 {
		t.Errorf("expected exactly 1 wake attempt, got %d", wakes)
	}
}

func TestWakeFailureCrashesAfterRetries(t *testing.T) {
	sup := &fakeSupervisor{wakeErr: errors.New("daemon unreachable")}
	mgr, repo, _ := newTestManager(t, sup)
	ctx := context.Background()

	if _, err := mgr.EnsureRunning(ctx, "u1"); err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}
	if err := repo.MarkSleeping(ctx, "u1", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("MarkSleeping failed: %v", err)
	}

	_, err := mgr.EnsureRunning(ctx, "u1")
	if !errors.Is(err, ErrWakeFailed) {
		t.Fatalf("expected ErrWakeFailed, got %v", err)
	}

	_, wakes, _, _ := sup.counts()
	if wakes != 3 {
		t.Errorf("expected 3 wake attempts, got %d", wakes)
	}

	sess, err := repo.GetSession(ctx, "u1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != domain.StatusCrashed {
		t.Errorf("expected crashed, got %s", sess.Status)
	}
}

func TestReprovisionAfterCrash(t *testing.T) {
	sup := &fakeSupervisor{wakeErr: errors.New("daemon unreachable")}
	mgr, repo, _ := newTestManager(t, sup)
	ctx := context.Background()

	if _, err := mgr.EnsureRunning(ctx, "u1"); err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}
	if err := repo.MarkSleeping(ctx, "u1", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("MarkSleeping failed: %v", err)
	}
	if _, err := mgr.EnsureRunning(ctx, "u1"); !errors.Is(err, ErrWakeFailed) {
		t.Fatalf("expected ErrWakeFailed, got %v", err)
	}

	// Next attempt on the crashed session re-provisions.
	sup.mu.Lock()
	sup.wakeErr = nil
	sup.mu.Unlock()

	sess, err := mgr.EnsureRunning(ctx, "u1")
	if err != nil {
		t.Fatalf("EnsureRunning after crash failed: %v", err)
	}
	if sess.Status != domain.StatusRunning {
		t.Errorf("expected running, got %s", sess.Status)
	}

	provisions, _, _, _ := sup.counts()
	if provisions != 2 {
		t.Errorf("expected re-provision (2 total), got %d", provisions)
	}
}

func TestSweepIdleSleepsExpiredOnly(t *testing.T) {
	sup := &fakeSupervisor{}
	mgr, repo, _ := newTestManager(t, sup)
	ctx := context.Background()

	base := time.Now()

	// Session idle since 10:00 with a 30 minute timeout.
	idle := &domain.Session{
		UserID:       "idle-user",
		ContainerID:  "c-idle",
		Status:       domain.StatusRunning,
		LastActiveAt: base.Add(-31 * time.Minute),
		CreatedAt:    base,
		UpdatedAt:    base,
	}
	// Session active 15 minutes ago.
	busy := &domain.Session{
		UserID:       "busy-user",
		ContainerID:  "c-busy",
		Status:       domain.StatusRunning,
		LastActiveAt: base.Add(-15 * time.Minute),
		CreatedAt:    base,
		UpdatedAt:    base,
	}
	for _, sess := range []*domain.Session{idle, busy} {
		if err := repo.UpsertSession(ctx, sess); err != nil {
			t.Fatalf("UpsertSession failed: %v", err)
		}
	}

	slept := mgr.SweepIdle(ctx, base)
	if slept != 1 {
		t.Errorf("expected 1 session slept, got %d", slept)
	}

	got, _ := repo.GetSession(ctx, "idle-user")
	if got.Status != domain.StatusSleeping {
		t.Errorf("idle session not sleeping: %s", got.Status)
	}
	got, _ = repo.GetSession(ctx, "busy-user")
	if got.Status != domain.StatusRunning {
		t.Errorf("busy session slept: %s", got.Status)
	}
}

func TestSweepIdleRespectsFreshActivity(t *testing.T) {
	sup := &fakeSupervisor{}
	mgr, repo, _ := newTestManager(t, sup)
	ctx := context.Background()

	base := time.Now()
	sess := &domain.Session{
		UserID:       "u1",
		ContainerID:  "c1",
		Status:       domain.StatusRunning,
		LastActiveAt: base.Add(-40 * time.Minute),
		CreatedAt:    base,
		UpdatedAt:    base,
	}
	if err := repo.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	// Activity lands between the candidate read and the guarded update.
	if err := mgr.RecordActivity(ctx, "u1"); err != nil {
		t.Fatalf("RecordActivity failed: %v", err)
	}

	slept := mgr.SweepIdle(ctx, base)
	if slept != 0 {
		t.Errorf("sweep slept a freshly active session: %d", slept)
	}

	got, _ := repo.GetSession(ctx, "u1")
	if got.Status != domain.StatusRunning {
		t.Errorf("expected running, got %s", got.Status)
	}
}

func TestReportFault(t *testing.T) {
	sup := &fakeSupervisor{}
	mgr, repo, notifier := newTestManager(t, sup)
	ctx := context.Background()

	if _, err := mgr.EnsureRunning(ctx, "u1"); err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}

	if err := mgr.ReportFault(ctx, "u1", "oom killed"); err != nil {
		t.Fatalf("ReportFault failed: %v", err)
	}

	sess, _ := repo.GetSession(ctx, "u1")
	if sess.Status != domain.StatusCrashed {
		t.Errorf("expected crashed, got %s", sess.Status)
	}
	if notifier.last() != domain.StatusCrashed {
		t.Errorf("expected crashed event, got %s", notifier.last())
	}
}

func TestDeleteRemovesContainer(t *testing.T) {
	sup := &fakeSupervisor{}
	mgr, repo, _ := newTestManager(t, sup)
	ctx := context.Background()

	if _, err := mgr.EnsureRunning(ctx, "u1"); err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}

	if err := mgr.Delete(ctx, "u1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	_, _, _, removes := sup.counts()
	if removes != 1 {
		t.Errorf("expected 1 remove, got %d", removes)
	}

	sess, _ := repo.GetSession(ctx, "u1")
	if sess.Status != domain.StatusDeleted {
		t.Errorf("expected deleted, got %s", sess.Status)
	}

	// A new request after deletion provisions again.
	sess, err := mgr.EnsureRunning(ctx, "u1")
	if err != nil {
		t.Fatalf("EnsureRunning after delete failed: %v", err)
	}
	if sess.Status != domain.StatusRunning {
		t.Errorf("expected running, got %s", sess.Status)
	}
}
