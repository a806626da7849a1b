package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avolkov/assistd/internal/domain"
	"github.com/avolkov/assistd/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrProvisionFailed is returned when provisioning exhausted its retry
	// budget. The session is left crashed.
	ErrProvisionFailed = errors.New("container provisioning failed")

	// ErrWakeFailed is returned when waking a sleeping container exhausted
	// its retry budget. The session is left crashed.
	ErrWakeFailed = errors.New("container wake failed")
)

// Notifier receives session status change events. Implementations must not
// block; the events hub fans out to WebSocket subscribers.
type Notifier interface {
	SessionStatusChanged(userID string, status domain.SessionStatus)
}

// Config holds lifecycle timing knobs.
type Config struct {
	IdleTimeout      time.Duration
	ProvisionTimeout time.Duration
	WakeTimeout      time.Duration
	RetryAttempts    int
	RetryBaseDelay   time.Duration
}

// Manager owns the per-user container session state machine. It is the
// only component that writes ContainerSession records.
type Manager struct {
	repo     store.Repository
	sup      Supervisor
	notifier Notifier
	cfg      Config

	// flight collapses concurrent EnsureRunning calls for the same user
	// into a single in-flight provision/wake.
	flight singleflight.Group
}

// NewManager creates a lifecycle manager. notifier may be nil.
func NewManager(repo store.Repository, sup Supervisor, notifier Notifier, cfg Config) *Manager {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	return &Manager{repo: repo, sup: sup, notifier: notifier, cfg: cfg}
}

func (m *Manager) notify(userID string, status domain.SessionStatus) {
	if m.notifier != nil {
		m.notifier.SessionStatusChanged(userID, status)
	}
}

// EnsureRunning brings the user's session to running and returns it.
// Idempotent: a running session returns immediately; sleeping wakes;
// crashed or deleted re-provisions. Concurrent callers for the same user
// collapse into one in-flight transition and observe the same result.
func (m *Manager) EnsureRunning(ctx context.Context, userID string) (*domain.Session, error) {
	v, err, _ := m.flight.Do(userID, func() (any, error) {
		return m.ensureRunning(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Session), nil
}

func (m *Manager) ensureRunning(ctx context.Context, userID string) (*domain.Session, error) {
	sess, err := m.repo.GetSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return m.provision(ctx, userID, nil)
	}

	switch sess.Status {
	case domain.StatusRunning:
		return sess, nil
	case domain.StatusSleeping, domain.StatusWaking:
		return m.wake(ctx, sess)
	case domain.StatusProvisioning, domain.StatusCrashed, domain.StatusDeleted:
		// Provisioning here means a previous process died mid-provision;
		// the request ID changes, the stale container is recycled.
		return m.provision(ctx, userID, sess)
	default:
		return nil, fmt.Errorf("session for %s in unknown status %q", userID, sess.Status)
	}
}

func (m *Manager) wake(ctx context.Context, sess *domain.Session) (*domain.Session, error) {
	userID := sess.UserID

	if sess.Status == domain.StatusSleeping {
		err := m.repo.TransitionSession(ctx, userID, domain.StatusSleeping, domain.StatusWaking, sess.ContainerID)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				// Raced with another transition; re-read and report what won.
				current, getErr := m.repo.GetSession(ctx, userID)
				if getErr == nil && current != nil && current.Status == domain.StatusRunning {
					return current, nil
				}
			}
			return nil, err
		}
		m.notify(userID, domain.StatusWaking)
	}

	slog.Info("Waking container", "user_id", userID, "container_id", sess.ContainerID)

	wakeErr := m.withRetry(ctx, "wake", m.cfg.WakeTimeout, func(attemptCtx context.Context) error {
		return m.sup.Wake(attemptCtx, sess.ContainerID)
	})
	if wakeErr != nil {
		if err := m.repo.TransitionSession(ctx, userID, domain.StatusWaking, domain.StatusCrashed, sess.ContainerID); err != nil {
			slog.Error("Failed to record crashed transition after wake failure", "error", err, "user_id", userID)
		}
		m.notify(userID, domain.StatusCrashed)
		return nil, fmt.Errorf("wake session for %s: %w: %w", userID, ErrWakeFailed, wakeErr)
	}

	return m.markRunning(ctx, userID, domain.StatusWaking, sess.ContainerID)
}

func (m *Manager) provision(ctx context.Context, userID string, prev *domain.Session) (*domain.Session, error) {
	now := time.Now()
	sess := &domain.Session{
		UserID:             userID,
		Status:             domain.StatusProvisioning,
		ProvisionRequestID: uuid.NewString(),
		LastActiveAt:       now,
		IdleDeadline:       now.Add(m.cfg.IdleTimeout),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if prev != nil {
		sess.CreatedAt = prev.CreatedAt
		if prev.Status != domain.StatusProvisioning && !prev.CanTransition(domain.StatusProvisioning) {
			return nil, fmt.Errorf("cannot provision from status %q for %s: %w", prev.Status, userID, domain.ErrConflict)
		}
	}

	if err := m.repo.UpsertSession(ctx, sess); err != nil {
		return nil, err
	}
	m.notify(userID, domain.StatusProvisioning)

	slog.Info("Provisioning container", "user_id", userID, "request_id", sess.ProvisionRequestID)

	var containerID string
	provErr := m.withRetry(ctx, "provision", m.cfg.ProvisionTimeout, func(attemptCtx context.Context) error {
		var err error
		containerID, err = m.sup.Provision(attemptCtx, userID)
		return err
	})
	if provErr != nil {
		if err := m.repo.TransitionSession(ctx, userID, domain.StatusProvisioning, domain.StatusCrashed, ""); err != nil {
			slog.Error("Failed to record crashed transition after provision failure", "error", err, "user_id", userID)
		}
		m.notify(userID, domain.StatusCrashed)
		return nil, fmt.Errorf("provision session for %s: %w: %w", userID, ErrProvisionFailed, provErr)
	}

	return m.markRunning(ctx, userID, domain.StatusProvisioning, containerID)
}

// markRunning completes a provision or wake: transition to running, reset
// the idle clock, and hand back the fresh session row.
func (m *Manager) markRunning(ctx context.Context, userID string, from domain.SessionStatus, containerID string) (*domain.Session, error) {
	if err := m.repo.TransitionSession(ctx, userID, from, domain.StatusRunning, containerID); err != nil {
		return nil, err
	}

	now := time.Now()
	if err := m.repo.UpdateLastActive(ctx, userID, now, now.Add(m.cfg.IdleTimeout)); err != nil {
		slog.Warn("Failed to reset idle clock", "error", err, "user_id", userID)
	}
	m.notify(userID, domain.StatusRunning)

	sess, err := m.repo.GetSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session for %s vanished after transition: %w", userID, domain.ErrConflict)
	}
	return sess, nil
}

// withRetry runs fn up to the configured attempt budget, each attempt
// bounded by its own timeout, with exponential backoff between attempts.
func (m *Manager) withRetry(ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i < m.cfg.RetryAttempts; i++ {
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if i < m.cfg.RetryAttempts-1 {
			delay := m.cfg.RetryBaseDelay * time.Duration(1<<i)
			slog.Warn("Container operation failed, retrying",
				"op", op,
				"attempt", i+1,
				"delay", delay,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return err
			case <-time.After(delay):
			}
		}
	}
	return err
}

// RecordActivity resets the idle deadline for a running session.
func (m *Manager) RecordActivity(ctx context.Context, userID string) error {
	now := time.Now()
	return m.repo.UpdateLastActive(ctx, userID, now, now.Add(m.cfg.IdleTimeout))
}

// Status returns the current session for a user without side effects.
// The UI status query is this read and nothing else.
func (m *Manager) Status(ctx context.Context, userID string) (*domain.Session, error) {
	return m.repo.GetSession(ctx, userID)
}

// SweepIdle transitions running sessions whose idle timeout elapsed to
// sleeping. The sleep is guarded against activity recorded after the
// candidate list was read, so a busy session is never put down. One
// user's failure does not abort the sweep.
func (m *Manager) SweepIdle(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-m.cfg.IdleTimeout)
	candidates, err := m.repo.IdleSessions(ctx, cutoff)
	if err != nil {
		slog.Error("Idle sweep failed to list candidates", "error", err)
		return 0
	}
	if len(candidates) == 0 {
		return 0
	}

	slept := 0
	for _, sess := range candidates {
		if err := m.sleepSession(ctx, sess, cutoff); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				slog.Debug("Idle sweep skipped active session", "user_id", sess.UserID)
				continue
			}
			slog.Error("Idle sweep failed for user", "error", err, "user_id", sess.UserID)
			continue
		}
		slept++
	}

	if slept > 0 {
		slog.Info("Idle sweep completed", "slept", slept, "candidates", len(candidates))
	}
	return slept
}

func (m *Manager) sleepSession(ctx context.Context, sess *domain.Session, cutoff time.Time) error {
	// The guard re-checks last_active_at inside the update, not the value
	// read when the candidate list was built.
	if err := m.repo.MarkSleeping(ctx, sess.UserID, cutoff); err != nil {
		return err
	}

	if err := m.sup.Sleep(ctx, sess.ContainerID); err != nil {
		// The session is recorded sleeping; a wake restarts the container
		// either way. Worst case we pay for an idle container until then.
		slog.Error("Failed to stop container for sleeping session",
			"error", err, "user_id", sess.UserID, "container_id", sess.ContainerID)
	}

	m.notify(sess.UserID, domain.StatusSleeping)
	slog.Info("Session put to sleep", "user_id", sess.UserID, "container_id", sess.ContainerID)
	return nil
}

// ReportFault records a crash reported by the container supervisor. The
// manager does not detect faults itself.
func (m *Manager) ReportFault(ctx context.Context, userID, cause string) error {
	sess, err := m.repo.GetSession(ctx, userID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("fault for unknown session %s: %w", userID, domain.ErrNotFound)
	}

	switch sess.Status {
	case domain.StatusRunning, domain.StatusWaking, domain.StatusProvisioning:
		if err := m.repo.TransitionSession(ctx, userID, sess.Status, domain.StatusCrashed, sess.ContainerID); err != nil {
			return err
		}
		m.notify(userID, domain.StatusCrashed)
		slog.Warn("Session crashed", "user_id", userID, "cause", cause, "was", sess.Status)
		return nil
	default:
		slog.Debug("Ignoring fault for inactive session", "user_id", userID, "status", sess.Status, "cause", cause)
		return nil
	}
}

// Delete removes the user's container and marks the session deleted.
// Explicit user deletion is allowed from any state.
func (m *Manager) Delete(ctx context.Context, userID string) error {
	sess, err := m.repo.GetSession(ctx, userID)
	if err != nil {
		return err
	}
	if sess == nil || sess.Status == domain.StatusDeleted {
		return nil
	}

	if sess.ContainerID != "" {
		if err := m.sup.Remove(ctx, sess.ContainerID); err != nil {
			return fmt.Errorf("remove container for %s: %w", userID, err)
		}
	}

	sess.Status = domain.StatusDeleted
	sess.ContainerID = ""
	sess.UpdatedAt = time.Now()
	if err := m.repo.UpsertSession(ctx, sess); err != nil {
		return err
	}
	m.notify(userID, domain.StatusDeleted)
	slog.Info("Session deleted", "user_id", userID)
	return nil
}
