package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avolkov/assistd/internal/domain"
	"github.com/avolkov/assistd/internal/store"
	"github.com/google/uuid"
)

// Deliverer wakes the target container and hands it the reminder payload.
// The orchestrator implements this so reminder delivery rides the same
// per-user serialization and metering as user messages.
type Deliverer interface {
	DeliverReminder(ctx context.Context, rem *domain.Reminder) error
}

// Config holds reminder retry knobs.
type Config struct {
	// RetryBudget is how many consecutive delivery failures a reminder
	// survives before it is marked expired.
	RetryBudget int
	// RetryBackoff is added to NextFireAt after a failed fire.
	RetryBackoff time.Duration
}

// Scheduler owns reminder records and the due-reminder sweep. Delivery is
// at-least-once: a crash between wake and the status update can replay a
// fire, so downstream consumers must tolerate duplicates.
type Scheduler struct {
	repo      store.Repository
	deliverer Deliverer
	cfg       Config
}

// NewScheduler creates a reminder scheduler.
func NewScheduler(repo store.Repository, deliverer Deliverer, cfg Config) *Scheduler {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Minute
	}
	return &Scheduler{repo: repo, deliverer: deliverer, cfg: cfg}
}

// Schedule inserts or updates a reminder. A new reminder gets an ID,
// active status and its first NextFireAt computed from the descriptor.
func (s *Scheduler) Schedule(ctx context.Context, rem *domain.Reminder) error {
	if err := ValidateSchedule(rem.Schedule); err != nil {
		return err
	}

	now := time.Now()
	if rem.ID == "" {
		rem.ID = uuid.NewString()
		rem.CreatedAt = now
	}
	if rem.Status == "" {
		rem.Status = domain.ReminderActive
	}

	if rem.Status == domain.ReminderActive && (rem.NextFireAt.IsZero() || !rem.NextFireAt.After(now)) {
		next, ok := s.firstFire(rem.Schedule, now)
		if !ok {
			return fmt.Errorf("schedule for reminder %s has no future occurrence", rem.ID)
		}
		rem.NextFireAt = next
	}
	rem.UpdatedAt = now

	if err := s.repo.UpsertReminder(ctx, rem); err != nil {
		return err
	}
	slog.Info("Reminder scheduled",
		"reminder_id", rem.ID,
		"user_id", rem.UserID,
		"kind", rem.Schedule.Kind,
		"next_fire_at", rem.NextFireAt,
	)
	return nil
}

// firstFire computes the initial NextFireAt. A one-time reminder fires at
// its own instant even if Schedule is called a moment late.
func (s *Scheduler) firstFire(sched domain.Schedule, now time.Time) (time.Time, bool) {
	if sched.Kind == domain.ScheduleAt {
		if sched.At.IsZero() {
			return time.Time{}, false
		}
		return sched.At, true
	}
	return NextAfter(sched, now)
}

// Cancel removes a reminder.
func (s *Scheduler) Cancel(ctx context.Context, reminderID string) error {
	return s.repo.DeleteReminder(ctx, reminderID)
}

// Get retrieves a reminder by ID. Returns nil when absent.
func (s *Scheduler) Get(ctx context.Context, reminderID string) (*domain.Reminder, error) {
	return s.repo.GetReminder(ctx, reminderID)
}

// List returns all reminders for a user.
func (s *Scheduler) List(ctx context.Context, userID string) ([]*domain.Reminder, error) {
	return s.repo.ListReminders(ctx, userID)
}

// Pause stops an active reminder from firing until resumed.
func (s *Scheduler) Pause(ctx context.Context, reminderID string) error {
	return s.setStatus(ctx, reminderID, domain.ReminderActive, domain.ReminderPaused)
}

// Resume reactivates a paused reminder, recomputing NextFireAt so the
// pause gap is not replayed.
func (s *Scheduler) Resume(ctx context.Context, reminderID string) error {
	rem, err := s.repo.GetReminder(ctx, reminderID)
	if err != nil {
		return err
	}
	if rem == nil {
		return fmt.Errorf("reminder %s: %w", reminderID, domain.ErrNotFound)
	}
	if rem.Status != domain.ReminderPaused {
		return fmt.Errorf("resume reminder in status %q: %w", rem.Status, domain.ErrConflict)
	}

	now := time.Now()
	next, ok := s.firstFire(rem.Schedule, now)
	if !ok {
		rem.Status = domain.ReminderCompleted
	} else {
		rem.Status = domain.ReminderActive
		rem.NextFireAt = next
	}
	rem.FailCount = 0
	rem.UpdatedAt = now
	return s.repo.UpsertReminder(ctx, rem)
}

func (s *Scheduler) setStatus(ctx context.Context, reminderID string, from, to domain.ReminderStatus) error {
	rem, err := s.repo.GetReminder(ctx, reminderID)
	if err != nil {
		return err
	}
	if rem == nil {
		return fmt.Errorf("reminder %s: %w", reminderID, domain.ErrNotFound)
	}
	if rem.Status != from {
		return fmt.Errorf("reminder %s is %q, not %q: %w", reminderID, rem.Status, from, domain.ErrConflict)
	}
	rem.Status = to
	rem.UpdatedAt = time.Now()
	return s.repo.UpsertReminder(ctx, rem)
}

// DueBefore returns active reminders due before t in fire order.
func (s *Scheduler) DueBefore(ctx context.Context, t time.Time) ([]*domain.Reminder, error) {
	return s.repo.DueReminders(ctx, t)
}

// Sweep fires all reminders due at now. Each user's reminders fire in
// order on their own goroutine; one user's failure never blocks or aborts
// another's. Returns the number of successful fires.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) int {
	due, err := s.repo.DueReminders(ctx, now)
	if err != nil {
		slog.Error("Reminder sweep failed to list due reminders", "error", err)
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	// Group by user, keeping fire order within each group.
	byUser := make(map[string][]*domain.Reminder)
	for _, rem := range due {
		byUser[rem.UserID] = append(byUser[rem.UserID], rem)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fired int
	)
	for userID, rems := range byUser {
		wg.Add(1)
		go func(userID string, rems []*domain.Reminder) {
			defer wg.Done()
			for _, rem := range rems {
				if err := s.fire(ctx, rem, now); err != nil {
					slog.Error("Reminder fire failed",
						"error", err,
						"reminder_id", rem.ID,
						"user_id", userID,
						"fail_count", rem.FailCount,
					)
					continue
				}
				mu.Lock()
				fired++
				mu.Unlock()
			}
		}(userID, rems)
	}
	wg.Wait()

	slog.Info("Reminder sweep completed", "due", len(due), "fired", fired)
	return fired
}

func (s *Scheduler) fire(ctx context.Context, rem *domain.Reminder, now time.Time) error {
	deliverErr := s.deliverer.DeliverReminder(ctx, rem)
	if deliverErr != nil {
		return s.recordFailure(ctx, rem, now, deliverErr)
	}

	firedAt := now
	rem.LastFiredAt = &firedAt
	rem.FailCount = 0
	rem.UpdatedAt = now

	if rem.Schedule.Recurring() {
		next, ok := NextAfter(rem.Schedule, now)
		if ok {
			rem.NextFireAt = next
		} else {
			rem.Status = domain.ReminderCompleted
		}
	} else {
		rem.Status = domain.ReminderCompleted
	}

	if err := s.repo.UpsertReminder(ctx, rem); err != nil {
		// Delivered but not recorded: the next sweep replays the fire.
		// At-least-once, by contract.
		return fmt.Errorf("record fired reminder %s: %w", rem.ID, err)
	}

	slog.Info("Reminder delivered",
		"reminder_id", rem.ID,
		"user_id", rem.UserID,
		"status", rem.Status,
		"next_fire_at", rem.NextFireAt,
	)
	return nil
}

func (s *Scheduler) recordFailure(ctx context.Context, rem *domain.Reminder, now time.Time, cause error) error {
	rem.FailCount++
	rem.UpdatedAt = now

	if rem.FailCount >= s.cfg.RetryBudget {
		rem.Status = domain.ReminderExpired
		if err := s.repo.UpsertReminder(ctx, rem); err != nil {
			return fmt.Errorf("record expired reminder %s: %w", rem.ID, err)
		}
		return fmt.Errorf("reminder %s expired after %d failures: %w", rem.ID, rem.FailCount, cause)
	}

	// Leave the reminder active with a short backoff; the next sweep
	// retries it.
	rem.NextFireAt = now.Add(s.cfg.RetryBackoff)
	if err := s.repo.UpsertReminder(ctx, rem); err != nil {
		return fmt.Errorf("record failed fire for reminder %s: %w", rem.ID, err)
	}
	return fmt.Errorf("deliver reminder %s (attempt %d of %d): %w", rem.ID, rem.FailCount, s.cfg.RetryBudget, cause)
}
