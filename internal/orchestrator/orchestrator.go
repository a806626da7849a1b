// Package orchestrator ties the meter, lifecycle manager, dispatcher and
// reminder scheduler into the end-to-end message flow.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avolkov/assistd/internal/dispatch"
	"github.com/avolkov/assistd/internal/domain"
)

// Lifecycle is the slice of the container lifecycle manager the
// orchestrator drives.
type Lifecycle interface {
	EnsureRunning(ctx context.Context, userID string) (*domain.Session, error)
	RecordActivity(ctx context.Context, userID string) error
	ReportFault(ctx context.Context, userID, cause string) error
	SweepIdle(ctx context.Context, now time.Time) int
}

// Meter is the slice of the usage meter the orchestrator drives.
type Meter interface {
	Reserve(ctx context.Context, userID string, estimatedCents int64) (string, error)
	Settle(ctx context.Context, reservationID string, actualCents int64) (int64, error)
	Release(reservationID string)
	Reconcile(now time.Time) int
}

// ReminderSweeper runs one due-reminder sweep pass.
type ReminderSweeper interface {
	Sweep(ctx context.Context, now time.Time) int
}

// Notifier receives user-visible events from the message flow.
type Notifier interface {
	AssistantReply(userID, reply string)
	ReminderFired(userID, reminderID, payload string)
}

// Config holds per-operation cost estimates.
type Config struct {
	// MessageCostCents is the credit held while a user message is in
	// flight.
	MessageCostCents int64
	// ReminderCostCents is the credit held while a reminder delivery is
	// in flight.
	ReminderCostCents int64
}

// Reply is the outcome of a handled user message.
type Reply struct {
	Text         string
	CostCents    int64
	BalanceCents int64
}

// Orchestrator serializes all work per user and runs the
// reserve-ensure-dispatch-settle pipeline for messages and reminders.
type Orchestrator struct {
	lifecycle  Lifecycle
	meter      Meter
	dispatcher dispatch.Dispatcher
	notifier   Notifier
	sweeper    ReminderSweeper
	cfg        Config

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// New creates an orchestrator. notifier may be nil.
func New(lifecycle Lifecycle, meter Meter, dispatcher dispatch.Dispatcher, notifier Notifier, cfg Config) *Orchestrator {
	return &Orchestrator{
		lifecycle:  lifecycle,
		meter:      meter,
		dispatcher: dispatcher,
		notifier:   notifier,
		cfg:        cfg,
		users:      make(map[string]*sync.Mutex),
	}
}

// userLock returns the per-user mutex, creating it on first use. All
// message and reminder work for one user runs under this lock, so two
// requests for the same user never interleave.
func (o *Orchestrator) userLock(userID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.users[userID]
	if !ok {
		l = &sync.Mutex{}
		o.users[userID] = l
	}
	return l
}

// HandleMessage runs a user message through the full pipeline: reserve
// credit, ensure the container runs, dispatch, settle the actual cost
// and refresh the idle clock. Credit is checked before any container
// work, so a user without funds never wakes a container.
func (o *Orchestrator) HandleMessage(ctx context.Context, userID, conversationID, text string) (*Reply, error) {
	lock := o.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	msg := dispatch.Message{
		UserID:         userID,
		Kind:           dispatch.KindMessage,
		Text:           text,
		ConversationID: conversationID,
	}
	result, balance, err := o.deliver(ctx, userID, msg, o.cfg.MessageCostCents)
	if err != nil {
		return nil, err
	}

	if o.notifier != nil && result.Reply != "" {
		o.notifier.AssistantReply(userID, result.Reply)
	}
	return &Reply{
		Text:         result.Reply,
		CostCents:    result.CostCents,
		BalanceCents: balance,
	}, nil
}

// DeliverReminder implements the reminder scheduler's delivery hook.
// Reminder delivery is metered like a message, with its own estimate,
// and serialized against the user's other work.
func (o *Orchestrator) DeliverReminder(ctx context.Context, rem *domain.Reminder) error {
	lock := o.userLock(rem.UserID)
	lock.Lock()
	defer lock.Unlock()

	result, _, err := o.deliver(ctx, rem.UserID, dispatch.FromReminder(rem), o.cfg.ReminderCostCents)
	if err != nil {
		return err
	}

	if o.notifier != nil {
		o.notifier.ReminderFired(rem.UserID, rem.ID, rem.Payload)
		if result.Reply != "" {
			o.notifier.AssistantReply(rem.UserID, result.Reply)
		}
	}
	return nil
}

// deliver is the shared pipeline body. The caller holds the user lock.
func (o *Orchestrator) deliver(ctx context.Context, userID string, msg dispatch.Message, estimateCents int64) (*dispatch.Result, int64, error) {
	resID, err := o.meter.Reserve(ctx, userID, estimateCents)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredit) {
			slog.Info("Delivery rejected for insufficient credit",
				"user_id", userID, "kind", msg.Kind, "estimate_cents", estimateCents)
		}
		return nil, 0, err
	}

	sess, err := o.lifecycle.EnsureRunning(ctx, userID)
	if err != nil {
		o.meter.Release(resID)
		return nil, 0, fmt.Errorf("ensure container for %s: %w", userID, err)
	}

	result, err := o.dispatcher.Dispatch(ctx, sess.ContainerID, msg)
	if err != nil {
		o.meter.Release(resID)
		if faultErr := o.lifecycle.ReportFault(ctx, userID, err.Error()); faultErr != nil {
			slog.Error("Failed to record container fault", "user_id", userID, "error", faultErr)
		}
		return nil, 0, fmt.Errorf("dispatch to container %s: %w", sess.ContainerID, err)
	}

	balance, err := o.meter.Settle(ctx, resID, result.CostCents)
	if err != nil {
		// The work is done; a failed settlement is an accounting error,
		// not a delivery failure.
		return nil, 0, fmt.Errorf("settle %s: %w", resID, err)
	}

	if err := o.lifecycle.RecordActivity(ctx, userID); err != nil {
		slog.Warn("Failed to refresh idle clock", "user_id", userID, "error", err)
	}
	return result, balance, nil
}

// SetReminderSweeper binds the reminder scheduler after construction.
// The scheduler delivers through this orchestrator, so the two are wired
// in opposite directions.
func (o *Orchestrator) SetReminderSweeper(s ReminderSweeper) {
	o.sweeper = s
}

// TickIdleSweep runs one idle sweep pass.
func (o *Orchestrator) TickIdleSweep(ctx context.Context, now time.Time) int {
	return o.lifecycle.SweepIdle(ctx, now)
}

// TickReminderSweep runs one reminder sweep pass.
func (o *Orchestrator) TickReminderSweep(ctx context.Context, now time.Time) int {
	if o.sweeper == nil {
		return 0
	}
	return o.sweeper.Sweep(ctx, now)
}

// TickReconcile releases abandoned credit holds.
func (o *Orchestrator) TickReconcile(now time.Time) int {
	return o.meter.Reconcile(now)
}
