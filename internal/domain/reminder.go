package domain

import (
	"time"
)

// ScheduleKind is the recurrence class of a reminder schedule.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// Schedule describes when a reminder fires. Exactly one of At, Every or
// CronExpr is meaningful depending on Kind.
type Schedule struct {
	Kind        ScheduleKind  `json:"kind"`
	At          time.Time     `json:"at,omitempty"`
	Every       time.Duration `json:"every,omitempty"`
	CronExpr    string        `json:"cron_expr,omitempty"`
	Description string        `json:"description,omitempty"`
}

// Recurring reports whether the schedule fires more than once.
func (s Schedule) Recurring() bool {
	return s.Kind == ScheduleEvery || s.Kind == ScheduleCron
}

// ReminderStatus is the lifecycle state of a reminder.
type ReminderStatus string

const (
	ReminderActive    ReminderStatus = "active"
	ReminderPaused    ReminderStatus = "paused"
	ReminderCompleted ReminderStatus = "completed"
	ReminderExpired   ReminderStatus = "expired"
)

// Reminder is a scheduled message to be delivered into the user's
// container. NextFireAt is always in the future for an active reminder;
// it is recomputed immediately after each fire.
type Reminder struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Payload        string         `json:"payload"`
	Schedule       Schedule       `json:"schedule"`
	Status         ReminderStatus `json:"status"`
	NextFireAt     time.Time      `json:"next_fire_at"`
	LastFiredAt    *time.Time     `json:"last_fired_at,omitempty"`
	FailCount      int            `json:"fail_count"`
	ConversationID string         `json:"conversation_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
