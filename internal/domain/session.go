package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a user's container session.
type SessionStatus string

const (
	StatusProvisioning SessionStatus = "provisioning"
	StatusRunning      SessionStatus = "running"
	StatusSleeping     SessionStatus = "sleeping"
	StatusWaking       SessionStatus = "waking"
	StatusCrashed      SessionStatus = "crashed"
	StatusDeleted      SessionStatus = "deleted"
)

// transitions is the allowed state machine. A session may only move along
// these edges; everything else is a bug in the caller.
var transitions = map[SessionStatus][]SessionStatus{
	StatusProvisioning: {StatusRunning, StatusCrashed},
	StatusRunning:      {StatusSleeping, StatusCrashed},
	StatusSleeping:     {StatusWaking},
	StatusWaking:       {StatusRunning, StatusCrashed},
	StatusCrashed:      {StatusProvisioning, StatusDeleted},
	StatusDeleted:      {StatusProvisioning},
}

// CanTransition reports whether moving from one status to another is a
// legal edge of the session state machine.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session represents a user's container session. Exactly one non-deleted
// session exists per user; the lifecycle manager is the sole writer.
type Session struct {
	UserID             string        `json:"user_id"`
	ContainerID        string        `json:"container_id,omitempty"`
	Status             SessionStatus `json:"status"`
	LastActiveAt       time.Time     `json:"last_active_at"`
	IdleDeadline       time.Time     `json:"idle_deadline"`
	ProvisionRequestID string        `json:"provision_request_id,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// IdleExpired reports whether the session has been inactive past its idle
// timeout. The deadline is recomputed from LastActiveAt rather than read
// from the stored column so a late activity update is never ignored.
func (s *Session) IdleExpired(now time.Time, idleTimeout time.Duration) bool {
	return s.Status == StatusRunning && now.After(s.LastActiveAt.Add(idleTimeout))
}

// CanTransition reports whether the session may move to the given status.
func (s *Session) CanTransition(to SessionStatus) bool {
	return CanTransition(s.Status, to)
}
