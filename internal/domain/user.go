// Package domain contains core domain types for the assistd orchestrator.
package domain

import (
	"time"
)

// User represents a user profile. The credit balance is derived from the
// ledger and never stored on the profile; profiles are deactivated, not
// deleted.
type User struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Timezone  string    `json:"timezone"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
