// Package dispatch delivers messages into running assistant containers
// over docker exec.
package dispatch

import (
	"context"

	"github.com/avolkov/assistd/internal/domain"
)

// Kind distinguishes user-sent messages from scheduler-fired reminders.
type Kind string

const (
	KindMessage  Kind = "message"
	KindReminder Kind = "reminder"
)

// Message is one unit of work handed to an assistant container.
type Message struct {
	UserID         string `json:"user_id"`
	Kind           Kind   `json:"kind"`
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id,omitempty"`
	ReminderID     string `json:"reminder_id,omitempty"`
}

// Result is the container's response to a delivered message.
type Result struct {
	Reply     string `json:"reply"`
	CostCents int64  `json:"cost_cents"`
}

// Dispatcher sends a message into the container and returns the
// assistant's reply with the actual cost of processing it.
type Dispatcher interface {
	Dispatch(ctx context.Context, containerID string, msg Message) (*Result, error)
}

// FromReminder builds the delivery message for a fired reminder.
func FromReminder(rem *domain.Reminder) Message {
	return Message{
		UserID:         rem.UserID,
		Kind:           KindReminder,
		Text:           rem.Payload,
		ConversationID: rem.ConversationID,
		ReminderID:     rem.ID,
	}
}
