package schedule

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/ujumbe/core"
	"github.com/trezcool/ujumbe/core/messaging"
)

// Scheduled message statuses. `dispatching` is the transient claim state held
// by the scanner that won the record; `sent`, `cancelled` and `failed` are
// terminal.
const (
	StatusPending     = "pending"
	StatusDispatching = "dispatching"
	StatusSent        = "sent"
	StatusCancelled   = "cancelled"
	StatusFailed      = "failed"
)

type (
	// Draft is the message content held until dispatch time.
	Draft struct {
		Content     string                 `json:"content" validate:"required"`
		Category    string                 `json:"category" validate:"omitempty,msgcategory"`
		Priority    string                 `json:"priority" validate:"omitempty,msgpriority"`
		Attachments []messaging.Attachment `json:"attachments,omitempty"`
	}

	// ScheduledMessage is a draft due at a future time. It transitions exactly
	// once to a terminal state; no mutation is possible afterwards.
	ScheduledMessage struct {
		ID             string    `json:"id"`
		SenderID       string    `json:"sender_id"`
		ConversationID string    `json:"conversation_id,omitempty"`
		RecipientID    string    `json:"recipient_id,omitempty"`
		Draft          Draft     `json:"draft"`
		ScheduledFor   time.Time `json:"scheduled_for"` // UTC
		Status         string    `json:"status"`
		Attempts       int       `json:"attempts"`
		LastError      string    `json:"last_error,omitempty"`
		CreatedAt      time.Time `json:"created_at"` // UTC
	}
)

// IsTerminal reports whether no further transition is possible.
func (sm ScheduledMessage) IsTerminal() bool {
	switch sm.Status {
	case StatusSent, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// NewScheduledMessage contains information needed to schedule a message. One
// of ConversationID or RecipientID must be set.
type NewScheduledMessage struct {
	ConversationID string    `json:"conversation_id"`
	RecipientID    string    `json:"recipient_id"`
	Draft          Draft     `json:"draft"`
	ScheduledFor   time.Time `json:"scheduled_for" validate:"required"`
}

func (ns *NewScheduledMessage) Validate(validate *validator.Validate) error {
	ns.ConversationID = core.CleanString(ns.ConversationID)
	ns.RecipientID = core.CleanString(ns.RecipientID)
	ns.Draft.Content = core.CleanString(ns.Draft.Content)
	if ns.Draft.Category == "" {
		ns.Draft.Category = messaging.CategoryGeneral
	}
	if ns.Draft.Priority == "" {
		ns.Draft.Priority = messaging.PriorityNormal
	}
	return validate.Struct(ns)
}
