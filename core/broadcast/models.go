package broadcast

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/ujumbe/core"
	"github.com/trezcool/ujumbe/core/directory"
	"github.com/trezcool/ujumbe/core/messaging"
)

type (
	// Broadcast is a one-to-many send. Each resolved recipient gets their own
	// copy driven through the message pipeline; the aggregate counts are
	// tallied from the per-recipient outcomes, never estimated.
	Broadcast struct {
		ID               string                 `json:"id"`
		SenderID         string                 `json:"sender_id"`
		Criteria         directory.Criteria     `json:"criteria"`
		Content          string                 `json:"content"`
		Category         string                 `json:"category"`
		Priority         string                 `json:"priority"`
		Attachments      []messaging.Attachment `json:"attachments,omitempty"`
		RecipientCount   int                    `json:"recipient_count"`
		DeliveredCount   int                    `json:"delivered_count"`
		ReadCount        int                    `json:"read_count"`
		FailedCount      int                    `json:"failed_count"`
		FailedRecipients []FailedRecipient      `json:"failed_recipients,omitempty"`
		CreatedAt        time.Time              `json:"created_at"` // UTC
		CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	}

	// FailedRecipient records one recipient the fan-out could not deliver to.
	FailedRecipient struct {
		UserID string `json:"user_id"`
		Name   string `json:"name,omitempty"`
		Reason string `json:"reason"`
	}

	// Outcome is the result of one recipient's delivery attempt.
	Outcome struct {
		RecipientID string
		Name        string
		Delivered   bool
		Reason      string // set when not delivered
	}
)

// IsComplete reports whether every recipient has a recorded outcome.
func (b Broadcast) IsComplete() bool {
	return b.DeliveredCount+b.FailedCount >= b.RecipientCount
}

// NewBroadcast contains information needed to send a broadcast. ID may carry a
// client-generated id so that retried requests resume instead of re-sending.
type NewBroadcast struct {
	ID          string                 `json:"id" validate:"omitempty,uuid4"`
	Criteria    directory.Criteria     `json:"criteria"`
	Content     string                 `json:"content" validate:"required"`
	Category    string                 `json:"category" validate:"omitempty,msgcategory"`
	Priority    string                 `json:"priority" validate:"omitempty,msgpriority"`
	Attachments []messaging.Attachment `json:"attachments"`
}

func (nb *NewBroadcast) Validate(validate *validator.Validate) error {
	nb.ID = core.CleanString(nb.ID)
	nb.Content = core.CleanString(nb.Content)
	if nb.Category == "" {
		nb.Category = messaging.CategoryAnnouncement
	}
	if nb.Priority == "" {
		nb.Priority = messaging.PriorityNormal
	}
	return validate.Struct(nb)
}
