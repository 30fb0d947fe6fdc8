package messaging

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/ujumbe/core"
)

// Message delivery statuses
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Message categories
const (
	CategoryAdministrative  = "administrative"
	CategoryAttendanceAlert = "attendance_alert"
	CategoryScheduleChange  = "schedule_change"
	CategoryAnnouncement    = "announcement"
	CategoryGeneral         = "general"
	CategoryUrgent          = "urgent"
)

// Message priorities
const (
	PriorityNormal    = "normal"
	PriorityImportant = "important"
	PriorityUrgent    = "urgent"
)

// Reaction types
const (
	ReactionAcknowledge = "acknowledge"
	ReactionImportant   = "important"
	ReactionAgree       = "agree"
	ReactionQuestion    = "question"
	ReactionUrgent      = "urgent"
)

// Conversation flags
const (
	FlagPinned   Flag = "pinned"
	FlagStarred  Flag = "starred"
	FlagArchived Flag = "archived"
	FlagResolved Flag = "resolved"
	FlagMuted    Flag = "muted"
)

// Conversation sort options
const (
	SortRecent       = "recent"
	SortUnreadFirst  = "unread_first"
	SortPriority     = "priority"
	SortAlphabetical = "alphabetical"
)

var (
	AllCategories    = []string{CategoryAdministrative, CategoryAttendanceAlert, CategoryScheduleChange, CategoryAnnouncement, CategoryGeneral, CategoryUrgent}
	AllPriorities    = []string{PriorityNormal, PriorityImportant, PriorityUrgent}
	AllReactionTypes = []string{ReactionAcknowledge, ReactionImportant, ReactionAgree, ReactionQuestion, ReactionUrgent}
	AllSortOptions   = []string{SortRecent, SortUnreadFirst, SortPriority, SortAlphabetical}

	priorityRanks = map[string]int{
		PriorityUrgent:    3,
		PriorityImportant: 2,
		PriorityNormal:    1,
	}

	// statusTransitions holds the only legal forward moves of the delivery
	// state machine; `failed` and `read` are terminal.
	statusTransitions = map[string][]string{
		StatusSending:   {StatusSent, StatusFailed},
		StatusSent:      {StatusDelivered, StatusFailed},
		StatusDelivered: {StatusRead},
	}

	statusRanks = map[string]int{
		StatusSending:   1,
		StatusSent:      2,
		StatusFailed:    2,
		StatusDelivered: 3,
		StatusRead:      4,
	}
)

// PriorityRank orders priorities for sorting; unknown priorities rank lowest.
func PriorityRank(priority string) int {
	return priorityRanks[priority]
}

// CanTransition reports whether a message status may move from `from` to `to`.
func CanTransition(from, to string) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ApplyStatus resolves a requested status change against the delivery state
// machine. It returns the status to keep and whether it changed: repeats and
// stale acknowledgments (a state the message already passed) are ignored so
// that at-least-once acks stay idempotent; illegal forward jumps fail with
// ErrInvalidTransition.
func ApplyStatus(current, requested string) (status string, changed bool, err error) {
	switch {
	case current == requested:
		return current, false, nil
	case CanTransition(current, requested):
		return requested, true, nil
	case statusRanks[requested] < statusRanks[current]:
		return current, false, nil
	}
	return current, false, ErrInvalidTransition
}

type Flag string

type (
	// Attachment is a file attached to a message. The blob itself lives in the
	// file storage service; only its descriptor is kept here.
	Attachment struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		Size           int64  `json:"size"`
		ContentType    string `json:"content_type"`
		URL            string `json:"url"`
		UploadProgress *int   `json:"upload_progress,omitempty"` // transient, client-only
	}

	// Reaction is a one-tap response to a message; unique per (message, user, type).
	Reaction struct {
		Type      string    `json:"type"`
		UserID    string    `json:"user_id"`
		CreatedAt time.Time `json:"created_at"` // UTC
	}

	// Message is an entry in the append-only message log. Content is immutable
	// once created; only status, reactions and the pin marker move.
	Message struct {
		ID             string       `json:"id"`
		ConversationID string       `json:"conversation_id"`
		SenderID       string       `json:"sender_id"`
		SenderRole     string       `json:"sender_role"`
		Content        string       `json:"content"`
		Category       string       `json:"category"`
		Priority       string       `json:"priority"`
		Status         string       `json:"status"`
		Attachments    []Attachment `json:"attachments,omitempty"`
		Reactions      []Reaction   `json:"reactions,omitempty"`
		IsPinned       bool         `json:"is_pinned"`
		IsForwarded    bool         `json:"is_forwarded"`
		OriginSenderID string       `json:"origin_sender_id,omitempty"`
		ReplyToID      string       `json:"reply_to_id,omitempty"`
		BroadcastID    string       `json:"broadcast_id,omitempty"`
		CreatedAt      time.Time    `json:"created_at"` // UTC
		DeliveredAt    *time.Time   `json:"delivered_at,omitempty"`
		ReadAt         *time.Time   `json:"read_at,omitempty"`
	}

	// Conversation is the thread between two participants as seen by one of
	// them: RecipientID is the other party, UnreadCount and the flags are the
	// viewer's own. Exactly one conversation exists per unordered pair; the
	// store projects it for each viewer.
	Conversation struct {
		ID               string    `json:"id"`
		RecipientID      string    `json:"recipient_id"`
		RecipientName    string    `json:"recipient_name"`
		RecipientRole    string    `json:"recipient_role"`
		LastMessageID    string    `json:"last_message_id,omitempty"`
		UnreadCount      int       `json:"unread_count"`
		IsPinned         bool      `json:"is_pinned"`
		IsStarred        bool      `json:"is_starred"`
		IsArchived       bool      `json:"is_archived"`
		IsResolved       bool      `json:"is_resolved"`
		IsMuted          bool      `json:"is_muted"`
		PinnedMessageIDs []string  `json:"pinned_message_ids,omitempty"`
		CreatedAt        time.Time `json:"created_at"` // UTC
		UpdatedAt        time.Time `json:"updated_at"` // UTC
	}
)

// NewConversation contains information needed to open (or find) a conversation.
type NewConversation struct {
	RecipientID string `json:"recipient_id" validate:"required"`
}

func (nc *NewConversation) Validate(validate *validator.Validate) error {
	nc.RecipientID = core.CleanString(nc.RecipientID)
	return validate.Struct(nc)
}

// SendMessage contains information needed to send a single message. One of
// ConversationID or RecipientID must be set; the conversation is created
// lazily on first message to a new recipient.
type SendMessage struct {
	ConversationID string       `json:"conversation_id"`
	RecipientID    string       `json:"recipient_id"`
	Content        string       `json:"content" validate:"required"`
	Category       string       `json:"category" validate:"omitempty,msgcategory"`
	Priority       string       `json:"priority" validate:"omitempty,msgpriority"`
	ReplyToID      string       `json:"reply_to_id"`
	Attachments    []Attachment `json:"attachments"`

	// set by the engines, never bound from requests
	BroadcastID    string `json:"-"`
	IsForwarded    bool   `json:"-"`
	OriginSenderID string `json:"-"`
}

func (sm *SendMessage) Validate(validate *validator.Validate) error {
	sm.ConversationID = core.CleanString(sm.ConversationID)
	sm.RecipientID = core.CleanString(sm.RecipientID)
	sm.Content = core.CleanString(sm.Content)
	if sm.Category == "" {
		sm.Category = CategoryGeneral
	}
	if sm.Priority == "" {
		sm.Priority = PriorityNormal
	}
	return validate.Struct(sm)
}

// ForwardMessage contains information needed to forward an existing message to
// another recipient.
type ForwardMessage struct {
	MessageID   string `json:"message_id" validate:"required"`
	RecipientID string `json:"recipient_id" validate:"required"`
}

func (fm *ForwardMessage) Validate(validate *validator.Validate) error {
	fm.MessageID = core.CleanString(fm.MessageID)
	fm.RecipientID = core.CleanString(fm.RecipientID)
	return validate.Struct(fm)
}

// ToggleReaction contains information needed to add (or net-remove) a reaction.
type ToggleReaction struct {
	Type string `json:"type" validate:"required,reactiontype"`
}

func (tr *ToggleReaction) Validate(validate *validator.Validate) error {
	tr.Type = core.CleanString(tr.Type, true /* lower */)
	return validate.Struct(tr)
}

// Typing signals that the caller started or stopped typing in a conversation.
type Typing struct {
	IsTyping bool `json:"is_typing"`
}

// ConversationFilter applies an AND operation on its set fields.
type ConversationFilter struct {
	Role     string    `query:"role"`
	Unread   *bool     `query:"unread"`
	Starred  *bool     `query:"starred"`
	Archived *bool     `query:"archived"`
	Resolved *bool     `query:"resolved"`
	DateFrom time.Time `query:"date_from"`
	DateTo   time.Time `query:"date_to"`
}

func (cf *ConversationFilter) Clean() {
	cf.Role = core.CleanString(cf.Role, true /* lower */)
}

func (cf *ConversationFilter) IsEmpty() bool {
	return cf.Role == "" && cf.Unread == nil && cf.Starred == nil && cf.Archived == nil &&
		cf.Resolved == nil && cf.DateFrom.IsZero() && cf.DateTo.IsZero()
}

// Event payloads

type (
	NewMessagePayload struct {
		Message        Message `json:"message"`
		ConversationID string  `json:"conversation_id"`
		SenderName     string  `json:"sender_name,omitempty"`
	}

	StatusPayload struct {
		MessageID      string `json:"message_id"`
		ConversationID string `json:"conversation_id"`
		Status         string `json:"status"`
		BroadcastID    string `json:"broadcast_id,omitempty"`
	}

	TypingPayload struct {
		ConversationID string `json:"conversation_id"`
		UserID         string `json:"user_id"`
		UserName       string `json:"user_name,omitempty"`
		IsTyping       bool   `json:"is_typing"`
	}

	ReactionPayload struct {
		MessageID      string   `json:"message_id"`
		ConversationID string   `json:"conversation_id"`
		Reaction       Reaction `json:"reaction"`
	}

	PinPayload struct {
		MessageID      string `json:"message_id"`
		ConversationID string `json:"conversation_id"`
	}
)
