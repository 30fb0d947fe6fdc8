package notify

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/ujumbe/core"
)

// Notification types
const (
	TypeNewMessage        = "new_message"
	TypeMessageRead       = "message_read"
	TypeBroadcastComplete = "broadcast_complete"
	TypeDeliveryFailed    = "delivery_failed"
)

// Notification sounds
const (
	SoundDefault = "default"
	SoundSubtle  = "subtle"
	SoundSilent  = "silent"
)

// Message preview levels
const (
	PreviewFull       = "full"
	PreviewSenderOnly = "sender_only"
	PreviewCountOnly  = "count_only"
)

var (
	AllSounds   = []string{SoundDefault, SoundSubtle, SoundSilent}
	AllPreviews = []string{PreviewFull, PreviewSenderOnly, PreviewCountOnly}
)

type (
	// Notification is a user-facing record derived from conversation deltas
	// and channel events.
	Notification struct {
		ID             string    `json:"id"`
		UserID         string    `json:"user_id"`
		Type           string    `json:"type"`
		ConversationID string    `json:"conversation_id,omitempty"`
		SenderID       string    `json:"sender_id,omitempty"`
		SenderName     string    `json:"sender_name,omitempty"`
		Text           string    `json:"text"`
		Priority       string    `json:"priority,omitempty"`
		IsRead         bool      `json:"is_read"`
		CreatedAt      time.Time `json:"created_at"` // UTC
	}

	// QuietHours is a daily wall-clock window during which non-urgent
	// notifications are muted. The window may cross midnight.
	QuietHours struct {
		Enabled bool   `json:"enabled"`
		Start   string `json:"start" validate:"omitempty,hhmm"`
		End     string `json:"end" validate:"omitempty,hhmm"`
	}

	// Preferences controls how notifications are produced for one user.
	Preferences struct {
		Enabled              bool       `json:"enabled"`
		Sound                string     `json:"sound" validate:"omitempty,notifsound"`
		Preview              string     `json:"preview" validate:"omitempty,notifpreview"`
		QuietHours           QuietHours `json:"quiet_hours"`
		Grouping             bool       `json:"grouping"`
		BrowserNotifications bool       `json:"browser_notifications"`
	}
)

func DefaultPreferences() Preferences {
	return Preferences{
		Enabled:              true,
		Sound:                SoundDefault,
		Preview:              PreviewFull,
		Grouping:             true,
		BrowserNotifications: true,
	}
}

func (p *Preferences) Validate(validate *validator.Validate) error {
	p.Sound = core.CleanString(p.Sound, true /* lower */)
	p.Preview = core.CleanString(p.Preview, true /* lower */)
	if p.Sound == "" {
		p.Sound = SoundDefault
	}
	if p.Preview == "" {
		p.Preview = PreviewFull
	}
	return validate.Struct(p)
}

// InQuietHours reports whether t falls within the quiet window. Windows where
// Start > End span midnight (eg. 22:00-07:00).
func (q QuietHours) InQuietHours(t time.Time) bool {
	if !q.Enabled || q.Start == "" || q.End == "" {
		return false
	}
	start, err := minuteOfDay(q.Start)
	if err != nil {
		return false
	}
	end, err := minuteOfDay(q.End)
	if err != nil {
		return false
	}
	now := t.Hour()*60 + t.Minute()
	if start <= end {
		return start <= now && now < end
	}
	return now >= start || now < end
}

// minuteOfDay parses "HH:mm" into minutes since midnight.
func minuteOfDay(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return h*60 + m, nil
}
