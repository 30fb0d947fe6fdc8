package core

import "time"

// Named events pushed to connected clients over the real-time channel.
const (
	EventNewMessage      = "new_message"
	EventMessageStatus   = "message_status"
	EventTypingIndicator = "typing_indicator"
	EventReactionAdded   = "reaction_added"
	EventReactionRemoved = "reaction_removed"
	EventMessagePinned   = "message_pinned"
	EventMessageUnpinned = "message_unpinned"
	EventPing            = "ping"
)

type (
	// Event is the push-channel envelope delivered to clients.
	Event struct {
		Type      string      `json:"type"`
		Payload   interface{} `json:"payload,omitempty"`
		Timestamp time.Time   `json:"timestamp"` // UTC
	}

	// Delivery pairs an Event with the users it was addressed to.
	// The event broker feeds these to the notification aggregator.
	Delivery struct {
		Recipients []string
		Event      Event
	}

	// EventBroker is any service that can push named events to connected users.
	// Publishing never blocks the caller; delivery to slow or absent consumers is best-effort.
	EventBroker interface {
		Publish(userIDs []string, evt Event)
	}
)

func NewEvent(typ string, payload interface{}) Event {
	return Event{Type: typ, Payload: payload, Timestamp: time.Now().UTC()}
}
