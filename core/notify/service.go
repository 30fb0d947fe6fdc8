package notify

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/trezcool/ujumbe/core"
	"github.com/trezcool/ujumbe/core/broadcast"
	"github.com/trezcool/ujumbe/core/directory"
	"github.com/trezcool/ujumbe/core/messaging"
	"github.com/trezcool/ujumbe/core/schedule"
)

var (
	// errors
	ErrNotFound = errors.New("notification not found")

	nowFunc = time.Now // mockable
)

type (
	Repository interface {
		CreateNotification(ctx context.Context, n Notification) (Notification, error)
		// QueryNotifications returns a user's notifications, newest first.
		QueryNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error)
		// MarkNotificationRead is idempotent; marking a read notification is a no-op.
		MarkNotificationRead(ctx context.Context, userID, id string) (Notification, error)
		MarkAllNotificationsRead(ctx context.Context, userID string) (int, error)
		CountUnread(ctx context.Context, userID string) (int, error)
		// GetPreferences returns the stored preferences, or the defaults when
		// the user never saved any.
		GetPreferences(ctx context.Context, userID string) (Preferences, error)
		SavePreferences(ctx context.Context, userID string, prefs Preferences) (Preferences, error)
	}

	// ConversationReader checks the viewer's conversation flags; muted
	// conversations produce no notifications.
	ConversationReader interface {
		GetConversation(ctx context.Context, callerID, id string) (messaging.Conversation, error)
	}

	Service struct {
		conf    *core.Config
		logger  core.Logger
		repo    Repository
		convs   ConversationReader
		dir     directory.Directory
		mailSvc core.EmailService
	}
)

var (
	_ broadcast.CompletionNotifier = (*Service)(nil) // interface compliance checks
	_ schedule.FailureNotifier     = (*Service)(nil)
)

func NewService(
	conf *core.Config,
	logger core.Logger,
	repo Repository,
	convs ConversationReader,
	dir directory.Directory,
	mailSvc core.EmailService,
) *Service {
	return &Service{
		conf:    conf,
		logger:  logger,
		repo:    repo,
		convs:   convs,
		dir:     dir,
		mailSvc: mailSvc,
	}
}

// Run consumes channel deliveries until the channel closes or ctx is
// cancelled. It is meant to be fed the real-time hub's tap.
func (svc *Service) Run(ctx context.Context, deliveries <-chan core.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			svc.HandleDelivery(ctx, d)
		}
	}
}

// HandleDelivery turns one channel delivery into notification records for its
// recipients, honoring each recipient's preferences.
func (svc *Service) HandleDelivery(ctx context.Context, d core.Delivery) {
	switch d.Event.Type {
	case core.EventNewMessage:
		payload, ok := d.Event.Payload.(messaging.NewMessagePayload)
		if !ok {
			return
		}
		for _, userID := range d.Recipients {
			if userID == payload.Message.SenderID {
				continue
			}
			svc.notifyNewMessage(ctx, userID, payload)
		}
	case core.EventMessageStatus:
		payload, ok := d.Event.Payload.(messaging.StatusPayload)
		if !ok || payload.Status != messaging.StatusRead {
			return
		}
		for _, userID := range d.Recipients {
			svc.create(ctx, Notification{
				UserID:         userID,
				Type:           TypeMessageRead,
				ConversationID: payload.ConversationID,
				Text:           "Your message was read",
			})
		}
	}
}

func (svc *Service) notifyNewMessage(ctx context.Context, userID string, payload messaging.NewMessagePayload) {
	msg := payload.Message
	prefs, err := svc.repo.GetPreferences(ctx, userID)
	if err != nil {
		svc.logger.Error(fmt.Sprintf("loading notification preferences of %s: %v", userID, err), err)
		prefs = DefaultPreferences()
	}
	// urgent messages bypass quiet hours, nothing bypasses a disabled switch
	if !prefs.Enabled {
		return
	}
	if msg.Priority != messaging.PriorityUrgent && prefs.QuietHours.InQuietHours(nowFunc().UTC()) {
		return
	}
	if conv, err := svc.convs.GetConversation(ctx, userID, msg.ConversationID); err == nil && conv.IsMuted {
		return
	}

	var text string
	switch prefs.Preview {
	case PreviewCountOnly:
		text = "New message"
	case PreviewSenderOnly:
		text = fmt.Sprintf("New message from %s", payload.SenderName)
	default: // PreviewFull
		text = msg.Content
	}
	svc.create(ctx, Notification{
		UserID:         userID,
		Type:           TypeNewMessage,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     payload.SenderName,
		Text:           text,
		Priority:       msg.Priority,
	})
}

// NotifyBroadcastComplete records the fan-out outcome for the sender; partial
// failures are additionally emailed.
func (svc *Service) NotifyBroadcastComplete(ctx context.Context, b broadcast.Broadcast) error {
	text := fmt.Sprintf("Broadcast delivered to %d of %d recipients", b.DeliveredCount, b.RecipientCount)
	svc.create(ctx, Notification{
		UserID:   b.SenderID,
		Type:     TypeBroadcastComplete,
		SenderID: b.SenderID,
		Text:     text,
		Priority: b.Priority,
	})
	if b.FailedCount == 0 {
		return nil
	}
	body := fmt.Sprintf(
		"%s.\n\n%d recipient(s) could not be reached:\n", text, b.FailedCount)
	for _, fr := range b.FailedRecipients {
		body += fmt.Sprintf("  - %s: %s\n", fr.Name, fr.Reason)
	}
	return svc.email(ctx, b.SenderID, "Broadcast partially delivered", body)
}

// NotifyDispatchFailed surfaces a permanently failed scheduled message to its
// owner, by record and by email.
func (svc *Service) NotifyDispatchFailed(ctx context.Context, sm schedule.ScheduledMessage) error {
	svc.create(ctx, Notification{
		UserID:         sm.SenderID,
		Type:           TypeDeliveryFailed,
		ConversationID: sm.ConversationID,
		Text:           fmt.Sprintf("Your scheduled message could not be delivered after %d attempts", sm.Attempts),
		Priority:       messaging.PriorityImportant,
	})
	body := fmt.Sprintf(
		"Your message scheduled for %s could not be delivered after %d attempts.\n\nLast error: %s\n",
		sm.ScheduledFor.Format(time.RFC1123), sm.Attempts, sm.LastError)
	return svc.email(ctx, sm.SenderID, "Scheduled message delivery failed", body)
}

// Reads

func (svc *Service) Query(ctx context.Context, callerID string, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > svc.conf.Messaging.PageSize {
		limit = svc.conf.Messaging.PageSize
	}
	return svc.repo.QueryNotifications(ctx, callerID, unreadOnly, limit)
}

func (svc *Service) CountUnread(ctx context.Context, callerID string) (int, error) {
	return svc.repo.CountUnread(ctx, callerID)
}

func (svc *Service) MarkRead(ctx context.Context, callerID, id string) (Notification, error) {
	return svc.repo.MarkNotificationRead(ctx, callerID, id)
}

func (svc *Service) MarkAllRead(ctx context.Context, callerID string) (int, error) {
	return svc.repo.MarkAllNotificationsRead(ctx, callerID)
}

// Preferences

func (svc *Service) GetPreferences(ctx context.Context, callerID string) (Preferences, error) {
	return svc.repo.GetPreferences(ctx, callerID)
}

func (svc *Service) UpdatePreferences(ctx context.Context, callerID string, prefs Preferences) (Preferences, error) {
	return svc.repo.SavePreferences(ctx, callerID, prefs)
}

// helpers

func (svc *Service) create(ctx context.Context, n Notification) {
	n.CreatedAt = nowFunc().UTC()
	if _, err := svc.repo.CreateNotification(ctx, n); err != nil {
		svc.logger.Error(fmt.Sprintf("recording %s notification for %s: %v", n.Type, n.UserID, err), err)
	}
}

func (svc *Service) email(ctx context.Context, userID, subject, body string) error {
	usr, err := svc.dir.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if usr.Email == "" {
		return nil
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:      []mail.Address{{Name: usr.Name, Address: usr.Email}},
		Subject: subject,
		BodyStr: body,
	})
	return nil
}
