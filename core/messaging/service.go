package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/trezcool/ujumbe/core"
	"github.com/trezcool/ujumbe/core/directory"
)

var (
	// errors
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrInvalidTransition    = errors.New("invalid message status transition")

	errRecipientUnknown   = errors.New("recipient not found")
	errSelfConversation   = errors.New("a conversation needs two distinct participants")
	errContentTooLong     = errors.New("message content is too long")
	errInvalidAttachments = errors.New("invalid attachments")
	errTooManyAttachments = errors.New("too many attachments")
	errInvalidSort        = errors.New("invalid sort option")
	errNotMessageSender   = errors.New("only the sender can retry a message")
	errMessageNotFailed   = errors.New("only failed messages can be retried")
	errOwnMessageAck      = errors.New("a sender cannot acknowledge their own message")
	errUnknownFlag        = errors.New("unknown conversation flag")

	nowFunc = time.Now // mockable
)

type (
	// ConversationRepository persists conversations and the per-participant
	// state (unread counts and flags). All reads are projections for a given
	// viewer: RecipientID is the other party and the flags are the viewer's.
	ConversationRepository interface {
		// GetOrCreateConversation finds the conversation for the (viewer, recipient)
		// pair or creates it, enforcing one conversation per pair. It reports
		// whether a new conversation was created.
		GetOrCreateConversation(ctx context.Context, viewer, recipient directory.User) (Conversation, bool, error)
		GetConversation(ctx context.Context, viewerID, id string) (Conversation, error)
		// QueryConversations applies an AND operation on available filter fields.
		QueryConversations(ctx context.Context, viewerID string, filter *ConversationFilter) ([]Conversation, error)
		// SetConversationFlag sets one of the viewer's flags; setting a flag to
		// its current value is a no-op. Flags never bump UpdatedAt.
		SetConversationFlag(ctx context.Context, viewerID, id string, flag Flag, value bool) (Conversation, error)
		MarkConversationRead(ctx context.Context, viewerID, id string) (Conversation, error)
		MarkConversationUnread(ctx context.Context, viewerID, id string) (Conversation, error)
		// CommitMessage records a created message on its conversation: it sets
		// the last message reference, bumps UpdatedAt and increments the unread
		// count of every participant but the sender, atomically.
		CommitMessage(ctx context.Context, conversationID string, msg Message) (Conversation, error)
		SetPinnedMessage(ctx context.Context, conversationID, messageID string, pinned bool) error
	}

	// MessageRepository persists the append-only message log.
	MessageRepository interface {
		CreateMessage(ctx context.Context, msg Message) (Message, error)
		GetMessage(ctx context.Context, id string) (Message, error)
		GetMessagesByID(ctx context.Context, ids []string) ([]Message, error)
		// QueryMessages returns a conversation's messages newest first.
		QueryMessages(ctx context.Context, conversationID string, limit, offset int) ([]Message, error)
		// UpdateMessageStatus advances the delivery status following ApplyStatus
		// semantics, stamping DeliveredAt/ReadAt as appropriate.
		UpdateMessageStatus(ctx context.Context, id, status string) (Message, error)
		// ToggleReaction adds the reaction, or removes it if the same user
		// already reacted with the same type. It reports whether it was added.
		ToggleReaction(ctx context.Context, messageID string, reaction Reaction) (Message, bool, error)
		// RemoveReaction reports whether the reaction was present.
		RemoveReaction(ctx context.Context, messageID, userID, reactionType string) (Message, bool, error)
		SetMessagePinned(ctx context.Context, messageID string, pinned bool) (Message, error)
	}

	// BroadcastReadRecorder records that a recipient read their copy of a
	// broadcast message.
	BroadcastReadRecorder interface {
		RecordBroadcastRead(ctx context.Context, broadcastID string) error
	}

	Service struct {
		conf     *core.Config
		logger   core.Logger
		convRepo ConversationRepository
		msgRepo  MessageRepository
		dir      directory.Directory
		broker   core.EventBroker
		readRec  BroadcastReadRecorder
	}
)

func NewService(
	conf *core.Config,
	logger core.Logger,
	convRepo ConversationRepository,
	msgRepo MessageRepository,
	dir directory.Directory,
	broker core.EventBroker,
) *Service {
	return &Service{
		conf:     conf,
		logger:   logger,
		convRepo: convRepo,
		msgRepo:  msgRepo,
		dir:      dir,
		broker:   broker,
	}
}

// SetBroadcastReadRecorder wires the broadcast aggregator that tallies read
// receipts of broadcast copies. Must be called before the service handles
// requests; it exists to break the construction cycle with the fan-out engine.
func (svc *Service) SetBroadcastReadRecorder(rec BroadcastReadRecorder) {
	svc.readRec = rec
}

// Conversations

func (svc *Service) CreateConversation(ctx context.Context, caller directory.User, nc NewConversation) (Conversation, error) {
	recipient, err := svc.lookupRecipient(ctx, nc.RecipientID, caller.ID)
	if err != nil {
		return Conversation{}, err
	}
	conv, _, err := svc.convRepo.GetOrCreateConversation(ctx, caller, recipient)
	return conv, err
}

func (svc *Service) GetConversation(ctx context.Context, callerID, id string) (Conversation, error) {
	return svc.convRepo.GetConversation(ctx, callerID, id)
}

// QueryConversations returns the caller's conversations filtered by the given
// filter and ordered by sortBy; ties are broken by latest activity.
func (svc *Service) QueryConversations(ctx context.Context, callerID string, filter *ConversationFilter, sortBy string) ([]Conversation, error) {
	if sortBy == "" {
		sortBy = SortRecent
	}
	if !searchString(AllSortOptions, sortBy) {
		return nil, core.NewValidationError(errInvalidSort, core.FieldError{Field: "sort", Error: errInvalidSort.Error()})
	}
	if filter != nil {
		filter.Clean()
	}
	convs, err := svc.convRepo.QueryConversations(ctx, callerID, filter)
	if err != nil {
		return nil, err
	}
	if err = svc.sortConversations(ctx, convs, sortBy); err != nil {
		return nil, err
	}
	return convs, nil
}

func (svc *Service) SetConversationFlag(ctx context.Context, callerID, id string, flag Flag, value bool) (Conversation, error) {
	switch flag {
	case FlagPinned, FlagStarred, FlagArchived, FlagResolved, FlagMuted:
	default:
		return Conversation{}, core.NewValidationError(errUnknownFlag, core.FieldError{Field: "flag", Error: errUnknownFlag.Error()})
	}
	return svc.convRepo.SetConversationFlag(ctx, callerID, id, flag, value)
}

func (svc *Service) MarkConversationRead(ctx context.Context, callerID, id string) (Conversation, error) {
	return svc.convRepo.MarkConversationRead(ctx, callerID, id)
}

func (svc *Service) MarkConversationUnread(ctx context.Context, callerID, id string) (Conversation, error) {
	return svc.convRepo.MarkConversationUnread(ctx, callerID, id)
}

// Messages

func (svc *Service) GetMessages(ctx context.Context, callerID, conversationID string, limit, offset int) ([]Message, error) {
	if _, err := svc.convRepo.GetConversation(ctx, callerID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > svc.conf.Messaging.PageSize {
		limit = svc.conf.Messaging.PageSize
	}
	if offset < 0 {
		offset = 0
	}
	return svc.msgRepo.QueryMessages(ctx, conversationID, limit, offset)
}

// Send validates and delivers a message to its conversation, creating the
// conversation on first contact. The message is persisted in `sending` state
// up front; the conversation commit is retried with backoff and on exhaustion
// the message comes back in `failed` state (with a nil error) for the caller
// to retry manually.
func (svc *Service) Send(ctx context.Context, sender directory.User, sm SendMessage) (Message, error) {
	if err := svc.checkContent(sm.Content); err != nil {
		return Message{}, err
	}
	if err := svc.checkAttachments(sm.Attachments); err != nil {
		return Message{}, err
	}

	var (
		conv Conversation
		err  error
	)
	if sm.ConversationID != "" {
		if conv, err = svc.convRepo.GetConversation(ctx, sender.ID, sm.ConversationID); err != nil {
			return Message{}, err
		}
	} else {
		recipient, err := svc.lookupRecipient(ctx, sm.RecipientID, sender.ID)
		if err != nil {
			return Message{}, err
		}
		if conv, _, err = svc.convRepo.GetOrCreateConversation(ctx, sender, recipient); err != nil {
			return Message{}, err
		}
	}

	msg := Message{
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		SenderRole:     sender.Role,
		Content:        sm.Content,
		Category:       sm.Category,
		Priority:       sm.Priority,
		Status:         StatusSending,
		Attachments:    sm.Attachments,
		IsForwarded:    sm.IsForwarded,
		OriginSenderID: sm.OriginSenderID,
		ReplyToID:      sm.ReplyToID,
		BroadcastID:    sm.BroadcastID,
		CreatedAt:      nowFunc().UTC(),
	}
	if msg, err = svc.msgRepo.CreateMessage(ctx, msg); err != nil {
		return Message{}, err
	}
	return svc.deliver(ctx, sender, conv, msg)
}

// Retry re-sends a failed message as a new message; failed messages are
// terminal and keep their record.
func (svc *Service) Retry(ctx context.Context, sender directory.User, messageID string) (Message, error) {
	orig, err := svc.msgRepo.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, err
	}
	if orig.SenderID != sender.ID {
		return Message{}, core.NewPermissionError(errNotMessageSender)
	}
	if orig.Status != StatusFailed {
		return Message{}, core.NewValidationError(errMessageNotFailed)
	}
	return svc.Send(ctx, sender, SendMessage{
		ConversationID: orig.ConversationID,
		Content:        orig.Content,
		Category:       orig.Category,
		Priority:       orig.Priority,
		ReplyToID:      orig.ReplyToID,
		Attachments:    orig.Attachments,
		BroadcastID:    orig.BroadcastID,
		IsForwarded:    orig.IsForwarded,
		OriginSenderID: orig.OriginSenderID,
	})
}

// Forward sends a copy of an existing message to another recipient, keeping
// the original author through forward chains.
func (svc *Service) Forward(ctx context.Context, sender directory.User, fm ForwardMessage) (Message, error) {
	orig, err := svc.msgRepo.GetMessage(ctx, fm.MessageID)
	if err != nil {
		return Message{}, err
	}
	if _, err = svc.convRepo.GetConversation(ctx, sender.ID, orig.ConversationID); err != nil {
		return Message{}, err
	}
	origin := orig.SenderID
	if orig.IsForwarded && orig.OriginSenderID != "" {
		origin = orig.OriginSenderID
	}
	return svc.Send(ctx, sender, SendMessage{
		RecipientID:    fm.RecipientID,
		Content:        orig.Content,
		Category:       orig.Category,
		Priority:       orig.Priority,
		Attachments:    orig.Attachments,
		IsForwarded:    true,
		OriginSenderID: origin,
	})
}

// MarkDelivered acknowledges receipt of a message by its recipient.
func (svc *Service) MarkDelivered(ctx context.Context, callerID, messageID string) (Message, error) {
	return svc.ack(ctx, callerID, messageID, StatusDelivered)
}

// MarkMessageRead acknowledges that the recipient read a message; reads of
// broadcast copies are reported to the broadcast aggregator.
func (svc *Service) MarkMessageRead(ctx context.Context, callerID, messageID string) (Message, error) {
	msg, err := svc.ack(ctx, callerID, messageID, StatusRead)
	if err != nil {
		return msg, err
	}
	if msg.BroadcastID != "" && svc.readRec != nil {
		if err = svc.readRec.RecordBroadcastRead(ctx, msg.BroadcastID); err != nil {
			svc.logger.Error(fmt.Sprintf("recording broadcast read for message %s: %v", msg.ID, err), err)
		}
	}
	return msg, nil
}

func (svc *Service) AddReaction(ctx context.Context, caller directory.User, messageID string, tr ToggleReaction) (Message, bool, error) {
	msg, err := svc.msgRepo.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, false, err
	}
	conv, err := svc.convRepo.GetConversation(ctx, caller.ID, msg.ConversationID)
	if err != nil {
		return Message{}, false, err
	}
	rxn := Reaction{Type: tr.Type, UserID: caller.ID, CreatedAt: nowFunc().UTC()}
	msg, added, err := svc.msgRepo.ToggleReaction(ctx, messageID, rxn)
	if err != nil {
		return Message{}, false, err
	}
	evt := core.EventReactionAdded
	if !added {
		evt = core.EventReactionRemoved
	}
	svc.publish(evt, ReactionPayload{MessageID: msg.ID, ConversationID: msg.ConversationID, Reaction: rxn}, caller.ID, conv.RecipientID)
	return msg, added, nil
}

func (svc *Service) RemoveReaction(ctx context.Context, caller directory.User, messageID, reactionType string) (Message, error) {
	msg, err := svc.msgRepo.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, err
	}
	conv, err := svc.convRepo.GetConversation(ctx, caller.ID, msg.ConversationID)
	if err != nil {
		return Message{}, err
	}
	msg, removed, err := svc.msgRepo.RemoveReaction(ctx, messageID, caller.ID, reactionType)
	if err != nil {
		return Message{}, err
	}
	if removed {
		rxn := Reaction{Type: reactionType, UserID: caller.ID}
		svc.publish(core.EventReactionRemoved, ReactionPayload{MessageID: msg.ID, ConversationID: msg.ConversationID, Reaction: rxn}, caller.ID, conv.RecipientID)
	}
	return msg, nil
}

// SetMessagePinned pins or unpins a message for both participants.
func (svc *Service) SetMessagePinned(ctx context.Context, callerID, messageID string, pinned bool) (Message, error) {
	msg, err := svc.msgRepo.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, err
	}
	conv, err := svc.convRepo.GetConversation(ctx, callerID, msg.ConversationID)
	if err != nil {
		return Message{}, err
	}
	if msg.IsPinned == pinned { // no-op
		return msg, nil
	}
	if msg, err = svc.msgRepo.SetMessagePinned(ctx, messageID, pinned); err != nil {
		return Message{}, err
	}
	if err = svc.convRepo.SetPinnedMessage(ctx, msg.ConversationID, msg.ID, pinned); err != nil {
		return Message{}, err
	}
	evt := core.EventMessagePinned
	if !pinned {
		evt = core.EventMessageUnpinned
	}
	svc.publish(evt, PinPayload{MessageID: msg.ID, ConversationID: msg.ConversationID}, callerID, conv.RecipientID)
	return msg, nil
}

// PublishTyping notifies the other participant that the caller started or
// stopped typing. Transient; nothing is persisted.
func (svc *Service) PublishTyping(ctx context.Context, caller directory.User, conversationID string, isTyping bool) error {
	conv, err := svc.convRepo.GetConversation(ctx, caller.ID, conversationID)
	if err != nil {
		return err
	}
	svc.publish(core.EventTypingIndicator, TypingPayload{
		ConversationID: conv.ID,
		UserID:         caller.ID,
		UserName:       caller.Name,
		IsTyping:       isTyping,
	}, conv.RecipientID)
	return nil
}

// helpers

func (svc *Service) lookupRecipient(ctx context.Context, recipientID, callerID string) (directory.User, error) {
	recipient, err := svc.dir.GetUser(ctx, recipientID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return directory.User{}, core.NewValidationError(errRecipientUnknown, core.FieldError{Field: "recipient_id", Error: errRecipientUnknown.Error()})
		}
		return directory.User{}, err
	}
	if recipient.ID == callerID {
		return directory.User{}, core.NewValidationError(errSelfConversation, core.FieldError{Field: "recipient_id", Error: errSelfConversation.Error()})
	}
	return recipient, nil
}

// deliver commits msg on its conversation with bounded retries, settles the
// final status and emits the channel events.
func (svc *Service) deliver(ctx context.Context, sender directory.User, conv Conversation, msg Message) (Message, error) {
	var commitErr error
	for attempt := 1; attempt <= svc.conf.Messaging.SendAttempts; attempt++ {
		if _, commitErr = svc.convRepo.CommitMessage(ctx, conv.ID, msg); commitErr == nil {
			break
		}
		svc.logger.Warn(fmt.Sprintf("message %s commit attempt %d/%d failed: %v", msg.ID, attempt, svc.conf.Messaging.SendAttempts, commitErr))
		if !sleepCtx(ctx, time.Duration(attempt)*svc.conf.Messaging.SendRetryBackoff) {
			break
		}
	}
	if commitErr != nil {
		failed, err := svc.msgRepo.UpdateMessageStatus(ctx, msg.ID, StatusFailed)
		if err != nil {
			return Message{}, err
		}
		svc.publishStatus(failed, sender.ID)
		svc.logger.Error(fmt.Sprintf("message %s could not be sent: %v", msg.ID, commitErr), commitErr)
		return failed, nil
	}

	sent, err := svc.msgRepo.UpdateMessageStatus(ctx, msg.ID, StatusSent)
	if err != nil {
		return Message{}, err
	}
	svc.publish(core.EventNewMessage, NewMessagePayload{
		Message:        sent,
		ConversationID: conv.ID,
		SenderName:     sender.Name,
	}, conv.RecipientID)
	svc.publishStatus(sent, sender.ID)
	return sent, nil
}

func (svc *Service) publish(evtType string, payload interface{}, userIDs ...string) {
	svc.broker.Publish(userIDs, core.NewEvent(evtType, payload))
}

func (svc *Service) publishStatus(msg Message, userIDs ...string) {
	svc.publish(core.EventMessageStatus, StatusPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Status:         msg.Status,
		BroadcastID:    msg.BroadcastID,
	}, userIDs...)
}

func (svc *Service) ack(ctx context.Context, callerID, messageID, status string) (Message, error) {
	msg, err := svc.msgRepo.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, err
	}
	if msg.SenderID == callerID {
		return Message{}, core.NewPermissionError(errOwnMessageAck)
	}
	if _, err = svc.convRepo.GetConversation(ctx, callerID, msg.ConversationID); err != nil {
		return Message{}, err
	}
	prev := msg.Status
	if msg, err = svc.msgRepo.UpdateMessageStatus(ctx, messageID, status); err != nil {
		return Message{}, err
	}
	if msg.Status != prev {
		svc.publishStatus(msg, msg.SenderID)
	}
	return msg, nil
}

func (svc *Service) checkContent(content string) error {
	if max := svc.conf.Messaging.MaxContentLength; len([]rune(content)) > max {
		return core.NewValidationError(
			errContentTooLong,
			core.FieldError{Field: "content", Error: fmt.Sprintf("content exceeds %d characters", max)},
		)
	}
	return nil
}

func (svc *Service) checkAttachments(atts []Attachment) error {
	if len(atts) == 0 {
		return nil
	}
	if max := svc.conf.Messaging.MaxAttachments; len(atts) > max {
		return core.NewFileUploadError(
			errTooManyAttachments,
			core.FieldError{Field: "attachments", Error: fmt.Sprintf("a message can have at most %d attachments", max)},
		)
	}
	var flds []core.FieldError
	for _, att := range atts {
		if att.Name == "" {
			flds = append(flds, core.FieldError{Field: "attachments", Error: "attachment name is required"})
		}
		if max := svc.conf.Messaging.MaxAttachmentSize; att.Size > max {
			flds = append(flds, core.FieldError{
				Field: "attachments",
				Error: fmt.Sprintf("%s exceeds the %dMB size limit", att.Name, max/(1<<20)),
			})
		}
	}
	if len(flds) > 0 {
		return core.NewFileUploadError(errInvalidAttachments, flds...)
	}
	return nil
}

// sortConversations orders convs in place; every option breaks ties on latest
// activity first.
func (svc *Service) sortConversations(ctx context.Context, convs []Conversation, sortBy string) error {
	moreRecent := func(i, j int) bool { return convs[i].UpdatedAt.After(convs[j].UpdatedAt) }

	switch sortBy {
	case SortUnreadFirst:
		sort.SliceStable(convs, func(i, j int) bool {
			if ui, uj := convs[i].UnreadCount > 0, convs[j].UnreadCount > 0; ui != uj {
				return ui
			}
			return moreRecent(i, j)
		})
	case SortPriority:
		ranks, err := svc.lastMessageRanks(ctx, convs)
		if err != nil {
			return err
		}
		sort.SliceStable(convs, func(i, j int) bool {
			if ri, rj := ranks[convs[i].ID], ranks[convs[j].ID]; ri != rj {
				return ri > rj
			}
			return moreRecent(i, j)
		})
	case SortAlphabetical:
		sort.SliceStable(convs, func(i, j int) bool {
			ni, nj := strings.ToLower(convs[i].RecipientName), strings.ToLower(convs[j].RecipientName)
			if ni != nj {
				return ni < nj
			}
			return moreRecent(i, j)
		})
	default: // SortRecent
		sort.SliceStable(convs, moreRecent)
	}
	return nil
}

// lastMessageRanks maps conversation ids to the priority rank of their last
// message; conversations without messages rank lowest.
func (svc *Service) lastMessageRanks(ctx context.Context, convs []Conversation) (map[string]int, error) {
	ids := make([]string, 0, len(convs))
	for _, conv := range convs {
		if conv.LastMessageID != "" {
			ids = append(ids, conv.LastMessageID)
		}
	}
	msgs, err := svc.msgRepo.GetMessagesByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	prios := make(map[string]string, len(msgs))
	for _, msg := range msgs {
		prios[msg.ID] = msg.Priority
	}
	ranks := make(map[string]int, len(convs))
	for _, conv := range convs {
		ranks[conv.ID] = PriorityRank(prios[conv.LastMessageID])
	}
	return ranks, nil
}

// sleepCtx pauses for d unless ctx expires first; it reports whether the full
// pause elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
