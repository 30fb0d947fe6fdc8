package inmemdb

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/ujumbe/core/messaging"
)

type messageRepository struct {
	db *messageTable
}

var _ messaging.MessageRepository = (*messageRepository)(nil) // interface compliance check

func NewMessageRepository(db *DB) *messageRepository {
	return &messageRepository{db: db.messages}
}

func (repo *messageRepository) CreateMessage(ctx context.Context, msg messaging.Message) (messaging.Message, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	repo.db.table[msg.ID] = &msg
	repo.db.logs[msg.ConversationID] = append(repo.db.logs[msg.ConversationID], msg.ID)
	return msg, nil
}

func (repo *messageRepository) GetMessage(ctx context.Context, id string) (messaging.Message, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if msg, ok := repo.db.table[id]; ok {
		return *msg, nil
	}
	return messaging.Message{}, messaging.ErrMessageNotFound
}

func (repo *messageRepository) GetMessagesByID(ctx context.Context, ids []string) ([]messaging.Message, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	msgs := make([]messaging.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := repo.db.table[id]; ok {
			msgs = append(msgs, *msg)
		}
	}
	return msgs, nil
}

func (repo *messageRepository) QueryMessages(ctx context.Context, conversationID string, limit, offset int) ([]messaging.Message, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	log := repo.db.logs[conversationID]
	msgs := make([]messaging.Message, 0, limit)
	// the log is append-only: walk it backwards for newest first
	for i := len(log) - 1 - offset; i >= 0 && len(msgs) < limit; i-- {
		if msg, ok := repo.db.table[log[i]]; ok {
			msgs = append(msgs, *msg)
		}
	}
	return msgs, nil
}

func (repo *messageRepository) UpdateMessageStatus(ctx context.Context, id, status string) (messaging.Message, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	msg, ok := repo.db.table[id]
	if !ok {
		return messaging.Message{}, messaging.ErrMessageNotFound
	}
	next, changed, err := messaging.ApplyStatus(msg.Status, status)
	if err != nil {
		return messaging.Message{}, err
	}
	if changed {
		msg.Status = next
		now := time.Now().UTC()
		switch next {
		case messaging.StatusDelivered:
			msg.DeliveredAt = &now
		case messaging.StatusRead:
			if msg.DeliveredAt == nil {
				msg.DeliveredAt = &now
			}
			msg.ReadAt = &now
		}
	}
	return *msg, nil
}

func (repo *messageRepository) ToggleReaction(ctx context.Context, messageID string, reaction messaging.Reaction) (messaging.Message, bool, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	msg, ok := repo.db.table[messageID]
	if !ok {
		return messaging.Message{}, false, messaging.ErrMessageNotFound
	}
	for i, rxn := range msg.Reactions {
		if rxn.UserID == reaction.UserID && rxn.Type == reaction.Type {
			msg.Reactions = append(msg.Reactions[:i], msg.Reactions[i+1:]...)
			return *msg, false, nil
		}
	}
	msg.Reactions = append(msg.Reactions, reaction)
	return *msg, true, nil
}

func (repo *messageRepository) RemoveReaction(ctx context.Context, messageID, userID, reactionType string) (messaging.Message, bool, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	msg, ok := repo.db.table[messageID]
	if !ok {
		return messaging.Message{}, false, messaging.ErrMessageNotFound
	}
	for i, rxn := range msg.Reactions {
		if rxn.UserID == userID && rxn.Type == reactionType {
			msg.Reactions = append(msg.Reactions[:i], msg.Reactions[i+1:]...)
			return *msg, true, nil
		}
	}
	return *msg, false, nil
}

func (repo *messageRepository) SetMessagePinned(ctx context.Context, messageID string, pinned bool) (messaging.Message, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	msg, ok := repo.db.table[messageID]
	if !ok {
		return messaging.Message{}, messaging.ErrMessageNotFound
	}
	msg.IsPinned = pinned
	return *msg, nil
}
