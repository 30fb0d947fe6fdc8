package sqlxrepos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/ujumbe/core/messaging"
)

const messageCols = `
	id, conversation_id, sender_id, sender_role, content, category, priority, status,
	attachments, reactions, is_pinned, is_forwarded, origin_sender_id, reply_to_id,
	broadcast_id, created_at, delivered_at, read_at`

type messageRow struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	SenderID       string         `db:"sender_id"`
	SenderRole     string         `db:"sender_role"`
	Content        string         `db:"content"`
	Category       string         `db:"category"`
	Priority       string         `db:"priority"`
	Status         string         `db:"status"`
	Attachments    types.JSONText `db:"attachments"`
	Reactions      types.JSONText `db:"reactions"`
	IsPinned       bool           `db:"is_pinned"`
	IsForwarded    bool           `db:"is_forwarded"`
	OriginSenderID null.String    `db:"origin_sender_id"`
	ReplyToID      null.String    `db:"reply_to_id"`
	BroadcastID    null.String    `db:"broadcast_id"`
	CreatedAt      time.Time      `db:"created_at"`
	DeliveredAt    null.Time      `db:"delivered_at"`
	ReadAt         null.Time      `db:"read_at"`
}

func (row messageRow) toMessage() (messaging.Message, error) {
	msg := messaging.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		SenderRole:     row.SenderRole,
		Content:        row.Content,
		Category:       row.Category,
		Priority:       row.Priority,
		Status:         row.Status,
		IsPinned:       row.IsPinned,
		IsForwarded:    row.IsForwarded,
		OriginSenderID: row.OriginSenderID.String,
		ReplyToID:      row.ReplyToID.String,
		BroadcastID:    row.BroadcastID.String,
		CreatedAt:      row.CreatedAt,
	}
	if row.DeliveredAt.Valid {
		t := row.DeliveredAt.Time
		msg.DeliveredAt = &t
	}
	if row.ReadAt.Valid {
		t := row.ReadAt.Time
		msg.ReadAt = &t
	}
	if err := fromJSONB(row.Attachments, &msg.Attachments); err != nil {
		return messaging.Message{}, err
	}
	if err := fromJSONB(row.Reactions, &msg.Reactions); err != nil {
		return messaging.Message{}, err
	}
	return msg, nil
}

type messageRepository struct {
	db *sqlx.DB
}

var _ messaging.MessageRepository = (*messageRepository)(nil) // interface compliance check

func NewMessageRepository(db *sqlx.DB) *messageRepository {
	return &messageRepository{db: db}
}

func (repo *messageRepository) CreateMessage(ctx context.Context, msg messaging.Message) (messaging.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	atts, err := asJSONB(msg.Attachments)
	if err != nil {
		return messaging.Message{}, err
	}
	rxns, err := asJSONB(msg.Reactions)
	if err != nil {
		return messaging.Message{}, err
	}
	if _, err = repo.db.ExecContext(ctx, `
		INSERT INTO message (`+messageCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NULL, NULL)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.SenderRole, msg.Content,
		msg.Category, msg.Priority, msg.Status, atts, rxns, msg.IsPinned, msg.IsForwarded,
		null.NewString(msg.OriginSenderID, msg.OriginSenderID != ""),
		null.NewString(msg.ReplyToID, msg.ReplyToID != ""),
		null.NewString(msg.BroadcastID, msg.BroadcastID != ""),
		msg.CreatedAt,
	); err != nil {
		return messaging.Message{}, errors.Wrap(err, "inserting message")
	}
	return msg, nil
}

func (repo *messageRepository) GetMessage(ctx context.Context, id string) (messaging.Message, error) {
	var row messageRow
	if err := repo.db.GetContext(ctx, &row, `SELECT`+messageCols+` FROM message WHERE id = $1`, id); err != nil {
		if isNoRows(err) {
			return messaging.Message{}, messaging.ErrMessageNotFound
		}
		return messaging.Message{}, errors.Wrap(err, "getting message")
	}
	return row.toMessage()
}

func (repo *messageRepository) GetMessagesByID(ctx context.Context, ids []string) ([]messaging.Message, error) {
	if len(ids) == 0 {
		return []messaging.Message{}, nil
	}
	query, args, err := sqlx.In(`SELECT`+messageCols+` FROM message WHERE id IN (?)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "building query")
	}
	var rows []messageRow
	if err = repo.db.SelectContext(ctx, &rows, repo.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "getting messages")
	}
	return toMessages(rows)
}

func (repo *messageRepository) QueryMessages(ctx context.Context, conversationID string, limit, offset int) ([]messaging.Message, error) {
	var rows []messageRow
	err := repo.db.SelectContext(ctx, &rows, `
		SELECT`+messageCols+`
		FROM message
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		conversationID, limit, offset,
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying messages")
	}
	return toMessages(rows)
}

func (repo *messageRepository) UpdateMessageStatus(ctx context.Context, id, status string) (messaging.Message, error) {
	var msg messaging.Message
	err := inTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		var row messageRow
		if err := tx.GetContext(ctx, &row, `SELECT`+messageCols+` FROM message WHERE id = $1 FOR UPDATE`, id); err != nil {
			if isNoRows(err) {
				return messaging.ErrMessageNotFound
			}
			return errors.Wrap(err, "locking message")
		}
		next, changed, err := messaging.ApplyStatus(row.Status, status)
		if err != nil {
			return err
		}
		if msg, err = row.toMessage(); err != nil {
			return err
		}
		if !changed {
			return nil
		}
		now := time.Now().UTC()
		msg.Status = next
		switch next {
		case messaging.StatusDelivered:
			msg.DeliveredAt = &now
		case messaging.StatusRead:
			if msg.DeliveredAt == nil {
				msg.DeliveredAt = &now
			}
			msg.ReadAt = &now
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE message SET status = $2, delivered_at = $3, read_at = $4 WHERE id = $1`,
			id, msg.Status, msg.DeliveredAt, msg.ReadAt,
		)
		return errors.Wrap(err, "updating message status")
	})
	if err != nil {
		return messaging.Message{}, err
	}
	return msg, nil
}

func (repo *messageRepository) ToggleReaction(ctx context.Context, messageID string, reaction messaging.Reaction) (messaging.Message, bool, error) {
	var (
		msg   messaging.Message
		added bool
	)
	err := repo.mutateReactions(ctx, messageID, &msg, func(rxns []messaging.Reaction) []messaging.Reaction {
		for i, rxn := range rxns {
			if rxn.UserID == reaction.UserID && rxn.Type == reaction.Type {
				return append(rxns[:i], rxns[i+1:]...)
			}
		}
		added = true
		return append(rxns, reaction)
	})
	return msg, added, err
}

func (repo *messageRepository) RemoveReaction(ctx context.Context, messageID, userID, reactionType string) (messaging.Message, bool, error) {
	var (
		msg     messaging.Message
		removed bool
	)
	err := repo.mutateReactions(ctx, messageID, &msg, func(rxns []messaging.Reaction) []messaging.Reaction {
		for i, rxn := range rxns {
			if rxn.UserID == userID && rxn.Type == reactionType {
				removed = true
				return append(rxns[:i], rxns[i+1:]...)
			}
		}
		return rxns
	})
	return msg, removed, err
}

func (repo *messageRepository) SetMessagePinned(ctx context.Context, messageID string, pinned bool) (messaging.Message, error) {
	res, err := repo.db.ExecContext(ctx, `UPDATE message SET is_pinned = $2 WHERE id = $1`, messageID, pinned)
	if err != nil {
		return messaging.Message{}, errors.Wrap(err, "pinning message")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return messaging.Message{}, messaging.ErrMessageNotFound
	}
	return repo.GetMessage(ctx, messageID)
}

// mutateReactions rewrites a message's reactions under a row lock.
func (repo *messageRepository) mutateReactions(ctx context.Context, messageID string, msg *messaging.Message, fn func([]messaging.Reaction) []messaging.Reaction) error {
	return inTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		var row messageRow
		if err := tx.GetContext(ctx, &row, `SELECT`+messageCols+` FROM message WHERE id = $1 FOR UPDATE`, messageID); err != nil {
			if isNoRows(err) {
				return messaging.ErrMessageNotFound
			}
			return errors.Wrap(err, "locking message")
		}
		m, err := row.toMessage()
		if err != nil {
			return err
		}
		m.Reactions = fn(m.Reactions)
		rxns, err := asJSONB(m.Reactions)
		if err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `UPDATE message SET reactions = $2 WHERE id = $1`, messageID, rxns); err != nil {
			return errors.Wrap(err, "updating reactions")
		}
		*msg = m
		return nil
	})
}

func toMessages(rows []messageRow) ([]messaging.Message, error) {
	msgs := make([]messaging.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toMessage()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
