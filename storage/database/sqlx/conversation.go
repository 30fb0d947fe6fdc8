package sqlxrepos

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/ujumbe/core/directory"
	"github.com/trezcool/ujumbe/core/messaging"
)

// conversationCols is the viewer projection: the canonical pair record joined
// with the viewer's own participant state.
const conversationCols = `
	c.id, c.last_message_id, c.created_at, c.updated_at,
	s.other_id, s.other_name, s.other_role, s.unread_count,
	s.is_pinned, s.is_starred, s.is_archived, s.is_resolved, s.is_muted`

type conversationRow struct {
	ID            string      `db:"id"`
	LastMessageID null.String `db:"last_message_id"`
	CreatedAt     time.Time   `db:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at"`
	OtherID       string      `db:"other_id"`
	OtherName     string      `db:"other_name"`
	OtherRole     string      `db:"other_role"`
	UnreadCount   int         `db:"unread_count"`
	IsPinned      bool        `db:"is_pinned"`
	IsStarred     bool        `db:"is_starred"`
	IsArchived    bool        `db:"is_archived"`
	IsResolved    bool        `db:"is_resolved"`
	IsMuted       bool        `db:"is_muted"`
}

func (row conversationRow) toConversation(pinnedIDs []string) messaging.Conversation {
	return messaging.Conversation{
		ID:               row.ID,
		RecipientID:      row.OtherID,
		RecipientName:    row.OtherName,
		RecipientRole:    row.OtherRole,
		LastMessageID:    row.LastMessageID.String,
		UnreadCount:      row.UnreadCount,
		IsPinned:         row.IsPinned,
		IsStarred:        row.IsStarred,
		IsArchived:       row.IsArchived,
		IsResolved:       row.IsResolved,
		IsMuted:          row.IsMuted,
		PinnedMessageIDs: pinnedIDs,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
}

type conversationRepository struct {
	db *sqlx.DB
}

var _ messaging.ConversationRepository = (*conversationRepository)(nil) // interface compliance check

func NewConversationRepository(db *sqlx.DB) *conversationRepository {
	return &conversationRepository{db: db}
}

// pairKey identifies the unordered participant pair; the UNIQUE constraint on
// it enforces one conversation per pair.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

func (repo *conversationRepository) GetOrCreateConversation(ctx context.Context, viewer, recipient directory.User) (messaging.Conversation, bool, error) {
	var created bool
	err := inTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO conversation (id, pair_key, created_at, updated_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (pair_key) DO NOTHING`,
			uuid.New().String(), pairKey(viewer.ID, recipient.ID), now,
		)
		if err != nil {
			return errors.Wrap(err, "inserting conversation")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "checking insert")
		}
		if n == 0 {
			return nil // lost the race or pre-existing; both fine
		}
		created = true

		var id string
		if err = tx.GetContext(ctx, &id, `SELECT id FROM conversation WHERE pair_key = $1`, pairKey(viewer.ID, recipient.ID)); err != nil {
			return errors.Wrap(err, "reading back conversation")
		}
		for _, pair := range [][2]directory.User{{viewer, recipient}, {recipient, viewer}} {
			self, other := pair[0], pair[1]
			if _, err = tx.ExecContext(ctx, `
				INSERT INTO conversation_state (conversation_id, user_id, other_id, other_name, other_role)
				VALUES ($1, $2, $3, $4, $5)`,
				id, self.ID, other.ID, other.Name, other.Role,
			); err != nil {
				return errors.Wrap(err, "inserting conversation state")
			}
		}
		return nil
	})
	if err != nil {
		return messaging.Conversation{}, false, err
	}

	var row conversationRow
	if err = repo.db.GetContext(ctx, &row, `
		SELECT`+conversationCols+`
		FROM conversation c
		JOIN conversation_state s ON s.conversation_id = c.id
		WHERE c.pair_key = $1 AND s.user_id = $2`,
		pairKey(viewer.ID, recipient.ID), viewer.ID,
	); err != nil {
		return messaging.Conversation{}, false, errors.Wrap(err, "getting conversation")
	}
	pinned, err := repo.pinnedIDs(ctx, row.ID)
	if err != nil {
		return messaging.Conversation{}, false, err
	}
	return row.toConversation(pinned), created, nil
}

func (repo *conversationRepository) GetConversation(ctx context.Context, viewerID, id string) (messaging.Conversation, error) {
	var row conversationRow
	err := repo.db.GetContext(ctx, &row, `
		SELECT`+conversationCols+`
		FROM conversation c
		JOIN conversation_state s ON s.conversation_id = c.id
		WHERE c.id = $1 AND s.user_id = $2`,
		id, viewerID,
	)
	if err != nil {
		if isNoRows(err) {
			return messaging.Conversation{}, messaging.ErrConversationNotFound
		}
		return messaging.Conversation{}, errors.Wrap(err, "getting conversation")
	}
	pinned, err := repo.pinnedIDs(ctx, row.ID)
	if err != nil {
		return messaging.Conversation{}, err
	}
	return row.toConversation(pinned), nil
}

func (repo *conversationRepository) QueryConversations(ctx context.Context, viewerID string, filter *messaging.ConversationFilter) ([]messaging.Conversation, error) {
	where := []string{"s.user_id = $1"}
	args := []interface{}{viewerID}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter != nil {
		if filter.Role != "" {
			where = append(where, "LOWER(s.other_role) = "+arg(strings.ToLower(filter.Role)))
		}
		if filter.Unread != nil {
			if *filter.Unread {
				where = append(where, "s.unread_count > 0")
			} else {
				where = append(where, "s.unread_count = 0")
			}
		}
		if filter.Starred != nil {
			where = append(where, "s.is_starred = "+arg(*filter.Starred))
		}
		if filter.Archived != nil {
			where = append(where, "s.is_archived = "+arg(*filter.Archived))
		}
		if filter.Resolved != nil {
			where = append(where, "s.is_resolved = "+arg(*filter.Resolved))
		}
		if !filter.DateFrom.IsZero() {
			where = append(where, "c.updated_at >= "+arg(filter.DateFrom.UTC()))
		}
		if !filter.DateTo.IsZero() {
			where = append(where, "c.updated_at <= "+arg(filter.DateTo.UTC()))
		}
	}

	var rows []conversationRow
	err := repo.db.SelectContext(ctx, &rows, `
		SELECT`+conversationCols+`
		FROM conversation c
		JOIN conversation_state s ON s.conversation_id = c.id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY c.updated_at DESC`,
		args...,
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying conversations")
	}

	convs := make([]messaging.Conversation, 0, len(rows))
	for _, row := range rows {
		pinned, err := repo.pinnedIDs(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		convs = append(convs, row.toConversation(pinned))
	}
	return convs, nil
}

func (repo *conversationRepository) SetConversationFlag(ctx context.Context, viewerID, id string, flag messaging.Flag, value bool) (messaging.Conversation, error) {
	var col string
	switch flag {
	case messaging.FlagPinned:
		col = "is_pinned"
	case messaging.FlagStarred:
		col = "is_starred"
	case messaging.FlagArchived:
		col = "is_archived"
	case messaging.FlagResolved:
		col = "is_resolved"
	case messaging.FlagMuted:
		col = "is_muted"
	default:
		return messaging.Conversation{}, errors.Errorf("unknown conversation flag %q", flag)
	}
	// flags never touch conversation.updated_at
	res, err := repo.db.ExecContext(ctx,
		`UPDATE conversation_state SET `+col+` = $3 WHERE conversation_id = $1 AND user_id = $2`,
		id, viewerID, value,
	)
	if err != nil {
		return messaging.Conversation{}, errors.Wrap(err, "setting conversation flag")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return messaging.Conversation{}, messaging.ErrConversationNotFound
	}
	return repo.GetConversation(ctx, viewerID, id)
}

func (repo *conversationRepository) MarkConversationRead(ctx context.Context, viewerID, id string) (messaging.Conversation, error) {
	if _, err := repo.db.ExecContext(ctx,
		`UPDATE conversation_state SET unread_count = 0 WHERE conversation_id = $1 AND user_id = $2`,
		id, viewerID,
	); err != nil {
		return messaging.Conversation{}, errors.Wrap(err, "marking conversation read")
	}
	return repo.GetConversation(ctx, viewerID, id)
}

func (repo *conversationRepository) MarkConversationUnread(ctx context.Context, viewerID, id string) (messaging.Conversation, error) {
	if _, err := repo.db.ExecContext(ctx,
		`UPDATE conversation_state SET unread_count = GREATEST(unread_count, 1) WHERE conversation_id = $1 AND user_id = $2`,
		id, viewerID,
	); err != nil {
		return messaging.Conversation{}, errors.Wrap(err, "marking conversation unread")
	}
	return repo.GetConversation(ctx, viewerID, id)
}

func (repo *conversationRepository) CommitMessage(ctx context.Context, conversationID string, msg messaging.Message) (messaging.Conversation, error) {
	err := inTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE conversation SET last_message_id = $2, updated_at = $3 WHERE id = $1`,
			conversationID, msg.ID, msg.CreatedAt,
		)
		if err != nil {
			return errors.Wrap(err, "updating conversation")
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return messaging.ErrConversationNotFound
		}
		// single atomic increment: no lost updates against concurrent reads
		if _, err = tx.ExecContext(ctx,
			`UPDATE conversation_state SET unread_count = unread_count + 1 WHERE conversation_id = $1 AND user_id <> $2`,
			conversationID, msg.SenderID,
		); err != nil {
			return errors.Wrap(err, "incrementing unread counts")
		}
		return nil
	})
	if err != nil {
		return messaging.Conversation{}, err
	}
	return repo.GetConversation(ctx, msg.SenderID, conversationID)
}

func (repo *conversationRepository) SetPinnedMessage(ctx context.Context, conversationID, messageID string, pinned bool) error {
	if pinned {
		_, err := repo.db.ExecContext(ctx, `
			INSERT INTO conversation_pin (conversation_id, message_id, pinned_at)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`,
			conversationID, messageID, time.Now().UTC(),
		)
		return errors.Wrap(err, "pinning message")
	}
	_, err := repo.db.ExecContext(ctx,
		`DELETE FROM conversation_pin WHERE conversation_id = $1 AND message_id = $2`,
		conversationID, messageID,
	)
	return errors.Wrap(err, "unpinning message")
}

func (repo *conversationRepository) pinnedIDs(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	err := repo.db.SelectContext(ctx, &ids,
		`SELECT message_id FROM conversation_pin WHERE conversation_id = $1 ORDER BY pinned_at`,
		conversationID,
	)
	return ids, errors.Wrap(err, "listing pinned messages")
}
