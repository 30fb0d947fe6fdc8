package sqlxrepos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/ujumbe/core/notify"
)

const notificationCols = `
	id, user_id, type, conversation_id, sender_id, sender_name, text, priority, is_read, created_at`

type notificationRow struct {
	ID             string      `db:"id"`
	UserID         string      `db:"user_id"`
	Type           string      `db:"type"`
	ConversationID null.String `db:"conversation_id"`
	SenderID       null.String `db:"sender_id"`
	SenderName     null.String `db:"sender_name"`
	Text           string      `db:"text"`
	Priority       null.String `db:"priority"`
	IsRead         bool        `db:"is_read"`
	CreatedAt      time.Time   `db:"created_at"`
}

func (row notificationRow) toNotification() notify.Notification {
	return notify.Notification{
		ID:             row.ID,
		UserID:         row.UserID,
		Type:           row.Type,
		ConversationID: row.ConversationID.String,
		SenderID:       row.SenderID.String,
		SenderName:     row.SenderName.String,
		Text:           row.Text,
		Priority:       row.Priority.String,
		IsRead:         row.IsRead,
		CreatedAt:      row.CreatedAt,
	}
}

type notificationRepository struct {
	db *sqlx.DB
}

var _ notify.Repository = (*notificationRepository)(nil) // interface compliance check

func NewNotificationRepository(db *sqlx.DB) *notificationRepository {
	return &notificationRepository{db: db}
}

func (repo *notificationRepository) CreateNotification(ctx context.Context, n notify.Notification) (notify.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if _, err := repo.db.ExecContext(ctx, `
		INSERT INTO notification (id, user_id, type, conversation_id, sender_id, sender_name, text, priority, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		n.ID, n.UserID, n.Type,
		null.NewString(n.ConversationID, n.ConversationID != ""),
		null.NewString(n.SenderID, n.SenderID != ""),
		null.NewString(n.SenderName, n.SenderName != ""),
		n.Text,
		null.NewString(n.Priority, n.Priority != ""),
		n.IsRead, n.CreatedAt,
	); err != nil {
		return notify.Notification{}, errors.Wrap(err, "inserting notification")
	}
	return n, nil
}

func (repo *notificationRepository) QueryNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]notify.Notification, error) {
	query := `SELECT` + notificationCols + ` FROM notification WHERE user_id = $1`
	if unreadOnly {
		query += ` AND NOT is_read`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`

	var rows []notificationRow
	if err := repo.db.SelectContext(ctx, &rows, query, userID, limit); err != nil {
		return nil, errors.Wrap(err, "querying notifications")
	}
	ns := make([]notify.Notification, 0, len(rows))
	for _, row := range rows {
		ns = append(ns, row.toNotification())
	}
	return ns, nil
}

func (repo *notificationRepository) MarkNotificationRead(ctx context.Context, userID, id string) (notify.Notification, error) {
	var row notificationRow
	err := repo.db.GetContext(ctx, &row, `
		UPDATE notification
		SET is_read = TRUE
		WHERE id = $1 AND user_id = $2
		RETURNING`+notificationCols,
		id, userID,
	)
	if err != nil {
		if isNoRows(err) {
			return notify.Notification{}, notify.ErrNotFound
		}
		return notify.Notification{}, errors.Wrap(err, "marking notification read")
	}
	return row.toNotification(), nil
}

func (repo *notificationRepository) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	res, err := repo.db.ExecContext(ctx,
		`UPDATE notification SET is_read = TRUE WHERE user_id = $1 AND NOT is_read`,
		userID,
	)
	if err != nil {
		return 0, errors.Wrap(err, "marking notifications read")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "marking notifications read")
	}
	return int(n), nil
}

func (repo *notificationRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := repo.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM notification WHERE user_id = $1 AND NOT is_read`,
		userID,
	)
	return n, errors.Wrap(err, "counting unread notifications")
}

func (repo *notificationRepository) GetPreferences(ctx context.Context, userID string) (notify.Preferences, error) {
	var data types.JSONText
	err := repo.db.GetContext(ctx, &data, `SELECT prefs FROM notification_pref WHERE user_id = $1`, userID)
	if err != nil {
		if isNoRows(err) {
			return notify.DefaultPreferences(), nil
		}
		return notify.Preferences{}, errors.Wrap(err, "getting notification preferences")
	}
	prefs := notify.DefaultPreferences()
	if err = fromJSONB(data, &prefs); err != nil {
		return notify.Preferences{}, err
	}
	return prefs, nil
}

func (repo *notificationRepository) SavePreferences(ctx context.Context, userID string, prefs notify.Preferences) (notify.Preferences, error) {
	data, err := asJSONB(prefs)
	if err != nil {
		return notify.Preferences{}, err
	}
	if _, err = repo.db.ExecContext(ctx, `
		INSERT INTO notification_pref (user_id, prefs)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET prefs = EXCLUDED.prefs`,
		userID, data,
	); err != nil {
		return notify.Preferences{}, errors.Wrap(err, "saving notification preferences")
	}
	return prefs, nil
}
