package sqlxrepos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/ujumbe/core/broadcast"
)

const broadcastCols = `
	id, sender_id, criteria, content, category, priority, attachments,
	recipient_count, delivered_count, read_count, failed_count, failed_recipients,
	created_at, completed_at`

type broadcastRow struct {
	ID               string         `db:"id"`
	SenderID         string         `db:"sender_id"`
	Criteria         types.JSONText `db:"criteria"`
	Content          string         `db:"content"`
	Category         string         `db:"category"`
	Priority         string         `db:"priority"`
	Attachments      types.JSONText `db:"attachments"`
	RecipientCount   int            `db:"recipient_count"`
	DeliveredCount   int            `db:"delivered_count"`
	ReadCount        int            `db:"read_count"`
	FailedCount      int            `db:"failed_count"`
	FailedRecipients types.JSONText `db:"failed_recipients"`
	CreatedAt        time.Time      `db:"created_at"`
	CompletedAt      null.Time      `db:"completed_at"`
}

func (row broadcastRow) toBroadcast() (broadcast.Broadcast, error) {
	b := broadcast.Broadcast{
		ID:             row.ID,
		SenderID:       row.SenderID,
		Content:        row.Content,
		Category:       row.Category,
		Priority:       row.Priority,
		RecipientCount: row.RecipientCount,
		DeliveredCount: row.DeliveredCount,
		ReadCount:      row.ReadCount,
		FailedCount:    row.FailedCount,
		CreatedAt:      row.CreatedAt,
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		b.CompletedAt = &t
	}
	if err := fromJSONB(row.Criteria, &b.Criteria); err != nil {
		return broadcast.Broadcast{}, err
	}
	if err := fromJSONB(row.Attachments, &b.Attachments); err != nil {
		return broadcast.Broadcast{}, err
	}
	if err := fromJSONB(row.FailedRecipients, &b.FailedRecipients); err != nil {
		return broadcast.Broadcast{}, err
	}
	return b, nil
}

type broadcastRepository struct {
	db *sqlx.DB
}

var _ broadcast.Repository = (*broadcastRepository)(nil) // interface compliance check

func NewBroadcastRepository(db *sqlx.DB) *broadcastRepository {
	return &broadcastRepository{db: db}
}

func (repo *broadcastRepository) CreateBroadcast(ctx context.Context, b broadcast.Broadcast) (broadcast.Broadcast, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	criteria, err := asJSONB(b.Criteria)
	if err != nil {
		return broadcast.Broadcast{}, err
	}
	atts, err := asJSONB(b.Attachments)
	if err != nil {
		return broadcast.Broadcast{}, err
	}
	if _, err = repo.db.ExecContext(ctx, `
		INSERT INTO broadcast (id, sender_id, criteria, content, category, priority, attachments, recipient_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.SenderID, criteria, b.Content, b.Category, b.Priority, atts, b.RecipientCount, b.CreatedAt,
	); err != nil {
		return broadcast.Broadcast{}, errors.Wrap(err, "inserting broadcast")
	}
	return b, nil
}

func (repo *broadcastRepository) GetBroadcast(ctx context.Context, id string) (broadcast.Broadcast, error) {
	var row broadcastRow
	if err := repo.db.GetContext(ctx, &row, `SELECT`+broadcastCols+` FROM broadcast WHERE id = $1`, id); err != nil {
		if isNoRows(err) {
			return broadcast.Broadcast{}, broadcast.ErrNotFound
		}
		return broadcast.Broadcast{}, errors.Wrap(err, "getting broadcast")
	}
	return row.toBroadcast()
}

func (repo *broadcastRepository) QueryBroadcasts(ctx context.Context, senderID string) ([]broadcast.Broadcast, error) {
	var rows []broadcastRow
	err := repo.db.SelectContext(ctx, &rows, `
		SELECT`+broadcastCols+`
		FROM broadcast
		WHERE sender_id = $1
		ORDER BY created_at DESC`,
		senderID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying broadcasts")
	}
	bs := make([]broadcast.Broadcast, 0, len(rows))
	for _, row := range rows {
		b, err := row.toBroadcast()
		if err != nil {
			return nil, err
		}
		bs = append(bs, b)
	}
	return bs, nil
}

func (repo *broadcastRepository) ClaimRecipient(ctx context.Context, broadcastID, recipientID string) (bool, error) {
	res, err := repo.db.ExecContext(ctx, `
		INSERT INTO broadcast_claim (broadcast_id, recipient_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		broadcastID, recipientID,
	)
	if err != nil {
		return false, errors.Wrap(err, "claiming recipient")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "checking claim")
	}
	return n > 0, nil
}

func (repo *broadcastRepository) RecordOutcome(ctx context.Context, broadcastID string, out broadcast.Outcome) error {
	return inTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		var row broadcastRow
		if err := tx.GetContext(ctx, &row, `SELECT`+broadcastCols+` FROM broadcast WHERE id = $1 FOR UPDATE`, broadcastID); err != nil {
			if isNoRows(err) {
				return broadcast.ErrNotFound
			}
			return errors.Wrap(err, "locking broadcast")
		}
		b, err := row.toBroadcast()
		if err != nil {
			return err
		}
		if out.Delivered {
			b.DeliveredCount++
		} else {
			b.FailedCount++
			b.FailedRecipients = append(b.FailedRecipients, broadcast.FailedRecipient{
				UserID: out.RecipientID,
				Name:   out.Name,
				Reason: out.Reason,
			})
		}
		failed, err := asJSONB(b.FailedRecipients)
		if err != nil {
			return err
		}
		completedAt := row.CompletedAt
		if b.IsComplete() && !completedAt.Valid {
			completedAt = null.TimeFrom(time.Now().UTC())
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE broadcast
			SET delivered_count = $2, failed_count = $3, failed_recipients = $4, completed_at = $5
			WHERE id = $1`,
			broadcastID, b.DeliveredCount, b.FailedCount, failed, completedAt,
		)
		return errors.Wrap(err, "recording broadcast outcome")
	})
}

func (repo *broadcastRepository) IncrementRead(ctx context.Context, broadcastID string) error {
	res, err := repo.db.ExecContext(ctx, `UPDATE broadcast SET read_count = read_count + 1 WHERE id = $1`, broadcastID)
	if err != nil {
		return errors.Wrap(err, "incrementing read count")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return broadcast.ErrNotFound
	}
	return nil
}
