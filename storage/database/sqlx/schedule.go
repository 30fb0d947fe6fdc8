package sqlxrepos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/ujumbe/core/schedule"
)

const scheduledCols = `
	id, sender_id, conversation_id, recipient_id, content, category, priority,
	attachments, scheduled_for, status, attempts, last_error, created_at`

type scheduledRow struct {
	ID             string         `db:"id"`
	SenderID       string         `db:"sender_id"`
	ConversationID null.String    `db:"conversation_id"`
	RecipientID    null.String    `db:"recipient_id"`
	Content        string         `db:"content"`
	Category       string         `db:"category"`
	Priority       string         `db:"priority"`
	Attachments    types.JSONText `db:"attachments"`
	ScheduledFor   time.Time      `db:"scheduled_for"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	LastError      null.String    `db:"last_error"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (row scheduledRow) toScheduled() (schedule.ScheduledMessage, error) {
	sm := schedule.ScheduledMessage{
		ID:             row.ID,
		SenderID:       row.SenderID,
		ConversationID: row.ConversationID.String,
		RecipientID:    row.RecipientID.String,
		Draft: schedule.Draft{
			Content:  row.Content,
			Category: row.Category,
			Priority: row.Priority,
		},
		ScheduledFor: row.ScheduledFor,
		Status:       row.Status,
		Attempts:     row.Attempts,
		LastError:    row.LastError.String,
		CreatedAt:    row.CreatedAt,
	}
	if err := fromJSONB(row.Attachments, &sm.Draft.Attachments); err != nil {
		return schedule.ScheduledMessage{}, err
	}
	return sm, nil
}

type scheduleRepository struct {
	db *sqlx.DB
}

var _ schedule.Repository = (*scheduleRepository)(nil) // interface compliance check

func NewScheduleRepository(db *sqlx.DB) *scheduleRepository {
	return &scheduleRepository{db: db}
}

func (repo *scheduleRepository) CreateScheduled(ctx context.Context, sm schedule.ScheduledMessage) (schedule.ScheduledMessage, error) {
	if sm.ID == "" {
		sm.ID = uuid.New().String()
	}
	atts, err := asJSONB(sm.Draft.Attachments)
	if err != nil {
		return schedule.ScheduledMessage{}, err
	}
	if _, err = repo.db.ExecContext(ctx, `
		INSERT INTO scheduled_message (id, sender_id, conversation_id, recipient_id, content, category, priority, attachments, scheduled_for, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sm.ID, sm.SenderID,
		null.NewString(sm.ConversationID, sm.ConversationID != ""),
		null.NewString(sm.RecipientID, sm.RecipientID != ""),
		sm.Draft.Content, sm.Draft.Category, sm.Draft.Priority, atts,
		sm.ScheduledFor, sm.Status, sm.Attempts, sm.CreatedAt,
	); err != nil {
		return schedule.ScheduledMessage{}, errors.Wrap(err, "inserting scheduled message")
	}
	return sm, nil
}

func (repo *scheduleRepository) GetScheduled(ctx context.Context, id string) (schedule.ScheduledMessage, error) {
	var row scheduledRow
	if err := repo.db.GetContext(ctx, &row, `SELECT`+scheduledCols+` FROM scheduled_message WHERE id = $1`, id); err != nil {
		if isNoRows(err) {
			return schedule.ScheduledMessage{}, schedule.ErrNotFound
		}
		return schedule.ScheduledMessage{}, errors.Wrap(err, "getting scheduled message")
	}
	return row.toScheduled()
}

func (repo *scheduleRepository) QueryScheduled(ctx context.Context, senderID string) ([]schedule.ScheduledMessage, error) {
	var rows []scheduledRow
	err := repo.db.SelectContext(ctx, &rows, `
		SELECT`+scheduledCols+`
		FROM scheduled_message
		WHERE sender_id = $1
		ORDER BY scheduled_for`,
		senderID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying scheduled messages")
	}
	return toScheduledMessages(rows)
}

// ClaimDue transitions due pending records to dispatching. SKIP LOCKED keeps
// concurrent scanners from claiming the same rows.
func (repo *scheduleRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]schedule.ScheduledMessage, error) {
	var rows []scheduledRow
	err := repo.db.SelectContext(ctx, &rows, `
		UPDATE scheduled_message
		SET status = $1
		WHERE id IN (
			SELECT id FROM scheduled_message
			WHERE status = $2 AND scheduled_for <= $3
			ORDER BY scheduled_for
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING`+scheduledCols,
		schedule.StatusDispatching, schedule.StatusPending, now.UTC(), limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "claiming due messages")
	}
	return toScheduledMessages(rows)
}

func (repo *scheduleRepository) MarkSent(ctx context.Context, id string) (schedule.ScheduledMessage, error) {
	return repo.settle(ctx, id, `
		UPDATE scheduled_message
		SET status = '`+schedule.StatusSent+`'
		WHERE id = $1 AND status = '`+schedule.StatusDispatching+`'
		RETURNING`+scheduledCols, id)
}

func (repo *scheduleRepository) ReleaseFailed(ctx context.Context, id, reason string, maxAttempts int) (schedule.ScheduledMessage, error) {
	return repo.settle(ctx, id, `
		UPDATE scheduled_message
		SET attempts = attempts + 1,
		    last_error = $2,
		    status = CASE WHEN attempts + 1 >= $3 THEN '`+schedule.StatusFailed+`' ELSE '`+schedule.StatusPending+`' END
		WHERE id = $1 AND status = '`+schedule.StatusDispatching+`'
		RETURNING`+scheduledCols, id, reason, maxAttempts)
}

func (repo *scheduleRepository) CancelScheduled(ctx context.Context, id string) (schedule.ScheduledMessage, error) {
	return repo.settle(ctx, id, `
		UPDATE scheduled_message
		SET status = '`+schedule.StatusCancelled+`'
		WHERE id = $1 AND status = '`+schedule.StatusPending+`'
		RETURNING`+scheduledCols, id)
}

// settle runs a conditional transition; a no-row result on an existing record
// means the transition guard failed.
func (repo *scheduleRepository) settle(ctx context.Context, id, query string, args ...interface{}) (schedule.ScheduledMessage, error) {
	var row scheduledRow
	err := repo.db.GetContext(ctx, &row, query, args...)
	if err == nil {
		return row.toScheduled()
	}
	if !isNoRows(err) {
		return schedule.ScheduledMessage{}, errors.Wrap(err, "settling scheduled message")
	}
	var exists bool
	if err = repo.db.GetContext(ctx, &exists, `SELECT true FROM scheduled_message WHERE id = $1`, id); err != nil {
		if isNoRows(err) {
			return schedule.ScheduledMessage{}, schedule.ErrNotFound
		}
		return schedule.ScheduledMessage{}, errors.Wrap(err, "settling scheduled message")
	}
	return schedule.ScheduledMessage{}, schedule.ErrAlreadySettled
}

func toScheduledMessages(rows []scheduledRow) ([]schedule.ScheduledMessage, error) {
	sms := make([]schedule.ScheduledMessage, 0, len(rows))
	for _, row := range rows {
		sm, err := row.toScheduled()
		if err != nil {
			return nil, err
		}
		sms = append(sms, sm)
	}
	return sms, nil
}
