package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/ujumbe/core/schedule"
)

type scheduledRepository struct {
	db *scheduledTable
}

var _ schedule.Repository = (*scheduledRepository)(nil) // interface compliance check

func NewScheduledRepository(db *DB) *scheduledRepository {
	return &scheduledRepository{db: db.scheduled}
}

func (repo *scheduledRepository) CreateScheduled(ctx context.Context, sm schedule.ScheduledMessage) (schedule.ScheduledMessage, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if sm.ID == "" {
		sm.ID = uuid.New().String()
	}
	repo.db.table[sm.ID] = &sm
	return sm, nil
}

func (repo *scheduledRepository) GetScheduled(ctx context.Context, id string) (schedule.ScheduledMessage, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if sm, ok := repo.db.table[id]; ok {
		return *sm, nil
	}
	return schedule.ScheduledMessage{}, schedule.ErrNotFound
}

func (repo *scheduledRepository) QueryScheduled(ctx context.Context, senderID string) ([]schedule.ScheduledMessage, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	sms := make([]schedule.ScheduledMessage, 0)
	for _, sm := range repo.db.table {
		if sm.SenderID == senderID {
			sms = append(sms, *sm)
		}
	}
	sort.Slice(sms, func(i, j int) bool { return sms[i].ScheduledFor.Before(sms[j].ScheduledFor) })
	return sms, nil
}

func (repo *scheduledRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]schedule.ScheduledMessage, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	due := make([]schedule.ScheduledMessage, 0)
	for _, sm := range repo.db.table {
		if len(due) >= limit {
			break
		}
		// the whole table is locked, so the check-then-set is atomic per record
		if sm.Status == schedule.StatusPending && !sm.ScheduledFor.After(now) {
			sm.Status = schedule.StatusDispatching
			due = append(due, *sm)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledFor.Before(due[j].ScheduledFor) })
	return due, nil
}

func (repo *scheduledRepository) MarkSent(ctx context.Context, id string) (schedule.ScheduledMessage, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	sm, ok := repo.db.table[id]
	if !ok {
		return schedule.ScheduledMessage{}, schedule.ErrNotFound
	}
	if sm.Status != schedule.StatusDispatching {
		return schedule.ScheduledMessage{}, schedule.ErrAlreadySettled
	}
	sm.Status = schedule.StatusSent
	sm.LastError = ""
	return *sm, nil
}

func (repo *scheduledRepository) ReleaseFailed(ctx context.Context, id, reason string, maxAttempts int) (schedule.ScheduledMessage, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	sm, ok := repo.db.table[id]
	if !ok {
		return schedule.ScheduledMessage{}, schedule.ErrNotFound
	}
	if sm.Status != schedule.StatusDispatching {
		return schedule.ScheduledMessage{}, schedule.ErrAlreadySettled
	}
	sm.Attempts++
	sm.LastError = reason
	if sm.Attempts >= maxAttempts {
		sm.Status = schedule.StatusFailed
	} else {
		sm.Status = schedule.StatusPending
	}
	return *sm, nil
}

func (repo *scheduledRepository) CancelScheduled(ctx context.Context, id string) (schedule.ScheduledMessage, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	sm, ok := repo.db.table[id]
	if !ok {
		return schedule.ScheduledMessage{}, schedule.ErrNotFound
	}
	if sm.Status != schedule.StatusPending {
		return schedule.ScheduledMessage{}, schedule.ErrAlreadySettled
	}
	sm.Status = schedule.StatusCancelled
	return *sm, nil
}
