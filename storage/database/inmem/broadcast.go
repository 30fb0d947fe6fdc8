package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/ujumbe/core/broadcast"
)

type broadcastRepository struct {
	db *broadcastTable
}

var _ broadcast.Repository = (*broadcastRepository)(nil) // interface compliance check

func NewBroadcastRepository(db *DB) *broadcastRepository {
	return &broadcastRepository{db: db.broadcasts}
}

func (repo *broadcastRepository) CreateBroadcast(ctx context.Context, b broadcast.Broadcast) (broadcast.Broadcast, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	repo.db.table[b.ID] = &b
	repo.db.claims[b.ID] = make(map[string]bool)
	return b, nil
}

func (repo *broadcastRepository) GetBroadcast(ctx context.Context, id string) (broadcast.Broadcast, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if b, ok := repo.db.table[id]; ok {
		return *b, nil
	}
	return broadcast.Broadcast{}, broadcast.ErrNotFound
}

func (repo *broadcastRepository) QueryBroadcasts(ctx context.Context, senderID string) ([]broadcast.Broadcast, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	bs := make([]broadcast.Broadcast, 0)
	for _, b := range repo.db.table {
		if b.SenderID == senderID {
			bs = append(bs, *b)
		}
	}
	sort.Slice(bs, func(i, j int) bool { return bs[i].CreatedAt.After(bs[j].CreatedAt) })
	return bs, nil
}

func (repo *broadcastRepository) ClaimRecipient(ctx context.Context, broadcastID, recipientID string) (bool, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	claims, ok := repo.db.claims[broadcastID]
	if !ok {
		return false, broadcast.ErrNotFound
	}
	if claims[recipientID] {
		return false, nil
	}
	claims[recipientID] = true
	return true, nil
}

func (repo *broadcastRepository) RecordOutcome(ctx context.Context, broadcastID string, out broadcast.Outcome) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	b, ok := repo.db.table[broadcastID]
	if !ok {
		return broadcast.ErrNotFound
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
	if b.IsComplete() && b.CompletedAt == nil {
		now := time.Now().UTC()
		b.CompletedAt = &now
	}
	return nil
}

func (repo *broadcastRepository) IncrementRead(ctx context.Context, broadcastID string) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	b, ok := repo.db.table[broadcastID]
	if !ok {
		return broadcast.ErrNotFound
	}
	b.ReadCount++
	return nil
}
