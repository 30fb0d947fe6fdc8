package inmemdb

import (
	"context"

	"github.com/google/uuid"

	"github.com/trezcool/ujumbe/core/notify"
)

type notificationRepository struct {
	db *notificationTable
}

var _ notify.Repository = (*notificationRepository)(nil) // interface compliance check

func NewNotificationRepository(db *DB) *notificationRepository {
	return &notificationRepository{db: db.notifications}
}

func (repo *notificationRepository) CreateNotification(ctx context.Context, n notify.Notification) (notify.Notification, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	repo.db.table[n.UserID] = append(repo.db.table[n.UserID], &n)
	return n, nil
}

func (repo *notificationRepository) QueryNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]notify.Notification, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	all := repo.db.table[userID]
	ns := make([]notify.Notification, 0, limit)
	for i := len(all) - 1; i >= 0 && len(ns) < limit; i-- { // newest last in storage
		if unreadOnly && all[i].IsRead {
			continue
		}
		ns = append(ns, *all[i])
	}
	return ns, nil
}

func (repo *notificationRepository) MarkNotificationRead(ctx context.Context, userID, id string) (notify.Notification, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, n := range repo.db.table[userID] {
		if n.ID == id {
			n.IsRead = true
			return *n, nil
		}
	}
	return notify.Notification{}, notify.ErrNotFound
}

func (repo *notificationRepository) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	var count int
	for _, n := range repo.db.table[userID] {
		if !n.IsRead {
			n.IsRead = true
			count++
		}
	}
	return count, nil
}

func (repo *notificationRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var count int
	for _, n := range repo.db.table[userID] {
		if !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (repo *notificationRepository) GetPreferences(ctx context.Context, userID string) (notify.Preferences, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if prefs, ok := repo.db.prefs[userID]; ok {
		return prefs, nil
	}
	return notify.DefaultPreferences(), nil
}

func (repo *notificationRepository) SavePreferences(ctx context.Context, userID string, prefs notify.Preferences) (notify.Preferences, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	repo.db.prefs[userID] = prefs
	return prefs, nil
}
