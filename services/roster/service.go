package rostersvc

import (
	"context"
	"strings"
	"sync"

	"github.com/trezcool/ujumbe/core/directory"
)

// Service is an in-memory directory.Directory for development and tests. The
// real roster lives in the school records system; this stands in for it.
type Service struct {
	mu    sync.RWMutex
	users map[string]directory.User
}

var _ directory.Directory = (*Service)(nil) // interface compliance check

func NewService(users ...directory.User) *Service {
	svc := &Service{users: make(map[string]directory.User, len(users))}
	for _, usr := range users {
		svc.users[usr.ID] = usr
	}
	return svc
}

// AddUsers registers users, replacing any existing entry with the same id.
func (svc *Service) AddUsers(users ...directory.User) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	for _, usr := range users {
		svc.users[usr.ID] = usr
	}
}

func (svc *Service) GetUser(ctx context.Context, id string) (directory.User, error) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	if usr, ok := svc.users[id]; ok {
		return usr, nil
	}
	return directory.User{}, directory.ErrNotFound
}

func (svc *Service) ResolveRecipients(ctx context.Context, criteria directory.Criteria) ([]directory.User, error) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()

	recipients := make([]directory.User, 0)
	for _, usr := range svc.users {
		if matches(usr, criteria) {
			recipients = append(recipients, usr)
		}
	}
	return recipients, nil
}

func matches(usr directory.User, criteria directory.Criteria) bool {
	switch criteria.Type {
	case directory.CriteriaAllStudents:
		return usr.IsStudent()
	case directory.CriteriaAllTeachers:
		return usr.IsTeacher()
	case directory.CriteriaSpecificClass:
		if !usr.IsStudent() || !strings.EqualFold(usr.ClassName, criteria.ClassName) {
			return false
		}
		return criteria.Session == "" || strings.EqualFold(usr.Session, criteria.Session)
	case directory.CriteriaSpecificDepartment:
		return strings.EqualFold(usr.Department, criteria.Department)
	}
	return false
}
