package broadcast

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/trezcool/ujumbe/core"
	"github.com/trezcool/ujumbe/core/directory"
	"github.com/trezcool/ujumbe/core/messaging"
)

// fakes

type fakeRepo struct {
	mu     sync.Mutex
	bcasts map[string]*Broadcast
	claims map[string]struct{} // "broadcastID/recipientID"
	seq    int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{bcasts: make(map[string]*Broadcast), claims: make(map[string]struct{})}
}

func (r *fakeRepo) CreateBroadcast(_ context.Context, b Broadcast) (Broadcast, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.ID == "" {
		r.seq++
		b.ID = fmt.Sprintf("bcast%d", r.seq)
	}
	r.bcasts[b.ID] = &b
	return b, nil
}

func (r *fakeRepo) GetBroadcast(_ context.Context, id string) (Broadcast, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bcasts[id]
	if !ok {
		return Broadcast{}, ErrNotFound
	}
	return *b, nil
}

func (r *fakeRepo) QueryBroadcasts(_ context.Context, senderID string) ([]Broadcast, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var bs []Broadcast
	for _, b := range r.bcasts {
		if b.SenderID == senderID {
			bs = append(bs, *b)
		}
	}
	return bs, nil
}

func (r *fakeRepo) ClaimRecipient(_ context.Context, broadcastID, recipientID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := broadcastID + "/" + recipientID
	if _, claimed := r.claims[key]; claimed {
		return false, nil
	}
	r.claims[key] = struct{}{}
	return true, nil
}

func (r *fakeRepo) RecordOutcome(_ context.Context, broadcastID string, out Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bcasts[broadcastID]
	if !ok {
		return ErrNotFound
	}
	if out.Delivered {
		b.DeliveredCount++
	} else {
		b.FailedCount++
		b.FailedRecipients = append(b.FailedRecipients, FailedRecipient{UserID: out.RecipientID, Name: out.Name, Reason: out.Reason})
	}
	if b.IsComplete() && b.CompletedAt == nil {
		now := nowFunc().UTC()
		b.CompletedAt = &now
	}
	return nil
}

func (r *fakeRepo) IncrementRead(_ context.Context, broadcastID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bcasts[broadcastID]
	if !ok {
		return ErrNotFound
	}
	b.ReadCount++
	return nil
}

type fakeSender struct {
	mu      sync.Mutex
	failFor map[string]struct{} // recipient ids whose sends fail
	sent    []string
}

func (s *fakeSender) Send(_ context.Context, _ directory.User, sm messaging.SendMessage) (messaging.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, fail := s.failFor[sm.RecipientID]; fail {
		return messaging.Message{}, fmt.Errorf("recipient unreachable")
	}
	s.sent = append(s.sent, sm.RecipientID)
	return messaging.Message{ID: fmt.Sprintf("msg-%s", sm.RecipientID), Status: messaging.StatusSent, BroadcastID: sm.BroadcastID}, nil
}

type fakeDir struct {
	recipients []directory.User
}

func (d *fakeDir) GetUser(context.Context, string) (directory.User, error) {
	return directory.User{}, directory.ErrNotFound
}

func (d *fakeDir) ResolveRecipients(context.Context, directory.Criteria) ([]directory.User, error) {
	return d.recipients, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []Broadcast
}

func (n *fakeNotifier) NotifyBroadcastComplete(_ context.Context, b Broadcast) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, b)
	return nil
}

var office = directory.User{ID: "o1", Name: "Registrar", Role: directory.RoleOffice}

func students(n int) []directory.User {
	users := make([]directory.User, 0, n)
	for i := 0; i < n; i++ {
		users = append(users, directory.User{
			ID:   fmt.Sprintf("s%d", i+1),
			Name: fmt.Sprintf("Student %d", i+1),
			Role: directory.RoleStudent,
		})
	}
	return users
}

func setup(t *testing.T, recipients []directory.User) (*Service, *fakeRepo, *fakeSender, *fakeNotifier) {
	t.Helper()

	conf := core.NewConfig()
	conf.Broadcast.RatePerSecond = 100000 // keep tests fast
	conf.Broadcast.RateBurst = 1000

	repo := newFakeRepo()
	sender := &fakeSender{failFor: make(map[string]struct{})}
	notif := &fakeNotifier{}
	svc := NewService(conf, core.NopLogger, repo, sender, &fakeDir{recipients: recipients})
	svc.SetCompletionNotifier(notif)
	return svc, repo, sender, notif
}

func Test_Service_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("fan-out tallies every outcome", func(t *testing.T) {
		svc, _, sender, notif := setup(t, students(30))
		sender.failFor["s7"] = struct{}{}
		sender.failFor["s21"] = struct{}{}

		nb := NewBroadcast{
			Criteria: directory.Criteria{Type: directory.CriteriaAllStudents},
			Content:  "school closes early today",
			Category: messaging.CategoryAnnouncement,
			Priority: messaging.PriorityImportant,
		}
		b, err := svc.Send(ctx, office, nb)
		if err != nil {
			t.Fatalf("Send() failed, %v", err)
		}

		if b.RecipientCount != 30 {
			t.Errorf("RecipientCount = %d, want 30", b.RecipientCount)
		}
		if b.DeliveredCount != 28 {
			t.Errorf("DeliveredCount = %d, want 28", b.DeliveredCount)
		}
		if b.FailedCount != 2 {
			t.Errorf("FailedCount = %d, want 2", b.FailedCount)
		}
		if len(b.FailedRecipients) != 2 {
			t.Errorf("FailedRecipients = %d, want 2", len(b.FailedRecipients))
		}
		for _, fr := range b.FailedRecipients {
			if fr.Reason == "" {
				t.Errorf("failed recipient %s has no reason", fr.UserID)
			}
		}
		if !b.IsComplete() {
			t.Error("broadcast not complete")
		}
		if b.CompletedAt == nil {
			t.Error("CompletedAt not stamped")
		}
		if len(notif.calls) != 1 {
			t.Errorf("completion notifications = %d, want 1", len(notif.calls))
		}
	})

	t.Run("sender is excluded from the population", func(t *testing.T) {
		recipients := append(students(3), office)
		svc, _, sender, _ := setup(t, recipients)

		b, err := svc.Send(ctx, office, NewBroadcast{Criteria: directory.Criteria{Type: directory.CriteriaAllStudents}, Content: "hello"})
		if err != nil {
			t.Fatalf("Send() failed, %v", err)
		}
		if b.RecipientCount != 3 {
			t.Errorf("RecipientCount = %d, want 3", b.RecipientCount)
		}
		for _, id := range sender.sent {
			if id == office.ID {
				t.Error("sender received their own broadcast")
			}
		}
	})

	t.Run("empty population", func(t *testing.T) {
		svc, _, _, _ := setup(t, nil)

		_, err := svc.Send(ctx, office, NewBroadcast{Criteria: directory.Criteria{Type: directory.CriteriaSpecificClass, ClassName: "CS-999"}, Content: "anyone?"})
		if _, ok := err.(*core.ValidationError); !ok {
			t.Errorf("Send() error = %v, want *core.ValidationError", err)
		}
	})

	t.Run("resumed send skips claimed recipients", func(t *testing.T) {
		svc, repo, sender, _ := setup(t, students(5))

		id := "3b249843-91ba-46a2-b30c-8cc660549431"
		if _, err := repo.CreateBroadcast(ctx, Broadcast{ID: id, SenderID: office.ID, RecipientCount: 5, DeliveredCount: 2}); err != nil {
			t.Fatalf("CreateBroadcast() failed, %v", err)
		}
		// two recipients were already handled by the interrupted run
		for _, rid := range []string{"s1", "s2"} {
			if _, err := repo.ClaimRecipient(ctx, id, rid); err != nil {
				t.Fatalf("ClaimRecipient() failed, %v", err)
			}
		}

		b, err := svc.Send(ctx, office, NewBroadcast{ID: id, Criteria: directory.Criteria{Type: directory.CriteriaAllStudents}, Content: "resume me"})
		if err != nil {
			t.Fatalf("Send() failed, %v", err)
		}
		if len(sender.sent) != 3 {
			t.Errorf("messages sent = %d, want 3", len(sender.sent))
		}
		if b.DeliveredCount != 5 {
			t.Errorf("DeliveredCount = %d, want 5", b.DeliveredCount)
		}
		if b.FailedCount != 0 {
			t.Errorf("FailedCount = %d, want 0", b.FailedCount)
		}
	})

	t.Run("retrying a settled broadcast does not re-notify", func(t *testing.T) {
		svc, repo, sender, notif := setup(t, students(2))

		id := "5d1c2a74-9a93-4c33-9f2e-6a7f0b6c1e55"
		now := nowFunc().UTC()
		if _, err := repo.CreateBroadcast(ctx, Broadcast{ID: id, SenderID: office.ID, RecipientCount: 2, DeliveredCount: 2, CompletedAt: &now}); err != nil {
			t.Fatalf("CreateBroadcast() failed, %v", err)
		}
		for _, rid := range []string{"s1", "s2"} {
			if _, err := repo.ClaimRecipient(ctx, id, rid); err != nil {
				t.Fatalf("ClaimRecipient() failed, %v", err)
			}
		}

		b, err := svc.Send(ctx, office, NewBroadcast{ID: id, Criteria: directory.Criteria{Type: directory.CriteriaAllStudents}, Content: "again"})
		if err != nil {
			t.Fatalf("Send() failed, %v", err)
		}
		if len(sender.sent) != 0 {
			t.Errorf("messages sent = %d, want 0", len(sender.sent))
		}
		if b.DeliveredCount != 2 {
			t.Errorf("DeliveredCount = %d, want 2", b.DeliveredCount)
		}
		if len(notif.calls) != 0 {
			t.Errorf("completion notifications = %d, want 0", len(notif.calls))
		}
	})

	t.Run("resuming someone else's broadcast is forbidden", func(t *testing.T) {
		svc, repo, _, _ := setup(t, students(2))

		id := "88d27cbd-06d7-4556-bb23-a39ae979e7f0"
		if _, err := repo.CreateBroadcast(ctx, Broadcast{ID: id, SenderID: "someone-else", RecipientCount: 2}); err != nil {
			t.Fatalf("CreateBroadcast() failed, %v", err)
		}
		_, err := svc.Send(ctx, office, NewBroadcast{ID: id, Criteria: directory.Criteria{Type: directory.CriteriaAllStudents}, Content: "mine now"})
		if _, ok := err.(*core.PermissionError); !ok {
			t.Errorf("Send() error = %v, want *core.PermissionError", err)
		}
	})
}

func Test_Service_Get(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, _ := setup(t, nil)

	b, err := repo.CreateBroadcast(ctx, Broadcast{SenderID: office.ID, Content: "mine"})
	if err != nil {
		t.Fatalf("CreateBroadcast() failed, %v", err)
	}

	if _, err = svc.Get(ctx, office.ID, b.ID); err != nil {
		t.Errorf("Get() error = %v, want nil", err)
	}
	if _, err = svc.Get(ctx, "intruder", b.ID); err == nil {
		t.Error("Get() expected a permission error")
	} else if _, ok := err.(*core.PermissionError); !ok {
		t.Errorf("Get() error = %v, want *core.PermissionError", err)
	}
	if _, err = svc.Get(ctx, office.ID, "nope"); err != ErrNotFound {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func Test_Service_RecordBroadcastRead(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, _ := setup(t, nil)

	b, err := repo.CreateBroadcast(ctx, Broadcast{SenderID: office.ID, Content: "read me"})
	if err != nil {
		t.Fatalf("CreateBroadcast() failed, %v", err)
	}

	for i := 0; i < 3; i++ {
		if err = svc.RecordBroadcastRead(ctx, b.ID); err != nil {
			t.Fatalf("RecordBroadcastRead() failed, %v", err)
		}
	}
	got, err := repo.GetBroadcast(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBroadcast() failed, %v", err)
	}
	if got.ReadCount != 3 {
		t.Errorf("ReadCount = %d, want 3", got.ReadCount)
	}
}
