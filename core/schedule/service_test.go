package schedule

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/trezcool/ujumbe/core"
	"github.com/trezcool/ujumbe/core/directory"
	"github.com/trezcool/ujumbe/core/messaging"
)

// fakes

type fakeRepo struct {
	mu   sync.Mutex
	recs map[string]*ScheduledMessage
	seq  int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{recs: make(map[string]*ScheduledMessage)}
}

func (r *fakeRepo) CreateScheduled(_ context.Context, sm ScheduledMessage) (ScheduledMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sm.ID == "" {
		r.seq++
		sm.ID = fmt.Sprintf("sched%d", r.seq)
	}
	r.recs[sm.ID] = &sm
	return sm, nil
}

func (r *fakeRepo) GetScheduled(_ context.Context, id string) (ScheduledMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sm, ok := r.recs[id]
	if !ok {
		return ScheduledMessage{}, ErrNotFound
	}
	return *sm, nil
}

func (r *fakeRepo) QueryScheduled(_ context.Context, senderID string) ([]ScheduledMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sms []ScheduledMessage
	for _, sm := range r.recs {
		if sm.SenderID == senderID {
			sms = append(sms, *sm)
		}
	}
	return sms, nil
}

func (r *fakeRepo) ClaimDue(_ context.Context, now time.Time, limit int) ([]ScheduledMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []ScheduledMessage
	for _, sm := range r.recs {
		if len(due) >= limit {
			break
		}
		if sm.Status == StatusPending && !sm.ScheduledFor.After(now) {
			sm.Status = StatusDispatching
			due = append(due, *sm)
		}
	}
	return due, nil
}

func (r *fakeRepo) MarkSent(_ context.Context, id string) (ScheduledMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sm, ok := r.recs[id]
	if !ok {
		return ScheduledMessage{}, ErrNotFound
	}
	if sm.Status != StatusDispatching {
		return ScheduledMessage{}, ErrAlreadySettled
	}
	sm.Status = StatusSent
	return *sm, nil
}

func (r *fakeRepo) ReleaseFailed(_ context.Context, id, reason string, maxAttempts int) (ScheduledMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sm, ok := r.recs[id]
	if !ok {
		return ScheduledMessage{}, ErrNotFound
	}
	if sm.Status != StatusDispatching {
		return ScheduledMessage{}, ErrAlreadySettled
	}
	sm.Attempts++
	sm.LastError = reason
	if sm.Attempts >= maxAttempts {
		sm.Status = StatusFailed
	} else {
		sm.Status = StatusPending
	}
	return *sm, nil
}

func (r *fakeRepo) CancelScheduled(_ context.Context, id string) (ScheduledMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sm, ok := r.recs[id]
	if !ok {
		return ScheduledMessage{}, ErrNotFound
	}
	if sm.Status != StatusPending {
		return ScheduledMessage{}, ErrAlreadySettled
	}
	sm.Status = StatusCancelled
	return *sm, nil
}

type fakeSender struct {
	mu   sync.Mutex
	fail bool
	sent []messaging.SendMessage
}

func (s *fakeSender) Send(_ context.Context, _ directory.User, sm messaging.SendMessage) (messaging.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return messaging.Message{}, fmt.Errorf("pipeline unavailable")
	}
	s.sent = append(s.sent, sm)
	return messaging.Message{ID: "msg1", Status: messaging.StatusSent}, nil
}

type fakeDir struct {
	users map[string]directory.User
}

func (d *fakeDir) GetUser(_ context.Context, id string) (directory.User, error) {
	usr, ok := d.users[id]
	if !ok {
		return directory.User{}, directory.ErrNotFound
	}
	return usr, nil
}

func (d *fakeDir) ResolveRecipients(context.Context, directory.Criteria) ([]directory.User, error) {
	return []directory.User{}, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []ScheduledMessage
}

func (n *fakeNotifier) NotifyDispatchFailed(_ context.Context, sm ScheduledMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, sm)
	return nil
}

var teacher = directory.User{ID: "t1", Name: "Mr Banza", Role: directory.RoleTeacher}

type testEnv struct {
	svc    *Service
	repo   *fakeRepo
	sender *fakeSender
	notif  *fakeNotifier
}

func setup(t *testing.T) *testEnv {
	t.Helper()

	conf := core.NewConfig()
	env := &testEnv{
		repo:   newFakeRepo(),
		sender: &fakeSender{},
		notif:  &fakeNotifier{},
	}
	dir := &fakeDir{users: map[string]directory.User{teacher.ID: teacher}}
	env.svc = NewService(conf, core.NopLogger, env.repo, env.sender, dir)
	env.svc.SetFailureNotifier(env.notif)
	return env
}

func scheduleIn(t *testing.T, env *testEnv, d time.Duration) ScheduledMessage {
	t.Helper()
	sm, err := env.svc.Schedule(context.Background(), teacher, NewScheduledMessage{
		RecipientID:  "s1",
		Draft:        Draft{Content: "reminder: bring your reports", Category: messaging.CategoryGeneral, Priority: messaging.PriorityNormal},
		ScheduledFor: nowFunc().UTC().Add(d),
	})
	if err != nil {
		t.Fatalf("Schedule() failed, %v", err)
	}
	return sm
}

func Test_Service_Schedule(t *testing.T) {
	ctx := context.Background()
	env := setup(t)

	t.Run("lead time is enforced", func(t *testing.T) {
		tooSoon := nowFunc().UTC().Add(env.svc.conf.Scheduler.MinLead / 2)
		_, err := env.svc.Schedule(ctx, teacher, NewScheduledMessage{RecipientID: "s1", Draft: Draft{Content: "too soon"}, ScheduledFor: tooSoon})
		if _, ok := err.(*core.ValidationError); !ok {
			t.Errorf("Schedule() error = %v, want *core.ValidationError", err)
		}
	})

	t.Run("valid schedule is recorded pending", func(t *testing.T) {
		sm := scheduleIn(t, env, time.Hour)
		if sm.Status != StatusPending {
			t.Errorf("status = %v, want %v", sm.Status, StatusPending)
		}
		if sm.ID == "" {
			t.Error("no id assigned")
		}
	})
}

func Test_Service_Cancel(t *testing.T) {
	ctx := context.Background()
	env := setup(t)

	sm := scheduleIn(t, env, time.Hour)

	t.Run("only the owner can cancel", func(t *testing.T) {
		if _, err := env.svc.Cancel(ctx, "intruder", sm.ID); err == nil {
			t.Error("Cancel() expected a permission error")
		} else if _, ok := err.(*core.PermissionError); !ok {
			t.Errorf("Cancel() error = %v, want *core.PermissionError", err)
		}
	})

	t.Run("pending cancels cleanly", func(t *testing.T) {
		got, err := env.svc.Cancel(ctx, teacher.ID, sm.ID)
		if err != nil {
			t.Fatalf("Cancel() failed, %v", err)
		}
		if got.Status != StatusCancelled {
			t.Errorf("status = %v, want %v", got.Status, StatusCancelled)
		}
	})

	t.Run("settled records cannot be cancelled", func(t *testing.T) {
		if _, err := env.svc.Cancel(ctx, teacher.ID, sm.ID); err != ErrAlreadySettled {
			t.Errorf("Cancel() error = %v, want ErrAlreadySettled", err)
		}
	})

	t.Run("unknown record", func(t *testing.T) {
		if _, err := env.svc.Cancel(ctx, teacher.ID, "nope"); err != ErrNotFound {
			t.Errorf("Cancel() error = %v, want ErrNotFound", err)
		}
	})
}

func Test_Service_DispatchDue(t *testing.T) {
	ctx := context.Background()

	t.Run("due records are sent and settled", func(t *testing.T) {
		env := setup(t)
		sm := scheduleIn(t, env, time.Hour)
		future := scheduleIn(t, env, 2*time.Hour)

		// jump past the first due time
		nowFunc = func() time.Time { return time.Now().Add(90 * time.Minute) }
		defer func() { nowFunc = time.Now }()

		n, err := env.svc.DispatchDue(ctx)
		if err != nil {
			t.Fatalf("DispatchDue() failed, %v", err)
		}
		if n != 1 {
			t.Errorf("DispatchDue() = %d, want 1", n)
		}
		if len(env.sender.sent) != 1 {
			t.Fatalf("messages sent = %d, want 1", len(env.sender.sent))
		}
		if got := env.sender.sent[0].Content; got != sm.Draft.Content {
			t.Errorf("sent content = %q, want %q", got, sm.Draft.Content)
		}

		settled, _ := env.repo.GetScheduled(ctx, sm.ID)
		if settled.Status != StatusSent {
			t.Errorf("status = %v, want %v", settled.Status, StatusSent)
		}
		untouched, _ := env.repo.GetScheduled(ctx, future.ID)
		if untouched.Status != StatusPending {
			t.Errorf("future record status = %v, want %v", untouched.Status, StatusPending)
		}
	})

	t.Run("failures release the record until attempts run out", func(t *testing.T) {
		env := setup(t)
		sm := scheduleIn(t, env, time.Hour)
		env.sender.fail = true

		nowFunc = func() time.Time { return time.Now().Add(90 * time.Minute) }
		defer func() { nowFunc = time.Now }()

		maxAttempts := env.svc.conf.Scheduler.MaxAttempts
		for i := 1; i <= maxAttempts; i++ {
			if _, err := env.svc.DispatchDue(ctx); err != nil {
				t.Fatalf("DispatchDue() failed, %v", err)
			}
			got, _ := env.repo.GetScheduled(ctx, sm.ID)
			if got.Attempts != i {
				t.Errorf("attempts = %d, want %d", got.Attempts, i)
			}
			if i < maxAttempts && got.Status != StatusPending {
				t.Errorf("status = %v, want %v", got.Status, StatusPending)
			}
		}

		got, _ := env.repo.GetScheduled(ctx, sm.ID)
		if got.Status != StatusFailed {
			t.Errorf("status = %v, want %v", got.Status, StatusFailed)
		}
		if got.LastError == "" {
			t.Error("LastError not recorded")
		}
		if len(env.notif.calls) != 1 {
			t.Errorf("failure notifications = %d, want 1", len(env.notif.calls))
		}

		// terminal failure never dispatches again
		if n, _ := env.svc.DispatchDue(ctx); n != 0 {
			t.Errorf("DispatchDue() after terminal failure = %d, want 0", n)
		}
	})

	t.Run("concurrent scanners claim disjoint sets", func(t *testing.T) {
		env := setup(t)
		for i := 0; i < 10; i++ {
			scheduleIn(t, env, time.Hour)
		}

		nowFunc = func() time.Time { return time.Now().Add(90 * time.Minute) }
		defer func() { nowFunc = time.Now }()

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			total int
		)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := env.svc.DispatchDue(ctx)
				if err != nil {
					t.Errorf("DispatchDue() failed, %v", err)
					return
				}
				mu.Lock()
				total += n
				mu.Unlock()
			}()
		}
		wg.Wait()

		if total != 10 {
			t.Errorf("total claimed = %d, want 10", total)
		}
		if got := len(env.sender.sent); got != 10 {
			t.Errorf("messages sent = %d, want 10", got)
		}
	})
}

func Test_Service_Run_invalidCron(t *testing.T) {
	env := setup(t)
	env.svc.conf.Scheduler.Cron = "not a cron"

	err := env.svc.Run(context.Background())
	if _, ok := err.(*core.ValidationError); !ok {
		t.Errorf("Run() error = %v, want *core.ValidationError", err)
	}
}
