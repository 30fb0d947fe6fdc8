package messaging

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/trezcool/ujumbe/core"
	"github.com/trezcool/ujumbe/core/directory"
)

func TestApplyStatus(t *testing.T) {
	tests := []struct {
		name        string
		current     string
		requested   string
		wantStatus  string
		wantChanged bool
		wantErr     error
	}{
		{name: "sending to sent", current: StatusSending, requested: StatusSent, wantStatus: StatusSent, wantChanged: true},
		{name: "sending to failed", current: StatusSending, requested: StatusFailed, wantStatus: StatusFailed, wantChanged: true},
		{name: "sent to delivered", current: StatusSent, requested: StatusDelivered, wantStatus: StatusDelivered, wantChanged: true},
		{name: "sent to failed", current: StatusSent, requested: StatusFailed, wantStatus: StatusFailed, wantChanged: true},
		{name: "delivered to read", current: StatusDelivered, requested: StatusRead, wantStatus: StatusRead, wantChanged: true},
		{name: "repeat is a no-op", current: StatusDelivered, requested: StatusDelivered, wantStatus: StatusDelivered},
		{name: "stale ack is absorbed", current: StatusRead, requested: StatusDelivered, wantStatus: StatusRead},
		{name: "stale sent ack is absorbed", current: StatusDelivered, requested: StatusSent, wantStatus: StatusDelivered},
		{name: "sending to delivered is illegal", current: StatusSending, requested: StatusDelivered, wantStatus: StatusSending, wantErr: ErrInvalidTransition},
		{name: "sent to read is illegal", current: StatusSent, requested: StatusRead, wantStatus: StatusSent, wantErr: ErrInvalidTransition},
		{name: "failed is terminal", current: StatusFailed, requested: StatusDelivered, wantStatus: StatusFailed, wantErr: ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, changed, err := ApplyStatus(tt.current, tt.requested)
			if err != tt.wantErr {
				t.Fatalf("ApplyStatus() error = %v, wantErr %v", err, tt.wantErr)
			}
			if status != tt.wantStatus {
				t.Errorf("ApplyStatus() status = %v, want %v", status, tt.wantStatus)
			}
			if changed != tt.wantChanged {
				t.Errorf("ApplyStatus() changed = %v, want %v", changed, tt.wantChanged)
			}
		})
	}
}

// fakes

type publishedEvent struct {
	userIDs []string
	evt     core.Event
}

type fakeBroker struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (b *fakeBroker) Publish(userIDs []string, evt core.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, publishedEvent{userIDs: userIDs, evt: evt})
}

func (b *fakeBroker) byType(typ string) []publishedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var evts []publishedEvent
	for _, e := range b.events {
		if e.evt.Type == typ {
			evts = append(evts, e)
		}
	}
	return evts
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

type fakeConv struct {
	id   string
	a, b string
}

type fakeConvRepo struct {
	mu          sync.Mutex
	convs       []fakeConv
	seq         int
	failCommits int // CommitMessage fails while > 0
}

func (r *fakeConvRepo) project(conv fakeConv, viewerID string) Conversation {
	other := conv.b
	if viewerID == conv.b {
		other = conv.a
	}
	return Conversation{ID: conv.id, RecipientID: other}
}

func (r *fakeConvRepo) GetOrCreateConversation(_ context.Context, viewer, recipient directory.User) (Conversation, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conv := range r.convs {
		if (conv.a == viewer.ID && conv.b == recipient.ID) || (conv.a == recipient.ID && conv.b == viewer.ID) {
			return r.project(conv, viewer.ID), false, nil
		}
	}
	r.seq++
	conv := fakeConv{id: fmt.Sprintf("conv%d", r.seq), a: viewer.ID, b: recipient.ID}
	r.convs = append(r.convs, conv)
	return r.project(conv, viewer.ID), true, nil
}

func (r *fakeConvRepo) GetConversation(_ context.Context, viewerID, id string) (Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conv := range r.convs {
		if conv.id == id && (conv.a == viewerID || conv.b == viewerID) {
			return r.project(conv, viewerID), nil
		}
	}
	return Conversation{}, ErrConversationNotFound
}

func (r *fakeConvRepo) QueryConversations(context.Context, string, *ConversationFilter) ([]Conversation, error) {
	return nil, nil
}

func (r *fakeConvRepo) SetConversationFlag(ctx context.Context, viewerID, id string, _ Flag, _ bool) (Conversation, error) {
	return r.GetConversation(ctx, viewerID, id)
}

func (r *fakeConvRepo) MarkConversationRead(ctx context.Context, viewerID, id string) (Conversation, error) {
	return r.GetConversation(ctx, viewerID, id)
}

func (r *fakeConvRepo) MarkConversationUnread(ctx context.Context, viewerID, id string) (Conversation, error) {
	return r.GetConversation(ctx, viewerID, id)
}

func (r *fakeConvRepo) CommitMessage(_ context.Context, conversationID string, _ Message) (Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCommits > 0 {
		r.failCommits--
		return Conversation{}, fmt.Errorf("commit refused")
	}
	for _, conv := range r.convs {
		if conv.id == conversationID {
			return Conversation{ID: conv.id}, nil
		}
	}
	return Conversation{}, ErrConversationNotFound
}

func (r *fakeConvRepo) SetPinnedMessage(context.Context, string, string, bool) error { return nil }

type fakeMsgRepo struct {
	mu   sync.Mutex
	msgs map[string]Message
	seq  int
}

func newFakeMsgRepo() *fakeMsgRepo {
	return &fakeMsgRepo{msgs: make(map[string]Message)}
}

func (r *fakeMsgRepo) CreateMessage(_ context.Context, msg Message) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.ID == "" {
		r.seq++
		msg.ID = fmt.Sprintf("msg%d", r.seq)
	}
	r.msgs[msg.ID] = msg
	return msg, nil
}

func (r *fakeMsgRepo) GetMessage(_ context.Context, id string) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.msgs[id]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	return msg, nil
}

func (r *fakeMsgRepo) GetMessagesByID(ctx context.Context, ids []string) ([]Message, error) {
	msgs := make([]Message, 0, len(ids))
	for _, id := range ids {
		if msg, err := r.GetMessage(ctx, id); err == nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

func (r *fakeMsgRepo) QueryMessages(_ context.Context, conversationID string, _, _ int) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var msgs []Message
	for _, msg := range r.msgs {
		if msg.ConversationID == conversationID {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

func (r *fakeMsgRepo) UpdateMessageStatus(_ context.Context, id, status string) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.msgs[id]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	next, changed, err := ApplyStatus(msg.Status, status)
	if err != nil {
		return Message{}, err
	}
	if changed {
		now := nowFunc().UTC()
		msg.Status = next
		switch next {
		case StatusDelivered:
			msg.DeliveredAt = &now
		case StatusRead:
			if msg.DeliveredAt == nil {
				msg.DeliveredAt = &now
			}
			msg.ReadAt = &now
		}
		r.msgs[id] = msg
	}
	return msg, nil
}

func (r *fakeMsgRepo) ToggleReaction(_ context.Context, messageID string, rxn Reaction) (Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.msgs[messageID]
	if !ok {
		return Message{}, false, ErrMessageNotFound
	}
	for i, existing := range msg.Reactions {
		if existing.UserID == rxn.UserID && existing.Type == rxn.Type {
			msg.Reactions = append(msg.Reactions[:i], msg.Reactions[i+1:]...)
			r.msgs[messageID] = msg
			return msg, false, nil
		}
	}
	msg.Reactions = append(msg.Reactions, rxn)
	r.msgs[messageID] = msg
	return msg, true, nil
}

func (r *fakeMsgRepo) RemoveReaction(_ context.Context, messageID, userID, reactionType string) (Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.msgs[messageID]
	if !ok {
		return Message{}, false, ErrMessageNotFound
	}
	for i, existing := range msg.Reactions {
		if existing.UserID == userID && existing.Type == reactionType {
			msg.Reactions = append(msg.Reactions[:i], msg.Reactions[i+1:]...)
			r.msgs[messageID] = msg
			return msg, true, nil
		}
	}
	return msg, false, nil
}

func (r *fakeMsgRepo) SetMessagePinned(_ context.Context, messageID string, pinned bool) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.msgs[messageID]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	msg.IsPinned = pinned
	r.msgs[messageID] = msg
	return msg, nil
}

type fakeReadRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *fakeReadRecorder) RecordBroadcastRead(_ context.Context, broadcastID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, broadcastID)
	return nil
}

var (
	teacher = directory.User{ID: "t1", Name: "Mr Banza", Role: directory.RoleTeacher}
	student = directory.User{ID: "s1", Name: "Awa Cisse", Role: directory.RoleStudent}
)

type testEnv struct {
	svc      *Service
	convRepo *fakeConvRepo
	msgRepo  *fakeMsgRepo
	broker   *fakeBroker
	readRec  *fakeReadRecorder
}

func setup(t *testing.T) *testEnv {
	t.Helper()

	conf := core.NewConfig()
	conf.Messaging.SendRetryBackoff = time.Millisecond

	env := &testEnv{
		convRepo: &fakeConvRepo{},
		msgRepo:  newFakeMsgRepo(),
		broker:   &fakeBroker{},
		readRec:  &fakeReadRecorder{},
	}
	dir := &fakeDir{users: map[string]directory.User{teacher.ID: teacher, student.ID: student}}
	env.svc = NewService(conf, core.NopLogger, env.convRepo, env.msgRepo, dir, env.broker)
	env.svc.SetBroadcastReadRecorder(env.readRec)
	return env
}

func sendMessage(t *testing.T, env *testEnv, sender directory.User, sm SendMessage) Message {
	t.Helper()
	msg, err := env.svc.Send(context.Background(), sender, sm)
	if err != nil {
		t.Fatalf("Send() failed, %v", err)
	}
	return msg
}

func Test_Service_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("first contact creates the conversation", func(t *testing.T) {
		env := setup(t)

		msg := sendMessage(t, env, teacher, SendMessage{RecipientID: student.ID, Content: "see me after class", Category: CategoryGeneral, Priority: PriorityNormal})
		if msg.Status != StatusSent {
			t.Errorf("Send() status = %v, want %v", msg.Status, StatusSent)
		}
		if msg.ConversationID == "" {
			t.Error("Send() did not attach a conversation")
		}

		// the recipient got a new_message event, the sender a status event
		if evts := env.broker.byType(core.EventNewMessage); len(evts) != 1 {
			t.Errorf("new_message events = %d, want 1", len(evts))
		} else if got := evts[0].userIDs; len(got) != 1 || got[0] != student.ID {
			t.Errorf("new_message recipients = %v, want [%s]", got, student.ID)
		}
		if evts := env.broker.byType(core.EventMessageStatus); len(evts) != 1 {
			t.Errorf("message_status events = %d, want 1", len(evts))
		}
	})

	t.Run("same pair reuses the conversation", func(t *testing.T) {
		env := setup(t)

		first := sendMessage(t, env, teacher, SendMessage{RecipientID: student.ID, Content: "hello"})
		reply := sendMessage(t, env, student, SendMessage{RecipientID: teacher.ID, Content: "hi"})
		if first.ConversationID != reply.ConversationID {
			t.Errorf("conversations differ: %v != %v", first.ConversationID, reply.ConversationID)
		}
	})

	t.Run("unknown recipient", func(t *testing.T) {
		env := setup(t)

		_, err := env.svc.Send(ctx, teacher, SendMessage{RecipientID: "ghost", Content: "hello"})
		if _, ok := err.(*core.ValidationError); !ok {
			t.Errorf("Send() error = %v, want *core.ValidationError", err)
		}
	})

	t.Run("no conversation with oneself", func(t *testing.T) {
		env := setup(t)

		_, err := env.svc.Send(ctx, teacher, SendMessage{RecipientID: teacher.ID, Content: "hello me"})
		if _, ok := err.(*core.ValidationError); !ok {
			t.Errorf("Send() error = %v, want *core.ValidationError", err)
		}
	})

	t.Run("content too long", func(t *testing.T) {
		env := setup(t)

		content := strings.Repeat("x", env.svc.conf.Messaging.MaxContentLength+1)
		_, err := env.svc.Send(ctx, teacher, SendMessage{RecipientID: student.ID, Content: content})
		if _, ok := err.(*core.ValidationError); !ok {
			t.Errorf("Send() error = %v, want *core.ValidationError", err)
		}
	})

	t.Run("too many attachments", func(t *testing.T) {
		env := setup(t)

		atts := make([]Attachment, env.svc.conf.Messaging.MaxAttachments+1)
		for i := range atts {
			atts[i] = Attachment{Name: fmt.Sprintf("f%d.pdf", i), Size: 1}
		}
		_, err := env.svc.Send(ctx, teacher, SendMessage{RecipientID: student.ID, Content: "docs", Attachments: atts})
		if _, ok := err.(*core.FileUploadError); !ok {
			t.Errorf("Send() error = %v, want *core.FileUploadError", err)
		}
	})

	t.Run("oversized attachment", func(t *testing.T) {
		env := setup(t)

		atts := []Attachment{{Name: "big.bin", Size: env.svc.conf.Messaging.MaxAttachmentSize + 1}}
		_, err := env.svc.Send(ctx, teacher, SendMessage{RecipientID: student.ID, Content: "doc", Attachments: atts})
		if _, ok := err.(*core.FileUploadError); !ok {
			t.Errorf("Send() error = %v, want *core.FileUploadError", err)
		}
	})

	t.Run("exhausted commits settle as failed with no error", func(t *testing.T) {
		env := setup(t)
		sendMessage(t, env, teacher, SendMessage{RecipientID: student.ID, Content: "warm up the conversation"})
		env.convRepo.failCommits = env.svc.conf.Messaging.SendAttempts

		msg, err := env.svc.Send(ctx, teacher, SendMessage{ConversationID: "conv1", Content: "doomed"})
		if err != nil {
			t.Fatalf("Send() error = %v, want nil", err)
		}
		if msg.Status != StatusFailed {
			t.Errorf("Send() status = %v, want %v", msg.Status, StatusFailed)
		}
	})

	t.Run("transient commit failures are retried", func(t *testing.T) {
		env := setup(t)
		sendMessage(t, env, teacher, SendMessage{RecipientID: student.ID, Content: "warm up the conversation"})
		env.convRepo.failCommits = env.svc.conf.Messaging.SendAttempts - 1

		msg, err := env.svc.Send(ctx, teacher, SendMessage{ConversationID: "conv1", Content: "eventually through"})
		if err != nil {
			t.Fatalf("Send() error = %v, want nil", err)
		}
		if msg.Status != StatusSent {
			t.Errorf("Send() status = %v, want %v", msg.Status, StatusSent)
		}
	})
}

func Test_Service_Retry(t *testing.T) {
	ctx := context.Background()
	env := setup(t)

	sent := sendMessage(t, env, teacher, SendMessage{RecipientID: student.ID, Content: "original"})

	t.Run("only failed messages can be retried", func(t *testing.T) {
		if _, err := env.svc.Retry(ctx, teacher, sent.ID); err == nil {
			t.Error("Retry() expected an error for a sent message")
		}
	})

	t.Run("only the sender can retry", func(t *testing.T) {
		if _, err := env.svc.Retry(ctx, student, sent.ID); err == nil {
			t.Error("Retry() expected a permission error")
		} else if _, ok := err.(*core.PermissionError); !ok {
			t.Errorf("Retry() error = %v, want *core.PermissionError", err)
		}
	})

	t.Run("failed message is re-sent as a new message", func(t *testing.T) {
		env.convRepo.failCommits = env.svc.conf.Messaging.SendAttempts
		failed, err := env.svc.Send(ctx, teacher, SendMessage{ConversationID: sent.ConversationID, Content: "flaky"})
		if err != nil {
			t.Fatalf("Send() failed, %v", err)
		}

		retried, err := env.svc.Retry(ctx, teacher, failed.ID)
		if err != nil {
			t.Fatalf("Retry() failed, %v", err)
		}
		if retried.ID == failed.ID {
			t.Error("Retry() reused the failed message record")
		}
		if retried.Status != StatusSent {
			t.Errorf("Retry() status = %v, want %v", retried.Status, StatusSent)
		}
		if retried.Content != failed.Content {
			t.Errorf("Retry() content = %q, want %q", retried.Content, failed.Content)
		}

		// the failed record stays
		orig, err := env.msgRepo.GetMessage(ctx, failed.ID)
		if err != nil {
			t.Fatalf("GetMessage() failed, %v", err)
		}
		if orig.Status != StatusFailed {
			t.Errorf("original status = %v, want %v", orig.Status, StatusFailed)
		}
	})
}

func Test_Service_Forward(t *testing.T) {
	ctx := context.Background()
	env := setup(t)

	office := directory.User{ID: "o1", Name: "Registrar", Role: directory.RoleOffice}
	dir := env.svc.dir.(*fakeDir)
	dir.users[office.ID] = office

	orig := sendMessage(t, env, teacher, SendMessage{RecipientID: student.ID, Content: "exam moved to friday", Category: CategoryScheduleChange})

	fwd, err := env.svc.Forward(ctx, teacher, ForwardMessage{MessageID: orig.ID, RecipientID: office.ID})
	if err != nil {
		t.Fatalf("Forward() failed, %v", err)
	}
	if !fwd.IsForwarded {
		t.Error("Forward() message not marked forwarded")
	}
	if fwd.OriginSenderID != teacher.ID {
		t.Errorf("Forward() origin = %v, want %v", fwd.OriginSenderID, teacher.ID)
	}
	if fwd.ConversationID == orig.ConversationID {
		t.Error("Forward() reused the source conversation")
	}

	// forwarding a forward keeps the original author
	fwd2, err := env.svc.Forward(ctx, office, ForwardMessage{MessageID: fwd.ID, RecipientID: student.ID})
	if err != nil {
		t.Fatalf("Forward() failed, %v", err)
	}
	if fwd2.OriginSenderID != teacher.ID {
		t.Errorf("Forward() origin through chain = %v, want %v", fwd2.OriginSenderID, teacher.ID)
	}
}

func Test_Service_acks(t *testing.T) {
	ctx := context.Background()
	env := setup(t)

	msg := sendMessage(t, env, teacher, SendMessage{RecipientID: student.ID, Content: "please acknowledge"})

	t.Run("sender cannot acknowledge their own message", func(t *testing.T) {
		if _, err := env.svc.MarkDelivered(ctx, teacher.ID, msg.ID); err == nil {
			t.Error("MarkDelivered() expected a permission error")
		} else if _, ok := err.(*core.PermissionError); !ok {
			t.Errorf("MarkDelivered() error = %v, want *core.PermissionError", err)
		}
	})

	t.Run("delivered then read", func(t *testing.T) {
		got, err := env.svc.MarkDelivered(ctx, student.ID, msg.ID)
		if err != nil {
			t.Fatalf("MarkDelivered() failed, %v", err)
		}
		if got.Status != StatusDelivered {
			t.Errorf("status = %v, want %v", got.Status, StatusDelivered)
		}
		if got.DeliveredAt == nil {
			t.Error("DeliveredAt not stamped")
		}

		got, err = env.svc.MarkMessageRead(ctx, student.ID, msg.ID)
		if err != nil {
			t.Fatalf("MarkMessageRead() failed, %v", err)
		}
		if got.Status != StatusRead {
			t.Errorf("status = %v, want %v", got.Status, StatusRead)
		}
		if got.ReadAt == nil {
			t.Error("ReadAt not stamped")
		}
	})

	t.Run("repeated and stale acks are absorbed", func(t *testing.T) {
		if _, err := env.svc.MarkMessageRead(ctx, student.ID, msg.ID); err != nil {
			t.Errorf("repeated MarkMessageRead() error = %v, want nil", err)
		}
		got, err := env.svc.MarkDelivered(ctx, student.ID, msg.ID)
		if err != nil {
			t.Errorf("stale MarkDelivered() error = %v, want nil", err)
		}
		if got.Status != StatusRead {
			t.Errorf("status = %v, want %v", got.Status, StatusRead)
		}
	})

	t.Run("broadcast copy reads are tallied", func(t *testing.T) {
		copyMsg := sendMessage(t, env, teacher, SendMessage{ConversationID: msg.ConversationID, Content: "assembly at noon", BroadcastID: "bcast1"})
		if _, err := env.svc.MarkDelivered(ctx, student.ID, copyMsg.ID); err != nil {
			t.Fatalf("MarkDelivered() failed, %v", err)
		}
		if _, err := env.svc.MarkMessageRead(ctx, student.ID, copyMsg.ID); err != nil {
			t.Fatalf("MarkMessageRead() failed, %v", err)
		}
		if got := env.readRec.ids; len(got) != 1 || got[0] != "bcast1" {
			t.Errorf("recorded broadcast reads = %v, want [bcast1]", got)
		}
	})
}

func Test_Service_reactions(t *testing.T) {
	ctx := context.Background()
	env := setup(t)

	msg := sendMessage(t, env, teacher, SendMessage{RecipientID: student.ID, Content: "any questions?"})

	// add
	got, added, err := env.svc.AddReaction(ctx, student, msg.ID, ToggleReaction{Type: ReactionQuestion})
	if err != nil {
		t.Fatalf("AddReaction() failed, %v", err)
	}
	if !added {
		t.Error("AddReaction() added = false, want true")
	}
	if len(got.Reactions) != 1 {
		t.Fatalf("reactions = %d, want 1", len(got.Reactions))
	}

	// same (user, type) toggles it back off
	got, added, err = env.svc.AddReaction(ctx, student, msg.ID, ToggleReaction{Type: ReactionQuestion})
	if err != nil {
		t.Fatalf("AddReaction() failed, %v", err)
	}
	if added {
		t.Error("AddReaction() added = true, want toggle-off")
	}
	if len(got.Reactions) != 0 {
		t.Errorf("reactions = %d, want 0", len(got.Reactions))
	}

	// explicit removal of an absent reaction is a no-op
	if _, err = env.svc.RemoveReaction(ctx, student, msg.ID, ReactionAgree); err != nil {
		t.Errorf("RemoveReaction() error = %v, want nil", err)
	}
	if evts := env.broker.byType(core.EventReactionRemoved); len(evts) != 1 {
		t.Errorf("reaction_removed events = %d, want 1 (toggle-off only)", len(evts))
	}
}

func Test_Service_SetMessagePinned(t *testing.T) {
	ctx := context.Background()
	env := setup(t)

	msg := sendMessage(t, env, teacher, SendMessage{RecipientID: student.ID, Content: "keep this handy"})

	got, err := env.svc.SetMessagePinned(ctx, student.ID, msg.ID, true)
	if err != nil {
		t.Fatalf("SetMessagePinned() failed, %v", err)
	}
	if !got.IsPinned {
		t.Error("message not pinned")
	}

	// pinning again publishes nothing new
	if _, err = env.svc.SetMessagePinned(ctx, student.ID, msg.ID, true); err != nil {
		t.Fatalf("SetMessagePinned() failed, %v", err)
	}
	if evts := env.broker.byType(core.EventMessagePinned); len(evts) != 1 {
		t.Errorf("message_pinned events = %d, want 1", len(evts))
	}

	got, err = env.svc.SetMessagePinned(ctx, student.ID, msg.ID, false)
	if err != nil {
		t.Fatalf("SetMessagePinned() failed, %v", err)
	}
	if got.IsPinned {
		t.Error("message still pinned")
	}
}

func Test_Service_PublishTyping(t *testing.T) {
	ctx := context.Background()
	env := setup(t)

	msg := sendMessage(t, env, teacher, SendMessage{RecipientID: student.ID, Content: "hello"})

	if err := env.svc.PublishTyping(ctx, teacher, msg.ConversationID, true); err != nil {
		t.Fatalf("PublishTyping() failed, %v", err)
	}
	evts := env.broker.byType(core.EventTypingIndicator)
	if len(evts) != 1 {
		t.Fatalf("typing_indicator events = %d, want 1", len(evts))
	}
	// only the other participant is notified
	if got := evts[0].userIDs; len(got) != 1 || got[0] != student.ID {
		t.Errorf("typing_indicator recipients = %v, want [%s]", got, student.ID)
	}
}

func Test_Service_SetConversationFlag(t *testing.T) {
	ctx := context.Background()
	env := setup(t)

	msg := sendMessage(t, env, teacher, SendMessage{RecipientID: student.ID, Content: "hello"})

	tests := []struct {
		name    string
		flag    Flag
		wantErr bool
	}{
		{name: "starred", flag: FlagStarred},
		{name: "archived", flag: FlagArchived},
		{name: "resolved", flag: FlagResolved},
		{name: "muted", flag: FlagMuted},
		{name: "pinned", flag: FlagPinned},
		{name: "unknown flag", flag: Flag("bogus"), wantErr: true},
		{name: "empty flag", flag: Flag(""), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.SetConversationFlag(ctx, teacher.ID, msg.ConversationID, tt.flag, true)
			if tt.wantErr {
				if _, ok := err.(*core.ValidationError); !ok {
					t.Errorf("SetConversationFlag() error = %v, want *core.ValidationError", err)
				}
				return
			}
			if err != nil {
				t.Errorf("SetConversationFlag() error = %v, want nil", err)
			}
		})
	}
}
