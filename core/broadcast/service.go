package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/trezcool/ujumbe/core"
	"github.com/trezcool/ujumbe/core/directory"
	"github.com/trezcool/ujumbe/core/messaging"
)

var (
	// errors
	ErrNotFound = errors.New("broadcast not found")

	errNoRecipients       = errors.New("no recipients match the criteria")
	errNotBroadcastSender = errors.New("only the sender can view a broadcast")

	nowFunc = time.Now // mockable
)

type (
	Repository interface {
		CreateBroadcast(ctx context.Context, b Broadcast) (Broadcast, error)
		GetBroadcast(ctx context.Context, id string) (Broadcast, error)
		// QueryBroadcasts returns a sender's broadcasts, newest first.
		QueryBroadcasts(ctx context.Context, senderID string) ([]Broadcast, error)
		// ClaimRecipient reserves the (broadcast, recipient) delivery slot
		// atomically; it reports false when the slot was already claimed so
		// that re-invocations never double-count a recipient.
		ClaimRecipient(ctx context.Context, broadcastID, recipientID string) (bool, error)
		// RecordOutcome tallies one recipient's outcome on the aggregate and
		// stamps CompletedAt once every recipient is accounted for.
		RecordOutcome(ctx context.Context, broadcastID string, out Outcome) error
		IncrementRead(ctx context.Context, broadcastID string) error
	}

	// MessageSender delivers one recipient's copy through the message pipeline.
	MessageSender interface {
		Send(ctx context.Context, sender directory.User, sm messaging.SendMessage) (messaging.Message, error)
	}

	// CompletionNotifier is told when a fan-out has run to completion.
	CompletionNotifier interface {
		NotifyBroadcastComplete(ctx context.Context, b Broadcast) error
	}

	Service struct {
		conf    *core.Config
		logger  core.Logger
		repo    Repository
		msgSvc  MessageSender
		dir     directory.Directory
		limiter *rate.Limiter
		notif   CompletionNotifier
	}
)

var _ messaging.BroadcastReadRecorder = (*Service)(nil) // interface compliance check

func NewService(
	conf *core.Config,
	logger core.Logger,
	repo Repository,
	msgSvc MessageSender,
	dir directory.Directory,
) *Service {
	return &Service{
		conf:    conf,
		logger:  logger,
		repo:    repo,
		msgSvc:  msgSvc,
		dir:     dir,
		limiter: rate.NewLimiter(rate.Limit(conf.Broadcast.RatePerSecond), conf.Broadcast.RateBurst),
	}
}

// SetCompletionNotifier wires the notifier informed of completed fan-outs.
func (svc *Service) SetCompletionNotifier(notif CompletionNotifier) {
	svc.notif = notif
}

// Send resolves the criteria to a recipient population and delivers each
// recipient's copy through the message pipeline. Fan-out is per-recipient
// isolated: one failed recipient never aborts the others. It returns once
// every recipient has an outcome.
func (svc *Service) Send(ctx context.Context, sender directory.User, nb NewBroadcast) (Broadcast, error) {
	recipients, err := svc.dir.ResolveRecipients(ctx, nb.Criteria)
	if err != nil {
		return Broadcast{}, err
	}
	targets := make([]directory.User, 0, len(recipients))
	for _, rcpt := range recipients {
		if rcpt.ID != sender.ID { // senders never target themselves
			targets = append(targets, rcpt)
		}
	}
	if len(targets) == 0 {
		return Broadcast{}, core.NewValidationError(errNoRecipients, core.FieldError{Field: "criteria", Error: errNoRecipients.Error()})
	}

	b, err := svc.resumeOrCreate(ctx, sender, nb, len(targets))
	if err != nil {
		return Broadcast{}, err
	}
	alreadyComplete := b.CompletedAt != nil

	svc.fanOut(ctx, sender, b, targets)

	final, err := svc.repo.GetBroadcast(ctx, b.ID)
	if err != nil {
		return Broadcast{}, err
	}
	// a retried send of a settled broadcast never re-announces completion
	if svc.notif != nil && !alreadyComplete {
		if err = svc.notif.NotifyBroadcastComplete(ctx, final); err != nil {
			svc.logger.Error(fmt.Sprintf("notifying completion of broadcast %s: %v", final.ID, err), err)
		}
	}
	return final, nil
}

func (svc *Service) Get(ctx context.Context, callerID, id string) (Broadcast, error) {
	b, err := svc.repo.GetBroadcast(ctx, id)
	if err != nil {
		return Broadcast{}, err
	}
	if b.SenderID != callerID {
		return Broadcast{}, core.NewPermissionError(errNotBroadcastSender)
	}
	return b, nil
}

func (svc *Service) Query(ctx context.Context, callerID string) ([]Broadcast, error) {
	return svc.repo.QueryBroadcasts(ctx, callerID)
}

// RecordBroadcastRead tallies a read receipt of a broadcast copy.
func (svc *Service) RecordBroadcastRead(ctx context.Context, broadcastID string) error {
	return svc.repo.IncrementRead(ctx, broadcastID)
}

// resumeOrCreate returns the existing broadcast when the client retries with
// the same id, otherwise creates a fresh record sized to the population.
func (svc *Service) resumeOrCreate(ctx context.Context, sender directory.User, nb NewBroadcast, count int) (Broadcast, error) {
	if nb.ID != "" {
		b, err := svc.repo.GetBroadcast(ctx, nb.ID)
		if err == nil {
			if b.SenderID != sender.ID {
				return Broadcast{}, core.NewPermissionError(errNotBroadcastSender)
			}
			return b, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Broadcast{}, err
		}
	}
	return svc.repo.CreateBroadcast(ctx, Broadcast{
		ID:             nb.ID,
		SenderID:       sender.ID,
		Criteria:       nb.Criteria,
		Content:        nb.Content,
		Category:       nb.Category,
		Priority:       nb.Priority,
		Attachments:    nb.Attachments,
		RecipientCount: count,
		CreatedAt:      nowFunc().UTC(),
	})
}

func (svc *Service) fanOut(ctx context.Context, sender directory.User, b Broadcast, recipients []directory.User) {
	workers := svc.conf.Broadcast.Workers
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan directory.User)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for rcpt := range jobs {
				svc.sendOne(ctx, sender, b, rcpt)
			}
		}()
	}
	for _, rcpt := range recipients {
		jobs <- rcpt
	}
	close(jobs)
	wg.Wait()
}

// sendOne delivers one recipient's copy; every failure is recorded on the
// aggregate and never propagated.
func (svc *Service) sendOne(ctx context.Context, sender directory.User, b Broadcast, rcpt directory.User) {
	if err := svc.limiter.Wait(ctx); err != nil {
		svc.record(ctx, b.ID, Outcome{RecipientID: rcpt.ID, Name: rcpt.Name, Reason: err.Error()})
		return
	}
	claimed, err := svc.repo.ClaimRecipient(ctx, b.ID, rcpt.ID)
	if err != nil {
		svc.record(ctx, b.ID, Outcome{RecipientID: rcpt.ID, Name: rcpt.Name, Reason: err.Error()})
		return
	}
	if !claimed { // already handled by a previous invocation
		return
	}

	sctx, cancel := context.WithTimeout(ctx, svc.conf.Broadcast.SendTimeout)
	defer cancel()
	msg, err := svc.msgSvc.Send(sctx, sender, messaging.SendMessage{
		RecipientID: rcpt.ID,
		Content:     b.Content,
		Category:    b.Category,
		Priority:    b.Priority,
		Attachments: b.Attachments,
		BroadcastID: b.ID,
	})
	switch {
	case err != nil:
		svc.logger.Warn(fmt.Sprintf("broadcast %s delivery to %s failed: %v", b.ID, rcpt.ID, err))
		svc.record(ctx, b.ID, Outcome{RecipientID: rcpt.ID, Name: rcpt.Name, Reason: err.Error()})
	case msg.Status == messaging.StatusFailed:
		svc.record(ctx, b.ID, Outcome{RecipientID: rcpt.ID, Name: rcpt.Name, Reason: "message could not be sent"})
	default:
		svc.record(ctx, b.ID, Outcome{RecipientID: rcpt.ID, Name: rcpt.Name, Delivered: true})
	}
}

func (svc *Service) record(ctx context.Context, broadcastID string, out Outcome) {
	if err := svc.repo.RecordOutcome(ctx, broadcastID, out); err != nil {
		svc.logger.Error(fmt.Sprintf("recording broadcast %s outcome for %s: %v", broadcastID, out.RecipientID, err), err)
	}
}
