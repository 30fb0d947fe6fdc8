package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/trezcool/ujumbe/core"
	"github.com/trezcool/ujumbe/core/directory"
	"github.com/trezcool/ujumbe/core/messaging"
)

var (
	// errors
	ErrNotFound = errors.New("scheduled message not found")
	// ErrAlreadySettled is returned when cancelling a record that already
	// reached a terminal state or is being dispatched.
	ErrAlreadySettled = errors.New("scheduled message is no longer pending")

	errTooSoon         = errors.New("scheduled time is too soon")
	errNotOwner        = errors.New("only the sender can act on a scheduled message")
	errInvalidCronExpr = errors.New("invalid scheduler cron expression")

	nowFunc = time.Now // mockable
)

type (
	Repository interface {
		CreateScheduled(ctx context.Context, sm ScheduledMessage) (ScheduledMessage, error)
		GetScheduled(ctx context.Context, id string) (ScheduledMessage, error)
		// QueryScheduled returns a sender's scheduled messages, soonest first.
		QueryScheduled(ctx context.Context, senderID string) ([]ScheduledMessage, error)
		// ClaimDue atomically transitions up to limit `pending` records with
		// ScheduledFor <= now to `dispatching` and returns them. Concurrent
		// scanners never claim the same record.
		ClaimDue(ctx context.Context, now time.Time, limit int) ([]ScheduledMessage, error)
		// MarkSent settles a `dispatching` record as `sent`.
		MarkSent(ctx context.Context, id string) (ScheduledMessage, error)
		// ReleaseFailed returns a `dispatching` record to `pending` with
		// Attempts+1, or settles it as `failed` once Attempts reaches
		// maxAttempts.
		ReleaseFailed(ctx context.Context, id, reason string, maxAttempts int) (ScheduledMessage, error)
		// CancelScheduled transitions `pending` to `cancelled`; any other
		// current status fails with ErrAlreadySettled.
		CancelScheduled(ctx context.Context, id string) (ScheduledMessage, error)
	}

	// MessageSender delivers a due draft through the message pipeline.
	MessageSender interface {
		Send(ctx context.Context, sender directory.User, sm messaging.SendMessage) (messaging.Message, error)
	}

	// FailureNotifier is told when a scheduled message exhausts its dispatch
	// attempts; the failure is surfaced to the owner, never dropped.
	FailureNotifier interface {
		NotifyDispatchFailed(ctx context.Context, sm ScheduledMessage) error
	}

	Service struct {
		conf   *core.Config
		logger core.Logger
		repo   Repository
		msgSvc MessageSender
		dir    directory.Directory
		notif  FailureNotifier
	}
)

func NewService(
	conf *core.Config,
	logger core.Logger,
	repo Repository,
	msgSvc MessageSender,
	dir directory.Directory,
) *Service {
	return &Service{
		conf:   conf,
		logger: logger,
		repo:   repo,
		msgSvc: msgSvc,
		dir:    dir,
	}
}

// SetFailureNotifier wires the notifier informed of permanently failed dispatches.
func (svc *Service) SetFailureNotifier(notif FailureNotifier) {
	svc.notif = notif
}

// Schedule records a draft for future delivery. ScheduledFor must be at least
// the configured lead time away; otherwise nothing is recorded.
func (svc *Service) Schedule(ctx context.Context, sender directory.User, ns NewScheduledMessage) (ScheduledMessage, error) {
	minAt := nowFunc().UTC().Add(svc.conf.Scheduler.MinLead)
	if ns.ScheduledFor.UTC().Before(minAt) {
		return ScheduledMessage{}, core.NewValidationError(errTooSoon, core.FieldError{
			Field: "scheduled_for",
			Error: fmt.Sprintf("scheduled time must be at least %s from now", svc.conf.Scheduler.MinLead),
		})
	}
	return svc.repo.CreateScheduled(ctx, ScheduledMessage{
		SenderID:       sender.ID,
		ConversationID: ns.ConversationID,
		RecipientID:    ns.RecipientID,
		Draft:          ns.Draft,
		ScheduledFor:   ns.ScheduledFor.UTC(),
		Status:         StatusPending,
		CreatedAt:      nowFunc().UTC(),
	})
}

func (svc *Service) Get(ctx context.Context, callerID, id string) (ScheduledMessage, error) {
	sm, err := svc.repo.GetScheduled(ctx, id)
	if err != nil {
		return ScheduledMessage{}, err
	}
	if sm.SenderID != callerID {
		return ScheduledMessage{}, core.NewPermissionError(errNotOwner)
	}
	return sm, nil
}

func (svc *Service) Query(ctx context.Context, callerID string) ([]ScheduledMessage, error) {
	return svc.repo.QueryScheduled(ctx, callerID)
}

// Cancel withdraws a pending scheduled message. Once the record left `pending`
// the cancellation fails with ErrAlreadySettled.
func (svc *Service) Cancel(ctx context.Context, callerID, id string) (ScheduledMessage, error) {
	sm, err := svc.repo.GetScheduled(ctx, id)
	if err != nil {
		return ScheduledMessage{}, err
	}
	if sm.SenderID != callerID {
		return ScheduledMessage{}, core.NewPermissionError(errNotOwner)
	}
	return svc.repo.CancelScheduled(ctx, id)
}

// DispatchDue claims every due record and drives it through the message
// pipeline under a bounded worker pool. Claims are atomic, so concurrent
// scanners (multi-process deployments) each dispatch a disjoint set. It
// returns the number of records claimed.
func (svc *Service) DispatchDue(ctx context.Context) (int, error) {
	due, err := svc.repo.ClaimDue(ctx, nowFunc().UTC(), svc.conf.Scheduler.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	workers := svc.conf.Scheduler.Workers
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan ScheduledMessage)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for sm := range jobs {
				svc.dispatch(ctx, sm)
			}
		}()
	}
	for _, sm := range due {
		jobs <- sm
	}
	close(jobs)
	wg.Wait()
	return len(due), nil
}

// Run scans for due records every ScanInterval until ctx is cancelled. When a
// cron expression is configured, scans run on its ticks instead.
func (svc *Service) Run(ctx context.Context) error {
	if expr := svc.conf.Scheduler.Cron; expr != "" {
		if !gronx.IsValid(expr) {
			return core.NewValidationError(errInvalidCronExpr, core.FieldError{Field: "schedulerCron", Error: errInvalidCronExpr.Error()})
		}
		return svc.runCron(ctx, expr)
	}

	ticker := time.NewTicker(svc.conf.Scheduler.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			svc.scan(ctx)
		}
	}
}

// runCron sleeps until the next cron tick, scans, and repeats.
func (svc *Service) runCron(ctx context.Context, expr string) error {
	for {
		next, err := gronx.NextTickAfter(expr, nowFunc().UTC(), false)
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(next)):
			svc.scan(ctx)
		}
	}
}

func (svc *Service) scan(ctx context.Context) {
	n, err := svc.DispatchDue(ctx)
	if err != nil {
		svc.logger.Error(fmt.Sprintf("scheduled dispatch scan failed: %v", err), err)
		return
	}
	if n > 0 {
		svc.logger.Info(fmt.Sprintf("dispatched %d scheduled message(s)", n))
	}
}

// dispatch sends one claimed record. Failures release the record for the next
// scan until the attempt budget runs out; the terminal failure is surfaced to
// the owner.
func (svc *Service) dispatch(ctx context.Context, sm ScheduledMessage) {
	sender, err := svc.dir.GetUser(ctx, sm.SenderID)
	if err != nil {
		svc.fail(ctx, sm, fmt.Sprintf("resolving sender: %v", err))
		return
	}

	msg, err := svc.msgSvc.Send(ctx, sender, messaging.SendMessage{
		ConversationID: sm.ConversationID,
		RecipientID:    sm.RecipientID,
		Content:        sm.Draft.Content,
		Category:       sm.Draft.Category,
		Priority:       sm.Draft.Priority,
		Attachments:    sm.Draft.Attachments,
	})
	switch {
	case err != nil:
		svc.fail(ctx, sm, err.Error())
	case msg.Status == messaging.StatusFailed:
		svc.fail(ctx, sm, "message could not be sent")
	default:
		if _, err = svc.repo.MarkSent(ctx, sm.ID); err != nil {
			svc.logger.Error(fmt.Sprintf("settling scheduled message %s as sent: %v", sm.ID, err), err)
		}
	}
}

func (svc *Service) fail(ctx context.Context, sm ScheduledMessage, reason string) {
	svc.logger.Warn(fmt.Sprintf("scheduled message %s dispatch attempt %d failed: %s", sm.ID, sm.Attempts+1, reason))
	released, err := svc.repo.ReleaseFailed(ctx, sm.ID, reason, svc.conf.Scheduler.MaxAttempts)
	if err != nil {
		svc.logger.Error(fmt.Sprintf("releasing scheduled message %s: %v", sm.ID, err), err)
		return
	}
	if released.Status == StatusFailed && svc.notif != nil {
		if err = svc.notif.NotifyDispatchFailed(ctx, released); err != nil {
			svc.logger.Error(fmt.Sprintf("notifying failed dispatch of %s: %v", released.ID, err), err)
		}
	}
}
