package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/app/repository"
)

var (
	ErrEventNotFound = errors.New("webhook event not found")
	// ErrEventBusy is returned when a worker currently holds the event.
	ErrEventBusy = errors.New("webhook event is being delivered")
)

// Replayer re-sends single events on operator request
type Replayer struct {
	repo   repository.WebhookRepository
	sender *Sender
	policy *Policy
	cfg    Config
	nowFn  func() time.Time
}

// NewReplayer creates a replayer sharing the dispatcher's sender and policy
func NewReplayer(repo repository.WebhookRepository, d *Dispatcher) *Replayer {
	return &Replayer{
		repo:   repo,
		sender: d.sender,
		policy: d.policy,
		cfg:    d.cfg,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// ReplayResult is the manual attempt and the delivery state after it
type ReplayResult struct {
	Attempt  *models.DeliveryAttempt `json:"attempt"`
	Delivery *models.WebhookDelivery `json:"delivery"`
}

// Replay performs one synchronous manual attempt with the next attempt
// number, in any state. History is kept and the event id is unchanged. A
// failed replay of a finished delivery returns it to its previous state
// instead of restarting automatic retries.
func (r *Replayer) Replay(ctx context.Context, eventID string) (*ReplayResult, error) {
	ev, err := r.repo.GetEvent(ctx, eventID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	if err != nil {
		return nil, err
	}
	delivery, err := r.repo.GetDelivery(ctx, eventID)
	if err != nil {
		return nil, err
	}
	now := r.nowFn()
	if delivery.IsLeased(now) {
		return nil, fmt.Errorf("%w: %s", ErrEventBusy, eventID)
	}
	sub, err := r.repo.GetSubscriber(ctx, ev.SubscriberID)
	if err != nil {
		return nil, err
	}

	owner := "replay:" + uuid.NewString()
	ok, err := r.repo.Claim(ctx, delivery, owner, now.Add(r.cfg.LeaseDuration))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventBusy, eventID)
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.RequestTimeout)
	defer cancel()
	attemptNo := delivery.AttemptCount + 1
	out := r.sender.Send(sendCtx, sub, ev, attemptNo)

	next := r.transition(delivery, attemptNo, out)
	attempt := newAttempt(delivery, attemptNo, out, true)
	if err := r.repo.RecordAttempt(context.WithoutCancel(ctx), owner, attempt, next); err != nil {
		return nil, fmt.Errorf("record replay attempt: %w", err)
	}
	log.Infof("[Replay] Event %s attempt %d: %s (delivery now %s)", eventID, attemptNo, out.Kind, next.State)

	updated, err := r.repo.GetDelivery(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return &ReplayResult{Attempt: attempt, Delivery: updated}, nil
}

func (r *Replayer) transition(prior *models.WebhookDelivery, attemptNo int, out Outcome) repository.DeliveryTransition {
	now := r.nowFn()
	if out.Kind == OutcomeSuccess {
		return r.policy.Next(attemptNo, out, now)
	}
	if prior.State.IsTerminal() {
		return repository.DeliveryTransition{
			State:         prior.State,
			NextAttemptAt: prior.NextAttemptAt,
			LastError:     out.ErrorText(),
		}
	}
	return r.policy.Next(attemptNo, out, now)
}
