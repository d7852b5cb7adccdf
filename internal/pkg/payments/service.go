// Package payments is the payment state machine. Every command validates
// the transition under the per-payment lock, calls the processor, and
// writes the ledger change plus its outgoing webhook events in one
// transaction.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/app/repository"
	"github.com/ManuelReschke/ClubPay/internal/pkg/env"
	"github.com/ManuelReschke/ClubPay/internal/pkg/idempotency"
	"github.com/ManuelReschke/ClubPay/internal/pkg/processor"
)

const DefaultCommandTimeout = 30 * time.Second

const (
	commitAttempts = 4
	commitBackoff  = 50 * time.Millisecond
)

// Dependencies bundles what the state machine needs
type Dependencies struct {
	Payments    repository.PaymentRepository
	Webhooks    repository.WebhookRepository
	Gateways    *processor.Registry
	Idempotency idempotency.Store
	// CommandTimeout bounds a command once it runs detached from the caller.
	CommandTimeout time.Duration
}

// Service implements the payment commands and inbound reconciliation
type Service struct {
	payments       repository.PaymentRepository
	webhooks       repository.WebhookRepository
	gateways       *processor.Registry
	idem           idempotency.Store
	commandTimeout time.Duration
	nowFn          func() time.Time
}

// NewService creates the payment state machine
func NewService(deps Dependencies) *Service {
	timeout := deps.CommandTimeout
	if timeout <= 0 {
		timeout = env.GetEnvDuration("PAYMENT_COMMAND_TIMEOUT", DefaultCommandTimeout)
	}
	// a command must finish and commit while its reservation is still owned
	if deps.Idempotency != nil {
		if limit := commandLimit(deps.Idempotency.Lease()); timeout > limit {
			log.Warnf("[Payments] Command timeout %s exceeds idempotency lease %s, using %s", timeout, deps.Idempotency.Lease(), limit)
			timeout = limit
		}
	}
	return &Service{
		payments:       deps.Payments,
		webhooks:       deps.Webhooks,
		gateways:       deps.Gateways,
		idem:           deps.Idempotency,
		commandTimeout: timeout,
		nowFn:          func() time.Time { return time.Now().UTC() },
	}
}

// commandLimit leaves a quarter of the lease for committing the result
func commandLimit(lease time.Duration) time.Duration {
	return lease - lease/4
}

func (s *Service) now() time.Time {
	return s.nowFn()
}

// commandResult is what an idempotency key resolves to once committed
type commandResult struct {
	PaymentID string       `json:"payment_id"`
	RefundID  string       `json:"refund_id,omitempty"`
	Error     *storedError `json:"error,omitempty"`
}

// runCommand executes exec at most once per (operation, key). The command
// runs on a context detached from the caller so a disconnecting client
// cannot abort a processor call halfway.
func (s *Service) runCommand(
	ctx context.Context,
	op, key, fingerprint string,
	exec func(ctx context.Context, token string) (commandResult, error),
) (commandResult, error) {
	if strings.TrimSpace(key) == "" {
		return commandResult{}, ErrIdempotencyKeyRequired
	}

	res, err := s.idem.Reserve(ctx, idempotency.Key(op, key), fingerprint)
	if err != nil {
		return commandResult{}, err
	}
	if !res.IsNew {
		var prior commandResult
		if err := json.Unmarshal(res.Prior, &prior); err != nil {
			return commandResult{}, fmt.Errorf("decode stored %s result: %w", op, err)
		}
		return prior, prior.Error.decode()
	}

	detached := context.WithoutCancel(ctx)
	cmdCtx, cancel := context.WithTimeout(detached, s.commandTimeout)
	defer cancel()

	// The owner makes the processor token unique per reservation, so a retry
	// after a released key is not answered from the processor's own
	// idempotency cache.
	token := idempotency.Fingerprint(res.Key, res.Owner)[:40]
	result, execErr := exec(cmdCtx, token)

	if committable(execErr) {
		result.Error = encodeError(execErr)
		data, err := json.Marshal(result)
		if err == nil {
			err = s.commit(detached, res, data)
		}
		if err != nil {
			log.Errorf("[Payments] Failed to commit idempotency key %s: %v", res.Key, err)
		}
	} else if err := s.idem.Abort(detached, res); err != nil {
		log.Warnf("[Payments] Failed to release idempotency key %s: %v", res.Key, err)
	}
	return result, execErr
}

// commit stores the result, retrying transient store errors until the
// reservation lease would run out.
func (s *Service) commit(ctx context.Context, res *idempotency.Reservation, data []byte) error {
	deadline := time.Now().Add(s.idem.Lease() - s.commandTimeout)
	backoff := commitBackoff
	var err error
	for attempt := 1; attempt <= commitAttempts; attempt++ {
		err = s.idem.Commit(ctx, res, data)
		if err == nil || errors.Is(err, idempotency.ErrNotOwner) {
			return err
		}
		if attempt == commitAttempts || time.Now().Add(backoff).After(deadline) {
			break
		}
		log.Warnf("[Payments] Commit of idempotency key %s failed (attempt %d), retrying in %s: %v", res.Key, attempt, backoff, err)
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

// loadForCommand resolves the payment, its gateway and the subscribers that
// may receive events. Subscribers are read before the lock is taken.
func (s *Service) loadForCommand(ctx context.Context, paymentID string) (*models.Payment, processor.Gateway, []models.WebhookSubscriber, error) {
	p, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, nil, nil, err
	}
	gw, err := s.gateways.Get(p.Processor)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrProcessorNotConfigured, err)
	}
	subs, err := s.webhooks.ListActiveSubscribers(ctx, p.TenantID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list subscribers: %w", err)
	}
	return p, gw, subs, nil
}

// GetPayment returns the payment projection
func (s *Service) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	p, err := s.payments.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, err
}

// PaymentDetails is the read projection served to callers polling a payment
type PaymentDetails struct {
	Payment *models.Payment              `json:"payment"`
	Refunds []models.Refund              `json:"refunds"`
	History []models.PaymentStatusChange `json:"history"`
}

func (s *Service) GetPaymentDetails(ctx context.Context, id string) (*PaymentDetails, error) {
	p, err := s.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	refunds, err := s.payments.ListRefunds(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := s.payments.ListStatusChanges(ctx, id)
	if err != nil {
		return nil, err
	}
	return &PaymentDetails{Payment: p, Refunds: refunds, History: history}, nil
}

func (s *Service) loadResult(ctx context.Context, result commandResult) (*models.Payment, *models.Refund, error) {
	if result.PaymentID == "" {
		return nil, nil, nil
	}
	p, err := s.GetPayment(ctx, result.PaymentID)
	if err != nil {
		return nil, nil, err
	}
	if result.RefundID == "" {
		return p, nil, nil
	}
	refunds, err := s.payments.ListRefunds(ctx, p.ID)
	if err != nil {
		return nil, nil, err
	}
	for i := range refunds {
		if refunds[i].ID == result.RefundID {
			return p, &refunds[i], nil
		}
	}
	return p, nil, nil
}
