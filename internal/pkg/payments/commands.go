package payments

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/app/repository"
	"github.com/ManuelReschke/ClubPay/internal/pkg/idempotency"
	"github.com/ManuelReschke/ClubPay/internal/pkg/processor"
)

const (
	opAuthorize = "authorize"
	opCapture   = "capture"
	opVoid      = "void"
	opRefund    = "refund"
)

// AuthorizationInput describes a processor payment authorized by the
// booking flow.
type AuthorizationInput struct {
	TenantID           string `validate:"required,max=36"`
	BookingID          string `validate:"max=36"`
	Processor          string `validate:"required,oneof=stripe braintree"`
	ProcessorPaymentID string `validate:"required,max=191"`
	AmountCents        int64  `validate:"gt=0"`
	Currency           string `validate:"required,len=3"`
	Meta               datatypes.JSON
	IdempotencyKey     string
}

// RecordAuthorization creates the payment in authorized. Recording the same
// processor payment again returns the existing row.
func (s *Service) RecordAuthorization(ctx context.Context, in AuthorizationInput) (*models.Payment, bool, error) {
	in.Processor = strings.ToLower(strings.TrimSpace(in.Processor))
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if err := validator.New().Struct(in); err != nil {
		return nil, false, err
	}

	created := false
	fp := idempotency.Fingerprint(in.TenantID, in.BookingID, in.Processor, in.ProcessorPaymentID, strconv.FormatInt(in.AmountCents, 10), in.Currency)
	result, err := s.runCommand(ctx, opAuthorize, in.IdempotencyKey, fp, func(ctx context.Context, _ string) (commandResult, error) {
		p := &models.Payment{
			TenantID:           in.TenantID,
			BookingID:          in.BookingID,
			Processor:          in.Processor,
			ProcessorPaymentID: in.ProcessorPaymentID,
			AmountCents:        in.AmountCents,
			Currency:           in.Currency,
			Status:             models.PaymentStatusAuthorized,
			Meta:               in.Meta,
		}
		isNew, stored, err := s.payments.CreateIfNotExists(ctx, p)
		if err != nil {
			return commandResult{}, fmt.Errorf("record authorization: %w", err)
		}
		if !isNew && (stored.TenantID != in.TenantID || stored.AmountCents != in.AmountCents || stored.Currency != in.Currency) {
			return commandResult{}, fmt.Errorf("%w: %s %s", ErrAuthorizationMismatch, in.Processor, in.ProcessorPaymentID)
		}
		created = isNew
		if isNew {
			log.Infof("[Payments] Recorded authorization %s (%s %s)", stored.ID, stored.Processor, stored.ProcessorPaymentID)
		}
		return commandResult{PaymentID: stored.ID}, nil
	})
	if err != nil {
		return nil, false, err
	}
	p, _, err := s.loadResult(ctx, result)
	return p, created, err
}

type CaptureInput struct {
	PaymentID string
	// AmountCents captures less than authorized when set. Zero captures all.
	AmountCents    int64
	IdempotencyKey string
}

// Capture submits an authorized payment for settlement.
func (s *Service) Capture(ctx context.Context, in CaptureInput) (*models.Payment, error) {
	fp := idempotency.Fingerprint(in.PaymentID, strconv.FormatInt(in.AmountCents, 10))
	result, err := s.runCommand(ctx, opCapture, in.IdempotencyKey, fp, func(ctx context.Context, token string) (commandResult, error) {
		p, gw, subs, err := s.loadForCommand(ctx, in.PaymentID)
		if err != nil {
			return commandResult{}, err
		}
		err = s.payments.WithLock(ctx, p.ID, func(tx repository.PaymentTx) error {
			p := tx.Payment()
			if !CanTransition(p.Status, models.PaymentStatusSubmittedForSettlement) {
				return &InvalidStateError{PaymentID: p.ID, Op: opCapture, Status: p.Status}
			}
			if in.AmountCents < 0 || in.AmountCents > p.AmountCents {
				return &InvalidAmountError{PaymentID: p.ID, RequestedCents: in.AmountCents, RemainingCents: p.AmountCents}
			}
			callErr := gw.Capture(ctx, processor.CaptureRequest{
				ProcessorPaymentID: p.ProcessorPaymentID,
				AmountCents:        in.AmountCents,
				IdempotencyToken:   token,
			})
			source, err := s.resolveCall(ctx, gw, p, opCapture, callErr, models.PaymentStatusSubmittedForSettlement)
			if err != nil {
				return err
			}
			if in.AmountCents > 0 {
				p.CapturedAmountCents = in.AmountCents
			}
			return s.moveTo(tx, models.PaymentStatusSubmittedForSettlement, source, in.IdempotencyKey, subs, nil)
		})
		return commandResult{PaymentID: p.ID}, err
	})
	if err != nil {
		return nil, err
	}
	p, _, err := s.loadResult(ctx, result)
	return p, err
}

type VoidInput struct {
	PaymentID      string
	Reason         string
	IdempotencyKey string
}

// Void cancels an authorized or not yet settled payment.
func (s *Service) Void(ctx context.Context, in VoidInput) (*models.Payment, error) {
	fp := idempotency.Fingerprint(in.PaymentID, in.Reason)
	result, err := s.runCommand(ctx, opVoid, in.IdempotencyKey, fp, func(ctx context.Context, token string) (commandResult, error) {
		p, gw, subs, err := s.loadForCommand(ctx, in.PaymentID)
		if err != nil {
			return commandResult{}, err
		}
		err = s.payments.WithLock(ctx, p.ID, func(tx repository.PaymentTx) error {
			p := tx.Payment()
			if !CanTransition(p.Status, models.PaymentStatusVoided) {
				return &InvalidStateError{PaymentID: p.ID, Op: opVoid, Status: p.Status}
			}
			callErr := gw.Void(ctx, processor.VoidRequest{
				ProcessorPaymentID: p.ProcessorPaymentID,
				Reason:             in.Reason,
				IdempotencyToken:   token,
			})
			source, err := s.resolveCall(ctx, gw, p, opVoid, callErr, models.PaymentStatusVoided)
			if err != nil {
				return err
			}
			return s.moveTo(tx, models.PaymentStatusVoided, source, in.IdempotencyKey, subs, nil)
		})
		return commandResult{PaymentID: p.ID}, err
	})
	if err != nil {
		return nil, err
	}
	p, _, err := s.loadResult(ctx, result)
	return p, err
}

// resolveCall turns a gateway outcome into the history source of the
// transition or a ProcessorError. Ambiguous outcomes are settled with a
// status check before anything is written.
func (s *Service) resolveCall(
	ctx context.Context,
	gw processor.Gateway,
	p *models.Payment,
	op string,
	callErr error,
	target models.PaymentStatus,
) (string, error) {
	if callErr == nil {
		return models.StatusChangeSourceCommand, nil
	}
	perr := newProcessorError(gw.Name(), op, callErr)
	if perr.Class != processor.ClassAmbiguous {
		log.Warnf("[Payments] %s of payment %s rejected by %s: %v", op, p.ID, gw.Name(), callErr)
		return "", perr
	}

	log.Warnf("[Payments] %s of payment %s ambiguous, checking status at %s: %v", op, p.ID, gw.Name(), callErr)
	st, err := gw.FetchStatus(ctx, p.ProcessorPaymentID)
	if err != nil {
		log.Errorf("[Payments] Status check for payment %s failed: %v", p.ID, err)
		return "", perr
	}
	if reachedVia(target, st.Status) {
		return models.StatusChangeSourceReconcile, nil
	}
	return "", &ProcessorError{
		Processor: gw.Name(),
		Op:        op,
		Class:     processor.ClassRetryable,
		Message:   fmt.Sprintf("not applied at processor (status %s)", st.Status),
		Err:       callErr,
	}
}

// reachedVia reports whether the processor status lies beyond target, which
// means the ambiguous call went through and the processor moved on.
func reachedVia(target, status models.PaymentStatus) bool {
	if target == status {
		return true
	}
	_, ok := transitionPath(target, status)
	return ok
}
