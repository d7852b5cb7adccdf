package payments

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/app/repository"
	"github.com/ManuelReschke/ClubPay/internal/pkg/idempotency"
	"github.com/ManuelReschke/ClubPay/internal/pkg/processor"
)

type RefundInput struct {
	PaymentID string
	// AmountCents defaults to the remaining balance when nil.
	AmountCents    *int64
	Reason         string
	InitiatedBy    string
	IdempotencyKey string
}

// RefundOutcome is the payment after the refund plus the refund row. Refund
// is set for failed refunds too.
type RefundOutcome struct {
	Payment *models.Payment `json:"payment"`
	Refund  *models.Refund  `json:"refund"`
}

// Refund returns funds of a settled payment. A processor rejection leaves the
// payment unchanged, keeps the refund as failed and is returned as error.
// An ambiguous outcome that cannot be checked leaves the refund pending
// until an inbound event or a later status check settles it.
func (s *Service) Refund(ctx context.Context, in RefundInput) (*RefundOutcome, error) {
	amountPart := "remaining"
	if in.AmountCents != nil {
		amountPart = strconv.FormatInt(*in.AmountCents, 10)
	}
	fp := idempotency.Fingerprint(in.PaymentID, amountPart, in.Reason)

	result, err := s.runCommand(ctx, opRefund, in.IdempotencyKey, fp, func(ctx context.Context, token string) (commandResult, error) {
		p, gw, subs, err := s.loadForCommand(ctx, in.PaymentID)
		if err != nil {
			return commandResult{}, err
		}

		var refundID string
		var callFailure error
		err = s.payments.WithLock(ctx, p.ID, func(tx repository.PaymentTx) error {
			refund, err := s.reserveRefund(tx, in)
			if err != nil {
				return err
			}
			refundID = refund.ID
			callFailure = s.executeRefund(ctx, tx, gw, subs, refund, in.IdempotencyKey, token)
			if callFailure != nil {
				var pe *ProcessorError
				if !errors.As(callFailure, &pe) {
					return callFailure
				}
			}
			return nil
		})
		if err != nil {
			return commandResult{}, err
		}
		return commandResult{PaymentID: p.ID, RefundID: refundID}, callFailure
	})

	p, refund, loadErr := s.loadResult(ctx, result)
	if loadErr != nil && err == nil {
		return nil, loadErr
	}
	if p == nil {
		return nil, err
	}
	return &RefundOutcome{Payment: p, Refund: refund}, err
}

// reserveRefund validates the refund and books it as pending so concurrent
// refunds see the reduced balance.
func (s *Service) reserveRefund(tx repository.PaymentTx, in RefundInput) (*models.Refund, error) {
	p := tx.Payment()
	refunds, err := tx.ListRefunds()
	if err != nil {
		return nil, err
	}
	remaining := p.RemainingCents()
	for _, r := range refunds {
		if r.Status == models.RefundStatusPending {
			remaining -= r.AmountCents
		}
	}

	amount := remaining
	if in.AmountCents != nil {
		amount = *in.AmountCents
	}

	switch p.Status {
	case models.PaymentStatusSettled, models.PaymentStatusPartialRefunded:
	case models.PaymentStatusRefunded:
		return nil, &InvalidAmountError{PaymentID: p.ID, RequestedCents: amount, RemainingCents: 0}
	default:
		return nil, &InvalidStateError{PaymentID: p.ID, Op: opRefund, Status: p.Status}
	}
	if amount <= 0 || amount > remaining {
		return nil, &InvalidAmountError{PaymentID: p.ID, RequestedCents: amount, RemainingCents: remaining}
	}

	refund := &models.Refund{
		ID:                uuid.NewString(),
		AmountCents:       amount,
		Reason:            in.Reason,
		Status:            models.RefundStatusPending,
		InitiatedByUserID: in.InitiatedBy,
	}
	if err := tx.CreateRefund(refund); err != nil {
		return nil, err
	}
	return refund, nil
}

// executeRefund calls the processor and books the outcome. The returned
// error is the command's failure; ledger writes have already succeeded when
// it is a ProcessorError.
func (s *Service) executeRefund(
	ctx context.Context,
	tx repository.PaymentTx,
	gw processor.Gateway,
	subs []models.WebhookSubscriber,
	refund *models.Refund,
	reference, token string,
) error {
	p := tx.Payment()
	res, callErr := gw.Refund(ctx, processor.RefundRequest{
		ProcessorPaymentID: p.ProcessorPaymentID,
		AmountCents:        refund.AmountCents,
		Currency:           p.Currency,
		Reason:             refund.Reason,
		Reference:          refund.ID,
		IdempotencyToken:   token,
	})

	source := models.StatusChangeSourceCommand
	if callErr != nil {
		perr := newProcessorError(gw.Name(), opRefund, callErr)
		if perr.Class == processor.ClassAmbiguous {
			log.Warnf("[Payments] Refund %s of payment %s ambiguous, checking status at %s: %v", refund.ID, p.ID, gw.Name(), callErr)
			st, err := gw.FetchStatus(ctx, p.ProcessorPaymentID)
			if err != nil {
				log.Errorf("[Payments] Status check for payment %s failed, refund %s stays pending: %v", p.ID, refund.ID, err)
				return perr
			}
			info, found := st.FindRefund(refund.ID)
			if found && !info.Failed {
				res = &processor.RefundResult{ProcessorRefundID: info.ProcessorRefundID}
				source = models.StatusChangeSourceReconcile
				callErr = nil
			} else {
				perr = &ProcessorError{
					Processor: gw.Name(),
					Op:        opRefund,
					Class:     processor.ClassRetryable,
					Message:   "refund not applied at processor",
					Err:       callErr,
				}
			}
		}
		if callErr != nil {
			log.Warnf("[Payments] Refund %s of payment %s failed: %v", refund.ID, p.ID, perr)
			refund.Status = models.RefundStatusFailed
			refund.FailureReason = perr.Message
			if err := tx.SaveRefund(refund); err != nil {
				return err
			}
			if err := s.emitRefundFailed(tx, subs, refund); err != nil {
				return err
			}
			return perr
		}
	}

	refund.Status = models.RefundStatusSettled
	refund.ProcessorRefundID = res.ProcessorRefundID
	if err := tx.SaveRefund(refund); err != nil {
		return err
	}
	p.RefundedAmountCents += refund.AmountCents
	if err := s.moveTo(tx, refundTarget(p), source, reference, subs, refund); err != nil {
		return err
	}
	log.Infof("[Payments] Refund %s of %d cents settled for payment %s", refund.ID, refund.AmountCents, p.ID)
	return nil
}
