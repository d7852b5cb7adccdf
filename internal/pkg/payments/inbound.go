package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/app/repository"
	"github.com/ManuelReschke/ClubPay/internal/pkg/processor"
)

// ApplyInboundEvent reconciles the ledger with a verified processor event.
// It is idempotent: states already reached, states behind the current one
// and events older than the last applied sequence change nothing. It
// reports whether the ledger changed.
func (s *Service) ApplyInboundEvent(ctx context.Context, ev *processor.Event) (bool, error) {
	if ev == nil || ev.Kind == processor.EventKindIgnored || ev.ProcessorPaymentID == "" {
		return false, nil
	}

	p, err := s.payments.GetByProcessorRef(ctx, ev.Processor, ev.ProcessorPaymentID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, fmt.Errorf("%w: %s %s", ErrNotFound, ev.Processor, ev.ProcessorPaymentID)
	}
	if err != nil {
		return false, err
	}
	subs, err := s.webhooks.ListActiveSubscribers(ctx, p.TenantID)
	if err != nil {
		return false, fmt.Errorf("list subscribers: %w", err)
	}

	applied := false
	err = s.payments.WithLock(ctx, p.ID, func(tx repository.PaymentTx) error {
		p := tx.Payment()
		if ev.Sequence > 0 && ev.Sequence < p.LastEventSequence {
			log.Infof("[Payments] Ignoring stale %s event %s for payment %s", ev.Processor, ev.ID, p.ID)
			return nil
		}

		var err error
		switch ev.Kind {
		case processor.EventKindStatus:
			applied, err = s.applyStatusEvent(tx, ev, subs)
		case processor.EventKindRefund:
			applied, err = s.applyRefundEvent(tx, ev, subs)
		}
		if err != nil {
			return err
		}

		if ev.Sequence > p.LastEventSequence {
			p.LastEventSequence = ev.Sequence
			return tx.SavePayment()
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *Service) applyStatusEvent(tx repository.PaymentTx, ev *processor.Event, subs []models.WebhookSubscriber) (bool, error) {
	p := tx.Payment()
	// refund states follow from refund events and the ledger balance only
	if ev.Status == models.PaymentStatusPartialRefunded || ev.Status == models.PaymentStatusRefunded {
		return false, nil
	}
	if ev.Status == p.Status {
		return false, nil
	}
	if _, ok := transitionPath(p.Status, ev.Status); !ok {
		log.Infof("[Payments] Event %s (%s) does not advance payment %s from %s", ev.ID, ev.Status, p.ID, p.Status)
		return false, nil
	}
	if err := s.moveTo(tx, ev.Status, models.StatusChangeSourceInbound, ev.ID, subs, nil); err != nil {
		return false, err
	}
	log.Infof("[Payments] Payment %s moved to %s by %s event %s", p.ID, p.Status, ev.Processor, ev.ID)
	return true, nil
}

func (s *Service) applyRefundEvent(tx repository.PaymentTx, ev *processor.Event, subs []models.WebhookSubscriber) (bool, error) {
	p := tx.Payment()
	switch p.Status {
	case models.PaymentStatusAuthorized, models.PaymentStatusSubmittedForSettlement:
		// a refund implies settlement we have not heard about yet
		if err := s.moveTo(tx, models.PaymentStatusSettled, models.StatusChangeSourceInbound, ev.ID, subs, nil); err != nil {
			return false, err
		}
	case models.PaymentStatusSettled, models.PaymentStatusPartialRefunded, models.PaymentStatusRefunded:
	default:
		log.Warnf("[Payments] Refund event %s for payment %s in status %s ignored", ev.ID, p.ID, p.Status)
		return false, nil
	}

	refunds, err := tx.ListRefunds()
	if err != nil {
		return false, err
	}

	var settled []*models.Refund
	if ev.RefundID != "" || ev.RefundReference != "" {
		r, err := s.settleSingleRefund(tx, ev, refunds)
		if err != nil {
			return false, err
		}
		if r != nil {
			settled = append(settled, r)
		}
	} else {
		settled, err = s.settleRefundTotal(tx, ev, refunds)
		if err != nil {
			return false, err
		}
	}
	if len(settled) == 0 {
		return false, nil
	}

	if err := s.moveTo(tx, refundTarget(p), models.StatusChangeSourceInbound, ev.ID, subs, settled[len(settled)-1]); err != nil {
		return false, err
	}
	log.Infof("[Payments] Payment %s refunded total %d of %d cents after %s event %s", p.ID, p.RefundedAmountCents, p.CollectedCents(), ev.Processor, ev.ID)
	return true, nil
}

// settleSingleRefund books a refund reported by id. A known refund that is
// not settled yet is settled, including one we marked failed after an
// ambiguous call; an unknown one was issued at the processor directly.
func (s *Service) settleSingleRefund(tx repository.PaymentTx, ev *processor.Event, refunds []models.Refund) (*models.Refund, error) {
	p := tx.Payment()
	for i := range refunds {
		r := &refunds[i]
		matches := (ev.RefundID != "" && r.ProcessorRefundID == ev.RefundID) ||
			(ev.RefundReference != "" && r.ID == ev.RefundReference)
		if !matches {
			continue
		}
		if r.Status == models.RefundStatusSettled {
			return nil, nil
		}
		if r.AmountCents > p.RemainingCents() {
			log.Warnf("[Payments] Refund %s exceeds remaining balance of payment %s, not settled", r.ID, p.ID)
			return nil, nil
		}
		r.Status = models.RefundStatusSettled
		r.FailureReason = ""
		if r.ProcessorRefundID == "" {
			r.ProcessorRefundID = ev.RefundID
		}
		if err := tx.SaveRefund(r); err != nil {
			return nil, err
		}
		p.RefundedAmountCents += r.AmountCents
		return r, nil
	}

	return s.bookProcessorRefund(tx, ev.RefundID, ev.RefundAmountCents)
}

// settleRefundTotal applies a cumulative refunded total. The increase
// settles pending refunds oldest first; whatever is left was refunded at the
// processor directly.
func (s *Service) settleRefundTotal(tx repository.PaymentTx, ev *processor.Event, refunds []models.Refund) ([]*models.Refund, error) {
	p := tx.Payment()
	delta := ev.RefundedTotalCents - p.RefundedAmountCents
	if delta <= 0 {
		return nil, nil
	}

	var settled []*models.Refund
	for i := range refunds {
		r := &refunds[i]
		if r.Status != models.RefundStatusPending || r.AmountCents > delta || r.AmountCents > p.RemainingCents() {
			continue
		}
		r.Status = models.RefundStatusSettled
		if err := tx.SaveRefund(r); err != nil {
			return nil, err
		}
		p.RefundedAmountCents += r.AmountCents
		delta -= r.AmountCents
		settled = append(settled, r)
	}

	if delta > 0 {
		r, err := s.bookProcessorRefund(tx, "", delta)
		if err != nil {
			return nil, err
		}
		if r != nil {
			settled = append(settled, r)
		}
	}
	return settled, nil
}

func (s *Service) bookProcessorRefund(tx repository.PaymentTx, processorRefundID string, amount int64) (*models.Refund, error) {
	p := tx.Payment()
	if amount <= 0 {
		return nil, nil
	}
	if amount > p.RemainingCents() {
		log.Warnf("[Payments] Processor refund of %d cents exceeds remaining %d of payment %s, clamped", amount, p.RemainingCents(), p.ID)
		amount = p.RemainingCents()
		if amount <= 0 {
			return nil, nil
		}
	}
	r := &models.Refund{
		ProcessorRefundID: processorRefundID,
		AmountCents:       amount,
		Status:            models.RefundStatusSettled,
		InitiatedByUserID: models.RefundInitiatorProcessor,
	}
	if err := tx.CreateRefund(r); err != nil {
		return nil, err
	}
	p.RefundedAmountCents += amount
	return r, nil
}
