package payments

import (
	"time"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/app/repository"
	"github.com/ManuelReschke/ClubPay/internal/pkg/webhooks"
)

// transitions is the legal edge set of the payment lifecycle.
var transitions = map[models.PaymentStatus][]models.PaymentStatus{
	models.PaymentStatusAuthorized: {
		models.PaymentStatusSubmittedForSettlement,
		models.PaymentStatusVoided,
		models.PaymentStatusFailed,
	},
	models.PaymentStatusSubmittedForSettlement: {
		models.PaymentStatusSettled,
		models.PaymentStatusVoided,
	},
	models.PaymentStatusSettled: {
		models.PaymentStatusPartialRefunded,
		models.PaymentStatusRefunded,
	},
	models.PaymentStatusPartialRefunded: {
		models.PaymentStatusPartialRefunded,
		models.PaymentStatusRefunded,
	},
}

// CanTransition reports whether from -> to is a single legal edge.
func CanTransition(from, to models.PaymentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transitionPath returns the shortest sequence of states leading from one
// status to another, excluding from. A self edge yields a one element path.
func transitionPath(from, to models.PaymentStatus) ([]models.PaymentStatus, bool) {
	if from == to {
		if CanTransition(from, to) {
			return []models.PaymentStatus{to}, true
		}
		return nil, false
	}

	prev := map[models.PaymentStatus]models.PaymentStatus{from: ""}
	queue := []models.PaymentStatus{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []models.PaymentStatus
				for s := to; s != from; s = prev[s] {
					path = append([]models.PaymentStatus{s}, path...)
				}
				return path, true
			}
			queue = append(queue, next)
		}
	}
	return nil, false
}

// moveTo walks the payment to target along legal edges. Each edge writes a
// history row and fans out its event so the recorded history is always a
// valid path, even when an inbound event skipped intermediate states.
func (s *Service) moveTo(
	tx repository.PaymentTx,
	target models.PaymentStatus,
	source, reference string,
	subs []models.WebhookSubscriber,
	refund *models.Refund,
) error {
	p := tx.Payment()
	path, ok := transitionPath(p.Status, target)
	if !ok {
		return &InvalidStateError{PaymentID: p.ID, Op: "move to " + string(target), Status: p.Status}
	}

	now := s.now()
	var events []models.WebhookEvent
	for _, next := range path {
		from := p.Status
		p.Status = next
		stampTransition(p, next, now)
		if err := tx.RecordStatusChange(from, next, source, reference); err != nil {
			return err
		}
		eventType, ok := webhooks.EventTypeForStatus(next)
		if !ok {
			continue
		}
		var cause *models.Refund
		if next == models.PaymentStatusPartialRefunded || next == models.PaymentStatusRefunded {
			cause = refund
		}
		evs, err := webhooks.FanOut(subs, webhooks.Fact{
			Type:       eventType,
			TenantID:   p.TenantID,
			OccurredAt: now,
			Payload:    webhooks.NewPaymentPayload(p, cause),
		})
		if err != nil {
			return err
		}
		events = append(events, evs...)
	}

	if err := tx.SavePayment(); err != nil {
		return err
	}
	return tx.AppendEvents(events)
}

func stampTransition(p *models.Payment, status models.PaymentStatus, now time.Time) {
	switch status {
	case models.PaymentStatusSubmittedForSettlement:
		p.CapturedAt = &now
		if p.CapturedAmountCents == 0 {
			p.CapturedAmountCents = p.AmountCents
		}
	case models.PaymentStatusVoided:
		p.VoidedAt = &now
	case models.PaymentStatusPartialRefunded, models.PaymentStatusRefunded:
		if p.RefundedAt == nil {
			p.RefundedAt = &now
		}
	}
}

// refundTarget is the status matching the refunded balance.
func refundTarget(p *models.Payment) models.PaymentStatus {
	if p.RefundedAmountCents >= p.CollectedCents() {
		return models.PaymentStatusRefunded
	}
	return models.PaymentStatusPartialRefunded
}

func (s *Service) emitRefundFailed(tx repository.PaymentTx, subs []models.WebhookSubscriber, refund *models.Refund) error {
	p := tx.Payment()
	events, err := webhooks.FanOut(subs, webhooks.Fact{
		Type:       webhooks.EventRefundFailed,
		TenantID:   p.TenantID,
		OccurredAt: s.now(),
		Payload:    webhooks.NewPaymentPayload(p, refund),
	})
	if err != nil {
		return err
	}
	return tx.AppendEvents(events)
}
