// Package webhooks builds, signs and fans out the outgoing domain events that
// the dispatcher delivers to subscribers.
package webhooks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/ClubPay/app/models"
)

const (
	EventPaymentCaptured        = "payment.captured"
	EventPaymentSettled         = "payment.settled"
	EventPaymentVoided          = "payment.voided"
	EventPaymentFailed          = "payment.failed"
	EventPaymentPartialRefunded = "payment.partially_refunded"
	EventPaymentRefunded        = "payment.refunded"
	EventRefundFailed           = "refund.failed"
)

// EventTypes lists every event type a subscriber can filter on.
var EventTypes = []string{
	EventPaymentCaptured,
	EventPaymentSettled,
	EventPaymentVoided,
	EventPaymentFailed,
	EventPaymentPartialRefunded,
	EventPaymentRefunded,
	EventRefundFailed,
}

// IsKnownEventType reports whether t is one of EventTypes.
func IsKnownEventType(t string) bool {
	for _, known := range EventTypes {
		if known == t {
			return true
		}
	}
	return false
}

// EventTypeForStatus returns the event announcing a payment entering status.
func EventTypeForStatus(status models.PaymentStatus) (string, bool) {
	switch status {
	case models.PaymentStatusSubmittedForSettlement:
		return EventPaymentCaptured, true
	case models.PaymentStatusSettled:
		return EventPaymentSettled, true
	case models.PaymentStatusVoided:
		return EventPaymentVoided, true
	case models.PaymentStatusFailed:
		return EventPaymentFailed, true
	case models.PaymentStatusPartialRefunded:
		return EventPaymentPartialRefunded, true
	case models.PaymentStatusRefunded:
		return EventPaymentRefunded, true
	}
	return "", false
}

// Envelope is the JSON body POSTed to subscribers. Subscribers deduplicate
// on EventID, which stays the same across retries and replays.
type Envelope struct {
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	OccurredAt time.Time       `json:"occurredAt"`
	TenantID   string          `json:"tenantId"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a stored event for delivery
func NewEnvelope(ev *models.WebhookEvent) Envelope {
	return Envelope{
		EventID:    ev.ID,
		EventType:  ev.EventType,
		OccurredAt: ev.OccurredAt.UTC(),
		TenantID:   ev.TenantID,
		Payload:    json.RawMessage(ev.Payload),
	}
}

// Marshal returns the exact bytes that are signed and sent.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// PaymentPayload is the payload of every payment.* and refund.* event.
// Amounts are decimal strings in the payment currency.
type PaymentPayload struct {
	PaymentID          string         `json:"paymentId"`
	BookingID          string         `json:"bookingId,omitempty"`
	Processor          string         `json:"processor"`
	ProcessorPaymentID string         `json:"processorPaymentId"`
	Status             string         `json:"status"`
	Amount             string         `json:"amount"`
	CapturedAmount     string         `json:"capturedAmount,omitempty"`
	RefundedAmount     string         `json:"refundedAmount"`
	Currency           string         `json:"currency"`
	Refund             *RefundPayload `json:"refund,omitempty"`
}

type RefundPayload struct {
	RefundID      string `json:"refundId"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
}

// NewPaymentPayload snapshots the payment (and the refund that caused the
// event, if any).
func NewPaymentPayload(p *models.Payment, refund *models.Refund) PaymentPayload {
	out := PaymentPayload{
		PaymentID:          p.ID,
		BookingID:          p.BookingID,
		Processor:          p.Processor,
		ProcessorPaymentID: p.ProcessorPaymentID,
		Status:             string(p.Status),
		Amount:             FormatCents(p.AmountCents),
		RefundedAmount:     FormatCents(p.RefundedAmountCents),
		Currency:           p.Currency,
	}
	if p.CapturedAmountCents > 0 {
		out.CapturedAmount = FormatCents(p.CapturedAmountCents)
	}
	if refund != nil {
		out.Refund = &RefundPayload{
			RefundID:      refund.ID,
			Amount:        FormatCents(refund.AmountCents),
			Status:        string(refund.Status),
			Reason:        refund.Reason,
			FailureReason: refund.FailureReason,
		}
	}
	return out
}

// FormatCents renders minor units as a two decimal string.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// Fact is one domain occurrence to be fanned out.
type Fact struct {
	Type       string
	TenantID   string
	OccurredAt time.Time
	Payload    interface{}
}

// FanOut builds one event per subscriber accepting the fact. Events of one
// fact share a FactID; each event gets its own stable ID.
func FanOut(subscribers []models.WebhookSubscriber, fact Fact) ([]models.WebhookEvent, error) {
	var matched []models.WebhookSubscriber
	for _, sub := range subscribers {
		if sub.Accepts(fact.TenantID, fact.Type) {
			matched = append(matched, sub)
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(fact.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", fact.Type, err)
	}
	factID := uuid.NewString()
	events := make([]models.WebhookEvent, 0, len(matched))
	for _, sub := range matched {
		events = append(events, models.WebhookEvent{
			ID:           uuid.NewString(),
			FactID:       factID,
			TenantID:     fact.TenantID,
			EventType:    fact.Type,
			SubscriberID: sub.ID,
			Payload:      payload,
			OccurredAt:   fact.OccurredAt.UTC(),
		})
	}
	return events, nil
}
