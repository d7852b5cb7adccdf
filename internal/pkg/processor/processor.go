// Package processor adapts external payment processors to one canonical
// interface. Raw processor payloads never leave this package: callers only
// see Event values and classified errors.
package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/ClubPay/app/models"
)

// EventKind tags the variant carried by an Event
type EventKind string

const (
	EventKindStatus  EventKind = "status"
	EventKindRefund  EventKind = "refund"
	EventKindIgnored EventKind = "ignored"
)

// Event is a verified, canonical processor notification.
//
// For EventKindStatus, Status holds the canonical target state. For
// EventKindRefund either RefundedTotalCents carries the cumulative refunded
// amount (processors reporting totals) or RefundID/RefundAmountCents describe
// a single refund.
type Event struct {
	ID                 string
	Processor          string
	Type               string
	Kind               EventKind
	ProcessorPaymentID string
	Status             models.PaymentStatus
	RefundedTotalCents int64
	RefundID           string
	RefundReference    string
	RefundAmountCents  int64
	// Sequence orders events of one payment; events below the last applied
	// sequence are stale.
	Sequence   int64
	OccurredAt time.Time
}

type CaptureRequest struct {
	ProcessorPaymentID string
	AmountCents        int64
	IdempotencyToken   string
}

type VoidRequest struct {
	ProcessorPaymentID string
	Reason             string
	IdempotencyToken   string
}

type RefundRequest struct {
	ProcessorPaymentID string
	AmountCents        int64
	Currency           string
	Reason             string
	// Reference is our refund id, stored processor-side so an ambiguous
	// refund can be found again during reconciliation.
	Reference        string
	IdempotencyToken string
}

type RefundResult struct {
	ProcessorRefundID string
}

// RefundInfo describes one refund known to the processor
type RefundInfo struct {
	ProcessorRefundID string
	Reference         string
	AmountCents       int64
	Failed            bool
}

// StatusResult is the processor's current view of a payment
type StatusResult struct {
	Status  models.PaymentStatus
	Refunds []RefundInfo
}

// FindRefund returns the refund created with the given reference.
func (s *StatusResult) FindRefund(reference string) (*RefundInfo, bool) {
	for i := range s.Refunds {
		if s.Refunds[i].Reference == reference {
			return &s.Refunds[i], true
		}
	}
	return nil, false
}

// Gateway is implemented by every processor adapter. Mutating calls pass the
// idempotency token through where the processor supports it.
type Gateway interface {
	Name() string
	Capture(ctx context.Context, req CaptureRequest) error
	Void(ctx context.Context, req VoidRequest) error
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	// FetchStatus is the status check used to settle ambiguous outcomes.
	FetchStatus(ctx context.Context, processorPaymentID string) (*StatusResult, error)
	// SignatureHeader names the request header carrying the signature, or ""
	// when the signature travels in the body.
	SignatureHeader() string
	VerifySignature(rawBody []byte, signatureHeader string) (*Event, error)
	// ParseEvent decodes a payload whose signature was already verified.
	ParseEvent(rawBody []byte) (*Event, error)
}

// Registry resolves gateways by processor name
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry creates a registry of the given gateways
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
	}
	return r
}

func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("processor %q is not configured", name)
	}
	return g, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}

// settledStatus refines a settled payment into its refund state using the
// refunds the processor reports.
func settledStatus(amountCents int64, refunds []RefundInfo) models.PaymentStatus {
	var refunded int64
	for _, r := range refunds {
		if !r.Failed {
			refunded += r.AmountCents
		}
	}
	switch {
	case refunded <= 0:
		return models.PaymentStatusSettled
	case refunded >= amountCents:
		return models.PaymentStatusRefunded
	default:
		return models.PaymentStatusPartialRefunded
	}
}
