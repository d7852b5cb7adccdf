package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/ManuelReschke/ClubPay/app/models"
)

// StripeGateway talks to the Stripe PaymentIntents API. A payment's
// processor reference is the PaymentIntent id.
type StripeGateway struct {
	api *client.API
	cfg *StripeConfig
}

// NewStripeGateway creates a Stripe adapter. Network retries are disabled in
// the SDK: retry decisions belong to the caller.
func NewStripeGateway(cfg *StripeConfig) *StripeGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	}
	return &StripeGateway{api: client.New(cfg.SecretKey, backends), cfg: cfg}
}

func (g *StripeGateway) Name() string {
	return models.ProcessorStripe
}

func (g *StripeGateway) SignatureHeader() string {
	return "Stripe-Signature"
}

func (g *StripeGateway) Capture(ctx context.Context, req CaptureRequest) error {
	params := &stripe.PaymentIntentCaptureParams{}
	if req.AmountCents > 0 {
		params.AmountToCapture = stripe.Int64(req.AmountCents)
	}
	params.Context = ctx
	if req.IdempotencyToken != "" {
		params.SetIdempotencyKey(req.IdempotencyToken)
	}
	if _, err := g.api.PaymentIntents.Capture(req.ProcessorPaymentID, params); err != nil {
		return g.wrap("capture", err)
	}
	return nil
}

func (g *StripeGateway) Void(ctx context.Context, req VoidRequest) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	if req.IdempotencyToken != "" {
		params.SetIdempotencyKey(req.IdempotencyToken)
	}
	if _, err := g.api.PaymentIntents.Cancel(req.ProcessorPaymentID, params); err != nil {
		return g.wrap("void", err)
	}
	return nil
}

func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ProcessorPaymentID),
		Amount:        stripe.Int64(req.AmountCents),
	}
	params.Context = ctx
	params.AddMetadata("refund_id", req.Reference)
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	if req.IdempotencyToken != "" {
		params.SetIdempotencyKey(req.IdempotencyToken)
	}
	r, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, g.wrap("refund", err)
	}
	if r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
		return nil, &Error{
			Processor: g.Name(),
			Op:        "refund",
			Class:     ClassNonRetryable,
			Code:      string(r.FailureReason),
			Message:   fmt.Sprintf("refund %s ended in status %s", r.ID, r.Status),
		}
	}
	return &RefundResult{ProcessorRefundID: r.ID}, nil
}

func (g *StripeGateway) FetchStatus(ctx context.Context, processorPaymentID string) (*StatusResult, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Get(processorPaymentID, params)
	if err != nil {
		return nil, g.wrap("fetch_status", err)
	}

	listParams := &stripe.RefundListParams{PaymentIntent: stripe.String(processorPaymentID)}
	listParams.Context = ctx
	var refunds []RefundInfo
	iter := g.api.Refunds.List(listParams)
	for iter.Next() {
		r := iter.Refund()
		refunds = append(refunds, RefundInfo{
			ProcessorRefundID: r.ID,
			Reference:         r.Metadata["refund_id"],
			AmountCents:       r.Amount,
			Failed:            r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, g.wrap("fetch_status", err)
	}

	status := stripeIntentStatus(pi)
	if status == models.PaymentStatusSettled {
		collected := pi.AmountReceived
		if collected <= 0 {
			collected = pi.Amount
		}
		status = settledStatus(collected, refunds)
	}
	return &StatusResult{Status: status, Refunds: refunds}, nil
}

func (g *StripeGateway) VerifySignature(rawBody []byte, signatureHeader string) (*Event, error) {
	tolerance := g.cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	if err := webhook.ValidatePayloadWithTolerance(rawBody, signatureHeader, g.cfg.WebhookSecret, tolerance); err != nil {
		return nil, &SignatureError{Processor: g.Name(), Reason: err.Error()}
	}
	return g.ParseEvent(rawBody)
}

func (g *StripeGateway) ParseEvent(rawBody []byte) (*Event, error) {
	var ev stripe.Event
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return nil, fmt.Errorf("decode stripe event: %w", err)
	}
	out := &Event{
		ID:         ev.ID,
		Processor:  g.Name(),
		Type:       string(ev.Type),
		Kind:       EventKindIgnored,
		Sequence:   ev.Created,
		OccurredAt: time.Unix(ev.Created, 0).UTC(),
	}
	if ev.Data == nil {
		return out, nil
	}

	if target, ok := stripeIntentEvents[string(ev.Type)]; ok {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode stripe payment intent: %w", err)
		}
		out.Kind = EventKindStatus
		out.Status = target
		out.ProcessorPaymentID = pi.ID
		return out, nil
	}

	if string(ev.Type) == "charge.refunded" {
		var ch stripe.Charge
		if err := json.Unmarshal(ev.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("decode stripe charge: %w", err)
		}
		if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
			return out, nil
		}
		out.Kind = EventKindRefund
		out.ProcessorPaymentID = ch.PaymentIntent.ID
		out.RefundedTotalCents = ch.AmountRefunded
	}
	return out, nil
}

// stripeIntentEvents maps PaymentIntent webhook types to canonical states.
var stripeIntentEvents = map[string]models.PaymentStatus{
	"payment_intent.amount_capturable_updated": models.PaymentStatusAuthorized,
	"payment_intent.processing":                models.PaymentStatusSubmittedForSettlement,
	"payment_intent.succeeded":                 models.PaymentStatusSettled,
	"payment_intent.canceled":                  models.PaymentStatusVoided,
	"payment_intent.payment_failed":            models.PaymentStatusFailed,
}

func stripeIntentStatus(pi *stripe.PaymentIntent) models.PaymentStatus {
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture:
		return models.PaymentStatusAuthorized
	case stripe.PaymentIntentStatusProcessing:
		return models.PaymentStatusSubmittedForSettlement
	case stripe.PaymentIntentStatusSucceeded:
		return models.PaymentStatusSettled
	case stripe.PaymentIntentStatusCanceled:
		return models.PaymentStatusVoided
	}
	if pi.LastPaymentError != nil {
		return models.PaymentStatusFailed
	}
	return models.PaymentStatusAuthorized
}

func (g *StripeGateway) wrap(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		class := classifyHTTPStatus(se.HTTPStatusCode)
		if se.Type == stripe.ErrorTypeCard || se.Type == stripe.ErrorTypeInvalidRequest || se.Type == stripe.ErrorTypeIdempotency {
			class = ClassNonRetryable
		}
		return &Error{
			Processor:  g.Name(),
			Op:         op,
			Class:      class,
			StatusCode: se.HTTPStatusCode,
			Code:       string(se.Code),
			Message:    se.Msg,
			Err:        err,
		}
	}
	return &Error{Processor: g.Name(), Op: op, Class: classifyTransport(err), Err: err}
}
