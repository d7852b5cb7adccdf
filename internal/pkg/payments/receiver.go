package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/app/repository"
	"github.com/ManuelReschke/ClubPay/internal/pkg/processor"
)

// ErrUnknownProcessor is returned for webhooks of processors that are not configured
var (
	ErrUnknownProcessor = errors.New("unknown processor")
	// ErrMalformedWebhook is returned for authentic webhooks whose payload
	// cannot be parsed.
	ErrMalformedWebhook = errors.New("malformed processor webhook")
)

// Receiver persists and applies inbound processor webhooks
type Receiver struct {
	service  *Service
	inbound  repository.InboundEventRepository
	gateways *processor.Registry
}

// NewReceiver creates the inbound webhook receiver
func NewReceiver(service *Service, inbound repository.InboundEventRepository, gateways *processor.Registry) *Receiver {
	return &Receiver{service: service, inbound: inbound, gateways: gateways}
}

// ReceiveResult tells the endpoint what happened to a webhook
type ReceiveResult struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
	Applied   bool   `json:"applied"`
	// Deferred is set when applying failed; the event is retried by Reprocess.
	Deferred bool `json:"deferred"`
}

// SignatureHeader names the header carrying the processor's signature.
func (r *Receiver) SignatureHeader(processorName string) (string, error) {
	gw, err := r.gateways.Get(processorName)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownProcessor, processorName)
	}
	return gw.SignatureHeader(), nil
}

// Receive verifies, stores and applies one webhook. Events failing
// verification are stored for audit and rejected with a SignatureError.
func (r *Receiver) Receive(ctx context.Context, processorName string, rawBody []byte, signatureHeader string) (*ReceiveResult, error) {
	gw, err := r.gateways.Get(processorName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcessor, processorName)
	}

	ev, verifyErr := gw.VerifySignature(rawBody, signatureHeader)
	if verifyErr != nil {
		var sigErr *processor.SignatureError
		if !errors.As(verifyErr, &sigErr) {
			return nil, fmt.Errorf("%w from %s: %v", ErrMalformedWebhook, gw.Name(), verifyErr)
		}
		_, _, err := r.inbound.CreateIfNotExists(ctx, &models.InboundEvent{
			Processor:        gw.Name(),
			ProcessorEventID: "invalid:" + payloadHash(rawBody),
			Payload:          string(rawBody),
			SignatureHeader:  signatureHeader,
			SignatureValid:   false,
		})
		if err != nil {
			log.Errorf("[Inbound] Failed to store rejected %s webhook: %v", gw.Name(), err)
		}
		log.Warnf("[Inbound] Rejected %s webhook: %v", gw.Name(), verifyErr)
		return nil, verifyErr
	}

	eventID := ev.ID
	if eventID == "" {
		eventID = payloadHash(rawBody)
	}
	created, stored, err := r.inbound.CreateIfNotExists(ctx, &models.InboundEvent{
		Processor:        gw.Name(),
		ProcessorEventID: eventID,
		EventType:        ev.Type,
		Payload:          string(rawBody),
		SignatureHeader:  signatureHeader,
		SignatureValid:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("store %s webhook: %w", gw.Name(), err)
	}

	result := &ReceiveResult{EventID: eventID}
	if !created && !stored.NeedsProcessing() {
		result.Duplicate = true
		return result, nil
	}

	applied, err := r.service.ApplyInboundEvent(ctx, ev)
	result.Applied = applied
	if err != nil {
		result.Deferred = true
		log.Warnf("[Inbound] Applying %s event %s failed, will retry: %v", gw.Name(), eventID, err)
	}
	if markErr := r.inbound.MarkProcessed(ctx, stored.ID, errString(err)); markErr != nil {
		log.Errorf("[Inbound] Failed to mark %s event %s processed: %v", gw.Name(), eventID, markErr)
	}
	return result, nil
}

// Reprocess retries stored events whose application failed, for example
// because the payment was recorded after the processor reported on it.
func (r *Receiver) Reprocess(ctx context.Context, olderThan time.Duration, maxAttempts, limit int) (int, error) {
	pending, err := r.inbound.ListPending(ctx, time.Now().UTC().Add(-olderThan), maxAttempts, limit)
	if err != nil {
		return 0, err
	}

	applied := 0
	for i := range pending {
		stored := &pending[i]
		gw, err := r.gateways.Get(stored.Processor)
		if err != nil {
			_ = r.inbound.MarkProcessed(ctx, stored.ID, err.Error())
			continue
		}
		ev, err := gw.ParseEvent([]byte(stored.Payload))
		if err == nil {
			var ok bool
			ok, err = r.service.ApplyInboundEvent(ctx, ev)
			if ok {
				applied++
			}
		}
		if err != nil {
			log.Warnf("[Inbound] Reprocessing %s event %s failed (attempt %d): %v", stored.Processor, stored.ProcessorEventID, stored.Attempts+1, err)
		}
		if markErr := r.inbound.MarkProcessed(ctx, stored.ID, errString(err)); markErr != nil {
			return applied, markErr
		}
	}
	return applied, nil
}

func payloadHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
