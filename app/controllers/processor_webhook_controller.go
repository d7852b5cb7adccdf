package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ClubPay/internal/pkg/middleware"
	"github.com/ManuelReschke/ClubPay/internal/pkg/payments"
	"github.com/ManuelReschke/ClubPay/internal/pkg/processor"
)

// ============================================================================
// PROCESSOR WEBHOOK CONTROLLER
// ============================================================================

// ProcessorWebhookController receives asynchronous notifications from payment processors
type ProcessorWebhookController struct {
	receiver *payments.Receiver
}

// NewProcessorWebhookController creates a new processor webhook controller
func NewProcessorWebhookController(receiver *payments.Receiver) *ProcessorWebhookController {
	return &ProcessorWebhookController{receiver: receiver}
}

// HandleProcessorWebhook verifies, stores and applies one processor webhook.
// Any 2xx tells the processor to stop retrying, so events that were stored
// but could not be applied yet are still acknowledged.
func (pwc *ProcessorWebhookController) HandleProcessorWebhook(c *fiber.Ctx) error {
	name := c.Params("processor")
	header, err := pwc.receiver.SignatureHeader(name)
	if err != nil {
		return middleware.Abort(c, fiber.StatusNotFound, "NOT_FOUND", err.Error())
	}

	// fasthttp reuses the request buffer after the handler returns
	body := append([]byte(nil), c.Body()...)

	result, err := pwc.receiver.Receive(c.UserContext(), name, body, c.Get(header))
	if err != nil {
		var sigErr *processor.SignatureError
		if errors.As(err, &sigErr) {
			return middleware.Abort(c, fiber.StatusUnauthorized, "SIGNATURE_ERROR", err.Error())
		}
		if errors.Is(err, payments.ErrMalformedWebhook) {
			return middleware.Abort(c, fiber.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		}
		log.Errorf("[Inbound] %s webhook from %s failed: %v", name, middleware.ClientIP(c), err)
		return middleware.Abort(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", "webhook could not be stored")
	}

	status := "accepted"
	if result.Duplicate {
		status = "duplicate"
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status":   status,
		"event_id": result.EventID,
		"applied":  result.Applied,
		"deferred": result.Deferred,
	})
}
