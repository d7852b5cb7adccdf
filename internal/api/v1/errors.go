package apiv1

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ClubPay/app/repository"
	"github.com/ManuelReschke/ClubPay/internal/pkg/dispatcher"
	"github.com/ManuelReschke/ClubPay/internal/pkg/idempotency"
	"github.com/ManuelReschke/ClubPay/internal/pkg/payments"
	"github.com/ManuelReschke/ClubPay/internal/pkg/processor"
	"github.com/ManuelReschke/ClubPay/internal/pkg/reliability"
	"github.com/ManuelReschke/ClubPay/internal/pkg/webhooks"
)

func writeError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{"code": code, "message": message},
	})
}

// respondError maps a service error to its status code and error code.
// extra is merged into the body, for example the failed refund.
func respondError(c *fiber.Ctx, err error, extra fiber.Map) error {
	status, body := errorBody(err)
	if status == fiber.StatusInternalServerError {
		log.Errorf("[API] %s %s failed: %v", c.Method(), c.Path(), err)
	}
	out := fiber.Map{"error": body}
	for k, v := range extra {
		out[k] = v
	}
	return c.Status(status).JSON(out)
}

func errorBody(err error) (int, fiber.Map) {
	var (
		validationErrs validator.ValidationErrors
		stateErr       *payments.InvalidStateError
		amountErr      *payments.InvalidAmountError
		procErr        *payments.ProcessorError
		sigErr         *processor.SignatureError
	)

	switch {
	case errors.As(err, &validationErrs),
		errors.Is(err, payments.ErrIdempotencyKeyRequired),
		errors.Is(err, webhooks.ErrUnknownEventType),
		errors.Is(err, reliability.ErrInvalidWindow):
		return fiber.StatusBadRequest, fiber.Map{"code": "VALIDATION_ERROR", "message": err.Error()}

	case errors.Is(err, payments.ErrNotFound),
		errors.Is(err, repository.ErrNotFound),
		errors.Is(err, dispatcher.ErrEventNotFound),
		errors.Is(err, reliability.ErrSubscriberNotFound),
		errors.Is(err, payments.ErrUnknownProcessor):
		return fiber.StatusNotFound, fiber.Map{"code": "NOT_FOUND", "message": err.Error()}

	case errors.As(err, &stateErr):
		return fiber.StatusConflict, fiber.Map{
			"code":    "INVALID_STATE",
			"message": err.Error(),
			"status":  stateErr.Status,
		}

	case errors.As(err, &amountErr):
		return fiber.StatusUnprocessableEntity, fiber.Map{
			"code":            "INVALID_AMOUNT",
			"message":         err.Error(),
			"remaining_cents": amountErr.RemainingCents,
		}

	case errors.Is(err, payments.ErrProcessorNotConfigured):
		return fiber.StatusUnprocessableEntity, fiber.Map{"code": "PROCESSOR_NOT_CONFIGURED", "message": err.Error()}

	case errors.As(err, &procErr):
		return fiber.StatusBadGateway, fiber.Map{
			"code":           "PROCESSOR_ERROR",
			"message":        procErr.Message,
			"class":          procErr.Class,
			"processor_code": procErr.Code,
		}

	case errors.As(err, &sigErr):
		return fiber.StatusUnauthorized, fiber.Map{"code": "SIGNATURE_ERROR", "message": err.Error()}

	case errors.Is(err, idempotency.ErrConflict),
		errors.Is(err, payments.ErrAuthorizationMismatch):
		return fiber.StatusConflict, fiber.Map{"code": "IDEMPOTENCY_CONFLICT", "message": err.Error()}

	case errors.Is(err, idempotency.ErrInProgress):
		return fiber.StatusConflict, fiber.Map{"code": "IDEMPOTENCY_IN_PROGRESS", "message": err.Error()}

	case errors.Is(err, dispatcher.ErrEventBusy):
		return fiber.StatusConflict, fiber.Map{"code": "EVENT_BUSY", "message": err.Error()}
	}

	return fiber.StatusInternalServerError, fiber.Map{"code": "INTERNAL_ERROR", "message": "internal server error"}
}
