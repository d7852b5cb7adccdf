package apiv1

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/app/repository"
	"github.com/ManuelReschke/ClubPay/internal/pkg/dispatcher"
	"github.com/ManuelReschke/ClubPay/internal/pkg/payments"
	"github.com/ManuelReschke/ClubPay/internal/pkg/reliability"
	"github.com/ManuelReschke/ClubPay/internal/pkg/webhooks"
)

const idempotencyHeader = "Idempotency-Key"

// Pong defines model for Pong.
type Pong struct {
	Ping string `json:"ping"`
}

type RecordAuthorizationRequest struct {
	TenantID           string          `json:"tenant_id"`
	BookingID          string          `json:"booking_id"`
	Processor          string          `json:"processor"`
	ProcessorPaymentID string          `json:"processor_payment_id"`
	AmountCents        int64           `json:"amount_cents"`
	Currency           string          `json:"currency"`
	Meta               json.RawMessage `json:"meta,omitempty"`
}

type CaptureRequest struct {
	// AmountCents of 0 captures the authorized amount.
	AmountCents int64 `json:"amount_cents"`
}

type VoidRequest struct {
	Reason string `json:"reason"`
}

type RefundRequest struct {
	AmountCents *int64 `json:"amount_cents"`
	Reason      string `json:"reason"`
	InitiatedBy string `json:"initiated_by"`
}

type CreateSubscriberRequest struct {
	TenantID    string   `json:"tenant_id"`
	URL         string   `json:"url"`
	Secret      string   `json:"secret"`
	EventTypes  []string `json:"event_types"`
	Description string   `json:"description"`
}

// SubscriberView exposes the subscriber with its event type list
type SubscriberView struct {
	*models.WebhookSubscriber
	EventTypes []string `json:"event_types"`
	// Secret is only returned on creation.
	Secret string `json:"secret,omitempty"`
}

// WebhookEventView is an event with its dispatch state and attempt history
type WebhookEventView struct {
	Event    *models.WebhookEvent     `json:"event"`
	Delivery *models.WebhookDelivery  `json:"delivery"`
	Attempts []models.DeliveryAttempt `json:"attempts"`
}

// Dependencies are the services behind the admin API
type Dependencies struct {
	Payments    *payments.Service
	Subscribers *webhooks.SubscriberService
	Replayer    *dispatcher.Replayer
	Events      repository.WebhookRepository
	Reliability *reliability.Aggregator
}

// APIServer implements the ServerInterface
type APIServer struct {
	deps Dependencies
}

// NewAPIServer creates a new API server instance
func NewAPIServer(deps Dependencies) *APIServer {
	return &APIServer{deps: deps}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

func (s *APIServer) PostPayment(c *fiber.Ctx) error {
	var req RecordAuthorizationRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fiber.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
	}

	p, created, err := s.deps.Payments.RecordAuthorization(c.UserContext(), payments.AuthorizationInput{
		TenantID:           req.TenantID,
		BookingID:          req.BookingID,
		Processor:          req.Processor,
		ProcessorPaymentID: req.ProcessorPaymentID,
		AmountCents:        req.AmountCents,
		Currency:           req.Currency,
		Meta:               datatypes.JSON(req.Meta),
		IdempotencyKey:     c.Get(idempotencyHeader),
	})
	if err != nil {
		return respondError(c, err, nil)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"payment": p})
}

func (s *APIServer) GetPayment(c *fiber.Ctx, id string) error {
	details, err := s.deps.Payments.GetPaymentDetails(c.UserContext(), id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(details)
}

func (s *APIServer) PostPaymentCapture(c *fiber.Ctx, id string) error {
	var req CaptureRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return writeError(c, fiber.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
		}
	}

	p, err := s.deps.Payments.Capture(c.UserContext(), payments.CaptureInput{
		PaymentID:      id,
		AmountCents:    req.AmountCents,
		IdempotencyKey: c.Get(idempotencyHeader),
	})
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(fiber.Map{"payment": p})
}

func (s *APIServer) PostPaymentVoid(c *fiber.Ctx, id string) error {
	var req VoidRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return writeError(c, fiber.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
		}
	}

	p, err := s.deps.Payments.Void(c.UserContext(), payments.VoidInput{
		PaymentID:      id,
		Reason:         req.Reason,
		IdempotencyKey: c.Get(idempotencyHeader),
	})
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(fiber.Map{"payment": p})
}

func (s *APIServer) PostPaymentRefund(c *fiber.Ctx, id string) error {
	var req RefundRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return writeError(c, fiber.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
		}
	}

	outcome, err := s.deps.Payments.Refund(c.UserContext(), payments.RefundInput{
		PaymentID:      id,
		AmountCents:    req.AmountCents,
		Reason:         req.Reason,
		InitiatedBy:    req.InitiatedBy,
		IdempotencyKey: c.Get(idempotencyHeader),
	})
	if err != nil {
		var extra fiber.Map
		if outcome != nil {
			extra = fiber.Map{"payment": outcome.Payment, "refund": outcome.Refund}
		}
		return respondError(c, err, extra)
	}
	return c.JSON(outcome)
}

func (s *APIServer) GetWebhookEvent(c *fiber.Ctx, id string) error {
	ctx := c.UserContext()
	ev, err := s.deps.Events.GetEvent(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return respondError(c, dispatcher.ErrEventNotFound, nil)
		}
		return respondError(c, err, nil)
	}
	delivery, err := s.deps.Events.GetDelivery(ctx, id)
	if err != nil {
		return respondError(c, err, nil)
	}
	attempts, err := s.deps.Events.ListAttempts(ctx, id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(WebhookEventView{Event: ev, Delivery: delivery, Attempts: attempts})
}

func (s *APIServer) PostWebhookEventReplay(c *fiber.Ctx, id string) error {
	res, err := s.deps.Replayer.Replay(c.UserContext(), id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(res)
}

func (s *APIServer) GetSubscribers(c *fiber.Ctx) error {
	subs, err := s.deps.Subscribers.List(c.UserContext())
	if err != nil {
		return respondError(c, err, nil)
	}
	views := make([]SubscriberView, 0, len(subs))
	for i := range subs {
		views = append(views, newSubscriberView(&subs[i], false))
	}
	return c.JSON(fiber.Map{"subscribers": views})
}

func (s *APIServer) PostSubscriber(c *fiber.Ctx) error {
	var req CreateSubscriberRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fiber.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
	}

	sub, err := s.deps.Subscribers.Create(c.UserContext(), webhooks.CreateSubscriberInput{
		TenantID:    req.TenantID,
		URL:         req.URL,
		Secret:      req.Secret,
		EventTypes:  req.EventTypes,
		Description: req.Description,
	})
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.Status(fiber.StatusCreated).JSON(newSubscriberView(sub, true))
}

func (s *APIServer) GetSubscriber(c *fiber.Ctx, id string) error {
	sub, err := s.deps.Subscribers.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(newSubscriberView(sub, false))
}

func (s *APIServer) PostSubscriberEnable(c *fiber.Ctx, id string) error {
	sub, err := s.deps.Subscribers.Enable(c.UserContext(), id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(newSubscriberView(sub, false))
}

func (s *APIServer) PostSubscriberDisable(c *fiber.Ctx, id string) error {
	sub, err := s.deps.Subscribers.Disable(c.UserContext(), id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(newSubscriberView(sub, false))
}

func (s *APIServer) GetSubscriberReliability(c *fiber.Ctx, id string, params GetSubscriberReliabilityParams) error {
	var from, to time.Time
	if params.From != nil {
		from = *params.From
	}
	if params.To != nil {
		to = *params.To
	}
	report, err := s.deps.Reliability.Summarize(c.UserContext(), id, from, to)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(report)
}

func newSubscriberView(sub *models.WebhookSubscriber, withSecret bool) SubscriberView {
	v := SubscriberView{WebhookSubscriber: sub, EventTypes: sub.EventTypeList()}
	if v.EventTypes == nil {
		v.EventTypes = []string{}
	}
	if withSecret {
		v.Secret = sub.Secret
	}
	return v
}
