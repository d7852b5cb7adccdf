package apiv1

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// Health check
	// (GET /ping)
	GetPing(c *fiber.Ctx) error
	// Record a processor authorization
	// (POST /admin/payments)
	PostPayment(c *fiber.Ctx) error
	// Payment with refunds and status history
	// (GET /admin/payments/{id})
	GetPayment(c *fiber.Ctx, id string) error
	// (POST /admin/payments/{id}/capture)
	PostPaymentCapture(c *fiber.Ctx, id string) error
	// (POST /admin/payments/{id}/void)
	PostPaymentVoid(c *fiber.Ctx, id string) error
	// (POST /admin/payments/{id}/refund)
	PostPaymentRefund(c *fiber.Ctx, id string) error
	// Event with delivery state and attempts
	// (GET /admin/webhook-events/{id})
	GetWebhookEvent(c *fiber.Ctx, id string) error
	// (POST /admin/webhook-events/{id}/replay)
	PostWebhookEventReplay(c *fiber.Ctx, id string) error
	// (GET /admin/subscribers)
	GetSubscribers(c *fiber.Ctx) error
	// (POST /admin/subscribers)
	PostSubscriber(c *fiber.Ctx) error
	// (GET /admin/subscribers/{id})
	GetSubscriber(c *fiber.Ctx, id string) error
	// (POST /admin/subscribers/{id}/enable)
	PostSubscriberEnable(c *fiber.Ctx, id string) error
	// (POST /admin/subscribers/{id}/disable)
	PostSubscriberDisable(c *fiber.Ctx, id string) error
	// (GET /admin/subscribers/{id}/reliability)
	GetSubscriberReliability(c *fiber.Ctx, id string, params GetSubscriberReliabilityParams) error
}

// GetSubscriberReliabilityParams defines parameters for GetSubscriberReliability.
type GetSubscriberReliabilityParams struct {
	From *time.Time
	To   *time.Time
}

// ServerInterfaceWrapper converts contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

type MiddlewareFunc fiber.Handler

func (siw *ServerInterfaceWrapper) GetPing(c *fiber.Ctx) error {
	return siw.Handler.GetPing(c)
}

func (siw *ServerInterfaceWrapper) PostPayment(c *fiber.Ctx) error {
	return siw.Handler.PostPayment(c)
}

func (siw *ServerInterfaceWrapper) GetPayment(c *fiber.Ctx) error {
	return siw.Handler.GetPayment(c, c.Params("id"))
}

func (siw *ServerInterfaceWrapper) PostPaymentCapture(c *fiber.Ctx) error {
	return siw.Handler.PostPaymentCapture(c, c.Params("id"))
}

func (siw *ServerInterfaceWrapper) PostPaymentVoid(c *fiber.Ctx) error {
	return siw.Handler.PostPaymentVoid(c, c.Params("id"))
}

func (siw *ServerInterfaceWrapper) PostPaymentRefund(c *fiber.Ctx) error {
	return siw.Handler.PostPaymentRefund(c, c.Params("id"))
}

func (siw *ServerInterfaceWrapper) GetWebhookEvent(c *fiber.Ctx) error {
	return siw.Handler.GetWebhookEvent(c, c.Params("id"))
}

func (siw *ServerInterfaceWrapper) PostWebhookEventReplay(c *fiber.Ctx) error {
	return siw.Handler.PostWebhookEventReplay(c, c.Params("id"))
}

func (siw *ServerInterfaceWrapper) GetSubscribers(c *fiber.Ctx) error {
	return siw.Handler.GetSubscribers(c)
}

func (siw *ServerInterfaceWrapper) PostSubscriber(c *fiber.Ctx) error {
	return siw.Handler.PostSubscriber(c)
}

func (siw *ServerInterfaceWrapper) GetSubscriber(c *fiber.Ctx) error {
	return siw.Handler.GetSubscriber(c, c.Params("id"))
}

func (siw *ServerInterfaceWrapper) PostSubscriberEnable(c *fiber.Ctx) error {
	return siw.Handler.PostSubscriberEnable(c, c.Params("id"))
}

func (siw *ServerInterfaceWrapper) PostSubscriberDisable(c *fiber.Ctx) error {
	return siw.Handler.PostSubscriberDisable(c, c.Params("id"))
}

func (siw *ServerInterfaceWrapper) GetSubscriberReliability(c *fiber.Ctx) error {
	var params GetSubscriberReliabilityParams
	for name, dst := range map[string]**time.Time{"from": &params.From, "to": &params.To} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "VALIDATION_ERROR", "Invalid format for parameter "+name+": expected RFC 3339 time")
		}
		*dst = &t
	}
	return siw.Handler.GetSubscriberReliability(c, c.Params("id"), params)
}

// FiberServerOptions provides options for the Fiber server.
type FiberServerOptions struct {
	BaseURL     string
	Middlewares []MiddlewareFunc
}

// RegisterHandlers creates http.Handler with routing matching OpenAPI spec.
func RegisterHandlers(router fiber.Router, si ServerInterface) {
	RegisterHandlersWithOptions(router, si, FiberServerOptions{})
}

// RegisterHandlersWithOptions creates http.Handler with additional options
func RegisterHandlersWithOptions(router fiber.Router, si ServerInterface, options FiberServerOptions) {
	wrapper := ServerInterfaceWrapper{
		Handler: si,
	}

	for _, m := range options.Middlewares {
		router.Use(fiber.Handler(m))
	}

	router.Get(options.BaseURL+"/ping", wrapper.GetPing)

	router.Post(options.BaseURL+"/admin/payments", wrapper.PostPayment)
	router.Get(options.BaseURL+"/admin/payments/:id", wrapper.GetPayment)
	router.Post(options.BaseURL+"/admin/payments/:id/capture", wrapper.PostPaymentCapture)
	router.Post(options.BaseURL+"/admin/payments/:id/void", wrapper.PostPaymentVoid)
	router.Post(options.BaseURL+"/admin/payments/:id/refund", wrapper.PostPaymentRefund)

	router.Get(options.BaseURL+"/admin/webhook-events/:id", wrapper.GetWebhookEvent)
	router.Post(options.BaseURL+"/admin/webhook-events/:id/replay", wrapper.PostWebhookEventReplay)

	router.Get(options.BaseURL+"/admin/subscribers", wrapper.GetSubscribers)
	router.Post(options.BaseURL+"/admin/subscribers", wrapper.PostSubscriber)
	router.Get(options.BaseURL+"/admin/subscribers/:id", wrapper.GetSubscriber)
	router.Post(options.BaseURL+"/admin/subscribers/:id/enable", wrapper.PostSubscriberEnable)
	router.Post(options.BaseURL+"/admin/subscribers/:id/disable", wrapper.PostSubscriberDisable)
	router.Get(options.BaseURL+"/admin/subscribers/:id/reliability", wrapper.GetSubscriberReliability)
}
