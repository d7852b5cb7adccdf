package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ClubPay/app/controllers"
	"github.com/ManuelReschke/ClubPay/internal/pkg/payments"
)

type WebhookRouter struct {
	receiver *payments.Receiver
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	pwc := controllers.NewProcessorWebhookController(h.receiver)
	app.Post("/webhooks/processors/:processor", pwc.HandleProcessorWebhook)
}

func NewWebhookRouter(receiver *payments.Receiver) *WebhookRouter {
	return &WebhookRouter{receiver: receiver}
}
