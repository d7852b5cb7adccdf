package router

import (
	"github.com/gofiber/fiber/v2"

	apiv1 "github.com/ManuelReschke/ClubPay/internal/api/v1"
	"github.com/ManuelReschke/ClubPay/internal/pkg/middleware"
	"github.com/ManuelReschke/ClubPay/internal/pkg/payments"
)

// Router installs a group of routes on the app
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies wires the HTTP surface to the services behind it
type Dependencies struct {
	API          apiv1.Dependencies
	Receiver     *payments.Receiver
	AdminKeyHash string
	RateLimit    middleware.RateLimitConfig
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// Processor webhooks are signature-verified and stay outside the
	// admin rate limit so retries from the processor are never throttled.
	setup(app,
		NewWebhookRouter(deps.Receiver),
		NewApiRouter(apiv1.NewAPIServer(deps.API), deps.AdminKeyHash, deps.RateLimit),
	)
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
