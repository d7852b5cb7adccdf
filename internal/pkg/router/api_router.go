package router

import (
	"github.com/gofiber/fiber/v2"

	apiv1 "github.com/ManuelReschke/ClubPay/internal/api/v1"
	"github.com/ManuelReschke/ClubPay/internal/pkg/middleware"
)

type ApiRouter struct {
	server       apiv1.ServerInterface
	adminKeyHash string
	rateLimit    middleware.RateLimitConfig
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes, admin endpoints behind rate limit and API key
	v1 := api.Group("/v1")
	v1.Use("/admin", middleware.RateLimiter(h.rateLimit), middleware.AdminAPIKey(h.adminKeyHash))
	apiv1.RegisterHandlers(v1, h.server)
}

func NewApiRouter(server apiv1.ServerInterface, adminKeyHash string, rateLimit middleware.RateLimitConfig) *ApiRouter {
	return &ApiRouter{server: server, adminKeyHash: adminKeyHash, rateLimit: rateLimit}
}
