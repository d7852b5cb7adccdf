package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/ClubPay/app/repository"
	apiv1 "github.com/ManuelReschke/ClubPay/internal/api/v1"
	"github.com/ManuelReschke/ClubPay/internal/pkg/archive"
	"github.com/ManuelReschke/ClubPay/internal/pkg/cache"
	"github.com/ManuelReschke/ClubPay/internal/pkg/database"
	"github.com/ManuelReschke/ClubPay/internal/pkg/dispatcher"
	"github.com/ManuelReschke/ClubPay/internal/pkg/env"
	"github.com/ManuelReschke/ClubPay/internal/pkg/idempotency"
	"github.com/ManuelReschke/ClubPay/internal/pkg/middleware"
	"github.com/ManuelReschke/ClubPay/internal/pkg/payments"
	"github.com/ManuelReschke/ClubPay/internal/pkg/processor"
	"github.com/ManuelReschke/ClubPay/internal/pkg/reliability"
	"github.com/ManuelReschke/ClubPay/internal/pkg/router"
	"github.com/ManuelReschke/ClubPay/internal/pkg/webhooks"
)

func main() {
	app, manager := NewApplication()
	manager.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("[Main] Shutting down")
		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Printf("[Main] HTTP shutdown failed: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	// Wait for in-flight deliveries so their attempts are recorded
	manager.Stop()
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *dispatcher.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	ctx := context.Background()

	// Define possible base paths
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/clubpay to project root
		"../../../", // Fallback
	}
	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); !os.IsNotExist(err) {
			basePath = path
			break
		}
	}
	if basePath == "" {
		panic("Could not find project root directory")
	}
	specFile := basePath + "public/docs/v1/openapi.yml"
	if _, err := apiv1.LoadSpec(ctx, specFile); err != nil {
		panic(err)
	}

	repository.InitializeFactory(database.GetDB())
	repos := repository.GetGlobalRepositories()
	gateways := processor.NewRegistry(loadGateways()...)

	svc := payments.NewService(payments.Dependencies{
		Payments:       repos.Payment,
		Webhooks:       repos.Webhook,
		Gateways:       gateways,
		Idempotency:    idempotency.NewRedisStore(cache.GetClient(), idempotency.LoadConfig()),
		CommandTimeout: env.GetEnvDuration("PAYMENT_COMMAND_TIMEOUT", 30*time.Second),
	})
	receiver := payments.NewReceiver(svc, repos.Inbound, gateways)

	dispatchCfg := dispatcher.LoadConfig()
	d := dispatcher.New(repos.Webhook, dispatchCfg)

	var archiver dispatcher.DeadLetterArchiver
	archiveCfg, err := archive.LoadConfig()
	if err != nil {
		panic(err)
	}
	if archiveCfg.Enabled {
		client, err := archive.NewClient(ctx, archiveCfg)
		if err != nil {
			panic(err)
		}
		archiver = archive.NewArchiver(repos.Webhook, client, archiveCfg)
	}
	manager := dispatcher.NewManager(d, repos.Webhook, receiver, archiver, dispatcher.LoadManagerConfig())

	// init fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "change-me"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: specFile,
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	rateLimit := middleware.LoadRateLimitConfig()
	if !env.IsDev() {
		rateLimit.Storage = middleware.NewRedisStorage(cache.GetClient())
	}

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		API: apiv1.Dependencies{
			Payments:    svc,
			Subscribers: webhooks.NewSubscriberService(repos.Webhook, d),
			Replayer:    dispatcher.NewReplayer(repos.Webhook, d),
			Events:      repos.Webhook,
			Reliability: reliability.NewAggregator(repos.Webhook, dispatchCfg.MaxAttempts),
		},
		Receiver:     receiver,
		AdminKeyHash: env.GetEnv("ADMIN_API_KEY_HASH", ""),
		RateLimit:    rateLimit,
	})

	return app, manager
}

func loadGateways() []processor.Gateway {
	var gws []processor.Gateway

	stripeCfg, err := processor.LoadStripeConfig()
	if err != nil {
		panic(err)
	}
	if stripeCfg.Enabled {
		gws = append(gws, processor.NewStripeGateway(stripeCfg))
	}

	braintreeCfg, err := processor.LoadBraintreeConfig()
	if err != nil {
		panic(err)
	}
	if braintreeCfg.Enabled {
		gws = append(gws, processor.NewBraintreeGateway(braintreeCfg))
	}

	if len(gws) == 0 {
		log.Println("[Main] No payment processor enabled, inbound webhooks and commands will be rejected")
	}
	return gws
}
