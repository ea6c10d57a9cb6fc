package main

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"coldreach/campaign"
	"coldreach/config"
	controller "coldreach/controllers"
	"coldreach/events"
	"coldreach/middleware"
	"coldreach/repository"
	"coldreach/routes"
	"coldreach/utils"
	"coldreach/worker"
)

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if err := utils.InitLogging(config.AppConfig.Environment, config.AppConfig.SentryDSN); err != nil {
		logrus.Fatalf("Failed to initialize logging: %v", err)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}

	// Repositories
	campaigns := repository.NewCampaignRepository(config.DB)
	leads := repository.NewLeadRepository(config.DB)
	senders := repository.NewSenderRepository(config.DB)
	schedules := repository.NewScheduleRepository(config.DB)

	// Lifecycle event bus; events are dropped when redis is not configured
	var emitter events.Emitter = events.NopEmitter{}
	if client := config.NewRedisClient(); client != nil {
		emitter = events.NewRedisEmitter(client)
	}

	// Core engine
	clock := campaign.SystemClock()
	rotator := campaign.NewRotator(senders, clock, config.AppConfig.HealthFloor)
	scheduler := campaign.NewScheduler(clock, config.AppConfig.HealthFloor)
	writer := campaign.NewBatchWriter(campaigns, schedules)
	reconciler := campaign.NewReconciler(leads, senders, schedules, scheduler, writer, clock)
	lifecycle := campaign.NewLifecycle(campaigns, leads, senders, schedules,
		scheduler, reconciler, writer, emitter, clock)

	// Dispatch worker; the scheduler only plans, this loop makes rows move
	dispatcher := worker.NewDispatchWorker(campaigns, leads, senders, schedules,
		rotator, scheduler, worker.LogMailer{}, clock)
	dispatcher.Tick = time.Duration(config.AppConfig.DispatchTickSeconds) * time.Second
	dispatcher.Warmup = time.Duration(config.AppConfig.DispatchWarmupSeconds) * time.Second
	dispatcher.BatchSize = config.AppConfig.DispatchBatchSize
	dispatcher.TrackingBaseURL = config.AppConfig.TrackingBaseURL

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Start(ctx)

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	campaignController := controller.NewCampaignController(lifecycle, schedules)
	routes.SetupRoutes(app, campaignController)

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Start server
	logrus.Infof("Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logrus.Fatalf("Failed to start server: %v", err)
	}
}
