package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"

	"outreach/config"
	controller "outreach/controllers"
	"outreach/dispatch"
	"outreach/engine"
	"outreach/idempotency"
	"outreach/middleware"
	"outreach/reconciler"
	"outreach/routes"
	"outreach/scheduler"
	"outreach/store"
	"outreach/templates"
	"outreach/utils"
	"outreach/worker"
)

// repository is what both the engine and the reconciler need from storage.
type repository interface {
	engine.Repository
	reconciler.Repository
	controller.ContactStore
}

type templateStore interface {
	templates.Store
	controller.TemplateAdmin
}

type guard interface {
	idempotency.Guard
	idempotency.Cleaner
}

// purgeNotifier forwards conversions to the retention pipeline, which
// consumes the structured event stream.
type purgeNotifier struct{}

func (purgeNotifier) OnConvert(_ context.Context, contactID string) error {
	utils.LogEvent("purge_cancelled", map[string]interface{}{"contact_id": contactID})
	return nil
}

func main() {
	logger := utils.NewLogger("main")

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	cfg := config.AppConfig

	if cfg.SentryDSN != "" {
		if err := utils.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
			logger.WithError(err).Warn("Sentry initialization failed")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := utils.SystemClock{}
	retention := idempotency.Retention{Completed: cfg.CompletedKeyRetention, Failed: cfg.FailedKeyRetention}

	var (
		repo   repository
		tmpls  templateStore
		claims guard
	)
	switch cfg.StorageDriver {
	case "postgres":
		if err := config.ConnectDB(); err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		repo = store.NewGormStore(config.DB)
		tmpls = templates.NewGormStore(config.DB)
		claims = idempotency.NewGormGuard(config.DB, clock, retention)
	default:
		logger.Warn("Using in-memory storage; state is lost on restart")
		repo = store.NewMemoryStore()
		tmpls = templates.NewMemoryStore()
		claims = idempotency.NewMemoryGuard(clock, retention)
	}

	if cfg.TemplatesFile != "" {
		seqs, err := templates.LoadFile(cfg.TemplatesFile)
		if err != nil {
			logger.WithError(err).Fatal("Failed to load sequence templates")
		}
		if err := templates.Seed(ctx, tmpls, seqs); err != nil {
			logger.WithError(err).Fatal("Failed to seed sequence templates")
		}
		logger.WithField("count", len(seqs)).Info("Sequence templates seeded")
	}

	var budget engine.SendBudget = engine.NewMemoryBudget(cfg.DailyEmailLimit, cfg.Location())
	var limiterStorage fiber.Storage
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		client, err := config.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		redisClient = client
		claims = idempotency.NewRedisGuard(client, claims, cfg.CompletedKeyRetention, utils.NewLogger("claims"))
		budget = engine.NewRedisBudget(client, cfg.DailyEmailLimit, cfg.Location())
		limiterStorage = middleware.NewRedisStorage(client)
	}

	var dispatcher dispatch.Dispatcher
	switch cfg.DispatchProvider {
	case "smtp":
		dispatcher = dispatch.NewSMTPDispatcher(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password,
			cfg.SenderEmail, cfg.SenderName)
	case "brevo":
		dispatcher = dispatch.NewBrevoDispatcher(cfg.BrevoBaseURL, cfg.BrevoAPIKey, cfg.SenderEmail, cfg.SenderName,
			cfg.DispatchTimeout)
	default:
		dispatcher = &dispatch.LogDispatcher{Logger: utils.NewLogger("dispatch")}
	}

	hub := controller.NewTransitionHub(utils.NewLogger("feed"))
	eng := engine.New(repo, tmpls, scheduler.New(clock, cfg.Location()), claims, dispatcher, clock,
		engine.Config{
			ClaimTTL:            cfg.ClaimTTL,
			DispatchTimeout:     cfg.DispatchTimeout,
			MaxDispatchAttempts: cfg.MaxDispatchAttempts,
			BatchSize:           cfg.TickBatchSize,
		},
		engine.WithBudget(budget),
		engine.WithRetention(purgeNotifier{}),
		engine.WithObserver(hub),
		engine.WithLogger(utils.NewLogger("engine")),
	)
	rec := reconciler.New(repo, tmpls, eng, clock, utils.NewLogger("reconciler"))

	// Workers
	go worker.NewSequenceWorker(eng, cfg.TickInterval, utils.NewLogger("sequence_worker")).Start(ctx)
	go worker.NewMaintenanceWorker(claims, rec, cfg.MaintenanceInterval, utils.NewLogger("maintenance_worker")).Start(ctx)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "outreach",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	app.Use(middleware.OperatorCORS(cfg.CORSOrigins))

	routes.SetupRoutes(app, routes.Handlers{
		Sequences:        controller.NewSequenceController(eng, repo, tmpls, utils.NewLogger("sequences")),
		Webhooks:         controller.NewWebhookController(rec, cfg.WebhookSecret, clock, utils.NewLogger("webhooks")),
		Feed:             hub,
		JWTSecret:        cfg.JWTSecret,
		WebhookRateLimit: cfg.WebhookRateLimit,
		LimiterStorage:   limiterStorage,
		Logger:           utils.NewLogger("routes"),
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("Shutting down...")
		cancel()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.WithError(err).Error("Server shutdown failed")
		}
	}()

	// Start server
	logger.WithField("port", cfg.ServerPort).Info("🚀 Server starting")
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logger.WithError(err).Fatal("Failed to start server")
	}

	if redisClient != nil {
		redisClient.Close()
	}
	if config.DB != nil {
		if sqlDB, err := config.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
}
