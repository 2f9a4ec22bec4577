package routes

import (
	controller "outreach/controllers"
	"outreach/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

// Handlers bundles everything the HTTP surface needs.
type Handlers struct {
	Sequences *controller.SequenceController
	Webhooks  *controller.WebhookController
	Feed      *controller.TransitionHub

	JWTSecret        string
	WebhookRateLimit int
	// Limiter storage shared between replicas. Nil keeps counters in memory.
	LimiterStorage fiber.Storage
	Logger         logrus.FieldLogger
}

var requestLogFormat = "[${time}] ${status} - ${latency} ${method} ${path}\n"

func SetupAPIRoutes(app *fiber.App, h Handlers) {
	api := app.Group("/api/v1", middleware.Operator(h.JWTSecret), logger.New(logger.Config{
		Format: requestLogFormat,
	}))

	// Contact routes
	contacts := api.Group("/contacts")
	contacts.Put("/", h.Sequences.UpsertContact)
	contacts.Post("/:id/convert", h.Sequences.ConvertContact)

	// Template routes
	tmpls := api.Group("/templates")
	tmpls.Get("/", h.Sequences.ListTemplates)
	tmpls.Put("/:name", h.Sequences.SaveTemplate)

	// Instance routes
	instances := api.Group("/instances")
	instances.Post("/", h.Sequences.Enroll)
	instances.Get("/", h.Sequences.ListInstances)
	instances.Get("/counts", h.Sequences.Counts)
	instances.Get("/:id", h.Sequences.GetInstance)
	instances.Post("/:id/pause", h.Sequences.Pause)
	instances.Post("/:id/resume", h.Sequences.Resume)
	instances.Post("/:id/stop", h.Sequences.Stop)
	instances.Post("/:id/retry", h.Sequences.Retry)
	instances.Put("/:id/personalization", h.Sequences.RefreshPersonalization)

	api.Post("/tick", h.Sequences.Tick)

	// Live transition feed
	api.Use("/feed", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/feed", websocket.New(h.Feed.HandleFeed))

	h.Logger.Info("API routes initialized successfully")
}

func SetupWebhookRoutes(app *fiber.App, h Handlers) {
	hooks := app.Group("/webhooks", logger.New(logger.Config{
		Format: requestLogFormat,
	}))
	hooks.Post("/brevo", middleware.WebhookRateLimiter(h.WebhookRateLimit, h.LimiterStorage), h.Webhooks.HandleBrevo)
}

func SetupRoutes(app *fiber.App, h Handlers) {
	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupWebhookRoutes(app, h)
	SetupAPIRoutes(app, h)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
