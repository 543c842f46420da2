package app

import (
	"errors"

	"md2pdf/internal/auth"
	"md2pdf/internal/handlers"
	"md2pdf/internal/metrics"
	"md2pdf/internal/storage"
	u "md2pdf/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/monitor"
)

const minBodyLimit = 4 << 20

// Deps are the long-lived components the HTTP layer is built on.
type Deps struct {
	Service *handlers.PDFService
	// Tokens enables X-API-Key authentication and per-token limits. Nil disables both.
	Tokens *auth.Store
	// Metrics is optional; nil disables /metrics and request instrumentation.
	Metrics *metrics.Metrics
	// Store backs the readiness probe.
	Store storage.Store
	// LimiterStorage is shared by all rate limiters. Nil means in-memory.
	LimiterStorage fiber.Storage
}

// SetupApp creates and configures a new Fiber app instance
func SetupApp(cfg u.Config, d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		Prefork:               cfg.Server.Prefork,
		DisableStartupMessage: true,
		AppName:               "md2pdf",
		BodyLimit:             bodyLimit(cfg),
		ErrorHandler:          errorHandler,
	})

	RegisterMiddleware(app, cfg, d)
	RegisterRoutes(app, cfg, d)

	// Ensure all responses, including 404s, return JSON
	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	})

	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		msg = e.Message
	}

	if code >= fiber.StatusInternalServerError {
		u.Error("Request failed", "path", c.Path(), "status", code, "error", err)
	} else {
		u.Warn("Request failed", "path", c.Path(), "status", code, "message", msg)
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    code,
			"message": msg,
		},
	})
}

// bodyLimit leaves room for JSON escaping of a maximum-size markdown text.
func bodyLimit(cfg u.Config) int {
	n := cfg.Limits.MaxMarkdownBytes*2 + 4096
	if n < minBodyLimit {
		return minBodyLimit
	}
	return n
}

// RegisterRoutes mounts all route handlers to the app
func RegisterRoutes(app *fiber.App, cfg u.Config, d Deps) {
	svc := d.Service

	app.Get("/", svc.HandleRoot)
	for _, path := range cfg.Server.ConvertPaths {
		app.Post(path, svc.HandleConversion)
	}
	app.Post("/fixed-input", svc.HandleFixedInput)
	app.Get("/pdfs/:name", svc.HandleDownload)

	app.Get("/openapi.json", handlers.HandleOpenAPI)
	app.Get("/docs", handlers.HandleDocs)
	app.Get("/redoc", handlers.HandleRedoc)

	app.Get("/chrome/stats", svc.HandleChromeStats)
	if d.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(d.Metrics.Handler()))
	}
	app.Get("/monitor", monitor.New(monitor.Config{Title: "md2pdf monitor"}))
}
