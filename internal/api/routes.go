package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"autophoned/internal/auth"
	"autophoned/internal/observability"
	"autophoned/internal/rate"
)

func SetupRoutes(
	app *fiber.App,
	logger *zap.Logger,
	metrics *observability.Metrics,
	handlers *Handlers,
	authService *auth.Service,
	rateLimiter *rate.Limiter,
) {
	SetupMiddleware(app, logger, metrics, rateLimiter)

	app.Get("/healthz", handlers.HealthCheck)
	app.Get("/readyz", handlers.ReadyCheck)

	// promhttp serves whatever the otel Prometheus exporter registered
	// against the default registry, including every instrument in
	// observability.Metrics (wired by SetupOpenTelemetry at startup).
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	admin := app.Group("/", authService.RequireBearer())
	admin.Get("/status", handlers.Status)
	admin.Post("/phones/:id/jobs", handlers.EnqueueJob)
	admin.Post("/phones/:id/command", handlers.SubmitCommand)
}
