package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"autophoned/internal/observability"
	"autophoned/internal/rate"
)

func SetupMiddleware(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics, rateLimiter *rate.Limiter) {
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(requestid.New())

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		logger.Info("http_request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("duration", duration),
			zap.String("request_id", c.Get("X-Request-ID")),
		)

		return err
	})

	// Rate limiting on the command surface: a phone_id path parameter
	// caps how often its operations may be driven through the admin API,
	// independent of the worker's own PHONE_PING_INTERVAL.
	app.Use("/phones/:id", func(c *fiber.Ctx) error {
		phoneID := c.Params("id")
		if phoneID == "" || phoneID == "all" {
			return c.Next()
		}
		allowed, retryAfter, err := rateLimiter.Allow(c.Context(), phoneID)
		if err != nil {
			logger.Error("rate limiting error", zap.Error(err))
			return c.Next()
		}
		if !allowed {
			c.Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":               "rate limit exceeded",
				"retry_after_seconds": int(retryAfter.Seconds()),
			})
		}
		return c.Next()
	})
}
