package server

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// RequestIDHeader carries the per-request ID in responses
const RequestIDHeader = "X-Request-ID"

func newID() string {
	return uuid.NewString()
}

// LoggingMiddleware tags each request with an ID and logs it
func LoggingMiddleware(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		id := c.Get(RequestIDHeader)
		if id == "" {
			id = newID()
		}
		c.Set(RequestIDHeader, id)

		err := c.Next()

		// Scrapes and probes are too frequent to log
		path := c.Path()
		if path == "/metrics" || path == "/health" {
			return err
		}

		logger.Info("http request",
			"request_id", id,
			"method", c.Method(),
			"path", path,
			"status", c.Response().StatusCode(),
			"latency_ms", time.Since(start).Milliseconds(),
			"ip", c.IP(),
		)

		return err
	}
}
