// Package server provides the HTTP and WebSocket API of go-tdoa
package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-tdoa/internal/config"
	"github.com/teslashibe/go-tdoa/internal/health"
	"github.com/teslashibe/go-tdoa/internal/locator"
	"github.com/teslashibe/go-tdoa/internal/metrics"
)

// FixLister reads persisted fixes, newest first.
type FixLister interface {
	Recent(ctx context.Context, limit int) ([]locator.Fix, error)
}

// Deps are the components the API serves. Locator, Fleet and Queue are
// required; the rest may be nil.
type Deps struct {
	Locator *locator.Locator
	Fleet   locator.Fleet
	Queue   *locator.QueueSource
	Store   FixLister
	Metrics *metrics.Collector
	Health  *health.Checker
}

// Server is the HTTP server for go-tdoa
type Server struct {
	app    *fiber.App
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
	wsHub  *WSHub
}

// New creates a new HTTP server
func New(cfg *config.Config, deps Deps, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Health == nil {
		deps.Health = health.NewChecker(version)
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-tdoa",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(logger))

	s := &Server{
		app:    app,
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		wsHub:  NewWSHub(deps.Locator, logger),
	}

	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/metrics", s.metricsHandler())

	api := s.app.Group("/api")

	api.Post("/solve", s.solveHandler)
	api.Post("/events", s.eventHandler)

	api.Get("/fixes", s.fixesHandler)
	api.Get("/fixes/latest", s.latestHandler)
	api.Get("/fixes/stream", s.wsHub.UpgradeHandler())

	api.Get("/platforms", s.platformsHandler)
	api.Get("/stats", s.statsHandler)
	api.Get("/config", s.configHandler)
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	s.deps.Health.Refresh(c.UserContext())
	return c.JSON(s.deps.Health.GetStatus())
}

func (s *Server) metricsHandler() fiber.Handler {
	if s.deps.Metrics == nil {
		return func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusServiceUnavailable).SendString("# metrics disabled\n")
		}
	}
	return adaptor.HTTPHandler(s.deps.Metrics.Handler())
}

// Start starts the HTTP server and the fix stream hub
func (s *Server) Start(ctx context.Context) error {
	go s.wsHub.Run(ctx)

	s.logger.Info("starting HTTP server",
		"port", s.cfg.Server.Port,
	)

	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Server.Port))
}

// App exposes the fiber app, mainly for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// WSHub returns the fix stream hub
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	s.wsHub.Close()

	if t := s.cfg.Server.GracefulTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- s.app.Shutdown()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
