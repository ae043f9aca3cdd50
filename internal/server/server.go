// Package server exposes the HTTP API: notification inbox endpoints, alert
// management, manual evaluation triggers, the realtime transaction hook, and
// operational endpoints (dead letters, breaker states, metrics, health).
package server

import (
	"log/slog"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/finsentry/finsentry/internal/alerts"
	"github.com/finsentry/finsentry/internal/config"
	"github.com/finsentry/finsentry/internal/notify"
	"github.com/finsentry/finsentry/internal/sqlite"
)

// Options encapsulates the dependencies for a Server.
type Options struct {
	Config     *config.Config
	SQLite     *sqlite.DB
	Manager    *alerts.Manager
	Dispatcher *notify.Dispatcher
	Logger     *slog.Logger
	Version    string
}

// Server is the HTTP API server.
type Server struct {
	app        *fiber.App
	config     *config.Config
	sqlite     *sqlite.DB
	manager    *alerts.Manager
	dispatcher *notify.Dispatcher
	log        *slog.Logger
	version    string
}

// New constructs the server and registers all routes.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	app := fiber.New(fiber.Config{
		AppName:               "finsentry",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	s := &Server{
		app:        app,
		config:     opts.Config,
		sqlite:     opts.SQLite,
		manager:    opts.Manager,
		dispatcher: opts.Dispatcher,
		log:        log.With("component", "server"),
		version:    opts.Version,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", s.handleMetrics)

	api := s.app.Group("/api/v1")

	api.Post("/alerts", s.handleCreateAlert)
	api.Get("/alerts/:alertID", s.handleGetAlert)
	api.Get("/users/:userID/alerts", s.handleListAlerts)
	api.Post("/users/:userID/evaluate", s.handleEvaluateUser)
	api.Post("/transactions/evaluate", s.handleEvaluateTransaction)

	api.Get("/users/:userID/notifications", s.handleListNotifications)
	api.Get("/users/:userID/notifications/unread_count", s.handleUnreadCount)
	api.Post("/users/:userID/notifications/:notificationID/read", s.handleMarkRead)
	api.Get("/notifications/:notificationID/deliveries", s.handleListDeliveries)

	api.Get("/users/:userID/preferences", s.handleGetPreferences)
	api.Put("/users/:userID/preferences", s.handleUpdatePreferences)

	api.Get("/admin/dead_letters", s.handleListDeadLetters)
	api.Get("/admin/breakers", s.handleBreakerStates)
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.log.Info("starting http server", "addr", s.config.Server.Addr())
	return s.app.Listen(s.config.Server.Addr())
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return SendSuccess(c, fiber.StatusOK, fiber.Map{"status": "ok", "version": s.version})
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/plain; charset=utf-8")
	metrics.WritePrometheus(c.Response().BodyWriter(), true)
	return nil
}
