package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/finsentry/finsentry/internal/alerts"
	"github.com/finsentry/finsentry/internal/config"
	"github.com/finsentry/finsentry/internal/notify"
	"github.com/finsentry/finsentry/internal/scheduler"
	"github.com/finsentry/finsentry/internal/server"
	"github.com/finsentry/finsentry/internal/sqlite"
	"github.com/finsentry/finsentry/pkg/logger"
)

// App represents the core application context, holding dependencies and configuration.
type App struct {
	Config     *config.Config
	SQLite     *sqlite.DB
	Logger     *slog.Logger
	Alerts     *alerts.Manager
	Dispatcher *notify.Dispatcher
	Scheduler  *scheduler.Scheduler
	server     *server.Server
	BuildInfo  string
	Version    string
}

// Options contains configuration needed when creating a new App instance.
type Options struct {
	ConfigPath string
	BuildInfo  string
	Version    string
}

// New creates and configures a new App instance.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	app := &App{
		Config:    cfg,
		Logger:    logger.New(cfg.Logging.Level == "debug"),
		BuildInfo: opts.BuildInfo,
		Version:   opts.Version,
	}

	return app, nil
}

// Initialize sets up application components: the database, the delivery
// dispatcher, the evaluation manager, the scheduler, and the HTTP server.
func (a *App) Initialize(ctx context.Context) error {
	var err error

	a.SQLite, err = sqlite.New(sqlite.Options{
		Config: a.Config.SQLite,
		Logger: a.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sqlite: %w", err)
	}

	a.Dispatcher = notify.NewDispatcher(notify.DispatcherOptions{
		Ledger: a.SQLite,
		Channels: []notify.Channel{
			notify.NewInAppChannel(nil, a.Logger),
			notify.NewEmailChannel(a.Config.Channels.Email, a.Logger),
			notify.NewSMSChannel(a.Config.Channels.SMS, a.Logger),
		},
		Breaker: a.Config.Channels.Breaker,
		Logger:  a.Logger,
	})

	a.Alerts = alerts.NewManager(alerts.Options{
		Config:          a.Config.Alerts,
		Store:           a.SQLite,
		Logger:          a.Logger,
		Dispatcher:      a.Dispatcher,
		IsStateConflict: sqlite.IsStateConflict,
	})

	a.Scheduler = scheduler.New(scheduler.Options{
		Config:  a.Config.Scheduler,
		Manager: a.Alerts,
		Logger:  a.Logger,
	})
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	a.server = server.New(server.Options{
		Config:     a.Config,
		SQLite:     a.SQLite,
		Manager:    a.Alerts,
		Dispatcher: a.Dispatcher,
		Logger:     a.Logger,
		Version:    a.Version,
	})

	return nil
}

// Start begins the application's main execution loop (starts the HTTP server).
func (a *App) Start() error {
	if a.server == nil {
		return fmt.Errorf("server not initialized")
	}
	return a.server.Start()
}

// Shutdown gracefully stops all application components with timeouts.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down application")

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	if a.Scheduler != nil {
		a.Logger.Info("stopping scheduler")
		a.Scheduler.Stop()
	}

	// Shutdown server first to stop accepting new requests.
	if a.server != nil {
		a.Logger.Info("shutting down HTTP server")

		serverDone := make(chan error, 1)
		go func() {
			serverDone <- a.server.Shutdown()
		}()

		select {
		case err := <-serverDone:
			if err != nil {
				a.Logger.Error("error shutting down server", "error", err)
			}
		case <-ctx.Done():
			a.Logger.Warn("timeout shutting down HTTP server, continuing")
		}
	}

	if a.SQLite != nil {
		a.Logger.Info("closing SQLite connection")
		if err := a.SQLite.Close(); err != nil {
			a.Logger.Error("error closing SQLite", "error", err)
		}
	}

	a.Logger.Info("application shutdown complete")
	return nil
}
