// Package commands provides the CLI command definitions for finsentry.
package commands

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/finsentry/finsentry/internal/app"
	"github.com/finsentry/finsentry/pkg/models"
)

// New creates the root CLI command with all subcommands.
func New(version, commit, date string) *cli.Command {
	return &cli.Command{
		Name:    "finsentry",
		Usage:   "Financial alert evaluation and notification delivery engine",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.toml",
				Usage:   "path to config file",
				Sources: cli.EnvVars("FINSENTRY_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(version, commit, date),
			evaluateCommand(version),
			versionCommand(version, commit, date),
		},
	}
}

func serveCommand(version, commit, date string) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP server and evaluation scheduler",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			instance, err := app.New(app.Options{
				ConfigPath: cmd.String("config"),
				BuildInfo:  fmt.Sprintf("%s (%s)", commit, date),
				Version:    version,
			})
			if err != nil {
				return err
			}
			if err := instance.Initialize(ctx); err != nil {
				return err
			}

			serveErr := make(chan error, 1)
			go func() {
				serveErr <- instance.Start()
			}()

			select {
			case err := <-serveErr:
				return err
			case <-ctx.Done():
				return instance.Shutdown(context.Background())
			}
		},
	}
}

func evaluateCommand(version string) *cli.Command {
	return &cli.Command{
		Name:  "evaluate",
		Usage: "Run a one-off evaluation sweep and exit",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "user",
				Usage: "evaluate a single user's alerts instead of sweeping",
			},
			&cli.BoolFlag{
				Name:  "bills",
				Usage: "sweep upcoming_bill alerts instead of the batch types",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			instance, err := app.New(app.Options{
				ConfigPath: cmd.String("config"),
				Version:    version,
			})
			if err != nil {
				return err
			}
			// One-off runs never want the cron loop.
			instance.Config.Scheduler.Enabled = false
			if err := instance.Initialize(ctx); err != nil {
				return err
			}
			defer func() {
				_ = instance.Shutdown(context.Background())
			}()

			if userID := cmd.Int("user"); userID > 0 {
				notifications, err := instance.Alerts.EvaluateUser(ctx, models.UserID(userID))
				if err != nil {
					return err
				}
				log.Info("evaluation finished", "user_id", userID, "notifications", len(notifications))
				return nil
			}

			types := models.BatchAlertTypes
			if cmd.Bool("bills") {
				types = []models.AlertType{models.AlertTypeUpcomingBill}
			}
			created, err := instance.Alerts.EvaluateBatch(ctx, types)
			if err != nil {
				return err
			}
			log.Info("sweep finished", "notifications", created)
			return nil
		},
	}
}

func versionCommand(version, commit, date string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Printf("finsentry %s (commit %s, built %s)\n", version, commit, date)
			return nil
		},
	}
}
