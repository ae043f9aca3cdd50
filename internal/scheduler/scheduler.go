// Package scheduler drives the periodic evaluation sweeps: the batch sweep
// over account, goal, and spending alerts, and the daily upcoming-bill
// sweep.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/finsentry/finsentry/internal/config"
	"github.com/finsentry/finsentry/pkg/models"
)

// Manager is the slice of the evaluation manager the scheduler drives.
type Manager interface {
	EvaluateBatch(ctx context.Context, types []models.AlertType) (int, error)
}

// Options encapsulates the dependencies for a Scheduler.
type Options struct {
	Config  config.SchedulerConfig
	Manager Manager
	Logger  *slog.Logger
}

// Scheduler owns the cron loop. Sweeps run with the scheduler's base
// context so an in-flight sweep stops when the application shuts down.
type Scheduler struct {
	cfg     config.SchedulerConfig
	manager Manager
	log     *slog.Logger

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs the scheduler without starting it.
func New(opts Options) *Scheduler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:     opts.Config,
		manager: opts.Manager,
		log:     log.With("component", "scheduler"),
		cron:    cron.New(),
		ctx:     context.Background(),
	}
}

// Start registers the sweep jobs and begins the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if _, err := s.cron.AddFunc(s.cfg.BatchSpec, s.sweepJob("batch", models.BatchAlertTypes)); err != nil {
		return fmt.Errorf("invalid batch schedule %q: %w", s.cfg.BatchSpec, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.BillSpec, s.sweepJob("bill", []models.AlertType{models.AlertTypeUpcomingBill})); err != nil {
		return fmt.Errorf("invalid bill schedule %q: %w", s.cfg.BillSpec, err)
	}

	s.cron.Start()
	s.log.Info("scheduler started", "batch_spec", s.cfg.BatchSpec, "bill_spec", s.cfg.BillSpec)
	return nil
}

// Stop cancels in-flight sweeps and waits for cron to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.log.Warn("timed out waiting for sweeps to finish")
	}
}

// sweepJob wraps a sweep so cron ticks that land while the previous run is
// still going are skipped instead of piling up overlapping sweeps.
func (s *Scheduler) sweepJob(name string, types []models.AlertType) func() {
	var running atomic.Bool
	return func() {
		if !running.CompareAndSwap(false, true) {
			s.log.Warn("previous sweep still running, skipping", "sweep", name)
			return
		}
		defer running.Store(false)
		s.runSweep(name, types)
	}
}

func (s *Scheduler) runSweep(name string, types []models.AlertType) {
	start := time.Now()
	created, err := s.manager.EvaluateBatch(s.ctx, types)
	if err != nil {
		s.log.Error("sweep failed", "sweep", name, "notifications", created, "error", err)
		return
	}
	s.log.Info("sweep finished", "sweep", name, "notifications", created, "took", time.Since(start))
}
