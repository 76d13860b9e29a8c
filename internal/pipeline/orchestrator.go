package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner is a long-lived background job driven until context cancellation.
// The feed listener and the notification watcher both satisfy it.
type Runner interface {
	Run(ctx context.Context) error
}

// Orchestrator manages the engine's background goroutines: the report
// listener, the funding settlement ticker, the notification watcher, and
// cold-storage archival. Any component may be nil; nil components are
// skipped.
type Orchestrator struct {
	listener    Runner
	settlements *SettlementRunner
	watcher     Runner
	archiver    *Archiver
	archiveCron string
	logger      *slog.Logger
}

// NewOrchestrator creates a new Orchestrator that coordinates all background
// sub-systems.
func NewOrchestrator(
	listener Runner,
	settlements *SettlementRunner,
	watcher Runner,
	archiver *Archiver,
	archiveCron string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		listener:    listener,
		settlements: settlements,
		watcher:     watcher,
		archiver:    archiver,
		archiveCron: archiveCron,
		logger:      logger,
	}
}

// Run starts all sub-systems as concurrent goroutines using an errgroup.
// Each goroutine respects ctx cancellation. If any goroutine returns a
// non-context error, the errgroup cancels the shared context and Run
// returns that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting")

	g, ctx := errgroup.WithContext(ctx)

	if o.listener != nil {
		g.Go(func() error {
			o.logger.Info("starting report listener")
			err := o.listener.Run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("report listener: %w", err)
		})
	}

	if o.settlements != nil {
		g.Go(func() error {
			o.logger.Info("starting settlement runner")
			err := o.settlements.Run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("settlement runner: %w", err)
		})
	}

	if o.watcher != nil {
		g.Go(func() error {
			o.logger.Info("starting notification watcher")
			err := o.watcher.Run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("notification watcher: %w", err)
		})
	}

	if o.archiver != nil && o.archiveCron != "" {
		g.Go(func() error {
			o.logger.Info("starting archiver cron")
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	err := g.Wait()
	if err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
