package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/novafund/lifeperp/internal/domain"
)

// FundingSettler runs one full settlement pass: compute the rate, apply it
// to every open position, and liquidate any position left below maintenance.
type FundingSettler interface {
	SettleFunding(ctx context.Context) (domain.FundingEpoch, error)
}

// SettlementRunner triggers funding settlement on a fixed interval. A
// distributed lock makes the tick single-flight across processes; losing
// the lock race means another instance is settling and the tick is skipped.
type SettlementRunner struct {
	settler  FundingSettler
	locks    domain.LockManager
	interval time.Duration
	logger   *slog.Logger
}

// NewSettlementRunner creates a SettlementRunner. locks may be nil, in which
// case ticks run unguarded (single-process deployments).
func NewSettlementRunner(settler FundingSettler, locks domain.LockManager, interval time.Duration, logger *slog.Logger) *SettlementRunner {
	return &SettlementRunner{
		settler:  settler,
		locks:    locks,
		interval: interval,
		logger:   logger.With(slog.String("component", "settlement_runner")),
	}
}

// Run ticks until the context is cancelled. Settlement failures are logged
// and the loop continues; the next tick retries.
func (r *SettlementRunner) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return fmt.Errorf("pipeline: settlement interval must be > 0")
	}

	r.logger.InfoContext(ctx, "settlement runner started",
		slog.Duration("interval", r.interval),
	)
	defer r.logger.Info("settlement runner stopped")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *SettlementRunner) tick(ctx context.Context) {
	if r.locks != nil {
		unlock, err := r.locks.Acquire(ctx, "funding_settlement", r.interval)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				r.logger.DebugContext(ctx, "settlement tick skipped, lock held elsewhere")
				return
			}
			r.logger.ErrorContext(ctx, "settlement lock acquire failed",
				slog.String("error", err.Error()),
			)
			return
		}
		defer unlock()
	}

	epoch, err := r.settler.SettleFunding(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "funding settlement failed",
			slog.String("error", err.Error()),
		)
		return
	}

	r.logger.InfoContext(ctx, "funding settled",
		slog.Int64("epoch_id", epoch.ID),
		slog.String("rate", epoch.Rate.String()),
		slog.Int("positions_settled", epoch.PositionsSettled),
	)
}
