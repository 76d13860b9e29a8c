// Package liquidation forcibly closes positions whose equity has fallen
// below the maintenance margin. Liquidation is never unconditionally
// forced: eligibility is re-checked against the same index value used for
// the forced close.
package liquidation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/domain"
	"github.com/novafund/lifeperp/internal/ledger"
	"github.com/novafund/lifeperp/internal/metrics"
)

// Outcome reports the result of a forced close for the orchestrator to
// route: Payout goes back to the account, Penalty to the insurance sink.
type Outcome struct {
	Position    domain.Position
	RealizedPnL decimal.Decimal
	Penalty     decimal.Decimal
	Payout      decimal.Decimal
}

// Engine evaluates margin sufficiency and executes forced closes.
type Engine struct {
	ledger *ledger.Ledger
	store  domain.LiquidationStore
	bus    domain.SignalBus
	logger *slog.Logger
}

// New creates a liquidation Engine. store and bus may be nil.
func New(l *ledger.Ledger, store domain.LiquidationStore, bus domain.SignalBus, logger *slog.Logger) *Engine {
	return &Engine{
		ledger: l,
		store:  store,
		bus:    bus,
		logger: logger.With(slog.String("component", "liquidation")),
	}
}

// Liquidate force-closes the position at the given index value. The
// position must be eligible (equity below maintenance margin at this exact
// index value), otherwise it fails with ErrNotEligible and no state
// changes. The penalty is a fixed fraction of the margin remaining after
// realized PnL - not of the original margin - so an account that is already
// wiped out is not penalized beyond what remains.
func (e *Engine) Liquidate(ctx context.Context, positionID string, currentIndex, maintenanceMargin decimal.Decimal, cfg domain.RiskConfig, now time.Time) (Outcome, error) {
	pos, err := e.ledger.Get(ctx, positionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("liquidation: %s: %w", positionID, err)
	}
	if !pos.IsOpen() {
		return Outcome{}, fmt.Errorf("liquidation: %s: %w", positionID, domain.ErrAlreadyClosed)
	}
	if !ledger.CanLiquidate(pos, currentIndex, maintenanceMargin) {
		return Outcome{}, fmt.Errorf("liquidation: %s: equity %s above maintenance %s: %w",
			positionID, pos.Equity(currentIndex), maintenanceMargin, domain.ErrNotEligible)
	}

	closed, pnl, err := e.ledger.MarkLiquidated(ctx, positionID, currentIndex, now)
	if err != nil {
		return Outcome{}, fmt.Errorf("liquidation: %s: %w", positionID, err)
	}

	marginAfterPnL := closed.Margin.Add(pnl)
	if marginAfterPnL.IsNegative() {
		marginAfterPnL = decimal.Zero
	}
	penalty := marginAfterPnL.Mul(cfg.LiquidationPenaltyRate)
	payout := marginAfterPnL.Sub(penalty)

	rec := domain.LiquidationRecord{
		ID:          uuid.New().String(),
		PositionID:  closed.ID,
		Account:     closed.Account,
		IndexValue:  currentIndex,
		RealizedPnL: pnl,
		Penalty:     penalty,
		Payout:      payout,
		At:          now,
	}
	if e.store != nil {
		if err := e.store.Insert(ctx, rec); err != nil {
			e.logger.WarnContext(ctx, "liquidation record persist failed",
				slog.String("position_id", closed.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	metrics.LiquidationsTotal.Inc()
	e.publish(ctx, now, map[string]any{
		"position_id": closed.ID,
		"account":     closed.Account,
		"index_value": currentIndex.String(),
		"pnl":         pnl.String(),
		"penalty":     penalty.String(),
		"payout":      payout.String(),
	})
	e.logger.WarnContext(ctx, "position liquidated",
		slog.String("position_id", closed.ID),
		slog.String("account", closed.Account),
		slog.String("pnl", pnl.String()),
		slog.String("penalty", penalty.String()),
	)

	return Outcome{
		Position:    closed,
		RealizedPnL: pnl,
		Penalty:     penalty,
		Payout:      payout,
	}, nil
}

func (e *Engine) publish(ctx context.Context, now time.Time, fields map[string]any) {
	if e.bus == nil {
		return
	}
	payload, err := domain.NewEvent(domain.EventPositionLiquidated, now, fields).Marshal()
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, domain.ChannelPositions, payload); err != nil {
		e.logger.WarnContext(ctx, "liquidation event publish failed",
			slog.String("error", err.Error()),
		)
	}
}
