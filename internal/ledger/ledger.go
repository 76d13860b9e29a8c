// Package ledger is the authoritative store of positions per account. It
// owns every position mutation; funding and liquidation reach margin only
// through it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/domain"
	"github.com/novafund/lifeperp/internal/metrics"
)

// Ledger implements position accounting over a PositionStore.
type Ledger struct {
	store  domain.PositionStore
	logger *slog.Logger
}

// New creates a Ledger backed by the given store.
func New(store domain.PositionStore, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.With(slog.String("component", "ledger")),
	}
}

// Open creates a new open position for the account. The caller must have
// already deducted any fee from margin and pulled the collateral through
// custody. One open position per account.
func (l *Ledger) Open(
	ctx context.Context,
	account string,
	isLong bool,
	size, leverage, entryIndex, margin decimal.Decimal,
	now time.Time,
) (domain.Position, error) {
	switch {
	case account == "":
		return domain.Position{}, fmt.Errorf("ledger: open: empty account: %w", domain.ErrInvalidInput)
	case !size.IsPositive():
		return domain.Position{}, fmt.Errorf("ledger: open: size must be > 0: %w", domain.ErrInvalidInput)
	case !margin.IsPositive():
		return domain.Position{}, fmt.Errorf("ledger: open: margin must be > 0: %w", domain.ErrInvalidInput)
	case !entryIndex.IsPositive():
		return domain.Position{}, fmt.Errorf("ledger: open: entry index must be > 0: %w", domain.ErrInvalidInput)
	case leverage.LessThan(decimal.NewFromInt(1)):
		return domain.Position{}, fmt.Errorf("ledger: open: leverage must be >= 1: %w", domain.ErrInvalidInput)
	}

	_, err := l.store.GetOpenByAccount(ctx, account)
	switch {
	case err == nil:
		return domain.Position{}, fmt.Errorf("ledger: open %s: %w", account, domain.ErrPositionExists)
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Position{}, fmt.Errorf("ledger: open %s: lookup: %w", account, err)
	}

	pos := domain.Position{
		ID:              uuid.New().String(),
		Account:         account,
		IsLong:          isLong,
		Size:            size,
		Leverage:        leverage,
		EntryIndexValue: entryIndex,
		Margin:          margin,
		RealizedPnL:     decimal.Zero,
		Status:          domain.PositionStatusOpen,
		OpenedAt:        now,
		LastFundingAt:   now,
	}
	if err := l.store.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: open %s: %w", account, err)
	}

	metrics.PositionsTotal.WithLabelValues("opened").Inc()
	metrics.PositionsOpen.Inc()
	l.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.String("account", account),
		slog.Bool("is_long", isLong),
		slog.String("size", size.String()),
		slog.String("leverage", leverage.String()),
		slog.String("entry_index", entryIndex.String()),
	)
	return pos, nil
}

// Close voluntarily closes the position at the given exit index and returns
// the closed record together with the signed PnL. A second close on the
// same position fails with ErrAlreadyClosed.
func (l *Ledger) Close(ctx context.Context, id string, exitIndex decimal.Decimal, now time.Time) (domain.Position, decimal.Decimal, error) {
	return l.terminate(ctx, id, exitIndex, now, domain.PositionStatusClosed)
}

// MarkLiquidated transitions the position to its liquidated terminal state.
// Only the liquidation engine calls this, after its eligibility check.
func (l *Ledger) MarkLiquidated(ctx context.Context, id string, exitIndex decimal.Decimal, now time.Time) (domain.Position, decimal.Decimal, error) {
	return l.terminate(ctx, id, exitIndex, now, domain.PositionStatusLiquidated)
}

func (l *Ledger) terminate(ctx context.Context, id string, exitIndex decimal.Decimal, now time.Time, status domain.PositionStatus) (domain.Position, decimal.Decimal, error) {
	if !exitIndex.IsPositive() {
		return domain.Position{}, decimal.Zero, fmt.Errorf("ledger: close %s: exit index must be > 0: %w", id, domain.ErrInvalidInput)
	}

	pos, err := l.store.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, decimal.Zero, fmt.Errorf("ledger: close %s: %w", id, err)
	}
	if !pos.IsOpen() {
		return domain.Position{}, decimal.Zero, fmt.Errorf("ledger: close %s: %w", id, domain.ErrAlreadyClosed)
	}

	pnl := pos.PnL(exitIndex)
	closedAt := now
	pos.Status = status
	pos.ClosedAt = &closedAt
	pos.ExitIndexValue = &exitIndex
	pos.RealizedPnL = pnl

	if err := l.store.Update(ctx, pos); err != nil {
		return domain.Position{}, decimal.Zero, fmt.Errorf("ledger: close %s: %w", id, err)
	}

	kind := "closed"
	if status == domain.PositionStatusLiquidated {
		kind = "liquidated"
	}
	metrics.PositionsTotal.WithLabelValues(kind).Inc()
	metrics.PositionsOpen.Dec()
	l.logger.InfoContext(ctx, "position "+kind,
		slog.String("position_id", pos.ID),
		slog.String("account", pos.Account),
		slog.String("exit_index", exitIndex.String()),
		slog.String("pnl", pnl.String()),
	)
	return pos, pnl, nil
}

// UpdateMargin replaces the margin of an open position. Used by funding
// settlement and liquidation only; margin never goes negative.
func (l *Ledger) UpdateMargin(ctx context.Context, id string, newMargin decimal.Decimal, lastFundingAt time.Time) error {
	if newMargin.IsNegative() {
		return fmt.Errorf("ledger: update margin %s: negative margin: %w", id, domain.ErrInvalidInput)
	}

	pos, err := l.store.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("ledger: update margin %s: %w", id, err)
	}
	if !pos.IsOpen() {
		return fmt.Errorf("ledger: update margin %s: %w", id, domain.ErrAlreadyClosed)
	}

	pos.Margin = newMargin
	if !lastFundingAt.IsZero() {
		pos.LastFundingAt = lastFundingAt
	}
	if err := l.store.Update(ctx, pos); err != nil {
		return fmt.Errorf("ledger: update margin %s: %w", id, err)
	}
	return nil
}

// Get returns a position by ID.
func (l *Ledger) Get(ctx context.Context, id string) (domain.Position, error) {
	pos, err := l.store.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: get %s: %w", id, err)
	}
	return pos, nil
}

// GetOpenByAccount returns the account's open position, or ErrNotFound.
func (l *Ledger) GetOpenByAccount(ctx context.Context, account string) (domain.Position, error) {
	pos, err := l.store.GetOpenByAccount(ctx, account)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: open position for %s: %w", account, err)
	}
	return pos, nil
}

// OpenIDs pages through open-position IDs; the settlement sweep restarts
// from the returned cursor so per-call work stays bounded.
func (l *Ledger) OpenIDs(ctx context.Context, cursor string, limit int) ([]string, string, error) {
	ids, next, err := l.store.OpenIDs(ctx, cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("ledger: open ids: %w", err)
	}
	return ids, next, nil
}

// ListByAccount returns the account's position history.
func (l *Ledger) ListByAccount(ctx context.Context, account string, opts domain.ListOpts) ([]domain.Position, error) {
	positions, err := l.store.ListByAccount(ctx, account, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: list positions for %s: %w", account, err)
	}
	return positions, nil
}

// CanLiquidate reports whether the position's equity (margin plus
// unrealized PnL, computed exactly like close-time PnL) has fallen below
// the maintenance margin. Closed positions are never liquidatable.
func CanLiquidate(pos domain.Position, currentIndex, maintenanceMargin decimal.Decimal) bool {
	if !pos.IsOpen() {
		return false
	}
	return pos.Equity(currentIndex).LessThan(maintenanceMargin)
}
