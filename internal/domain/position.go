package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks the lifecycle of a position. A position is created
// open and reaches a terminal status through exactly one of voluntary close
// or forced liquidation.
type PositionStatus string

const (
	PositionStatusOpen       PositionStatus = "open"
	PositionStatusClosed     PositionStatus = "closed"
	PositionStatusLiquidated PositionStatus = "liquidated"
)

// Position is a leveraged long/short exposure against the lifespan index,
// keyed one-per-account. Margin is the sole buffer against realized losses
// and funding debits; it floors at zero and is never negative.
type Position struct {
	ID              string
	Account         string
	IsLong          bool
	Size            decimal.Decimal // index units, > 0 while open
	Leverage        decimal.Decimal // >= 1, bounded by RiskConfig.MaxLeverage
	EntryIndexValue decimal.Decimal // index value at open, immutable
	Margin          decimal.Decimal // allocated collateral, >= 0
	RealizedPnL     decimal.Decimal // set on close/liquidation
	Status          PositionStatus
	OpenedAt        time.Time
	LastFundingAt   time.Time
	ClosedAt        *time.Time
	ExitIndexValue  *decimal.Decimal
}

// IsOpen reports whether the position is still live.
func (p Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// DirectionSign returns +1 for long positions and -1 for short positions.
func (p Position) DirectionSign() decimal.Decimal {
	if p.IsLong {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// Notional is the full leveraged exposure, size * leverage. Both gains and
// losses scale with it; omitting leverage here changes settlement outcomes.
func (p Position) Notional() decimal.Decimal {
	return p.Size.Mul(p.Leverage)
}

// PnL computes the signed profit or loss of exiting at the given index
// value: direction * (exit - entry) * size * leverage.
func (p Position) PnL(exitIndex decimal.Decimal) decimal.Decimal {
	return p.DirectionSign().
		Mul(exitIndex.Sub(p.EntryIndexValue)).
		Mul(p.Notional())
}

// Equity is margin plus unrealized PnL at the given index value. It may be
// negative; the liquidation check compares it against the maintenance
// margin.
func (p Position) Equity(currentIndex decimal.Decimal) decimal.Decimal {
	return p.Margin.Add(p.PnL(currentIndex))
}
