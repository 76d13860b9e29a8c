package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RiskConfig is the admin-tunable risk parameter set. It is passed by value
// into every engine call rather than read from ambient globals, so a
// parameter change takes effect atomically at the next call boundary and
// each call sees one consistent version.
type RiskConfig struct {
	MaintenanceMargin      decimal.Decimal // equity floor below which a position is liquidatable
	MaxLeverage            decimal.Decimal
	LiquidationPenaltyRate decimal.Decimal // fraction of post-PnL remaining margin
	FundingRateCap         decimal.Decimal // symmetric bound on the funding rate
	FundingMultiplier      decimal.Decimal // scales the raw mark/index spread into a rate
	FundingInterval        time.Duration
	SettlementBatchSize    int
	UpdatedAt              time.Time
}

// RiskConfigSource hands out the current RiskConfig version. Implementations
// must return a self-consistent value; callers never observe a partially
// updated configuration.
type RiskConfigSource interface {
	Current() RiskConfig
}

// MarkPriceSource supplies the market reference execution price used to
// derive the funding rate from its spread against the index value.
type MarkPriceSource interface {
	MarkPrice(ctx context.Context) (decimal.Decimal, time.Time, error)
}
