package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundingEpoch records one funding settlement tick. Rate is signed: positive
// means longs paid shorts (market traded rich to the index).
type FundingEpoch struct {
	ID               int64
	Rate             decimal.Decimal
	MarkPrice        decimal.Decimal
	IndexValue       decimal.Decimal
	PositionsSettled int
	NetFlow          decimal.Decimal // sum of long debits minus short credits (rounding residual)
	SettledAt        time.Time
}

// FundingPayment is the per-position outcome of one settlement tick.
// Amount is signed from the position's point of view: positive means the
// position paid.
type FundingPayment struct {
	PositionID string
	Account    string
	EpochID    int64
	Rate       decimal.Decimal
	Amount     decimal.Decimal
	At         time.Time
}
