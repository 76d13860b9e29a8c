package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LiquidationRecord is the outcome of a forced close. Penalty is taken as a
// fixed fraction of the margin remaining after realized PnL, never of the
// original margin, so an already wiped-out account is not penalized beyond
// what remains. Payout is what was returned to the account through custody.
type LiquidationRecord struct {
	ID          string
	PositionID  string
	Account     string
	IndexValue  decimal.Decimal
	RealizedPnL decimal.Decimal
	Penalty     decimal.Decimal
	Payout      decimal.Decimal
	At          time.Time
}
