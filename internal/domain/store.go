package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions. It exclusively owns position records;
// no other component writes them.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	// GetOpenByAccount returns the account's open position, or ErrNotFound.
	GetOpenByAccount(ctx context.Context, account string) (Position, error)
	// OpenIDs pages through open-position IDs in a stable order. Pass an
	// empty cursor to start; an empty next cursor means the scan is done.
	// Settlement sweeps use this to bound per-call work.
	OpenIDs(ctx context.Context, cursor string, limit int) (ids []string, next string, err error)
	ListByAccount(ctx context.Context, account string, opts ListOpts) ([]Position, error)
}

// ReporterStore persists feed reporter records and their reputation state.
type ReporterStore interface {
	Upsert(ctx context.Context, r Reporter) error
	Get(ctx context.Context, id string) (Reporter, error)
	List(ctx context.Context) ([]Reporter, error)
}

// FundingStore persists settlement epochs and per-position payments.
type FundingStore interface {
	InsertEpoch(ctx context.Context, epoch FundingEpoch) (int64, error)
	InsertPayments(ctx context.Context, payments []FundingPayment) error
	LastEpoch(ctx context.Context) (FundingEpoch, error)
	ListEpochs(ctx context.Context, opts ListOpts) ([]FundingEpoch, error)
	ListPaymentsByAccount(ctx context.Context, account string, opts ListOpts) ([]FundingPayment, error)
}

// LiquidationStore persists liquidation outcomes.
type LiquidationStore interface {
	Insert(ctx context.Context, rec LiquidationRecord) error
	ListByAccount(ctx context.Context, account string, opts ListOpts) ([]LiquidationRecord, error)
	ListRecent(ctx context.Context, limit int) ([]LiquidationRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// CustodyLedger is the external token-balance system. The engine pulls
// collateral in on open and pushes payouts out on close and liquidation.
// Transfers can fail; a failure is fatal to the enclosing operation and no
// engine state is committed after one.
type CustodyLedger interface {
	Pull(ctx context.Context, account string, amount decimal.Decimal) error
	Push(ctx context.Context, account string, amount decimal.Decimal) error
	Balance(ctx context.Context, account string) (decimal.Decimal, error)
}
