// Package funding computes the funding rate from the spread between the
// market reference price and the index value, and applies signed funding
// transfers to open positions at each settlement tick.
package funding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/domain"
	"github.com/novafund/lifeperp/internal/ledger"
	"github.com/novafund/lifeperp/internal/metrics"
)

// Engine applies funding settlements through the position ledger.
type Engine struct {
	ledger *ledger.Ledger
	store  domain.FundingStore
	bus    domain.SignalBus
	logger *slog.Logger
}

// New creates a funding Engine. store and bus may be nil; the engine then
// skips epoch persistence and event publication respectively.
func New(l *ledger.Ledger, store domain.FundingStore, bus domain.SignalBus, logger *slog.Logger) *Engine {
	return &Engine{
		ledger: l,
		store:  store,
		bus:    bus,
		logger: logger.With(slog.String("component", "funding")),
	}
}

// Rate derives the signed funding rate from the mark/index spread:
// (mark - index) * multiplier / index, clamped to the symmetric cap.
// Positive means longs pay shorts (the market trades rich to the index).
// The cap turns a potential one-shot catastrophic transfer from a stale or
// manipulated reference price into a bounded periodic one.
func Rate(markPrice, indexValue decimal.Decimal, cfg domain.RiskConfig) (decimal.Decimal, error) {
	if !indexValue.IsPositive() {
		return decimal.Zero, fmt.Errorf("funding: rate: index must be > 0: %w", domain.ErrInvalidInput)
	}

	rate := markPrice.Sub(indexValue).Mul(cfg.FundingMultiplier).Div(indexValue)
	limit := cfg.FundingRateCap
	if rate.GreaterThan(limit) {
		rate = limit
	} else if rate.LessThan(limit.Neg()) {
		rate = limit.Neg()
	}
	return rate, nil
}

// SettlePosition applies one funding transfer to an open position. The
// payment is rate * size * leverage; a long pays it (margin decreases, or
// increases when the rate is negative) and a short receives the mirror.
// A debit that would push margin negative floors it at zero instead - the
// shortfall surfaces as an implicit loss at the next liquidation check,
// never as an underflow.
func (e *Engine) SettlePosition(ctx context.Context, pos domain.Position, rate decimal.Decimal, epochID int64, now time.Time) (domain.FundingPayment, error) {
	if !pos.IsOpen() {
		return domain.FundingPayment{}, fmt.Errorf("funding: settle %s: %w", pos.ID, domain.ErrAlreadyClosed)
	}

	// Amount is signed from the position's point of view: positive means
	// this position pays.
	amount := rate.Mul(pos.Notional())
	if !pos.IsLong {
		amount = amount.Neg()
	}

	newMargin := pos.Margin.Sub(amount)
	if newMargin.IsNegative() {
		newMargin = decimal.Zero
	}

	if err := e.ledger.UpdateMargin(ctx, pos.ID, newMargin, now); err != nil {
		return domain.FundingPayment{}, fmt.Errorf("funding: settle %s: %w", pos.ID, err)
	}

	payment := domain.FundingPayment{
		PositionID: pos.ID,
		Account:    pos.Account,
		EpochID:    epochID,
		Rate:       rate,
		Amount:     amount,
		At:         now,
	}

	metrics.FundingSettlementsTotal.Inc()
	e.publish(ctx, now, map[string]any{
		"position_id": pos.ID,
		"account":     pos.Account,
		"rate":        rate.String(),
		"amount":      amount.String(),
		"margin":      newMargin.String(),
	})
	return payment, nil
}

// SettleDue applies funding to a single position only when its funding
// interval has elapsed. Used by the pre/post action hooks so a position is
// settled at most once per interval regardless of trading activity.
func (e *Engine) SettleDue(ctx context.Context, pos domain.Position, rate decimal.Decimal, now time.Time, cfg domain.RiskConfig) (domain.FundingPayment, bool, error) {
	if now.Sub(pos.LastFundingAt) < cfg.FundingInterval {
		return domain.FundingPayment{}, false, nil
	}
	payment, err := e.SettlePosition(ctx, pos, rate, 0, now)
	if err != nil {
		return domain.FundingPayment{}, false, err
	}
	if e.store != nil {
		if err := e.store.InsertPayments(ctx, []domain.FundingPayment{payment}); err != nil {
			e.logger.WarnContext(ctx, "funding payment persist failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return payment, true, nil
}

// SettleSweep runs one full settlement tick over every open position,
// paging through the ledger's open-position index in batches so per-call
// work stays bounded. It records a funding epoch with the applied rate and
// the per-position payments.
func (e *Engine) SettleSweep(ctx context.Context, rate, markPrice, indexValue decimal.Decimal, now time.Time, cfg domain.RiskConfig) (domain.FundingEpoch, error) {
	batchSize := cfg.SettlementBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	var (
		payments []domain.FundingPayment
		netFlow  = decimal.Zero
		cursor   string
	)
	for {
		ids, next, err := e.ledger.OpenIDs(ctx, cursor, batchSize)
		if err != nil {
			return domain.FundingEpoch{}, fmt.Errorf("funding: sweep: %w", err)
		}
		for _, id := range ids {
			pos, err := e.ledger.Get(ctx, id)
			if err != nil {
				return domain.FundingEpoch{}, fmt.Errorf("funding: sweep: %w", err)
			}
			if !pos.IsOpen() {
				continue
			}
			payment, err := e.SettlePosition(ctx, pos, rate, 0, now)
			if err != nil {
				return domain.FundingEpoch{}, err
			}
			payments = append(payments, payment)
			netFlow = netFlow.Add(payment.Amount)
		}
		if next == "" {
			break
		}
		cursor = next
	}

	epoch := domain.FundingEpoch{
		Rate:             rate,
		MarkPrice:        markPrice,
		IndexValue:       indexValue,
		PositionsSettled: len(payments),
		NetFlow:          netFlow,
		SettledAt:        now,
	}

	if e.store != nil {
		id, err := e.store.InsertEpoch(ctx, epoch)
		if err != nil {
			return domain.FundingEpoch{}, fmt.Errorf("funding: sweep: record epoch: %w", err)
		}
		epoch.ID = id
		for i := range payments {
			payments[i].EpochID = id
		}
		if len(payments) > 0 {
			if err := e.store.InsertPayments(ctx, payments); err != nil {
				return domain.FundingEpoch{}, fmt.Errorf("funding: sweep: record payments: %w", err)
			}
		}
	}

	e.logger.InfoContext(ctx, "funding sweep settled",
		slog.String("rate", rate.String()),
		slog.Int("positions", len(payments)),
		slog.String("net_flow", netFlow.String()),
	)
	return epoch, nil
}

func (e *Engine) publish(ctx context.Context, now time.Time, fields map[string]any) {
	if e.bus == nil {
		return
	}
	payload, err := domain.NewEvent(domain.EventFundingApplied, now, fields).Marshal()
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, domain.ChannelFunding, payload); err != nil {
		e.logger.WarnContext(ctx, "funding event publish failed",
			slog.String("error", err.Error()),
		)
	}
}
