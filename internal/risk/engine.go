// Package risk is the orchestrator facade over the feed aggregator,
// position ledger, funding engine, and liquidation engine. Every
// user-initiated action flows through here: it reads the index value once,
// settles funding, mutates positions, and requests liquidation when
// solvency is breached - all under one serialized call so no nested or
// concurrent mutation observes partial state.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/domain"
	"github.com/novafund/lifeperp/internal/feed"
	"github.com/novafund/lifeperp/internal/funding"
	"github.com/novafund/lifeperp/internal/ledger"
	"github.com/novafund/lifeperp/internal/liquidation"
)

// inFlightKey carries the set of accounts already being mutated on this
// call path. A nested engine invocation for the same account is rejected
// instead of deadlocking: partial state (margin debited, liquidation not
// yet evaluated) must never be observable to a nested call.
type inFlightKey struct{}

func inFlight(ctx context.Context) map[string]bool {
	m, _ := ctx.Value(inFlightKey{}).(map[string]bool)
	return m
}

// Engine sequences the engine components for every entry point.
type Engine struct {
	// mu serializes all mutating operations. The engine's execution model
	// is sequential and transactional; financial invariants depend on
	// read-then-write atomicity across a whole call.
	mu sync.Mutex

	feed    *feed.Aggregator
	ledger  *ledger.Ledger
	funding *funding.Engine
	liq     *liquidation.Engine
	custody domain.CustodyLedger
	mark    domain.MarkPriceSource
	cfg     domain.RiskConfigSource

	audit domain.AuditStore // optional
	bus   domain.SignalBus  // optional

	// insuranceAccount receives liquidation penalties through custody.
	insuranceAccount string

	logger *slog.Logger
}

// Config carries the Engine's construction parameters.
type Config struct {
	InsuranceAccount string
}

// New creates an Engine. audit and bus may be nil.
func New(
	fd *feed.Aggregator,
	l *ledger.Ledger,
	fe *funding.Engine,
	le *liquidation.Engine,
	custody domain.CustodyLedger,
	mark domain.MarkPriceSource,
	cfgSource domain.RiskConfigSource,
	audit domain.AuditStore,
	bus domain.SignalBus,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		feed:             fd,
		ledger:           l,
		funding:          fe,
		liq:              le,
		custody:          custody,
		mark:             mark,
		cfg:              cfgSource,
		audit:            audit,
		bus:              bus,
		insuranceAccount: cfg.InsuranceAccount,
		logger:           logger.With(slog.String("component", "risk_engine")),
	}
}

// begin acquires the engine lock and marks the account as in flight on the
// returned context. The returned release func must be deferred.
func (e *Engine) begin(ctx context.Context, account string) (context.Context, func(), error) {
	if inFlight(ctx)[account] {
		return nil, nil, fmt.Errorf("risk: %s: %w", account, domain.ErrReentrantCall)
	}
	e.mu.Lock()

	marked := make(map[string]bool, len(inFlight(ctx))+1)
	for k := range inFlight(ctx) {
		marked[k] = true
	}
	marked[account] = true
	return context.WithValue(ctx, inFlightKey{}, marked), e.mu.Unlock, nil
}

// OpenPosition opens a leveraged position for the account. Collateral is
// pulled through custody before any position state is created; a transfer
// failure aborts the operation with no state committed.
func (e *Engine) OpenPosition(ctx context.Context, account string, isLong bool, size, leverage, margin decimal.Decimal) (domain.Position, error) {
	cfg := e.cfg.Current()
	if leverage.GreaterThan(cfg.MaxLeverage) {
		return domain.Position{}, fmt.Errorf("risk: open %s: leverage %s exceeds max %s: %w",
			account, leverage, cfg.MaxLeverage, domain.ErrInvalidInput)
	}

	ctx, release, err := e.begin(ctx, account)
	if err != nil {
		return domain.Position{}, err
	}
	defer release()

	now := time.Now().UTC()
	index, err := e.feed.ReadValue(now)
	if err != nil {
		return domain.Position{}, fmt.Errorf("risk: open %s: %w", account, err)
	}

	if err := e.custody.Pull(ctx, account, margin); err != nil {
		return domain.Position{}, fmt.Errorf("risk: open %s: pull collateral: %w", account, err)
	}

	pos, err := e.ledger.Open(ctx, account, isLong, size, leverage, index, margin, now)
	if err != nil {
		// Collateral was pulled but no position exists; return it.
		if pushErr := e.custody.Push(ctx, account, margin); pushErr != nil {
			e.logger.ErrorContext(ctx, "collateral refund failed after rejected open",
				slog.String("account", account),
				slog.String("amount", margin.String()),
				slog.String("error", pushErr.Error()),
			)
		}
		return domain.Position{}, err
	}

	e.publish(ctx, domain.EventPositionOpened, now, map[string]any{
		"position_id": pos.ID,
		"account":     account,
		"is_long":     isLong,
		"size":        size.String(),
		"leverage":    leverage.String(),
		"entry_index": index.String(),
		"margin":      margin.String(),
	})
	e.auditLog(ctx, domain.EventPositionOpened, map[string]any{
		"position_id": pos.ID,
		"account":     account,
		"entry_index": index.String(),
	})
	return pos, nil
}

// ClosePosition voluntarily closes the account's position at the current
// index value and pays out margin plus PnL (floored at zero) through
// custody. Funding due since the last settlement is applied first so the
// payout reflects it.
func (e *Engine) ClosePosition(ctx context.Context, account, positionID string) (decimal.Decimal, error) {
	ctx, release, err := e.begin(ctx, account)
	if err != nil {
		return decimal.Zero, err
	}
	defer release()

	pos, err := e.ledger.Get(ctx, positionID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("risk: close %s: %w", positionID, err)
	}
	if pos.Account != account {
		return decimal.Zero, fmt.Errorf("risk: close %s: account mismatch: %w", positionID, domain.ErrNotAuthorized)
	}
	if !pos.IsOpen() {
		return decimal.Zero, fmt.Errorf("risk: close %s: %w", positionID, domain.ErrAlreadyClosed)
	}

	now := time.Now().UTC()
	cfg := e.cfg.Current()
	index, err := e.feed.ReadValue(now)
	if err != nil {
		return decimal.Zero, fmt.Errorf("risk: close %s: %w", positionID, err)
	}

	pos, err = e.settleDue(ctx, pos, index, now, cfg)
	if err != nil {
		return decimal.Zero, fmt.Errorf("risk: close %s: %w", positionID, err)
	}

	closed, pnl, err := e.ledger.Close(ctx, positionID, index, now)
	if err != nil {
		return decimal.Zero, err
	}

	payout := closed.Margin.Add(pnl)
	if payout.IsNegative() {
		payout = decimal.Zero
	}
	if payout.IsPositive() {
		if err := e.custody.Push(ctx, account, payout); err != nil {
			return decimal.Zero, fmt.Errorf("risk: close %s: push payout: %w", positionID, err)
		}
	}

	e.publish(ctx, domain.EventPositionClosed, now, map[string]any{
		"position_id": closed.ID,
		"account":     account,
		"exit_index":  index.String(),
		"pnl":         pnl.String(),
		"payout":      payout.String(),
	})
	e.auditLog(ctx, domain.EventPositionClosed, map[string]any{
		"position_id": closed.ID,
		"account":     account,
		"pnl":         pnl.String(),
	})
	return pnl, nil
}

// BeforeAction is the venue pre-trade hook: it settles funding due on the
// account's position and liquidates it when solvency is already breached,
// so the venue's own effect starts from a clean margin state.
func (e *Engine) BeforeAction(ctx context.Context, account string) error {
	return e.checkAccount(ctx, account)
}

// AfterAction is the venue post-trade hook, identical in effect to
// BeforeAction but run after the venue's own mutation.
func (e *Engine) AfterAction(ctx context.Context, account string) error {
	return e.checkAccount(ctx, account)
}

func (e *Engine) checkAccount(ctx context.Context, account string) error {
	ctx, release, err := e.begin(ctx, account)
	if err != nil {
		return err
	}
	defer release()

	pos, err := e.ledger.GetOpenByAccount(ctx, account)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("risk: check %s: %w", account, err)
	}

	now := time.Now().UTC()
	cfg := e.cfg.Current()
	index, err := e.feed.ReadValue(now)
	if err != nil {
		return fmt.Errorf("risk: check %s: %w", account, err)
	}

	pos, err = e.settleDue(ctx, pos, index, now, cfg)
	if err != nil {
		return fmt.Errorf("risk: check %s: %w", account, err)
	}

	if !ledger.CanLiquidate(pos, index, cfg.MaintenanceMargin) {
		return nil
	}

	out, err := e.liq.Liquidate(ctx, pos.ID, index, cfg.MaintenanceMargin, cfg, now)
	if err != nil {
		return fmt.Errorf("risk: check %s: %w", account, err)
	}
	return e.routeLiquidation(ctx, out)
}

// Liquidate is the keeper-facing entry point: anyone may request a
// liquidation, but it only succeeds when the position is genuinely
// under-margined at the current index value.
func (e *Engine) Liquidate(ctx context.Context, positionID string) (liquidation.Outcome, error) {
	pos, err := e.ledger.Get(ctx, positionID)
	if err != nil {
		return liquidation.Outcome{}, fmt.Errorf("risk: liquidate %s: %w", positionID, err)
	}

	ctx, release, err := e.begin(ctx, pos.Account)
	if err != nil {
		return liquidation.Outcome{}, err
	}
	defer release()

	now := time.Now().UTC()
	cfg := e.cfg.Current()
	index, err := e.feed.ReadValue(now)
	if err != nil {
		return liquidation.Outcome{}, fmt.Errorf("risk: liquidate %s: %w", positionID, err)
	}

	out, err := e.liq.Liquidate(ctx, positionID, index, cfg.MaintenanceMargin, cfg, now)
	if err != nil {
		return liquidation.Outcome{}, err
	}
	if err := e.routeLiquidation(ctx, out); err != nil {
		return liquidation.Outcome{}, err
	}
	return out, nil
}

// SettleFunding runs one funding settlement tick over all open positions,
// then liquidates any position the settlement pushed below maintenance.
func (e *Engine) SettleFunding(ctx context.Context) (domain.FundingEpoch, error) {
	ctx, release, err := e.begin(ctx, "")
	if err != nil {
		return domain.FundingEpoch{}, err
	}
	defer release()

	now := time.Now().UTC()
	cfg := e.cfg.Current()

	index, err := e.feed.ReadValue(now)
	if err != nil {
		return domain.FundingEpoch{}, fmt.Errorf("risk: settle funding: %w", err)
	}
	mark, _, err := e.mark.MarkPrice(ctx)
	if err != nil {
		return domain.FundingEpoch{}, fmt.Errorf("risk: settle funding: mark price: %w", err)
	}
	rate, err := funding.Rate(mark, index, cfg)
	if err != nil {
		return domain.FundingEpoch{}, fmt.Errorf("risk: settle funding: %w", err)
	}

	epoch, err := e.funding.SettleSweep(ctx, rate, mark, index, now, cfg)
	if err != nil {
		return domain.FundingEpoch{}, err
	}

	if err := e.liquidationSweep(ctx, index, now, cfg); err != nil {
		return domain.FundingEpoch{}, err
	}
	return epoch, nil
}

// liquidationSweep force-closes every open position left under-margined,
// paging through the open-position index with bounded batches.
func (e *Engine) liquidationSweep(ctx context.Context, index decimal.Decimal, now time.Time, cfg domain.RiskConfig) error {
	batchSize := cfg.SettlementBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	var cursor string
	for {
		ids, next, err := e.ledger.OpenIDs(ctx, cursor, batchSize)
		if err != nil {
			return fmt.Errorf("risk: liquidation sweep: %w", err)
		}
		for _, id := range ids {
			pos, err := e.ledger.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("risk: liquidation sweep: %w", err)
			}
			if !ledger.CanLiquidate(pos, index, cfg.MaintenanceMargin) {
				continue
			}
			out, err := e.liq.Liquidate(ctx, id, index, cfg.MaintenanceMargin, cfg, now)
			if err != nil {
				return fmt.Errorf("risk: liquidation sweep: %w", err)
			}
			if err := e.routeLiquidation(ctx, out); err != nil {
				return err
			}
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

// settleDue applies funding to a single position when its interval has
// elapsed, returning the refreshed position.
func (e *Engine) settleDue(ctx context.Context, pos domain.Position, index decimal.Decimal, now time.Time, cfg domain.RiskConfig) (domain.Position, error) {
	mark, _, err := e.mark.MarkPrice(ctx)
	if err != nil {
		// No mark price means no funding rate; the position simply is not
		// settled on this call.
		e.logger.WarnContext(ctx, "mark price unavailable, skipping funding",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return pos, nil
	}
	rate, err := funding.Rate(mark, index, cfg)
	if err != nil {
		return domain.Position{}, err
	}
	_, applied, err := e.funding.SettleDue(ctx, pos, rate, now, cfg)
	if err != nil {
		return domain.Position{}, err
	}
	if !applied {
		return pos, nil
	}
	return e.ledger.Get(ctx, pos.ID)
}

// routeLiquidation moves the liquidation proceeds through custody: the
// post-penalty remainder back to the account, the penalty to the insurance
// sink.
func (e *Engine) routeLiquidation(ctx context.Context, out liquidation.Outcome) error {
	if out.Payout.IsPositive() {
		if err := e.custody.Push(ctx, out.Position.Account, out.Payout); err != nil {
			return fmt.Errorf("risk: route liquidation %s: payout: %w", out.Position.ID, err)
		}
	}
	if out.Penalty.IsPositive() && e.insuranceAccount != "" {
		if err := e.custody.Push(ctx, e.insuranceAccount, out.Penalty); err != nil {
			return fmt.Errorf("risk: route liquidation %s: penalty: %w", out.Position.ID, err)
		}
	}
	e.auditLog(ctx, domain.EventPositionLiquidated, map[string]any{
		"position_id": out.Position.ID,
		"account":     out.Position.Account,
		"pnl":         out.RealizedPnL.String(),
		"penalty":     out.Penalty.String(),
		"payout":      out.Payout.String(),
	})
	return nil
}

// CurrentIndex returns the accepted index value, staleness- and
// breaker-gated.
func (e *Engine) CurrentIndex() (decimal.Decimal, error) {
	return e.feed.ReadValue(time.Now().UTC())
}

// CurrentFundingRate derives the funding rate from the live mark and index
// values without settling anything.
func (e *Engine) CurrentFundingRate(ctx context.Context) (decimal.Decimal, error) {
	index, err := e.feed.ReadValue(time.Now().UTC())
	if err != nil {
		return decimal.Zero, fmt.Errorf("risk: funding rate: %w", err)
	}
	mark, _, err := e.mark.MarkPrice(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("risk: funding rate: %w", err)
	}
	return funding.Rate(mark, index, e.cfg.Current())
}

// PositionOf returns the account's open position.
func (e *Engine) PositionOf(ctx context.Context, account string) (domain.Position, error) {
	return e.ledger.GetOpenByAccount(ctx, account)
}

func (e *Engine) publish(ctx context.Context, eventType string, now time.Time, fields map[string]any) {
	if e.bus == nil {
		return
	}
	payload, err := domain.NewEvent(eventType, now, fields).Marshal()
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, domain.ChannelPositions, payload); err != nil {
		e.logger.WarnContext(ctx, "event publish failed",
			slog.String("event", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
