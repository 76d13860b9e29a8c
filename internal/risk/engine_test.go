package risk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/custody"
	"github.com/novafund/lifeperp/internal/domain"
	"github.com/novafund/lifeperp/internal/feed"
	"github.com/novafund/lifeperp/internal/funding"
	"github.com/novafund/lifeperp/internal/ledger"
	"github.com/novafund/lifeperp/internal/liquidation"
	"github.com/novafund/lifeperp/internal/marketdata"
	"github.com/novafund/lifeperp/internal/store/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRiskConfig() domain.RiskConfig {
	return domain.RiskConfig{
		MaintenanceMargin:      dec("25"),
		MaxLeverage:            dec("20"),
		LiquidationPenaltyRate: dec("0.05"),
		FundingRateCap:         dec("0.0005"),
		FundingMultiplier:      dec("0.125"),
		FundingInterval:        0, // always due, keeps settlement tests deterministic
		SettlementBatchSize:    100,
	}
}

type harness struct {
	engine  *Engine
	agg     *feed.Aggregator
	cfg     *ConfigStore
	custody *custody.Memory
	mark    *marketdata.ManualSource
}

// newHarness builds a fully in-memory engine with one trusted reporter and
// an accepted index value of 100.
func newHarness(t *testing.T, cust domain.CustodyLedger) *harness {
	t.Helper()
	ctx := context.Background()

	policy := domain.FeedPolicy{
		MinValid:                  dec("1"),
		MaxValid:                  dec("1000"),
		MaxCrossReporterDeviation: dec("0.5"),
		MinReputableReporters:     1,
		ReputationThreshold:       dec("0.5"),
		GlobalHeartbeat:           time.Hour,
		BreakerCooldown:           time.Minute,
	}
	agg := feed.New(policy, feed.Options{}, discard())
	if err := agg.AddReporter(ctx, domain.Reporter{
		ID:                 "r1",
		Active:             true,
		Heartbeat:          time.Hour,
		DeviationThreshold: dec("0.5"),
		Reputation:         dec("1"),
	}); err != nil {
		t.Fatalf("add reporter: %v", err)
	}
	submitIndex(t, agg, "100")

	led := ledger.New(memory.NewPositionStore(), discard())
	fund := funding.New(led, memory.NewFundingStore(), nil, discard())
	liq := liquidation.New(led, memory.NewLiquidationStore(), nil, discard())
	mark := marketdata.NewManualSource()

	var mem *custody.Memory
	if cust == nil {
		mem = custody.NewMemory()
		cust = mem
	}

	cfgStore := NewConfigStore(testRiskConfig())
	eng := New(agg, led, fund, liq, cust, mark, cfgStore,
		nil, nil, Config{InsuranceAccount: "insurance"}, discard())

	return &harness{engine: eng, agg: agg, cfg: cfgStore, custody: mem, mark: mark}
}

func submitIndex(t *testing.T, agg *feed.Aggregator, value string) {
	t.Helper()
	err := agg.SubmitReport(context.Background(), domain.Report{
		ReporterID: "r1",
		Value:      dec(value),
		At:         time.Now().UTC(),
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("submit report %s: %v", value, err)
	}
}

func balance(t *testing.T, c domain.CustodyLedger, account string) decimal.Decimal {
	t.Helper()
	b, err := c.Balance(context.Background(), account)
	if err != nil {
		t.Fatalf("balance %s: %v", account, err)
	}
	return b
}

func TestOpenPullsCollateral(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.custody.Deposit("acct", dec("5000"))

	pos, err := h.engine.OpenPosition(ctx, "acct", true, dec("10"), dec("5"), dec("1000"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !pos.EntryIndexValue.Equal(dec("100")) {
		t.Errorf("entry index = %s, want 100", pos.EntryIndexValue)
	}
	if got := balance(t, h.custody, "acct"); !got.Equal(dec("4000")) {
		t.Errorf("balance after open = %s, want 4000", got)
	}
}

func TestOpenInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.custody.Deposit("acct", dec("500"))

	_, err := h.engine.OpenPosition(ctx, "acct", true, dec("10"), dec("5"), dec("1000"))
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := balance(t, h.custody, "acct"); !got.Equal(dec("500")) {
		t.Errorf("balance after failed open = %s, want 500", got)
	}
	if _, err := h.engine.PositionOf(ctx, "acct"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected no position, got %v", err)
	}
}

func TestOpenRefundsOnRejectedSecondPosition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.custody.Deposit("acct", dec("5000"))

	if _, err := h.engine.OpenPosition(ctx, "acct", true, dec("10"), dec("5"), dec("1000")); err != nil {
		t.Fatalf("first open: %v", err)
	}
	_, err := h.engine.OpenPosition(ctx, "acct", false, dec("1"), dec("2"), dec("500"))
	if !errors.Is(err, domain.ErrPositionExists) {
		t.Fatalf("expected ErrPositionExists, got %v", err)
	}
	// The second margin pull must be returned.
	if got := balance(t, h.custody, "acct"); !got.Equal(dec("4000")) {
		t.Errorf("balance after rejected open = %s, want 4000", got)
	}
}

func TestOpenRejectsExcessLeverage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.custody.Deposit("acct", dec("5000"))

	_, err := h.engine.OpenPosition(ctx, "acct", true, dec("10"), dec("21"), dec("1000"))
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if got := balance(t, h.custody, "acct"); !got.Equal(dec("5000")) {
		t.Errorf("balance touched by rejected open: %s", got)
	}
}

func TestClosePaysOutMarginPlusPnL(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.custody.Deposit("acct", dec("5000"))

	pos, err := h.engine.OpenPosition(ctx, "acct", true, dec("10"), dec("5"), dec("1000"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// No mark price is set, so funding is skipped and the close settles at
	// the raw index move: (102-100)*10*5 = 100.
	submitIndex(t, h.agg, "102")
	pnl, err := h.engine.ClosePosition(ctx, "acct", pos.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !pnl.Equal(dec("100")) {
		t.Errorf("pnl = %s, want 100", pnl)
	}
	if got := balance(t, h.custody, "acct"); !got.Equal(dec("5100")) {
		t.Errorf("balance after close = %s, want 5100", got)
	}
}

func TestCloseRejectsWrongAccount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.custody.Deposit("acct", dec("5000"))

	pos, err := h.engine.OpenPosition(ctx, "acct", true, dec("10"), dec("5"), dec("1000"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = h.engine.ClosePosition(ctx, "other", pos.ID)
	if !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

// reentrantCustody invokes the engine mid-transfer, simulating a venue
// callback that tries to mutate the same account while it is in flight.
type reentrantCustody struct {
	*custody.Memory
	engine *Engine
	nested error
}

func (c *reentrantCustody) Pull(ctx context.Context, account string, amount decimal.Decimal) error {
	c.nested = c.engine.BeforeAction(ctx, account)
	if c.nested != nil {
		return c.nested
	}
	return c.Memory.Pull(ctx, account, amount)
}

func TestReentrantCallRejected(t *testing.T) {
	ctx := context.Background()
	cust := &reentrantCustody{Memory: custody.NewMemory()}
	h := newHarness(t, cust)
	cust.engine = h.engine
	cust.Deposit("acct", dec("5000"))

	_, err := h.engine.OpenPosition(ctx, "acct", true, dec("10"), dec("5"), dec("1000"))
	if !errors.Is(err, domain.ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall, got %v", err)
	}
	if !errors.Is(cust.nested, domain.ErrReentrantCall) {
		t.Fatalf("nested call error = %v, want ErrReentrantCall", cust.nested)
	}
	if got := balance(t, cust, "acct"); !got.Equal(dec("5000")) {
		t.Errorf("balance after aborted open = %s, want 5000", got)
	}
}

func TestLiquidateRoutesProceeds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.custody.Deposit("acct", dec("1000"))

	pos, err := h.engine.OpenPosition(ctx, "acct", true, dec("1"), dec("10"), dec("100"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// At 92: pnl = -80, equity 20 < maintenance 25. Remaining margin 20
	// splits into payout 19 and insurance penalty 1.
	submitIndex(t, h.agg, "92")
	out, err := h.engine.Liquidate(ctx, pos.ID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !out.Payout.Equal(dec("19")) {
		t.Errorf("payout = %s, want 19", out.Payout)
	}
	if got := balance(t, h.custody, "acct"); !got.Equal(dec("919")) {
		t.Errorf("account balance = %s, want 919", got)
	}
	if got := balance(t, h.custody, "insurance"); !got.Equal(dec("1")) {
		t.Errorf("insurance balance = %s, want 1", got)
	}
}

func TestLiquidateHealthyPositionRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.custody.Deposit("acct", dec("1000"))

	pos, err := h.engine.OpenPosition(ctx, "acct", true, dec("1"), dec("10"), dec("100"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = h.engine.Liquidate(ctx, pos.ID)
	if !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
}

func TestSettleFundingSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.custody.Deposit("long", dec("2000"))
	h.custody.Deposit("short", dec("2000"))

	if _, err := h.engine.OpenPosition(ctx, "long", true, dec("10"), dec("5"), dec("1000")); err != nil {
		t.Fatalf("open long: %v", err)
	}
	if _, err := h.engine.OpenPosition(ctx, "short", false, dec("10"), dec("5"), dec("1000")); err != nil {
		t.Fatalf("open short: %v", err)
	}

	// Mark 100.2 over index 100 yields rate (0.2/100)*0.125 = 0.00025.
	h.mark.Set(dec("100.2"), time.Now().UTC())
	epoch, err := h.engine.SettleFunding(ctx)
	if err != nil {
		t.Fatalf("settle funding: %v", err)
	}
	if !epoch.Rate.Equal(dec("0.00025")) {
		t.Errorf("epoch rate = %s, want 0.00025", epoch.Rate)
	}
	if epoch.PositionsSettled != 2 {
		t.Errorf("positions settled = %d, want 2", epoch.PositionsSettled)
	}

	// Longs pay when mark trades rich: 0.00025 * 50 = 0.0125.
	long, err := h.engine.PositionOf(ctx, "long")
	if err != nil {
		t.Fatalf("long position: %v", err)
	}
	if !long.Margin.Equal(dec("999.9875")) {
		t.Errorf("long margin = %s, want 999.9875", long.Margin)
	}
	short, err := h.engine.PositionOf(ctx, "short")
	if err != nil {
		t.Fatalf("short position: %v", err)
	}
	if !short.Margin.Equal(dec("1000.0125")) {
		t.Errorf("short margin = %s, want 1000.0125", short.Margin)
	}
}

func TestCurrentFundingRate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.engine.CurrentFundingRate(ctx)
	if !errors.Is(err, domain.ErrNoValue) {
		t.Fatalf("expected ErrNoValue without mark price, got %v", err)
	}

	h.mark.Set(dec("99.8"), time.Now().UTC())
	rate, err := h.engine.CurrentFundingRate(ctx)
	if err != nil {
		t.Fatalf("funding rate: %v", err)
	}
	if !rate.Equal(dec("-0.00025")) {
		t.Errorf("rate = %s, want -0.00025", rate)
	}
}
