package liquidation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/domain"
	"github.com/novafund/lifeperp/internal/ledger"
	"github.com/novafund/lifeperp/internal/store/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() domain.RiskConfig {
	return domain.RiskConfig{
		MaintenanceMargin:      dec("25"),
		LiquidationPenaltyRate: dec("0.05"),
	}
}

// captureBus records published events for assertions.
type captureBus struct {
	channel string
	payload []byte
}

func (b *captureBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.channel = channel
	b.payload = payload
	return nil
}

func (b *captureBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func TestLiquidateNotEligible(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	led := ledger.New(memory.NewPositionStore(), discard())
	eng := New(led, nil, nil, discard())

	pos, err := led.Open(ctx, "acct", true, dec("1"), dec("10"), dec("100"), dec("100"), now)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// equity at 100 = 100, well above maintenance
	_, err = eng.Liquidate(ctx, pos.ID, dec("100"), dec("25"), testConfig(), now)
	if !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}

	got, err := led.Get(ctx, pos.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsOpen() {
		t.Error("ineligible liquidation mutated the position")
	}
}

func TestLiquidateOutcome(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	store := memory.NewLiquidationStore()
	bus := &captureBus{}
	led := ledger.New(memory.NewPositionStore(), discard())
	eng := New(led, store, bus, discard())

	pos, err := led.Open(ctx, "acct", true, dec("1"), dec("10"), dec("100"), dec("100"), now)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// At 92: pnl = (92-100)*10 = -80, equity = 20 < maintenance 25.
	// Remaining margin 20, penalty 5% = 1, payout 19.
	out, err := eng.Liquidate(ctx, pos.ID, dec("92"), dec("25"), testConfig(), now)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !out.RealizedPnL.Equal(dec("-80")) {
		t.Errorf("pnl = %s, want -80", out.RealizedPnL)
	}
	if !out.Penalty.Equal(dec("1")) {
		t.Errorf("penalty = %s, want 1", out.Penalty)
	}
	if !out.Payout.Equal(dec("19")) {
		t.Errorf("payout = %s, want 19", out.Payout)
	}
	if out.Position.Status != domain.PositionStatusLiquidated {
		t.Errorf("status = %s, want liquidated", out.Position.Status)
	}

	recs, err := store.ListByAccount(ctx, "acct", domain.ListOpts{})
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d liquidation records, want 1", len(recs))
	}
	if !recs[0].Penalty.Equal(dec("1")) {
		t.Errorf("recorded penalty = %s, want 1", recs[0].Penalty)
	}

	if bus.channel != domain.ChannelPositions {
		t.Fatalf("event published to %q, want positions", bus.channel)
	}
	var evt domain.Event
	if err := json.Unmarshal(bus.payload, &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.Type != domain.EventPositionLiquidated {
		t.Errorf("event type = %s, want %s", evt.Type, domain.EventPositionLiquidated)
	}
}

func TestLiquidateWipedOutAccount(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	led := ledger.New(memory.NewPositionStore(), discard())
	eng := New(led, nil, nil, discard())

	pos, err := led.Open(ctx, "acct", true, dec("1"), dec("10"), dec("100"), dec("100"), now)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// At 80: pnl = -200, margin after pnl clamps to zero. No penalty is
	// charged beyond what remains, and nothing pays out.
	out, err := eng.Liquidate(ctx, pos.ID, dec("80"), dec("25"), testConfig(), now)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !out.Penalty.IsZero() {
		t.Errorf("penalty = %s, want 0", out.Penalty)
	}
	if !out.Payout.IsZero() {
		t.Errorf("payout = %s, want 0", out.Payout)
	}
}

func TestLiquidateClosedPosition(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	led := ledger.New(memory.NewPositionStore(), discard())
	eng := New(led, nil, nil, discard())

	pos, err := led.Open(ctx, "acct", true, dec("1"), dec("10"), dec("100"), dec("100"), now)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, _, err := led.Close(ctx, pos.ID, dec("100"), now); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err = eng.Liquidate(ctx, pos.ID, dec("50"), dec("25"), testConfig(), now)
	if !errors.Is(err, domain.ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed, got %v", err)
	}
}
