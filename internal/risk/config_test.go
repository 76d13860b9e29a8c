package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/novafund/lifeperp/internal/domain"
)

func TestConfigStoreUpdateStampsVersion(t *testing.T) {
	store := NewConfigStore(testRiskConfig())

	if got := store.Current().MaxLeverage; !got.Equal(dec("20")) {
		t.Fatalf("seed max leverage = %s, want 20", got)
	}

	next := store.Current()
	next.MaxLeverage = dec("5")
	before := time.Now().UTC()
	applied := store.Update(next)

	if !applied.MaxLeverage.Equal(dec("5")) {
		t.Errorf("applied max leverage = %s, want 5", applied.MaxLeverage)
	}
	if applied.UpdatedAt.Before(before) {
		t.Errorf("UpdatedAt = %s, want at or after %s", applied.UpdatedAt, before)
	}
	if got := store.Current(); !got.MaxLeverage.Equal(dec("5")) || !got.UpdatedAt.Equal(applied.UpdatedAt) {
		t.Errorf("Current() = %+v, want the applied version", got)
	}
}

func TestEngineHonorsRuntimeConfigUpdate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.custody.Deposit("acct", dec("5000"))

	// Leverage 10 is fine under the seeded cap of 20.
	pos, err := h.engine.OpenPosition(ctx, "acct", true, dec("10"), dec("10"), dec("1000"))
	if err != nil {
		t.Fatalf("open under seed config: %v", err)
	}
	if _, err := h.engine.ClosePosition(ctx, "acct", pos.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	tightened := h.cfg.Current()
	tightened.MaxLeverage = dec("5")
	h.cfg.Update(tightened)

	// The same order is over the cap on the next call boundary.
	_, err = h.engine.OpenPosition(ctx, "acct", true, dec("10"), dec("10"), dec("1000"))
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput after tightening cap, got %v", err)
	}
}
