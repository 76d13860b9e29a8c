package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/domain"
	"github.com/novafund/lifeperp/internal/store/memory"
)

func testLedger() *Ledger {
	return New(memory.NewPositionStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestOpenValidation(t *testing.T) {
	l := testLedger()
	ctx := context.Background()
	now := time.Now().UTC()

	tests := []struct {
		name     string
		account  string
		size     decimal.Decimal
		leverage decimal.Decimal
		entry    decimal.Decimal
		margin   decimal.Decimal
	}{
		{"empty account", "", dec("1"), dec("2"), dec("100"), dec("50")},
		{"zero size", "acct", dec("0"), dec("2"), dec("100"), dec("50")},
		{"negative size", "acct", dec("-1"), dec("2"), dec("100"), dec("50")},
		{"zero margin", "acct", dec("1"), dec("2"), dec("100"), dec("0")},
		{"leverage below one", "acct", dec("1"), dec("0.5"), dec("100"), dec("50")},
		{"zero entry index", "acct", dec("1"), dec("2"), dec("0"), dec("50")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Open(ctx, tt.account, true, tt.size, tt.leverage, tt.entry, tt.margin, now)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestOpenOnePositionPerAccount(t *testing.T) {
	l := testLedger()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := l.Open(ctx, "acct", true, dec("1"), dec("2"), dec("100"), dec("50"), now)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	_, err = l.Open(ctx, "acct", false, dec("1"), dec("2"), dec("100"), dec("50"), now)
	if !errors.Is(err, domain.ErrPositionExists) {
		t.Fatalf("expected ErrPositionExists, got %v", err)
	}
}

func TestClosePnL(t *testing.T) {
	tests := []struct {
		name    string
		isLong  bool
		entry   string
		exit    string
		size    string
		lev     string
		wantPnL string
	}{
		{"long gains on rise", true, "100", "110", "2", "3", "60"},
		{"long loses on fall", true, "100", "95", "2", "3", "-30"},
		{"short gains on fall", false, "100", "90", "1", "5", "50"},
		{"short loses on rise", false, "100", "104", "1", "5", "-20"},
		{"flat index is zero", true, "100", "100", "2", "3", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := testLedger()
			ctx := context.Background()
			now := time.Now().UTC()

			pos, err := l.Open(ctx, "acct", tt.isLong, dec(tt.size), dec(tt.lev), dec(tt.entry), dec("500"), now)
			if err != nil {
				t.Fatalf("open: %v", err)
			}

			closed, pnl, err := l.Close(ctx, pos.ID, dec(tt.exit), now.Add(time.Minute))
			if err != nil {
				t.Fatalf("close: %v", err)
			}
			if !pnl.Equal(dec(tt.wantPnL)) {
				t.Errorf("pnl = %s, want %s", pnl, tt.wantPnL)
			}
			if closed.Status != domain.PositionStatusClosed {
				t.Errorf("status = %s, want closed", closed.Status)
			}
			if !closed.RealizedPnL.Equal(dec(tt.wantPnL)) {
				t.Errorf("realized pnl = %s, want %s", closed.RealizedPnL, tt.wantPnL)
			}
			if closed.ExitIndexValue == nil || !closed.ExitIndexValue.Equal(dec(tt.exit)) {
				t.Errorf("exit index not recorded")
			}
		})
	}
}

func TestCloseTwiceRejected(t *testing.T) {
	l := testLedger()
	ctx := context.Background()
	now := time.Now().UTC()

	pos, err := l.Open(ctx, "acct", true, dec("1"), dec("2"), dec("100"), dec("50"), now)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, _, err := l.Close(ctx, pos.ID, dec("105"), now); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, _, err = l.Close(ctx, pos.ID, dec("110"), now)
	if !errors.Is(err, domain.ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed, got %v", err)
	}
}

func TestMarkLiquidatedSetsStatus(t *testing.T) {
	l := testLedger()
	ctx := context.Background()
	now := time.Now().UTC()

	pos, err := l.Open(ctx, "acct", true, dec("1"), dec("10"), dec("100"), dec("50"), now)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	closed, pnl, err := l.MarkLiquidated(ctx, pos.ID, dec("95"), now)
	if err != nil {
		t.Fatalf("mark liquidated: %v", err)
	}
	if closed.Status != domain.PositionStatusLiquidated {
		t.Errorf("status = %s, want liquidated", closed.Status)
	}
	if !pnl.Equal(dec("-50")) {
		t.Errorf("pnl = %s, want -50", pnl)
	}
}

func TestUpdateMargin(t *testing.T) {
	l := testLedger()
	ctx := context.Background()
	now := time.Now().UTC()

	pos, err := l.Open(ctx, "acct", true, dec("1"), dec("2"), dec("100"), dec("50"), now)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := l.UpdateMargin(ctx, pos.ID, dec("-1"), now); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative margin, got %v", err)
	}

	fundedAt := now.Add(time.Hour)
	if err := l.UpdateMargin(ctx, pos.ID, dec("45"), fundedAt); err != nil {
		t.Fatalf("update margin: %v", err)
	}
	got, err := l.Get(ctx, pos.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Margin.Equal(dec("45")) {
		t.Errorf("margin = %s, want 45", got.Margin)
	}
	if !got.LastFundingAt.Equal(fundedAt) {
		t.Errorf("last funding at not updated")
	}

	if _, _, err := l.Close(ctx, pos.ID, dec("100"), now); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.UpdateMargin(ctx, pos.ID, dec("10"), now); !errors.Is(err, domain.ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed on closed position, got %v", err)
	}
}

func TestOpenIDsPagination(t *testing.T) {
	l := testLedger()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, acct := range []string{"a", "b", "c", "d", "e"} {
		if _, err := l.Open(ctx, acct, true, dec("1"), dec("2"), dec("100"), dec("50"), now); err != nil {
			t.Fatalf("open %s: %v", acct, err)
		}
	}

	var (
		cursor string
		seen   = map[string]bool{}
	)
	for {
		ids, next, err := l.OpenIDs(ctx, cursor, 2)
		if err != nil {
			t.Fatalf("open ids: %v", err)
		}
		for _, id := range ids {
			if seen[id] {
				t.Fatalf("id %s returned twice", id)
			}
			seen[id] = true
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if len(seen) != 5 {
		t.Errorf("paged %d ids, want 5", len(seen))
	}
}

func TestCanLiquidate(t *testing.T) {
	open := domain.Position{
		IsLong:          true,
		Size:            dec("1"),
		Leverage:        dec("10"),
		EntryIndexValue: dec("100"),
		Margin:          dec("50"),
		Status:          domain.PositionStatusOpen,
	}
	closed := open
	closed.Status = domain.PositionStatusClosed

	tests := []struct {
		name        string
		pos         domain.Position
		index       string
		maintenance string
		want        bool
	}{
		// equity = 50 + (96-100)*10 = 10
		{"under maintenance", open, "96", "20", true},
		{"at maintenance is safe", open, "96", "10", false},
		{"healthy", open, "100", "20", false},
		{"closed never liquidatable", closed, "50", "20", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CanLiquidate(tt.pos, dec(tt.index), dec(tt.maintenance))
			if got != tt.want {
				t.Errorf("CanLiquidate = %v, want %v", got, tt.want)
			}
		})
	}
}
