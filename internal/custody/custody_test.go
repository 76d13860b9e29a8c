package custody

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPullPushBalance(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Deposit("acct", dec("100"))

	if err := m.Pull(ctx, "acct", dec("30")); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if err := m.Push(ctx, "acct", dec("5.5")); err != nil {
		t.Fatalf("push: %v", err)
	}
	bal, err := m.Balance(ctx, "acct")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Equal(dec("75.5")) {
		t.Errorf("balance = %s, want 75.5", bal)
	}
}

func TestPullInsufficientLeavesBalance(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Deposit("acct", dec("10"))

	err := m.Pull(ctx, "acct", dec("10.01"))
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	bal, _ := m.Balance(ctx, "acct")
	if !bal.Equal(dec("10")) {
		t.Errorf("balance after rejected pull = %s, want 10", bal)
	}
}

func TestNegativeAmountsRejected(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Pull(ctx, "acct", dec("-1")); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("negative pull: got %v", err)
	}
	if err := m.Push(ctx, "acct", dec("-1")); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("negative push: got %v", err)
	}
}

func TestUnknownAccountBalanceIsZero(t *testing.T) {
	m := NewMemory()
	bal, err := m.Balance(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.IsZero() {
		t.Errorf("balance = %s, want 0", bal)
	}
}
