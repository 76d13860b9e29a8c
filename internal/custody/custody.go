// Package custody holds user collateral balances outside the engine.
// Pull debits an account before a position is created; Push credits it on
// close, liquidation payout, or refund. The in-memory implementation backs
// tests and the simulation mode; a production deployment would sit a
// settlement bridge behind the same interface.
package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/domain"
)

// Memory is a mutex-guarded in-memory custody ledger.
type Memory struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

var _ domain.CustodyLedger = (*Memory)(nil)

// NewMemory creates an empty custody ledger.
func NewMemory() *Memory {
	return &Memory{balances: make(map[string]decimal.Decimal)}
}

// Deposit credits an account directly, bypassing engine flow. Used to fund
// accounts in tests and simulations.
func (m *Memory) Deposit(account string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] = m.balances[account].Add(amount)
}

// Pull debits the account. The debit is all or nothing; an account below
// the requested amount is rejected unchanged.
func (m *Memory) Pull(_ context.Context, account string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("custody: pull %s: negative amount: %w", account, domain.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balances[account]
	if bal.LessThan(amount) {
		return fmt.Errorf("custody: pull %s: have %s, need %s: %w",
			account, bal, amount, domain.ErrInsufficientFunds)
	}
	m.balances[account] = bal.Sub(amount)
	return nil
}

// Push credits the account.
func (m *Memory) Push(_ context.Context, account string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("custody: push %s: negative amount: %w", account, domain.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] = m.balances[account].Add(amount)
	return nil
}

// Balance returns the account's current balance, zero for unknown accounts.
func (m *Memory) Balance(_ context.Context, account string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account], nil
}
