// Package spend enforces the per-session ceiling on authorized payments.
package spend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var ErrSpendLimitExceeded = errors.New("spend limit exceeded")

// DefaultCeiling is the per-session limit in USDC when none is configured.
var DefaultCeiling = decimal.RequireFromString("2.0")

// LimitExceededError reports a charge that would have crossed the ceiling.
type LimitExceededError struct {
	Ceiling   decimal.Decimal
	Attempted decimal.Decimal
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("Session spend limit of $%s USDC reached. Set ASRAI_MAX_SPEND env var to increase.", e.Ceiling.String())
}

func (e *LimitExceededError) Is(target error) bool {
	return target == ErrSpendLimitExceeded
}

// Guard accumulates spend for exactly one session. A rejected charge is not
// committed, so the total never decreases and never passes the ceiling.
type Guard struct {
	mu      sync.Mutex
	ceiling decimal.Decimal
	total   decimal.Decimal
}

func NewGuard(ceiling decimal.Decimal) *Guard {
	if ceiling.IsNegative() {
		ceiling = decimal.Zero
	}
	return &Guard{ceiling: ceiling}
}

// Charge adds amount to the running total and returns the new total.
func (g *Guard) Charge(amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("charge amount must be non-negative, got %s", amount.String())
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	next := g.total.Add(amount)
	if next.GreaterThan(g.ceiling) {
		return g.total, &LimitExceededError{Ceiling: g.ceiling, Attempted: next}
	}
	g.total = next
	return next, nil
}

func (g *Guard) Total() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

func (g *Guard) Ceiling() decimal.Decimal {
	return g.ceiling
}

func (g *Guard) Remaining() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ceiling.Sub(g.total)
}
