// Package risk classifies transaction risk and enforces spending limits.
//
// A transaction's tier is derived from its size relative to the agent's
// configured maximum: up to 10% is LOW, up to 50% is MEDIUM, above that
// HIGH. The budget limiter guards an offset buyer's monthly spend the same
// way a position limiter guards trading exposure.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrBudgetExceeded is returned when a transaction would push monthly
	// spending over the monthly budget.
	ErrBudgetExceeded = errors.New("risk: monthly budget exceeded")

	// ErrInsufficientBalance is returned when a transaction exceeds the
	// agent's available balance.
	ErrInsufficientBalance = errors.New("risk: insufficient balance")
)

// Tier grades a transaction's relative size.
type Tier string

const (
	TierLow    Tier = "LOW"
	TierMedium Tier = "MEDIUM"
	TierHigh   Tier = "HIGH"
)

// Tolerance is an agent's configured appetite; it caps the tier the agent
// will auto-approve.
type Tolerance string

const (
	ToleranceLow    Tolerance = "LOW"
	ToleranceMedium Tolerance = "MEDIUM"
	ToleranceHigh   Tolerance = "HIGH"
)

var (
	lowCut    = decimal.NewFromFloat(0.10)
	mediumCut = decimal.NewFromFloat(0.50)
)

// Assess returns the risk tier of a transaction of the given amount against
// the agent's maximum transaction amount. A non-positive maximum grades
// everything HIGH.
func Assess(amount, maxTransactionAmount decimal.Decimal) Tier {
	if maxTransactionAmount.LessThanOrEqual(decimal.Zero) {
		return TierHigh
	}
	ratio := amount.Div(maxTransactionAmount)
	switch {
	case ratio.LessThanOrEqual(lowCut):
		return TierLow
	case ratio.LessThanOrEqual(mediumCut):
		return TierMedium
	default:
		return TierHigh
	}
}

// Permits reports whether the tolerance covers the given tier.
func (t Tolerance) Permits(tier Tier) bool {
	rank := map[Tier]int{TierLow: 0, TierMedium: 1, TierHigh: 2}
	tolRank := map[Tolerance]int{ToleranceLow: 0, ToleranceMedium: 1, ToleranceHigh: 2}
	return tolRank[t] >= rank[tier]
}

// BudgetLimiter enforces a balance floor and a monthly spending cap.
type BudgetLimiter struct {
	// MonthlyBudget is the maximum total spend per month.
	MonthlyBudget decimal.Decimal
}

// NewBudgetLimiter creates a limiter with the given monthly budget.
func NewBudgetLimiter(monthlyBudget decimal.Decimal) *BudgetLimiter {
	return &BudgetLimiter{MonthlyBudget: monthlyBudget}
}

// CheckSpend validates whether spending `amount` respects both the current
// balance and the remaining monthly budget.
func (l *BudgetLimiter) CheckSpend(amount, balance, monthlySpending decimal.Decimal) error {
	if amount.GreaterThan(balance) {
		return ErrInsufficientBalance
	}
	if monthlySpending.Add(amount).GreaterThan(l.MonthlyBudget) {
		return ErrBudgetExceeded
	}
	return nil
}

// Remaining returns the budget left this month, floored at zero.
func (l *BudgetLimiter) Remaining(monthlySpending decimal.Decimal) decimal.Decimal {
	rem := l.MonthlyBudget.Sub(monthlySpending)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}
