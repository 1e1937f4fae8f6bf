package investment

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alarab/profit-engine/generic"
)

// Plan is an investment product. A plan either has a fixed price
// (FixedAmount > 0) or accepts any amount within [MinAmount, MaxAmount],
// where MaxAmount zero means unbounded.
//
// Daily profit is a fixed amount per day, or for bounded plans a DailyRate
// fraction of the principal. Exactly one of the two is set.
type Plan struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	FixedAmount  decimal.Decimal `json:"investment"`
	MinAmount    decimal.Decimal `json:"min_amount"`
	MaxAmount    decimal.Decimal `json:"max_amount"`
	DailyProfit  decimal.Decimal `json:"daily_profit"`
	DailyRate    decimal.Decimal `json:"daily_rate"`
	DurationDays int             `json:"duration_days"`
	Enabled      bool            `json:"enabled"`
}

// PlanCatalog resolves purchasable plans. Disabled or unknown plans are
// reported as generic.ErrNotFound.
type PlanCatalog interface {
	GetActivePlan(ctx context.Context, planID string) (Plan, error)
}

func (p Plan) IsFixed() bool { return p.FixedAmount.IsPositive() }

func (p Plan) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: plan %q: %s", generic.ErrInvalidPlan, p.ID, fmt.Sprintf(format, args...))
	}

	switch {
	case p.ID == "" || strings.ContainsAny(p.ID, "/ "):
		return invalid("id must be non-empty without slashes or spaces")
	case strings.TrimSpace(p.Name) == "":
		return invalid("name required")
	case p.DurationDays <= 0:
		return invalid("duration_days must be positive")
	case p.FixedAmount.IsNegative() || p.MinAmount.IsNegative() || p.MaxAmount.IsNegative():
		return invalid("amounts must not be negative")
	case p.DailyProfit.IsNegative() || p.DailyRate.IsNegative():
		return invalid("daily profit must not be negative")
	case p.DailyProfit.IsPositive() == p.DailyRate.IsPositive():
		return invalid("exactly one of daily_profit and daily_rate must be set")
	}

	if p.IsFixed() {
		if !p.MinAmount.IsZero() || !p.MaxAmount.IsZero() {
			return invalid("fixed plans take no min/max bounds")
		}
		if p.DailyRate.IsPositive() {
			return invalid("fixed plans use daily_profit")
		}
		return nil
	}
	if p.MaxAmount.IsPositive() && p.MaxAmount.LessThan(p.MinAmount) {
		return invalid("max_amount %s below min_amount %s", p.MaxAmount, p.MinAmount)
	}
	return nil
}

// ValidateAmount checks a requested principal against the plan bounds.
func (p Plan) ValidateAmount(amount decimal.Decimal) error {
	bounds := &generic.InvalidPlanAmountError{PlanID: p.ID, Requested: amount}
	if p.IsFixed() {
		bounds.Fixed = true
		bounds.Min = p.FixedAmount
		if !amount.Equal(p.FixedAmount) {
			return bounds
		}
		return nil
	}

	bounds.Min, bounds.Max = p.MinAmount, p.MaxAmount
	switch {
	case !amount.IsPositive():
		return bounds
	case amount.LessThan(p.MinAmount):
		return bounds
	case p.MaxAmount.IsPositive() && amount.GreaterThan(p.MaxAmount):
		return bounds
	}
	return nil
}

// DailyProfitFor returns the per-day profit of an investment of principal.
func (p Plan) DailyProfitFor(principal decimal.Decimal) decimal.Decimal {
	if p.DailyProfit.IsPositive() {
		return p.DailyProfit
	}
	return generic.RoundMoney(principal.Mul(p.DailyRate))
}

// ExpectedTotalProfit is the profit of a full term at principal.
func (p Plan) ExpectedTotalProfit(principal decimal.Decimal) decimal.Decimal {
	return p.DailyProfitFor(principal).Mul(decimal.NewFromInt(int64(p.DurationDays)))
}
