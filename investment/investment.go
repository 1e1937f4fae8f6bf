/*
investment.go - Investment record and the accrual rule

PURPOSE:
  An Investment is created Active by a purchase and accrues DailyProfit for
  every full 24h elapsed since StartTime, up to DurationDays. Claiming moves
  the accrued-but-unclaimed days into the owner's withdrawable profit and
  advances the claim watermark.

THE RULE (pure, no I/O):
  elapsed      = floor((now - start) / 24h), clamped to [0, duration]
  newWatermark = elapsed
  daysToCredit = newWatermark - watermark        (never negative)
  credit       = daysToCredit * dailyProfit
  completes    = newWatermark == duration AND now >= start + duration days

CRITICAL INVARIANTS:
  1. 0 <= watermark <= duration, and the watermark never moves backwards
  2. total_claimed == watermark * daily_profit
  3. Completed is terminal; a completed investment accrues nothing
  4. A day is credited at most once: the watermark is the only record of
     what has been paid, and it is written in the same atomic write as the
     credit

SEE ALSO:
  - engine.go: read-compute-write around Accrue/Apply
  - plan.go: where principal and daily profit come from
*/
package investment

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alarab/profit-engine/generic"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

type Investment struct {
	ID                 string          `json:"id"`
	OwnerID            string          `json:"owner_id"`
	PlanID             string          `json:"plan_id"`
	PlanName           string          `json:"plan_name"`
	Principal          decimal.Decimal `json:"principal"`
	DailyProfit        decimal.Decimal `json:"daily_profit"`
	DurationDays       int             `json:"duration_days"`
	StartTime          time.Time       `json:"start_time"`
	Status             Status          `json:"status"`
	ClaimWatermarkDays int             `json:"claim_watermark_days"`
	TotalClaimed       decimal.Decimal `json:"total_claimed"`
	LastClaimAt        *time.Time      `json:"last_claim_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

const pathRoot = "investments"

func Prefix(userID string) generic.Path { return generic.JoinPath(pathRoot, userID) }

func Path(userID, investmentID string) generic.Path {
	return Prefix(userID).Child(investmentID)
}

func (inv Investment) IsActive() bool { return inv.Status == StatusActive }

// EndTime is the instant the last day finishes accruing.
func (inv Investment) EndTime() time.Time {
	return inv.StartTime.Add(time.Duration(inv.DurationDays) * generic.OneDay)
}

// ElapsedDays is the number of full days since start, clamped to the term.
func (inv Investment) ElapsedDays(now time.Time) int {
	days := generic.FullDaysBetween(inv.StartTime, now)
	if days > inv.DurationDays {
		return inv.DurationDays
	}
	return days
}

// =============================================================================
// ACCRUAL
// =============================================================================

// Accrual is the outcome of evaluating the rule at an instant.
type Accrual struct {
	ElapsedDays  int
	NewWatermark int
	DaysToCredit int
	Amount       decimal.Decimal
	Completes    bool
}

// Noop reports whether applying the accrual would change nothing.
func (a Accrual) Noop() bool { return a.DaysToCredit == 0 && !a.Completes }

// Accrue evaluates the accrual rule at now without mutating inv.
func (inv Investment) Accrue(now time.Time) Accrual {
	if !inv.IsActive() {
		return Accrual{ElapsedDays: inv.ElapsedDays(now), NewWatermark: inv.ClaimWatermarkDays, Amount: decimal.Zero}
	}

	elapsed := inv.ElapsedDays(now)
	acc := Accrual{ElapsedDays: elapsed, NewWatermark: inv.ClaimWatermarkDays, Amount: decimal.Zero}
	if elapsed > inv.ClaimWatermarkDays {
		acc.NewWatermark = elapsed
		acc.DaysToCredit = elapsed - inv.ClaimWatermarkDays
		acc.Amount = inv.DailyProfit.Mul(decimal.NewFromInt(int64(acc.DaysToCredit)))
	}
	acc.Completes = acc.NewWatermark == inv.DurationDays && !now.Before(inv.EndTime())
	return acc
}

// Apply advances the investment by acc. It is the only mutation of the
// watermark and status.
func (inv *Investment) Apply(acc Accrual, now time.Time) {
	if acc.DaysToCredit > 0 {
		inv.ClaimWatermarkDays = acc.NewWatermark
		inv.TotalClaimed = inv.TotalClaimed.Add(acc.Amount)
		at := now
		inv.LastClaimAt = &at
	}
	if acc.Completes && inv.IsActive() {
		inv.Status = StatusCompleted
		at := now
		inv.CompletedAt = &at
	}
}

// =============================================================================
// VIEW
// =============================================================================

// View is an investment with its derived figures at an instant.
type View struct {
	Investment
	ElapsedDays         int             `json:"elapsed_days"`
	RemainingDays       int             `json:"remaining_days"`
	AccruedProfit       decimal.Decimal `json:"accrued_profit"`
	ClaimableAmount     decimal.Decimal `json:"claimable_amount"`
	ClaimableNow        bool            `json:"claimable_now"`
	ProgressPercent     decimal.Decimal `json:"progress_percent"`
	NextAccrualAt       *time.Time      `json:"next_accrual_at,omitempty"`
	ExpectedTotalProfit decimal.Decimal `json:"expected_total_profit"`
}

func (inv Investment) ViewAt(now time.Time) View {
	acc := inv.Accrue(now)
	v := View{
		Investment:          inv,
		ElapsedDays:         acc.ElapsedDays,
		RemainingDays:       inv.DurationDays - acc.ElapsedDays,
		AccruedProfit:       inv.DailyProfit.Mul(decimal.NewFromInt(int64(acc.ElapsedDays))),
		ClaimableAmount:     acc.Amount,
		ClaimableNow:        acc.DaysToCredit > 0,
		ProgressPercent:     decimal.Zero,
		ExpectedTotalProfit: inv.DailyProfit.Mul(decimal.NewFromInt(int64(inv.DurationDays))),
	}
	if inv.DurationDays > 0 {
		v.ProgressPercent = decimal.NewFromInt(int64(acc.ElapsedDays * 100)).
			Div(decimal.NewFromInt(int64(inv.DurationDays))).
			Round(generic.MoneyPlaces)
	}
	if inv.IsActive() && acc.ElapsedDays < inv.DurationDays {
		next := inv.StartTime.Add(time.Duration(acc.ElapsedDays+1) * generic.OneDay)
		v.NextAccrualAt = &next
	}
	return v
}
