/*
Package account owns the user money ledger.

PURPOSE:
  A user account carries two spendable buckets and a set of lifetime
  counters. Every balance movement in the system lands here, either through
  the Ledger primitives or through the pure mutators below when another
  component (investment engine, referral calculator) composes a multi-entity
  atomic write.

BUCKETS:
  balance              spendable; credited by approved deposits and the
                       signup bonus, debited by plan purchases
  withdrawable_profit  claimed profit and referral commission, debited by
                       approved withdrawals

COUNTERS (never decrease):
  total_invested, total_earned, total_deposited, total_withdrawn,
  referral_earnings, referral_count, deposit_count

INVARIANT:
  No field is ever negative. Validate runs before every staged write, so a
  violating mutation never reaches the store.

SEE ALSO:
  - ledger.go: the store-backed primitives
  - investment/engine.go: purchase debit and profit credit compositions
  - referral/calculator.go: signup and commission compositions
*/
package account

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alarab/profit-engine/generic"
)

// =============================================================================
// ACCOUNT
// =============================================================================

type Account struct {
	ID                 string          `json:"id"`
	Username           string          `json:"username"`
	Balance            decimal.Decimal `json:"balance"`
	WithdrawableProfit decimal.Decimal `json:"withdrawable_profit"`
	TotalInvested      decimal.Decimal `json:"total_invested"`
	TotalEarned        decimal.Decimal `json:"total_earned"`
	TotalDeposited     decimal.Decimal `json:"total_deposited"`
	TotalWithdrawn     decimal.Decimal `json:"total_withdrawn"`
	DepositCount       int             `json:"deposit_count"`
	ReferralCode       string          `json:"referral_code"`
	ReferredBy         string          `json:"referred_by,omitempty"`
	ReferralEarnings   decimal.Decimal `json:"referral_earnings"`
	ReferralCount      int             `json:"referral_count"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

const pathRoot = "users"

// Path returns the store path of a user's account entry.
func Path(userID string) generic.Path { return generic.JoinPath(pathRoot, userID) }

// Prefix is the listing prefix of all accounts.
func Prefix() generic.Path { return generic.Path(pathRoot) }

// =============================================================================
// PURE MUTATORS
// =============================================================================

// DebitForPurchase moves amount out of balance into total_invested.
func (a *Account) DebitForPurchase(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return generic.ErrInvalidAmount
	}
	if a.Balance.LessThan(amount) {
		return &generic.InsufficientFundsError{
			UserID:    a.ID,
			Field:     generic.FieldBalance,
			Available: a.Balance,
			Requested: amount,
		}
	}
	a.Balance = a.Balance.Sub(amount)
	a.TotalInvested = a.TotalInvested.Add(amount)
	return nil
}

// CreditProfit moves claimed profit into the withdrawable bucket.
func (a *Account) CreditProfit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return generic.ErrInvalidAmount
	}
	a.WithdrawableProfit = a.WithdrawableProfit.Add(amount)
	a.TotalEarned = a.TotalEarned.Add(amount)
	return nil
}

func (a *Account) CreditDeposit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return generic.ErrInvalidAmount
	}
	a.Balance = a.Balance.Add(amount)
	a.TotalDeposited = a.TotalDeposited.Add(amount)
	a.DepositCount++
	return nil
}

func (a *Account) DebitWithdrawal(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return generic.ErrInvalidAmount
	}
	if a.WithdrawableProfit.LessThan(amount) {
		return &generic.InsufficientFundsError{
			UserID:    a.ID,
			Field:     generic.FieldWithdrawableProfit,
			Available: a.WithdrawableProfit,
			Requested: amount,
		}
	}
	a.WithdrawableProfit = a.WithdrawableProfit.Sub(amount)
	a.TotalWithdrawn = a.TotalWithdrawn.Add(amount)
	return nil
}

// CreditCommission pays referral commission into the withdrawable bucket.
// Commission is not profit: total_earned is left alone.
func (a *Account) CreditCommission(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return generic.ErrInvalidAmount
	}
	a.WithdrawableProfit = a.WithdrawableProfit.Add(amount)
	a.ReferralEarnings = a.ReferralEarnings.Add(amount)
	return nil
}

// Validate reports the first negative field.
func (a *Account) Validate() error {
	fields := []struct {
		name  string
		value decimal.Decimal
	}{
		{"balance", a.Balance},
		{"withdrawable_profit", a.WithdrawableProfit},
		{"total_invested", a.TotalInvested},
		{"total_earned", a.TotalEarned},
		{"total_deposited", a.TotalDeposited},
		{"total_withdrawn", a.TotalWithdrawn},
		{"referral_earnings", a.ReferralEarnings},
	}
	for _, f := range fields {
		if f.value.IsNegative() {
			return fmt.Errorf("account %s: %s is negative (%s)", a.ID, f.name, f.value)
		}
	}
	if a.ReferralCount < 0 || a.DepositCount < 0 {
		return fmt.Errorf("account %s: negative counter", a.ID)
	}
	if a.ReferredBy != "" && a.ReferredBy == a.ID {
		return fmt.Errorf("account %s: cannot refer itself", a.ID)
	}
	return nil
}

// Stage validates the account, stamps UpdatedAt and adds it to the batch,
// expecting the given stored version (VersionAbsent for a new account).
func (a *Account) Stage(b *generic.Batch, expectVersion int64, now time.Time) error {
	if err := a.Validate(); err != nil {
		return err
	}
	a.UpdatedAt = now
	return b.Put(Path(a.ID), a, expectVersion)
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is the read model returned to callers.
type Snapshot struct {
	UserID             string          `json:"user_id"`
	Username           string          `json:"username"`
	Balance            decimal.Decimal `json:"balance"`
	WithdrawableProfit decimal.Decimal `json:"withdrawable_profit"`
	TotalInvested      decimal.Decimal `json:"total_invested"`
	TotalEarned        decimal.Decimal `json:"total_earned"`
	TotalDeposited     decimal.Decimal `json:"total_deposited"`
	TotalWithdrawn     decimal.Decimal `json:"total_withdrawn"`
	ReferralCode       string          `json:"referral_code"`
	ReferredBy         string          `json:"referred_by,omitempty"`
	ReferralEarnings   decimal.Decimal `json:"referral_earnings"`
	ReferralCount      int             `json:"referral_count"`
	AsOf               time.Time       `json:"as_of"`
}

func (a Account) Snapshot(asOf time.Time) Snapshot {
	return Snapshot{
		UserID:             a.ID,
		Username:           a.Username,
		Balance:            a.Balance,
		WithdrawableProfit: a.WithdrawableProfit,
		TotalInvested:      a.TotalInvested,
		TotalEarned:        a.TotalEarned,
		TotalDeposited:     a.TotalDeposited,
		TotalWithdrawn:     a.TotalWithdrawn,
		ReferralCode:       a.ReferralCode,
		ReferredBy:         a.ReferredBy,
		ReferralEarnings:   a.ReferralEarnings,
		ReferralCount:      a.ReferralCount,
		AsOf:               asOf,
	}
}
