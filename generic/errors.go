/*
errors.go - Centralized error types for the engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context; callers
  classify them with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Validation errors - rejected before any state mutation
  2. Funds errors      - a debit would drive a ledger field negative
  3. Store errors      - NotFound, Conflict (internal retry signal), Persistence

CONFLICT:
  ErrConflict is raised by Store.AtomicWrite when an expected version does not
  match. It is consumed by RetryPolicy.Do and never surfaces to a caller:
  once retries are exhausted it is reported as ErrPersistence.

SEE ALSO:
  - retry.go: turns ErrConflict into a retry
  - api/handlers.go: maps these errors to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a purchase exceeds the spendable balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientWithdrawable is returned when a withdrawal exceeds withdrawable profit.
	ErrInsufficientWithdrawable = errors.New("insufficient withdrawable profit")

	// ErrInvalidPlanAmount is returned when a purchase amount violates the plan bounds.
	ErrInvalidPlanAmount = errors.New("invalid plan amount")

	// ErrInvalidPlan is returned when a plan definition is malformed.
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrInvalidAmount is returned for zero or negative monetary inputs.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrMissingIdempotencyKey is returned when an approval event carries no key.
	ErrMissingIdempotencyKey = errors.New("idempotency key required")

	// ErrNotFound is returned for unknown users, investments and plans.
	ErrNotFound = errors.New("not found")

	// ErrAccountExists is returned when signing up an id that already has an account.
	ErrAccountExists = errors.New("account already exists")

	// ErrConflict is the optimistic-concurrency signal from AtomicWrite.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrPersistence is returned when the store fails or times out. Retrying is safe.
	ErrPersistence = errors.New("persistence failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Field names used by InsufficientFundsError.
const (
	FieldBalance            = "balance"
	FieldWithdrawableProfit = "withdrawable_profit"
)

// InsufficientFundsError provides details about a shortage on one ledger field.
type InsufficientFundsError struct {
	UserID    string
	Field     string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s: available %s, requested %s, shortfall %s",
		e.Field, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientFundsError) Unwrap() error {
	if e.Field == FieldWithdrawableProfit {
		return ErrInsufficientWithdrawable
	}
	return ErrInsufficientBalance
}

// InvalidPlanAmountError explains which bound a purchase amount violated.
type InvalidPlanAmountError struct {
	PlanID    string
	Requested decimal.Decimal
	Min       decimal.Decimal
	Max       decimal.Decimal // zero means unbounded
	Fixed     bool
}

func (e *InvalidPlanAmountError) Error() string {
	switch {
	case e.Fixed:
		return fmt.Sprintf("plan %s requires exactly %s, got %s", e.PlanID, e.Min, e.Requested)
	case e.Max.IsZero():
		return fmt.Sprintf("plan %s requires at least %s, got %s", e.PlanID, e.Min, e.Requested)
	default:
		return fmt.Sprintf("plan %s requires between %s and %s, got %s", e.PlanID, e.Min, e.Max, e.Requested)
	}
}

func (e *InvalidPlanAmountError) Unwrap() error { return ErrInvalidPlanAmount }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrPersistence)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInsufficientWithdrawable) ||
		errors.Is(err, ErrInvalidPlanAmount) ||
		errors.Is(err, ErrInvalidPlan) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrMissingIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// NotFoundf wraps ErrNotFound with a formatted subject.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}
