/*
dto.go - Request and response bodies

NAMING CONVENTION:
  - *Request:  request bodies from clients
  - *Response: response wrappers

  Domain read models (account.Snapshot, investment.View, generic.Activity,
  referral.Stats, catalog.PlanJSON) already carry snake_case JSON tags and
  are returned as they are.

VALIDATION:
  Done in handlers and the domain packages, not here.
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/alarab/profit-engine/account"
	"github.com/alarab/profit-engine/generic"
	"github.com/alarab/profit-engine/investment"
	"github.com/alarab/profit-engine/referral"
)

// =============================================================================
// REQUESTS
// =============================================================================

type SignupRequest struct {
	Username     string `json:"username"`
	ReferralCode string `json:"referral_code,omitempty"`
}

type PurchaseRequest struct {
	PlanID string          `json:"plan_id"`
	Amount decimal.Decimal `json:"amount"`
}

type DepositApprovedRequest struct {
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type WithdrawalApprovedRequest struct {
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type SignupResponse struct {
	Account         account.Snapshot `json:"account"`
	ReferralApplied bool             `json:"referral_applied"`
	ReferrerID      string           `json:"referrer_id,omitempty"`
	Bonus           decimal.Decimal  `json:"bonus"`
}

type ClaimResponse struct {
	Investment   investment.View `json:"investment"`
	Credited     decimal.Decimal `json:"credited"`
	DaysCredited int             `json:"days_credited"`
	Completed    bool            `json:"completed"`
}

type DepositResponse struct {
	Account    account.Snapshot `json:"account"`
	Replayed   bool             `json:"replayed"`
	First      bool             `json:"first_deposit"`
	Commission decimal.Decimal  `json:"referral_commission"`
}

type WithdrawalResponse struct {
	Account  account.Snapshot `json:"account"`
	Replayed bool             `json:"replayed"`
}

type ReferralsResponse struct {
	Stats       referral.Stats              `json:"stats"`
	Commissions []referral.CommissionRecord `json:"commissions"`
}

type ActivityResponse struct {
	Items []generic.Activity `json:"items"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
