/*
handlers.go - HTTP API handlers for the profit engine

PURPOSE:
  Exposes the ledger, the investment engine and the referral calculator over
  REST. Handles request decoding, identity and response encoding; every rule
  lives in the domain packages.

ENDPOINTS:
  Public:
    GET    /api/plans                        Active plan catalogue

  User (bearer token, sub = user id):
    POST   /api/signup                       Create the caller's account
    GET    /api/me/account                   Ledger snapshot
    GET    /api/me/activity?limit=N          Activity, newest first
    GET    /api/me/investments               Investments with derived figures
    POST   /api/me/investments               Buy a plan
    POST   /api/me/investments/{id}/claim    Claim one investment
    POST   /api/me/claim                     Claim all active investments
    GET    /api/me/referrals                 Referral stats and commissions

  Admin (role=admin):
    POST   /api/admin/deposits/approved      Credit an approved deposit
    POST   /api/admin/withdrawals/approved   Debit an approved withdrawal
    POST   /api/admin/plans                  Upsert a plan from JSON
    POST   /api/admin/sweep                  Sweep all (or this partition's) users
    GET    /api/admin/users/{id}/account     Any user's snapshot

ERROR HANDLING:
  - 400: validation errors, insufficient funds, bad plan amount
  - 401/403: missing or insufficient credentials
  - 404: unknown user, investment or plan
  - 409: account already exists
  - 503: store failure or timeout, safe to retry
  - 500: anything else

SEE ALSO:
  - dto.go: request and response bodies
  - server.go: router and middleware
  - auth.go: bearer tokens
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/alarab/profit-engine/account"
	"github.com/alarab/profit-engine/catalog"
	"github.com/alarab/profit-engine/generic"
	"github.com/alarab/profit-engine/investment"
	"github.com/alarab/profit-engine/referral"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *account.Ledger
	Engine    *investment.Engine
	Referrals *referral.Calculator
	Plans     *catalog.StoreCatalog
	Clock     generic.Clock

	// SweepOptions is used by the admin sweep endpoint.
	SweepOptions investment.SweepOptions

	// Pinger, when set, is checked by /healthz.
	Pinger Pinger

	Logger *slog.Logger
}

func NewHandler(ledger *account.Ledger, engine *investment.Engine, referrals *referral.Calculator, plans *catalog.StoreCatalog) *Handler {
	return &Handler{
		Ledger:    ledger,
		Engine:    engine,
		Referrals: referrals,
		Plans:     plans,
		Clock:     generic.SystemClock{},
		Logger:    slog.Default().With("component", "api"),
	}
}

// Pinger is implemented by the SQL stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 500
	maxPlanBody          = 64 << 10
)

// =============================================================================
// HEALTH AND PLANS
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Pinger != nil {
		if err := h.Pinger.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListPlans returns the enabled plans, cheapest first.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Plans.List(r.Context(), true)
	if err != nil {
		h.writeDomainError(w, "Failed to list plans", err)
		return
	}
	out := make([]catalog.PlanJSON, len(plans))
	for i, p := range plans {
		out[i] = catalog.ToJSON(p)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// USER HANDLERS
// =============================================================================

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		writeError(w, http.StatusBadRequest, "username is required", nil)
		return
	}

	res, err := h.Referrals.OnSignup(r.Context(), referral.NewUser{ID: claims.UserID, Username: req.Username}, req.ReferralCode)
	if err != nil {
		h.writeDomainError(w, "Signup failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, SignupResponse{
		Account:         res.Account.Snapshot(h.Clock.Now()),
		ReferralApplied: res.ReferralApplied,
		ReferrerID:      res.ReferrerID,
		Bonus:           res.Bonus,
	})
}

func (h *Handler) GetMyAccount(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	h.writeSnapshot(w, r, claims.UserID)
}

func (h *Handler) GetMyActivity(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	limit := defaultActivityLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = min(n, maxActivityLimit)
	}

	items, err := h.Ledger.Activity(r.Context(), claims.UserID, limit)
	if err != nil {
		h.writeDomainError(w, "Failed to load activity", err)
		return
	}
	writeJSON(w, http.StatusOK, ActivityResponse{Items: items})
}

func (h *Handler) ListMyInvestments(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	views, err := h.Engine.List(r.Context(), claims.UserID)
	if err != nil {
		h.writeDomainError(w, "Failed to list investments", err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "plan_id is required", nil)
		return
	}

	inv, err := h.Engine.PurchasePlan(r.Context(), claims.UserID, req.PlanID, req.Amount)
	if err != nil {
		h.writeDomainError(w, "Purchase failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, inv.ViewAt(h.Clock.Now()))
}

func (h *Handler) ClaimInvestment(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	investmentID := chi.URLParam(r, "id")

	res, err := h.Engine.Claim(r.Context(), claims.UserID, investmentID)
	if err != nil {
		h.writeDomainError(w, "Claim failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimResponse{
		Investment:   res.Investment.ViewAt(h.Clock.Now()),
		Credited:     res.Credited,
		DaysCredited: res.DaysCredited,
		Completed:    res.Completed,
	})
}

// ClaimAll sweeps the caller's active investments. Partial failures are
// reported alongside the partial result.
func (h *Handler) ClaimAll(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	res, err := h.Engine.Sweep(r.Context(), claims.UserID)
	if err != nil && res.Claimed == 0 && res.Completed == 0 {
		h.writeDomainError(w, "Claim failed", err)
		return
	}
	if err != nil {
		h.Logger.Warn("partial claim", "user_id", claims.UserID, "error", err)
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) GetMyReferrals(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	ctx := r.Context()

	stats, err := h.Referrals.Stats(ctx, claims.UserID, h.Clock.Now())
	if err != nil {
		h.writeDomainError(w, "Failed to load referrals", err)
		return
	}
	recs, err := h.Referrals.Commissions(ctx, claims.UserID)
	if err != nil {
		h.writeDomainError(w, "Failed to load commissions", err)
		return
	}
	writeJSON(w, http.StatusOK, ReferralsResponse{Stats: stats, Commissions: recs})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) ApproveDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositApprovedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Ledger.CreditApprovedDeposit(r.Context(), account.DepositApproved{
		UserID:         req.UserID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeDomainError(w, "Deposit failed", err)
		return
	}
	writeJSON(w, http.StatusOK, DepositResponse{
		Account:    res.Account.Snapshot(h.Clock.Now()),
		Replayed:   res.Replayed,
		First:      res.First,
		Commission: res.Commission,
	})
}

func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalApprovedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Ledger.DebitApprovedWithdrawal(r.Context(), account.WithdrawalApproved{
		UserID:         req.UserID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeDomainError(w, "Withdrawal failed", err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawalResponse{
		Account:  res.Account.Snapshot(h.Clock.Now()),
		Replayed: res.Replayed,
	})
}

// SavePlan upserts a plan from its JSON definition.
func (h *Handler) SavePlan(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPlanBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	plan, err := catalog.ParsePlan(raw)
	if err != nil {
		h.writeDomainError(w, "Invalid plan", err)
		return
	}
	if err := h.Plans.Save(r.Context(), plan); err != nil {
		h.writeDomainError(w, "Failed to save plan", err)
		return
	}
	writeJSON(w, http.StatusCreated, catalog.ToJSON(plan))
}

func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.SweepAll(r.Context(), h.SweepOptions)
	if err != nil {
		h.Logger.Warn("sweep finished with errors", "failed", res.Failed, "error", err)
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) GetUserAccount(w http.ResponseWriter, r *http.Request) {
	h.writeSnapshot(w, r, chi.URLParam(r, "id"))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) writeSnapshot(w http.ResponseWriter, r *http.Request, userID string) {
	snap, err := h.Ledger.Snapshot(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, "Failed to load account", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors to a status, a stable code and,
// for funds and plan errors, structured details.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status, code := classify(err)
	resp := ErrorResponse{Error: message, Code: code, Details: err.Error()}

	var funds *generic.InsufficientFundsError
	var bounds *generic.InvalidPlanAmountError
	switch {
	case errors.As(err, &funds):
		resp.Details = map[string]any{
			"field":     funds.Field,
			"available": funds.Available,
			"requested": funds.Requested,
			"shortfall": funds.Shortfall(),
		}
	case errors.As(err, &bounds):
		resp.Details = map[string]any{
			"plan_id":   bounds.PlanID,
			"requested": bounds.Requested,
			"min":       bounds.Min,
			"max":       bounds.Max,
			"fixed":     bounds.Fixed,
			"message":   bounds.Error(),
		}
	}

	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, "error", err, "status", status)
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	case generic.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, generic.ErrAccountExists):
		return http.StatusConflict, "account_exists"
	case errors.Is(err, generic.ErrInsufficientBalance):
		return http.StatusBadRequest, "insufficient_balance"
	case errors.Is(err, generic.ErrInsufficientWithdrawable):
		return http.StatusBadRequest, "insufficient_withdrawable"
	case errors.Is(err, generic.ErrInvalidPlanAmount):
		return http.StatusBadRequest, "invalid_plan_amount"
	case generic.IsClientError(err):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, generic.ErrPersistence):
		return http.StatusServiceUnavailable, "persistence"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
