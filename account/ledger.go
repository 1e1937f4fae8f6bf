/*
ledger.go - Store-backed account primitives

PURPOSE:
  The four mutation primitives of the account ledger, each one atomic write
  that includes its activity entry:
    DebitForPurchase         balance -> total_invested
    CreditProfit             -> withdrawable_profit, total_earned
    CreditApprovedDeposit    -> balance, total_deposited (+ referral hook)
    DebitApprovedWithdrawal  withdrawable_profit -> total_withdrawn

APPROVAL EVENTS:
  Deposits and withdrawals are approved upstream (admin back-office). The
  ledger only applies their effect, exactly once per idempotency key. The
  processed key is recorded as a marker entry in the same atomic write:
    deposit_events/{key}
    withdrawal_events/{key}
  A replay finds the marker and returns Replayed=true without touching money.

DEPOSIT HOOK:
  A qualifying deposit may pay a referral commission. The hook receives the
  open batch and adds the referrer's writes to it, so the deposit and its
  commission commit together or not at all.

CONCURRENCY:
  Read-compute-write under generic.RetryPolicy. The account entry is written
  with its read version; a concurrent writer causes ErrConflict and a retry
  from a fresh read.

SEE ALSO:
  - account.go: pure mutators and Validate
  - referral/calculator.go: the DepositHook implementation
*/
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alarab/profit-engine/events"
	"github.com/alarab/profit-engine/generic"
	"github.com/alarab/profit-engine/metrics"
)

// =============================================================================
// INPUTS / OUTPUTS
// =============================================================================

// DepositApproved is the upstream event for an approved deposit. The
// idempotency key is mandatory.
type DepositApproved struct {
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// WithdrawalApproved is the upstream event for an approved withdrawal. The
// idempotency key is optional; without it replays are not detected.
type WithdrawalApproved struct {
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type DepositResult struct {
	Account    Account
	Replayed   bool
	First      bool
	Commission decimal.Decimal // paid to the referrer, zero when none
}

type WithdrawalResult struct {
	Account  Account
	Replayed bool
}

// marker records a processed approval event.
type marker struct {
	Key         string          `json:"key"`
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	ProcessedAt time.Time       `json:"processed_at"`
}

func depositMarkerPath(key string) generic.Path {
	return generic.JoinPath("deposit_events", url.PathEscape(key))
}

func withdrawalMarkerPath(key string) generic.Path {
	return generic.JoinPath("withdrawal_events", url.PathEscape(key))
}

// HookResult is what a DepositHook added to the batch.
type HookResult struct {
	Events     []events.Event
	Commission decimal.Decimal
}

// DepositHook runs inside the deposit's atomic write. user is the depositing
// account after the credit; first reports whether this is its first approved
// deposit. Writes must be added to b; nothing may be committed directly.
type DepositHook interface {
	OnQualifyingDeposit(ctx context.Context, b *generic.Batch, user Account, deposit DepositApproved, first bool) (HookResult, error)
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store     generic.Store
	clock     generic.Clock
	retry     generic.RetryPolicy
	publisher events.Publisher
	logger    *slog.Logger
	hook      DepositHook
}

type Option func(*Ledger)

func WithClock(c generic.Clock) Option { return func(l *Ledger) { l.clock = c } }
func WithRetryPolicy(p generic.RetryPolicy) Option { return func(l *Ledger) { l.retry = p } }
func WithPublisher(p events.Publisher) Option { return func(l *Ledger) { l.publisher = p } }
func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }
func WithDepositHook(h DepositHook) Option { return func(l *Ledger) { l.hook = h } }

func NewLedger(store generic.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		clock:     generic.SystemClock{},
		retry:     generic.DefaultRetryPolicy(),
		publisher: events.Noop{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "account")
	return l
}

// Load reads an account with its stored version.
func Load(ctx context.Context, s generic.Store, userID string) (Account, int64, error) {
	acct, version, err := generic.ReadJSON[Account](ctx, s, Path(userID))
	if errors.Is(err, generic.ErrNotFound) {
		return Account{}, 0, generic.NotFoundf("user %s", userID)
	}
	return acct, version, err
}

// =============================================================================
// READS
// =============================================================================

func (l *Ledger) Get(ctx context.Context, userID string) (Account, error) {
	acct, _, err := Load(ctx, l.store, userID)
	return acct, err
}

func (l *Ledger) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	acct, err := l.Get(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	return acct.Snapshot(l.clock.Now()), nil
}

// ListIDs returns every account id in path order.
func (l *Ledger) ListIDs(ctx context.Context) ([]string, error) {
	return ListIDs(ctx, l.store)
}

func ListIDs(ctx context.Context, s generic.Store) ([]string, error) {
	entries, err := s.List(ctx, Prefix())
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Path.Base())
	}
	return ids, nil
}

// Activity returns the user's activity newest first.
func (l *Ledger) Activity(ctx context.Context, userID string, limit int) ([]generic.Activity, error) {
	return generic.LoadActivity(ctx, l.store, userID, limit)
}

// =============================================================================
// PRIMITIVES
// =============================================================================

// DebitForPurchase debits balance for a purchase recorded elsewhere.
// reference names the purchased item in the activity entry.
func (l *Ledger) DebitForPurchase(ctx context.Context, userID string, amount decimal.Decimal, reference string) (Account, error) {
	return l.mutate(ctx, "debit_purchase", userID, func(acct *Account) (generic.Activity, error) {
		if err := acct.DebitForPurchase(amount); err != nil {
			return generic.Activity{}, err
		}
		return generic.Activity{
			Type:        generic.ActivityInvestment,
			Field:       generic.FieldBalance,
			Delta:       amount.Neg(),
			ReferenceID: reference,
		}, nil
	})
}

// CreditProfit credits withdrawable profit outside of an investment claim.
func (l *Ledger) CreditProfit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (Account, error) {
	acct, err := l.mutate(ctx, "credit_profit", userID, func(acct *Account) (generic.Activity, error) {
		if err := acct.CreditProfit(amount); err != nil {
			return generic.Activity{}, err
		}
		return generic.Activity{
			Type:        generic.ActivityProfit,
			Field:       generic.FieldWithdrawableProfit,
			Delta:       amount,
			ReferenceID: reference,
		}, nil
	})
	if err == nil {
		metrics.AddMoney(metrics.ProfitCreditedTotal, amount)
	}
	return acct, err
}

func (l *Ledger) mutate(ctx context.Context, op, userID string, apply func(*Account) (generic.Activity, error)) (Account, error) {
	var out Account
	err := l.retryFor(op).Do(ctx, func(ctx context.Context) error {
		acct, version, err := Load(ctx, l.store, userID)
		if err != nil {
			return err
		}
		activity, err := apply(&acct)
		if err != nil {
			return err
		}
		now := l.clock.Now()
		b := generic.NewBatch()
		if err := acct.Stage(b, version, now); err != nil {
			return err
		}
		activity.ID = uuid.NewString()
		activity.UserID = userID
		activity.CreatedAt = now
		if err := b.AppendActivity(activity); err != nil {
			return err
		}
		if err := generic.Commit(ctx, l.store, b); err != nil {
			return err
		}
		out = acct
		return nil
	})
	if err != nil {
		return Account{}, fmt.Errorf("%s for %s: %w", op, userID, err)
	}
	return out, nil
}

// CreditApprovedDeposit applies an approved deposit exactly once per key.
func (l *Ledger) CreditApprovedDeposit(ctx context.Context, dep DepositApproved) (DepositResult, error) {
	if dep.IdempotencyKey == "" {
		return DepositResult{}, generic.ErrMissingIdempotencyKey
	}
	if !dep.Amount.IsPositive() {
		return DepositResult{}, generic.ErrInvalidAmount
	}

	var (
		result    DepositResult
		published []events.Event
	)
	err := l.retryFor("deposit").Do(ctx, func(ctx context.Context) error {
		result, published = DepositResult{}, nil

		seen, err := generic.Exists(ctx, l.store, depositMarkerPath(dep.IdempotencyKey))
		if err != nil {
			return err
		}
		acct, version, err := Load(ctx, l.store, dep.UserID)
		if err != nil {
			return err
		}
		if seen {
			result = DepositResult{Account: acct, Replayed: true}
			return nil
		}

		first := acct.DepositCount == 0
		if err := acct.CreditDeposit(dep.Amount); err != nil {
			return err
		}

		now := l.clock.Now()
		b := generic.NewBatch()
		if err := acct.Stage(b, version, now); err != nil {
			return err
		}
		if err := b.Put(depositMarkerPath(dep.IdempotencyKey), marker{
			Key: dep.IdempotencyKey, UserID: dep.UserID, Amount: dep.Amount, ProcessedAt: now,
		}, generic.VersionAbsent); err != nil {
			return err
		}
		if err := b.AppendActivity(generic.Activity{
			ID:             uuid.NewString(),
			UserID:         dep.UserID,
			Type:           generic.ActivityDeposit,
			Field:          generic.FieldBalance,
			Delta:          dep.Amount,
			IdempotencyKey: dep.IdempotencyKey,
			CreatedAt:      now,
		}); err != nil {
			return err
		}

		var hookResult HookResult
		if l.hook != nil {
			hookResult, err = l.hook.OnQualifyingDeposit(ctx, b, acct, dep, first)
			if err != nil {
				return err
			}
		}

		if err := generic.Commit(ctx, l.store, b); err != nil {
			return err
		}

		result = DepositResult{Account: acct, First: first, Commission: hookResult.Commission}
		published = append([]events.Event{
			events.New(events.DepositCredited, dep.IdempotencyKey, dep.UserID, now, dep),
		}, hookResult.Events...)
		return nil
	})
	if err != nil {
		metrics.DepositsTotal.WithLabelValues("error").Inc()
		return DepositResult{}, fmt.Errorf("deposit %s for %s: %w", dep.IdempotencyKey, dep.UserID, err)
	}

	if result.Replayed {
		metrics.DepositsTotal.WithLabelValues("replayed").Inc()
		l.logger.Info("deposit replay ignored", "user_id", dep.UserID, "key", dep.IdempotencyKey)
		return result, nil
	}

	metrics.DepositsTotal.WithLabelValues("credited").Inc()
	metrics.AddMoney(metrics.CommissionsTotal, result.Commission)
	l.logger.Info("deposit credited",
		"user_id", dep.UserID, "amount", dep.Amount.String(),
		"first", result.First, "commission", result.Commission.String())
	l.publish(ctx, published...)
	return result, nil
}

// DebitApprovedWithdrawal applies an approved withdrawal. With a key it is
// applied at most once; without one every call debits.
func (l *Ledger) DebitApprovedWithdrawal(ctx context.Context, wd WithdrawalApproved) (WithdrawalResult, error) {
	if !wd.Amount.IsPositive() {
		return WithdrawalResult{}, generic.ErrInvalidAmount
	}

	var result WithdrawalResult
	var at time.Time
	err := l.retryFor("withdrawal").Do(ctx, func(ctx context.Context) error {
		result = WithdrawalResult{}

		seen := false
		if wd.IdempotencyKey != "" {
			var err error
			if seen, err = generic.Exists(ctx, l.store, withdrawalMarkerPath(wd.IdempotencyKey)); err != nil {
				return err
			}
		}
		acct, version, err := Load(ctx, l.store, wd.UserID)
		if err != nil {
			return err
		}
		if seen {
			result = WithdrawalResult{Account: acct, Replayed: true}
			return nil
		}

		if err := acct.DebitWithdrawal(wd.Amount); err != nil {
			return err
		}

		now := l.clock.Now()
		b := generic.NewBatch()
		if err := acct.Stage(b, version, now); err != nil {
			return err
		}
		if wd.IdempotencyKey != "" {
			if err := b.Put(withdrawalMarkerPath(wd.IdempotencyKey), marker{
				Key: wd.IdempotencyKey, UserID: wd.UserID, Amount: wd.Amount, ProcessedAt: now,
			}, generic.VersionAbsent); err != nil {
				return err
			}
		}
		if err := b.AppendActivity(generic.Activity{
			ID:             uuid.NewString(),
			UserID:         wd.UserID,
			Type:           generic.ActivityWithdrawal,
			Field:          generic.FieldWithdrawableProfit,
			Delta:          wd.Amount.Neg(),
			IdempotencyKey: wd.IdempotencyKey,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		if err := generic.Commit(ctx, l.store, b); err != nil {
			return err
		}
		result = WithdrawalResult{Account: acct}
		at = now
		return nil
	})
	if err != nil {
		metrics.WithdrawalsTotal.WithLabelValues("error").Inc()
		return WithdrawalResult{}, fmt.Errorf("withdrawal for %s: %w", wd.UserID, err)
	}

	if result.Replayed {
		metrics.WithdrawalsTotal.WithLabelValues("replayed").Inc()
		return result, nil
	}
	metrics.WithdrawalsTotal.WithLabelValues("debited").Inc()
	l.logger.Info("withdrawal debited", "user_id", wd.UserID, "amount", wd.Amount.String())
	aggregate := wd.IdempotencyKey
	if aggregate == "" {
		aggregate = wd.UserID
	}
	l.publish(ctx, events.New(events.WithdrawalDebited, aggregate, wd.UserID, at, wd))
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *Ledger) retryFor(op string) generic.RetryPolicy {
	p := l.retry
	p.OnConflict = metrics.ConflictCounter(op)
	return p
}

func (l *Ledger) publish(ctx context.Context, evs ...events.Event) {
	if err := l.publisher.Publish(ctx, evs...); err != nil {
		l.logger.Warn("event publish failed", "error", err, "count", len(evs))
	}
}
