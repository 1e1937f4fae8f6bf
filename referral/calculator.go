/*
calculator.go - Referral commission calculator

PURPOSE:
  Creates accounts at signup (with the signup bonus and an optional referral
  link) and pays the referrer a tiered percentage of the referred user's
  qualifying deposit.

SIGNUP:
  code resolves   -> referred_by = referrer, ReferredBonus, referrer's
                     referral_count + 1 (same atomic write, CAS on referrer)
  code unknown    -> BaseBonus, no link, signup still succeeds
  no code         -> BaseBonus
  Every account gets its own code, indexed at referral_codes/{CODE} with an
  absent-only write. Taken codes are skipped before the write; a code
  claimed concurrently fails the write and the retry draws a fresh one.

COMMISSION:
  commission = round2(deposit * RateFor(referrer.referral_count))
  Paid into the referrer's withdrawable_profit and referral_earnings. By
  default only the referred user's first approved deposit qualifies.

EXACTLY ONCE:
  The commission record id is a name-based UUID of the deposit idempotency
  key, written absent-only inside the deposit's own atomic write. A replayed
  deposit never reaches the hook (the ledger sees its marker), and even if it
  did, the record path would collide.

SEE ALSO:
  - account/ledger.go: calls OnQualifyingDeposit through account.DepositHook
  - config.go: bonuses and tiers
*/
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alarab/profit-engine/account"
	"github.com/alarab/profit-engine/events"
	"github.com/alarab/profit-engine/generic"
	"github.com/alarab/profit-engine/metrics"
)

var commissionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("profit-engine/referral-commission"))

// =============================================================================
// RECORDS
// =============================================================================

// CommissionRecord is the append-only audit of one commission payment.
type CommissionRecord struct {
	ID                string          `json:"id"`
	ReferrerID        string          `json:"referrer_id"`
	ReferredUserID    string          `json:"referred_user_id"`
	SourceEventAmount decimal.Decimal `json:"source_event_amount"`
	CommissionAmount  decimal.Decimal `json:"commission_amount"`
	CommissionRate    decimal.Decimal `json:"commission_rate"`
	DepositKey        string          `json:"deposit_key"`
	Timestamp         time.Time       `json:"timestamp"`
}

func CommissionPrefix(referrerID string) generic.Path {
	return generic.JoinPath("referral_commissions", referrerID)
}

func CommissionPath(referrerID, id string) generic.Path {
	return CommissionPrefix(referrerID).Child(id)
}

// CommissionID derives the record id from the deposit idempotency key.
func CommissionID(depositKey string) string {
	return uuid.NewSHA1(commissionNamespace, []byte(depositKey)).String()
}

type codeIndex struct {
	Code   string `json:"code"`
	UserID string `json:"user_id"`
}

func codePath(code string) generic.Path {
	return generic.JoinPath("referral_codes", url.PathEscape(code))
}

// =============================================================================
// CALCULATOR
// =============================================================================

type Calculator struct {
	store     generic.Store
	clock     generic.Clock
	retry     generic.RetryPolicy
	publisher events.Publisher
	logger    *slog.Logger
	cfg       Config
	codes     CodeGenerator
}

type Option func(*Calculator)

func WithClock(c generic.Clock) Option { return func(k *Calculator) { k.clock = c } }

func WithRetryPolicy(p generic.RetryPolicy) Option { return func(k *Calculator) { k.retry = p } }

func WithPublisher(p events.Publisher) Option { return func(k *Calculator) { k.publisher = p } }

func WithLogger(l *slog.Logger) Option { return func(k *Calculator) { k.logger = l } }

func WithConfig(cfg Config) Option { return func(k *Calculator) { k.cfg = cfg } }

func WithCodeGenerator(g CodeGenerator) Option { return func(k *Calculator) { k.codes = g } }

func NewCalculator(store generic.Store, opts ...Option) (*Calculator, error) {
	k := &Calculator{
		store:     store,
		clock:     generic.SystemClock{},
		retry:     generic.DefaultRetryPolicy(),
		publisher: events.Noop{},
		logger:    slog.Default(),
		cfg:       DefaultConfig(),
		codes:     DefaultCode,
	}
	for _, opt := range opts {
		opt(k)
	}
	if err := k.cfg.Validate(); err != nil {
		return nil, err
	}
	k.logger = k.logger.With("component", "referral")
	return k, nil
}

func (k *Calculator) Config() Config { return k.cfg }

// =============================================================================
// SIGNUP
// =============================================================================

type NewUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type SignupResult struct {
	Account         account.Account `json:"account"`
	ReferralApplied bool            `json:"referral_applied"`
	ReferrerID      string          `json:"referrer_id,omitempty"`
	Bonus           decimal.Decimal `json:"bonus"`
}

// ResolveCode returns the owner of a referral code.
func (k *Calculator) ResolveCode(ctx context.Context, code string) (string, bool, error) {
	code = NormalizeCode(code)
	if code == "" {
		return "", false, nil
	}
	idx, _, err := generic.ReadJSON[codeIndex](ctx, k.store, codePath(code))
	if errors.Is(err, generic.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return idx.UserID, true, nil
}

// OnSignup creates the account of a new user. An unknown referral code is
// not an error: the user simply gets the base bonus.
func (k *Calculator) OnSignup(ctx context.Context, user NewUser, referralCode string) (SignupResult, error) {
	if user.ID == "" || strings.Contains(user.ID, "/") {
		return SignupResult{}, fmt.Errorf("signup: invalid user id %q", user.ID)
	}
	if strings.TrimSpace(user.Username) == "" {
		return SignupResult{}, fmt.Errorf("signup %s: username required", user.ID)
	}

	var result SignupResult
	err := k.retryFor("signup").Do(ctx, func(ctx context.Context) error {
		result = SignupResult{}

		exists, err := generic.Exists(ctx, k.store, account.Path(user.ID))
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", generic.ErrAccountExists, user.ID)
		}

		var (
			referrer        account.Account
			referrerVersion int64
			referred        bool
		)
		if referrerID, ok, err := k.ResolveCode(ctx, referralCode); err != nil {
			return err
		} else if ok && referrerID != user.ID {
			referrer, referrerVersion, err = account.Load(ctx, k.store, referrerID)
			switch {
			case err == nil:
				referred = true
			case !errors.Is(err, generic.ErrNotFound):
				return err
			}
		}

		code, err := k.drawCode(ctx, user.Username)
		if err != nil {
			return err
		}

		now := k.clock.Now()
		acct := account.Account{
			ID:           user.ID,
			Username:     strings.TrimSpace(user.Username),
			Balance:      k.cfg.BaseBonus,
			ReferralCode: code,
			CreatedAt:    now,
		}
		if referred {
			acct.Balance = k.cfg.ReferredBonus
			acct.ReferredBy = referrer.ID
		}

		b := generic.NewBatch()
		if err := acct.Stage(b, generic.VersionAbsent, now); err != nil {
			return err
		}
		if err := b.Put(codePath(acct.ReferralCode), codeIndex{Code: acct.ReferralCode, UserID: acct.ID}, generic.VersionAbsent); err != nil {
			return err
		}
		if referred {
			referrer.ReferralCount++
			if err := referrer.Stage(b, referrerVersion, now); err != nil {
				return err
			}
		}
		if acct.Balance.IsPositive() {
			reason := "signup bonus"
			if referred {
				reason = "referred signup bonus"
			}
			if err := b.AppendActivity(generic.Activity{
				ID:          "signup-bonus",
				UserID:      acct.ID,
				Type:        generic.ActivityBonus,
				Field:       generic.FieldBalance,
				Delta:       acct.Balance,
				ReferenceID: acct.ReferredBy,
				Reason:      reason,
				CreatedAt:   now,
			}); err != nil {
				return err
			}
		}
		if err := generic.Commit(ctx, k.store, b); err != nil {
			return err
		}

		result = SignupResult{Account: acct, ReferralApplied: referred, ReferrerID: acct.ReferredBy, Bonus: acct.Balance}
		return nil
	})
	if err != nil {
		return SignupResult{}, fmt.Errorf("signup %s: %w", user.ID, err)
	}

	metrics.SignupsTotal.WithLabelValues(fmt.Sprint(result.ReferralApplied)).Inc()
	k.logger.Info("account created",
		"user_id", user.ID, "referral_code", result.Account.ReferralCode,
		"referred_by", result.ReferrerID, "bonus", result.Bonus.String())
	k.publish(ctx, events.New(events.ReferralSignup, user.ID, user.ID, result.Account.CreatedAt, map[string]any{
		"referred_by": result.ReferrerID,
		"bonus":       result.Bonus,
	}))
	return result, nil
}

// maxCodeDraws bounds the search for a free referral code. Taken codes are
// skipped here, so only a concurrent claim of the same code costs a retry.
const maxCodeDraws = 32

// drawCode returns a generated code whose index entry does not exist yet.
func (k *Calculator) drawCode(ctx context.Context, username string) (string, error) {
	for i := 0; i < maxCodeDraws; i++ {
		code := NormalizeCode(k.codes(username))
		if code == "" {
			continue
		}
		taken, err := generic.Exists(ctx, k.store, codePath(code))
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("no free referral code after %d draws", maxCodeDraws)
}

// =============================================================================
// COMMISSION
// =============================================================================

// OnQualifyingDeposit implements account.DepositHook.
func (k *Calculator) OnQualifyingDeposit(ctx context.Context, b *generic.Batch, user account.Account, dep account.DepositApproved, first bool) (account.HookResult, error) {
	none := account.HookResult{Commission: decimal.Zero}
	if user.ReferredBy == "" || (!first && !k.cfg.EveryDeposit) {
		return none, nil
	}

	referrer, version, err := account.Load(ctx, k.store, user.ReferredBy)
	if errors.Is(err, generic.ErrNotFound) {
		k.logger.Warn("referrer missing, no commission", "user_id", user.ID, "referred_by", user.ReferredBy)
		return none, nil
	}
	if err != nil {
		return none, err
	}

	rate := k.cfg.RateFor(referrer.ReferralCount)
	commission := generic.RoundMoney(dep.Amount.Mul(rate))
	if !commission.IsPositive() {
		return none, nil
	}

	now := k.clock.Now()
	if err := referrer.CreditCommission(commission); err != nil {
		return none, err
	}
	if err := referrer.Stage(b, version, now); err != nil {
		return none, err
	}

	rec := CommissionRecord{
		ID:                CommissionID(dep.IdempotencyKey),
		ReferrerID:        referrer.ID,
		ReferredUserID:    user.ID,
		SourceEventAmount: dep.Amount,
		CommissionAmount:  commission,
		CommissionRate:    rate,
		DepositKey:        dep.IdempotencyKey,
		Timestamp:         now,
	}
	if err := b.Put(CommissionPath(referrer.ID, rec.ID), rec, generic.VersionAbsent); err != nil {
		return none, err
	}
	if err := b.AppendActivity(generic.Activity{
		ID:          "commission-" + rec.ID,
		UserID:      referrer.ID,
		Type:        generic.ActivityCommission,
		Field:       generic.FieldWithdrawableProfit,
		Delta:       commission,
		ReferenceID: user.ID,
		Reason:      fmt.Sprintf("%s%% of %s", rate.Shift(2).String(), dep.Amount.String()),
		CreatedAt:   now,
	}); err != nil {
		return none, err
	}

	return account.HookResult{
		Commission: commission,
		Events: []events.Event{
			events.New(events.ReferralCommissionPaid, rec.ID, referrer.ID, now, rec),
		},
	}, nil
}

// Commissions returns a referrer's commission records newest first.
func (k *Calculator) Commissions(ctx context.Context, referrerID string) ([]CommissionRecord, error) {
	recs, err := generic.ListJSON[CommissionRecord](ctx, k.store, CommissionPrefix(referrerID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.After(recs[j].Timestamp) })
	return recs, nil
}

// =============================================================================
// STATS
// =============================================================================

type Stats struct {
	ReferrerID          string           `json:"referrer_id"`
	ReferralCode        string           `json:"referral_code"`
	TotalReferrals      int              `json:"total_referrals"`
	TotalEarnings       decimal.Decimal  `json:"total_earnings"`
	MonthCommissions    int              `json:"month_commissions"`
	MonthEarnings       decimal.Decimal  `json:"month_earnings"`
	CurrentRate         decimal.Decimal  `json:"current_rate"`
	NextTierRate        *decimal.Decimal `json:"next_tier_rate,omitempty"` // nil at the top tier
	ReferralsToNextTier int              `json:"referrals_to_next_tier"`
}

// Stats summarizes a referrer's program standing as of now.
func (k *Calculator) Stats(ctx context.Context, referrerID string, now time.Time) (Stats, error) {
	acct, _, err := account.Load(ctx, k.store, referrerID)
	if err != nil {
		return Stats{}, err
	}
	recs, err := k.Commissions(ctx, referrerID)
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		ReferrerID:     acct.ID,
		ReferralCode:   acct.ReferralCode,
		TotalReferrals: acct.ReferralCount,
		TotalEarnings:  acct.ReferralEarnings,
		MonthEarnings:  decimal.Zero,
		CurrentRate:    k.cfg.RateFor(acct.ReferralCount),
	}
	monthStart := generic.StartOfMonth(now)
	for _, r := range recs {
		if !r.Timestamp.Before(monthStart) && !r.Timestamp.After(now) {
			s.MonthCommissions++
			s.MonthEarnings = s.MonthEarnings.Add(r.CommissionAmount)
		}
	}
	if next, ok := k.cfg.NextTier(acct.ReferralCount); ok {
		rate := next.Rate
		s.NextTierRate = &rate
		s.ReferralsToNextTier = next.MinReferrals - acct.ReferralCount
	}
	return s, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (k *Calculator) retryFor(op string) generic.RetryPolicy {
	p := k.retry
	p.OnConflict = metrics.ConflictCounter(op)
	return p
}

func (k *Calculator) publish(ctx context.Context, evs ...events.Event) {
	if err := k.publisher.Publish(ctx, evs...); err != nil {
		k.logger.Warn("event publish failed", "error", err, "count", len(evs))
	}
}
