/*
engine.go - Investment lifecycle engine

PURPOSE:
  Purchase, claim and sweep. Every operation is a read-compute-write cycle
  over the investment entry and the owner's account entry, committed in one
  AtomicWrite with both read versions as expectations.

OPERATIONS:
  Purchase / PurchasePlan   debit balance, create an Active investment
  Claim / ClaimAt           credit accrued days, maybe complete
  Sweep                     claim every Active investment of one user
  SweepAll                  Sweep every user, optionally one partition only
  List / Get                read models with derived figures

NO TIMER:
  The engine never schedules itself. Claims are on demand; sweeps are called
  by an external scheduler (api.SweepScheduler) or an admin request. An
  interrupted sweep is safe to restart: the watermark makes every claim
  idempotent.

EXACTLY ONCE:
  Two concurrent claims on the same investment read the same version; one
  commits, the other gets ErrConflict, re-reads the advanced watermark and
  finds nothing left to credit. The profit activity id is derived from the
  investment and watermark, so even a replayed write collides on its path.

SEE ALSO:
  - investment.go: the accrual rule
  - account/account.go: DebitForPurchase, CreditProfit
*/
package investment

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alarab/profit-engine/account"
	"github.com/alarab/profit-engine/events"
	"github.com/alarab/profit-engine/generic"
	"github.com/alarab/profit-engine/metrics"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store     generic.Store
	clock     generic.Clock
	retry     generic.RetryPolicy
	publisher events.Publisher
	logger    *slog.Logger
	plans     PlanCatalog
	newID     func() string
}

type Option func(*Engine)

func WithClock(c generic.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithRetryPolicy(p generic.RetryPolicy) Option { return func(e *Engine) { e.retry = p } }

func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.publisher = p } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithPlanCatalog enables PurchasePlan.
func WithPlanCatalog(c PlanCatalog) Option { return func(e *Engine) { e.plans = c } }

// WithIDGenerator replaces uuid.NewString for investment ids.
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

func NewEngine(store generic.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		clock:     generic.SystemClock{},
		retry:     generic.DefaultRetryPolicy(),
		publisher: events.Noop{},
		logger:    slog.Default(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "investment")
	return e
}

// =============================================================================
// PURCHASE
// =============================================================================

type purchasedPayload struct {
	PlanID    string          `json:"plan_id"`
	Principal decimal.Decimal `json:"principal"`
	Daily     decimal.Decimal `json:"daily_profit"`
	Days      int             `json:"duration_days"`
}

// PurchasePlan resolves planID through the catalogue and purchases it.
func (e *Engine) PurchasePlan(ctx context.Context, userID, planID string, amount decimal.Decimal) (Investment, error) {
	if e.plans == nil {
		return Investment{}, errors.New("investment: no plan catalog configured")
	}
	plan, err := e.plans.GetActivePlan(ctx, planID)
	if err != nil {
		return Investment{}, err
	}
	return e.Purchase(ctx, userID, plan, amount)
}

// Purchase debits amount from the user's balance and creates an Active
// investment from the plan snapshot. Nothing changes on any error.
func (e *Engine) Purchase(ctx context.Context, userID string, plan Plan, amount decimal.Decimal) (Investment, error) {
	if err := plan.Validate(); err != nil {
		metrics.PurchasesTotal.WithLabelValues(plan.ID, "rejected").Inc()
		return Investment{}, err
	}
	if err := plan.ValidateAmount(amount); err != nil {
		metrics.PurchasesTotal.WithLabelValues(plan.ID, "rejected").Inc()
		return Investment{}, err
	}

	id := e.newID()
	var created Investment
	err := e.retryFor("purchase").Do(ctx, func(ctx context.Context) error {
		acct, version, err := account.Load(ctx, e.store, userID)
		if err != nil {
			return err
		}
		if err := acct.DebitForPurchase(amount); err != nil {
			return err
		}

		now := e.clock.Now()
		inv := Investment{
			ID:           id,
			OwnerID:      userID,
			PlanID:       plan.ID,
			PlanName:     plan.Name,
			Principal:    amount,
			DailyProfit:  plan.DailyProfitFor(amount),
			DurationDays: plan.DurationDays,
			StartTime:    now,
			Status:       StatusActive,
			TotalClaimed: decimal.Zero,
		}

		b := generic.NewBatch()
		if err := acct.Stage(b, version, now); err != nil {
			return err
		}
		if err := b.Put(Path(userID, id), inv, generic.VersionAbsent); err != nil {
			return err
		}
		if err := b.AppendActivity(generic.Activity{
			ID:          "investment-" + id,
			UserID:      userID,
			Type:        generic.ActivityInvestment,
			Field:       generic.FieldBalance,
			Delta:       amount.Neg(),
			ReferenceID: id,
			Reason:      plan.Name,
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		if err := generic.Commit(ctx, e.store, b); err != nil {
			return err
		}
		created = inv
		return nil
	})
	if err != nil {
		outcome := "error"
		if generic.IsClientError(err) || generic.IsNotFound(err) {
			outcome = "rejected"
		}
		metrics.PurchasesTotal.WithLabelValues(plan.ID, outcome).Inc()
		return Investment{}, fmt.Errorf("purchase %s for %s: %w", plan.ID, userID, err)
	}

	metrics.PurchasesTotal.WithLabelValues(plan.ID, "ok").Inc()
	e.logger.Info("investment purchased",
		"user_id", userID, "investment_id", created.ID, "plan_id", plan.ID, "principal", amount.String())
	e.publish(ctx, events.New(events.InvestmentPurchased, created.ID, userID, created.StartTime, purchasedPayload{
		PlanID: plan.ID, Principal: amount, Daily: created.DailyProfit, Days: created.DurationDays,
	}))
	return created, nil
}

// =============================================================================
// CLAIM
// =============================================================================

type ClaimResult struct {
	Investment   Investment      `json:"investment"`
	Credited     decimal.Decimal `json:"credited"`
	DaysCredited int             `json:"days_credited"`
	Completed    bool            `json:"completed"`
}

type creditedPayload struct {
	Amount    decimal.Decimal `json:"amount"`
	Days      int             `json:"days"`
	Watermark int             `json:"watermark"`
}

// Claim credits everything accrued up to the engine clock's now.
func (e *Engine) Claim(ctx context.Context, userID, investmentID string) (ClaimResult, error) {
	return e.ClaimAt(ctx, userID, investmentID, e.clock.Now())
}

// ClaimAt credits everything accrued up to now. A claim with nothing to
// credit returns a zero result and writes nothing.
func (e *Engine) ClaimAt(ctx context.Context, userID, investmentID string, now time.Time) (ClaimResult, error) {
	var result ClaimResult
	err := e.retryFor("claim").Do(ctx, func(ctx context.Context) error {
		result = ClaimResult{Credited: decimal.Zero}

		inv, invVersion, err := generic.ReadJSON[Investment](ctx, e.store, Path(userID, investmentID))
		if errors.Is(err, generic.ErrNotFound) {
			return generic.NotFoundf("investment %s of %s", investmentID, userID)
		}
		if err != nil {
			return err
		}

		acc := inv.Accrue(now)
		if acc.Noop() {
			result.Investment = inv
			return nil
		}

		b := generic.NewBatch()
		if acc.DaysToCredit > 0 {
			acct, acctVersion, err := account.Load(ctx, e.store, userID)
			if err != nil {
				return err
			}
			if err := acct.CreditProfit(acc.Amount); err != nil {
				return err
			}
			if err := acct.Stage(b, acctVersion, now); err != nil {
				return err
			}
			if err := b.AppendActivity(generic.Activity{
				ID:          fmt.Sprintf("profit-%s-%d", inv.ID, acc.NewWatermark),
				UserID:      userID,
				Type:        generic.ActivityProfit,
				Field:       generic.FieldWithdrawableProfit,
				Delta:       acc.Amount,
				ReferenceID: inv.ID,
				Reason:      fmt.Sprintf("%d day(s) of %s", acc.DaysToCredit, inv.PlanName),
				CreatedAt:   now,
			}); err != nil {
				return err
			}
		}

		inv.Apply(acc, now)
		if err := b.Put(Path(userID, investmentID), inv, invVersion); err != nil {
			return err
		}
		if err := generic.Commit(ctx, e.store, b); err != nil {
			return err
		}

		result = ClaimResult{
			Investment:   inv,
			Credited:     acc.Amount,
			DaysCredited: acc.DaysToCredit,
			Completed:    acc.Completes,
		}
		return nil
	})
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues("error").Inc()
		return ClaimResult{}, fmt.Errorf("claim %s for %s: %w", investmentID, userID, err)
	}

	e.recordClaim(ctx, userID, result, now)
	return result, nil
}

func (e *Engine) recordClaim(ctx context.Context, userID string, r ClaimResult, now time.Time) {
	switch {
	case r.Completed:
		metrics.ClaimsTotal.WithLabelValues("completed").Inc()
	case r.DaysCredited > 0:
		metrics.ClaimsTotal.WithLabelValues("credited").Inc()
	default:
		metrics.ClaimsTotal.WithLabelValues("noop").Inc()
		return
	}
	metrics.AddMoney(metrics.ProfitCreditedTotal, r.Credited)

	var evs []events.Event
	if r.DaysCredited > 0 {
		e.logger.Debug("profit credited",
			"user_id", userID, "investment_id", r.Investment.ID,
			"days", r.DaysCredited, "amount", r.Credited.String())
		evs = append(evs, events.New(events.InvestmentProfitCredited, r.Investment.ID, userID, now, creditedPayload{
			Amount: r.Credited, Days: r.DaysCredited, Watermark: r.Investment.ClaimWatermarkDays,
		}))
	}
	if r.Completed {
		e.logger.Info("investment completed",
			"user_id", userID, "investment_id", r.Investment.ID, "total_claimed", r.Investment.TotalClaimed.String())
		evs = append(evs, events.New(events.InvestmentCompleted, r.Investment.ID, userID, now, nil))
	}
	e.publish(ctx, evs...)
}

// =============================================================================
// SWEEP
// =============================================================================

type SweepResult struct {
	Users       int             `json:"users"`
	Investments int             `json:"investments"`
	Claimed     int             `json:"claimed"`
	Completed   int             `json:"completed"`
	Failed      int             `json:"failed"`
	Credited    decimal.Decimal `json:"credited"`
}

func (r *SweepResult) merge(o SweepResult) {
	r.Users += o.Users
	r.Investments += o.Investments
	r.Claimed += o.Claimed
	r.Completed += o.Completed
	r.Failed += o.Failed
	r.Credited = r.Credited.Add(o.Credited)
}

// Sweep claims every Active investment of one user at a single instant.
// A failing investment does not stop the others; failures are joined into
// the returned error alongside the partial result.
func (e *Engine) Sweep(ctx context.Context, userID string) (SweepResult, error) {
	res := SweepResult{Users: 1, Credited: decimal.Zero}
	invs, err := generic.ListJSON[Investment](ctx, e.store, Prefix(userID))
	if err != nil {
		return res, fmt.Errorf("sweep %s: %w", userID, err)
	}

	now := e.clock.Now()
	var errs []error
	for _, inv := range invs {
		if !inv.IsActive() {
			continue
		}
		res.Investments++
		r, err := e.ClaimAt(ctx, userID, inv.ID, now)
		if err != nil {
			res.Failed++
			errs = append(errs, err)
			continue
		}
		if r.DaysCredited > 0 {
			res.Claimed++
			res.Credited = res.Credited.Add(r.Credited)
		}
		if r.Completed {
			res.Completed++
		}
	}
	return res, errors.Join(errs...)
}

// SweepOptions shards SweepAll. With Partitions > 1 only users whose
// PartitionOf equals Partition are swept.
type SweepOptions struct {
	Partition   int
	Partitions  int
	Concurrency int
}

// PartitionOf maps a user to one of n partitions.
func PartitionOf(userID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % uint32(n))
}

// SweepAll sweeps every account (of the selected partition), up to
// Concurrency users in parallel.
func (e *Engine) SweepAll(ctx context.Context, opts SweepOptions) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	ids, err := account.ListIDs(ctx, e.store)
	if err != nil {
		return SweepResult{}, fmt.Errorf("sweep all: %w", err)
	}

	limit := opts.Concurrency
	if limit <= 0 {
		limit = 1
	}

	var (
		mu    sync.Mutex
		total = SweepResult{Credited: decimal.Zero}
		errs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, id := range ids {
		if opts.Partitions > 1 && PartitionOf(id, opts.Partitions) != opts.Partition {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		userID := id
		g.Go(func() error {
			r, err := e.Sweep(gctx, userID)
			mu.Lock()
			defer mu.Unlock()
			total.merge(r)
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	e.logger.Info("sweep finished",
		"partition", opts.Partition, "partitions", opts.Partitions,
		"users", total.Users, "claimed", total.Claimed, "completed", total.Completed,
		"failed", total.Failed, "credited", total.Credited.String(), "took", time.Since(start))
	return total, errors.Join(errs...)
}

// =============================================================================
// READS
// =============================================================================

// List returns the user's investments newest first with derived figures.
func (e *Engine) List(ctx context.Context, userID string) ([]View, error) {
	invs, err := generic.ListJSON[Investment](ctx, e.store, Prefix(userID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(invs, func(i, j int) bool { return invs[i].StartTime.After(invs[j].StartTime) })

	now := e.clock.Now()
	views := make([]View, 0, len(invs))
	for _, inv := range invs {
		views = append(views, inv.ViewAt(now))
	}
	return views, nil
}

func (e *Engine) Get(ctx context.Context, userID, investmentID string) (View, error) {
	inv, _, err := generic.ReadJSON[Investment](ctx, e.store, Path(userID, investmentID))
	if errors.Is(err, generic.ErrNotFound) {
		return View{}, generic.NotFoundf("investment %s of %s", investmentID, userID)
	}
	if err != nil {
		return View{}, err
	}
	return inv.ViewAt(e.clock.Now()), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) retryFor(op string) generic.RetryPolicy {
	p := e.retry
	p.OnConflict = metrics.ConflictCounter(op)
	return p
}

func (e *Engine) publish(ctx context.Context, evs ...events.Event) {
	if len(evs) == 0 {
		return
	}
	if err := e.publisher.Publish(ctx, evs...); err != nil {
		e.logger.Warn("event publish failed", "error", err, "count", len(evs))
	}
}
