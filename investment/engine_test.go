package investment_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alarab/profit-engine/account"
	"github.com/alarab/profit-engine/events"
	"github.com/alarab/profit-engine/generic"
	"github.com/alarab/profit-engine/generic/store"
	"github.com/alarab/profit-engine/investment"
	"github.com/alarab/profit-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.February, 3, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, d(want).Equal(got), "want %s, got %s", want, got)
}

var oilRefinery = investment.Plan{
	ID:           "refinery1",
	Name:         "Oil Refinery",
	FixedAmount:  d("5000"),
	DailyProfit:  d("175"),
	DurationDays: 90,
	Enabled:      true,
}

type fakeCatalog map[string]investment.Plan

func (c fakeCatalog) GetActivePlan(_ context.Context, id string) (investment.Plan, error) {
	p, ok := c[id]
	if !ok || !p.Enabled {
		return investment.Plan{}, generic.NotFoundf("plan %s", id)
	}
	return p, nil
}

type engineFixture struct {
	engine *investment.Engine
	store  generic.Store
	clock  *generic.ManualClock
	events *events.Recorder
}

func newTestEngine(t *testing.T, s generic.Store) *engineFixture {
	t.Helper()
	clock := generic.NewManualClock(t0)
	rec := events.NewRecorder()
	seq := 0
	engine := investment.NewEngine(s,
		investment.WithClock(clock),
		investment.WithPublisher(rec),
		investment.WithPlanCatalog(fakeCatalog{oilRefinery.ID: oilRefinery}),
		investment.WithRetryPolicy(generic.RetryPolicy{MaxAttempts: 50, Timeout: 5 * time.Second}),
		investment.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("inv-%d", seq)
		}),
	)
	return &engineFixture{engine: engine, store: s, clock: clock, events: rec}
}

func newMemoryEngine(t *testing.T) *engineFixture {
	return newTestEngine(t, store.NewMemory())
}

func (f *engineFixture) seedUser(t *testing.T, id, balance string) {
	t.Helper()
	acct := account.Account{ID: id, Username: id, Balance: d(balance), CreatedAt: t0}
	b := generic.NewBatch()
	require.NoError(t, acct.Stage(b, generic.VersionAbsent, t0))
	require.NoError(t, generic.Commit(context.Background(), f.store, b))
}

func (f *engineFixture) account(t *testing.T, id string) account.Account {
	t.Helper()
	acct, _, err := account.Load(context.Background(), f.store, id)
	require.NoError(t, err)
	return acct
}

// =============================================================================
// PURCHASE
// =============================================================================

func TestPurchase_DebitsBalanceAndCreatesActiveInvestment(t *testing.T) {
	f := newMemoryEngine(t)
	ctx := context.Background()
	f.seedUser(t, "u-1", "6000")

	inv, err := f.engine.PurchasePlan(ctx, "u-1", "refinery1", d("5000"))

	require.NoError(t, err)
	assert.Equal(t, "inv-1", inv.ID)
	assert.Equal(t, investment.StatusActive, inv.Status)
	assert.Equal(t, 0, inv.ClaimWatermarkDays)
	assert.Equal(t, t0, inv.StartTime)
	requireMoney(t, "175", inv.DailyProfit)

	acct := f.account(t, "u-1")
	requireMoney(t, "1000", acct.Balance)
	requireMoney(t, "5000", acct.TotalInvested)

	assert.Len(t, f.events.OfType(events.InvestmentPurchased), 1)
}

func TestPurchase_ScenarioD_InsufficientBalance(t *testing.T) {
	// GIVEN: a user with 4000 in balance
	// WHEN: buying a plan priced 5000
	// THEN: InsufficientBalance, balance unchanged, no investment created

	f := newMemoryEngine(t)
	ctx := context.Background()
	f.seedUser(t, "u-1", "4000")

	_, err := f.engine.Purchase(ctx, "u-1", oilRefinery, d("5000"))

	require.ErrorIs(t, err, generic.ErrInsufficientBalance)
	requireMoney(t, "4000", f.account(t, "u-1").Balance)

	views, err := f.engine.List(ctx, "u-1")
	require.NoError(t, err)
	assert.Empty(t, views)
	assert.Empty(t, f.events.Events())
}

func TestPurchase_RejectsAmountOutsidePlan(t *testing.T) {
	f := newMemoryEngine(t)
	f.seedUser(t, "u-1", "10000")

	_, err := f.engine.Purchase(context.Background(), "u-1", oilRefinery, d("4999"))

	assert.ErrorIs(t, err, generic.ErrInvalidPlanAmount)
	requireMoney(t, "10000", f.account(t, "u-1").Balance)
}

func TestPurchasePlan_UnknownOrDisabledPlan(t *testing.T) {
	f := newMemoryEngine(t)
	f.seedUser(t, "u-1", "10000")

	_, err := f.engine.PurchasePlan(context.Background(), "u-1", "no-such-plan", d("5000"))

	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestPurchase_UnknownUser(t *testing.T) {
	f := newMemoryEngine(t)

	_, err := f.engine.Purchase(context.Background(), "ghost", oilRefinery, d("5000"))

	assert.ErrorIs(t, err, generic.ErrNotFound)
}

// =============================================================================
// CLAIM - SCENARIOS A, B, C
// =============================================================================

func TestClaim_ScenariosABC(t *testing.T) {
	f := newMemoryEngine(t)
	ctx := context.Background()
	f.seedUser(t, "u-1", "5000")
	inv, err := f.engine.Purchase(ctx, "u-1", oilRefinery, d("5000"))
	require.NoError(t, err)

	// A: 3.5 days in, three full days are credited
	res, err := f.engine.ClaimAt(ctx, "u-1", inv.ID, t0.Add(84*time.Hour))
	require.NoError(t, err)
	requireMoney(t, "525", res.Credited)
	assert.Equal(t, 3, res.Investment.ClaimWatermarkDays)
	assert.Equal(t, investment.StatusActive, res.Investment.Status)

	// B: same day again, nothing more
	res, err = f.engine.ClaimAt(ctx, "u-1", inv.ID, t0.Add(86*time.Hour+24*time.Minute))
	require.NoError(t, err)
	requireMoney(t, "0", res.Credited)
	assert.Equal(t, 3, res.Investment.ClaimWatermarkDays)

	// C: after the term, the remaining 87 days and completion
	res, err = f.engine.ClaimAt(ctx, "u-1", inv.ID, t0.Add(91*generic.OneDay))
	require.NoError(t, err)
	requireMoney(t, "15225", res.Credited)
	assert.Equal(t, 90, res.Investment.ClaimWatermarkDays)
	assert.Equal(t, investment.StatusCompleted, res.Investment.Status)
	assert.True(t, res.Completed)

	acct := f.account(t, "u-1")
	requireMoney(t, "15750", acct.WithdrawableProfit)
	requireMoney(t, "15750", acct.TotalEarned)
	requireMoney(t, "0", acct.Balance)

	assert.Len(t, f.events.OfType(events.InvestmentProfitCredited), 2)
	assert.Len(t, f.events.OfType(events.InvestmentCompleted), 1)
}

func TestClaim_CompletionIsIdempotent(t *testing.T) {
	f := newMemoryEngine(t)
	ctx := context.Background()
	f.seedUser(t, "u-1", "5000")
	inv, err := f.engine.Purchase(ctx, "u-1", oilRefinery, d("5000"))
	require.NoError(t, err)

	_, err = f.engine.ClaimAt(ctx, "u-1", inv.ID, t0.Add(95*generic.OneDay))
	require.NoError(t, err)

	again, err := f.engine.ClaimAt(ctx, "u-1", inv.ID, t0.Add(120*generic.OneDay))
	require.NoError(t, err)
	requireMoney(t, "0", again.Credited)
	assert.False(t, again.Completed)
	assert.Equal(t, investment.StatusCompleted, again.Investment.Status)

	requireMoney(t, "15750", f.account(t, "u-1").WithdrawableProfit)
	assert.Len(t, f.events.OfType(events.InvestmentCompleted), 1)
}

func TestClaim_UsesEngineClock(t *testing.T) {
	f := newMemoryEngine(t)
	ctx := context.Background()
	f.seedUser(t, "u-1", "5000")
	inv, err := f.engine.Purchase(ctx, "u-1", oilRefinery, d("5000"))
	require.NoError(t, err)

	f.clock.Advance(2*generic.OneDay + time.Minute)
	res, err := f.engine.Claim(ctx, "u-1", inv.ID)

	require.NoError(t, err)
	requireMoney(t, "350", res.Credited)
}

func TestClaim_UnknownInvestment(t *testing.T) {
	f := newMemoryEngine(t)
	f.seedUser(t, "u-1", "0")

	_, err := f.engine.Claim(context.Background(), "u-1", "nope")

	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestClaim_ProfitActivityIsDeterministic(t *testing.T) {
	f := newMemoryEngine(t)
	ctx := context.Background()
	f.seedUser(t, "u-1", "5000")
	inv, err := f.engine.Purchase(ctx, "u-1", oilRefinery, d("5000"))
	require.NoError(t, err)

	_, err = f.engine.ClaimAt(ctx, "u-1", inv.ID, t0.Add(4*generic.OneDay))
	require.NoError(t, err)

	ok, err := generic.Exists(ctx, f.store, generic.ActivityPath("u-1", "profit-"+inv.ID+"-4"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaim_ConcurrentClaimsCreditExactlyOnce(t *testing.T) {
	// GIVEN: an investment 3.5 days old
	// WHEN: 10 claims race at the same instant
	// THEN: exactly 525 is credited in total

	f := newMemoryEngine(t)
	ctx := context.Background()
	f.seedUser(t, "u-1", "5000")
	inv, err := f.engine.Purchase(ctx, "u-1", oilRefinery, d("5000"))
	require.NoError(t, err)

	at := t0.Add(84 * time.Hour)
	var (
		wg       sync.WaitGroup
		credited atomic.Int64
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.ClaimAt(ctx, "u-1", inv.ID, at)
			if assert.NoError(t, err) {
				credited.Add(res.Credited.IntPart())
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(525), credited.Load())
	requireMoney(t, "525", f.account(t, "u-1").WithdrawableProfit)
}

func TestClaim_ConservationAcrossManyClaims(t *testing.T) {
	f := newMemoryEngine(t)
	ctx := context.Background()
	f.seedUser(t, "u-1", "5000")
	inv, err := f.engine.Purchase(ctx, "u-1", oilRefinery, d("5000"))
	require.NoError(t, err)

	for h := 0; h <= 100*24; h += 7 {
		_, err := f.engine.ClaimAt(ctx, "u-1", inv.ID, t0.Add(time.Duration(h)*time.Hour))
		require.NoError(t, err)
	}

	v, err := f.engine.Get(ctx, "u-1", inv.ID)
	require.NoError(t, err)
	assert.Equal(t, investment.StatusCompleted, v.Status)
	requireMoney(t, "15750", v.TotalClaimed)
	requireMoney(t, "15750", f.account(t, "u-1").TotalEarned)
}

func TestClaim_PersistenceFailureLeavesStateUnchanged(t *testing.T) {
	mem := store.NewMemory()
	f := newTestEngine(t, mem)
	ctx := context.Background()
	f.seedUser(t, "u-1", "5000")
	inv, err := f.engine.Purchase(ctx, "u-1", oilRefinery, d("5000"))
	require.NoError(t, err)

	mem.FailNextWrite(fmt.Errorf("%w: disk full", generic.ErrPersistence))
	_, err = f.engine.ClaimAt(ctx, "u-1", inv.ID, t0.Add(5*generic.OneDay))
	require.ErrorIs(t, err, generic.ErrPersistence)

	v, err := f.engine.Get(ctx, "u-1", inv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, v.ClaimWatermarkDays)

	res, err := f.engine.ClaimAt(ctx, "u-1", inv.ID, t0.Add(5*generic.OneDay))
	require.NoError(t, err)
	requireMoney(t, "875", res.Credited)
}

// =============================================================================
// SWEEP
// =============================================================================

func TestSweep_ClaimsAllActiveInvestmentsOfUser(t *testing.T) {
	f := newMemoryEngine(t)
	ctx := context.Background()
	f.seedUser(t, "u-1", "10000")
	_, err := f.engine.Purchase(ctx, "u-1", oilRefinery, d("5000"))
	require.NoError(t, err)
	_, err = f.engine.Purchase(ctx, "u-1", oilRefinery, d("5000"))
	require.NoError(t, err)

	f.clock.Advance(2 * generic.OneDay)
	res, err := f.engine.Sweep(ctx, "u-1")

	require.NoError(t, err)
	assert.Equal(t, 2, res.Investments)
	assert.Equal(t, 2, res.Claimed)
	requireMoney(t, "700", res.Credited)
}

func TestSweepAll_PartitionsCoverEveryUserOnce(t *testing.T) {
	f := newMemoryEngine(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("user-%02d", i)
		f.seedUser(t, id, "5000")
		_, err := f.engine.Purchase(ctx, id, oilRefinery, d("5000"))
		require.NoError(t, err)
	}
	f.clock.Advance(generic.OneDay)

	users := 0
	total := decimal.Zero
	for p := 0; p < 3; p++ {
		res, err := f.engine.SweepAll(ctx, investment.SweepOptions{Partition: p, Partitions: 3, Concurrency: 4})
		require.NoError(t, err)
		users += res.Users
		total = total.Add(res.Credited)
	}

	assert.Equal(t, 12, users)
	requireMoney(t, "2100", total)

	again, err := f.engine.SweepAll(ctx, investment.SweepOptions{Concurrency: 4})
	require.NoError(t, err)
	assert.Equal(t, 12, again.Users)
	requireMoney(t, "0", again.Credited)
}

func TestPartitionOf_Stable(t *testing.T) {
	assert.Equal(t, 0, investment.PartitionOf("anyone", 1))
	p := investment.PartitionOf("user-7", 5)
	assert.GreaterOrEqual(t, p, 0)
	assert.Less(t, p, 5)
	assert.Equal(t, p, investment.PartitionOf("user-7", 5))
}

// =============================================================================
// READS
// =============================================================================

func TestList_NewestFirstWithViews(t *testing.T) {
	f := newMemoryEngine(t)
	ctx := context.Background()
	f.seedUser(t, "u-1", "10000")
	_, err := f.engine.Purchase(ctx, "u-1", oilRefinery, d("5000"))
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	second, err := f.engine.Purchase(ctx, "u-1", oilRefinery, d("5000"))
	require.NoError(t, err)

	f.clock.Advance(generic.OneDay)
	views, err := f.engine.List(ctx, "u-1")

	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, second.ID, views[0].ID)
	assert.True(t, views[0].ClaimableNow)
	requireMoney(t, "175", views[0].ClaimableAmount)
}

// =============================================================================
// SQLITE
// =============================================================================

func TestClaim_SQLiteStore(t *testing.T) {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := newTestEngine(t, s)
	ctx := context.Background()
	f.seedUser(t, "u-1", "5000")
	inv, err := f.engine.Purchase(ctx, "u-1", oilRefinery, d("5000"))
	require.NoError(t, err)

	res, err := f.engine.ClaimAt(ctx, "u-1", inv.ID, t0.Add(84*time.Hour))
	require.NoError(t, err)
	requireMoney(t, "525", res.Credited)

	res, err = f.engine.ClaimAt(ctx, "u-1", inv.ID, t0.Add(84*time.Hour))
	require.NoError(t, err)
	requireMoney(t, "0", res.Credited)

	requireMoney(t, "525", f.account(t, "u-1").WithdrawableProfit)
}
