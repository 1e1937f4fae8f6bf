package account_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alarab/profit-engine/account"
	"github.com/alarab/profit-engine/events"
	"github.com/alarab/profit-engine/generic"
	"github.com/alarab/profit-engine/generic/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	if !d(want).Equal(got) {
		assert.Fail(t, "money mismatch: want "+want+", got "+got.String(), msgAndArgs...)
	}
}

func newTestLedger(t *testing.T, opts ...account.Option) (*account.Ledger, *store.Memory, *events.Recorder) {
	t.Helper()
	mem := store.NewMemory()
	rec := events.NewRecorder()
	base := []account.Option{
		account.WithClock(generic.NewManualClock(t0)),
		account.WithPublisher(rec),
	}
	return account.NewLedger(mem, append(base, opts...)...), mem, rec
}

func seedAccount(t *testing.T, s generic.Store, acct account.Account) {
	t.Helper()
	b := generic.NewBatch()
	require.NoError(t, acct.Stage(b, generic.VersionAbsent, t0))
	require.NoError(t, generic.Commit(context.Background(), s, b))
}

// =============================================================================
// PURE MUTATORS
// =============================================================================

func TestAccount_DebitForPurchase_Insufficient(t *testing.T) {
	acct := account.Account{ID: "u-1", Balance: d("400")}

	err := acct.DebitForPurchase(d("500"))

	require.ErrorIs(t, err, generic.ErrInsufficientBalance)
	var funds *generic.InsufficientFundsError
	require.ErrorAs(t, err, &funds)
	assertMoney(t, "100", funds.Shortfall())
	assertMoney(t, "400", acct.Balance, "balance untouched")
}

func TestAccount_Mutators_RejectNonPositive(t *testing.T) {
	acct := account.Account{ID: "u-1", Balance: d("100"), WithdrawableProfit: d("100")}

	assert.ErrorIs(t, acct.DebitForPurchase(decimal.Zero), generic.ErrInvalidAmount)
	assert.ErrorIs(t, acct.CreditProfit(d("-1")), generic.ErrInvalidAmount)
	assert.ErrorIs(t, acct.CreditDeposit(decimal.Zero), generic.ErrInvalidAmount)
	assert.ErrorIs(t, acct.DebitWithdrawal(d("-5")), generic.ErrInvalidAmount)
	assert.ErrorIs(t, acct.CreditCommission(decimal.Zero), generic.ErrInvalidAmount)
}

func TestAccount_CreditCommission_DoesNotTouchTotalEarned(t *testing.T) {
	acct := account.Account{ID: "u-1"}

	require.NoError(t, acct.CreditCommission(d("30")))

	assertMoney(t, "30", acct.WithdrawableProfit)
	assertMoney(t, "30", acct.ReferralEarnings)
	assertMoney(t, "0", acct.TotalEarned)
}

func TestAccount_Validate(t *testing.T) {
	assert.NoError(t, (&account.Account{ID: "u"}).Validate())
	assert.Error(t, (&account.Account{ID: "u", Balance: d("-0.01")}).Validate())
	assert.Error(t, (&account.Account{ID: "u", ReferredBy: "u"}).Validate())
	assert.Error(t, (&account.Account{ID: "u", ReferralCount: -1}).Validate())
}

// =============================================================================
// LEDGER PRIMITIVES
// =============================================================================

func TestLedger_DebitForPurchase_WritesActivity(t *testing.T) {
	ledger, mem, _ := newTestLedger(t)
	ctx := context.Background()
	seedAccount(t, mem, account.Account{ID: "u-1", Balance: d("1000")})

	acct, err := ledger.DebitForPurchase(ctx, "u-1", d("250"), "inv-1")

	require.NoError(t, err)
	assertMoney(t, "750", acct.Balance)
	assertMoney(t, "250", acct.TotalInvested)

	activity, err := ledger.Activity(ctx, "u-1", 0)
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.Equal(t, generic.ActivityInvestment, activity[0].Type)
	assertMoney(t, "-250", activity[0].Delta)
	assert.Equal(t, "inv-1", activity[0].ReferenceID)
}

func TestLedger_DebitForPurchase_InsufficientLeavesNoTrace(t *testing.T) {
	ledger, mem, _ := newTestLedger(t)
	ctx := context.Background()
	seedAccount(t, mem, account.Account{ID: "u-1", Balance: d("100")})
	before := mem.Len()

	_, err := ledger.DebitForPurchase(ctx, "u-1", d("250"), "inv-1")

	require.ErrorIs(t, err, generic.ErrInsufficientBalance)
	assert.Equal(t, before, mem.Len(), "no activity or account write")
}

func TestLedger_CreditProfit(t *testing.T) {
	ledger, mem, _ := newTestLedger(t)
	seedAccount(t, mem, account.Account{ID: "u-1"})

	acct, err := ledger.CreditProfit(context.Background(), "u-1", d("70"), "manual")

	require.NoError(t, err)
	assertMoney(t, "70", acct.WithdrawableProfit)
	assertMoney(t, "70", acct.TotalEarned)
}

func TestLedger_UnknownUser(t *testing.T) {
	ledger, _, _ := newTestLedger(t)

	_, err := ledger.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, generic.ErrNotFound)

	_, err = ledger.CreditApprovedDeposit(context.Background(), account.DepositApproved{
		UserID: "ghost", Amount: d("10"), IdempotencyKey: "k",
	})
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

// =============================================================================
// APPROVED DEPOSITS
// =============================================================================

func TestLedger_CreditApprovedDeposit_ExactlyOncePerKey(t *testing.T) {
	// GIVEN: an account with 20 from the signup bonus
	// WHEN: the same approved deposit is delivered twice
	// THEN: balance is credited once, the second call reports a replay

	ledger, mem, rec := newTestLedger(t)
	ctx := context.Background()
	seedAccount(t, mem, account.Account{ID: "u-1", Balance: d("20")})

	dep := account.DepositApproved{UserID: "u-1", Amount: d("500"), IdempotencyKey: "dep-1"}

	first, err := ledger.CreditApprovedDeposit(ctx, dep)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.True(t, first.First)
	assertMoney(t, "520", first.Account.Balance)
	assertMoney(t, "500", first.Account.TotalDeposited)

	second, err := ledger.CreditApprovedDeposit(ctx, dep)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assertMoney(t, "520", second.Account.Balance)

	assert.Len(t, rec.OfType(events.DepositCredited), 1)
}

func TestLedger_CreditApprovedDeposit_SecondDepositIsNotFirst(t *testing.T) {
	ledger, mem, _ := newTestLedger(t)
	ctx := context.Background()
	seedAccount(t, mem, account.Account{ID: "u-1"})

	_, err := ledger.CreditApprovedDeposit(ctx, account.DepositApproved{UserID: "u-1", Amount: d("100"), IdempotencyKey: "a"})
	require.NoError(t, err)
	res, err := ledger.CreditApprovedDeposit(ctx, account.DepositApproved{UserID: "u-1", Amount: d("100"), IdempotencyKey: "b"})
	require.NoError(t, err)

	assert.False(t, res.First)
	assert.Equal(t, 2, res.Account.DepositCount)
}

func TestLedger_CreditApprovedDeposit_Validation(t *testing.T) {
	ledger, mem, _ := newTestLedger(t)
	ctx := context.Background()
	seedAccount(t, mem, account.Account{ID: "u-1"})

	_, err := ledger.CreditApprovedDeposit(ctx, account.DepositApproved{UserID: "u-1", Amount: d("100")})
	assert.ErrorIs(t, err, generic.ErrMissingIdempotencyKey)

	_, err = ledger.CreditApprovedDeposit(ctx, account.DepositApproved{UserID: "u-1", Amount: decimal.Zero, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)
}

func TestLedger_CreditApprovedDeposit_KeyWithSlash(t *testing.T) {
	ledger, mem, _ := newTestLedger(t)
	ctx := context.Background()
	seedAccount(t, mem, account.Account{ID: "u-1"})

	dep := account.DepositApproved{UserID: "u-1", Amount: d("10"), IdempotencyKey: "bank/2025/77"}
	_, err := ledger.CreditApprovedDeposit(ctx, dep)
	require.NoError(t, err)

	res, err := ledger.CreditApprovedDeposit(ctx, dep)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
}

type recordingHook struct {
	calls []bool
	err   error
}

func (h *recordingHook) OnQualifyingDeposit(_ context.Context, b *generic.Batch, user account.Account, dep account.DepositApproved, first bool) (account.HookResult, error) {
	h.calls = append(h.calls, first)
	if h.err != nil {
		return account.HookResult{}, h.err
	}
	if err := b.Put(generic.JoinPath("hook", dep.IdempotencyKey), map[string]string{"user": user.ID}, generic.VersionAbsent); err != nil {
		return account.HookResult{}, err
	}
	return account.HookResult{Commission: d("1.50")}, nil
}

func TestLedger_CreditApprovedDeposit_HookWritesCommitTogether(t *testing.T) {
	hook := &recordingHook{}
	ledger, mem, _ := newTestLedger(t, account.WithDepositHook(hook))
	ctx := context.Background()
	seedAccount(t, mem, account.Account{ID: "u-1"})

	res, err := ledger.CreditApprovedDeposit(ctx, account.DepositApproved{UserID: "u-1", Amount: d("10"), IdempotencyKey: "k1"})

	require.NoError(t, err)
	assertMoney(t, "1.50", res.Commission)
	assert.Equal(t, []bool{true}, hook.calls)
	ok, err := generic.Exists(ctx, mem, generic.JoinPath("hook", "k1"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedger_CreditApprovedDeposit_HookFailureAbortsDeposit(t *testing.T) {
	hook := &recordingHook{err: errors.New("referrer unreadable")}
	ledger, mem, _ := newTestLedger(t, account.WithDepositHook(hook))
	ctx := context.Background()
	seedAccount(t, mem, account.Account{ID: "u-1"})

	_, err := ledger.CreditApprovedDeposit(ctx, account.DepositApproved{UserID: "u-1", Amount: d("10"), IdempotencyKey: "k1"})
	require.Error(t, err)

	acct, err := ledger.Get(ctx, "u-1")
	require.NoError(t, err)
	assertMoney(t, "0", acct.Balance)
}

func TestLedger_CreditApprovedDeposit_ConcurrentReplaysCreditOnce(t *testing.T) {
	ledger, mem, _ := newTestLedger(t, account.WithRetryPolicy(generic.RetryPolicy{MaxAttempts: 20, Timeout: time.Second}))
	ctx := context.Background()
	seedAccount(t, mem, account.Account{ID: "u-1"})

	dep := account.DepositApproved{UserID: "u-1", Amount: d("100"), IdempotencyKey: "same"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.CreditApprovedDeposit(ctx, dep)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	acct, err := ledger.Get(ctx, "u-1")
	require.NoError(t, err)
	assertMoney(t, "100", acct.Balance)
}

// =============================================================================
// APPROVED WITHDRAWALS
// =============================================================================

func TestLedger_DebitApprovedWithdrawal(t *testing.T) {
	ledger, mem, rec := newTestLedger(t)
	ctx := context.Background()
	seedAccount(t, mem, account.Account{ID: "u-1", WithdrawableProfit: d("300")})

	res, err := ledger.DebitApprovedWithdrawal(ctx, account.WithdrawalApproved{UserID: "u-1", Amount: d("120"), IdempotencyKey: "w-1"})
	require.NoError(t, err)
	assertMoney(t, "180", res.Account.WithdrawableProfit)
	assertMoney(t, "120", res.Account.TotalWithdrawn)

	again, err := ledger.DebitApprovedWithdrawal(ctx, account.WithdrawalApproved{UserID: "u-1", Amount: d("120"), IdempotencyKey: "w-1"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assertMoney(t, "180", again.Account.WithdrawableProfit)

	assert.Len(t, rec.OfType(events.WithdrawalDebited), 1)
}

func TestLedger_DebitApprovedWithdrawal_Insufficient(t *testing.T) {
	ledger, mem, _ := newTestLedger(t)
	ctx := context.Background()
	seedAccount(t, mem, account.Account{ID: "u-1", Balance: d("1000"), WithdrawableProfit: d("50")})

	_, err := ledger.DebitApprovedWithdrawal(ctx, account.WithdrawalApproved{UserID: "u-1", Amount: d("60")})

	require.ErrorIs(t, err, generic.ErrInsufficientWithdrawable)
	acct, err := ledger.Get(ctx, "u-1")
	require.NoError(t, err)
	assertMoney(t, "50", acct.WithdrawableProfit)
	assertMoney(t, "1000", acct.Balance, "balance is not withdrawable")
}

func TestLedger_DebitApprovedWithdrawal_WithoutKeyDebitsEachTime(t *testing.T) {
	ledger, mem, _ := newTestLedger(t)
	ctx := context.Background()
	seedAccount(t, mem, account.Account{ID: "u-1", WithdrawableProfit: d("100")})

	wd := account.WithdrawalApproved{UserID: "u-1", Amount: d("40")}
	_, err := ledger.DebitApprovedWithdrawal(ctx, wd)
	require.NoError(t, err)
	res, err := ledger.DebitApprovedWithdrawal(ctx, wd)
	require.NoError(t, err)

	assertMoney(t, "20", res.Account.WithdrawableProfit)
}

// =============================================================================
// READS
// =============================================================================

func TestLedger_SnapshotAndListIDs(t *testing.T) {
	ledger, mem, _ := newTestLedger(t)
	ctx := context.Background()
	seedAccount(t, mem, account.Account{ID: "b", Username: "bilal", Balance: d("5"), ReferralCode: "BIL1234"})
	seedAccount(t, mem, account.Account{ID: "a", Username: "amna"})

	snap, err := ledger.Snapshot(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "bilal", snap.Username)
	assert.Equal(t, "BIL1234", snap.ReferralCode)
	assertMoney(t, "5", snap.Balance)
	assert.Equal(t, t0, snap.AsOf)

	ids, err := ledger.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestLedger_PersistenceFailureSurfaces(t *testing.T) {
	ledger, mem, _ := newTestLedger(t)
	ctx := context.Background()
	seedAccount(t, mem, account.Account{ID: "u-1", Balance: d("100")})

	mem.FailNextWrite(generic.ErrPersistence)
	_, err := ledger.DebitForPurchase(ctx, "u-1", d("10"), "x")

	assert.ErrorIs(t, err, generic.ErrPersistence)
}
