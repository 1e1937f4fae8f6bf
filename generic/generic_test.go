package generic_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alarab/profit-engine/generic"
	"github.com/alarab/profit-engine/generic/store"
)

// =============================================================================
// RETRY POLICY
// =============================================================================

func TestRetryPolicy_RetriesConflictsUntilSuccess(t *testing.T) {
	conflicts := 0
	p := generic.RetryPolicy{MaxAttempts: 5, OnConflict: func() { conflicts++ }}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("write users/a: %w", generic.ErrConflict)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, conflicts)
}

func TestRetryPolicy_ExhaustionIsPersistence(t *testing.T) {
	p := generic.RetryPolicy{MaxAttempts: 3}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return generic.ErrConflict
	})

	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, generic.ErrPersistence)
	assert.NotErrorIs(t, err, generic.ErrConflict, "conflict must not escape the retry loop")
}

func TestRetryPolicy_OtherErrorsPassThrough(t *testing.T) {
	p := generic.DefaultRetryPolicy()

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return generic.ErrInsufficientBalance
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, generic.ErrInsufficientBalance)
}

func TestRetryPolicy_TimeoutIsPersistence(t *testing.T) {
	p := generic.RetryPolicy{MaxAttempts: 1, Timeout: 10 * time.Millisecond}

	err := p.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, generic.ErrPersistence)
}

func TestRetryPolicy_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := generic.RetryPolicy{}.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

// =============================================================================
// PATHS AND BATCHES
// =============================================================================

func TestPath(t *testing.T) {
	p := generic.JoinPath("investments", "u-1")
	assert.Equal(t, "investments/u-1", p.String())
	assert.Equal(t, generic.Path("investments/u-1/inv-9"), p.Child("inv-9"))
	assert.Equal(t, "inv-9", p.Child("inv-9").Base())
	assert.Equal(t, "users", generic.Path("users").Base())

	assert.True(t, p.Valid())
	assert.False(t, generic.Path("").Valid())
	assert.False(t, generic.Path("users//a").Valid())
	assert.False(t, generic.JoinPath("users", "").Valid())
}

func TestBatch_RejectsDuplicateAndInvalidPaths(t *testing.T) {
	b := generic.NewBatch()
	require.NoError(t, b.Put("users/a", map[string]int{"n": 1}, generic.VersionAbsent))

	assert.Error(t, b.Put("users/a", map[string]int{"n": 2}, generic.VersionAny))
	assert.Error(t, b.Put("users/", nil, generic.VersionAny))
	assert.Equal(t, 1, b.Len())

	writes := b.Writes()
	require.Len(t, writes, 1)
	assert.JSONEq(t, `{"n":1}`, string(writes[0].Value))
	assert.Equal(t, generic.VersionAbsent, writes[0].ExpectVersion)
}

func TestCommit_EmptyBatchIsNoop(t *testing.T) {
	s := store.NewMemory()
	require.NoError(t, generic.Commit(context.Background(), s, generic.NewBatch()))
}

// =============================================================================
// TIME AND MONEY
// =============================================================================

func TestFullDaysBetween(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		to   time.Time
		want int
	}{
		{"before start", start.Add(-time.Hour), 0},
		{"same instant", start, 0},
		{"one second short of a day", start.Add(24*time.Hour - time.Second), 0},
		{"exactly one day", start.Add(24 * time.Hour), 1},
		{"ninety days and change", start.Add(90*24*time.Hour + 5*time.Hour), 90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, generic.FullDaysBetween(start, tt.to))
		})
	}
}

func TestStartOfMonth(t *testing.T) {
	got := generic.StartOfMonth(time.Date(2025, 6, 17, 13, 4, 5, 6, time.UTC))
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestManualClock(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := generic.NewManualClock(t0)
	assert.Equal(t, t0, c.Now())
	assert.Equal(t, t0.Add(48*time.Hour), c.Advance(48*time.Hour))
	c.Set(t0)
	assert.Equal(t, t0, c.Now())
}

func TestRoundMoney(t *testing.T) {
	assert.Equal(t, "333.33", generic.RoundMoney(decimal.RequireFromString("333.334")).StringFixed(2))
	assert.Equal(t, "0.01", generic.RoundMoney(decimal.RequireFromString("0.005")).StringFixed(2))
}

// =============================================================================
// ERRORS
// =============================================================================

func TestInsufficientFundsError(t *testing.T) {
	err := error(&generic.InsufficientFundsError{
		UserID:    "u-1",
		Field:     generic.FieldWithdrawableProfit,
		Available: decimal.NewFromInt(30),
		Requested: decimal.NewFromInt(100),
	})

	assert.ErrorIs(t, err, generic.ErrInsufficientWithdrawable)
	assert.NotErrorIs(t, err, generic.ErrInsufficientBalance)
	assert.True(t, generic.IsClientError(err))

	var funds *generic.InsufficientFundsError
	require.True(t, errors.As(fmt.Errorf("withdraw: %w", err), &funds))
	assert.True(t, funds.Shortfall().Equal(decimal.NewFromInt(70)))
}

func TestInvalidPlanAmountError(t *testing.T) {
	fixed := &generic.InvalidPlanAmountError{PlanID: "starter", Requested: decimal.NewFromInt(400), Min: decimal.NewFromInt(500), Fixed: true}
	assert.ErrorIs(t, fixed, generic.ErrInvalidPlanAmount)
	assert.Contains(t, fixed.Error(), "exactly 500")

	open := &generic.InvalidPlanAmountError{PlanID: "flex", Requested: decimal.NewFromInt(5), Min: decimal.NewFromInt(10)}
	assert.Contains(t, open.Error(), "at least 10")
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, generic.IsRetryable(generic.ErrConflict))
	assert.True(t, generic.IsRetryable(fmt.Errorf("x: %w", generic.ErrPersistence)))
	assert.False(t, generic.IsRetryable(generic.ErrNotFound))

	assert.True(t, generic.IsNotFound(generic.NotFoundf("user %s", "u-1")))
	assert.Equal(t, "user u-1: not found", generic.NotFoundf("user %s", "u-1").Error())
	assert.False(t, generic.IsClientError(generic.ErrPersistence))
}

// =============================================================================
// ACTIVITY
// =============================================================================

func TestLoadActivity_NewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	t0 := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	b := generic.NewBatch()
	for i, typ := range []generic.ActivityType{generic.ActivityDeposit, generic.ActivityInvestment, generic.ActivityProfit} {
		require.NoError(t, b.AppendActivity(generic.Activity{
			ID:        fmt.Sprintf("a%d", i),
			UserID:    "u-1",
			Type:      typ,
			Field:     generic.FieldBalance,
			Delta:     decimal.NewFromInt(int64(i + 1)),
			CreatedAt: t0.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, generic.Commit(ctx, s, b))

	all, err := generic.LoadActivity(ctx, s, "u-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, generic.ActivityProfit, all[0].Type)
	assert.Equal(t, generic.ActivityDeposit, all[2].Type)

	two, err := generic.LoadActivity(ctx, s, "u-1", 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)

	// append-only: the same id cannot be written twice
	b = generic.NewBatch()
	require.NoError(t, b.AppendActivity(generic.Activity{ID: "a0", UserID: "u-1", CreatedAt: t0}))
	assert.ErrorIs(t, generic.Commit(ctx, s, b), generic.ErrConflict)
}
