package generic

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// RETRY POLICY - read-compute-write on optimistic conflicts
// =============================================================================

// RetryPolicy runs a read-compute-write cycle, re-running it from scratch when
// the store reports ErrConflict. Each attempt gets its own timeout so that no
// store call blocks indefinitely.
type RetryPolicy struct {
	MaxAttempts int
	Timeout     time.Duration

	// OnConflict is called once per conflicting attempt (metrics hook).
	OnConflict func()
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Timeout: 5 * time.Second}
}

// Do executes fn until it succeeds, fails with a non-conflict error, or the
// attempts are exhausted. ErrConflict never escapes: exhaustion is reported
// as ErrPersistence. A per-attempt timeout is reported as ErrPersistence too.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		err := p.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		if p.OnConflict != nil {
			p.OnConflict()
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, ctx.Err())
		}
	}
	return fmt.Errorf("%w: gave up after %d conflicting attempts", ErrPersistence, attempts)
}

func (p RetryPolicy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	opCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	err := fn(opCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrPersistence) {
		return fmt.Errorf("%w: store call timed out: %w", ErrPersistence, err)
	}
	return err
}
