/*
ledger.go - Append-only activity log

PURPOSE:
  Balances live on the account entry, but every movement of money is also
  recorded as an immutable Activity entry, written in the same AtomicWrite as
  the balance change it describes. This is the user's transaction history:
  deposits, withdrawals, purchases, profit credits, bonuses, commissions.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: activity entries are created with VersionAbsent and never
     rewritten.
  2. SAME WRITE: an activity entry is never committed without its balance
     change, and vice versa.
  3. DETERMINISTIC IDS where replay is possible: profit credits use
     "profit-{investment}-{watermark}", so a replayed claim collides on the
     path instead of logging twice.

SEE ALSO:
  - account/ledger.go: writes deposit, withdrawal and bonus entries
  - investment/engine.go: writes investment and profit entries
  - referral/calculator.go: writes commission entries
*/
package generic

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACTIVITY - Immutable record of a balance movement
// =============================================================================

type ActivityType string

const (
	ActivityDeposit    ActivityType = "deposit"
	ActivityWithdrawal ActivityType = "withdrawal"
	ActivityInvestment ActivityType = "investment"
	ActivityProfit     ActivityType = "profit"
	ActivityBonus      ActivityType = "bonus"
	ActivityCommission ActivityType = "commission"
)

type Activity struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Type           ActivityType    `json:"type"`
	Field          string          `json:"field"` // balance or withdrawable_profit
	Delta          decimal.Decimal `json:"delta"` // signed change applied to Field
	ReferenceID    string          `json:"reference_id,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func ActivityPrefix(userID string) Path { return JoinPath("activity", userID) }

func ActivityPath(userID, id string) Path { return ActivityPrefix(userID).Child(id) }

// AppendActivity schedules a create-only write of the activity entry.
func (b *Batch) AppendActivity(a Activity) error {
	return b.Put(ActivityPath(a.UserID, a.ID), a, VersionAbsent)
}

// LoadActivity returns a user's activity newest first. limit <= 0 means all.
func LoadActivity(ctx context.Context, s Store, userID string, limit int) ([]Activity, error) {
	items, err := ListJSON[Activity](ctx, s, ActivityPrefix(userID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}
