/*
Package events carries domain events out of the engine.

PURPOSE:
  Purchases, profit credits, completions, deposits, withdrawals, signups and
  commissions are announced to downstream consumers (notifications, the admin
  dashboard, analytics). The engine publishes after its atomic write has
  committed, so an event always describes state that exists.

DELIVERY:
  At-least-once from the consumer's point of view is NOT guaranteed: a crash
  between commit and publish drops the event. Consumers that need exact state
  read the store. A publish failure is logged and never undoes a commit.

IMPLEMENTATIONS:
  - Noop:           discards everything (default, tests)
  - Recorder:       keeps events in memory (tests)
  - KafkaPublisher: kafka-go writer, one topic, keyed by user id

SEE ALSO:
  - kafka.go: KafkaPublisher
*/
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names an event kind, e.g. "investment.purchased".
type Type string

const (
	InvestmentPurchased      Type = "investment.purchased"
	InvestmentProfitCredited Type = "investment.profit_credited"
	InvestmentCompleted      Type = "investment.completed"
	DepositCredited          Type = "account.deposit_credited"
	WithdrawalDebited        Type = "account.withdrawal_debited"
	ReferralSignup           Type = "referral.signup"
	ReferralCommissionPaid   Type = "referral.commission_paid"
	PlanSaved                Type = "plan.saved"
)

// Event is the envelope written to the wire.
type Event struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	UserID      string          `json:"user_id,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// New builds an event with a fresh id. A payload that fails to encode is
// dropped rather than failing the caller; all payloads are plain structs.
func New(t Type, aggregateID, userID string, at time.Time, payload any) Event {
	e := Event{
		ID:          uuid.NewString(),
		Type:        t,
		AggregateID: aggregateID,
		UserID:      userID,
		OccurredAt:  at.UTC(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			e.Payload = raw
		}
	}
	return e
}

// Key returns the partition key: the user id when present.
func (e Event) Key() string {
	if e.UserID != "" {
		return e.UserID
	}
	return e.AggregateID
}

type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// =============================================================================
// NOOP / RECORDER
// =============================================================================

type Noop struct{}

func (Noop) Publish(context.Context, ...Event) error { return nil }
func (Noop) Close() error                            { return nil }

// Recorder keeps every published event. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events by type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
