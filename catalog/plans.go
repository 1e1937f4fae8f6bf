/*
Package catalog holds the investment plan catalogue.

PURPOSE:
  Converts JSON plan definitions into investment.Plan values and keeps them
  in the store at plans/{id}. Admins upsert plans as JSON; the engine reads
  them through investment.PlanCatalog.

JSON SCHEMA:
  Fixed price:
  {
    "id": "refinery1",
    "name": "Oil Refinery",
    "investment": 5000,
    "daily_profit": 175,
    "duration_days": 90
  }

  Bounded amount, profit as a fraction of principal:
  {
    "id": "flex",
    "name": "Flexible",
    "min_amount": 100,
    "max_amount": 10000,
    "daily_rate": 0.02,
    "duration_days": 30,
    "enabled": true
  }

  "enabled" defaults to true when omitted.

SEE ALSO:
  - investment/plan.go: Plan and its validation
  - catalog.go: StoreCatalog
*/
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alarab/profit-engine/generic"
	"github.com/alarab/profit-engine/investment"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PlanJSON is the admin-facing representation of a plan.
type PlanJSON struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Investment   *decimal.Decimal `json:"investment,omitempty"`
	MinAmount    *decimal.Decimal `json:"min_amount,omitempty"`
	MaxAmount    *decimal.Decimal `json:"max_amount,omitempty"`
	DailyProfit  *decimal.Decimal `json:"daily_profit,omitempty"`
	DailyRate    *decimal.Decimal `json:"daily_rate,omitempty"`
	DurationDays int              `json:"duration_days"`
	Enabled      *bool            `json:"enabled,omitempty"`
}

// ParsePlan decodes and validates a single plan. Unknown fields are rejected.
func ParsePlan(raw []byte) (investment.Plan, error) {
	var pj PlanJSON
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pj); err != nil {
		return investment.Plan{}, fmt.Errorf("%w: parse plan JSON: %v", generic.ErrInvalidPlan, err)
	}
	return FromJSON(pj)
}

// ParsePlans decodes a JSON array of plans.
func ParsePlans(raw []byte) ([]investment.Plan, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: parse plan list: %v", generic.ErrInvalidPlan, err)
	}
	plans := make([]investment.Plan, 0, len(list))
	seen := make(map[string]bool, len(list))
	for i, item := range list {
		p, err := ParsePlan(item)
		if err != nil {
			return nil, fmt.Errorf("plan %d: %w", i, err)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("%w: duplicate plan id %q", generic.ErrInvalidPlan, p.ID)
		}
		seen[p.ID] = true
		plans = append(plans, p)
	}
	return plans, nil
}

// FromJSON converts PlanJSON to a validated investment.Plan.
func FromJSON(pj PlanJSON) (investment.Plan, error) {
	p := investment.Plan{
		ID:           pj.ID,
		Name:         pj.Name,
		FixedAmount:  orZero(pj.Investment),
		MinAmount:    orZero(pj.MinAmount),
		MaxAmount:    orZero(pj.MaxAmount),
		DailyProfit:  orZero(pj.DailyProfit),
		DailyRate:    orZero(pj.DailyRate),
		DurationDays: pj.DurationDays,
		Enabled:      pj.Enabled == nil || *pj.Enabled,
	}
	if err := p.Validate(); err != nil {
		return investment.Plan{}, err
	}
	return p, nil
}

// ToJSON is the inverse of FromJSON; zero amounts are omitted.
func ToJSON(p investment.Plan) PlanJSON {
	enabled := p.Enabled
	return PlanJSON{
		ID:           p.ID,
		Name:         p.Name,
		Investment:   orNil(p.FixedAmount),
		MinAmount:    orNil(p.MinAmount),
		MaxAmount:    orNil(p.MaxAmount),
		DailyProfit:  orNil(p.DailyProfit),
		DailyRate:    orNil(p.DailyRate),
		DurationDays: p.DurationDays,
		Enabled:      &enabled,
	}
}

func orZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

func orNil(d decimal.Decimal) *decimal.Decimal {
	if d.IsZero() {
		return nil
	}
	return &d
}

// =============================================================================
// PRESET PLANS
// =============================================================================

// DefaultPlans is the launch catalogue: four refinery plans and four car
// plans, all fixed price over 90 days.
func DefaultPlans() []investment.Plan {
	fixed := func(id, name string, price, daily int64) investment.Plan {
		return investment.Plan{
			ID:           id,
			Name:         name,
			FixedAmount:  decimal.NewFromInt(price),
			DailyProfit:  decimal.NewFromInt(daily),
			DurationDays: 90,
			Enabled:      true,
		}
	}
	return []investment.Plan{
		fixed("refinery1", "Oil Refinery", 5000, 175),
		fixed("refinery2", "Gas Refinery", 8000, 296),
		fixed("refinery3", "Memphis Refinery", 11000, 429),
		fixed("refinery4", "Meraux Refinery", 22000, 924),
		fixed("starter", "Starter", 250, 70),
		fixed("growth", "Growth", 500, 140),
		fixed("premium", "Premium", 1000, 280),
		fixed("elite", "Elite", 2500, 750),
	}
}
