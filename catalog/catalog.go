package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alarab/profit-engine/events"
	"github.com/alarab/profit-engine/generic"
	"github.com/alarab/profit-engine/investment"
)

func planPrefix() generic.Path { return generic.Path("plans") }

func planPath(id string) generic.Path { return planPrefix().Child(id) }

// StoreCatalog keeps plans in the store. It implements investment.PlanCatalog.
type StoreCatalog struct {
	store     generic.Store
	clock     generic.Clock
	publisher events.Publisher
	logger    *slog.Logger
}

type Option func(*StoreCatalog)

func WithClock(c generic.Clock) Option { return func(s *StoreCatalog) { s.clock = c } }

func WithPublisher(p events.Publisher) Option { return func(s *StoreCatalog) { s.publisher = p } }

func WithLogger(l *slog.Logger) Option { return func(s *StoreCatalog) { s.logger = l } }

func NewStoreCatalog(store generic.Store, opts ...Option) *StoreCatalog {
	c := &StoreCatalog{
		store:     store,
		clock:     generic.SystemClock{},
		publisher: events.Noop{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "catalog")
	return c
}

var _ investment.PlanCatalog = (*StoreCatalog)(nil)

// GetActivePlan returns an enabled plan. Disabled plans are not found.
func (c *StoreCatalog) GetActivePlan(ctx context.Context, planID string) (investment.Plan, error) {
	p, err := c.Get(ctx, planID)
	if err != nil {
		return investment.Plan{}, err
	}
	if !p.Enabled {
		return investment.Plan{}, generic.NotFoundf("plan %s", planID)
	}
	return p, nil
}

// Get returns a plan whether or not it is enabled.
func (c *StoreCatalog) Get(ctx context.Context, planID string) (investment.Plan, error) {
	p, _, err := generic.ReadJSON[investment.Plan](ctx, c.store, planPath(planID))
	if errors.Is(err, generic.ErrNotFound) {
		return investment.Plan{}, generic.NotFoundf("plan %s", planID)
	}
	return p, err
}

// List returns plans sorted by price, then id. activeOnly drops disabled ones.
func (c *StoreCatalog) List(ctx context.Context, activeOnly bool) ([]investment.Plan, error) {
	all, err := generic.ListJSON[investment.Plan](ctx, c.store, planPrefix())
	if err != nil {
		return nil, err
	}
	plans := all[:0]
	for _, p := range all {
		if activeOnly && !p.Enabled {
			continue
		}
		plans = append(plans, p)
	}
	sort.SliceStable(plans, func(i, j int) bool {
		pi, pj := entryPrice(plans[i]), entryPrice(plans[j])
		if !pi.Equal(pj) {
			return pi.LessThan(pj)
		}
		return plans[i].ID < plans[j].ID
	})
	return plans, nil
}

// Save validates and upserts a plan. Existing investments keep the terms
// they were bought with.
func (c *StoreCatalog) Save(ctx context.Context, p investment.Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	b := generic.NewBatch()
	if err := b.Put(planPath(p.ID), p, generic.VersionAny); err != nil {
		return err
	}
	if err := generic.Commit(ctx, c.store, b); err != nil {
		return fmt.Errorf("save plan %s: %w", p.ID, err)
	}

	c.logger.Info("plan saved", "plan_id", p.ID, "enabled", p.Enabled)
	if err := c.publisher.Publish(ctx, events.New(events.PlanSaved, p.ID, "", c.clock.Now(), p)); err != nil {
		c.logger.Warn("event publish failed", "error", err)
	}
	return nil
}

// Seed writes each plan that does not exist yet and leaves existing ones
// untouched. It returns how many were created.
func (c *StoreCatalog) Seed(ctx context.Context, plans []investment.Plan) (int, error) {
	created := 0
	for _, p := range plans {
		if err := p.Validate(); err != nil {
			return created, err
		}
		b := generic.NewBatch()
		if err := b.Put(planPath(p.ID), p, generic.VersionAbsent); err != nil {
			return created, err
		}
		err := generic.Commit(ctx, c.store, b)
		if errors.Is(err, generic.ErrConflict) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seed plan %s: %w", p.ID, err)
		}
		created++
	}
	if created > 0 {
		c.logger.Info("plans seeded", "created", created, "total", len(plans))
	}
	return created, nil
}

func entryPrice(p investment.Plan) decimal.Decimal {
	if p.IsFixed() {
		return p.FixedAmount
	}
	return p.MinAmount
}
