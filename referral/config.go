package referral

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Tier applies Rate once a referrer has at least MinReferrals referrals.
type Tier struct {
	MinReferrals int             `json:"min_referrals"`
	Rate         decimal.Decimal `json:"rate"`
}

type Config struct {
	BaseBonus     decimal.Decimal // signup without a valid code
	ReferredBonus decimal.Decimal // signup with a valid code
	Tiers         []Tier          // ascending MinReferrals, ascending Rate
	EveryDeposit  bool            // pay on every deposit, not only the first
}

// DefaultConfig: 20/50 signup bonuses; 30% under 10 referrals, 35% under
// 25, 40% from 25 on; first deposit only.
func DefaultConfig() Config {
	return Config{
		BaseBonus:     decimal.NewFromInt(20),
		ReferredBonus: decimal.NewFromInt(50),
		Tiers: []Tier{
			{MinReferrals: 0, Rate: decimal.RequireFromString("0.30")},
			{MinReferrals: 10, Rate: decimal.RequireFromString("0.35")},
			{MinReferrals: 25, Rate: decimal.RequireFromString("0.40")},
		},
	}
}

func (c Config) Validate() error {
	if c.BaseBonus.IsNegative() || c.ReferredBonus.IsNegative() {
		return fmt.Errorf("referral: bonuses must not be negative")
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("referral: at least one commission tier required")
	}
	for i, t := range c.Tiers {
		if t.MinReferrals < 0 {
			return fmt.Errorf("referral: tier %d: negative min_referrals", i)
		}
		if !t.Rate.IsPositive() || t.Rate.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("referral: tier %d: rate %s outside (0, 1]", i, t.Rate)
		}
		if i == 0 {
			continue
		}
		prev := c.Tiers[i-1]
		if t.MinReferrals <= prev.MinReferrals {
			return fmt.Errorf("referral: tier %d: min_referrals must increase", i)
		}
		if t.Rate.LessThanOrEqual(prev.Rate) {
			return fmt.Errorf("referral: tier %d: rate must increase", i)
		}
	}
	return nil
}

// RateFor returns the commission rate for a referrer with count referrals,
// zero below the first tier.
func (c Config) RateFor(count int) decimal.Decimal {
	rate := decimal.Zero
	for _, t := range c.Tiers {
		if count >= t.MinReferrals {
			rate = t.Rate
		}
	}
	return rate
}

// NextTier returns the first tier above count, if any.
func (c Config) NextTier(count int) (Tier, bool) {
	for _, t := range c.Tiers {
		if t.MinReferrals > count {
			return t, true
		}
	}
	return Tier{}, false
}
