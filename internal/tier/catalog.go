// Package tier is the pricing catalog: a pure lookup from tier name to
// ordinal and price. It holds no mutable state and performs no I/O.
package tier

import (
	errors "github.com/creatorhub/membership-billing/internal"
	billingmodel "github.com/creatorhub/membership-billing/internal/core/datamodel/billing"
)

type Tier struct {
	Name              string
	Ordinal           int
	MonthlyPriceCents int64
	AnnualPriceCents  int64
	Currency          string
}

type Catalog struct {
	tiers map[string]Tier
}

// NewCatalog returns the canonical membership catalog. Ordinals define the
// upgrade ordering; a transition is only valid strictly upward.
func NewCatalog() *Catalog {
	return newCatalogFrom([]Tier{
		{Name: "welcome", Ordinal: 0, MonthlyPriceCents: 0, AnnualPriceCents: 0, Currency: "USD"},
		{Name: "supporter", Ordinal: 1, MonthlyPriceCents: 499, AnnualPriceCents: 4990, Currency: "USD"},
		{Name: "premium", Ordinal: 2, MonthlyPriceCents: 999, AnnualPriceCents: 9990, Currency: "USD"},
		{Name: "elite", Ordinal: 3, MonthlyPriceCents: 2499, AnnualPriceCents: 24990, Currency: "USD"},
	})
}

func newCatalogFrom(tiers []Tier) *Catalog {
	m := make(map[string]Tier, len(tiers))
	for _, t := range tiers {
		m[t.Name] = t
	}
	return &Catalog{tiers: m}
}

func (c *Catalog) Lookup(name string) (Tier, bool) {
	t, ok := c.tiers[name]
	return t, ok
}

func (c *Catalog) Ordinal(name string) (int, bool) {
	t, ok := c.tiers[name]
	if !ok {
		return 0, false
	}
	return t.Ordinal, true
}

// Price returns the catalog price in minor units for a tier and billing
// cycle.
func (c *Catalog) Price(name, cycle string) (int64, string, *errors.AppError) {
	t, ok := c.tiers[name]
	if !ok {
		return 0, "", errors.NewValidationError("unknown tier: "+name, errors.ErrCodeUnknownTier)
	}
	switch cycle {
	case billingmodel.CycleMonthly:
		return t.MonthlyPriceCents, t.Currency, nil
	case billingmodel.CycleAnnual:
		return t.AnnualPriceCents, t.Currency, nil
	}
	return 0, "", errors.NewValidationError("unknown billing cycle: "+cycle, errors.ErrCodeInvalidCycle)
}

// ValidateUpgrade checks that target is a strict upward move from current.
func (c *Catalog) ValidateUpgrade(current, target string) *errors.AppError {
	currentTier, ok := c.tiers[current]
	if !ok {
		return errors.NewValidationError("unknown tier: "+current, errors.ErrCodeUnknownTier)
	}
	targetTier, ok := c.tiers[target]
	if !ok {
		return errors.NewValidationError("unknown tier: "+target, errors.ErrCodeUnknownTier)
	}
	if targetTier.Ordinal <= currentTier.Ordinal {
		return errors.ErrUpgradeNotAllowed
	}
	return nil
}
