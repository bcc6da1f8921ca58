package payment

import (
	"fmt"
	"strings"

	"entitlement-service/internal/config"
	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/model"
)

// PriceMap maps subscription tiers to processor price ids and back.
type PriceMap struct {
	byTier  map[model.Tier]string
	byPrice map[string]model.Tier
}

func NewPriceMap(cfg config.PriceConfig) PriceMap {
	m := PriceMap{byTier: map[model.Tier]string{}, byPrice: map[string]model.Tier{}}
	for tier, price := range map[model.Tier]string{
		model.TierBasic:   cfg.Basic,
		model.TierPremium: cfg.Premium,
		model.TierElite:   cfg.Elite,
	} {
		price = strings.TrimSpace(price)
		if price == "" {
			continue
		}
		m.byTier[tier] = price
		m.byPrice[price] = tier
	}
	return m
}

func (m PriceMap) PriceFor(tier model.Tier) (string, error) {
	price, ok := m.byTier[tier]
	if !ok {
		return "", fmt.Errorf("no price configured for tier %q: %w", tier, domain.ErrInvalidArgument)
	}
	return price, nil
}

// TierFor returns "" for an unmapped price.
func (m PriceMap) TierFor(priceID string) model.Tier {
	return m.byPrice[priceID]
}

// Amounts are stored in whole currency units; the processor works in cents.
func toMinor(amount int64) int64 { return amount * 100 }
func fromMinor(amount int64) int64 {
	return amount / 100
}
