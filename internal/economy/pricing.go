package economy

import (
	"math"

	"github.com/talgya/archipelago/internal/island"
)

// Default shop multipliers: the shop buys low and sells high.
const (
	DefaultBuyMultiplier  = 0.7
	DefaultSellMultiplier = 1.2
)

// Multipliers returns the effective buy/sell multipliers of a shop.
func Multipliers(p *island.ShopPricing) (buy, sell float64) {
	buy, sell = DefaultBuyMultiplier, DefaultSellMultiplier
	if p == nil {
		return buy, sell
	}
	if p.BuyMultiplier > 0 {
		buy = p.BuyMultiplier
	}
	if p.SellMultiplier > 0 {
		sell = p.SellMultiplier
	}
	return buy, sell
}

// BuyPrice is what the shop pays a player for one unit of itemID.
// catalogSell is the catalog's sell price for the item.
func BuyPrice(p *island.ShopPricing, itemID string, catalogSell int64) int64 {
	if o, ok := override(p, itemID); ok && o.Buy != nil {
		return nonNegative(*o.Buy)
	}
	buy, _ := Multipliers(p)
	return scale(catalogSell, buy)
}

// SellPrice is what a player pays the shop for one unit of itemID.
// catalogBuy is the catalog's buy price for the item.
func SellPrice(p *island.ShopPricing, itemID string, catalogBuy int64) int64 {
	if o, ok := override(p, itemID); ok && o.Sell != nil {
		return nonNegative(*o.Sell)
	}
	_, sell := Multipliers(p)
	return scale(catalogBuy, sell)
}

func override(p *island.ShopPricing, itemID string) (island.ItemPrice, bool) {
	if p == nil || p.ItemPrices == nil {
		return island.ItemPrice{}, false
	}
	o, ok := p.ItemPrices[itemID]
	return o, ok
}

// scale applies a multiplier and rounds half away from zero.
func scale(base int64, mult float64) int64 {
	return nonNegative(int64(math.Round(float64(base) * mult)))
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
