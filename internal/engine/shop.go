// Island shops: consignment, dynamic pricing and the tax split on sales.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/talgya/archipelago/internal/catalog"
	"github.com/talgya/archipelago/internal/economy"
	"github.com/talgya/archipelago/internal/island"
)

// ShopCurrency is the currency shop prices are settled in.
const ShopCurrency = economy.Gold

// TradeResult is returned by shop operations.
type TradeResult struct {
	ItemID string         `json:"item_id,omitempty"`
	Gross  int64          `json:"gross"`
	Tax    int64          `json:"tax"`
	Net    int64          `json:"net"`
	Island *island.Island `json:"island"`
}

// QuoteLine is the effective price of one item in a shop.
type QuoteLine struct {
	ItemID    string `json:"item_id"`
	Category  string `json:"category"`
	BuyPrice  int64  `json:"buy_price"`  // Shop pays the player
	SellPrice int64  `json:"sell_price"` // Player pays the shop
	Stock     int    `json:"stock"`
}

// Quote is the price table of an island shop.
type Quote struct {
	MapID          string      `json:"map_id"`
	IslandID       string      `json:"island_id"`
	Building       string      `json:"building"`
	BuyMultiplier  float64     `json:"buy_multiplier"`
	SellMultiplier float64     `json:"sell_multiplier"`
	HotSpringPrice int64       `json:"hot_spring_price,omitempty"`
	Lines          []QuoteLine `json:"lines"`
}

// PricingUpdate carries owner changes to a shop's pricing. Nil fields are
// left unchanged; an override with both prices nil removes it.
type PricingUpdate struct {
	BuyMultiplier  *float64                    `json:"buy_multiplier,omitempty"`
	SellMultiplier *float64                    `json:"sell_multiplier,omitempty"`
	ItemPrices     map[string]island.ItemPrice `json:"item_prices,omitempty"`
	HotSpringPrice *int64                      `json:"hot_spring_price,omitempty"`
}

// completedSpec returns the catalog spec of the island's completed building.
func (e *Engine) completedSpec(is *island.Island) (catalog.BuildingSpec, bool) {
	b, ok := is.Active()
	if !ok || b.Status != island.StatusCompleted {
		return catalog.BuildingSpec{}, false
	}
	return e.catalog.Spec(b.BuildingID, b.Level)
}

func (e *Engine) shopSpec(is *island.Island) (catalog.BuildingSpec, error) {
	spec, ok := e.completedSpec(is)
	if !ok || !spec.Commerce || is.OwnerID == "" {
		return catalog.BuildingSpec{}, failf(ErrNoShop, "island %s has no open shop", is.Key())
	}
	return spec, nil
}

func (e *Engine) item(itemID string) (catalog.ItemDef, error) {
	if itemID == "" {
		return catalog.ItemDef{}, failf(ErrInvalidInput, "item is required")
	}
	it, ok := e.catalog.Item(itemID)
	if !ok {
		return catalog.ItemDef{}, failf(ErrUnknownItem, "unknown item %q", itemID)
	}
	return it, nil
}

// SellToShop consigns one unit of itemID from actor to the island shop. The
// island owner pays the shop's buy price; an owner stocking their own shop
// pays nothing.
func (e *Engine) SellToShop(ctx context.Context, mapID, islandID, actor, itemID string) (*TradeResult, error) {
	if err := required("map", mapID, "island", islandID, "actor", actor); err != nil {
		return nil, err
	}
	it, err := e.item(itemID)
	if err != nil {
		return nil, err
	}

	res := &TradeResult{ItemID: it.ID}
	is, err := e.commit(ctx, "sell to shop", mapID, islandID, func(ctx context.Context, t *txn) error {
		is := t.is
		spec, err := e.shopSpec(is)
		if err != nil {
			return err
		}
		if !spec.SellsCategory(it.Category) {
			return failf(ErrWrongCategory, "%s does not trade %s (%s)", spec.ID, it.ID, it.Category)
		}

		price := int64(0)
		if actor != is.OwnerID {
			price = economy.BuyPrice(is.ShopPricing, it.ID, it.SellPrice)
		}
		if price > 0 {
			if err := economy.CheckAffordable(ctx, e.wallet, is.OwnerID, economy.Cost{ShopCurrency: price}); err != nil {
				if errors.Is(err, economy.ErrInsufficientFunds) {
					return failf(ErrShopInsufficientFunds, "shop on %s cannot pay %d %s", is.Key(), price, ShopCurrency)
				}
				return internal("owner balance", err)
			}
		}

		if err := e.takeItem(ctx, t, actor, it.ID); err != nil {
			return err
		}
		if price > 0 {
			if err := e.transfer(ctx, t, is.OwnerID, actor, price); err != nil {
				if errors.Is(err, ErrInsufficientFunds) {
					return failf(ErrShopInsufficientFunds, "shop on %s cannot pay %d %s", is.Key(), price, ShopCurrency)
				}
				return err
			}
		}
		is.AddStock(it.ID, 1)

		res.Gross, res.Net = price, price
		t.emit(EventShopSale, actor, map[string]any{"item": it.ID, "price": price})
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Island = is
	return res, nil
}

// BuyFromShop sells one unit of itemID from the shop's stock to actor. The
// proceeds are split between the owner (net) and the owner's nation (tax).
// An owner taking from their own shop pays nothing.
func (e *Engine) BuyFromShop(ctx context.Context, mapID, islandID, actor, itemID string) (*TradeResult, error) {
	if err := required("map", mapID, "island", islandID, "actor", actor); err != nil {
		return nil, err
	}
	it, err := e.item(itemID)
	if err != nil {
		return nil, err
	}

	res := &TradeResult{ItemID: it.ID}
	is, err := e.commit(ctx, "buy from shop", mapID, islandID, func(ctx context.Context, t *txn) error {
		is := t.is
		if _, err := e.shopSpec(is); err != nil {
			return err
		}
		if is.Stock(it.ID) <= 0 {
			return failf(ErrOutOfStock, "%s is out of stock on %s", it.ID, is.Key())
		}

		gross := int64(0)
		if actor != is.OwnerID {
			gross = economy.SellPrice(is.ShopPricing, it.ID, it.BuyPrice)
		}
		if gross > 0 {
			if err := e.charge(ctx, t, actor, economy.Cost{ShopCurrency: gross}); err != nil {
				return err
			}
		}
		if err := e.grantItem(ctx, t, actor, it.ID); err != nil {
			return err
		}
		is.TakeStock(it.ID)

		tax, net, err := e.payProceeds(ctx, t, is, gross)
		if err != nil {
			return err
		}
		res.Gross, res.Tax, res.Net = gross, tax, net
		t.emit(EventShopPurchase, actor, map[string]any{"item": it.ID, "gross": gross, "tax": tax, "net": net})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Tax > 0 {
		slog.Info("shop sale taxed", "island", is.Key(), "item", it.ID, "gross", res.Gross, "tax", res.Tax, "nation", taxNation(is))
	}
	res.Island = is
	return res, nil
}

// UseHotSpring charges actor the island's hot-spring price. Proceeds are
// split like a shop sale.
func (e *Engine) UseHotSpring(ctx context.Context, mapID, islandID, actor string) (*TradeResult, error) {
	if err := required("map", mapID, "island", islandID, "actor", actor); err != nil {
		return nil, err
	}
	res := &TradeResult{}
	is, err := e.commit(ctx, "use hot spring", mapID, islandID, func(ctx context.Context, t *txn) error {
		is := t.is
		spec, ok := e.completedSpec(is)
		if !ok || !spec.HotSpring || is.OwnerID == "" {
			return failf(ErrNoHotSpring, "island %s has no open hot spring", is.Key())
		}
		gross := int64(0)
		if actor != is.OwnerID {
			gross = is.HotSpringPrice
			if gross <= 0 {
				gross = e.settings.DefaultHotSpringPrice
			}
		}
		if gross > 0 {
			if err := e.charge(ctx, t, actor, economy.Cost{ShopCurrency: gross}); err != nil {
				return err
			}
		}
		tax, net, err := e.payProceeds(ctx, t, is, gross)
		if err != nil {
			return err
		}
		res.Gross, res.Tax, res.Net = gross, tax, net
		t.emit(EventHotSpringUsed, actor, map[string]any{"gross": gross, "tax": tax, "net": net})
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Island = is
	return res, nil
}

// SetShopPricing lets the owner change multipliers, per-item overrides and
// the hot-spring price.
func (e *Engine) SetShopPricing(ctx context.Context, mapID, islandID, actor string, u PricingUpdate) (*island.Island, error) {
	if err := required("map", mapID, "island", islandID, "actor", actor); err != nil {
		return nil, err
	}
	if err := e.validatePricing(u); err != nil {
		return nil, err
	}
	return e.commit(ctx, "set shop pricing", mapID, islandID, func(ctx context.Context, t *txn) error {
		is := t.is
		if err := requireOwner(is, actor); err != nil {
			return err
		}
		spec, ok := e.completedSpec(is)
		if !ok || !(spec.Commerce || spec.HotSpring) {
			return failf(ErrNoShop, "island %s has no shop or hot spring", is.Key())
		}
		if u.HotSpringPrice != nil && !spec.HotSpring {
			return failf(ErrNoHotSpring, "island %s has no hot spring", is.Key())
		}

		if is.ShopPricing == nil {
			is.ShopPricing = &island.ShopPricing{}
		}
		p := is.ShopPricing
		if u.BuyMultiplier != nil {
			p.BuyMultiplier = *u.BuyMultiplier
		}
		if u.SellMultiplier != nil {
			p.SellMultiplier = *u.SellMultiplier
		}
		for id, o := range u.ItemPrices {
			if o.Buy == nil && o.Sell == nil {
				delete(p.ItemPrices, id)
				continue
			}
			if p.ItemPrices == nil {
				p.ItemPrices = make(map[string]island.ItemPrice)
			}
			p.ItemPrices[id] = o
		}
		if u.HotSpringPrice != nil {
			is.HotSpringPrice = *u.HotSpringPrice
		}
		t.emit(EventPricingUpdated, actor, nil)
		return nil
	})
}

func (e *Engine) validatePricing(u PricingUpdate) error {
	for name, m := range map[string]*float64{"buy multiplier": u.BuyMultiplier, "sell multiplier": u.SellMultiplier} {
		if m != nil && (*m <= 0 || *m > e.settings.MaxMultiplier) {
			return failf(ErrInvalidPricing, "%s must be in (0, %g], got %g", name, e.settings.MaxMultiplier, *m)
		}
	}
	for id, o := range u.ItemPrices {
		if _, ok := e.catalog.Item(id); !ok {
			return failf(ErrUnknownItem, "unknown item %q", id)
		}
		if (o.Buy != nil && *o.Buy < 0) || (o.Sell != nil && *o.Sell < 0) {
			return failf(ErrInvalidPricing, "override for %s must not be negative", id)
		}
	}
	if u.HotSpringPrice != nil && *u.HotSpringPrice < 0 {
		return failf(ErrInvalidPricing, "hot spring price must not be negative")
	}
	return nil
}

// Quote returns the effective price table of an island shop.
func (e *Engine) Quote(ctx context.Context, mapID, islandID string) (*Quote, error) {
	if err := required("map", mapID, "island", islandID); err != nil {
		return nil, err
	}
	is, err := e.Island(ctx, mapID, islandID)
	if err != nil {
		return nil, err
	}
	spec, err := e.shopSpec(is)
	if err != nil {
		return nil, err
	}
	buy, sell := economy.Multipliers(is.ShopPricing)
	q := &Quote{
		MapID:          mapID,
		IslandID:       islandID,
		Building:       spec.ID,
		BuyMultiplier:  buy,
		SellMultiplier: sell,
		Lines:          []QuoteLine{},
	}
	if spec.HotSpring {
		q.HotSpringPrice = is.HotSpringPrice
	}
	for _, it := range e.catalog.Items() {
		if !spec.SellsCategory(it.Category) {
			continue
		}
		q.Lines = append(q.Lines, QuoteLine{
			ItemID:    it.ID,
			Category:  it.Category,
			BuyPrice:  economy.BuyPrice(is.ShopPricing, it.ID, it.SellPrice),
			SellPrice: economy.SellPrice(is.ShopPricing, it.ID, it.BuyPrice),
			Stock:     is.Stock(it.ID),
		})
	}
	return q, nil
}

// payProceeds routes gross to the island owner minus the owner nation's tax.
func (e *Engine) payProceeds(ctx context.Context, t *txn, is *island.Island, gross int64) (tax, net int64, err error) {
	if gross <= 0 || is.OwnerID == "" {
		return 0, 0, nil
	}
	nation := taxNation(is)
	bps := 0
	if nation != "" {
		if bps, err = e.governance.TaxRateBps(ctx, nation); err != nil {
			return 0, 0, internal("tax rate", err)
		}
	}
	tax, net = economy.SplitTax(gross, bps)

	if net > 0 {
		owner := is.OwnerID
		err = t.saga.Do(ctx, fmt.Sprintf("credit owner %s %d", owner, net),
			func(ctx context.Context) error { return e.wallet.Credit(ctx, owner, ShopCurrency, net) },
			func(ctx context.Context) error { return e.wallet.Debit(ctx, owner, ShopCurrency, net) },
		)
		if err != nil {
			return 0, 0, internal("credit owner", err)
		}
	}
	if tax > 0 {
		err = t.saga.Do(ctx, fmt.Sprintf("treasury %s +%d", nation, tax),
			func(ctx context.Context) error { return e.governance.AddTreasury(ctx, nation, tax) },
			func(ctx context.Context) error { return e.governance.AddTreasury(ctx, nation, -tax) },
		)
		if err != nil {
			return 0, 0, internal("add treasury", err)
		}
	}
	return tax, net, nil
}

// taxNation is the treasury that taxes sales on is.
func taxNation(is *island.Island) string {
	if is.OwnerNation != "" {
		return is.OwnerNation
	}
	return is.Nation
}

// transfer moves amount of shop currency from one player to another.
func (e *Engine) transfer(ctx context.Context, t *txn, from, to string, amount int64) error {
	if err := economy.Charge(ctx, t.saga, e.wallet, from, economy.Cost{ShopCurrency: amount}); err != nil {
		return e.walletErr("debit", err)
	}
	err := t.saga.Do(ctx, fmt.Sprintf("credit %s %d", to, amount),
		func(ctx context.Context) error { return e.wallet.Credit(ctx, to, ShopCurrency, amount) },
		func(ctx context.Context) error { return e.wallet.Debit(ctx, to, ShopCurrency, amount) },
	)
	if err != nil {
		return internal("credit", err)
	}
	return nil
}

func (e *Engine) takeItem(ctx context.Context, t *txn, player, itemID string) error {
	err := t.saga.Do(ctx, fmt.Sprintf("take %s from %s", itemID, player),
		func(ctx context.Context) error { return e.inventory.TakeItem(ctx, player, itemID, 1) },
		func(ctx context.Context) error { return e.inventory.GrantItem(ctx, player, itemID, 1) },
	)
	if err != nil {
		return e.walletErr("take item", err)
	}
	return nil
}

func (e *Engine) grantItem(ctx context.Context, t *txn, player, itemID string) error {
	err := t.saga.Do(ctx, fmt.Sprintf("grant %s to %s", itemID, player),
		func(ctx context.Context) error { return e.inventory.GrantItem(ctx, player, itemID, 1) },
		func(ctx context.Context) error { return e.inventory.TakeItem(ctx, player, itemID, 1) },
	)
	if err != nil {
		return internal("grant item", err)
	}
	return nil
}
