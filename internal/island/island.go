// Package island defines the island aggregate: its position and faction
// affinity, the single building slot, and the commerce state attached to it.
package island

import (
	"errors"
	"fmt"
	"time"
)

// ErrSlotOccupied is returned by CheckSlot when an island carries more than
// one non-demolished building entry.
var ErrSlotOccupied = errors.New("island: more than one active building")

// Size categorizes island scale. It constrains which buildings fit.
type Size string

const (
	SizeSmall  Size = "small"
	SizeMedium Size = "medium"
	SizeLarge  Size = "large"
	SizeGiant  Size = "giant" // Capitals and sacred islands
)

// Valid reports whether s is one of the known sizes.
func (s Size) Valid() bool {
	switch s {
	case SizeSmall, SizeMedium, SizeLarge, SizeGiant:
		return true
	}
	return false
}

// Footprint returns the grid cells an island of this size occupies.
func (s Size) Footprint() (w, h int) {
	switch s {
	case SizeSmall:
		return 3, 3
	case SizeMedium:
		return 5, 5
	case SizeLarge:
		return 7, 7
	case SizeGiant:
		return 10, 10
	default:
		return 1, 1
	}
}

// Biome is the terrain type of an island, fixed at generation.
type Biome string

const (
	BiomeNone      Biome = ""
	BiomeVolcanic  Biome = "volcanic"
	BiomeRocky     Biome = "rocky"
	BiomeForest    Biome = "forest"
	BiomeIcy       Biome = "icy"
	BiomeCoral     Biome = "coral"
	BiomeGrassland Biome = "grassland"
)

// Occupation describes the political state of an island.
type Occupation string

const (
	OccupationNone       Occupation = ""
	OccupationCapital    Occupation = "capital"
	OccupationSacred     Occupation = "sacred"
	OccupationOccupied   Occupation = "occupied"
	OccupationDemolished Occupation = "demolished"
)

// BuildingStatus is the lifecycle state of the slot occupant.
type BuildingStatus string

const (
	StatusConstructing BuildingStatus = "constructing"
	StatusCompleted    BuildingStatus = "completed"
	StatusDemolished   BuildingStatus = "demolished"
)

// ConstructionActive is the denormalized ConstructionStatus value while a
// building entry is under construction.
const ConstructionActive = "constructing"

// MaxLevel is the highest island upgrade tier.
const MaxLevel = 5

// Coordinate is the top-left grid cell of an island.
type Coordinate struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Building is the occupant of an island's construction slot.
type Building struct {
	BuildingID     string         `json:"buildingId"`
	Level          int            `json:"level"`
	Status         BuildingStatus `json:"status"`
	StartTime      time.Time      `json:"startTime"`
	CompletionTime time.Time      `json:"completionTime"`
	DurationMs     int64          `json:"durationMs"`
	Helpers        []string       `json:"helpers"`

	// Logical footprint and render footprint (may exceed logical).
	Width        int `json:"width"`
	Height       int `json:"height"`
	VisualWidth  int `json:"visualWidth"`
	VisualHeight int `json:"visualHeight"`
	TileIndex    int `json:"tileIndex"`

	MaxHP     int `json:"maxHp"`
	CurrentHP int `json:"currentHp"`
}

// HasHelper reports whether player already accelerated this construction.
func (b *Building) HasHelper(player string) bool {
	for _, h := range b.Helpers {
		if h == player {
			return true
		}
	}
	return false
}

// ItemPrice is a per-item price override. Nil fields fall back to the
// multiplier-derived price.
type ItemPrice struct {
	Buy  *int64 `json:"buy,omitempty"`
	Sell *int64 `json:"sell,omitempty"`
}

// ShopPricing holds the global multipliers and per-item overrides of an
// island shop. Zero multipliers mean "use the default".
type ShopPricing struct {
	BuyMultiplier  float64              `json:"buyMultiplier,omitempty"`
	SellMultiplier float64              `json:"sellMultiplier,omitempty"`
	ItemPrices     map[string]ItemPrice `json:"itemPrices,omitempty"`
}

// StockEntry is one consigned item line in a shop.
type StockEntry struct {
	ItemID string `json:"itemId"`
	Count  int    `json:"count"`
}

// Island is a claimable map tile with at most one active building.
type Island struct {
	MapID      string     `json:"mapId"`
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Coordinate Coordinate `json:"coordinate"`
	Size       Size       `json:"size"`

	// Ownership and faction affinity.
	OwnerID     string `json:"ownerId,omitempty"`
	OwnerNation string `json:"ownerNation,omitempty"`
	Nation      string `json:"nation"`
	Biome       Biome  `json:"biome"`

	IslandLevel      int        `json:"islandLevel"`
	OccupationStatus Occupation `json:"occupationStatus,omitempty"`

	Buildings          []Building `json:"buildings"`
	ConstructionStatus string     `json:"constructionStatus,omitempty"`
	DemolishedAt       *time.Time `json:"demolishedAt,omitempty"`

	// Commerce, attached once a commerce-capable building exists.
	ShopPricing    *ShopPricing `json:"shopPricing,omitempty"`
	ShopInventory  []StockEntry `json:"shopInventory,omitempty"`
	HotSpringPrice int64        `json:"hotSpringPrice,omitempty"`

	// Version is the optimistic concurrency token maintained by stores.
	Version int64 `json:"-"`
}

// Key returns the partition-qualified identifier of the island.
func (is *Island) Key() string {
	return is.MapID + "/" + is.ID
}

// Active returns the single non-demolished building entry, if any.
func (is *Island) Active() (*Building, bool) {
	for i := range is.Buildings {
		if is.Buildings[i].Status != StatusDemolished {
			return &is.Buildings[i], true
		}
	}
	return nil, false
}

// Constructing returns the building entry under construction, if any.
func (is *Island) Constructing() (*Building, bool) {
	b, ok := is.Active()
	if !ok || b.Status != StatusConstructing {
		return nil, false
	}
	return b, true
}

// Protected reports whether the island is a capital or sacred site.
func (is *Island) Protected() bool {
	return is.OccupationStatus == OccupationCapital || is.OccupationStatus == OccupationSacred
}

// CheckSlot enforces single occupancy of the building slot.
func (is *Island) CheckSlot() error {
	active := 0
	for _, b := range is.Buildings {
		if b.Status != StatusDemolished {
			active++
		}
	}
	if active > 1 {
		return fmt.Errorf("%w: island %s has %d", ErrSlotOccupied, is.Key(), active)
	}
	return nil
}

// SyncConstructionStatus recomputes the denormalized construction flag.
func (is *Island) SyncConstructionStatus() {
	if _, ok := is.Constructing(); ok {
		is.ConstructionStatus = ConstructionActive
		return
	}
	is.ConstructionStatus = ""
}

// Stock returns how many units of itemID the shop holds.
func (is *Island) Stock(itemID string) int {
	for _, e := range is.ShopInventory {
		if e.ItemID == itemID {
			return e.Count
		}
	}
	return 0
}

// AddStock consigns n units of itemID to the shop.
func (is *Island) AddStock(itemID string, n int) {
	for i := range is.ShopInventory {
		if is.ShopInventory[i].ItemID == itemID {
			is.ShopInventory[i].Count += n
			return
		}
	}
	is.ShopInventory = append(is.ShopInventory, StockEntry{ItemID: itemID, Count: n})
}

// TakeStock removes one unit of itemID, dropping the entry at zero.
// Returns false when the item is out of stock.
func (is *Island) TakeStock(itemID string) bool {
	for i := range is.ShopInventory {
		if is.ShopInventory[i].ItemID != itemID || is.ShopInventory[i].Count <= 0 {
			continue
		}
		is.ShopInventory[i].Count--
		if is.ShopInventory[i].Count == 0 {
			is.ShopInventory = append(is.ShopInventory[:i], is.ShopInventory[i+1:]...)
		}
		return true
	}
	return false
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (is *Island) Clone() *Island {
	c := *is
	if is.Buildings != nil {
		c.Buildings = make([]Building, len(is.Buildings))
		for i, b := range is.Buildings {
			b.Helpers = append([]string(nil), b.Helpers...)
			c.Buildings[i] = b
		}
	}
	if is.DemolishedAt != nil {
		t := *is.DemolishedAt
		c.DemolishedAt = &t
	}
	if is.ShopPricing != nil {
		p := *is.ShopPricing
		if is.ShopPricing.ItemPrices != nil {
			p.ItemPrices = make(map[string]ItemPrice, len(is.ShopPricing.ItemPrices))
			for k, v := range is.ShopPricing.ItemPrices {
				p.ItemPrices[k] = v
			}
		}
		c.ShopPricing = &p
	}
	if is.ShopInventory != nil {
		c.ShopInventory = append([]StockEntry(nil), is.ShopInventory...)
	}
	return &c
}
