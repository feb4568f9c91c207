// Package catalog holds the static building and item definitions. A catalog
// is immutable once loaded and safe to share between goroutines.
package catalog

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/talgya/archipelago/internal/economy"
	"github.com/talgya/archipelago/internal/island"
)

// HomeBuildingID is the building that island level upgrades place in the slot.
const HomeBuildingID = "home"

//go:embed schema.json
var schemaJSON string

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

// ErrInvalid wraps every load-time rejection.
var ErrInvalid = errors.New("invalid catalog")

// BuildingSpec is the resolved definition of a building at one level.
type BuildingSpec struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Level         int           `json:"level"`
	Cost          economy.Cost  `json:"cost"`
	BuildTime     time.Duration `json:"buildTime"`
	SizeTag       island.Size   `json:"sizeTag"`
	SlotsRequired int           `json:"slotsRequired"`
	Width         int           `json:"width"`
	Height        int           `json:"height"`
	VisualWidth   int           `json:"visualWidth"`
	VisualHeight  int           `json:"visualHeight"`
	TileIndex     int           `json:"tileIndex"`

	ShopCategories []string `json:"shopCategories,omitempty"`
	Commerce       bool     `json:"commerce,omitempty"`
	HotSpring      bool     `json:"hotSpring,omitempty"`
	UpgradeOnly    bool     `json:"upgradeOnly,omitempty"`
	MaxLevel       int      `json:"maxLevel"`
}

// HP is the hit points of this building at its level.
func (s BuildingSpec) HP() int {
	return HP(s.Width, s.Height, s.Level)
}

// SellsCategory reports whether a shop built from s trades items of category.
func (s BuildingSpec) SellsCategory(category string) bool {
	for _, c := range s.ShopCategories {
		if c == category {
			return true
		}
	}
	return false
}

// ItemDef is a tradeable good.
type ItemDef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category  string `json:"category"`
	BuyPrice  int64  `json:"buyPrice"`
	SellPrice int64  `json:"sellPrice"`
}

type variant struct {
	cost      economy.Cost
	buildTime time.Duration
}

type buildingDef struct {
	base     BuildingSpec
	variants map[int]variant
}

// Catalog is the loaded, validated set of buildings and items.
type Catalog struct {
	buildings map[string]buildingDef
	items     map[string]ItemDef
	digest    string
}

// Spec resolves buildingID at level. Level <= 0 means level 1. Levels above
// the building's highest declared variant are unknown.
func (c *Catalog) Spec(buildingID string, level int) (BuildingSpec, bool) {
	def, ok := c.buildings[buildingID]
	if !ok {
		return BuildingSpec{}, false
	}
	if level <= 0 {
		level = 1
	}
	if level > def.base.MaxLevel {
		return BuildingSpec{}, false
	}
	s := def.base
	s.Level = level
	s.Cost = copyCost(def.base.Cost)
	for l := 2; l <= level; l++ {
		v, ok := def.variants[l]
		if !ok {
			continue
		}
		if v.cost != nil {
			s.Cost = copyCost(v.cost)
		}
		if v.buildTime > 0 {
			s.BuildTime = v.buildTime
		}
	}
	return s, true
}

// Buildings returns the level-1 spec of every building, sorted by id.
func (c *Catalog) Buildings() []BuildingSpec {
	out := make([]BuildingSpec, 0, len(c.buildings))
	for id := range c.buildings {
		s, _ := c.Spec(id, 1)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Item looks up a tradeable good.
func (c *Catalog) Item(id string) (ItemDef, bool) {
	it, ok := c.items[id]
	return it, ok
}

// Items returns every item, sorted by id.
func (c *Catalog) Items() []ItemDef {
	out := make([]ItemDef, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Digest is the sha256 of the source document, so clients can cache.
func (c *Catalog) Digest() string { return c.digest }

// HP computes building hit points: round(w*h*100*(1+0.2*(level-1))).
func HP(width, height, level int) int {
	if level < 1 {
		level = 1
	}
	return int(math.Round(float64(width*height) * 100 * (1 + 0.2*float64(level-1))))
}

// FootprintFromSlots derives a logical footprint from a slot count:
// width = ceil(sqrt(n)), height = ceil(n/width).
func FootprintFromSlots(n int) (w, h int) {
	if n <= 0 {
		return 1, 1
	}
	w = int(math.Ceil(math.Sqrt(float64(n))))
	h = (n + w - 1) / w
	return w, h
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(raw)
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalogYAML)
}

// document mirrors the YAML file layout.
type document struct {
	Buildings []struct {
		ID             string           `yaml:"id"`
		Name           string           `yaml:"name"`
		Size           string           `yaml:"size"`
		Cost           map[string]int64 `yaml:"cost"`
		BuildTime      string           `yaml:"build_time"`
		Slots          int              `yaml:"slots"`
		Width          int              `yaml:"width"`
		Height         int              `yaml:"height"`
		VisualWidth    int              `yaml:"visual_width"`
		VisualHeight   int              `yaml:"visual_height"`
		TileIndex      int              `yaml:"tile_index"`
		Commerce       bool             `yaml:"commerce"`
		HotSpring      bool             `yaml:"hot_spring"`
		UpgradeOnly    bool             `yaml:"upgrade_only"`
		ShopCategories []string         `yaml:"shop_categories"`
		Levels         []struct {
			Level     int              `yaml:"level"`
			Cost      map[string]int64 `yaml:"cost"`
			BuildTime string           `yaml:"build_time"`
		} `yaml:"levels"`
	} `yaml:"buildings"`
	Items []itemDoc `yaml:"items"`
}

// itemDoc is the on-disk form of an item.
type itemDoc struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Category  string `yaml:"category"`
	BuyPrice  int64  `yaml:"buy_price"`
	SellPrice int64  `yaml:"sell_price"`
}

// Parse validates raw YAML against the catalog schema and the semantic rules,
// then builds the catalog.
func Parse(raw []byte) (*Catalog, error) {
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	sum := sha256.Sum256(raw)
	c := &Catalog{
		buildings: make(map[string]buildingDef, len(doc.Buildings)),
		items:     make(map[string]ItemDef, len(doc.Items)),
		digest:    hex.EncodeToString(sum[:]),
	}

	for _, b := range doc.Buildings {
		if _, dup := c.buildings[b.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate building %q", ErrInvalid, b.ID)
		}
		size := island.Size(b.Size)
		if size != island.SizeSmall && size != island.SizeMedium && size != island.SizeLarge {
			return nil, fmt.Errorf("%w: building %q: unknown size tag %q", ErrInvalid, b.ID, b.Size)
		}
		cost, err := toCost(b.Cost).Canonicalize()
		if err != nil {
			return nil, fmt.Errorf("%w: building %q: %v", ErrInvalid, b.ID, err)
		}
		bt, err := parseBuildTime(b.BuildTime)
		if err != nil {
			return nil, fmt.Errorf("%w: building %q: %v", ErrInvalid, b.ID, err)
		}

		w, h := b.Width, b.Height
		slots := b.Slots
		if w == 0 || h == 0 {
			if slots == 0 {
				slots = 1
			}
			w, h = FootprintFromSlots(slots)
		} else if slots == 0 {
			slots = w * h
		}
		vw, vh := b.VisualWidth, b.VisualHeight
		if vw == 0 {
			vw = w
		}
		if vh == 0 {
			vh = h
		}
		if vw < w || vh < h {
			return nil, fmt.Errorf("%w: building %q: visual footprint %dx%d smaller than logical %dx%d",
				ErrInvalid, b.ID, vw, vh, w, h)
		}
		if len(b.ShopCategories) > 0 && !b.Commerce {
			return nil, fmt.Errorf("%w: building %q: shop categories on a non-commerce building", ErrInvalid, b.ID)
		}

		def := buildingDef{
			base: BuildingSpec{
				ID:             b.ID,
				Name:           b.Name,
				Level:          1,
				Cost:           cost,
				BuildTime:      bt,
				SizeTag:        size,
				SlotsRequired:  slots,
				Width:          w,
				Height:         h,
				VisualWidth:    vw,
				VisualHeight:   vh,
				TileIndex:      b.TileIndex,
				ShopCategories: append([]string(nil), b.ShopCategories...),
				Commerce:       b.Commerce,
				HotSpring:      b.HotSpring,
				UpgradeOnly:    b.UpgradeOnly,
				MaxLevel:       1,
			},
			variants: make(map[int]variant, len(b.Levels)),
		}
		if def.base.Name == "" {
			def.base.Name = b.ID
		}
		for _, lv := range b.Levels {
			if _, dup := def.variants[lv.Level]; dup {
				return nil, fmt.Errorf("%w: building %q: duplicate level %d", ErrInvalid, b.ID, lv.Level)
			}
			var v variant
			if lv.Cost != nil {
				if v.cost, err = toCost(lv.Cost).Canonicalize(); err != nil {
					return nil, fmt.Errorf("%w: building %q level %d: %v", ErrInvalid, b.ID, lv.Level, err)
				}
			}
			if lv.BuildTime != "" {
				if v.buildTime, err = parseBuildTime(lv.BuildTime); err != nil {
					return nil, fmt.Errorf("%w: building %q level %d: %v", ErrInvalid, b.ID, lv.Level, err)
				}
			}
			def.variants[lv.Level] = v
			if lv.Level > def.base.MaxLevel {
				def.base.MaxLevel = lv.Level
			}
		}
		for l := 2; l <= def.base.MaxLevel; l++ {
			if _, ok := def.variants[l]; !ok {
				return nil, fmt.Errorf("%w: building %q: missing level %d", ErrInvalid, b.ID, l)
			}
		}
		c.buildings[b.ID] = def
	}

	home, ok := c.buildings[HomeBuildingID]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q building", ErrInvalid, HomeBuildingID)
	}
	if home.base.MaxLevel < island.MaxLevel {
		return nil, fmt.Errorf("%w: %q must define levels up to %d", ErrInvalid, HomeBuildingID, island.MaxLevel)
	}

	for _, it := range doc.Items {
		if _, dup := c.items[it.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate item %q", ErrInvalid, it.ID)
		}
		name := it.Name
		if name == "" {
			name = it.ID
		}
		c.items[it.ID] = ItemDef{
			ID:        it.ID,
			Name:      name,
			Category:  it.Category,
			BuyPrice:  it.BuyPrice,
			SellPrice: it.SellPrice,
		}
	}
	return c, nil
}

var compiledSchema = jsonschema.MustCompileString("catalog.schema.json", schemaJSON)

// validateSchema checks the document shape. The YAML tree is normalized
// through JSON first so the validator sees JSON value types.
func validateSchema(raw []byte) error {
	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	b, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := compiledSchema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func parseBuildTime(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("build time must be positive, got %s", s)
	}
	return d, nil
}

func toCost(m map[string]int64) economy.Cost {
	out := make(economy.Cost, len(m))
	for k, v := range m {
		out[economy.Currency(k)] = v
	}
	return out
}

func copyCost(c economy.Cost) economy.Cost {
	out := make(economy.Cost, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
