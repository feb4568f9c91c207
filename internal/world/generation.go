// Map generation: places a map's islands and derives each island's biome
// from layered simplex noise sampled at its center.
package world

import (
	"math/rand"

	"github.com/google/uuid"
	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/archipelago/internal/island"
)

// SpecialIsland is a fixed island (capital or sacred site) carried by a map
// layout. The first special of a layout is placed at the grid center.
type SpecialIsland struct {
	Name       string            `yaml:"name" json:"name"`
	Size       island.Size       `yaml:"size" json:"size"`
	Biome      island.Biome      `yaml:"biome" json:"biome"`
	Occupation island.Occupation `yaml:"occupation" json:"occupation"`
}

// MapLayout holds the generation parameters of one map partition.
type MapLayout struct {
	MapID    string              `yaml:"id" json:"id"`
	Nation   string              `yaml:"nation" json:"nation"`
	Width    int                 `yaml:"width" json:"width"`
	Height   int                 `yaml:"height" json:"height"`
	Specials []SpecialIsland     `yaml:"specials" json:"specials"`
	Counts   map[island.Size]int `yaml:"counts" json:"counts"`
	Seed     int64               `yaml:"seed" json:"seed"`
}

// DefaultLayout returns a reasonable starting map for a nation: a giant
// capital in the center and a spread of claimable islands.
func DefaultLayout(mapID, nation string) MapLayout {
	return MapLayout{
		MapID:  mapID,
		Nation: nation,
		Width:  DefaultWidth,
		Height: DefaultHeight,
		Specials: []SpecialIsland{
			{Size: island.SizeGiant, Occupation: island.OccupationCapital, Biome: island.BiomeGrassland},
		},
		Counts: map[island.Size]int{
			island.SizeLarge:  6,
			island.SizeMedium: 14,
			island.SizeSmall:  30,
		},
	}
}

// placementOrder places big islands first; they are the hardest to fit.
var placementOrder = []island.Size{island.SizeGiant, island.SizeLarge, island.SizeMedium, island.SizeSmall}

// Generate creates the islands of one map. Placement, biomes and names are
// deterministic for a given seed; only ids are random.
func Generate(layout MapLayout) []*island.Island {
	rng := rand.New(rand.NewSource(layout.Seed))
	grid := NewGrid(layout.Width, layout.Height)
	placer := NewPlacer(grid, rng)
	bg := newBiomeGen(layout.Seed)

	var out []*island.Island
	newIsland := func(r Rect, size island.Size) *island.Island {
		return &island.Island{
			MapID:       layout.MapID,
			ID:          uuid.NewString(),
			Coordinate:  island.Coordinate{X: r.X, Y: r.Y},
			Size:        size,
			Nation:      layout.Nation,
			Biome:       bg.biomeAt(r.Center()),
			IslandLevel: 1,
			Buildings:   []island.Building{},
		}
	}

	for i, sp := range layout.Specials {
		w, h := sp.Size.Footprint()
		var (
			r  Rect
			ok bool
		)
		if i == 0 {
			r, ok = placer.PlaceCenter(w, h)
		} else {
			r, ok = placer.PlaceRandom(w, h)
		}
		if !ok {
			continue
		}
		is := newIsland(r, sp.Size)
		is.Name = sp.Name
		is.OccupationStatus = sp.Occupation
		if sp.Biome != island.BiomeNone {
			is.Biome = sp.Biome
		}
		out = append(out, is)
	}

	for _, size := range placementOrder {
		w, h := size.Footprint()
		for n := 0; n < layout.Counts[size]; n++ {
			r, ok := placer.PlaceRandom(w, h)
			if !ok {
				continue
			}
			out = append(out, newIsland(r, size))
		}
	}

	names := generateNames(rng, len(out))
	for i, is := range out {
		if is.Name == "" {
			is.Name = names[i]
		}
	}
	return out
}

// biomeGen samples three independent noise layers.
type biomeGen struct {
	elev, temp, rain opensimplex.Noise
}

func newBiomeGen(seed int64) *biomeGen {
	return &biomeGen{
		elev: opensimplex.NewNormalized(seed),
		temp: opensimplex.NewNormalized(seed + 1),
		rain: opensimplex.NewNormalized(seed + 2),
	}
}

func (g *biomeGen) biomeAt(x, y float64) island.Biome {
	elev := octaveNoise(g.elev, x, y, 4, 0.06, 0.5)
	temp := octaveNoise(g.temp, x, y, 3, 0.04, 0.5)
	rain := octaveNoise(g.rain, x, y, 3, 0.05, 0.5)
	return deriveBiome(elev, temp, rain)
}

// deriveBiome determines the biome from environmental parameters in [0, 1].
func deriveBiome(elev, temp, rain float64) island.Biome {
	switch {
	case temp < 0.3:
		return island.BiomeIcy
	case elev > 0.7 && temp > 0.5:
		return island.BiomeVolcanic
	case elev > 0.6:
		return island.BiomeRocky
	case rain > 0.55:
		return island.BiomeForest
	case elev < 0.4 && temp > 0.45:
		return island.BiomeCoral
	default:
		return island.BiomeGrassland
	}
}

// octaveNoise sums multiple octaves of noise for natural-looking variation.
// Output is normalized to [0, 1].
func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxAmp := 0.0
	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxAmp += amplitude
		amplitude *= persistence
		frequency *= 2
	}
	return total / maxAmp
}
