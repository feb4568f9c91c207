package world

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/archipelago/internal/island"
)

func TestRectOverlaps(t *testing.T) {
	a := Rect{X: 0, Y: 0, W: 3, H: 3}
	assert.True(t, a.Overlaps(Rect{X: 2, Y: 2, W: 3, H: 3}))
	assert.False(t, a.Overlaps(Rect{X: 3, Y: 0, W: 3, H: 3}), "touching edges do not overlap")
	assert.False(t, a.Overlaps(Rect{X: 1, Y: 5, W: 1, H: 1}), "x intersects but y does not")
	assert.True(t, a.Overlaps(Rect{X: 1, Y: 1, W: 1, H: 1}), "contained")
}

func TestPlaceCenterIsExact(t *testing.T) {
	g := NewGrid(100, 100)
	p := NewPlacer(g, rand.New(rand.NewSource(1)))
	r, ok := p.PlaceCenter(10, 10)
	require.True(t, ok)
	assert.Equal(t, Rect{X: 45, Y: 45, W: 10, H: 10}, r)
	cx, cy := r.Center()
	assert.Equal(t, 50.0, cx)
	assert.Equal(t, 50.0, cy)
}

func TestPlaceRandomSkipsWhenFull(t *testing.T) {
	g := NewGrid(10, 10)
	p := NewPlacer(g, rand.New(rand.NewSource(1)))
	_, ok := p.PlaceCenter(10, 10)
	require.True(t, ok)
	_, ok = p.PlaceRandom(3, 3)
	assert.False(t, ok)
	assert.Len(t, g.Placed, 1)

	_, ok = p.PlaceRandom(11, 1)
	assert.False(t, ok, "larger than the grid")
}

func TestGenerateNonOverlapping(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		layout := DefaultLayout("m1", "azure")
		layout.Seed = seed
		islands := Generate(layout)
		require.NotEmpty(t, islands)

		rects := make([]Rect, len(islands))
		for i, is := range islands {
			w, h := is.Size.Footprint()
			rects[i] = Rect{X: is.Coordinate.X, Y: is.Coordinate.Y, W: w, H: h}
			assert.True(t, NewGrid(100, 100).InBounds(rects[i]))
		}
		for i := range rects {
			for j := i + 1; j < len(rects); j++ {
				assert.False(t, rects[i].Overlaps(rects[j]), "seed %d: %s overlaps %s", seed, rects[i], rects[j])
			}
		}
	}
}

func TestGenerateCapitalAtCenter(t *testing.T) {
	layout := DefaultLayout("m1", "azure")
	layout.Seed = 42
	islands := Generate(layout)
	capital := islands[0]
	assert.Equal(t, island.SizeGiant, capital.Size)
	assert.Equal(t, island.OccupationCapital, capital.OccupationStatus)
	assert.Equal(t, island.Coordinate{X: 45, Y: 45}, capital.Coordinate)
	assert.Equal(t, island.BiomeGrassland, capital.Biome)

	ids := map[string]bool{}
	names := map[string]bool{}
	for _, is := range islands {
		assert.Equal(t, "m1", is.MapID)
		assert.Equal(t, "azure", is.Nation)
		assert.Equal(t, 1, is.IslandLevel)
		assert.NotEmpty(t, is.Name)
		assert.False(t, ids[is.ID])
		assert.False(t, names[is.Name])
		ids[is.ID] = true
		names[is.Name] = true
	}
}

func TestGenerateDeterministicPlacement(t *testing.T) {
	layout := DefaultLayout("m1", "azure")
	layout.Seed = 7
	a, b := Generate(layout), Generate(layout)
	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].Coordinate, b[i].Coordinate)
		assert.Equal(t, a[i].Biome, b[i].Biome)
		assert.Equal(t, a[i].Name, b[i].Name)
		assert.NotEqual(t, a[i].ID, b[i].ID)
	}
}

func TestDeriveBiome(t *testing.T) {
	assert.Equal(t, island.BiomeIcy, deriveBiome(0.5, 0.1, 0.5))
	assert.Equal(t, island.BiomeVolcanic, deriveBiome(0.8, 0.7, 0.2))
	assert.Equal(t, island.BiomeRocky, deriveBiome(0.65, 0.4, 0.2))
	assert.Equal(t, island.BiomeForest, deriveBiome(0.5, 0.5, 0.7))
	assert.Equal(t, island.BiomeCoral, deriveBiome(0.3, 0.6, 0.3))
	assert.Equal(t, island.BiomeGrassland, deriveBiome(0.5, 0.4, 0.4))
}

func TestGenerateNamesUnique(t *testing.T) {
	names := generateNames(rand.New(rand.NewSource(3)), 900)
	seen := map[string]bool{}
	for _, n := range names {
		assert.False(t, seen[n], n)
		seen[n] = true
	}
}
