// Island placement: center first, then bounded random retries.
package world

import (
	"fmt"
	"log/slog"
	"math/rand"
)

// MaxPlacementAttempts bounds the random retries for one island. An island
// that still does not fit is skipped, not reported as an error.
const MaxPlacementAttempts = 200

// Placer allocates non-overlapping rectangles on a grid.
type Placer struct {
	grid *Grid
	rng  *rand.Rand
}

// NewPlacer creates a placer drawing positions from rng.
func NewPlacer(grid *Grid, rng *rand.Rand) *Placer {
	return &Placer{grid: grid, rng: rng}
}

// PlaceCenter places a w×h rectangle at the exact grid center.
func (p *Placer) PlaceCenter(w, h int) (Rect, bool) {
	r := Rect{X: (p.grid.Width - w) / 2, Y: (p.grid.Height - h) / 2, W: w, H: h}
	if !p.grid.Fits(r) {
		return Rect{}, false
	}
	p.grid.Occupy(r)
	return r, true
}

// PlaceRandom tries uniformly random positions for a w×h rectangle.
func (p *Placer) PlaceRandom(w, h int) (Rect, bool) {
	maxX, maxY := p.grid.Width-w, p.grid.Height-h
	if maxX < 0 || maxY < 0 {
		return Rect{}, false
	}
	for attempt := 0; attempt < MaxPlacementAttempts; attempt++ {
		r := Rect{X: p.rng.Intn(maxX + 1), Y: p.rng.Intn(maxY + 1), W: w, H: h}
		if p.grid.Fits(r) {
			p.grid.Occupy(r)
			return r, true
		}
	}
	slog.Debug("could not place island", "w", w, "h", h, "attempts", MaxPlacementAttempts, "grid", p.grid.String())
	return Rect{}, false
}

// generateNames produces procedural island names by combining syllables.
func generateNames(rng *rand.Rand, count int) []string {
	prefixes := []string{
		"Coral", "Salt", "Ash", "Stone", "Gull", "Drift", "Black",
		"Silver", "Red", "White", "Mist", "Bright", "High", "Low",
		"Old", "New", "Far", "Deep", "Long", "Broad", "Gold", "Frost",
		"Storm", "Thorn", "Kelp", "Palm", "Pine", "Copper", "Tide",
	}
	suffixes := []string{
		"haven", "key", "holm", "rock", "reef", "isle", "cay",
		"shoal", "wood", "atoll", "spit", "crest", "bay", "port",
		"skerry", "mere", "sound", "well", "cove", "cliff", "head",
		"ridge", "watch", "strand", "rest", "point", "reach", "helm",
	}

	used := make(map[string]bool)
	names := make([]string, 0, count)

	// Once every syllable pair is taken, names repeat with an ordinal suffix.
	limit := len(prefixes) * len(suffixes)
	for len(names) < count {
		name := prefixes[rng.Intn(len(prefixes))] + suffixes[rng.Intn(len(suffixes))]
		if used[name] {
			if len(used) < limit {
				continue
			}
			name = fmt.Sprintf("%s %d", name, len(names)+1)
		}
		used[name] = true
		names = append(names, name)
	}

	return names
}
