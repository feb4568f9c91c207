package world

import "fmt"

// Default grid dimensions.
const (
	DefaultWidth  = 100
	DefaultHeight = 100
)

// Grid is the bounded placement area of one map and the rectangles placed on it.
type Grid struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Placed []Rect `json:"placed"`
}

// NewGrid creates an empty grid. Non-positive dimensions fall back to defaults.
func NewGrid(width, height int) *Grid {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	return &Grid{Width: width, Height: height}
}

// InBounds returns true if r lies entirely inside the grid.
func (g *Grid) InBounds(r Rect) bool {
	return r.X >= 0 && r.Y >= 0 && r.X+r.W <= g.Width && r.Y+r.H <= g.Height
}

// Fits returns true if r is in bounds and overlaps nothing placed so far.
func (g *Grid) Fits(r Rect) bool {
	if !g.InBounds(r) {
		return false
	}
	for _, p := range g.Placed {
		if r.Overlaps(p) {
			return false
		}
	}
	return true
}

// Occupy records r as placed.
func (g *Grid) Occupy(r Rect) {
	g.Placed = append(g.Placed, r)
}

// String returns a summary of the grid.
func (g *Grid) String() string {
	return fmt.Sprintf("Grid(%dx%d, islands=%d)", g.Width, g.Height, len(g.Placed))
}
