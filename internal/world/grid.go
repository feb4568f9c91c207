// Package world provides the bounded placement grid and map generation:
// island rectangles, center-first placement and biome assignment.
package world

import "fmt"

// Rect is an axis-aligned rectangle of grid cells with its top-left at (X, Y).
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Overlaps reports whether r and o share any cell: both the x- and the
// y-intervals must intersect.
func (r Rect) Overlaps(o Rect) bool {
	return r.X < o.X+o.W && o.X < r.X+r.W &&
		r.Y < o.Y+o.H && o.Y < r.Y+r.H
}

// Center returns the continuous center point of r.
func (r Rect) Center() (x, y float64) {
	return float64(r.X) + float64(r.W)/2, float64(r.Y) + float64(r.H)/2
}

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d@(%d,%d)", r.W, r.H, r.X, r.Y)
}
