// Package obstacle sizes connectable obstacles so that axis-adjacent ones
// visually join across the shared cell edge.
//
// Merging along an axis sets the footprint extent on that axis to exactly
// the tile spacing. Two merged obstacles centred on adjacent cell centres
// therefore meet edge to edge with no gap and no overlap.
package obstacle

import (
	"tilestream.dev/internal/sim/tilemap/grid"
)

// Footprint is the world-space size of an obstacle on the ground plane.
type Footprint struct {
	Width float64 `json:"width"` // along x
	Depth float64 `json:"depth"` // along z
}

// Scale returns the per-axis scale that turns base into f.
func (f Footprint) Scale(base Footprint) (sx, sz float64) {
	sx, sz = 1, 1
	if base.Width > 0 {
		sx = f.Width / base.Width
	}
	if base.Depth > 0 {
		sz = f.Depth / base.Depth
	}
	return sx, sz
}

type Spec struct {
	Base       Footprint
	CanConnect bool
}

// Placed is the sizing state of one active obstacle. Resolve mutates the
// Placed values of neighbours it merges with.
type Placed struct {
	Base       Footprint
	Applied    Footprint
	CanConnect bool

	// Merged is set once any merge has resized this obstacle. A merged
	// obstacle is never resized by a later neighbour.
	Merged bool
}

// Lookup returns the active obstacle at a cell, if any.
type Lookup interface {
	PlacedAt(c grid.Cell) (*Placed, bool)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(c grid.Cell) (*Placed, bool)

func (f LookupFunc) PlacedAt(c grid.Cell) (*Placed, bool) { return f(c) }

type Result struct {
	Placed Placed
	// Resized lists neighbours whose Applied footprint changed, in
	// Neighbors4 order.
	Resized []grid.Cell
}

// Resolve computes the footprint for a new obstacle at cell and resizes
// eligible neighbours in place. The new obstacle is not looked up in active.
func Resolve(cell grid.Cell, spec Spec, spacing int, active Lookup) Result {
	res := Result{Placed: Placed{
		Base:       spec.Base,
		Applied:    spec.Base,
		CanConnect: spec.CanConnect,
	}}
	if !spec.CanConnect || active == nil {
		return res
	}

	span := float64(spacing)
	for _, n := range grid.Neighbors4(cell) {
		p, ok := active.PlacedAt(n)
		if !ok || p == nil || !p.CanConnect {
			continue
		}
		alongX := n.Z == cell.Z
		if alongX {
			res.Placed.Applied.Width = span
		} else {
			res.Placed.Applied.Depth = span
		}
		res.Placed.Merged = true

		if p.Merged {
			continue
		}
		if alongX {
			p.Applied.Width = span
		} else {
			p.Applied.Depth = span
		}
		p.Merged = true
		res.Resized = append(res.Resized, n)
	}
	return res
}

// Bounds returns the world-space rectangle covered by an obstacle centred on
// the cell centre.
func Bounds(cell grid.Cell, spacing int, f Footprint) (minX, minZ, maxX, maxZ float64) {
	c := grid.CellToWorld(cell, spacing)
	return c.X - f.Width/2, c.Z - f.Depth/2, c.X + f.Width/2, c.Z + f.Depth/2
}
