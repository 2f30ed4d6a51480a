// Package fence lays out the perimeter of a bounded map.
package fence

import (
	"tilestream.dev/internal/sim/tilemap/grid"
)

type Orientation uint8

const (
	Horizontal Orientation = iota // runs along x, yaw 0
	Vertical                      // runs along z, yaw 90
)

func (o Orientation) String() string {
	if o == Vertical {
		return "vertical"
	}
	return "horizontal"
}

func (o Orientation) Yaw() float64 {
	if o == Vertical {
		return 90
	}
	return 0
}

type Segment struct {
	Cell        grid.Cell   `json:"cell"`
	Orientation Orientation `json:"orientation"`
	Position    grid.Vec3   `json:"position"`
}

// Window returns the inclusive offsets of the bounded square for a view
// distance: d = view+1, start = -d/2 and end = ceil(d/2).
func Window(viewDistance int) (start, end int) {
	d := viewDistance + 1
	return -(d / 2), grid.CeilDiv(d, 2)
}

// Build returns the perimeter segments of the square around center. Cells on
// the left or right edge get a vertical segment, the rest a horizontal one.
// Corners get both.
func Build(center grid.Cell, viewDistance, spacing int) []Segment {
	start, end := Window(viewDistance)
	var out []Segment
	for x := start; x <= end; x++ {
		for z := start; z <= end; z++ {
			onX := x == start || x == end
			onZ := z == start || z == end
			if !onX && !onZ {
				continue
			}
			c := grid.Cell{X: center.X + int32(x), Z: center.Z + int32(z)}
			pos := grid.CellToWorld(c, spacing)
			o := Horizontal
			if onX {
				o = Vertical
			}
			out = append(out, Segment{Cell: c, Orientation: o, Position: pos})
			if onX && onZ {
				out = append(out, Segment{Cell: c, Orientation: Horizontal, Position: pos})
			}
		}
	}
	return out
}
