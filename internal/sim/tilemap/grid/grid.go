package grid

import (
	"math"
	"slices"
)

// Cell is one tile-sized unit of the world.
type Cell struct {
	X int32 `json:"x"`
	Z int32 `json:"z"`
}

// Vec3 is a world-space position. Y is up.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// WorldToCell maps a world position to its cell. Halves round to even,
// so 0.5 belongs to cell 0 and 1.5 to cell 2.
func WorldToCell(p Vec3, spacing int) Cell {
	s := float64(spacing)
	return Cell{
		X: int32(math.RoundToEven(p.X / s)),
		Z: int32(math.RoundToEven(p.Z / s)),
	}
}

// CellWithin is WorldToCell for untrusted positions. ok is false when p is
// not finite, or when the cell widened by margin cells on every side would
// leave the int32 grid.
func CellWithin(p Vec3, spacing, margin int) (Cell, bool) {
	limit := float64(math.MaxInt32) - float64(margin)
	s := float64(spacing)
	for _, v := range [2]float64{p.X, p.Z} {
		r := math.RoundToEven(v / s)
		if math.IsNaN(r) || math.IsInf(r, 0) || math.Abs(r) > limit {
			return Cell{}, false
		}
	}
	return WorldToCell(p, spacing), true
}

// CellToWorld returns the ground-level centre of c.
func CellToWorld(c Cell, spacing int) Vec3 {
	return Vec3{
		X: float64(c.X) * float64(spacing),
		Y: 0,
		Z: float64(c.Z) * float64(spacing),
	}
}

// Distance is the Chebyshev distance between two cells.
func Distance(a, b Cell) int {
	return max(AbsInt(int(a.X)-int(b.X)), AbsInt(int(a.Z)-int(b.Z)))
}

func Neighbors4(c Cell) [4]Cell {
	return [4]Cell{
		{X: c.X + 1, Z: c.Z},
		{X: c.X - 1, Z: c.Z},
		{X: c.X, Z: c.Z + 1},
		{X: c.X, Z: c.Z - 1},
	}
}

// Less orders cells by x, then z.
func Less(a, b Cell) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	return a.Z < b.Z
}

// Compare orders cells by x, then z.
func Compare(a, b Cell) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	default:
		return 0
	}
}

// SortNearest sorts cells by distance to center, ties by x then z.
func SortNearest(center Cell, cells []Cell) {
	slices.SortFunc(cells, func(a, b Cell) int {
		da, db := Distance(a, center), Distance(b, center)
		if da != db {
			return da - db
		}
		return Compare(a, b)
	})
}

func AbsInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// FloorDiv divides rounding toward negative infinity. b > 0.
func FloorDiv(a, b int) int {
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

// CeilDiv divides rounding toward positive infinity. b > 0.
func CeilDiv(a, b int) int {
	return -FloorDiv(-a, b)
}
