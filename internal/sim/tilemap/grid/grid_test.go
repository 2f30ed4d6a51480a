package grid

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorldToCell(t *testing.T) {
	tests := []struct {
		name    string
		pos     Vec3
		spacing int
		want    Cell
	}{
		{"origin", Vec3{}, 1, Cell{0, 0}},
		{"just below half", Vec3{X: 0.49, Z: -0.49}, 1, Cell{0, 0}},
		{"half rounds to even (down)", Vec3{X: 0.5, Z: -0.5}, 1, Cell{0, 0}},
		{"half rounds to even (up)", Vec3{X: 1.5, Z: -1.5}, 1, Cell{2, -2}},
		{"spacing 2", Vec3{X: 5.1, Z: -3.2}, 2, Cell{3, -2}},
		{"spacing 4 far", Vec3{X: 1000, Z: -1002}, 4, Cell{250, -250}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WorldToCell(tt.pos, tt.spacing))
		})
	}
}

func TestCellWithin(t *testing.T) {
	edge := float64(math.MaxInt32 - 5)
	tests := []struct {
		name    string
		pos     Vec3
		spacing int
		want    Cell
		ok      bool
	}{
		{"origin", Vec3{}, 1, Cell{}, true},
		{"edge fits margin", Vec3{X: edge, Z: -edge}, 1, Cell{math.MaxInt32 - 5, -(math.MaxInt32 - 5)}, true},
		{"one past edge", Vec3{X: edge + 1}, 1, Cell{}, false},
		{"negative past edge", Vec3{Z: -edge - 1}, 1, Cell{}, false},
		{"spacing brings it back", Vec3{X: 4 * edge}, 4, Cell{X: math.MaxInt32 - 5}, true},
		{"huge", Vec3{X: 1e20}, 1, Cell{}, false},
		{"NaN", Vec3{Z: math.NaN()}, 1, Cell{}, false},
		{"Inf", Vec3{X: math.Inf(-1)}, 1, Cell{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CellWithin(tt.pos, tt.spacing, 5)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCellToWorldRoundTrip(t *testing.T) {
	for _, spacing := range []int{1, 2, 3, 7} {
		for x := int32(-5); x <= 5; x++ {
			for z := int32(-5); z <= 5; z++ {
				c := Cell{X: x, Z: z}
				p := CellToWorld(c, spacing)
				assert.Zero(t, p.Y)
				assert.Equal(t, c, WorldToCell(p, spacing), "spacing=%d cell=%v", spacing, c)
			}
		}
	}
}

func TestDistanceIsChebyshev(t *testing.T) {
	assert.Equal(t, 0, Distance(Cell{3, 3}, Cell{3, 3}))
	assert.Equal(t, 4, Distance(Cell{0, 0}, Cell{4, 4}))
	assert.Equal(t, 5, Distance(Cell{1, 0}, Cell{-4, 2}))
	assert.Equal(t, Distance(Cell{-2, 7}, Cell{1, 1}), Distance(Cell{1, 1}, Cell{-2, 7}))
}

func TestNeighbors4(t *testing.T) {
	n := Neighbors4(Cell{X: 2, Z: -1})
	assert.Equal(t, [4]Cell{{3, -1}, {1, -1}, {2, 0}, {2, -2}}, n)
	for _, c := range n {
		assert.Equal(t, 1, Distance(c, Cell{X: 2, Z: -1}))
	}
}

func TestFloorAndCeilDiv(t *testing.T) {
	assert.Equal(t, -3, FloorDiv(-5, 2))
	assert.Equal(t, 2, FloorDiv(5, 2))
	assert.Equal(t, 3, CeilDiv(5, 2))
	assert.Equal(t, -2, CeilDiv(-5, 2))
	assert.Equal(t, 2, CeilDiv(4, 2))
}

func BenchmarkWorldToCell(b *testing.B) {
	p := Vec3{X: 17000.4, Z: -170000.6}
	for range b.N {
		WorldToCell(p, 3)
	}
}

func TestSortNearest(t *testing.T) {
	cells := []Cell{{2, 0}, {0, 1}, {-1, -1}, {0, 0}, {1, 0}, {0, -1}}
	SortNearest(Cell{0, 0}, cells)
	assert.Equal(t, []Cell{{0, 0}, {-1, -1}, {0, -1}, {0, 1}, {1, 0}, {2, 0}}, cells)
	assert.Equal(t, 0, Compare(Cell{3, 4}, Cell{3, 4}))
	assert.Equal(t, -1, Compare(Cell{3, 4}, Cell{3, 5}))
	assert.Equal(t, 1, Compare(Cell{4, 0}, Cell{3, 5}))
}
