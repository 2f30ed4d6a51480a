package tilemap

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"slices"

	"tilestream.dev/internal/sim/tilemap/assign"
	"tilestream.dev/internal/sim/tilemap/grid"
	"tilestream.dev/internal/sim/tilemap/obstacle"
)

// CellState is the visible content of one active cell.
type CellState struct {
	Cell      grid.Cell          `json:"cell"`
	Tile      int32              `json:"tile"`
	Obstacle  int32              `json:"obstacle"`
	Footprint obstacle.Footprint `json:"footprint"`
}

// Active returns every active cell sorted by x, then z. Obstacle is
// assign.NoObstacle where no obstacle is active.
func (g *Generator) Active() []CellState {
	out := make([]CellState, 0, len(g.activeTiles))
	for c := range g.activeTiles {
		st, _ := g.State(c)
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b CellState) int { return grid.Compare(a.Cell, b.Cell) })
	return out
}

// State returns the visible content of c if its tile is active.
func (g *Generator) State(c grid.Cell) (CellState, bool) {
	at, ok := g.activeTiles[c]
	if !ok {
		return CellState{}, false
	}
	st := CellState{Cell: c, Tile: at.typ, Obstacle: assign.NoObstacle}
	if ao, ok := g.activeObstacles[c]; ok {
		st.Obstacle = ao.typ
		st.Footprint = ao.placed.Applied
	}
	return st, true
}

// Digest hashes the active window, fences included. Two generators with the
// same seed, catalog and observer path produce the same digest every tick.
func (g *Generator) Digest() string {
	h := sha256.New()
	var buf [8]byte
	put32 := func(v int32) {
		binary.LittleEndian.PutUint32(buf[:4], uint32(v))
		h.Write(buf[:4])
	}
	putF := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}

	put32(g.current.X)
	put32(g.current.Z)
	for _, st := range g.Active() {
		put32(st.Cell.X)
		put32(st.Cell.Z)
		put32(st.Tile)
		put32(st.Obstacle)
		putF(st.Footprint.Width)
		putF(st.Footprint.Depth)
	}
	for _, f := range g.fences {
		put32(f.Cell.X)
		put32(f.Cell.Z)
		put32(int32(f.Orientation))
	}
	return hex.EncodeToString(h.Sum(nil))
}
