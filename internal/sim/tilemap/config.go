package tilemap

import (
	"fmt"
	"math"

	"tilestream.dev/internal/sim/tilemap/grid"
	"tilestream.dev/internal/sim/tilemap/obstacle"
	"tilestream.dev/internal/sim/tilemap/weighted"
)

// ErrInvalidConfiguration is returned, wrapped with detail, for any setting
// or descriptor list a generator cannot run with.
var ErrInvalidConfiguration = weighted.ErrInvalidConfiguration

type Mode uint8

const (
	Unbounded Mode = iota
	Bounded
)

func (m Mode) String() string {
	if m == Bounded {
		return "bounded"
	}
	return "unbounded"
}

type Config struct {
	ViewDistance       int     `json:"view_distance"`
	UnloadDistance     int     `json:"unload_distance"`
	TileSpacing        int     `json:"tile_spacing"`
	ObstacleSpawnRatio float64 `json:"obstacle_spawn_ratio"`
	Bounded            bool    `json:"bounded"`

	// MaxLoadsPerTick caps cells materialised per streaming tick. The rest
	// carry over. 0 means unlimited. Startup population ignores it.
	MaxLoadsPerTick int `json:"max_loads_per_tick,omitempty"`
}

func (c Config) Mode() Mode {
	if c.Bounded {
		return Bounded
	}
	return Unbounded
}

// Validate rejects settings instead of clamping them.
func (c Config) Validate() error {
	switch {
	case c.ViewDistance < 0:
		return fmt.Errorf("%w: view_distance %d < 0", ErrInvalidConfiguration, c.ViewDistance)
	case c.UnloadDistance < c.ViewDistance:
		return fmt.Errorf("%w: unload_distance %d < view_distance %d", ErrInvalidConfiguration, c.UnloadDistance, c.ViewDistance)
	case c.TileSpacing <= 0:
		return fmt.Errorf("%w: tile_spacing %d <= 0", ErrInvalidConfiguration, c.TileSpacing)
	case c.ObstacleSpawnRatio < 0 || c.ObstacleSpawnRatio > 1 || math.IsNaN(c.ObstacleSpawnRatio):
		return fmt.Errorf("%w: obstacle_spawn_ratio %v outside [0,1]", ErrInvalidConfiguration, c.ObstacleSpawnRatio)
	case c.MaxLoadsPerTick < 0:
		return fmt.Errorf("%w: max_loads_per_tick %d < 0", ErrInvalidConfiguration, c.MaxLoadsPerTick)
	}
	return nil
}

// CellFor maps an observer position to its cell, failing with ErrOutOfRange
// when the window around it (plus the neighbour ring the obstacle resolver
// reads) would leave the int32 grid.
func (c Config) CellFor(p grid.Vec3) (grid.Cell, error) {
	margin := max(c.UnloadDistance, c.ViewDistance+1) + 1
	cell, ok := grid.CellWithin(p, c.TileSpacing, margin)
	if !ok {
		return grid.Cell{}, fmt.Errorf("%w: (%v, %v)", ErrOutOfRange, p.X, p.Z)
	}
	return cell, nil
}

type TileType struct {
	Prototype string  `json:"prototype"`
	Weight    float64 `json:"weight"`
}

type ObstacleType struct {
	Prototype string  `json:"prototype"`
	Weight    float64 `json:"weight"`

	// Footprint is the base size. When zero and CanConnect is set, Bounds
	// is used instead.
	Footprint  obstacle.Footprint `json:"footprint"`
	Bounds     obstacle.Footprint `json:"bounds"`
	CanConnect bool               `json:"can_connect"`
}

func (o ObstacleType) base() obstacle.Footprint {
	if o.CanConnect && o.Footprint == (obstacle.Footprint{}) {
		return o.Bounds
	}
	return o.Footprint
}

func tileWeights(ts []TileType) []float64 {
	out := make([]float64, len(ts))
	for i, t := range ts {
		out[i] = t.Weight
	}
	return out
}

func obstacleWeights(obs []ObstacleType) []float64 {
	out := make([]float64, len(obs))
	for i, o := range obs {
		out[i] = o.Weight
	}
	return out
}
