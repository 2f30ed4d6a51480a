package catalogs

import (
	"fmt"
	"log/slog"
	"sort"

	"tilestream.dev/internal/sim/tilemap"
	"tilestream.dev/internal/sim/tilemap/assign"
	"tilestream.dev/internal/sim/tilemap/obstacle"
	"tilestream.dev/internal/sim/tilemap/pool"
)

// Resolved is everything a generator needs for one map.
type Resolved struct {
	MapID     string
	Config    tilemap.Config
	Tiles     []tilemap.TileType
	Obstacles []tilemap.ObstacleType
	Fence     string
	// Prewarm lists pool pre-allocation per prototype used by the map.
	Prewarm map[string]int
}

// Resolve turns a map id into generator input. It does not validate the
// streaming rules; tilemap.New does.
func (c *Catalogs) Resolve(mapID string) (Resolved, error) {
	m, ok := c.Maps.ByID[mapID]
	if !ok {
		return Resolved{}, fmt.Errorf("unknown map %q", mapID)
	}
	d, ok := c.Details.ByID[m.Detail]
	if !ok {
		return Resolved{}, fmt.Errorf("map %s: unknown detail %q", mapID, m.Detail)
	}
	ts, ok := c.Tilesets.ByID[d.Tileset]
	if !ok {
		return Resolved{}, fmt.Errorf("map %s: unknown tileset %q", mapID, d.Tileset)
	}

	r := Resolved{
		MapID: mapID,
		Config: tilemap.Config{
			ViewDistance:       d.ViewDistance,
			UnloadDistance:     d.UnloadDistance,
			TileSpacing:        d.TileSpacing,
			ObstacleSpawnRatio: d.ObstacleSpawnRatio,
			Bounded:            m.Bounded,
			MaxLoadsPerTick:    d.MaxLoadsPerTick,
		},
		Prewarm: map[string]int{},
	}
	for _, t := range ts.Tiles {
		r.Tiles = append(r.Tiles, tilemap.TileType{Prototype: t.Prototype, Weight: t.Weight})
		r.addPrewarm(c.Prototypes.ByID[t.Prototype])
	}
	for _, o := range ts.Obstacles {
		p := c.Prototypes.ByID[o.Prototype]
		ot := tilemap.ObstacleType{
			Prototype:  o.Prototype,
			Weight:     o.Weight,
			Bounds:     p.Bounds,
			CanConnect: o.CanConnect,
		}
		if o.Footprint != nil {
			ot.Footprint = *o.Footprint
		} else if !o.CanConnect {
			ot.Footprint = obstacle.Footprint{Width: 1, Depth: 1}
		}
		r.Obstacles = append(r.Obstacles, ot)
		r.addPrewarm(p)
	}
	if m.Bounded {
		r.Fence = ts.Fence
		r.addPrewarm(c.Prototypes.ByID[ts.Fence])
	}
	return r, nil
}

// Context pre-warms p and returns generator input for this map. A nil cache
// keeps assignments in memory. Rand is left for the session to seed.
func (r Resolved) Context(p *pool.ObjectPool, cache *assign.Cache, logger *slog.Logger) tilemap.Context {
	protos := make([]string, 0, len(r.Prewarm))
	for id := range r.Prewarm {
		protos = append(protos, id)
	}
	sort.Strings(protos)
	for _, id := range protos {
		p.Prewarm(id, r.Prewarm[id])
	}
	return tilemap.Context{
		Config:    r.Config,
		Tiles:     r.Tiles,
		Obstacles: r.Obstacles,
		Fence:     r.Fence,
		Pool:      p,
		Cache:     cache,
		Logger:    logger,
	}
}

func (r *Resolved) addPrewarm(p PrototypeDef) {
	if p.ID == "" || p.Prewarm <= 0 {
		return
	}
	r.Prewarm[p.ID] = max(r.Prewarm[p.ID], p.Prewarm)
}

// MapIDs returns every map id in sorted order.
func (c *Catalogs) MapIDs() []string {
	ids := make([]string, 0, len(c.Maps.ByID))
	for id := range c.Maps.ByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
