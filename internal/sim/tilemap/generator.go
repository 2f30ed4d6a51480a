// Package tilemap streams ground tiles and obstacles around a moving
// observer. Every cell's content is decided once, on first visit, and
// reproduced identically whenever the cell is loaded again.
//
// A Generator is not safe for concurrent use. The session loop owns it.
package tilemap

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"

	"tilestream.dev/internal/sim/tilemap/assign"
	"tilestream.dev/internal/sim/tilemap/fence"
	"tilestream.dev/internal/sim/tilemap/grid"
	"tilestream.dev/internal/sim/tilemap/obstacle"
	"tilestream.dev/internal/sim/tilemap/pool"
	"tilestream.dev/internal/sim/tilemap/weighted"
)

// Pool parents for acquired instances.
const (
	ParentTiles     = "tiles"
	ParentObstacles = "obstacles"
	ParentFences    = "fences"
)

// Context carries everything a generator needs. The caller owns Pool and
// Cache and closes the cache after the generator is dropped.
type Context struct {
	Config    Config
	Tiles     []TileType
	Obstacles []ObstacleType

	// Fence is the fence prototype. Required for bounded maps.
	Fence  string
	Pool   pool.Pool
	Cache  *assign.Cache
	Rand   weighted.Source
	Logger *slog.Logger
}

// NewRand returns the per-session generator for a seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

type activeTile struct {
	inst *pool.Instance
	typ  int32
}

type activeObstacle struct {
	inst   *pool.Instance
	typ    int32
	placed obstacle.Placed
}

type Fence struct {
	fence.Segment
	Instance *pool.Instance
}

type TickResult struct {
	Tick  uint64    `json:"tick"`
	Cell  grid.Cell `json:"cell"`
	Moved bool      `json:"moved"`

	TilesLoaded       []grid.Cell `json:"tiles_loaded,omitempty"`
	TilesUnloaded     []grid.Cell `json:"tiles_unloaded,omitempty"`
	ObstaclesLoaded   []grid.Cell `json:"obstacles_loaded,omitempty"`
	ObstaclesUnloaded []grid.Cell `json:"obstacles_unloaded,omitempty"`

	// Resized lists already-active obstacles whose footprint changed.
	Resized []grid.Cell `json:"resized,omitempty"`
	Pending int         `json:"pending"`
}

// Changed reports whether the active window differs from the previous tick.
func (r TickResult) Changed() bool {
	return len(r.TilesLoaded) > 0 || len(r.TilesUnloaded) > 0 ||
		len(r.ObstaclesLoaded) > 0 || len(r.ObstaclesUnloaded) > 0 || len(r.Resized) > 0
}

type Generator struct {
	cfg  Config
	mode Mode

	tiles     []TileType
	obstacles []ObstacleType
	tileTab   weighted.Table
	obsTab    weighted.Table
	obsBase   []obstacle.Footprint

	fenceProto string

	pool  pool.Pool
	cache *assign.Cache
	rng   weighted.Source
	log   *slog.Logger

	tick    uint64
	current grid.Cell

	activeTiles     map[grid.Cell]*activeTile
	activeObstacles map[grid.Cell]*activeObstacle
	fences          []Fence

	// pending holds cells inside the view window still to be materialised,
	// nearest first.
	pending []grid.Cell
}

// New validates ctx, then populates the start window around observer. For a
// bounded map this is the only generation pass.
func New(ctx Context, observer grid.Vec3) (*Generator, error) {
	if err := ctx.Config.Validate(); err != nil {
		return nil, err
	}
	if len(ctx.Tiles) == 0 {
		return nil, fmt.Errorf("%w: no tile types", ErrInvalidConfiguration)
	}
	if ctx.Config.Bounded && ctx.Fence == "" {
		return nil, fmt.Errorf("%w: bounded map without fence prototype", ErrInvalidConfiguration)
	}
	if ctx.Pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfiguration)
	}
	if ctx.Rand == nil {
		return nil, fmt.Errorf("%w: nil random source", ErrInvalidConfiguration)
	}
	start, err := ctx.Config.CellFor(observer)
	if err != nil {
		return nil, err
	}
	tileTab, err := weighted.NewTable(weighted.KindTile, tileWeights(ctx.Tiles))
	if err != nil {
		return nil, err
	}
	obsTab, err := weighted.NewTable(weighted.KindObstacle, obstacleWeights(ctx.Obstacles))
	if err != nil {
		return nil, err
	}

	logger := ctx.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cache := ctx.Cache
	if cache == nil {
		cache = assign.NewCache(nil)
	}

	g := &Generator{
		cfg:             ctx.Config,
		mode:            ctx.Config.Mode(),
		tiles:           slices.Clone(ctx.Tiles),
		obstacles:       slices.Clone(ctx.Obstacles),
		tileTab:         tileTab,
		obsTab:          obsTab,
		fenceProto:      ctx.Fence,
		pool:            ctx.Pool,
		cache:           cache,
		rng:             ctx.Rand,
		log:             logger.With("component", "tilemap"),
		current:         start,
		activeTiles:     map[grid.Cell]*activeTile{},
		activeObstacles: map[grid.Cell]*activeObstacle{},
	}
	g.obsBase = make([]obstacle.Footprint, len(g.obstacles))
	for i, o := range g.obstacles {
		g.obsBase[i] = o.base()
	}

	if err := g.populate(); err != nil {
		return nil, err
	}
	g.log.Info("map generated",
		"mode", g.mode.String(),
		"cell", g.current,
		"tiles", len(g.activeTiles),
		"obstacles", len(g.activeObstacles),
		"fences", len(g.fences),
	)
	return g, nil
}

func (g *Generator) populate() error {
	var cells []grid.Cell
	if g.mode == Bounded {
		start, end := fence.Window(g.cfg.ViewDistance)
		cells = square(g.current, start, end)
	} else {
		cells = square(g.current, -g.cfg.UnloadDistance, g.cfg.UnloadDistance)
	}
	grid.SortNearest(g.current, cells)

	var res TickResult
	for _, c := range cells {
		if err := g.materialise(c, &res); err != nil {
			return err
		}
	}
	if g.mode == Bounded {
		for _, seg := range fence.Build(g.current, g.cfg.ViewDistance, g.cfg.TileSpacing) {
			inst := g.pool.Acquire(g.fenceProto, ParentFences)
			inst.Position = seg.Position
			inst.Yaw = seg.Orientation.Yaw()
			g.fences = append(g.fences, Fence{Segment: seg, Instance: inst})
		}
	}
	return nil
}

// Tick advances the generator to the observer's position. A tick in the same
// cell with no carried-over loads does nothing.
func (g *Generator) Tick(observer grid.Vec3) (TickResult, error) {
	cur, err := g.cfg.CellFor(observer)
	if err != nil {
		return TickResult{Tick: g.tick, Cell: g.current}, err
	}
	g.tick++
	res := TickResult{Tick: g.tick, Cell: cur, Moved: cur != g.current}

	if g.mode == Bounded {
		g.current = cur
		return res, nil
	}
	if !res.Moved && len(g.pending) == 0 {
		return res, nil
	}

	if res.Moved {
		g.current = cur
		if err := g.unloadDistant(&res); err != nil {
			return res, err
		}
		g.pending = g.missingInView()
	}

	budget := len(g.pending)
	if g.cfg.MaxLoadsPerTick > 0 {
		budget = min(budget, g.cfg.MaxLoadsPerTick)
	}
	for _, c := range g.pending[:budget] {
		if err := g.materialise(c, &res); err != nil {
			return res, err
		}
	}
	g.pending = g.pending[budget:]
	if len(g.pending) == 0 {
		g.pending = nil
	}
	res.Pending = len(g.pending)

	if res.Changed() {
		g.log.Debug("tick",
			"tick", g.tick,
			"cell", cur,
			"loaded", len(res.TilesLoaded),
			"unloaded", len(res.TilesUnloaded),
			"pending", res.Pending,
		)
	}
	return res, nil
}

func (g *Generator) missingInView() []grid.Cell {
	var out []grid.Cell
	for _, c := range square(g.current, -g.cfg.ViewDistance, g.cfg.ViewDistance) {
		if _, ok := g.activeTiles[c]; !ok {
			out = append(out, c)
		}
	}
	grid.SortNearest(g.current, out)
	return out
}

func (g *Generator) unloadDistant(res *TickResult) error {
	for _, c := range g.farCells(mapsKeys(g.activeObstacles)) {
		a, err := g.assignment(c, weighted.KindObstacle)
		if err != nil {
			return err
		}
		if !a.HasObstacle() {
			panic(&MissingAssignmentError{Cell: c, Kind: weighted.KindObstacle})
		}
		g.pool.Release(g.obstacles[a.Obstacle].Prototype, g.activeObstacles[c].inst)
		delete(g.activeObstacles, c)
		res.ObstaclesUnloaded = append(res.ObstaclesUnloaded, c)
	}
	for _, c := range g.farCells(mapsKeys(g.activeTiles)) {
		a, err := g.assignment(c, weighted.KindTile)
		if err != nil {
			return err
		}
		g.pool.Release(g.tiles[a.Tile].Prototype, g.activeTiles[c].inst)
		delete(g.activeTiles, c)
		res.TilesUnloaded = append(res.TilesUnloaded, c)
	}
	return nil
}

func (g *Generator) farCells(cells []grid.Cell) []grid.Cell {
	out := cells[:0]
	for _, c := range cells {
		if grid.Distance(c, g.current) > g.cfg.UnloadDistance {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, grid.Compare)
	return out
}

// assignment reads back a recorded decision. Every active cell has one, so a
// miss panics.
func (g *Generator) assignment(c grid.Cell, kind weighted.Kind) (assign.Assignment, error) {
	a, ok, err := g.cache.Lookup(c)
	if err != nil {
		return assign.Assignment{}, fmt.Errorf("lookup %v: %w", c, err)
	}
	if !ok {
		panic(&MissingAssignmentError{Cell: c, Kind: kind})
	}
	return a, nil
}

func (g *Generator) materialise(c grid.Cell, res *TickResult) error {
	if _, ok := g.activeTiles[c]; ok {
		return nil
	}
	a, err := g.cache.GetOrCreate(c, g.tileTab, g.obsTab, g.cfg.ObstacleSpawnRatio, g.rng)
	if err != nil {
		return err
	}
	pos := grid.CellToWorld(c, g.cfg.TileSpacing)

	tile := g.pool.Acquire(g.tiles[a.Tile].Prototype, ParentTiles)
	tile.Position = pos
	g.activeTiles[c] = &activeTile{inst: tile, typ: a.Tile}
	res.TilesLoaded = append(res.TilesLoaded, c)

	if !a.HasObstacle() {
		return nil
	}
	if _, ok := g.activeObstacles[c]; ok {
		return nil
	}
	typ := g.obstacles[a.Obstacle]
	inst := g.pool.Acquire(typ.Prototype, ParentObstacles)
	inst.Position = pos

	r := obstacle.Resolve(c, obstacle.Spec{Base: g.obsBase[a.Obstacle], CanConnect: typ.CanConnect}, g.cfg.TileSpacing, g)
	ao := &activeObstacle{inst: inst, typ: a.Obstacle, placed: r.Placed}
	applyScale(ao)
	g.activeObstacles[c] = ao
	res.ObstaclesLoaded = append(res.ObstaclesLoaded, c)

	for _, n := range r.Resized {
		applyScale(g.activeObstacles[n])
		res.Resized = append(res.Resized, n)
	}
	return nil
}

// PlacedAt exposes active obstacles to the size resolver.
func (g *Generator) PlacedAt(c grid.Cell) (*obstacle.Placed, bool) {
	ao, ok := g.activeObstacles[c]
	if !ok {
		return nil, false
	}
	return &ao.placed, true
}

func applyScale(ao *activeObstacle) {
	sx, sz := ao.placed.Applied.Scale(ao.placed.Base)
	ao.inst.Scale = grid.Vec3{X: sx, Y: 1, Z: sz}
}

func (g *Generator) Mode() Mode        { return g.mode }
func (g *Generator) Config() Config    { return g.cfg }
func (g *Generator) Cell() grid.Cell   { return g.current }
func (g *Generator) TickCount() uint64 { return g.tick }
func (g *Generator) Pending() int      { return len(g.pending) }
func (g *Generator) CacheLen() int     { return g.cache.Len() }

func (g *Generator) Tiles() []TileType         { return g.tiles }
func (g *Generator) Obstacles() []ObstacleType { return g.obstacles }

// TileAt returns the active tile instance at c.
func (g *Generator) TileAt(c grid.Cell) (*pool.Instance, bool) {
	at, ok := g.activeTiles[c]
	if !ok {
		return nil, false
	}
	return at.inst, true
}

// ObstacleAt returns the active obstacle instance at c and its footprint.
func (g *Generator) ObstacleAt(c grid.Cell) (*pool.Instance, obstacle.Footprint, bool) {
	ao, ok := g.activeObstacles[c]
	if !ok {
		return nil, obstacle.Footprint{}, false
	}
	return ao.inst, ao.placed.Applied, true
}

func (g *Generator) Fences() []Fence { return g.fences }

func (g *Generator) ActiveTiles() int     { return len(g.activeTiles) }
func (g *Generator) ActiveObstacles() int { return len(g.activeObstacles) }

func square(center grid.Cell, start, end int) []grid.Cell {
	side := end - start + 1
	if side <= 0 {
		return nil
	}
	out := make([]grid.Cell, 0, side*side)
	for x := start; x <= end; x++ {
		for z := start; z <= end; z++ {
			out = append(out, grid.Cell{X: center.X + int32(x), Z: center.Z + int32(z)})
		}
	}
	return out
}

func mapsKeys[V any](m map[grid.Cell]V) []grid.Cell {
	out := make([]grid.Cell, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	return out
}
