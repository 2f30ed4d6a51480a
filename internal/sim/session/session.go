// Package session runs one streaming map on a fixed-rate tick loop and fans
// its window out to observers. The generator is only touched by Run.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tilestream.dev/internal/observerproto"
	"tilestream.dev/internal/sim/tilemap"
	"tilestream.dev/internal/sim/tilemap/grid"
)

type Config struct {
	// ID defaults to a random uuid.
	ID            string
	MapID         string
	CatalogDigest string
	TickRateHz    int
	Seed          uint64
	Spawn         grid.Vec3

	// MaxCellsPerTick is the observer default when SUBSCRIBE does not set one.
	MaxCellsPerTick int
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

// TickLogEntry is recorded for every tick that moved the observer or changed
// the active window. Replaying the positions in order reproduces Digest.
type TickLogEntry struct {
	Tick  uint64    `json:"tick"`
	Pos   grid.Vec3 `json:"pos"`
	Cell  grid.Cell `json:"cell"`
	Moved bool      `json:"moved"`

	TilesLoaded       int `json:"tiles_loaded"`
	TilesUnloaded     int `json:"tiles_unloaded"`
	ObstaclesLoaded   int `json:"obstacles_loaded"`
	ObstaclesUnloaded int `json:"obstacles_unloaded"`
	Resized           int `json:"resized"`
	Pending           int `json:"pending"`
	CacheSize         int `json:"cache_size"`

	Digest string `json:"digest"`
}

type Session struct {
	cfg Config
	log *slog.Logger
	gen *tilemap.Generator

	// Immutable after New; read by Bootstrap from other goroutines.
	params    observerproto.MapParams
	mapCfg    tilemap.Config
	mode      string
	tiles     []string
	obstacles []string
	fences    []observerproto.FenceMsg

	started time.Time
	tick    atomic.Uint64
	metrics atomic.Value
	pos     grid.Vec3

	tickLogger TickLogger
	observers  map[string]*observerClient

	move          chan grid.Vec3
	observerJoin  chan ObserverJoinRequest
	observerSub   chan ObserverSubscribeRequest
	observerLeave chan string
	stop          chan struct{}
	stopOnce      sync.Once
}

// New builds the generator from gctx and populates the start window around
// cfg.Spawn. A nil gctx.Rand is seeded from cfg.Seed.
func New(cfg Config, gctx tilemap.Context, logger *slog.Logger) (*Session, error) {
	if cfg.TickRateHz <= 0 {
		return nil, fmt.Errorf("session: tick_rate_hz %d <= 0", cfg.TickRateHz)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.MaxCellsPerTick <= 0 {
		cfg.MaxCellsPerTick = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	if gctx.Rand == nil {
		gctx.Rand = tilemap.NewRand(cfg.Seed)
	}
	if gctx.Logger == nil {
		gctx.Logger = logger
	}

	gen, err := tilemap.New(gctx, cfg.Spawn)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:           cfg,
		log:           logger.With("component", "session", "session_id", cfg.ID),
		gen:           gen,
		mode:          gen.Mode().String(),
		started:       time.Now().UTC(),
		pos:           cfg.Spawn,
		observers:     map[string]*observerClient{},
		move:          make(chan grid.Vec3, 64),
		observerJoin:  make(chan ObserverJoinRequest, 64),
		observerSub:   make(chan ObserverSubscribeRequest, 64),
		observerLeave: make(chan string, 64),
		stop:          make(chan struct{}),
	}
	gc := gen.Config()
	s.mapCfg = gc
	s.params = observerproto.MapParams{
		TickRateHz:         cfg.TickRateHz,
		Seed:               cfg.Seed,
		ViewDistance:       gc.ViewDistance,
		UnloadDistance:     gc.UnloadDistance,
		TileSpacing:        gc.TileSpacing,
		ObstacleSpawnRatio: gc.ObstacleSpawnRatio,
	}
	for _, t := range gen.Tiles() {
		s.tiles = append(s.tiles, t.Prototype)
	}
	s.obstacles = []string{}
	for _, o := range gen.Obstacles() {
		s.obstacles = append(s.obstacles, o.Prototype)
	}
	for _, f := range gen.Fences() {
		s.fences = append(s.fences, observerproto.FenceMsg{
			Cell:        f.Cell,
			Orientation: f.Orientation.String(),
			Yaw:         f.Orientation.Yaw(),
		})
	}
	s.storeMetrics(0)
	s.log.Info("session started", "map_id", cfg.MapID, "mode", s.mode, "seed", cfg.Seed)
	return s, nil
}

func (s *Session) SetTickLogger(l TickLogger) { s.tickLogger = l }

func (s *Session) Move() chan<- grid.Vec3                             { return s.move }
func (s *Session) ObserverJoin() chan<- ObserverJoinRequest           { return s.observerJoin }
func (s *Session) ObserverSubscribe() chan<- ObserverSubscribeRequest { return s.observerSub }
func (s *Session) ObserverLeave() chan<- string                       { return s.observerLeave }

func (s *Session) ID() string          { return s.cfg.ID }
func (s *Session) MapID() string       { return s.cfg.MapID }
func (s *Session) CurrentTick() uint64 { return s.tick.Load() }
func (s *Session) TickRateHz() int     { return s.cfg.TickRateHz }

// MaxCellsPerTick is the per-observer default cap.
func (s *Session) MaxCellsPerTick() int { return s.cfg.MaxCellsPerTick }

// Generator exposes the generator for tests and offline tools. Callers
// must not use it while Run is active.
func (s *Session) Generator() *tilemap.Generator { return s.gen }

// CellFor validates an observer position against the map's grid. Safe for
// concurrent use.
func (s *Session) CellFor(p grid.Vec3) (grid.Cell, error) { return s.mapCfg.CellFor(p) }

// Bootstrap describes the session for a new observer. Safe for concurrent use.
func (s *Session) Bootstrap() observerproto.BootstrapResponse {
	return observerproto.BootstrapResponse{
		ProtocolVersion: observerproto.Version,
		SessionID:       s.cfg.ID,
		MapID:           s.cfg.MapID,
		Mode:            s.mode,
		Tick:            s.tick.Load(),
		CatalogDigest:   s.cfg.CatalogDigest,
		Params:          s.params,
		Tiles:           s.tiles,
		Obstacles:       s.obstacles,
		Fences:          s.fences,
	}
}

// Manifest records what a replay needs to rebuild this session.
func (s *Session) Manifest() Manifest {
	return Manifest{
		SessionID:     s.cfg.ID,
		MapID:         s.cfg.MapID,
		Seed:          s.cfg.Seed,
		TickRateHz:    s.cfg.TickRateHz,
		Spawn:         s.cfg.Spawn,
		CatalogDigest: s.cfg.CatalogDigest,
		Config:        s.gen.Config(),
		StartedAt:     s.started,
	}
}
