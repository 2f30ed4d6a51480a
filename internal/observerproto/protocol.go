package observerproto

import (
	"tilestream.dev/internal/sim/tilemap"
	"tilestream.dev/internal/sim/tilemap/grid"
	"tilestream.dev/internal/sim/tilemap/obstacle"
)

// Version is the observer protocol version.
const Version = "1.0"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeMove      = "MOVE"
	TypeWelcome   = "WELCOME"
	TypeTick      = "TICK"
	TypeCells     = "CELLS"
	TypeEvict     = "EVICT"
	TypeError     = "ERROR"
)

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	MaxCellsPerTick int    `json:"max_cells_per_tick,omitempty"`

	// Driver marks a client allowed to send MOVE.
	Driver bool `json:"driver,omitempty"`
}

// Client -> Server. Moves the session observer to a world position.
type MoveMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	Pos             grid.Vec3 `json:"pos"`
}

// HTTP response for GET /v1/observer/bootstrap, and the first WS message
// (with Type WELCOME).
type BootstrapResponse struct {
	Type            string `json:"type,omitempty"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	MapID           string `json:"map_id"`
	Mode            string `json:"mode"`
	Tick            uint64 `json:"tick"`
	CatalogDigest   string `json:"catalog_digest"`

	Params    MapParams  `json:"params"`
	Tiles     []string   `json:"tiles"`
	Obstacles []string   `json:"obstacles"`
	Fences    []FenceMsg `json:"fences,omitempty"`
}

type MapParams struct {
	TickRateHz         int     `json:"tick_rate_hz"`
	Seed               uint64  `json:"seed"`
	ViewDistance       int     `json:"view_distance"`
	UnloadDistance     int     `json:"unload_distance"`
	TileSpacing        int     `json:"tile_spacing"`
	ObstacleSpawnRatio float64 `json:"obstacle_spawn_ratio"`
}

type FenceMsg struct {
	Cell        grid.Cell `json:"cell"`
	Orientation string    `json:"orientation"`
	Yaw         float64   `json:"yaw"`
}

// Server -> Client. Sent every tick.
type TickMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	Tick            uint64    `json:"tick"`
	Pos             grid.Vec3 `json:"pos"`
	Cell            grid.Cell `json:"cell"`
	Moved           bool      `json:"moved"`
	Pending         int       `json:"pending"`
	CacheSize       int       `json:"cache_size"`
	Digest          string    `json:"digest"`
	Observers       int       `json:"observers"`
}

// Server -> Client. New or changed cells. Tile and Obstacle index into the
// WELCOME tiles and obstacles lists; Obstacle is -1 when empty.
type CellsMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	Tick            uint64    `json:"tick"`
	Cells           []CellMsg `json:"cells"`
}

type CellMsg struct {
	X         int32               `json:"x"`
	Z         int32               `json:"z"`
	Tile      int32               `json:"tile"`
	Obstacle  int32               `json:"obstacle"`
	Footprint *obstacle.Footprint `json:"footprint,omitempty"`
}

// Server -> Client. Cells the client should drop.
type EvictMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Tick            uint64      `json:"tick"`
	Cells           []grid.Cell `json:"cells"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// CellFromState converts generator state to its wire form.
func CellFromState(st tilemap.CellState) CellMsg {
	m := CellMsg{X: st.Cell.X, Z: st.Cell.Z, Tile: st.Tile, Obstacle: st.Obstacle}
	if st.Obstacle >= 0 {
		fp := st.Footprint
		m.Footprint = &fp
	}
	return m
}
