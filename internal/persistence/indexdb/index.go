// Package indexdb keeps a queryable index of sessions, catalogs and logged
// ticks. The zstd tick logs stay the source of truth; the index may drop
// writes under load.
package indexdb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"tilestream.dev/internal/sim/catalogs"
	"tilestream.dev/internal/sim/session"
	"tilestream.dev/internal/sim/tuning"
)

const schemaVersion = "1"

// Index is implemented by the SQLite and Postgres backends.
type Index interface {
	RecordSession(m session.Manifest) error
	UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error
	// TickLogger returns a logger that indexes ticks under sessionID.
	TickLogger(sessionID string) session.TickLogger
	Stats() Stats
	Close() error
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropTickTotal uint64 `json:"drop_tick_total"`
	WriteErrTotal uint64 `json:"write_err_total"`
}

// TickDigest is one indexed tick.
type TickDigest struct {
	Tick   uint64 `json:"tick"`
	Digest string `json:"digest"`
}

// SessionRow is one indexed session.
type SessionRow struct {
	SessionID     string    `json:"session_id"`
	MapID         string    `json:"map_id"`
	Seed          uint64    `json:"seed"`
	CatalogDigest string    `json:"catalog_digest"`
	StartedAt     time.Time `json:"started_at"`
}

// Reader is the query side shared by both backends.
type Reader interface {
	Sessions(ctx context.Context) ([]SessionRow, error)
	TickDigests(ctx context.Context, sessionID string) ([]TickDigest, error)
}

type tickRow struct {
	sessionID string
	entry     session.TickLogEntry
}

type sessionTicks struct {
	write func(tickRow) error
	id    string
}

func (t sessionTicks) WriteTick(e session.TickLogEntry) error {
	return t.write(tickRow{sessionID: t.id, entry: e})
}

type catalogRow struct {
	name   string
	digest string
	json   []byte
}

// catalogRows collects the raw catalog files and the applied tuning, each
// with its digest.
func catalogRows(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) []catalogRow {
	var rows []catalogRow
	read := func(name, digest, path string) {
		b, err := os.ReadFile(path)
		if err != nil || len(b) == 0 || digest == "" {
			return
		}
		rows = append(rows, catalogRow{name: name, digest: digest, json: b})
	}
	if configDir != "" && cats != nil {
		read("prototypes", cats.Prototypes.Digest, filepath.Join(configDir, "prototypes.json"))
		read("map_details", cats.Details.Digest, filepath.Join(configDir, "map_details.json"))
		read("maps", cats.Maps.Digest, filepath.Join(configDir, "maps.json"))
	}
	if cats != nil {
		// Tilesets are spread over a directory; index the decoded set.
		ids := make([]string, 0, len(cats.Tilesets.ByID))
		for id := range cats.Tilesets.ByID {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		sets := make([]catalogs.TilesetDef, 0, len(ids))
		for _, id := range ids {
			sets = append(sets, cats.Tilesets.ByID[id])
		}
		if b, err := json.Marshal(sets); err == nil {
			rows = append(rows, catalogRow{name: "tilesets", digest: cats.Tilesets.Digest, json: b})
		}
	}

	// Tuning: store the values we actually apply (canonical JSON).
	if b, err := json.Marshal(tune); err == nil {
		sum := sha256.Sum256(b)
		rows = append(rows, catalogRow{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}
	return rows
}
