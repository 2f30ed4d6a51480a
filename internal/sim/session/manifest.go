package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tilestream.dev/internal/sim/tilemap"
	"tilestream.dev/internal/sim/tilemap/grid"
)

const ManifestFile = "session.json"

// Manifest is written next to a session's tick logs.
type Manifest struct {
	SessionID     string         `json:"session_id"`
	MapID         string         `json:"map_id"`
	Seed          uint64         `json:"seed"`
	TickRateHz    int            `json:"tick_rate_hz"`
	Spawn         grid.Vec3      `json:"spawn"`
	CatalogDigest string         `json:"catalog_digest"`
	Config        tilemap.Config `json:"config"`
	StartedAt     time.Time      `json:"started_at"`
}

func WriteManifest(dir string, m Manifest) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	p := filepath.Join(dir, ManifestFile)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%s: %w", ManifestFile, err)
	}
	if m.SessionID == "" || m.MapID == "" {
		return m, fmt.Errorf("%s: missing session_id or map_id", ManifestFile)
	}
	return m, nil
}
