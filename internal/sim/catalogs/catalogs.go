package catalogs

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tilestream.dev/internal/sim/tilemap/obstacle"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

type Catalogs struct {
	Prototypes PrototypeCatalog
	Tilesets   TilesetCatalog
	Details    MapDetailCatalog
	Maps       MapCatalog
}

type PrototypeCatalog struct {
	ByID   map[string]PrototypeDef
	Digest string
}

type PrototypeDef struct {
	ID      string             `json:"id"`
	Bounds  obstacle.Footprint `json:"bounds"`
	Prewarm int                `json:"prewarm,omitempty"`
}

type TilesetCatalog struct {
	ByID   map[string]TilesetDef
	Digest string
}

type TilesetDef struct {
	ID        string        `json:"id"`
	Tiles     []TileDef     `json:"tiles"`
	Obstacles []ObstacleDef `json:"obstacles,omitempty"`
	Fence     string        `json:"fence,omitempty"`
}

type TileDef struct {
	Prototype string  `json:"prototype"`
	Weight    float64 `json:"weight"`
}

type ObstacleDef struct {
	Prototype  string              `json:"prototype"`
	Weight     float64             `json:"weight"`
	Footprint  *obstacle.Footprint `json:"footprint,omitempty"`
	CanConnect bool                `json:"can_connect,omitempty"`
}

type MapDetailCatalog struct {
	ByID   map[string]MapDetailDef
	Digest string
}

type MapDetailDef struct {
	ID                 string  `json:"id"`
	ViewDistance       int     `json:"view_distance"`
	UnloadDistance     int     `json:"unload_distance"`
	TileSpacing        int     `json:"tile_spacing"`
	ObstacleSpawnRatio float64 `json:"obstacle_spawn_ratio"`
	MaxLoadsPerTick    int     `json:"max_loads_per_tick,omitempty"`
	Tileset            string  `json:"tileset"`
}

// MapCatalog lists playable maps. Default-mode maps stream without bound;
// endless-mode maps are bounded arenas.
type MapCatalog struct {
	DefaultMode []MapDef `json:"default_mode"`
	EndlessMode []MapDef `json:"endless_mode"`

	ByID   map[string]MapDef `json:"-"`
	Digest string            `json:"-"`
}

type MapDef struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Detail string `json:"detail"`

	Bounded bool `json:"-"`
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs

	if err := loadPrototypes(filepath.Join(configDir, "prototypes.json"), &c.Prototypes); err != nil {
		return nil, err
	}
	if err := loadTilesets(filepath.Join(configDir, "tilesets"), &c.Tilesets); err != nil {
		return nil, err
	}
	if err := loadDetails(filepath.Join(configDir, "map_details.json"), &c.Details); err != nil {
		return nil, err
	}
	if err := loadMaps(filepath.Join(configDir, "maps.json"), &c.Maps); err != nil {
		return nil, err
	}
	if err := c.crossCheck(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Digest covers every catalog file. A replay refuses to run against a
// different digest.
func (c *Catalogs) Digest() string {
	return sha256Hex([]byte(strings.Join([]string{
		c.Prototypes.Digest,
		c.Tilesets.Digest,
		c.Details.Digest,
		c.Maps.Digest,
	}, "\n")))
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func compileSchema(name string) (*jsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile(path.Join("schemas", name))
	if err != nil {
		return nil, err
	}
	comp := jsonschema.NewCompiler()
	if err := comp.AddResource(name, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	return comp.Compile(name)
}

// decode validates raw against the named embedded schema, then unmarshals it.
func decode(file, schema string, raw []byte, out any) error {
	s, err := compileSchema(schema)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	return nil
}

func loadPrototypes(p string, out *PrototypeCatalog) error {
	raw, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []PrototypeDef
	if err := decode("prototypes.json", "prototypes.schema.json", raw, &defs); err != nil {
		return err
	}
	out.ByID = map[string]PrototypeDef{}
	for _, d := range defs {
		if _, dup := out.ByID[d.ID]; dup {
			return fmt.Errorf("prototypes.json: duplicate id %s", d.ID)
		}
		out.ByID[d.ID] = d
	}
	return nil
}

func loadTilesets(dir string, out *TilesetCatalog) error {
	out.ByID = map[string]TilesetDef{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".json") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	var concat bytes.Buffer
	for _, p := range files {
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		concat.Write(b)
		concat.WriteByte('\n')

		var ts TilesetDef
		name := "tileset " + filepath.Base(p)
		if err := decode(name, "tileset.schema.json", b, &ts); err != nil {
			return err
		}
		if _, dup := out.ByID[ts.ID]; dup {
			return fmt.Errorf("%s: duplicate id %s", name, ts.ID)
		}
		out.ByID[ts.ID] = ts
	}
	out.Digest = sha256Hex(concat.Bytes())
	return nil
}

func loadDetails(p string, out *MapDetailCatalog) error {
	raw, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []MapDetailDef
	if err := decode("map_details.json", "map_details.schema.json", raw, &defs); err != nil {
		return err
	}
	out.ByID = map[string]MapDetailDef{}
	for _, d := range defs {
		if _, dup := out.ByID[d.ID]; dup {
			return fmt.Errorf("map_details.json: duplicate id %s", d.ID)
		}
		out.ByID[d.ID] = d
	}
	return nil
}

func loadMaps(p string, out *MapCatalog) error {
	raw, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	if err := decode("maps.json", "maps.schema.json", raw, out); err != nil {
		return err
	}
	out.ByID = map[string]MapDef{}
	add := func(list []MapDef, bounded bool) error {
		for _, m := range list {
			if _, dup := out.ByID[m.ID]; dup {
				return fmt.Errorf("maps.json: duplicate id %s", m.ID)
			}
			m.Bounded = bounded
			out.ByID[m.ID] = m
		}
		return nil
	}
	if err := add(out.DefaultMode, false); err != nil {
		return err
	}
	return add(out.EndlessMode, true)
}

// crossCheck verifies references between catalogs.
func (c *Catalogs) crossCheck() error {
	for _, ts := range c.Tilesets.ByID {
		for _, t := range ts.Tiles {
			if _, ok := c.Prototypes.ByID[t.Prototype]; !ok {
				return fmt.Errorf("tileset %s: unknown tile prototype %s", ts.ID, t.Prototype)
			}
		}
		for _, o := range ts.Obstacles {
			if _, ok := c.Prototypes.ByID[o.Prototype]; !ok {
				return fmt.Errorf("tileset %s: unknown obstacle prototype %s", ts.ID, o.Prototype)
			}
		}
		if ts.Fence != "" {
			if _, ok := c.Prototypes.ByID[ts.Fence]; !ok {
				return fmt.Errorf("tileset %s: unknown fence prototype %s", ts.ID, ts.Fence)
			}
		}
	}
	for _, d := range c.Details.ByID {
		if _, ok := c.Tilesets.ByID[d.Tileset]; !ok {
			return fmt.Errorf("map detail %s: unknown tileset %s", d.ID, d.Tileset)
		}
	}
	for _, m := range c.Maps.ByID {
		if _, ok := c.Details.ByID[m.Detail]; !ok {
			return fmt.Errorf("map %s: unknown detail %s", m.ID, m.Detail)
		}
	}
	return nil
}
