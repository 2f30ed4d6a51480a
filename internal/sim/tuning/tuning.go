package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz int        `yaml:"tick_rate_hz"`
	Seed       uint64     `yaml:"seed"`
	MapID      string     `yaml:"map_id"`
	Spawn      [2]float64 `yaml:"spawn"`

	// MaxLoadsPerTick overrides the map's streaming budget when > 0.
	MaxLoadsPerTick int `yaml:"max_loads_per_tick"`

	Observer Observer `yaml:"observer"`
	Cache    Cache    `yaml:"cache"`
	Index    Index    `yaml:"index"`
	Log      Log      `yaml:"log"`
}

type Observer struct {
	MaxCellsPerTick int  `yaml:"max_cells_per_tick"`
	AllowRemote     bool `yaml:"allow_remote"`
}

// Cache selects the assignment store: "memory" or "leveldb".
type Cache struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

// Index selects the session index: "sqlite", "postgres" or "none".
type Index struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

type Log struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		TickRateHz:      10,
		Seed:            1337,
		MapID:           "meadow",
		Observer: Observer{
			MaxCellsPerTick: 256,
		},
		Cache: Cache{
			Backend: "memory",
		},
		Index: Index{
			Backend: "sqlite",
			Path:    "data/index/tilestream.sqlite",
		},
		Log: Log{
			Dir:   "data/logs",
			Level: "info",
		},
	}
}

// Load reads path over Defaults. A missing file yields the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return t, fmt.Errorf("reading tuning %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 {
		return fmt.Errorf("tick_rate_hz must be > 0")
	}
	if t.MaxLoadsPerTick < 0 {
		return fmt.Errorf("max_loads_per_tick must be >= 0")
	}
	switch t.Cache.Backend {
	case "memory":
	case "leveldb":
		if t.Cache.Dir == "" {
			return fmt.Errorf("cache.dir is required for leveldb")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", t.Cache.Backend)
	}
	switch t.Index.Backend {
	case "none", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown index.backend %q", t.Index.Backend)
	}
	if t.Index.Backend == "postgres" && t.Index.DSN == "" {
		return fmt.Errorf("index.dsn is required for postgres")
	}
	return nil
}
