package tuning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != Defaults() {
		t.Fatalf("got %+v, want defaults", got)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	raw := `
tick_rate_hz: 20
seed: 42
map_id: dunes
spawn: [3.5, -2]
cache:
  backend: leveldb
  dir: /tmp/assign
index:
  backend: none
`
	if err := os.WriteFile(p, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.TickRateHz != 20 || got.Seed != 42 || got.MapID != "dunes" {
		t.Fatalf("unexpected: %+v", got)
	}
	if got.Spawn != [2]float64{3.5, -2} {
		t.Fatalf("spawn: %v", got.Spawn)
	}
	if got.Cache.Backend != "leveldb" || got.Cache.Dir != "/tmp/assign" {
		t.Fatalf("cache: %+v", got.Cache)
	}
	if got.Observer.MaxCellsPerTick != 256 {
		t.Fatalf("observer default lost: %+v", got.Observer)
	}
	if got.ProtocolVersion != "1.0" {
		t.Fatalf("protocol_version default lost")
	}
}

func TestLoadRejectsBadBackends(t *testing.T) {
	cases := map[string]string{
		"cache":    "cache: {backend: redis}",
		"leveldb":  "cache: {backend: leveldb}",
		"index":    "index: {backend: mysql}",
		"postgres": "index: {backend: postgres}",
		"tick":     "tick_rate_hz: -1",
		"budget":   "max_loads_per_tick: -3",
	}
	for name, raw := range cases {
		p := filepath.Join(t.TempDir(), name+".yaml")
		if err := os.WriteFile(p, []byte(raw), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(p); err == nil || !strings.Contains(err.Error(), "tuning.yaml") {
			t.Fatalf("%s: expected tuning error, got %v", name, err)
		}
	}
}

func TestLoadBadYAML(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(p, []byte("tick_rate_hz: [oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(p); err == nil {
		t.Fatalf("expected parse error")
	}
}
