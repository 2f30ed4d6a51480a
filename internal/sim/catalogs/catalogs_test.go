package catalogs

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tilestream.dev/internal/sim/tilemap"
	"tilestream.dev/internal/sim/tilemap/grid"
	"tilestream.dev/internal/sim/tilemap/obstacle"
	"tilestream.dev/internal/sim/tilemap/pool"
)

func configDir() string { return filepath.Join("..", "..", "..", "configs") }

func TestLoadShippedCatalogs(t *testing.T) {
	c, err := Load(configDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.Prototypes.ByID) == 0 || len(c.Tilesets.ByID) == 0 || len(c.Details.ByID) == 0 {
		t.Fatalf("empty catalogs: %+v", c)
	}
	for _, id := range c.MapIDs() {
		r, err := c.Resolve(id)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", id, err)
		}
		if err := r.Config.Validate(); err != nil {
			t.Fatalf("shipped map %s has invalid config: %v", id, err)
		}
	}
	if c.Digest() == "" || len(c.Digest()) != 64 {
		t.Fatalf("bad digest %q", c.Digest())
	}
}

func TestResolveModes(t *testing.T) {
	c, err := Load(configDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	open, err := c.Resolve("meadow")
	if err != nil {
		t.Fatal(err)
	}
	if open.Config.Bounded || open.Fence != "" {
		t.Fatalf("default-mode map must stream: %+v", open.Config)
	}
	if open.Config.ViewDistance != 5 || open.Config.UnloadDistance != 10 {
		t.Fatalf("unexpected distances: %+v", open.Config)
	}

	arena, err := c.Resolve("meadow_arena")
	if err != nil {
		t.Fatal(err)
	}
	if !arena.Config.Bounded || arena.Fence != "fence_wood" {
		t.Fatalf("endless-mode map must be bounded and fenced: %+v fence=%q", arena.Config, arena.Fence)
	}
	if arena.Prewarm["fence_wood"] != 32 {
		t.Fatalf("fence prewarm: %v", arena.Prewarm)
	}

	if _, err := c.Resolve("atlantis"); err == nil {
		t.Fatalf("expected unknown map error")
	}
}

func TestResolveObstacleFootprints(t *testing.T) {
	c, err := Load(configDir())
	if err != nil {
		t.Fatal(err)
	}
	r, err := c.Resolve("meadow")
	if err != nil {
		t.Fatal(err)
	}
	byProto := map[string]tilemap.ObstacleType{}
	for _, o := range r.Obstacles {
		byProto[o.Prototype] = o
	}

	if got := byProto["rock_small"].Footprint; got != (obstacle.Footprint{Width: 0.6, Depth: 0.5}) {
		t.Fatalf("explicit footprint: %+v", got)
	}
	hedge := byProto["hedge"]
	if !hedge.CanConnect || hedge.Footprint != (obstacle.Footprint{}) {
		t.Fatalf("hedge should derive its footprint: %+v", hedge)
	}
	if hedge.Bounds != (obstacle.Footprint{Width: 0.9, Depth: 0.9}) {
		t.Fatalf("hedge bounds: %+v", hedge.Bounds)
	}
}

func TestResolvedMapGenerates(t *testing.T) {
	c, err := Load(configDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range c.MapIDs() {
		r, err := c.Resolve(id)
		if err != nil {
			t.Fatal(err)
		}
		p := pool.NewObjectPool(slog.New(slog.NewTextHandler(io.Discard, nil)))
		gctx := r.Context(p, nil, nil)
		gctx.Rand = tilemap.NewRand(1)
		if st := p.Stats(); st.Idle == 0 || st.Active != 0 {
			t.Fatalf("%s: pool not pre-warmed: %+v", id, st)
		}
		g, err := tilemap.New(gctx, grid.Vec3{})
		if err != nil {
			t.Fatalf("%s: %v", id, err)
		}
		if g.ActiveTiles() == 0 {
			t.Fatalf("%s: nothing generated", id)
		}
	}
}

// copyConfigs copies the shipped catalogs into a temp dir so a test can
// break one file.
func copyConfigs(t *testing.T) string {
	t.Helper()
	dst := t.TempDir()
	err := filepath.WalkDir(configDir(), func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(configDir(), p)
		if d.IsDir() {
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dst, rel), b, 0o644)
	})
	if err != nil {
		t.Fatal(err)
	}
	return dst
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	cases := []struct {
		file, body, want string
	}{
		{"map_details.json", `[{"id":"x","view_distance":2,"unload_distance":4,"tile_spacing":0,"obstacle_spawn_ratio":0.1,"tileset":"meadow"}]`, "map_details.json"},
		{"map_details.json", `[{"id":"x","view_distance":2,"unload_distance":4,"tile_spacing":1,"obstacle_spawn_ratio":1.5,"tileset":"meadow"}]`, "map_details.json"},
		{"prototypes.json", `[{"id":"a","colour":"red"}]`, "prototypes.json"},
		{"maps.json", `{"default_mode":[]}`, "maps.json"},
		{filepath.Join("tilesets", "meadow.json"), `{"id":"meadow","tiles":[]}`, "tileset meadow.json"},
		{filepath.Join("tilesets", "meadow.json"), `{"id":"meadow","tiles":[{"prototype":"tile_grass","weight":-1}]}`, "tileset meadow.json"},
	}
	for _, tc := range cases {
		dir := copyConfigs(t)
		if err := os.WriteFile(filepath.Join(dir, tc.file), []byte(tc.body), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := Load(dir)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected %q error, got %v", tc.file, tc.want, err)
		}
	}
}

func TestLoadRejectsDanglingReferences(t *testing.T) {
	dir := copyConfigs(t)
	body := `{"default_mode":[{"id":"lost","detail":"nowhere"}],"endless_mode":[]}`
	if err := os.WriteFile(filepath.Join(dir, "maps.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "unknown detail") {
		t.Fatalf("expected dangling detail error, got %v", err)
	}

	dir = copyConfigs(t)
	body = `{"id":"meadow","tiles":[{"prototype":"tile_lava","weight":1}]}`
	if err := os.WriteFile(filepath.Join(dir, "tilesets", "meadow.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = Load(dir)
	if err == nil || !strings.Contains(err.Error(), "tile_lava") {
		t.Fatalf("expected unknown prototype error, got %v", err)
	}
}

func TestDigestTracksContent(t *testing.T) {
	a, err := Load(configDir())
	if err != nil {
		t.Fatal(err)
	}
	dir := copyConfigs(t)
	b, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if a.Digest() != b.Digest() {
		t.Fatalf("copy changed digest")
	}

	p := filepath.Join(dir, "map_details.json")
	raw, _ := os.ReadFile(p)
	raw = append(raw, '\n')
	if err := os.WriteFile(p, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if c.Digest() == a.Digest() {
		t.Fatalf("digest ignored an edit")
	}
}

func TestLoadMissingDir(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing"))
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist, got %v", err)
	}
}
