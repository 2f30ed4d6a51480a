package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	validator "github.com/santhosh-tekuri/jsonschema/v5"

	"tilestream.dev/internal/observerproto"
	"tilestream.dev/internal/sim/tilemap/grid"
)

func TestGenerateWritesEverySchema(t *testing.T) {
	dir := t.TempDir()
	written, err := generate(dir)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(written) != len(messages) {
		t.Fatalf("written=%d want %d", len(written), len(messages))
	}
	for _, p := range written {
		if _, err := os.Stat(p + ".tmp"); !os.IsNotExist(err) {
			t.Fatalf("temp file left behind for %s", p)
		}
		if _, err := validator.Compile(p); err != nil {
			t.Fatalf("compile %s: %v", p, err)
		}
	}
}

func TestGeneratedSchemaAcceptsMessages(t *testing.T) {
	dir := t.TempDir()
	if _, err := generate(dir); err != nil {
		t.Fatalf("generate: %v", err)
	}

	check := func(name string, msg any) {
		t.Helper()
		s, err := validator.Compile(filepath.Join(dir, name+".gen.schema.json"))
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		b, _ := json.Marshal(msg)
		var doc any
		if err := json.Unmarshal(b, &doc); err != nil {
			t.Fatal(err)
		}
		if err := s.Validate(doc); err != nil {
			t.Fatalf("validate %s %s: %v", name, b, err)
		}
	}

	check("move", observerproto.MoveMsg{
		Type: observerproto.TypeMove, ProtocolVersion: observerproto.Version, Pos: grid.Vec3{X: 2, Z: 3},
	})
	check("evict", observerproto.EvictMsg{
		Type: observerproto.TypeEvict, ProtocolVersion: observerproto.Version, Tick: 1, Cells: []grid.Cell{{X: 1, Z: 2}},
	})
	check("error", observerproto.ErrorMsg{
		Type: observerproto.TypeError, ProtocolVersion: observerproto.Version, Code: "E_BAD_REQUEST", Message: "bad",
	})
}

func TestGeneratedSchemaRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	if _, err := generate(dir); err != nil {
		t.Fatalf("generate: %v", err)
	}
	s, err := validator.Compile(filepath.Join(dir, "error.gen.schema.json"))
	if err != nil {
		t.Fatal(err)
	}
	var doc any
	_ = json.Unmarshal([]byte(`{"type":"ERROR","protocol_version":"1.0","code":"E_X","message":"m","extra":1}`), &doc)
	if err := s.Validate(doc); err == nil {
		t.Fatalf("expected extra property rejected")
	}
}
