// Command schemagen reflects the observer protocol structs into JSON Schema
// documents. The hand-maintained files under schemas/ are stricter; the
// generated ones are used to catch drift between them and the Go types.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/invopop/jsonschema"

	"tilestream.dev/internal/observerproto"
)

// messages maps output file names to the struct reflected into them.
var messages = map[string]any{
	"subscribe": new(observerproto.SubscribeMsg),
	"move":      new(observerproto.MoveMsg),
	"welcome":   new(observerproto.BootstrapResponse),
	"tick":      new(observerproto.TickMsg),
	"cells":     new(observerproto.CellsMsg),
	"evict":     new(observerproto.EvictMsg),
	"error":     new(observerproto.ErrorMsg),
}

func main() {
	var outDir string
	flag.StringVar(&outDir, "out", "", "directory to write the generated schemas into")
	flag.Parse()

	if outDir == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	written, err := generate(outDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to write schemas: %v\n", err)
		os.Exit(1)
	}
	for _, p := range written {
		fmt.Println(p)
	}
}

func generate(outDir string) ([]string, error) {
	names := make([]string, 0, len(messages))
	for name := range messages {
		names = append(names, name)
	}
	sort.Strings(names)

	var written []string
	for _, name := range names {
		p := filepath.Join(outDir, name+".gen.schema.json")
		if err := writeSchema(p, buildSchema(name, messages[name])); err != nil {
			return written, fmt.Errorf("%s: %w", name, err)
		}
		written = append(written, p)
	}
	return written, nil
}

func buildSchema(name string, v any) *jsonschema.Schema {
	reflector := jsonschema.Reflector{}
	schema := reflector.Reflect(v)
	schema.Title = "tilestream observer " + name
	schema.Description = "Generated from internal/observerproto; do not edit"
	return schema
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}

	return nil
}
