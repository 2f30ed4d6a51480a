package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"tilestream.dev/internal/sim/session"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	logDir := fs.String("logs", "./data/logs", "session log directory")
	_ = fs.Parse(args)

	if err := listSessions(os.Stdout, *logDir); err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
}

type sessionSummary struct {
	SessionID     string `json:"session_id"`
	MapID         string `json:"map_id"`
	Seed          uint64 `json:"seed"`
	TickRateHz    int    `json:"tick_rate_hz"`
	CatalogDigest string `json:"catalog_digest"`
	StartedAt     string `json:"started_at"`
	Dir           string `json:"dir"`
}

// listSessions prints one line per session directory under logDir, oldest
// first. Directories without a readable manifest are skipped.
func listSessions(w io.Writer, logDir string) error {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return err
	}
	var out []sessionSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(logDir, e.Name())
		m, err := session.ReadManifest(dir)
		if err != nil {
			continue
		}
		out = append(out, sessionSummary{
			SessionID:     m.SessionID,
			MapID:         m.MapID,
			Seed:          m.Seed,
			TickRateHz:    m.TickRateHz,
			CatalogDigest: m.CatalogDigest,
			StartedAt:     m.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
			Dir:           dir,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt != out[j].StartedAt {
			return out[i].StartedAt < out[j].StartedAt
		}
		return out[i].SessionID < out[j].SessionID
	})
	for _, s := range out {
		if err := printJSON(w, s); err != nil {
			return err
		}
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
