package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"tilestream.dev/internal/persistence/indexdb"
	persistlog "tilestream.dev/internal/persistence/log"
	"tilestream.dev/internal/sim/catalogs"
	"tilestream.dev/internal/sim/session"
	"tilestream.dev/internal/sim/tilemap/pool"
)

type replayOptions struct {
	SessionDir string
	ConfigDir  string
	IndexPath  string
	ToTick     uint64

	// AllowCatalogDrift replays against catalogs whose digest differs from
	// the one recorded in the manifest.
	AllowCatalogDrift bool
}

type replayResult struct {
	SessionID    string
	Checked      int
	LastTick     uint64
	IndexChecked int
}

func main() {
	var (
		sessionDir = flag.String("session", "", "session log dir containing session.json and ticks/")
		configDir  = flag.String("configs", "./configs", "config directory")
		indexPath  = flag.String("index", "", "sqlite index to cross-check digests against (optional)")
		toTick     = flag.Uint64("to_tick", 0, "stop at tick (inclusive, optional)")
		drift      = flag.Bool("allow_catalog_drift", false, "replay even if the catalog digest changed")
	)
	flag.Parse()

	if *sessionDir == "" {
		fmt.Fprintln(os.Stderr, "missing -session")
		os.Exit(2)
	}

	res, err := replay(context.Background(), replayOptions{
		SessionDir:        *sessionDir,
		ConfigDir:         *configDir,
		IndexPath:         *indexPath,
		ToTick:            *toTick,
		AllowCatalogDrift: *drift,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: session=%s checked=%d ticks (last tick=%d)", res.SessionID, res.Checked, res.LastTick)
	if *indexPath != "" {
		fmt.Printf(" index=%d", res.IndexChecked)
	}
	fmt.Println()
}

// replay rebuilds the session from its manifest and feeds it the logged
// observer positions in order. Unlogged ticks were generator no-ops, so each
// logged entry maps to exactly one replayed step.
func replay(ctx context.Context, opts replayOptions) (replayResult, error) {
	var res replayResult

	m, err := session.ReadManifest(opts.SessionDir)
	if err != nil {
		return res, fmt.Errorf("read manifest: %w", err)
	}
	res.SessionID = m.SessionID

	cats, err := catalogs.Load(opts.ConfigDir)
	if err != nil {
		return res, fmt.Errorf("load catalogs: %w", err)
	}
	if d := cats.Digest(); d != m.CatalogDigest && !opts.AllowCatalogDrift {
		return res, fmt.Errorf("catalog digest mismatch: manifest=%s configs=%s", m.CatalogDigest, d)
	}
	resolved, err := cats.Resolve(m.MapID)
	if err != nil {
		return res, err
	}
	// The manifest carries the effective config, tuning overrides included.
	resolved.Config = m.Config

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	sess, err := session.New(session.Config{
		ID:            m.SessionID,
		MapID:         m.MapID,
		CatalogDigest: m.CatalogDigest,
		TickRateHz:    m.TickRateHz,
		Seed:          m.Seed,
		Spawn:         m.Spawn,
	}, resolved.Context(pool.NewObjectPool(quiet), nil, quiet), quiet)
	if err != nil {
		return res, fmt.Errorf("session: %w", err)
	}

	digests := map[uint64]string{}
	var prev uint64
	errStop := errors.New("stop")
	err = persistlog.ReadTicks(opts.SessionDir, func(e session.TickLogEntry) error {
		if opts.ToTick != 0 && e.Tick > opts.ToTick {
			return errStop
		}
		if e.Tick <= prev {
			return fmt.Errorf("tick %d logged after tick %d", e.Tick, prev)
		}
		prev = e.Tick

		tr, got, err := sess.StepOnce(e.Pos)
		if err != nil {
			return fmt.Errorf("tick %d: %w", e.Tick, err)
		}
		if tr.Cell != e.Cell {
			return fmt.Errorf("cell mismatch at tick %d: got=%v want=%v", e.Tick, tr.Cell, e.Cell)
		}
		if got != e.Digest {
			return fmt.Errorf("digest mismatch at tick %d: got=%s want=%s", e.Tick, got, e.Digest)
		}
		digests[e.Tick] = e.Digest
		res.Checked++
		res.LastTick = e.Tick
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return res, err
	}

	if opts.IndexPath == "" {
		return res, nil
	}
	idx, err := indexdb.OpenSQLite(opts.IndexPath)
	if err != nil {
		return res, fmt.Errorf("open index: %w", err)
	}
	defer idx.Close()
	rows, err := idx.TickDigests(ctx, m.SessionID)
	if err != nil {
		return res, fmt.Errorf("index ticks: %w", err)
	}
	for _, r := range rows {
		want, ok := digests[r.Tick]
		if !ok {
			// Past -to_tick.
			continue
		}
		if r.Digest != want {
			return res, fmt.Errorf("index digest mismatch at tick %d: index=%s log=%s", r.Tick, r.Digest, want)
		}
		res.IndexChecked++
	}
	return res, nil
}
