package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gdamore/tcell/v2"

	"tilestream.dev/internal/sim/catalogs"
	"tilestream.dev/internal/sim/session"
	"tilestream.dev/internal/sim/tilemap/grid"
	"tilestream.dev/internal/sim/tilemap/pool"
	"tilestream.dev/internal/viewer"
)

func main() {
	var (
		configDir = flag.String("configs", "./configs", "config directory")
		mapID     = flag.String("map", "meadow", "map id")
		seed      = flag.Uint64("seed", 1337, "session seed")
		tickRate  = flag.Int("tick_rate", 20, "ticks per second")
		maxLoads  = flag.Int("max_loads_per_tick", 0, "override the map's loads per tick (0: map default)")
		logPath   = flag.String("log", "", "write debug logs to this file (default: discard)")
	)
	flag.Parse()

	if err := run(*configDir, *mapID, *seed, *tickRate, *maxLoads, *logPath); err != nil {
		fmt.Fprintln(os.Stderr, "mapview:", err)
		os.Exit(1)
	}
}

func run(configDir, mapID string, seed uint64, tickRate, maxLoads int, logPath string) error {
	// The terminal is taken over; logs go to a file or nowhere.
	var out io.Writer = io.Discard
	if logPath != "" {
		f, err := os.Create(logPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cats, err := catalogs.Load(configDir)
	if err != nil {
		return fmt.Errorf("load catalogs: %w", err)
	}
	resolved, err := cats.Resolve(mapID)
	if err != nil {
		return err
	}
	if maxLoads > 0 {
		resolved.Config.MaxLoadsPerTick = maxLoads
	}
	sess, err := session.New(session.Config{
		MapID:         mapID,
		CatalogDigest: cats.Digest(),
		TickRateHz:    tickRate,
		Seed:          seed,
	}, resolved.Context(pool.NewObjectPool(logger), nil, logger), logger)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	defer screen.Fini()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = viewer.New(screen, sess, grid.Vec3{}).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
