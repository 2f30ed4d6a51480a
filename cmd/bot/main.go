package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"

	"tilestream.dev/internal/observerproto"
	"tilestream.dev/internal/protocol"
	"tilestream.dev/internal/sim/tilemap"
	"tilestream.dev/internal/sim/tilemap/grid"
)

type botOptions struct {
	// Pattern is line, square or random.
	Pattern string
	// Moves stops the bot after this many MOVE messages; 0 runs until ctx ends.
	Moves     int
	MoveEvery uint64
	StepCells int
	Seed      uint64
}

type botStats struct {
	Ticks     int
	Moves     int
	Cells     int
	Evicted   int
	Errors    int
	LastTick  uint64
	LastPos   grid.Vec3
	LastCell  grid.Cell
	SessionID string
}

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/v1/observer/ws", "observer ws url")
		pattern   = flag.String("pattern", "square", "walk pattern: line|square|random")
		moves     = flag.Int("moves", 0, "stop after N moves (0 = run until interrupted)")
		moveEvery = flag.Uint64("move_every", 5, "ticks between moves")
		stepCells = flag.Int("step_cells", 1, "cells per move")
		seed      = flag.Uint64("seed", 1, "seed for the random pattern")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("component", "bot")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := runBot(ctx, *url, botOptions{
		Pattern:   *pattern,
		Moves:     *moves,
		MoveEvery: *moveEvery,
		StepCells: *stepCells,
		Seed:      *seed,
	}, logger)
	logger.Info("bot finished", "ticks", st.Ticks, "moves", st.Moves, "cells", st.Cells, "evicted", st.Evicted, "errors", st.Errors)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bot failed", "err", err)
		os.Exit(1)
	}
}

// runBot subscribes as the session driver and walks the observer along a
// pattern, counting the stream it receives.
func runBot(ctx context.Context, url string, opts botOptions, logger *slog.Logger) (botStats, error) {
	var st botStats
	if opts.MoveEvery == 0 {
		opts.MoveEvery = 1
	}
	if opts.StepCells <= 0 {
		opts.StepCells = 1
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return st, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	sub := observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		Driver:          true,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return st, fmt.Errorf("send SUBSCRIBE: %w", err)
	}

	var (
		w       *walker
		target  grid.Vec3
		nextMov uint64
	)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return st, ctx.Err()
			}
			return st, err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case observerproto.TypeWelcome:
			var wm observerproto.BootstrapResponse
			if err := json.Unmarshal(msg, &wm); err != nil {
				return st, fmt.Errorf("bad WELCOME: %w", err)
			}
			st.SessionID = wm.SessionID
			w = newWalker(opts.Pattern, float64(wm.Params.TileSpacing*opts.StepCells), opts.Seed)
			logger.Info("WELCOME", "session_id", wm.SessionID, "map_id", wm.MapID, "mode", wm.Mode, "tick_rate_hz", wm.Params.TickRateHz)

		case observerproto.TypeError:
			var em observerproto.ErrorMsg
			_ = json.Unmarshal(msg, &em)
			st.Errors++
			if w == nil {
				return st, fmt.Errorf("rejected: %s: %s", em.Code, em.Message)
			}
			logger.Warn("server error", "code", em.Code, "message", em.Message)

		case observerproto.TypeCells:
			var cm observerproto.CellsMsg
			if err := json.Unmarshal(msg, &cm); err == nil {
				st.Cells += len(cm.Cells)
			}

		case observerproto.TypeEvict:
			var em observerproto.EvictMsg
			if err := json.Unmarshal(msg, &em); err == nil {
				st.Evicted += len(em.Cells)
			}

		case observerproto.TypeTick:
			var tm observerproto.TickMsg
			if err := json.Unmarshal(msg, &tm); err != nil || w == nil {
				continue
			}
			st.Ticks++
			st.LastTick, st.LastPos, st.LastCell = tm.Tick, tm.Pos, tm.Cell
			if tm.Moved {
				logger.Debug("moved", "tick", tm.Tick, "cell", tm.Cell, "pending", tm.Pending)
			}

			if opts.Moves > 0 && st.Moves >= opts.Moves {
				if tm.Pos == target {
					return st, nil
				}
				continue
			}
			if nextMov == 0 {
				w.pos = tm.Pos
				nextMov = tm.Tick + opts.MoveEvery
				continue
			}
			if tm.Tick < nextMov {
				continue
			}
			target = w.next()
			mv := observerproto.MoveMsg{
				Type:            observerproto.TypeMove,
				ProtocolVersion: observerproto.Version,
				Pos:             target,
			}
			if err := conn.WriteJSON(mv); err != nil {
				return st, fmt.Errorf("send MOVE: %w", err)
			}
			st.Moves++
			nextMov = tm.Tick + opts.MoveEvery
		}
	}
}

// walker produces the next driver position for a pattern.
type walker struct {
	pattern string
	step    float64
	rnd     *rand.Rand

	pos grid.Vec3
	n   int
}

var walkDirs = [4]grid.Vec3{{X: 1}, {Z: 1}, {X: -1}, {Z: -1}}

const squareSide = 4

func newWalker(pattern string, step float64, seed uint64) *walker {
	if step <= 0 {
		step = 1
	}
	return &walker{pattern: pattern, step: step, rnd: tilemap.NewRand(seed)}
}

func (w *walker) next() grid.Vec3 {
	var d grid.Vec3
	switch w.pattern {
	case "line":
		d = walkDirs[0]
	case "random":
		d = walkDirs[w.rnd.IntN(len(walkDirs))]
	default:
		d = walkDirs[(w.n/squareSide)%len(walkDirs)]
	}
	w.n++
	w.pos = grid.Vec3{X: w.pos.X + d.X*w.step, Y: w.pos.Y, Z: w.pos.Z + d.Z*w.step}
	return w.pos
}
