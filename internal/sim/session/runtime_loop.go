package session

import (
	"context"
	"time"

	"tilestream.dev/internal/sim/tilemap"
	"tilestream.dev/internal/sim/tilemap/grid"
)

func (s *Session) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(s.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Only the latest MOVE before a tick matters.
	pos := s.pos
	for {
		select {
		case <-ctx.Done():
			s.closeObservers()
			return ctx.Err()
		case <-s.stop:
			s.closeObservers()
			return nil
		case p := <-s.move:
			if _, err := s.CellFor(p); err != nil {
				s.log.Warn("move dropped", "err", err)
				continue
			}
			pos = p
		case req := <-s.observerJoin:
			s.handleObserverJoin(req)
		case req := <-s.observerSub:
			s.handleObserverSubscribe(req)
		case id := <-s.observerLeave:
			s.handleObserverLeave(id)
		case <-ticker.C:
			if _, _, err := s.step(pos); err != nil {
				s.closeObservers()
				return err
			}
		}
	}
}

func (s *Session) Stop() { s.stopOnce.Do(func() { close(s.stop) }) }

// StepOnce advances the session by a single tick with the observer at pos,
// using the same ordering as Run. It is intended for replays and tests.
func (s *Session) StepOnce(pos grid.Vec3) (tilemap.TickResult, string, error) {
	return s.step(pos)
}

func (s *Session) step(pos grid.Vec3) (tilemap.TickResult, string, error) {
	start := time.Now()
	s.pos = pos
	res, err := s.gen.Tick(pos)
	if err != nil {
		return res, "", err
	}
	s.tick.Store(res.Tick)
	digest := s.gen.Digest()

	if s.tickLogger != nil && (res.Moved || res.Changed()) {
		entry := TickLogEntry{
			Tick:              res.Tick,
			Pos:               pos,
			Cell:              res.Cell,
			Moved:             res.Moved,
			TilesLoaded:       len(res.TilesLoaded),
			TilesUnloaded:     len(res.TilesUnloaded),
			ObstaclesLoaded:   len(res.ObstaclesLoaded),
			ObstaclesUnloaded: len(res.ObstaclesUnloaded),
			Resized:           len(res.Resized),
			Pending:           res.Pending,
			CacheSize:         s.gen.CacheLen(),
			Digest:            digest,
		}
		if err := s.tickLogger.WriteTick(entry); err != nil {
			s.log.Warn("tick log write failed", "tick", res.Tick, "err", err)
		}
	}

	s.stepObservers(res, digest)
	s.storeMetrics(float64(time.Since(start).Microseconds()) / 1000)
	return res, digest, nil
}

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}

func trySend(ch chan []byte, b []byte) bool {
	select {
	case ch <- b:
		return true
	default:
		return false
	}
}

func clampInt(v, lo, hi, def int) int {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
