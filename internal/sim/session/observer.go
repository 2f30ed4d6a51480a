package session

import (
	"encoding/json"
	"slices"

	"tilestream.dev/internal/observerproto"
	"tilestream.dev/internal/sim/tilemap"
	"tilestream.dev/internal/sim/tilemap/grid"
)

// ObserverJoinRequest registers a read-only observer that receives:
// - per-tick session state (TickOut)
// - cell upserts and evictions (DataOut)
//
// All observer state is maintained by the session loop goroutine.
type ObserverJoinRequest struct {
	SessionID string
	TickOut   chan []byte
	DataOut   chan []byte

	MaxCellsPerTick int
}

// ObserverSubscribeRequest updates an existing observer's settings.
type ObserverSubscribeRequest struct {
	SessionID string

	MaxCellsPerTick int
}

const maxCellsPerTickLimit = 4096

type observerClient struct {
	id      string
	tickOut chan []byte
	dataOut chan []byte

	maxCells int

	// sent is what this observer has acknowledged as active. Cells are only
	// recorded once their message was queued.
	sent map[grid.Cell]tilemap.CellState

	// dirty forces a diff on the next tick: new observers, and observers
	// with a backlog from the per-tick cap or a full queue.
	dirty bool
}

func (s *Session) handleObserverJoin(req ObserverJoinRequest) {
	if req.SessionID == "" || req.TickOut == nil || req.DataOut == nil {
		return
	}

	// Replace existing session id if any.
	if old := s.observers[req.SessionID]; old != nil {
		close(old.tickOut)
		close(old.dataOut)
	}

	s.observers[req.SessionID] = &observerClient{
		id:       req.SessionID,
		tickOut:  req.TickOut,
		dataOut:  req.DataOut,
		maxCells: clampInt(req.MaxCellsPerTick, 1, maxCellsPerTickLimit, s.cfg.MaxCellsPerTick),
		sent:     map[grid.Cell]tilemap.CellState{},
		dirty:    true,
	}
	s.log.Debug("observer joined", "observer", req.SessionID, "observers", len(s.observers))
}

func (s *Session) handleObserverSubscribe(req ObserverSubscribeRequest) {
	c := s.observers[req.SessionID]
	if c == nil {
		return
	}
	c.maxCells = clampInt(req.MaxCellsPerTick, 1, maxCellsPerTickLimit, c.maxCells)
}

func (s *Session) handleObserverLeave(id string) {
	if id == "" {
		return
	}
	c := s.observers[id]
	if c == nil {
		return
	}
	delete(s.observers, id)
	close(c.tickOut)
	close(c.dataOut)
	s.log.Debug("observer left", "observer", id, "observers", len(s.observers))
}

func (s *Session) closeObservers() {
	for id, c := range s.observers {
		delete(s.observers, id)
		close(c.tickOut)
		close(c.dataOut)
	}
}

func (s *Session) stepObservers(res tilemap.TickResult, digest string) {
	if len(s.observers) == 0 {
		return
	}

	tickMsg, err := json.Marshal(observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		Tick:            res.Tick,
		Pos:             s.pos,
		Cell:            res.Cell,
		Moved:           res.Moved,
		Pending:         res.Pending,
		CacheSize:       s.gen.CacheLen(),
		Digest:          digest,
		Observers:       len(s.observers),
	})
	if err != nil {
		s.log.Error("marshal tick", "err", err)
		return
	}

	var current map[grid.Cell]tilemap.CellState
	for _, id := range sortedObserverIDs(s.observers) {
		c := s.observers[id]
		sendLatest(c.tickOut, tickMsg)

		if !c.dirty && !res.Changed() {
			continue
		}
		if current == nil {
			active := s.gen.Active()
			current = make(map[grid.Cell]tilemap.CellState, len(active))
			for _, st := range active {
				current[st.Cell] = st
			}
		}
		s.syncObserver(res.Tick, c, current)
	}
}

// syncObserver sends evictions first, then up to maxCells upserts nearest to
// the observed cell. Anything left is picked up next tick.
func (s *Session) syncObserver(tick uint64, c *observerClient, current map[grid.Cell]tilemap.CellState) {
	var evict []grid.Cell
	for cell := range c.sent {
		if _, ok := current[cell]; !ok {
			evict = append(evict, cell)
		}
	}
	var upsert []grid.Cell
	for cell, st := range current {
		if prev, ok := c.sent[cell]; !ok || prev != st {
			upsert = append(upsert, cell)
		}
	}

	c.dirty = false
	if len(evict) > 0 {
		slices.SortFunc(evict, grid.Compare)
		b, err := json.Marshal(observerproto.EvictMsg{
			Type:            observerproto.TypeEvict,
			ProtocolVersion: observerproto.Version,
			Tick:            tick,
			Cells:           evict,
		})
		if err == nil && trySend(c.dataOut, b) {
			for _, cell := range evict {
				delete(c.sent, cell)
			}
		} else {
			c.dirty = true
		}
	}
	if len(upsert) == 0 {
		return
	}

	grid.SortNearest(s.gen.Cell(), upsert)
	if len(upsert) > c.maxCells {
		upsert = upsert[:c.maxCells]
		c.dirty = true
	}

	msg := observerproto.CellsMsg{
		Type:            observerproto.TypeCells,
		ProtocolVersion: observerproto.Version,
		Tick:            tick,
		Cells:           make([]observerproto.CellMsg, 0, len(upsert)),
	}
	for _, cell := range upsert {
		msg.Cells = append(msg.Cells, observerproto.CellFromState(current[cell]))
	}
	b, err := json.Marshal(msg)
	if err != nil || !trySend(c.dataOut, b) {
		c.dirty = true
		return
	}
	for _, cell := range upsert {
		c.sent[cell] = current[cell]
	}
}

func sortedObserverIDs(m map[string]*observerClient) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
