package session

import "tilestream.dev/internal/sim/tilemap/grid"

// Metrics is a read-only view of the session loop. It is stored by the loop
// goroutine after every tick and read from HTTP handlers.
type Metrics struct {
	Tick uint64    `json:"tick"`
	Cell grid.Cell `json:"cell"`

	ActiveTiles     int `json:"active_tiles"`
	ActiveObstacles int `json:"active_obstacles"`
	Pending         int `json:"pending"`
	CacheSize       int `json:"cache_size"`
	Observers       int `json:"observers"`

	QueueDepths QueueDepths `json:"queue_depths"`

	StepMS float64 `json:"step_ms"`
}

type QueueDepths struct {
	Move  int `json:"move"`
	Join  int `json:"join"`
	Leave int `json:"leave"`
}

func (s *Session) Metrics() Metrics {
	if s == nil {
		return Metrics{}
	}
	m, _ := s.metrics.Load().(Metrics)
	return m
}

func (s *Session) storeMetrics(stepMS float64) {
	s.metrics.Store(Metrics{
		Tick:            s.gen.TickCount(),
		Cell:            s.gen.Cell(),
		ActiveTiles:     s.gen.ActiveTiles(),
		ActiveObstacles: s.gen.ActiveObstacles(),
		Pending:         s.gen.Pending(),
		CacheSize:       s.gen.CacheLen(),
		Observers:       len(s.observers),
		QueueDepths: QueueDepths{
			Move:  len(s.move),
			Join:  len(s.observerJoin),
			Leave: len(s.observerLeave),
		},
		StepMS: stepMS,
	})
}
