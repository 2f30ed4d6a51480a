// Package pool recycles scene instances keyed by prototype id.
package pool

import (
	"log/slog"
	"sync"

	"tilestream.dev/internal/sim/tilemap/grid"
)

// Instance is one placed copy of a prototype. Position, Scale and Yaw are
// written by the generator while the instance is active.
type Instance struct {
	ID        uint64
	Prototype string
	Parent    string
	Position  grid.Vec3
	Scale     grid.Vec3
	Yaw       float64

	active bool
}

func (i *Instance) Active() bool { return i.active }

func (i *Instance) reset() {
	i.Parent = ""
	i.Position = grid.Vec3{}
	i.Scale = grid.Vec3{X: 1, Y: 1, Z: 1}
	i.Yaw = 0
}

// Pool hands out instances. Acquire never fails; Release must be called with
// the same prototype the instance was acquired under.
type Pool interface {
	Acquire(prototype, parent string) *Instance
	Release(prototype string, inst *Instance)
}

type Stats struct {
	Allocated int `json:"allocated"`
	Active    int `json:"active"`
	Idle      int `json:"idle"`
}

// ObjectPool is an in-process Pool with one free stack per prototype.
type ObjectPool struct {
	mu     sync.Mutex
	free   map[string][]*Instance
	nextID uint64
	stats  Stats
	log    *slog.Logger
}

func NewObjectPool(logger *slog.Logger) *ObjectPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectPool{
		free: map[string][]*Instance{},
		log:  logger.With("component", "pool"),
	}
}

// Prewarm allocates n idle instances of prototype.
func (p *ObjectPool) Prewarm(prototype string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for range n {
		inst := p.allocLocked(prototype)
		p.free[prototype] = append(p.free[prototype], inst)
		p.stats.Idle++
	}
}

func (p *ObjectPool) allocLocked(prototype string) *Instance {
	p.nextID++
	p.stats.Allocated++
	inst := &Instance{ID: p.nextID, Prototype: prototype}
	inst.reset()
	return inst
}

func (p *ObjectPool) Acquire(prototype, parent string) *Instance {
	p.mu.Lock()
	defer p.mu.Unlock()

	var inst *Instance
	if q := p.free[prototype]; len(q) > 0 {
		inst = q[len(q)-1]
		p.free[prototype] = q[:len(q)-1]
		p.stats.Idle--
	} else {
		inst = p.allocLocked(prototype)
		p.log.Debug("pool empty, allocated instance", "prototype", prototype, "id", inst.ID)
	}
	inst.Parent = parent
	inst.active = true
	p.stats.Active++
	return inst
}

func (p *ObjectPool) Release(prototype string, inst *Instance) {
	if inst == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if inst.Prototype != prototype {
		p.log.Error("release under wrong prototype", "id", inst.ID, "prototype", prototype, "want", inst.Prototype)
		return
	}
	if !inst.active {
		p.log.Error("double release", "id", inst.ID, "prototype", prototype)
		return
	}
	inst.active = false
	inst.reset()
	p.free[prototype] = append(p.free[prototype], inst)
	p.stats.Active--
	p.stats.Idle++
}

func (p *ObjectPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
