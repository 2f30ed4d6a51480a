// Package assign records, once per cell, which tile and obstacle types were
// chosen. Entries are never overwritten or evicted: a cell unloaded and later
// reloaded must come back identical.
package assign

import (
	"errors"
	"fmt"

	"tilestream.dev/internal/sim/tilemap/grid"
	"tilestream.dev/internal/sim/tilemap/weighted"
)

// NoObstacle marks an assignment without an obstacle.
const NoObstacle int32 = -1

// ErrAlreadyAssigned is returned by a Store when a cell is written twice.
var ErrAlreadyAssigned = errors.New("cell already assigned")

type Assignment struct {
	Tile     int32 `json:"tile"`
	Obstacle int32 `json:"obstacle"`
}

func (a Assignment) HasObstacle() bool { return a.Obstacle != NoObstacle }

// Store holds assignments for the session. Put must reject a second write for
// the same cell with ErrAlreadyAssigned.
type Store interface {
	Get(c grid.Cell) (Assignment, bool, error)
	Put(c grid.Cell, a Assignment) error
	Len() int
	Close() error
}

type Cache struct {
	store Store
}

func NewCache(store Store) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Cache{store: store}
}

// GetOrCreate returns the assignment for c, deciding it on first visit.
// A hit draws nothing from src.
func (c *Cache) GetOrCreate(cell grid.Cell, tiles, obstacles weighted.Table, spawnRatio float64, src weighted.Source) (Assignment, error) {
	if a, ok, err := c.store.Get(cell); err != nil {
		return Assignment{}, fmt.Errorf("lookup %v: %w", cell, err)
	} else if ok {
		return a, nil
	}

	tile, err := tiles.Select(src)
	if err != nil {
		return Assignment{}, fmt.Errorf("select tile for %v: %w", cell, err)
	}
	a := Assignment{Tile: int32(tile), Obstacle: NoObstacle}
	if obstacles.Len() > 0 && src.Float64() < spawnRatio {
		ob, err := obstacles.Select(src)
		if err != nil {
			return Assignment{}, fmt.Errorf("select obstacle for %v: %w", cell, err)
		}
		a.Obstacle = int32(ob)
	}

	if err := c.store.Put(cell, a); err != nil {
		return Assignment{}, fmt.Errorf("record %v: %w", cell, err)
	}
	return a, nil
}

// Lookup returns a recorded assignment without creating one.
func (c *Cache) Lookup(cell grid.Cell) (Assignment, bool, error) {
	return c.store.Get(cell)
}

func (c *Cache) Len() int     { return c.store.Len() }
func (c *Cache) Close() error { return c.store.Close() }

type MemoryStore struct {
	m map[grid.Cell]Assignment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: map[grid.Cell]Assignment{}}
}

func (s *MemoryStore) Get(c grid.Cell) (Assignment, bool, error) {
	a, ok := s.m[c]
	return a, ok, nil
}

func (s *MemoryStore) Put(c grid.Cell, a Assignment) error {
	if _, ok := s.m[c]; ok {
		return fmt.Errorf("%w: %v", ErrAlreadyAssigned, c)
	}
	s.m[c] = a
	return nil
}

func (s *MemoryStore) Len() int     { return len(s.m) }
func (s *MemoryStore) Close() error { return nil }
