// Package weighted draws indices with probability proportional to a
// per-entry weight.
package weighted

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfiguration reports a table that cannot be drawn from.
var ErrInvalidConfiguration = errors.New("invalid configuration")

type Kind uint8

const (
	KindTile Kind = iota + 1
	KindObstacle
)

func (k Kind) String() string {
	switch k {
	case KindTile:
		return "tile"
	case KindObstacle:
		return "obstacle"
	default:
		return "unknown"
	}
}

// Entry pairs a descriptor index with its weight.
type Entry struct {
	Index  int
	Weight float64
}

// Source is the slice of a random generator the selector needs.
// *rand.Rand from math/rand/v2 satisfies it.
type Source interface {
	Float64() float64
}

// Table is an immutable list of entries plus their precomputed total.
// Zero-weight descriptors are kept out of the entries so they can never be
// drawn, but Len still reports the descriptor count.
type Table struct {
	kind    Kind
	n       int
	entries []Entry
	total   float64
}

// NewTable builds a table over weights in descriptor order. An empty list is
// valid (Len() == 0); a non-empty list must have a positive total and no
// negative or NaN weight.
func NewTable(kind Kind, weights []float64) (Table, error) {
	t := Table{kind: kind, n: len(weights)}
	for i, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return Table{}, fmt.Errorf("%w: %s weight[%d] = %v", ErrInvalidConfiguration, kind, i, w)
		}
		if w == 0 {
			continue
		}
		t.entries = append(t.entries, Entry{Index: i, Weight: w})
		t.total += w
	}
	if t.n > 0 && t.total <= 0 {
		return Table{}, fmt.Errorf("%w: %s weights sum to zero", ErrInvalidConfiguration, kind)
	}
	return t, nil
}

func (t Table) Kind() Kind { return t.kind }
func (t Table) Len() int   { return t.n }

// TotalWeight is the sum of all weights.
func (t Table) TotalWeight() float64 { return t.total }

// Entries returns a copy of the drawable entries.
func (t Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Select draws one descriptor index. It consumes exactly one value from src.
func (t Table) Select(src Source) (int, error) {
	return Select(t.entries, t.total, src)
}

// Select returns the first entry whose cumulative weight reaches
// src.Float64()*total.
func Select(entries []Entry, total float64, src Source) (int, error) {
	if total <= 0 || len(entries) == 0 {
		return 0, fmt.Errorf("%w: total weight is %v", ErrInvalidConfiguration, total)
	}
	r := src.Float64() * total
	var cum float64
	for _, e := range entries {
		if e.Weight <= 0 {
			continue
		}
		cum += e.Weight
		if cum >= r {
			return e.Index, nil
		}
	}
	// Accumulated rounding left r just above the sum.
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Weight > 0 {
			return entries[i].Index, nil
		}
	}
	return 0, fmt.Errorf("%w: no positive weight", ErrInvalidConfiguration)
}
