package tilemap

import (
	"errors"
	"fmt"

	"tilestream.dev/internal/sim/tilemap/grid"
	"tilestream.dev/internal/sim/tilemap/weighted"
)

// ErrOutOfRange is returned, wrapped with the position, for an observer whose
// window would not fit on the int32 grid.
var ErrOutOfRange = errors.New("tilemap: position out of range")

// MissingAssignmentError is the panic value raised when an active cell has
// no recorded assignment. It indicates a generator bug, never bad input.
type MissingAssignmentError struct {
	Cell grid.Cell
	Kind weighted.Kind
}

func (e *MissingAssignmentError) Error() string {
	return fmt.Sprintf("tilemap: active %s at (%d,%d) has no assignment", e.Kind, e.Cell.X, e.Cell.Z)
}
