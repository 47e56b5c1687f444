// Package chunk models a single erase block within a parallel unit: its
// state, starting address, and position within its owning band. State
// changes are validated here but always serialized through the owning
// band's lock; Chunk itself holds no lock of its own.
package chunk

import (
	"fmt"

	"github.com/open-channel/ocssd-ftl/internal/geometry"
)

// State is one of a chunk's lifecycle states.
type State int

const (
	// StateFree is an erased, writable chunk; it counts as operational and
	// stays in its band's operational ring.
	StateFree State = iota
	// StateOpen is a chunk currently being written to by a WritePointer.
	StateOpen
	// StateClosed is a chunk that has been fully written and not yet erased.
	StateClosed
	// StateBad is a chunk permanently removed from its band's operational
	// ring after a write or erase failure.
	StateBad
	// StateVacant marks a position with no backing chunk at all (the punit
	// range does not cover this band/position combination).
	StateVacant
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateBad:
		return "BAD"
	case StateVacant:
		return "VACANT"
	default:
		return "UNKNOWN"
	}
}

// Chunk is a single erase block within one parallel unit.
type Chunk struct {
	StartPPA geometry.Addr // first LBK's packed address
	PUnit    uint64        // owning PU's flattened index relative to device range
	Pos      int           // position within the owning band's chunk array

	state State
}

// New constructs a chunk in StateFree at the given position.
func New(startPPA geometry.Addr, punit uint64, pos int) *Chunk {
	return &Chunk{StartPPA: startPPA, PUnit: punit, Pos: pos, state: StateFree}
}

// State returns the chunk's current state.
func (c *Chunk) State() State { return c.state }

// IsOperational reports whether the chunk participates in its band's
// write-striping ring (neither BAD nor VACANT).
func (c *Chunk) IsOperational() bool {
	return c.state != StateBad && c.state != StateVacant
}

var allowedTransitions = map[State]map[State]bool{
	StateFree:   {StateOpen: true},
	StateOpen:   {StateClosed: true},
	StateClosed: {StateFree: true},
}

// SetState validates and applies a state transition. Any non-BAD, non-VACANT
// state may transition to BAD at any time (write/erase failure); all other
// transitions follow the FREE -> OPEN -> CLOSED -> FREE cycle.
func (c *Chunk) SetState(new State) error {
	if new == StateBad {
		if c.state == StateBad || c.state == StateVacant {
			return fmt.Errorf("chunk: cannot transition %s -> BAD", c.state)
		}
		c.state = StateBad
		return nil
	}

	if allowedTransitions[c.state][new] {
		c.state = new
		return nil
	}
	return fmt.Errorf("chunk: invalid transition %s -> %s", c.state, new)
}
